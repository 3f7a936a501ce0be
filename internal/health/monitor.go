// Package health tracks the latest known status of every registered adapter.
//
// Records are fed from two places: explicit probes (CheckHealth, CheckAll,
// and the optional background loop) and the attempt results reported by the
// completion path through Record.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/provider-gateway/internal/providers"
)

const (
	DefaultProbeTimeout = 10 * time.Second
	probeMaxTokens      = 5
)

// ErrUnknownProvider is returned when a probe names an unregistered adapter.
var ErrUnknownProvider = errors.New("health: unknown provider")

type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// Record is the latest health observation for one adapter.
type Record struct {
	Provider            string    `json:"provider"`
	Status              Status    `json:"status"`
	LastCheck           time.Time `json:"lastCheck"`
	ResponseTimeMs      int64     `json:"responseTimeMs"`
	Error               string    `json:"error,omitempty"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
}

// Source lists the adapters to monitor. *providers.Registry satisfies it.
type Source interface {
	Get(name string) (providers.Adapter, bool)
	Names() []string
}

// Gauge receives status changes, typically the Prometheus registry.
type Gauge interface {
	SetProviderHealth(provider string, ok bool)
}

type entry struct {
	mu  sync.Mutex
	rec Record
}

type Monitor struct {
	src          Source
	probeTimeout time.Duration
	interval     time.Duration
	gauge        Gauge
	log          *slog.Logger
	now          func() time.Time

	mu      sync.RWMutex
	entries map[string]*entry

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type Option func(*Monitor)

func WithProbeTimeout(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.probeTimeout = d
		}
	}
}

// WithInterval enables the background probe loop started by Start.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) { m.interval = d }
}

func WithGauge(g Gauge) Option {
	return func(m *Monitor) { m.gauge = g }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

func New(src Source, opts ...Option) *Monitor {
	if src == nil {
		panic("health: source must not be nil")
	}
	m := &Monitor{
		src:          src,
		probeTimeout: DefaultProbeTimeout,
		now:          time.Now,
		entries:      make(map[string]*entry),
		done:         make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	return m
}

// CheckHealth probes one adapter with a minimal completion and records the
// outcome. The probe does not go through retries.
func (m *Monitor) CheckHealth(ctx context.Context, name string) (Record, error) {
	adapter, ok := m.src.Get(name)
	if !ok {
		return Record{}, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}

	pctx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	start := m.now()
	_, err := adapter.Completion(pctx,
		[]providers.Message{{Role: providers.RoleUser, Content: "ping"}},
		providers.Options{MaxTokens: probeMaxTokens},
	)
	rec := m.Record(name, m.now().Sub(start), err)

	if err != nil {
		m.log.WarnContext(ctx, "health_probe_failed",
			slog.String("provider", name),
			slog.Int64("latency_ms", rec.ResponseTimeMs),
			slog.String("error", rec.Error),
		)
	}
	return rec, nil
}

// CheckAll probes every adapter in parallel and returns the fresh records.
func (m *Monitor) CheckAll(ctx context.Context) map[string]Record {
	names := m.src.Names()
	out := make(map[string]Record, len(names))
	var mu sync.Mutex

	var g errgroup.Group
	for _, name := range names {
		g.Go(func() error {
			rec, err := m.CheckHealth(ctx, name)
			if err != nil {
				// Deregistered between Names and Get.
				return nil
			}
			mu.Lock()
			out[name] = rec
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Record stores the outcome of one call to name and returns the new record.
func (m *Monitor) Record(name string, latency time.Duration, err error) Record {
	e := m.entry(name)

	e.mu.Lock()
	e.rec.LastCheck = m.now()
	e.rec.ResponseTimeMs = latency.Milliseconds()
	if err == nil {
		e.rec.Status = StatusHealthy
		e.rec.Error = ""
		e.rec.ConsecutiveFailures = 0
	} else {
		e.rec.Status = StatusUnhealthy
		e.rec.Error = err.Error()
		e.rec.ConsecutiveFailures++
	}
	rec := e.rec
	e.mu.Unlock()

	if m.gauge != nil {
		m.gauge.SetProviderHealth(name, err == nil)
	}
	return rec
}

// Get returns the record for name. Adapters never observed report
// StatusUnknown with ok=false.
func (m *Monitor) Get(name string) (Record, bool) {
	m.mu.RLock()
	e, ok := m.entries[name]
	m.mu.RUnlock()
	if !ok {
		return Record{Provider: name, Status: StatusUnknown}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec, true
}

// Snapshot returns a record for every registered adapter.
func (m *Monitor) Snapshot() map[string]Record {
	names := m.src.Names()
	out := make(map[string]Record, len(names))
	for _, n := range names {
		out[n], _ = m.Get(n)
	}
	return out
}

func (m *Monitor) IsHealthy(name string) bool {
	rec, _ := m.Get(name)
	return rec.Status == StatusHealthy
}

// Healthy returns the sorted names whose latest status is healthy.
func (m *Monitor) Healthy() []string {
	var out []string
	for _, n := range m.src.Names() {
		if m.IsHealthy(n) {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

// Start launches the background probe loop when an interval is configured.
// The loop stops when ctx is cancelled or Close is called.
func (m *Monitor) Start(ctx context.Context) {
	if ctx == nil {
		panic("health: context must not be nil")
	}
	if m.interval <= 0 {
		return
	}
	m.wg.Add(1)
	go m.run(ctx)
}

// Close stops the probe loop and waits for it to exit.
func (m *Monitor) Close() {
	m.closeOnce.Do(func() { close(m.done) })
	m.wg.Wait()
}

func (m *Monitor) run(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.CheckAll(ctx)
		case <-ctx.Done():
			return
		case <-m.done:
			return
		}
	}
}

func (m *Monitor) entry(name string) *entry {
	m.mu.RLock()
	e, ok := m.entries[name]
	m.mu.RUnlock()
	if ok {
		return e
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok = m.entries[name]; !ok {
		e = &entry{rec: Record{Provider: name, Status: StatusUnknown}}
		m.entries[name] = e
	}
	return e
}
