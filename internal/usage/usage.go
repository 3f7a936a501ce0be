// Package usage accumulates request, token and cost totals per adapter and
// across the gateway.
package usage

import (
	"sync"

	"github.com/nulpointcorp/provider-gateway/internal/providers"
)

// Stats is a point-in-time copy of one set of counters.
type Stats struct {
	TotalRequests         int64   `json:"totalRequests"`
	TotalTokens           int64   `json:"totalTokens"`
	TotalPromptTokens     int64   `json:"totalPromptTokens"`
	TotalCompletionTokens int64   `json:"totalCompletionTokens"`
	TotalCachedTokens     int64   `json:"totalCachedTokens"`
	TotalCost             float64 `json:"totalCost"`
}

func (s *Stats) add(t providers.Tokens, cost float64) {
	s.TotalRequests++
	s.TotalTokens += int64(t.Total)
	s.TotalPromptTokens += int64(t.Prompt)
	s.TotalCompletionTokens += int64(t.Completion)
	s.TotalCachedTokens += int64(t.Cached)
	s.TotalCost += cost
}

type Snapshot struct {
	Global    Stats            `json:"global"`
	Providers map[string]Stats `json:"providers"`
}

type counter struct {
	mu    sync.Mutex
	stats Stats
}

// Tracker is safe for concurrent use. Each provider has its own lock;
// the global counters have another. Record holds mu for reading so Reset,
// which holds it for writing, never interleaves with a half-applied record.
type Tracker struct {
	global counter

	mu   sync.RWMutex
	byID map[string]*counter
}

func NewTracker() *Tracker {
	return &Tracker{byID: make(map[string]*counter)}
}

// Record adds one successful completion served by provider.
func (t *Tracker) Record(provider string, tokens providers.Tokens, cost float64) {
	t.mu.RLock()
	if c, ok := t.byID[provider]; ok {
		t.add(c, tokens, cost)
		t.mu.RUnlock()
		return
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.byID[provider]
	if !ok {
		c = &counter{}
		t.byID[provider] = c
	}
	t.add(c, tokens, cost)
}

// add applies one record; callers hold mu.
func (t *Tracker) add(c *counter, tokens providers.Tokens, cost float64) {
	c.mu.Lock()
	c.stats.add(tokens, cost)
	c.mu.Unlock()

	t.global.mu.Lock()
	t.global.stats.add(tokens, cost)
	t.global.mu.Unlock()
}

// Provider returns the counters for one provider (zero when never recorded).
func (t *Tracker) Provider(name string) Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.byID[name]
	if !ok {
		return Stats{}
	}
	return c.load()
}

func (t *Tracker) Global() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.global.load()
}

func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := Snapshot{Global: t.global.load(), Providers: make(map[string]Stats, len(t.byID))}
	for name, c := range t.byID {
		out.Providers[name] = c.load()
	}
	return out
}

// Reset zeroes every counter.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byID = make(map[string]*counter)

	t.global.mu.Lock()
	t.global.stats = Stats{}
	t.global.mu.Unlock()
}

func (c *counter) load() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
