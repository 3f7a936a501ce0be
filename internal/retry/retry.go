// Package retry runs a single adapter call with bounded retries and
// exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/nulpointcorp/provider-gateway/internal/providers"
)

const (
	DefaultMaxRetries     = providers.MaxRetries
	DefaultBaseDelay      = providers.BaseDelay
	DefaultMaxDelay       = 60 * time.Second
	DefaultAttemptTimeout = providers.ProviderTimeout
)

// ErrMaxRetriesExceeded is matched by every *MaxRetriesExceededError.
var ErrMaxRetriesExceeded = errors.New("max retries exceeded")

// MaxRetriesExceededError is returned when the final attempt fails.
// It wraps both ErrMaxRetriesExceeded and the last attempt error.
type MaxRetriesExceededError struct {
	Provider string
	Attempts int
	Err      error
}

func (e *MaxRetriesExceededError) Error() string {
	return fmt.Sprintf("retry: %s failed after %d attempt(s): %v", e.Provider, e.Attempts, e.Err)
}

func (e *MaxRetriesExceededError) Unwrap() []error {
	return []error{ErrMaxRetriesExceeded, e.Err}
}

// Attempt describes one adapter invocation.
type Attempt struct {
	Provider string
	Number   int
	Duration time.Duration
	Err      error
}

// Observer is notified after every attempt, successful or not.
type Observer func(ctx context.Context, a Attempt)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

type Executor struct {
	maxRetries     int
	baseDelay      time.Duration
	maxDelay       time.Duration
	attemptTimeout time.Duration
	jitter         float64
	sleep          SleepFunc
	observer       Observer
	log            *slog.Logger
}

type Option func(*Executor)

// WithMaxRetries sets the total number of adapter invocations. 0 is treated as 1.
func WithMaxRetries(n int) Option {
	return func(e *Executor) { e.maxRetries = n }
}

func WithBaseDelay(d time.Duration) Option {
	return func(e *Executor) { e.baseDelay = d }
}

// WithMaxDelay caps both the computed backoff and any Retry-After hint.
func WithMaxDelay(d time.Duration) Option {
	return func(e *Executor) { e.maxDelay = d }
}

// WithAttemptTimeout bounds each attempt. 0 disables the per-attempt deadline.
func WithAttemptTimeout(d time.Duration) Option {
	return func(e *Executor) { e.attemptTimeout = d }
}

// WithJitter adds up to fraction*delay of random noise to each backoff.
func WithJitter(fraction float64) Option {
	return func(e *Executor) { e.jitter = fraction }
}

func WithSleep(fn SleepFunc) Option {
	return func(e *Executor) { e.sleep = fn }
}

func WithObserver(fn Observer) Option {
	return func(e *Executor) { e.observer = fn }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.log = l }
}

func New(opts ...Option) *Executor {
	e := &Executor{
		maxRetries:     DefaultMaxRetries,
		baseDelay:      DefaultBaseDelay,
		maxDelay:       DefaultMaxDelay,
		attemptTimeout: DefaultAttemptTimeout,
		sleep:          Sleep,
	}
	for _, o := range opts {
		o(e)
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	if e.jitter < 0 {
		e.jitter = 0
	}
	return e
}

// Execute calls adapter until it succeeds, fails with a non-retryable error,
// or the attempt budget is spent.
func (e *Executor) Execute(
	ctx context.Context,
	adapter providers.Adapter,
	messages []providers.Message,
	opts providers.Options,
) (*providers.Result, error) {
	if ctx == nil {
		panic("retry: context must not be nil")
	}

	name := adapter.Name()
	attempts := e.maxRetries
	if attempts < 1 {
		attempts = 1
	}

	for n := 1; ; n++ {
		res, dur, err := e.attempt(ctx, adapter, messages, opts)

		if e.observer != nil {
			e.observer(ctx, Attempt{Provider: name, Number: n, Duration: dur, Err: err})
		}
		if err == nil {
			return res, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("retry: %s: %w", name, ctxErr)
		}

		e.log.WarnContext(ctx, "provider_attempt_failed",
			slog.String("provider", name),
			slog.Int("attempt", n),
			slog.Int("max_attempts", attempts),
			slog.String("reason", Classify(err)),
			slog.Int64("latency_ms", dur.Milliseconds()),
			slog.String("error", err.Error()),
		)

		if IsNonRetryable(err) {
			return nil, err
		}
		if n >= attempts {
			return nil, &MaxRetriesExceededError{Provider: name, Attempts: n, Err: err}
		}

		if err := e.sleep(ctx, e.Backoff(n, err)); err != nil {
			return nil, fmt.Errorf("retry: %s: %w", name, err)
		}
	}
}

func (e *Executor) attempt(
	ctx context.Context,
	adapter providers.Adapter,
	messages []providers.Message,
	opts providers.Options,
) (*providers.Result, time.Duration, error) {
	actx := ctx
	if e.attemptTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, e.attemptTimeout)
		defer cancel()
	}

	start := time.Now()
	res, err := adapter.Completion(actx, messages, opts)
	dur := time.Since(start)
	if err != nil {
		return nil, dur, err
	}
	if verr := res.Validate(); verr != nil {
		var pe *providers.ProviderError
		if errors.As(verr, &pe) && pe.Provider == "" {
			pe.Provider = adapter.Name()
		}
		return nil, dur, verr
	}
	return res, dur, nil
}

// Backoff returns the wait before attempt n+1: baseDelay*2^(n-1), replaced
// by a rate-limit Retry-After hint when present, capped at maxDelay.
func (e *Executor) Backoff(n int, err error) time.Duration {
	d := e.baseDelay
	for i := 1; i < n && d < e.maxDelay; i++ {
		d *= 2
	}

	var pe *providers.ProviderError
	if errors.As(err, &pe) && pe.Kind == providers.KindRateLimit && pe.RetryAfter > 0 {
		d = pe.RetryAfter
	}

	if e.maxDelay > 0 && d > e.maxDelay {
		d = e.maxDelay
	}
	if e.jitter > 0 && d > 0 {
		d += time.Duration(float64(d) * e.jitter * rand.Float64())
	}
	return d
}

// IsNonRetryable reports whether err must be returned without another
// attempt: validation failures, cancellation, and every 4xx except 408/429.
func IsNonRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, providers.ErrInvalidMessage) || errors.Is(err, providers.ErrInvalidRequest) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return true
	}

	var pe *providers.ProviderError
	if errors.As(err, &pe) {
		return !pe.Retryable()
	}

	var sc providers.StatusCoder
	if errors.As(err, &sc) {
		status := sc.HTTPStatus()
		if status == 408 || status == 429 {
			return false
		}
		return status >= 400 && status < 500
	}
	return false
}

// Classify converts an error into a short category used in log fields and
// metrics labels.
func Classify(err error) string {
	if err == nil {
		return "success"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var sc providers.StatusCoder
	if errors.As(err, &sc) && sc.HTTPStatus() > 0 {
		return fmt.Sprintf("http_%d", sc.HTTPStatus())
	}
	if k := providers.KindOf(err); k != "" {
		return string(k)
	}
	return "unknown"
}

// Sleep is the default SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
