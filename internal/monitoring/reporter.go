package monitoring

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/adred-codev/odin-ingest/internal/bus"
)

// historyLimit bounds the per-module ring of recent errors.
const historyLimit = 1000

// ErrorReporter receives every PipelineError the components raise.
type ErrorReporter interface {
	Report(err *PipelineError)
	// Recent returns the retained errors for one module, oldest first.
	Recent(module string) []*PipelineError
	// Counts returns total reported errors per module.
	Counts() map[string]uint64
}

// errRing is a fixed-capacity ring of recent errors for one module.
type errRing struct {
	buf   []*PipelineError
	next  int
	count int
	total uint64
}

func (r *errRing) add(e *PipelineError) {
	if len(r.buf) == 0 {
		r.buf = make([]*PipelineError, historyLimit)
	}
	r.buf[r.next] = e
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
	r.total++
}

func (r *errRing) snapshot() []*PipelineError {
	out := make([]*PipelineError, 0, r.count)
	start := r.next - r.count
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}

// Reporter is the default ErrorReporter: logs at the level matching the
// severity, keeps a bounded per-module history, updates the error
// counters, and publishes escalation events on the bus.
type Reporter struct {
	logger zerolog.Logger
	bus    bus.Bus

	mu      sync.Mutex
	history map[string]*errRing
}

// NewReporter wires a Reporter to the given bus. The bus may be nil in
// tests; events are then skipped.
func NewReporter(logger zerolog.Logger, b bus.Bus) *Reporter {
	return &Reporter{
		logger:  logger.With().Str("component", "error_reporter").Logger(),
		bus:     b,
		history: make(map[string]*errRing),
	}
}

// Report records the error, logs it, and escalates FATALs.
func (r *Reporter) Report(err *PipelineError) {
	if err == nil {
		return
	}

	r.mu.Lock()
	ring, ok := r.history[err.Module]
	if !ok {
		ring = &errRing{}
		r.history[err.Module] = ring
	}
	ring.add(err)
	r.mu.Unlock()

	ErrorsTotal.WithLabelValues(string(err.Code), string(err.Severity)).Inc()

	event := r.logger.Warn()
	switch err.Severity {
	case SeverityFatal:
		event = r.logger.Error()
	case SeverityRecoverable:
		event = r.logger.Warn()
	case SeverityWarning:
		event = r.logger.Info()
	}
	event.
		Str("code", string(err.Code)).
		Str("severity", string(err.Severity)).
		Str("module", err.Module).
		Err(err.Cause).
		Msg(err.Message)

	if err.Severity == SeverityFatal && r.bus != nil {
		r.bus.Publish(bus.TopicErrorEscalated, err)
	}
}

// Recovered marks a module healthy again after earlier failures.
func (r *Reporter) Recovered(module, detail string) {
	r.logger.Info().Str("module", module).Str("detail", detail).Msg("recovered")
	if r.bus != nil {
		r.bus.Publish(bus.TopicErrorRecovered, map[string]string{
			"module": module,
			"detail": detail,
		})
	}
}

// Recent returns the retained errors for one module, oldest first.
func (r *Reporter) Recent(module string) []*PipelineError {
	r.mu.Lock()
	defer r.mu.Unlock()
	ring, ok := r.history[module]
	if !ok {
		return nil
	}
	return ring.snapshot()
}

// Counts returns total reported errors per module.
func (r *Reporter) Counts() map[string]uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]uint64, len(r.history))
	for mod, ring := range r.history {
		out[mod] = ring.total
	}
	return out
}

// RetryPolicy bounds the retries a component grants a RECOVERABLE error.
type RetryPolicy struct {
	MaxAttempts int
	Interval    time.Duration
	Multiplier  float64
	Cap         time.Duration
}

// DefaultRetryPolicy matches the recoverable-error policy: 3 attempts,
// 5 s initial interval, doubling, capped at 30 s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Interval: 5 * time.Second, Multiplier: 2, Cap: 30 * time.Second}
}

// Retry runs op under the policy, sleeping the backoff sequence between
// failures. It returns nil as soon as op succeeds, the last error after
// MaxAttempts failures, or ctx.Err() on cancellation.
func Retry(ctx context.Context, policy RetryPolicy, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = policy.Interval
	bo.Multiplier = policy.Multiplier
	bo.RandomizationFactor = 0
	bo.MaxInterval = policy.Cap
	bo.MaxElapsedTime = 0
	bo.Reset()

	var err error
	for attempt := 1; ; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if attempt >= policy.MaxAttempts {
			return err
		}
		select {
		case <-time.After(bo.NextBackOff()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
