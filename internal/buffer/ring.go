// Package buffer implements the bounded FIFO every producer in the
// pipeline writes through. Flushing is driven three ways: crossing the
// fill-ratio threshold, the periodic timer, and synchronously when a
// push finds the buffer full.
package buffer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/odin-ingest/internal/bus"
	"github.com/adred-codev/odin-ingest/internal/monitoring"
)

// sinkAttempts bounds how often one flush retries its sink before the
// batch is discarded.
const sinkAttempts = 3

// PushResult reports what happened to a pushed item.
type PushResult int

const (
	Accepted PushResult = iota
	DroppedFull
)

var (
	// ErrClosed is returned by Push after Dispose.
	ErrClosed = errors.New("buffer closed")
	// errSinkFailed wraps the last sink error after all attempts failed.
	errSinkFailed = errors.New("flush sink failed")
)

// Sink drains one batch. The batch is owned by the sink for the duration
// of the call; the ring never touches it again.
type Sink[T any] func(items []T) error

// Config sizes a ring.
type Config struct {
	Name           string        // label for events, logs, metrics
	MaxSize        int           // capacity N, must be > 0
	FlushThreshold int           // percent of N that schedules a flush, (0,100]
	FlushInterval  time.Duration // timer period, <= 0 disables the timer
}

// Stats is a point-in-time view of ring counters. Size and
// UtilizationRate move both ways; everything else is monotonic.
type Stats struct {
	Size            int       `json:"size"`
	Capacity        int       `json:"capacity"`
	TotalItems      uint64    `json:"totalItems"`
	DroppedItems    uint64    `json:"droppedItems"`
	FlushCount      uint64    `json:"flushCount"`
	FailedFlushes   uint64    `json:"failedFlushes"`
	LastFlushTime   time.Time `json:"lastFlushTime"`
	UtilizationRate float64   `json:"utilizationRate"`
}

// Ring is a bounded FIFO of T with threshold- and timer-driven flushing.
// When full it drops the newest item rather than block the producer.
type Ring[T any] struct {
	cfg    Config
	logger zerolog.Logger
	events bus.Bus // may be nil
	sink   Sink[T]

	mu       sync.Mutex
	buf      []T
	head     int
	tail     int
	count    int
	disposed bool

	total   uint64
	dropped uint64

	// flushMu serializes sink invocations so batch order matches
	// enqueue order.
	flushMu   sync.Mutex
	flushes   uint64
	failed    uint64
	lastFlush time.Time

	kick      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	teardown  []func()
	disposeOnce sync.Once
}

// New validates cfg and builds the ring. The worker goroutine driving
// timer and threshold flushes starts immediately.
func New[T any](cfg Config, sink Sink[T], logger zerolog.Logger, events bus.Bus) (*Ring[T], error) {
	if cfg.MaxSize <= 0 {
		return nil, fmt.Errorf("buffer %q: maxSize must be positive, got %d", cfg.Name, cfg.MaxSize)
	}
	if cfg.FlushThreshold <= 0 || cfg.FlushThreshold > 100 {
		return nil, fmt.Errorf("buffer %q: flushThreshold must be in (0,100], got %d", cfg.Name, cfg.FlushThreshold)
	}
	if sink == nil {
		return nil, fmt.Errorf("buffer %q: sink required", cfg.Name)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Ring[T]{
		cfg:    cfg,
		logger: logger.With().Str("component", "buffer").Str("buffer", cfg.Name).Logger(),
		events: events,
		sink:   sink,
		buf:    make([]T, cfg.MaxSize),
		kick:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
	}

	r.wg.Add(1)
	go r.run()
	return r, nil
}

// run drives timer and threshold flushes until Dispose.
func (r *Ring[T]) run() {
	defer r.wg.Done()
	defer monitoring.RecoverPanic(r.logger, "buffer_worker")

	var tick <-chan time.Time
	if r.cfg.FlushInterval > 0 {
		ticker := time.NewTicker(r.cfg.FlushInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-tick:
			if r.Len() > 0 {
				r.Flush()
			}
		case <-r.kick:
			r.Flush()
		case <-r.ctx.Done():
			return
		}
	}
}

// Push stores the item at the tail. A full ring drops the incoming item,
// counts it, emits BUFFER.FULL, and flushes synchronously before
// returning DroppedFull.
func (r *Ring[T]) Push(item T) (PushResult, error) {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return DroppedFull, ErrClosed
	}

	if r.count == r.cfg.MaxSize {
		r.dropped++
		dropped := r.dropped
		size := r.count
		r.mu.Unlock()

		monitoring.RecordsDropped.WithLabelValues("buffer_full").Inc()
		r.publish(bus.TopicBufferFull, bus.BufferEvent{Name: r.cfg.Name, Size: size, Dropped: dropped})
		r.Flush()
		return DroppedFull, nil
	}

	r.buf[r.tail] = item
	r.tail = (r.tail + 1) % r.cfg.MaxSize
	r.count++
	r.total++
	reached := r.count*100 >= r.cfg.FlushThreshold*r.cfg.MaxSize
	r.mu.Unlock()

	if reached {
		// Non-blocking: a pending kick already covers this push.
		select {
		case r.kick <- struct{}{}:
		default:
		}
	}
	return Accepted, nil
}

// Flush snapshots the current contents, empties the ring, and hands the
// snapshot to the sink with up to sinkAttempts tries. A batch whose sink
// never succeeds is discarded and reported via BUFFER.ERROR; retrying
// across ticks is the sink's business, not the ring's.
func (r *Ring[T]) Flush() error {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	r.mu.Lock()
	if r.count == 0 {
		r.mu.Unlock()
		return nil
	}
	items := make([]T, 0, r.count)
	var zero T
	for i := 0; i < r.count; i++ {
		idx := (r.head + i) % r.cfg.MaxSize
		items = append(items, r.buf[idx])
		r.buf[idx] = zero
	}
	r.head = r.tail
	r.count = 0
	r.mu.Unlock()

	var err error
	for attempt := 1; attempt <= sinkAttempts; attempt++ {
		if err = r.sink(items); err == nil {
			r.flushes++
			r.lastFlush = time.Now()
			monitoring.BufferFlushes.WithLabelValues("ok").Inc()
			r.publish(bus.TopicBufferFlushed, bus.BufferEvent{Name: r.cfg.Name, Flushed: len(items)})
			return nil
		}
		r.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("items", len(items)).
			Msg("flush sink failed")
	}

	r.failed++
	monitoring.BufferFlushes.WithLabelValues("failed").Inc()
	r.publish(bus.TopicBufferError, bus.BufferEvent{Name: r.cfg.Name, Flushed: len(items), Reason: err.Error()})
	return fmt.Errorf("%w after %d attempts: %v", errSinkFailed, sinkAttempts, err)
}

func (r *Ring[T]) publish(topic bus.Topic, payload bus.BufferEvent) {
	if r.events != nil {
		r.events.Publish(topic, payload)
	}
}

// Len returns the current item count.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Stats returns a snapshot of the ring counters.
func (r *Ring[T]) Stats() Stats {
	r.mu.Lock()
	size := r.count
	total := r.total
	dropped := r.dropped
	capacity := r.cfg.MaxSize
	r.mu.Unlock()

	r.flushMu.Lock()
	flushes := r.flushes
	failed := r.failed
	last := r.lastFlush
	r.flushMu.Unlock()

	return Stats{
		Size:            size,
		Capacity:        capacity,
		TotalItems:      total,
		DroppedItems:    dropped,
		FlushCount:      flushes,
		FailedFlushes:   failed,
		LastFlushTime:   last,
		UtilizationRate: float64(size) / float64(capacity),
	}
}

// OnDispose registers fn to run exactly once during Dispose.
func (r *Ring[T]) OnDispose(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.teardown = append(r.teardown, fn)
}

// Dispose stops the worker and runs teardown actions exactly once.
// Pending items are not flushed; callers flush first if they need the
// contents.
func (r *Ring[T]) Dispose() {
	r.disposeOnce.Do(func() {
		r.mu.Lock()
		r.disposed = true
		fns := r.teardown
		r.teardown = nil
		r.mu.Unlock()

		r.cancel()
		r.wg.Wait()
		for _, fn := range fns {
			fn()
		}
		r.logger.Debug().Msg("buffer disposed")
	})
}
