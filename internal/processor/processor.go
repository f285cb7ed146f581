// Package processor drains the canonical record stream into the store.
// Records arrive over the event bus, pass validation, sit in a bounded
// ring, and leave in micro-batches written through retriable store
// pipelines. Batches the store refuses three times land in a disk
// backup that is replayed once the store recovers.
package processor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/odin-ingest/internal/buffer"
	"github.com/adred-codev/odin-ingest/internal/bus"
	"github.com/adred-codev/odin-ingest/internal/market"
	"github.com/adred-codev/odin-ingest/internal/monitoring"
	"github.com/adred-codev/odin-ingest/internal/store"
)

const (
	// storeAttempts bounds the pipeline retries per chunk.
	storeAttempts = 3
	// storeDeadline bounds each pipeline attempt.
	storeDeadline = 5 * time.Second
	// fastFlush is the latency under which the batch target grows.
	fastFlush = 50 * time.Millisecond
	// targetGrow and targetShrink adjust the adaptive batch target.
	targetGrow   = 1.2
	targetShrink = 0.8
	// targetFloor is the lowest the batch target adapts down to.
	targetFloor = 10
)

// storeRetryDelays is the backoff between pipeline attempts.
var storeRetryDelays = []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}

// Config is the processor section of the configuration bundle.
type Config struct {
	ProcessorID   string
	Exchange      string // filter; empty accepts every exchange
	BatchSize     int    // initial adaptive target
	BatchInterval time.Duration
	MaxBufferSize int // ring capacity and target ceiling
	MaxDataAge    time.Duration
	BackupPath    string
}

// Deps are the injected collaborators.
type Deps struct {
	Bus      bus.Bus
	Store    store.Store
	Reporter monitoring.ErrorReporter
	Logger   zerolog.Logger
	Now      func() time.Time
}

// Processor owns one ring of processed records and the store handle.
type Processor struct {
	cfg    Config
	deps   Deps
	logger zerolog.Logger

	ring   *buffer.Ring[market.ProcessedRecord]
	backup *backupFile

	targetMu sync.Mutex
	target   float64

	events      <-chan bus.Event
	unsubscribe func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stopOnce sync.Once

	batches        atomic.Uint64
	records        atomic.Uint64
	droppedInvalid atomic.Uint64
	droppedStale   atomic.Uint64

	avgMu        sync.Mutex
	avgFlushTime time.Duration
}

// New validates the config and builds the processor. Start subscribes
// it to the record stream.
func New(cfg Config, deps Deps) (*Processor, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("processor: store required")
	}
	if deps.Reporter == nil {
		return nil, fmt.Errorf("processor: error reporter required")
	}
	if cfg.ProcessorID == "" {
		cfg.ProcessorID = "processor-0"
	}
	if cfg.MaxBufferSize <= 0 {
		cfg.MaxBufferSize = 1000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchSize > cfg.MaxBufferSize {
		cfg.BatchSize = cfg.MaxBufferSize
	}
	if cfg.BatchInterval <= 0 {
		cfg.BatchInterval = time.Second
	}
	if cfg.BackupPath == "" {
		return nil, fmt.Errorf("processor: backupPath required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Processor{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.With().Str("component", "processor").Str("processor", cfg.ProcessorID).Logger(),
		backup: newBackupFile(cfg.BackupPath, deps.Logger),
		target: float64(cfg.BatchSize),
		ctx:    ctx,
		cancel: cancel,
	}

	// The ring flushes when one batch target's worth is buffered or the
	// batch interval elapses, whichever comes first.
	threshold := cfg.BatchSize * 100 / cfg.MaxBufferSize
	if threshold <= 0 {
		threshold = 1
	}
	ring, err := buffer.New[market.ProcessedRecord](buffer.Config{
		Name:           cfg.ProcessorID,
		MaxSize:        cfg.MaxBufferSize,
		FlushThreshold: threshold,
		FlushInterval:  cfg.BatchInterval,
	}, p.persist, p.logger, deps.Bus)
	if err != nil {
		cancel()
		return nil, err
	}
	p.ring = ring
	return p, nil
}

// Start subscribes to MARKET_DATA and launches the intake loop.
func (p *Processor) Start() error {
	if p.deps.Bus != nil {
		events, cancel := p.deps.Bus.Subscribe(p.cfg.MaxBufferSize, bus.TopicMarketData)
		p.events = events
		p.unsubscribe = cancel

		p.wg.Add(1)
		go p.intake()
	}
	p.logger.Info().
		Str("exchange_filter", p.cfg.Exchange).
		Int("batch_size", p.cfg.BatchSize).
		Dur("batch_interval", p.cfg.BatchInterval).
		Msg("processor started")
	return nil
}

// Stop detaches from the bus, drains what is buffered with one final
// flush, and disposes the ring. Idempotent.
func (p *Processor) Stop() error {
	var flushErr error
	p.stopOnce.Do(func() {
		// Detach from the bus first: the closed subscription ends the
		// intake loop, and the final drain below still runs with a live
		// context so the store writes can land.
		if p.unsubscribe != nil {
			p.unsubscribe()
		}
		p.wg.Wait()

		flushErr = p.ring.Flush()
		p.cancel()
		p.ring.Dispose()
		p.logger.Info().
			Uint64("batches", p.batches.Load()).
			Uint64("records", p.records.Load()).
			Msg("processor stopped")
	})
	return flushErr
}

func (p *Processor) intake() {
	defer p.wg.Done()
	defer monitoring.RecoverPanic(p.logger, "processor_intake")

	for {
		select {
		case ev, ok := <-p.events:
			if !ok {
				return
			}
			if rec, ok := ev.Payload.(*market.Record); ok {
				p.Ingest(rec)
			}
		case <-p.ctx.Done():
			return
		}
	}
}

// Ingest validates one record and buffers it. Rejected records never
// enter the ring; they are counted and reported.
func (p *Processor) Ingest(rec *market.Record) {
	if p.cfg.Exchange != "" && rec.Exchange != p.cfg.Exchange {
		return
	}

	now := p.now()
	if err := rec.Validate(now); err != nil {
		p.droppedInvalid.Add(1)
		monitoring.RecordsDropped.WithLabelValues("invalid").Inc()
		p.deps.Reporter.Report(monitoring.NewError(
			monitoring.CodeValidation, monitoring.SeverityRecoverable, p.cfg.ProcessorID,
			"record rejected", err))
		return
	}
	if p.cfg.MaxDataAge > 0 && now.UnixMilli()-rec.Timestamp > p.cfg.MaxDataAge.Milliseconds() {
		p.droppedStale.Add(1)
		monitoring.RecordsDropped.WithLabelValues("stale").Inc()
		return
	}

	p.ring.Push(rec.Processed(p.cfg.ProcessorID, now)) //nolint:errcheck // closed ring during shutdown
}

// persist is the ring sink: the snapshot is written in chunks of the
// current batch target, each chunk through its own pipeline. A chunk
// the store refuses after every retry goes to the disk backup instead
// of being lost; a chunk that lands cleanly also triggers a backup
// replay.
func (p *Processor) persist(items []market.ProcessedRecord) error {
	for start := 0; start < len(items); {
		end := start + p.batchTarget()
		if end > len(items) {
			end = len(items)
		}
		chunk := items[start:end]
		start = end

		elapsed, err := p.writeChunk(chunk)
		if err != nil {
			if p.ctx.Err() != nil {
				// Cancelled flushes discard their batch.
				return nil
			}
			p.adapt(false, 0)
			monitoring.StoreBatches.WithLabelValues("backed_up").Inc()
			if berr := p.backup.Append(chunk); berr != nil {
				p.deps.Reporter.Report(monitoring.NewError(
					monitoring.CodeStorage, monitoring.SeverityFatal, p.cfg.ProcessorID,
					"backup write failed", berr))
				return fmt.Errorf("store and backup both failed: %w", berr)
			}
			p.deps.Reporter.Report(monitoring.NewError(
				monitoring.CodeStorage, monitoring.SeverityRecoverable, p.cfg.ProcessorID,
				fmt.Sprintf("batch of %d backed up after %d store failures", len(chunk), storeAttempts), err))
			continue
		}

		p.batches.Add(1)
		p.records.Add(uint64(len(chunk)))
		p.noteFlushTime(elapsed)
		monitoring.StoreBatches.WithLabelValues("ok").Inc()
		monitoring.StoreRecords.Add(float64(len(chunk)))
		monitoring.StoreFlushDuration.Observe(elapsed.Seconds())
		p.adapt(true, elapsed)

		if err := p.replayBackup(); err != nil {
			p.logger.Warn().Err(err).Msg("backup replay incomplete")
		}
	}
	return nil
}

// writeChunk runs one pipeline with bounded retries and a deadline per
// attempt.
func (p *Processor) writeChunk(chunk []market.ProcessedRecord) (time.Duration, error) {
	var lastErr error
	for attempt := 0; attempt < storeAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(storeRetryDelays[attempt-1]):
			case <-p.ctx.Done():
				return 0, p.ctx.Err()
			}
		}

		ctx, cancel := context.WithTimeout(p.ctx, storeDeadline)
		start := time.Now()
		err := p.deps.Store.WriteBatch(ctx, chunk)
		elapsed := time.Since(start)
		cancel()

		if err == nil {
			return elapsed, nil
		}
		lastErr = err
		monitoring.StoreBatches.WithLabelValues("failed").Inc()
		p.logger.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Int("records", len(chunk)).
			Msg("store pipeline failed")
	}
	return 0, lastErr
}

// replayBackup pushes any backed-up batches into the store and removes
// the file. Keys are idempotent, so a replay interrupted halfway is
// simply resumed by the next one.
func (p *Processor) replayBackup() error {
	restored, err := p.backup.Drain(func(batch []market.ProcessedRecord) error {
		ctx, cancel := context.WithTimeout(p.ctx, storeDeadline)
		defer cancel()
		return p.deps.Store.WriteBatch(ctx, batch)
	})
	if restored > 0 {
		p.records.Add(uint64(restored))
		monitoring.StoreRecords.Add(float64(restored))
		p.logger.Info().Int("records", restored).Msg("backup drained into store")
		if r, ok := p.deps.Reporter.(*monitoring.Reporter); ok {
			r.Recovered(p.cfg.ProcessorID, "backup drained")
		}
	}
	return err
}

// adapt resizes the batch target: fast flushes grow it toward the
// buffer capacity, failures shrink it toward the floor.
func (p *Processor) adapt(success bool, elapsed time.Duration) {
	p.targetMu.Lock()
	defer p.targetMu.Unlock()

	switch {
	case !success:
		p.target *= targetShrink
		if p.target < targetFloor {
			p.target = targetFloor
		}
	case elapsed < fastFlush:
		p.target *= targetGrow
		if p.target > float64(p.cfg.MaxBufferSize) {
			p.target = float64(p.cfg.MaxBufferSize)
		}
	}
	monitoring.BatchTarget.Set(p.target)
}

func (p *Processor) batchTarget() int {
	p.targetMu.Lock()
	defer p.targetMu.Unlock()
	return int(p.target)
}

func (p *Processor) noteFlushTime(elapsed time.Duration) {
	p.avgMu.Lock()
	defer p.avgMu.Unlock()
	if p.avgFlushTime == 0 {
		p.avgFlushTime = elapsed
		return
	}
	// Exponential moving average, weight 1/8 on the newest sample.
	p.avgFlushTime += (elapsed - p.avgFlushTime) / 8
}

// Status is a point-in-time snapshot for health reporting.
type Status struct {
	ProcessorID       string        `json:"processorId"`
	BatchesProcessed  uint64        `json:"batchesProcessed"`
	RecordsProcessed  uint64        `json:"recordsProcessed"`
	DroppedInvalid    uint64        `json:"droppedInvalid"`
	DroppedStale      uint64        `json:"droppedStale"`
	BatchTarget       int           `json:"batchTarget"`
	AvgProcessingTime time.Duration `json:"avgProcessingTime"`
	Buffer            buffer.Stats  `json:"buffer"`
}

func (p *Processor) Status() Status {
	p.avgMu.Lock()
	avg := p.avgFlushTime
	p.avgMu.Unlock()

	return Status{
		ProcessorID:       p.cfg.ProcessorID,
		BatchesProcessed:  p.batches.Load(),
		RecordsProcessed:  p.records.Load(),
		DroppedInvalid:    p.droppedInvalid.Load(),
		DroppedStale:      p.droppedStale.Load(),
		BatchTarget:       p.batchTarget(),
		AvgProcessingTime: avg,
		Buffer:            p.ring.Stats(),
	}
}

func (p *Processor) now() time.Time {
	if p.deps.Now != nil {
		return p.deps.Now()
	}
	return time.Now()
}
