package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/adred-codev/odin-ingest/internal/monitoring"
)

// restartMinInterval paces collector restarts so a wedged adapter
// cannot hot-loop the supervisor.
const restartMinInterval = time.Second

// Coordinator shards one exchange's symbol list into groups bounded by
// the adapter's per-connection stream limit and supervises one
// Collector per group. A collector that fails fatally is restarted with
// pacing; start failures abort the whole coordinator.
type Coordinator struct {
	exchange string
	cfg      Config
	deps     Deps
	logger   zerolog.Logger
	groups   [][]string

	mu         sync.Mutex
	collectors []*Collector
	limiters   []*rate.Limiter

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool

	stopOnce sync.Once
}

// NewCoordinator partitions symbols in declaration order into chunks of
// at most the adapter's stream limit and builds one collector per
// chunk. Collectors are not started until Start.
func NewCoordinator(symbols []string, cfg Config, deps Deps) (*Coordinator, error) {
	if deps.Adapter == nil {
		return nil, errors.New("coordinator: adapter required")
	}
	if len(symbols) == 0 {
		return nil, fmt.Errorf("coordinator %s: no symbols configured", deps.Adapter.Name())
	}

	limit := deps.Adapter.Params().MaxStreamsPerConnection
	if limit <= 0 {
		limit = len(symbols)
	}

	ctx, cancel := context.WithCancel(context.Background())
	co := &Coordinator{
		exchange: deps.Adapter.Name(),
		cfg:      cfg,
		deps:     deps,
		logger:   deps.Logger.With().Str("component", "coordinator").Str("exchange", deps.Adapter.Name()).Logger(),
		groups:   chunkSymbols(symbols, limit),
		ctx:      ctx,
		cancel:   cancel,
	}

	for i, group := range co.groups {
		c, err := co.build(i, group)
		if err != nil {
			cancel()
			return nil, err
		}
		co.collectors = append(co.collectors, c)
		co.limiters = append(co.limiters, rate.NewLimiter(rate.Every(restartMinInterval), 1))
	}

	co.logger.Info().
		Int("symbols", len(symbols)).
		Int("groups", len(co.groups)).
		Int("stream_limit", limit).
		Msg("coordinator built")
	return co, nil
}

// chunkSymbols splits symbols into ordered groups of at most limit
// entries; the last group may be smaller.
func chunkSymbols(symbols []string, limit int) [][]string {
	groups := make([][]string, 0, (len(symbols)+limit-1)/limit)
	for start := 0; start < len(symbols); start += limit {
		end := start + limit
		if end > len(symbols) {
			end = len(symbols)
		}
		groups = append(groups, symbols[start:end])
	}
	return groups
}

func (co *Coordinator) build(idx int, group []string) (*Collector, error) {
	return New(fmt.Sprintf("%s-%d", co.exchange, idx), group, co.cfg, co.deps)
}

// Exchange returns the exchange this coordinator manages.
func (co *Coordinator) Exchange() string { return co.exchange }

// Groups returns the symbol partition, in declaration order.
func (co *Coordinator) Groups() [][]string { return co.groups }

// Start launches every collector in parallel and waits for all of them.
// Any start failure stops every collector, including the ones that
// started cleanly, and the aggregated error is returned.
func (co *Coordinator) Start() error {
	co.mu.Lock()
	if co.started {
		co.mu.Unlock()
		return fmt.Errorf("coordinator %s: already started", co.exchange)
	}
	co.started = true
	collectors := append([]*Collector(nil), co.collectors...)
	co.mu.Unlock()

	errs := make([]error, len(collectors))
	var startWG sync.WaitGroup
	for i, c := range collectors {
		startWG.Add(1)
		go func(i int, c *Collector) {
			defer startWG.Done()
			if err := c.Start(); err != nil {
				errs[i] = fmt.Errorf("collector %s: %w", c.ID(), err)
			}
		}(i, c)
	}
	startWG.Wait()

	if err := errors.Join(errs...); err != nil {
		co.logger.Error().Err(err).Msg("start failed, stopping all collectors")
		co.Stop()
		return err
	}

	for i := range collectors {
		co.wg.Add(1)
		go co.supervise(i)
	}
	co.logger.Info().Int("collectors", len(collectors)).Msg("coordinator started")
	return nil
}

// supervise watches one collector slot for terminal errors and restarts
// the occupant, paced by the slot's limiter. The slot outlives any one
// collector instance: STOPPED is terminal, so a restart swaps in a
// fresh instance over the same symbol group.
func (co *Coordinator) supervise(idx int) {
	defer co.wg.Done()
	defer monitoring.RecoverPanic(co.logger, "coordinator_supervise")

	for {
		co.mu.Lock()
		c := co.collectors[idx]
		co.mu.Unlock()

		select {
		case perr := <-c.Errors():
			if co.ctx.Err() != nil {
				return
			}
			co.logger.Warn().
				Str("collector", c.ID()).
				Err(perr).
				Msg("collector failed, scheduling restart")
			if !co.restart(idx, c) {
				return
			}
		case <-co.ctx.Done():
			return
		}
	}
}

// restart replaces the collector in the slot. It keeps trying under the
// slot's rate limit until a replacement is running or the coordinator
// stops; a false return means the latter.
func (co *Coordinator) restart(idx int, failed *Collector) bool {
	for {
		if err := co.limiters[idx].Wait(co.ctx); err != nil {
			return false
		}

		if err := failed.Stop(); err != nil {
			co.logger.Warn().Err(err).Str("collector", failed.ID()).Msg("stop of failed collector")
		}

		replacement, err := co.build(idx, co.groups[idx])
		if err == nil {
			err = replacement.Start()
		}
		if err == nil {
			co.mu.Lock()
			co.collectors[idx] = replacement
			co.mu.Unlock()
			co.logger.Info().Str("collector", replacement.ID()).Msg("collector restarted")
			return true
		}

		co.deps.Reporter.Report(monitoring.NewError(
			monitoring.CodeProcess, monitoring.SeverityRecoverable, co.exchange,
			"collector restart failed", err))
		if co.ctx.Err() != nil {
			return false
		}
	}
}

// Stop halts every collector, best effort. Errors are logged, not
// propagated; repeated calls are no-ops.
func (co *Coordinator) Stop() {
	co.stopOnce.Do(func() {
		co.cancel()

		co.mu.Lock()
		collectors := append([]*Collector(nil), co.collectors...)
		co.mu.Unlock()

		var stopWG sync.WaitGroup
		for _, c := range collectors {
			stopWG.Add(1)
			go func(c *Collector) {
				defer stopWG.Done()
				if err := c.Stop(); err != nil {
					co.logger.Warn().Err(err).Str("collector", c.ID()).Msg("collector stop")
				}
			}(c)
		}
		stopWG.Wait()
		co.wg.Wait()
		co.logger.Info().Msg("coordinator stopped")
	})
}

// Metrics is the aggregated view over every collector in the group.
type Metrics struct {
	Exchange         string   `json:"exchange"`
	TotalConnectors  int      `json:"totalConnectors"`
	ActiveConnectors int      `json:"activeConnectors"`
	TotalMessages    uint64   `json:"totalMessages"`
	Collectors       []Status `json:"collectors"`
}

// Metrics aggregates per-collector detail: total messages summed,
// active = collectors currently RUNNING.
func (co *Coordinator) Metrics() Metrics {
	co.mu.Lock()
	collectors := append([]*Collector(nil), co.collectors...)
	co.mu.Unlock()

	m := Metrics{Exchange: co.exchange, TotalConnectors: len(collectors)}
	for _, c := range collectors {
		status := c.Status()
		m.TotalMessages += status.Messages
		if status.State == StateRunning.String() {
			m.ActiveConnectors++
		}
		m.Collectors = append(m.Collectors, status)
	}
	return m
}
