// Package pipeline assembles the full ingestion service: one
// coordinator per configured exchange, the shared processor, the store,
// the in-process bus with its optional external mirrors, and the admin
// HTTP surface. The host process owns only signals and the exit code.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	ingest "github.com/adred-codev/odin-ingest"
	"github.com/adred-codev/odin-ingest/internal/buffer"
	"github.com/adred-codev/odin-ingest/internal/bus"
	"github.com/adred-codev/odin-ingest/internal/collector"
	"github.com/adred-codev/odin-ingest/internal/exchange"
	"github.com/adred-codev/odin-ingest/internal/market"
	"github.com/adred-codev/odin-ingest/internal/monitoring"
	"github.com/adred-codev/odin-ingest/internal/processor"
	"github.com/adred-codev/odin-ingest/internal/store"
)

const (
	// shutdownGrace bounds the admin server drain on stop.
	shutdownGrace = 5 * time.Second
	// fatalThreshold and fatalWindow decide when repeated escalations
	// from one module give up on restarts and fail the process.
	fatalThreshold = 3
	fatalWindow    = time.Minute
)

// Service is the composed pipeline.
type Service struct {
	cfg    *ingest.Config
	logger zerolog.Logger

	bus      *bus.MemoryBus
	reporter *monitoring.Reporter
	tracker  *monitoring.MemoryTracker
	sink     *monitoring.PrometheusSink
	sysmon   *monitoring.SystemMonitor

	store        store.Store
	processor    *processor.Processor
	coordinators []*collector.Coordinator

	natsPub  *bus.NATSPublisher
	kafkaPub *bus.KafkaPublisher

	admin    *http.Server
	adminErr chan error

	fatal       chan *monitoring.PipelineError
	escalations <-chan bus.Event
	unsubEsc    func()

	started time.Time
	wg      sync.WaitGroup

	stopOnce sync.Once
}

// New wires the service together. The store connection is verified
// here; a store that is down at startup is a FATAL configuration-level
// failure, not something to limp past.
func New(cfg *ingest.Config, logger zerolog.Logger) (*Service, error) {
	s := &Service{
		cfg:    cfg,
		logger: logger.With().Str("component", "pipeline").Logger(),
		fatal:  make(chan *monitoring.PipelineError, 1),
	}

	s.bus = bus.NewMemoryBus(logger)
	s.reporter = monitoring.NewReporter(logger, s.bus)
	s.tracker = monitoring.NewMemoryTracker()
	s.sink = monitoring.NewPrometheusSink(0)
	s.sysmon = monitoring.NewSystemMonitor(logger, s.reporter, cfg.MonitorInterval.Std(), cfg.MemorySoftLimitMB)

	redisStore, err := store.NewRedis(cfg.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	s.store = redisStore

	proc, err := processor.New(processor.Config{
		ProcessorID:   "processor-0",
		BatchSize:     cfg.Processor.BatchSize,
		BatchInterval: cfg.Processor.BatchInterval.Std(),
		MaxBufferSize: cfg.Processor.MaxBufferSize,
		MaxDataAge:    cfg.Processor.MaxDataAge.Std(),
		BackupPath:    cfg.Processor.BackupPath,
	}, processor.Deps{
		Bus:      s.bus,
		Store:    s.store,
		Reporter: s.reporter,
		Logger:   logger,
	})
	if err != nil {
		s.store.Close()
		return nil, fmt.Errorf("processor: %w", err)
	}
	s.processor = proc

	for _, ex := range cfg.Exchanges {
		co, err := s.buildCoordinator(ex, logger)
		if err != nil {
			s.store.Close()
			return nil, fmt.Errorf("exchange %s: %w", ex.Name, err)
		}
		s.coordinators = append(s.coordinators, co)
	}
	return s, nil
}

func (s *Service) buildCoordinator(ex ingest.ExchangeConfig, logger zerolog.Logger) (*collector.Coordinator, error) {
	marketType := market.MarketType(ex.MarketType)
	if marketType == "" {
		marketType = market.Spot
	}
	adapter, err := exchange.New(exchange.Options{
		Name:                 ex.Name,
		MarketType:           marketType,
		WSURL:                ex.WSURL,
		RestURL:              ex.RestURL,
		StreamLimit:          ex.StreamLimitPerConnection,
		PingInterval:         ex.PingInterval.Std(),
		PongTimeout:          ex.PongTimeout.Std(),
		MaxReconnectAttempts: s.cfg.Collector.MaxReconnectAttempts,
	})
	if err != nil {
		return nil, err
	}

	return collector.NewCoordinator(ex.Symbols, collector.Config{
		MaxReconnectAttempts: s.cfg.Collector.MaxReconnectAttempts,
		ReconnectInterval:    s.cfg.Collector.ReconnectInterval.Std(),
		MaxReconnectBackoff:  s.cfg.Collector.MaxReconnectBackoff.Std(),
		RestInterval:         s.cfg.Collector.RestInterval.Std(),
		MaxRestBackoff:       s.cfg.Collector.MaxRestBackoff.Std(),
		ConnectionTimeout:    s.cfg.Collector.ConnectionTimeout.Std(),
		Buffer: buffer.Config{
			MaxSize:        s.cfg.Buffer.MaxSize,
			FlushThreshold: s.cfg.Buffer.FlushThreshold,
			FlushInterval:  s.cfg.Buffer.FlushInterval.Std(),
		},
	}, collector.Deps{
		Adapter:  adapter,
		Bus:      s.bus,
		Reporter: s.reporter,
		Tracker:  s.tracker,
		Metrics:  s.sink,
		Logger:   logger,
		RestURL:  ex.RestURL,
	})
}

// Start brings the pipeline up: monitor, processor, external
// publishers, then every coordinator in parallel. Any coordinator
// failure tears the whole service back down and is returned.
func (s *Service) Start() error {
	s.started = time.Now()
	s.sysmon.Start()

	if err := s.processor.Start(); err != nil {
		return fmt.Errorf("processor start: %w", err)
	}

	if s.cfg.NATS.URL != "" {
		pub, err := bus.NewNATSPublisher(s.cfg.NATS, s.bus, s.logger)
		if err != nil {
			s.logger.Error().Err(err).Msg("nats publisher unavailable, continuing without")
			s.reporter.Report(monitoring.NewError(
				monitoring.CodeNetwork, monitoring.SeverityWarning, "pipeline", "nats publisher unavailable", err))
		} else {
			s.natsPub = pub
		}
	}
	if len(s.cfg.Kafka.Brokers) > 0 {
		pub, err := bus.NewKafkaPublisher(s.cfg.Kafka, s.bus, s.logger)
		if err != nil {
			s.logger.Error().Err(err).Msg("kafka publisher unavailable, continuing without")
			s.reporter.Report(monitoring.NewError(
				monitoring.CodeNetwork, monitoring.SeverityWarning, "pipeline", "kafka publisher unavailable", err))
		} else {
			s.kafkaPub = pub
		}
	}

	s.escalations, s.unsubEsc = s.bus.Subscribe(64, bus.TopicErrorEscalated)
	s.wg.Add(1)
	go s.watchEscalations()

	errs := make([]error, len(s.coordinators))
	var startWG sync.WaitGroup
	for i, co := range s.coordinators {
		startWG.Add(1)
		go func(i int, co *collector.Coordinator) {
			defer startWG.Done()
			errs[i] = co.Start()
		}(i, co)
	}
	startWG.Wait()
	if err := errors.Join(errs...); err != nil {
		s.Stop()
		return fmt.Errorf("coordinator start: %w", err)
	}

	s.startAdmin()
	s.logger.Info().
		Int("coordinators", len(s.coordinators)).
		Str("admin_addr", s.cfg.AdminAddr).
		Msg("pipeline started")
	return nil
}

// watchEscalations trips the fatal channel when one module keeps
// escalating faster than restarts can absorb.
func (s *Service) watchEscalations() {
	defer s.wg.Done()
	defer monitoring.RecoverPanic(s.logger, "pipeline_escalations")

	recent := make(map[string][]time.Time)
	for ev := range s.escalations {
		perr, ok := ev.Payload.(*monitoring.PipelineError)
		if !ok {
			continue
		}
		now := time.Now()
		times := append(recent[perr.Module], now)
		keep := times[:0]
		for _, t := range times {
			if now.Sub(t) <= fatalWindow {
				keep = append(keep, t)
			}
		}
		recent[perr.Module] = keep

		if len(keep) >= fatalThreshold {
			s.logger.Error().
				Str("module", perr.Module).
				Int("escalations", len(keep)).
				Msg("module keeps failing after restarts, giving up")
			select {
			case s.fatal <- perr:
			default:
			}
			return
		}
	}
}

// Fatal signals an escalation the pipeline could not absorb; the host
// should stop the service and exit nonzero.
func (s *Service) Fatal() <-chan *monitoring.PipelineError { return s.fatal }

// Stop tears the pipeline down in dependency order: collectors first so
// nothing produces, then the processor's final drain, then the mirrors
// and the admin surface. Idempotent.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info().Msg("pipeline stopping")

		var stopWG sync.WaitGroup
		for _, co := range s.coordinators {
			stopWG.Add(1)
			go func(co *collector.Coordinator) {
				defer stopWG.Done()
				co.Stop()
			}(co)
		}
		stopWG.Wait()

		if err := s.processor.Stop(); err != nil {
			s.logger.Warn().Err(err).Msg("processor final drain")
		}

		if s.natsPub != nil {
			s.natsPub.Close()
		}
		if s.kafkaPub != nil {
			s.kafkaPub.Close()
		}
		if s.unsubEsc != nil {
			s.unsubEsc()
		}
		s.wg.Wait()

		if s.admin != nil {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			if err := s.admin.Shutdown(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("admin server shutdown")
			}
			cancel()
		}

		s.sysmon.Shutdown()
		s.bus.Close()
		s.sink.Close()
		if err := s.store.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("store close")
		}
		s.logger.Info().Dur("uptime", time.Since(s.started)).Msg("pipeline stopped")
	})
}

func (s *Service) startAdmin() {
	if s.cfg.AdminAddr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", s.handleHealth)

	s.admin = &http.Server{
		Addr:              s.cfg.AdminAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.adminErr = make(chan error, 1)
	go func() {
		defer monitoring.RecoverPanic(s.logger, "admin_server")
		if err := s.admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("admin server failed")
			s.adminErr <- err
		}
	}()
}

// healthPayload is the GET /health response body.
type healthPayload struct {
	Status     string                   `json:"status"`
	Uptime     string                   `json:"uptime"`
	Exchanges  []collector.Metrics      `json:"exchanges"`
	Processor  processor.Status         `json:"processor"`
	System     monitoring.SystemMetrics `json:"system"`
	Errors     map[string]uint64        `json:"errors"`
	BusDropped uint64                   `json:"busDropped"`
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	payload := healthPayload{
		Status:     "ok",
		Uptime:     time.Since(s.started).Round(time.Second).String(),
		Processor:  s.processor.Status(),
		System:     s.sysmon.Metrics(),
		Errors:     s.reporter.Counts(),
		BusDropped: s.bus.Dropped(),
	}

	active, total := 0, 0
	for _, co := range s.coordinators {
		m := co.Metrics()
		payload.Exchanges = append(payload.Exchanges, m)
		active += m.ActiveConnectors
		total += m.TotalConnectors
	}
	if active < total {
		payload.Status = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	if payload.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Debug().Err(err).Msg("health encode")
	}
}
