package monitoring

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics for the ingestion pipeline, scraped via /metrics.
var (
	// Intake metrics
	RecordsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_records_received_total",
		Help: "Order-book records parsed from exchange frames",
	}, []string{"exchange"})

	RecordsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_records_dropped_total",
		Help: "Records dropped by reason (duplicate, unexpected_symbol, invalid, buffer_full, stale)",
	}, []string{"reason"})

	Reconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_reconnects_total",
		Help: "WebSocket reconnect attempts per exchange",
	}, []string{"exchange"})

	// Buffer metrics
	BufferFlushes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_buffer_flushes_total",
		Help: "Ring buffer flushes by outcome (ok, failed)",
	}, []string{"outcome"})

	BufferSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ingest_buffer_size",
		Help: "Current number of buffered items",
	}, []string{"buffer"})

	BufferUtilization = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ingest_buffer_utilization_ratio",
		Help: "Buffered items over capacity (0-1)",
	}, []string{"buffer"})

	// Store metrics
	StoreBatches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_store_batches_total",
		Help: "Store pipeline executions by outcome (ok, failed, backed_up)",
	}, []string{"outcome"})

	StoreRecords = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ingest_store_records_total",
		Help: "Records written to the store",
	})

	StoreFlushDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ingest_store_flush_duration_seconds",
		Help:    "Store pipeline round-trip time",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	})

	BatchTarget = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ingest_processor_batch_target",
		Help: "Current adaptive batch target",
	})

	// Collector metrics
	CollectorState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ingest_collector_state",
		Help: "Collector state machine position (numeric state code)",
	}, []string{"collector"})

	ActiveConnectors = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ingest_active_connectors",
		Help: "Collectors currently in RUNNING state",
	})

	FrameParseDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ingest_frame_parse_duration_seconds",
		Help:    "Adapter frame parse time",
		Buckets: []float64{.000005, .00001, .00005, .0001, .0005, .001, .005},
	})

	// Error tracking
	ErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_errors_total",
		Help: "Reported errors by code and severity",
	}, []string{"code", "severity"})

	// Event bus
	BusEventsDropped = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ingest_bus_events_dropped_total",
		Help: "Events lost to full subscriber channels",
	})

	// System metrics
	CPUPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ingest_cpu_percent",
		Help: "Process CPU usage percentage",
	})

	MemoryBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ingest_memory_bytes",
		Help: "Current heap usage in bytes",
	})

	GoroutinesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ingest_goroutines_active",
		Help: "Current number of goroutines",
	})
)

func init() {
	prometheus.MustRegister(RecordsReceived)
	prometheus.MustRegister(RecordsDropped)
	prometheus.MustRegister(Reconnects)

	prometheus.MustRegister(BufferFlushes)
	prometheus.MustRegister(BufferSize)
	prometheus.MustRegister(BufferUtilization)

	prometheus.MustRegister(StoreBatches)
	prometheus.MustRegister(StoreRecords)
	prometheus.MustRegister(StoreFlushDuration)
	prometheus.MustRegister(BatchTarget)

	prometheus.MustRegister(CollectorState)
	prometheus.MustRegister(ActiveConnectors)
	prometheus.MustRegister(FrameParseDuration)

	prometheus.MustRegister(ErrorsTotal)
	prometheus.MustRegister(BusEventsDropped)

	prometheus.MustRegister(CPUPercent)
	prometheus.MustRegister(MemoryBytes)
	prometheus.MustRegister(GoroutinesActive)
}

// Sample is one metric observation handed to a MetricSink.
type Sample struct {
	Name   string
	Value  float64
	Labels []string
}

// MetricSink consumes periodic gauge samples from components. Record
// must never block the producer; implementations drop under pressure
// and count the drops.
type MetricSink interface {
	Record(s Sample)
	Dropped() uint64
}

// PrometheusSink applies samples to the registered gauges from a single
// worker goroutine. Producers hand samples over a bounded channel; a
// full channel drops the sample.
type PrometheusSink struct {
	ch      chan Sample
	done    chan struct{}
	dropped atomic.Uint64
}

// NewPrometheusSink starts the sink worker.
func NewPrometheusSink(buffer int) *PrometheusSink {
	if buffer <= 0 {
		buffer = 1024
	}
	s := &PrometheusSink{
		ch:   make(chan Sample, buffer),
		done: make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *PrometheusSink) run() {
	defer close(s.done)
	for sample := range s.ch {
		s.apply(sample)
	}
}

func (s *PrometheusSink) apply(sample Sample) {
	switch sample.Name {
	case "collector_state":
		if len(sample.Labels) == 1 {
			CollectorState.WithLabelValues(sample.Labels[0]).Set(sample.Value)
		}
	case "buffer_size":
		if len(sample.Labels) == 1 {
			BufferSize.WithLabelValues(sample.Labels[0]).Set(sample.Value)
		}
	case "buffer_utilization":
		if len(sample.Labels) == 1 {
			BufferUtilization.WithLabelValues(sample.Labels[0]).Set(sample.Value)
		}
	case "active_connectors":
		ActiveConnectors.Set(sample.Value)
	case "processor_batch_target":
		BatchTarget.Set(sample.Value)
	case "bus_events_dropped":
		BusEventsDropped.Set(sample.Value)
	default:
		// Unknown samples are intentionally ignored.
	}
}

// Record hands the sample to the worker without blocking.
func (s *PrometheusSink) Record(sample Sample) {
	select {
	case s.ch <- sample:
	default:
		s.dropped.Add(1)
	}
}

// Dropped reports samples lost to backpressure.
func (s *PrometheusSink) Dropped() uint64 {
	return s.dropped.Load()
}

// Close stops the worker after draining queued samples. Callers must
// stop every producer first.
func (s *PrometheusSink) Close() {
	close(s.ch)
	<-s.done
}
