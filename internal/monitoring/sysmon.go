package monitoring

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
)

// SystemMetrics holds one sampling round of process resource usage.
type SystemMetrics struct {
	CPUPercent  float64   `json:"cpuPercent"`
	MemoryBytes int64     `json:"memoryBytes"`
	MemoryMB    float64   `json:"memoryMb"`
	Goroutines  int       `json:"goroutines"`
	Timestamp   time.Time `json:"timestamp"`
}

// SystemMonitor samples CPU, heap, and goroutine counts on an interval,
// feeds the gauges, and raises a MEMORY warning when heap use crosses
// the configured soft limit.
type SystemMonitor struct {
	logger   zerolog.Logger
	reporter ErrorReporter

	interval      time.Duration
	memSoftLimit  int64 // bytes, 0 disables the warning
	aboveSoftWarn bool

	mu      sync.RWMutex
	metrics SystemMetrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSystemMonitor builds a monitor; Start launches the sampling loop.
func NewSystemMonitor(logger zerolog.Logger, reporter ErrorReporter, interval time.Duration, memSoftLimitMB int) *SystemMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &SystemMonitor{
		logger:       logger.With().Str("component", "system_monitor").Logger(),
		reporter:     reporter,
		interval:     interval,
		memSoftLimit: int64(memSoftLimitMB) * 1024 * 1024,
		ctx:          ctx,
		cancel:       cancel,
		metrics:      SystemMetrics{Timestamp: time.Now()},
	}
}

// Start launches the periodic sampler.
func (sm *SystemMonitor) Start() {
	sm.wg.Add(1)
	go func() {
		defer sm.wg.Done()
		defer RecoverPanic(sm.logger, "system_monitor")

		ticker := time.NewTicker(sm.interval)
		defer ticker.Stop()

		sm.logger.Info().Dur("interval", sm.interval).Msg("system monitor started")
		sm.sample()

		for {
			select {
			case <-ticker.C:
				sm.sample()
			case <-sm.ctx.Done():
				return
			}
		}
	}()
}

func (sm *SystemMonitor) sample() {
	var cpuPercent float64
	if percents, err := cpu.PercentWithContext(sm.ctx, 0, false); err == nil && len(percents) > 0 {
		cpuPercent = percents[0]
	} else if err != nil {
		sm.logger.Debug().Err(err).Msg("cpu sample failed")
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	goroutines := runtime.NumGoroutine()

	sm.mu.Lock()
	sm.metrics = SystemMetrics{
		CPUPercent:  cpuPercent,
		MemoryBytes: int64(mem.Alloc),
		MemoryMB:    float64(mem.Alloc) / (1024 * 1024),
		Goroutines:  goroutines,
		Timestamp:   time.Now(),
	}
	heap := sm.metrics.MemoryBytes
	sm.mu.Unlock()

	CPUPercent.Set(cpuPercent)
	MemoryBytes.Set(float64(heap))
	GoroutinesActive.Set(float64(goroutines))

	if sm.memSoftLimit > 0 && sm.reporter != nil {
		if heap > sm.memSoftLimit && !sm.aboveSoftWarn {
			sm.aboveSoftWarn = true
			sm.reporter.Report(NewError(CodeMemory, SeverityWarning, "system_monitor",
				"heap above soft limit", nil))
		} else if heap <= sm.memSoftLimit {
			sm.aboveSoftWarn = false
		}
	}
}

// Metrics returns a copy of the latest sample.
func (sm *SystemMonitor) Metrics() SystemMetrics {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.metrics
}

// Shutdown stops the sampler and waits for it to exit.
func (sm *SystemMonitor) Shutdown() {
	sm.cancel()
	sm.wg.Wait()
	sm.logger.Info().Msg("system monitor stopped")
}
