package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	_ "go.uber.org/automaxprocs"

	ingest "github.com/adred-codev/odin-ingest"
	"github.com/adred-codev/odin-ingest/internal/monitoring"
	"github.com/adred-codev/odin-ingest/internal/pipeline"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath = flag.String("config", "", "path to the YAML config file (or INGEST_CONFIG)")
		debug      = flag.Bool("debug", false, "enable debug logging (overrides logLevel)")
	)
	flag.Parse()

	bootLogger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  monitoring.LogLevelInfo,
		Format: monitoring.LogFormatJSON,
	})

	cfg, err := ingest.Load(*configPath, bootLogger)
	if err != nil {
		bootLogger.Error().Err(err).Msg("configuration failed")
		return 1
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  monitoring.LogLevel(cfg.LogLevel),
		Format: monitoring.LogFormat(cfg.LogFormat),
	})
	logger.Info().
		Int("gomaxprocs", runtime.GOMAXPROCS(0)).
		Str("go", runtime.Version()).
		Msg("starting odin-ingest")
	cfg.LogConfig(logger)

	svc, err := pipeline.New(cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("pipeline build failed")
		return 1
	}
	if err := svc.Start(); err != nil {
		logger.Error().Err(err).Msg("pipeline start failed")
		svc.Stop()
		return 1
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", fmt.Sprint(sig)).Msg("shutdown requested")
		svc.Stop()
		return 0
	case perr := <-svc.Fatal():
		logger.Error().Err(perr).Msg("unrecoverable failure")
		svc.Stop()
		return 1
	}
}
