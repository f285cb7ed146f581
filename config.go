// Package ingest holds the configuration bundle for the market-data
// ingestion pipeline. Settings stack three layers, strongest last: code
// defaults, a YAML file, then environment variables (only variables
// actually set override the file). The exchange list is structural and
// comes from the file; scalar knobs accept env overrides.
package ingest

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/adred-codev/odin-ingest/internal/bus"
	"github.com/adred-codev/odin-ingest/internal/market"
	"github.com/adred-codev/odin-ingest/internal/store"
)

// Duration parses either a Go duration string ("5s", "100ms") or a bare
// integer, which is taken as milliseconds. It satisfies both the YAML
// decoder and the env parser.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" {
		*d = 0
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		*d = Duration(time.Duration(n) * time.Millisecond)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ExchangeConfig describes one exchange feed.
type ExchangeConfig struct {
	Name                     string   `yaml:"name"`
	MarketType               string   `yaml:"marketType"`
	WSURL                    string   `yaml:"wsUrl"`
	RestURL                  string   `yaml:"restUrl"`
	StreamLimitPerConnection int      `yaml:"streamLimitPerConnection"`
	Symbols                  []string `yaml:"symbols"`
	PingInterval             Duration `yaml:"pingInterval"`
	PongTimeout              Duration `yaml:"pongTimeout"`
}

// CollectorConfig is the reconnect and fallback policy.
type CollectorConfig struct {
	MaxReconnectAttempts int      `yaml:"maxReconnectAttempts" env:"INGEST_MAX_RECONNECT_ATTEMPTS"`
	ReconnectInterval    Duration `yaml:"reconnectInterval" env:"INGEST_RECONNECT_INTERVAL"`
	MaxReconnectBackoff  Duration `yaml:"maxReconnectBackoff" env:"INGEST_MAX_RECONNECT_BACKOFF"`
	RestInterval         Duration `yaml:"restInterval" env:"INGEST_REST_INTERVAL"`
	MaxRestBackoff       Duration `yaml:"maxRestBackoff" env:"INGEST_MAX_REST_BACKOFF"`
	ConnectionTimeout    Duration `yaml:"connectionTimeout" env:"INGEST_CONNECTION_TIMEOUT"`
}

// BufferConfig sizes the per-collector ring buffers.
type BufferConfig struct {
	MaxSize        int      `yaml:"maxSize" env:"INGEST_BUFFER_MAX_SIZE"`
	FlushThreshold int      `yaml:"flushThreshold" env:"INGEST_BUFFER_FLUSH_THRESHOLD"`
	FlushInterval  Duration `yaml:"flushInterval" env:"INGEST_BUFFER_FLUSH_INTERVAL"`
}

// ProcessorConfig shapes the batching toward the store.
type ProcessorConfig struct {
	BatchSize     int      `yaml:"batchSize" env:"INGEST_BATCH_SIZE"`
	BatchInterval Duration `yaml:"batchInterval" env:"INGEST_BATCH_INTERVAL"`
	MaxBufferSize int      `yaml:"maxBufferSize" env:"INGEST_MAX_BUFFER_SIZE"`
	MaxDataAge    Duration `yaml:"maxDataAge" env:"INGEST_MAX_DATA_AGE"`
	BackupPath    string   `yaml:"backupPath" env:"INGEST_BACKUP_PATH"`
}

// Config is the full bundle.
type Config struct {
	LogLevel  string `yaml:"logLevel" env:"INGEST_LOG_LEVEL"`
	LogFormat string `yaml:"logFormat" env:"INGEST_LOG_FORMAT"`
	AdminAddr string `yaml:"adminAddr" env:"INGEST_ADMIN_ADDR"`

	MonitorInterval   Duration `yaml:"monitorInterval" env:"INGEST_MONITOR_INTERVAL"`
	MemorySoftLimitMB int      `yaml:"memorySoftLimitMb" env:"INGEST_MEMORY_SOFT_LIMIT_MB"`

	Exchanges []ExchangeConfig `yaml:"exchanges"`
	Store     store.Config     `yaml:"store"`
	Collector CollectorConfig  `yaml:"collector"`
	Buffer    BufferConfig     `yaml:"buffer"`
	Processor ProcessorConfig  `yaml:"processor"`
	NATS      bus.NATSConfig   `yaml:"nats"`
	Kafka     bus.KafkaConfig  `yaml:"kafka"`
}

// Default returns the code-level defaults, before any file or env layer.
func Default() Config {
	return Config{
		LogLevel:          "info",
		LogFormat:         "json",
		AdminAddr:         ":9090",
		MonitorInterval:   Duration(10 * time.Second),
		MemorySoftLimitMB: 512,
		Store: store.Config{
			Host: "localhost",
			Port: 6379,
		},
		Collector: CollectorConfig{
			MaxReconnectAttempts: 5,
			ReconnectInterval:    Duration(5 * time.Second),
			MaxReconnectBackoff:  Duration(30 * time.Second),
			RestInterval:         Duration(5 * time.Second),
			MaxRestBackoff:       Duration(30 * time.Second),
			ConnectionTimeout:    Duration(30 * time.Second),
		},
		Buffer: BufferConfig{
			MaxSize:        1000,
			FlushThreshold: 80,
			FlushInterval:  Duration(time.Second),
		},
		Processor: ProcessorConfig{
			BatchSize:     100,
			BatchInterval: Duration(time.Second),
			MaxBufferSize: 5000,
			MaxDataAge:    Duration(time.Minute),
			BackupPath:    "ingest-backup.jsonl",
		},
	}
}

// Load assembles the bundle: defaults, then the YAML file (path
// argument or INGEST_CONFIG), then environment variables. A missing
// .env file is fine; a named config file that cannot be read is not.
func Load(path string, logger zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err == nil {
		logger.Info().Msg("loaded .env file")
	}

	cfg := Default()

	if path == "" {
		path = os.Getenv("INGEST_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
		logger.Info().Str("path", path).Msg("loaded config file")
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return &cfg, nil
}

// Validate rejects bundles the pipeline cannot start with. Failures
// here are fatal at startup.
func (c *Config) Validate() error {
	if len(c.Exchanges) == 0 {
		return fmt.Errorf("at least one exchange is required")
	}
	for i, ex := range c.Exchanges {
		if ex.Name == "" {
			return fmt.Errorf("exchanges[%d]: name is required", i)
		}
		if ex.WSURL == "" {
			return fmt.Errorf("exchange %s: wsUrl is required", ex.Name)
		}
		if len(ex.Symbols) == 0 {
			return fmt.Errorf("exchange %s: at least one symbol is required", ex.Name)
		}
		if ex.StreamLimitPerConnection < 1 {
			return fmt.Errorf("exchange %s: streamLimitPerConnection must be >= 1, got %d", ex.Name, ex.StreamLimitPerConnection)
		}
		switch market.MarketType(ex.MarketType) {
		case market.Spot, market.Futures, "":
		default:
			return fmt.Errorf("exchange %s: marketType must be spot or futures, got %q", ex.Name, ex.MarketType)
		}
	}

	if c.Store.Host == "" {
		return fmt.Errorf("store.host is required")
	}
	if c.Store.Port <= 0 || c.Store.Port > 65535 {
		return fmt.Errorf("store.port must be 1-65535, got %d", c.Store.Port)
	}

	if c.Buffer.MaxSize <= 0 {
		return fmt.Errorf("buffer.maxSize must be > 0, got %d", c.Buffer.MaxSize)
	}
	if c.Buffer.FlushThreshold <= 0 || c.Buffer.FlushThreshold > 100 {
		return fmt.Errorf("buffer.flushThreshold must be in (0,100], got %d", c.Buffer.FlushThreshold)
	}

	if c.Processor.BatchSize <= 0 {
		return fmt.Errorf("processor.batchSize must be > 0, got %d", c.Processor.BatchSize)
	}
	if c.Processor.MaxBufferSize < c.Processor.BatchSize {
		return fmt.Errorf("processor.maxBufferSize (%d) must be >= batchSize (%d)",
			c.Processor.MaxBufferSize, c.Processor.BatchSize)
	}
	if c.Processor.BackupPath == "" {
		return fmt.Errorf("processor.backupPath is required")
	}
	return nil
}

// LogConfig dumps the effective settings at INFO, secrets excluded.
func (c *Config) LogConfig(logger zerolog.Logger) {
	names := make([]string, 0, len(c.Exchanges))
	symbols := 0
	for _, ex := range c.Exchanges {
		names = append(names, ex.Name)
		symbols += len(ex.Symbols)
	}
	logger.Info().
		Strs("exchanges", names).
		Int("symbols", symbols).
		Str("store", fmt.Sprintf("%s:%d/db%d", c.Store.Host, c.Store.Port, c.Store.DB)).
		Int("buffer_max_size", c.Buffer.MaxSize).
		Int("buffer_flush_threshold", c.Buffer.FlushThreshold).
		Dur("buffer_flush_interval", c.Buffer.FlushInterval.Std()).
		Int("batch_size", c.Processor.BatchSize).
		Dur("batch_interval", c.Processor.BatchInterval.Std()).
		Str("backup_path", c.Processor.BackupPath).
		Int("max_reconnect_attempts", c.Collector.MaxReconnectAttempts).
		Dur("reconnect_interval", c.Collector.ReconnectInterval.Std()).
		Bool("nats_enabled", c.NATS.URL != "").
		Bool("kafka_enabled", len(c.Kafka.Brokers) > 0).
		Str("admin_addr", c.AdminAddr).
		Msg("configuration loaded")
}
