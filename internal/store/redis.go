// Package store persists processed records. The interface is narrow on
// purpose: the processor only ever writes batches, and tests swap in an
// in-memory implementation.
package store

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/adred-codev/odin-ingest/internal/market"
)

const (
	// recordTTL is how long a persisted record lives.
	recordTTL = 24 * time.Hour
	// tickerTTL is how long the latest-snapshot secondary key lives.
	tickerTTL = time.Hour
)

// Store accepts batches of processed records. WriteBatch applies the
// whole batch atomically or fails it as a unit; partial application is
// not observable.
type Store interface {
	WriteBatch(ctx context.Context, records []market.ProcessedRecord) error
	Ping(ctx context.Context) error
	Close() error
}

// RecordKey is the primary key layout: one key per (exchange, symbol,
// event timestamp).
func RecordKey(r *market.ProcessedRecord) string {
	return fmt.Sprintf("market:%s:%s:%d", r.Exchange, r.Symbol, r.Timestamp)
}

// TickerKey is the secondary latest-snapshot key, one per symbol.
func TickerKey(r *market.ProcessedRecord) string {
	return fmt.Sprintf("bookTicker:%s:%s:%s", r.Exchange, r.MarketType, r.Symbol)
}

// Config is the store section of the configuration bundle.
type Config struct {
	Host       string `yaml:"host" env:"INGEST_STORE_HOST"`
	Port       int    `yaml:"port" env:"INGEST_STORE_PORT"`
	Password   string `yaml:"password" env:"INGEST_STORE_PASSWORD"`
	DB         int    `yaml:"db" env:"INGEST_STORE_DB"`
	BookTicker bool   `yaml:"bookTicker" env:"INGEST_STORE_BOOK_TICKER"`
}

// RedisStore writes batches through transactional pipelines. The client
// is safe for concurrent pipelining, so one RedisStore may be shared by
// several processors.
type RedisStore struct {
	client     *redis.Client
	logger     zerolog.Logger
	bookTicker bool
}

// NewRedis connects and verifies the server is reachable.
func NewRedis(cfg Config, logger zerolog.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisStore{
		client:     client,
		logger:     logger.With().Str("component", "store").Logger(),
		bookTicker: cfg.BookTicker,
	}, nil
}

// WriteBatch SETs every record under its primary key with a 24 h TTL,
// plus the latest-snapshot secondary key when enabled, in one
// transactional pipeline.
func (s *RedisStore) WriteBatch(ctx context.Context, records []market.ProcessedRecord) error {
	if len(records) == 0 {
		return nil
	}

	pipe := s.client.TxPipeline()
	for i := range records {
		rec := &records[i]
		payload, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode record %s: %w", RecordKey(rec), err)
		}
		key := RecordKey(rec)
		pipe.Set(ctx, key, payload, 0)
		pipe.Expire(ctx, key, recordTTL)
		if s.bookTicker {
			pipe.Set(ctx, TickerKey(rec), payload, tickerTTL)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("pipeline exec (%d records): %w", len(records), err)
	}
	return nil
}

// Ping verifies the connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
