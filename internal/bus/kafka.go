package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/adred-codev/odin-ingest/internal/market"
)

// KafkaConfig is the optional Kafka producer section of the
// configuration bundle. No brokers disables the publisher.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers" env:"INGEST_KAFKA_BROKERS" envSeparator:","`
	Topic   string   `yaml:"topic" env:"INGEST_KAFKA_TOPIC"`
}

// KafkaPublisher produces MARKET_DATA records to one topic, keyed by
// {exchange}:{symbol} so a partition preserves per-symbol order.
// Production is async; delivery failures are counted, never propagated.
type KafkaPublisher struct {
	client *kgo.Client
	logger zerolog.Logger
	topic  string

	events      <-chan Event
	unsubscribe func()
	wg          sync.WaitGroup

	produced atomic.Uint64
	failed   atomic.Uint64
}

// NewKafkaPublisher builds the client and attaches to the bus.
func NewKafkaPublisher(cfg KafkaConfig, b Bus, logger zerolog.Logger) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher: at least one broker required")
	}
	if cfg.Topic == "" {
		cfg.Topic = "odin.marketdata"
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.ProducerBatchCompression(kgo.Lz4Compression()),
		kgo.ProducerLinger(10*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}

	p := &KafkaPublisher{
		client: client,
		logger: logger.With().Str("component", "kafka_publisher").Logger(),
		topic:  cfg.Topic,
	}
	p.events, p.unsubscribe = b.Subscribe(1024, TopicMarketData)

	p.wg.Add(1)
	go p.run()
	p.logger.Info().Strs("brokers", cfg.Brokers).Str("topic", cfg.Topic).Msg("kafka publisher started")
	return p, nil
}

func (p *KafkaPublisher) run() {
	defer p.wg.Done()
	for ev := range p.events {
		rec, ok := ev.Payload.(*market.Record)
		if !ok {
			continue
		}
		p.produce(rec)
	}
}

func (p *KafkaPublisher) produce(rec *market.Record) {
	value, err := json.Marshal(rec)
	if err != nil {
		p.failed.Add(1)
		return
	}
	p.client.Produce(context.Background(), &kgo.Record{
		Key:   []byte(rec.Exchange + ":" + rec.Symbol),
		Value: value,
		Topic: p.topic,
	}, func(_ *kgo.Record, err error) {
		if err != nil {
			p.failed.Add(1)
			p.logger.Debug().Err(err).Msg("produce failed")
			return
		}
		p.produced.Add(1)
	})
}

// Produced and Failed report delivery counters.
func (p *KafkaPublisher) Produced() uint64 { return p.produced.Load() }
func (p *KafkaPublisher) Failed() uint64   { return p.failed.Load() }

// Close detaches from the bus, flushes in-flight produces, and closes
// the client.
func (p *KafkaPublisher) Close() {
	p.unsubscribe()
	p.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.client.Flush(ctx); err != nil {
		p.logger.Warn().Err(err).Msg("kafka flush on close")
	}
	p.client.Close()
	p.logger.Info().
		Uint64("produced", p.produced.Load()).
		Uint64("failed", p.failed.Load()).
		Msg("kafka publisher closed")
}
