package bus

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/adred-codev/odin-ingest/internal/market"
)

// NATSConfig is the optional NATS mirror section of the configuration
// bundle. An empty URL disables the publisher entirely.
type NATSConfig struct {
	URL           string `yaml:"url" env:"INGEST_NATS_URL"`
	SubjectPrefix string `yaml:"subjectPrefix" env:"INGEST_NATS_SUBJECT_PREFIX"`
}

// NATSPublisher mirrors the in-process bus onto NATS subjects:
// MARKET_DATA records go to {prefix}.{exchange}.{symbol}, everything
// else to {prefix}.events.{topic}. Publishing is fire-and-forget;
// failures are counted, never propagated.
type NATSPublisher struct {
	conn   *nats.Conn
	logger zerolog.Logger
	prefix string

	events      <-chan Event
	unsubscribe func()
	wg          sync.WaitGroup

	published atomic.Uint64
	failed    atomic.Uint64
}

// NewNATSPublisher connects and attaches to the bus. The connection
// reconnects forever on its own; publishes during an outage buffer in
// the client up to its pending limit and are dropped past it.
func NewNATSPublisher(cfg NATSConfig, b Bus, logger zerolog.Logger) (*NATSPublisher, error) {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "odin.md"
	}

	log := logger.With().Str("component", "nats_publisher").Logger()
	conn, err := nats.Connect(cfg.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.PingInterval(30*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	p := &NATSPublisher{
		conn:   conn,
		logger: log,
		prefix: cfg.SubjectPrefix,
	}
	p.events, p.unsubscribe = b.Subscribe(1024)

	p.wg.Add(1)
	go p.run()
	log.Info().Str("url", cfg.URL).Str("prefix", p.prefix).Msg("nats publisher started")
	return p, nil
}

func (p *NATSPublisher) run() {
	defer p.wg.Done()
	for ev := range p.events {
		p.publish(ev)
	}
}

func (p *NATSPublisher) publish(ev Event) {
	var subject string
	var payload any = ev

	if rec, ok := ev.Payload.(*market.Record); ok && ev.Topic == TopicMarketData {
		subject = fmt.Sprintf("%s.%s.%s", p.prefix, subjectToken(rec.Exchange), subjectToken(rec.Symbol))
		payload = rec
	} else {
		subject = fmt.Sprintf("%s.events.%s", p.prefix, subjectToken(string(ev.Topic)))
	}

	data, err := json.Marshal(payload)
	if err != nil {
		p.failed.Add(1)
		return
	}
	if err := p.conn.Publish(subject, data); err != nil {
		p.failed.Add(1)
		p.logger.Debug().Err(err).Str("subject", subject).Msg("publish failed")
		return
	}
	p.published.Add(1)
}

// subjectToken makes a value safe as one NATS subject token.
func subjectToken(s string) string {
	return strings.ToLower(strings.NewReplacer(".", "-", " ", "-", "*", "-", ">", "-").Replace(s))
}

// Published and Failed report publish counters.
func (p *NATSPublisher) Published() uint64 { return p.published.Load() }
func (p *NATSPublisher) Failed() uint64    { return p.failed.Load() }

// Close detaches from the bus, flushes what is pending, and drops the
// connection.
func (p *NATSPublisher) Close() {
	p.unsubscribe()
	p.wg.Wait()
	if err := p.conn.FlushTimeout(2 * time.Second); err != nil {
		p.logger.Warn().Err(err).Msg("nats flush on close")
	}
	p.conn.Close()
	p.logger.Info().
		Uint64("published", p.published.Load()).
		Uint64("failed", p.failed.Load()).
		Msg("nats publisher closed")
}
