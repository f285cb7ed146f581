// Package exchange isolates all exchange-specific knowledge behind the
// Adapter interface. Adapters are pure: no I/O, no mutable state, just
// symbol translation, frame building, and frame parsing. The collector
// owns the socket; the adapter tells it what to say and what it heard.
package exchange

import (
	"errors"
	"fmt"
	"time"

	"github.com/adred-codev/odin-ingest/internal/market"
)

var (
	// ErrTooManyStreams is returned by BuildSubscribe when the symbol
	// count exceeds the per-connection stream limit.
	ErrTooManyStreams = errors.New("too many streams for one connection")
	// ErrUnsupportedSymbol is returned by the symbol translators for
	// symbols the adapter does not recognize.
	ErrUnsupportedSymbol = errors.New("unsupported symbol")
)

// Kind tags a parsed frame.
type Kind int

const (
	KindIgnored Kind = iota
	KindOrderBook
	KindSubscriptionAck
	KindSubscriptionList
	KindPong
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindIgnored:
		return "IGNORED"
	case KindOrderBook:
		return "ORDERBOOK"
	case KindSubscriptionAck:
		return "SUBSCRIPTION_ACK"
	case KindSubscriptionList:
		return "SUBSCRIPTION_LIST"
	case KindPong:
		return "PONG"
	case KindError:
		return "ERROR"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Parsed is the tagged result of ParseFrame. Only the fields matching
// Kind are populated.
type Parsed struct {
	Kind      Kind
	Record    *market.Record // KindOrderBook
	RequestID int64          // KindSubscriptionAck, KindSubscriptionList
	Symbols   []string       // canonical symbols for ack/list frames
	OK        bool           // KindSubscriptionAck
	Err       error          // KindError
}

// ConnectionParams is everything the collector needs to run one
// connection to this exchange.
type ConnectionParams struct {
	URL                     string
	PingEvery               time.Duration
	PongWithin              time.Duration
	MaxStreamsPerConnection int
	MaxReconnectAttempts    int
	HandshakeTimeout        time.Duration
	AckTimeout              time.Duration
}

// Options configures an adapter instance. The pipeline fills it from the
// exchange section of the configuration bundle.
type Options struct {
	Name                 string
	MarketType           market.MarketType
	WSURL                string
	RestURL              string
	StreamLimit          int
	PingInterval         time.Duration
	PongTimeout          time.Duration
	MaxReconnectAttempts int
	HandshakeTimeout     time.Duration
	AckTimeout           time.Duration
}

// Adapter is the exchange plug-in contract.
//
// The round-trip law DenormalizeSymbol(NormalizeSymbol(x)) == x holds
// for every symbol the adapter supports. ParseFrame never panics and
// never returns an error through Go's error channel: malformed input
// comes back as Parsed{Kind: KindError}.
type Adapter interface {
	Name() string
	MarketType() market.MarketType

	NormalizeSymbol(raw string) (string, error)
	DenormalizeSymbol(canonical string) (string, error)

	BuildSubscribe(symbols []string, requestID int64) ([]byte, error)
	BuildUnsubscribe(symbols []string, requestID int64) ([]byte, error)
	BuildList(requestID int64) ([]byte, error)

	ParseFrame(frame []byte) Parsed

	// SnapshotPath returns the REST request path for one symbol's
	// order-book snapshot; ParseSnapshot turns the response body into a
	// record stamped with the poll time.
	SnapshotPath(canonical string) (string, error)
	ParseSnapshot(canonical string, body []byte, at time.Time) (*market.Record, error)

	Params() ConnectionParams
}

// Factory builds an adapter from exchange options.
type Factory func(opts Options) (Adapter, error)

var factories = map[string]Factory{
	"binance": NewBinance,
}

// New dispatches on the exchange name.
func New(opts Options) (Adapter, error) {
	factory, ok := factories[opts.Name]
	if !ok {
		return nil, fmt.Errorf("unknown exchange %q", opts.Name)
	}
	return factory(opts)
}

// Supported lists the registered exchange names.
func Supported() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	return names
}
