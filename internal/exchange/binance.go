package exchange

import (
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/adred-codev/odin-ingest/internal/market"
)

// depthTopic is the stream suffix subscribed per symbol: top 20 levels
// at 100 ms cadence.
const depthTopic = "depth20@100ms"

// quoteAssets are the quote currencies recognized when splitting a
// native ticker into BASE-QUOTE, longest first so USDT wins over USD.
var quoteAssets = []string{"USDT", "USDC", "BUSD", "TUSD", "BTC", "ETH", "BNB", "DAI", "EUR", "USD"}

// binance adapts the Binance combined-stream depth feed (spot and
// USD-M futures share the message shapes, only the endpoints differ).
type binance struct {
	opts Options
}

// NewBinance builds the Binance adapter. Zero-valued timings fall back
// to conservative defaults.
func NewBinance(opts Options) (Adapter, error) {
	if opts.WSURL == "" {
		return nil, fmt.Errorf("binance: wsUrl required")
	}
	if opts.StreamLimit <= 0 {
		opts.StreamLimit = 1024
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = 10 * time.Second
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 10 * time.Second
	}
	if opts.MarketType == "" {
		opts.MarketType = market.Spot
	}
	return &binance{opts: opts}, nil
}

func (b *binance) Name() string                  { return b.opts.Name }
func (b *binance) MarketType() market.MarketType { return b.opts.MarketType }

// NormalizeSymbol splits a native ticker into BASE-QUOTE using the known
// quote assets. Tickers with no recognized quote pass through unchanged
// so the round-trip law holds for everything the exchange can name.
func (b *binance) NormalizeSymbol(raw string) (string, error) {
	if raw == "" {
		return "", ErrUnsupportedSymbol
	}
	ticker := strings.ToUpper(raw)
	if strings.Contains(ticker, "-") {
		return ticker, nil
	}
	for _, quote := range quoteAssets {
		if strings.HasSuffix(ticker, quote) && len(ticker) > len(quote) {
			return ticker[:len(ticker)-len(quote)] + "-" + quote, nil
		}
	}
	return ticker, nil
}

// DenormalizeSymbol turns BASE-QUOTE back into the native ticker.
func (b *binance) DenormalizeSymbol(canonical string) (string, error) {
	if canonical == "" {
		return "", ErrUnsupportedSymbol
	}
	return strings.ToUpper(strings.ReplaceAll(canonical, "-", "")), nil
}

// wsRequest is the control message shape shared by subscribe,
// unsubscribe, and list requests.
type wsRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params,omitempty"`
	ID     int64    `json:"id"`
}

func (b *binance) streamName(canonical string) (string, error) {
	native, err := b.DenormalizeSymbol(canonical)
	if err != nil {
		return "", err
	}
	return strings.ToLower(native) + "@" + depthTopic, nil
}

func (b *binance) buildRequest(method string, symbols []string, requestID int64) ([]byte, error) {
	if len(symbols) > b.opts.StreamLimit {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyStreams, len(symbols), b.opts.StreamLimit)
	}
	params := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		stream, err := b.streamName(sym)
		if err != nil {
			return nil, err
		}
		params = append(params, stream)
	}
	return json.Marshal(wsRequest{Method: method, Params: params, ID: requestID})
}

func (b *binance) BuildSubscribe(symbols []string, requestID int64) ([]byte, error) {
	return b.buildRequest("SUBSCRIBE", symbols, requestID)
}

func (b *binance) BuildUnsubscribe(symbols []string, requestID int64) ([]byte, error) {
	return b.buildRequest("UNSUBSCRIBE", symbols, requestID)
}

func (b *binance) BuildList(requestID int64) ([]byte, error) {
	return json.Marshal(wsRequest{Method: "LIST_SUBSCRIPTIONS", ID: requestID})
}

// Wire shapes. A combined-stream data frame carries stream+data; control
// responses carry result/error+id.
type frameProbe struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
	Result json.RawMessage `json:"result"`
	Error  *wsFrameError   `json:"error"`
	ID     *int64          `json:"id"`
	Pong   *int64          `json:"pong"`
}

type wsFrameError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type depthPayload struct {
	Symbol    string     `json:"s"`
	EventTime int64      `json:"E"`
	Bids      [][]string `json:"b"`
	Asks      [][]string `json:"a"`
}

// ParseFrame classifies one raw frame. Malformed input yields KindError;
// valid frames the pipeline has no use for yield KindIgnored.
func (b *binance) ParseFrame(frame []byte) Parsed {
	var probe frameProbe
	if err := json.Unmarshal(frame, &probe); err != nil {
		return Parsed{Kind: KindError, Err: fmt.Errorf("malformed frame: %w", err)}
	}

	switch {
	case probe.Pong != nil:
		return Parsed{Kind: KindPong}

	case probe.ID != nil:
		return b.parseControl(&probe)

	case probe.Stream != "" && len(probe.Data) > 0:
		return b.parseDepth(&probe)

	default:
		return Parsed{Kind: KindIgnored}
	}
}

func (b *binance) parseControl(probe *frameProbe) Parsed {
	if probe.Error != nil {
		return Parsed{
			Kind:      KindSubscriptionAck,
			RequestID: *probe.ID,
			OK:        false,
			Err:       fmt.Errorf("exchange error %d: %s", probe.Error.Code, probe.Error.Msg),
		}
	}

	// LIST_SUBSCRIPTIONS answers with an array of stream names; plain
	// acks answer with a JSON null result.
	var streams []string
	if len(probe.Result) > 0 && string(probe.Result) != "null" {
		if err := json.Unmarshal(probe.Result, &streams); err != nil {
			return Parsed{Kind: KindError, Err: fmt.Errorf("malformed result: %w", err)}
		}
		symbols := make([]string, 0, len(streams))
		for _, stream := range streams {
			ticker, _, found := strings.Cut(stream, "@")
			if !found {
				continue
			}
			canonical, err := b.NormalizeSymbol(ticker)
			if err != nil {
				continue
			}
			symbols = append(symbols, canonical)
		}
		return Parsed{Kind: KindSubscriptionList, RequestID: *probe.ID, Symbols: symbols}
	}

	return Parsed{Kind: KindSubscriptionAck, RequestID: *probe.ID, OK: true}
}

func (b *binance) parseDepth(probe *frameProbe) Parsed {
	var depth depthPayload
	if err := json.Unmarshal(probe.Data, &depth); err != nil {
		return Parsed{Kind: KindError, Err: fmt.Errorf("malformed depth payload: %w", err)}
	}

	ticker := depth.Symbol
	if ticker == "" {
		ticker, _, _ = strings.Cut(probe.Stream, "@")
		ticker = strings.ToUpper(ticker)
	}
	if ticker == "" {
		return Parsed{Kind: KindError, Err: fmt.Errorf("depth frame without symbol")}
	}

	canonical, err := b.NormalizeSymbol(ticker)
	if err != nil {
		return Parsed{Kind: KindError, Err: err}
	}
	bids, err := market.ParseLevels(depth.Bids)
	if err != nil {
		return Parsed{Kind: KindError, Err: fmt.Errorf("bad bid level: %w", err)}
	}
	asks, err := market.ParseLevels(depth.Asks)
	if err != nil {
		return Parsed{Kind: KindError, Err: fmt.Errorf("bad ask level: %w", err)}
	}

	return Parsed{
		Kind: KindOrderBook,
		Record: &market.Record{
			Exchange:   b.opts.Name,
			MarketType: b.opts.MarketType,
			Symbol:     canonical,
			Ticker:     ticker,
			Timestamp:  depth.EventTime,
			Bids:       bids,
			Asks:       asks,
		},
	}
}

// SnapshotPath is the REST depth endpoint used in fallback mode.
func (b *binance) SnapshotPath(canonical string) (string, error) {
	native, err := b.DenormalizeSymbol(canonical)
	if err != nil {
		return "", err
	}
	if b.opts.MarketType == market.Futures {
		return fmt.Sprintf("/fapi/v1/depth?symbol=%s&limit=20", native), nil
	}
	return fmt.Sprintf("/api/v3/depth?symbol=%s&limit=20", native), nil
}

type depthSnapshot struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

// ParseSnapshot converts a REST depth response into a record stamped
// with the poll time, so polled books flow through the same path as
// streamed ones.
func (b *binance) ParseSnapshot(canonical string, body []byte, at time.Time) (*market.Record, error) {
	var snap depthSnapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return nil, fmt.Errorf("malformed snapshot: %w", err)
	}
	bids, err := market.ParseLevels(snap.Bids)
	if err != nil {
		return nil, fmt.Errorf("bad bid level: %w", err)
	}
	asks, err := market.ParseLevels(snap.Asks)
	if err != nil {
		return nil, fmt.Errorf("bad ask level: %w", err)
	}
	native, err := b.DenormalizeSymbol(canonical)
	if err != nil {
		return nil, err
	}
	return &market.Record{
		Exchange:   b.opts.Name,
		MarketType: b.opts.MarketType,
		Symbol:     canonical,
		Ticker:     native,
		Timestamp:  at.UnixMilli(),
		Bids:       bids,
		Asks:       asks,
	}, nil
}

func (b *binance) Params() ConnectionParams {
	return ConnectionParams{
		URL:                     b.opts.WSURL,
		PingEvery:               b.opts.PingInterval,
		PongWithin:              b.opts.PongTimeout,
		MaxStreamsPerConnection: b.opts.StreamLimit,
		MaxReconnectAttempts:    b.opts.MaxReconnectAttempts,
		HandshakeTimeout:        b.opts.HandshakeTimeout,
		AckTimeout:              b.opts.AckTimeout,
	}
}
