package exchange

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/odin-ingest/internal/market"
)

func newTestAdapter(t *testing.T) Adapter {
	t.Helper()
	a, err := New(Options{
		Name:        "binance",
		MarketType:  market.Spot,
		WSURL:       "wss://stream.example.test/stream",
		RestURL:     "https://api.example.test",
		StreamLimit: 3,
	})
	require.NoError(t, err)
	return a
}

func TestSymbolRoundTrip(t *testing.T) {
	a := newTestAdapter(t)

	for _, raw := range []string{"BTCUSDT", "ETHBTC", "SOLUSDC", "A", "DOGEUSDT"} {
		canonical, err := a.NormalizeSymbol(raw)
		require.NoError(t, err)
		native, err := a.DenormalizeSymbol(canonical)
		require.NoError(t, err)
		require.Equal(t, raw, native, "round trip for %s", raw)
	}

	canonical, err := a.NormalizeSymbol("BTCUSDT")
	require.NoError(t, err)
	require.Equal(t, "BTC-USDT", canonical)

	_, err = a.NormalizeSymbol("")
	require.ErrorIs(t, err, ErrUnsupportedSymbol)
}

func TestBuildSubscribe(t *testing.T) {
	a := newTestAdapter(t)

	frame, err := a.BuildSubscribe([]string{"BTC-USDT", "ETH-USDT"}, 7)
	require.NoError(t, err)
	require.JSONEq(t,
		`{"method":"SUBSCRIBE","params":["btcusdt@depth20@100ms","ethusdt@depth20@100ms"],"id":7}`,
		string(frame))

	frame, err = a.BuildUnsubscribe([]string{"BTC-USDT"}, 8)
	require.NoError(t, err)
	require.JSONEq(t,
		`{"method":"UNSUBSCRIBE","params":["btcusdt@depth20@100ms"],"id":8}`,
		string(frame))

	frame, err = a.BuildList(9)
	require.NoError(t, err)
	require.JSONEq(t, `{"method":"LIST_SUBSCRIPTIONS","id":9}`, string(frame))
}

func TestBuildSubscribeTooManyStreams(t *testing.T) {
	a := newTestAdapter(t) // StreamLimit: 3
	_, err := a.BuildSubscribe([]string{"A-USDT", "B-USDT", "C-USDT", "D-USDT"}, 1)
	require.ErrorIs(t, err, ErrTooManyStreams)
}

func TestParseDepthFrame(t *testing.T) {
	a := newTestAdapter(t)

	frame := []byte(`{"stream":"a@depth","data":{"s":"A","E":1700000000000,` +
		`"b":[["100.00","1"],["99.50","2"]],"a":[["100.10","1"],["100.20","3"]]}}`)
	parsed := a.ParseFrame(frame)
	require.Equal(t, KindOrderBook, parsed.Kind)
	require.NotNil(t, parsed.Record)

	rec := parsed.Record
	require.Equal(t, "binance", rec.Exchange)
	require.Equal(t, "A", rec.Symbol)
	require.Equal(t, int64(1700000000000), rec.Timestamp)
	require.Len(t, rec.Bids, 2)
	require.Len(t, rec.Asks, 2)
	require.True(t, rec.Bids[0].Price.Equal(decimal.RequireFromString("100.00")))
	require.True(t, rec.Bids[1].Price.Equal(decimal.RequireFromString("99.50")))
	require.True(t, rec.Asks[0].Price.Equal(decimal.RequireFromString("100.10")))
	require.True(t, rec.Asks[1].Qty.Equal(decimal.RequireFromString("3")))
	require.NoError(t, rec.Validate(time.UnixMilli(1700000000000)))
}

func TestParseDepthFrameCanonicalSymbol(t *testing.T) {
	a := newTestAdapter(t)

	frame := []byte(`{"stream":"btcusdt@depth20@100ms","data":{"s":"BTCUSDT","E":1700000000000,` +
		`"b":[["50000.00","0.5"]],"a":[["50000.10","0.2"]]}}`)
	parsed := a.ParseFrame(frame)
	require.Equal(t, KindOrderBook, parsed.Kind)
	require.Equal(t, "BTC-USDT", parsed.Record.Symbol)
	require.Equal(t, "BTCUSDT", parsed.Record.Ticker)
}

func TestParseAckFrames(t *testing.T) {
	a := newTestAdapter(t)

	parsed := a.ParseFrame([]byte(`{"result":null,"id":5}`))
	require.Equal(t, KindSubscriptionAck, parsed.Kind)
	require.Equal(t, int64(5), parsed.RequestID)
	require.True(t, parsed.OK)

	parsed = a.ParseFrame([]byte(`{"error":{"code":2,"msg":"invalid stream"},"id":6}`))
	require.Equal(t, KindSubscriptionAck, parsed.Kind)
	require.Equal(t, int64(6), parsed.RequestID)
	require.False(t, parsed.OK)
	require.Error(t, parsed.Err)
}

func TestParseSubscriptionList(t *testing.T) {
	a := newTestAdapter(t)

	parsed := a.ParseFrame([]byte(`{"result":["btcusdt@depth20@100ms","ethusdt@depth20@100ms"],"id":3}`))
	require.Equal(t, KindSubscriptionList, parsed.Kind)
	require.Equal(t, int64(3), parsed.RequestID)
	require.Equal(t, []string{"BTC-USDT", "ETH-USDT"}, parsed.Symbols)
}

func TestParseMalformedFrames(t *testing.T) {
	a := newTestAdapter(t)

	parsed := a.ParseFrame([]byte(`{"stream":"a@depth","data"`))
	require.Equal(t, KindError, parsed.Kind)
	require.Error(t, parsed.Err)

	// Valid JSON but unparsable levels.
	parsed = a.ParseFrame([]byte(`{"stream":"a@depth","data":{"s":"A","E":1,"b":[["oops","1"]],"a":[]}}`))
	require.Equal(t, KindError, parsed.Kind)
}

func TestParseIgnoredAndPong(t *testing.T) {
	a := newTestAdapter(t)

	require.Equal(t, KindIgnored, a.ParseFrame([]byte(`{"e":"24hrTicker","s":"BTCUSDT"}`)).Kind)
	require.Equal(t, KindPong, a.ParseFrame([]byte(`{"pong":1700000000000}`)).Kind)
}

func TestSnapshotRoundTrip(t *testing.T) {
	a := newTestAdapter(t)

	path, err := a.SnapshotPath("BTC-USDT")
	require.NoError(t, err)
	require.Equal(t, "/api/v3/depth?symbol=BTCUSDT&limit=20", path)

	at := time.UnixMilli(1700000001234)
	rec, err := a.ParseSnapshot("BTC-USDT",
		[]byte(`{"lastUpdateId":42,"bids":[["50000.00","1"]],"asks":[["50000.10","2"]]}`), at)
	require.NoError(t, err)
	require.Equal(t, "BTC-USDT", rec.Symbol)
	require.Equal(t, at.UnixMilli(), rec.Timestamp)
	require.NoError(t, rec.Validate(at))

	_, err = a.ParseSnapshot("BTC-USDT", []byte(`not json`), at)
	require.Error(t, err)
}

func TestFuturesSnapshotPath(t *testing.T) {
	a, err := New(Options{
		Name:       "binance",
		MarketType: market.Futures,
		WSURL:      "wss://fstream.example.test/stream",
	})
	require.NoError(t, err)

	path, err := a.SnapshotPath("BTC-USDT")
	require.NoError(t, err)
	require.Equal(t, "/fapi/v1/depth?symbol=BTCUSDT&limit=20", path)
}

func TestUnknownExchange(t *testing.T) {
	_, err := New(Options{Name: "nosuch", WSURL: "wss://x"})
	require.Error(t, err)
	require.Contains(t, Supported(), "binance")
}

func TestParamsDefaults(t *testing.T) {
	a := newTestAdapter(t)
	params := a.Params()
	require.Equal(t, "wss://stream.example.test/stream", params.URL)
	require.Equal(t, 3, params.MaxStreamsPerConnection)
	require.Equal(t, 30*time.Second, params.PingEvery)
	require.Equal(t, 10*time.Second, params.PongWithin)
	require.Equal(t, 10*time.Second, params.HandshakeTimeout)
}
