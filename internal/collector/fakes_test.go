package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"

	"github.com/adred-codev/odin-ingest/internal/exchange"
	"github.com/adred-codev/odin-ingest/internal/market"
)

// fakeFrame is the wire shape the fake exchange speaks. Requests and
// responses share it.
type fakeFrame struct {
	Type    string         `json:"type"` // sub, unsub, list, ack, book, list_resp
	ID      int64          `json:"id,omitempty"`
	OK      bool           `json:"ok,omitempty"`
	Symbols []string       `json:"symbols,omitempty"`
	Record  *market.Record `json:"record,omitempty"`
}

// fakeAdapter is a pure adapter over fakeFrame JSON.
type fakeAdapter struct {
	name        string
	streamLimit int
	ackTimeout  time.Duration
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{name: "fake", streamLimit: 64, ackTimeout: 200 * time.Millisecond}
}

func (a *fakeAdapter) Name() string                  { return a.name }
func (a *fakeAdapter) MarketType() market.MarketType { return market.Spot }

func (a *fakeAdapter) NormalizeSymbol(raw string) (string, error)         { return raw, nil }
func (a *fakeAdapter) DenormalizeSymbol(canonical string) (string, error) { return canonical, nil }

func (a *fakeAdapter) BuildSubscribe(symbols []string, requestID int64) ([]byte, error) {
	if len(symbols) > a.streamLimit {
		return nil, exchange.ErrTooManyStreams
	}
	return json.Marshal(fakeFrame{Type: "sub", ID: requestID, Symbols: symbols})
}

func (a *fakeAdapter) BuildUnsubscribe(symbols []string, requestID int64) ([]byte, error) {
	return json.Marshal(fakeFrame{Type: "unsub", ID: requestID, Symbols: symbols})
}

func (a *fakeAdapter) BuildList(requestID int64) ([]byte, error) {
	return json.Marshal(fakeFrame{Type: "list", ID: requestID})
}

func (a *fakeAdapter) ParseFrame(frame []byte) exchange.Parsed {
	var f fakeFrame
	if err := json.Unmarshal(frame, &f); err != nil {
		return exchange.Parsed{Kind: exchange.KindError, Err: err}
	}
	switch f.Type {
	case "ack":
		return exchange.Parsed{Kind: exchange.KindSubscriptionAck, RequestID: f.ID, OK: f.OK}
	case "book":
		if f.Record == nil {
			return exchange.Parsed{Kind: exchange.KindError, Err: errors.New("book frame without record")}
		}
		return exchange.Parsed{Kind: exchange.KindOrderBook, Record: f.Record}
	case "list_resp":
		return exchange.Parsed{Kind: exchange.KindSubscriptionList, RequestID: f.ID, Symbols: f.Symbols}
	case "pong":
		return exchange.Parsed{Kind: exchange.KindPong}
	default:
		return exchange.Parsed{Kind: exchange.KindIgnored}
	}
}

func (a *fakeAdapter) SnapshotPath(canonical string) (string, error) {
	return "/depth?symbol=" + canonical, nil
}

func (a *fakeAdapter) ParseSnapshot(canonical string, _ []byte, at time.Time) (*market.Record, error) {
	return &market.Record{
		Exchange:   a.name,
		MarketType: market.Spot,
		Symbol:     canonical,
		Ticker:     canonical,
		Timestamp:  at.UnixMilli(),
		Bids:       mustLevels([][]string{{"100", "1"}}),
		Asks:       mustLevels([][]string{{"101", "1"}}),
	}, nil
}

func (a *fakeAdapter) Params() exchange.ConnectionParams {
	return exchange.ConnectionParams{
		URL:                     "ws://fake",
		PingEvery:               time.Hour,
		PongWithin:              time.Hour,
		MaxStreamsPerConnection: a.streamLimit,
		HandshakeTimeout:        time.Second,
		AckTimeout:              a.ackTimeout,
	}
}

func mustLevels(raw [][]string) []market.Level {
	levels, err := market.ParseLevels(raw)
	if err != nil {
		panic(err)
	}
	return levels
}

// scriptConn is one scripted exchange connection. Tests inject inbound
// frames with push and kill the connection with dropLink.
type scriptConn struct {
	dialer   *scriptDialer
	incoming chan []byte
	writes   chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

var errConnClosed = errors.New("connection closed")

func (c *scriptConn) Read() ([]byte, error) {
	select {
	case data := <-c.incoming:
		return data, nil
	case <-c.closed:
		return nil, errConnClosed
	}
}

func (c *scriptConn) Write(data []byte) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	select {
	case c.writes <- data:
	default:
	}

	if c.dialer.autoAck {
		var f fakeFrame
		if err := json.Unmarshal(data, &f); err == nil && (f.Type == "sub" || f.Type == "unsub") {
			ack, _ := json.Marshal(fakeFrame{Type: "ack", ID: f.ID, OK: true})
			c.push(ack)
		}
	}
	return nil
}

func (c *scriptConn) Ping() error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
		return nil
	}
}

func (c *scriptConn) Close() error {
	c.dropLink()
	return nil
}

// dropLink simulates the peer going away: pending and future reads fail.
func (c *scriptConn) dropLink() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *scriptConn) push(frame []byte) {
	select {
	case c.incoming <- frame:
	case <-c.closed:
	}
}

// scriptDialer hands out scripted connections and can be toggled into a
// failing mode to exercise the reconnect and fallback paths.
type scriptDialer struct {
	autoAck bool
	failing atomic.Bool
	dials   atomic.Int64

	mu    sync.Mutex
	conns []*scriptConn
}

func newScriptDialer(autoAck bool) *scriptDialer {
	return &scriptDialer{autoAck: autoAck}
}

func (d *scriptDialer) Dial(ctx context.Context, _ exchange.ConnectionParams) (Conn, error) {
	d.dials.Add(1)
	if d.failing.Load() {
		return nil, errors.New("dial refused")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn := &scriptConn{
		dialer:   d,
		incoming: make(chan []byte, 64),
		writes:   make(chan []byte, 64),
		closed:   make(chan struct{}),
	}
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	return conn, nil
}

// current returns the most recently dialed connection.
func (d *scriptDialer) current() *scriptConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func (d *scriptDialer) dialCount() int { return int(d.dials.Load()) }

// bookFrame encodes an order-book frame for the fake exchange.
func bookFrame(rec *market.Record) []byte {
	data, err := json.Marshal(fakeFrame{Type: "book", Record: rec})
	if err != nil {
		panic(fmt.Sprintf("encode book frame: %v", err))
	}
	return data
}

// testRecord builds a valid record for one symbol.
func testRecord(symbol string, ts int64) *market.Record {
	return &market.Record{
		Exchange:   "fake",
		MarketType: market.Spot,
		Symbol:     symbol,
		Ticker:     symbol,
		Timestamp:  ts,
		Bids:       mustLevels([][]string{{"100.00", "1"}, {"99.50", "2"}}),
		Asks:       mustLevels([][]string{{"100.10", "1"}, {"100.20", "3"}}),
	}
}
