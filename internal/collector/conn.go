package collector

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/adred-codev/odin-ingest/internal/exchange"
)

// writeWait bounds every socket write.
const writeWait = 10 * time.Second

// Conn is one live exchange socket. Read blocks until the next data
// frame and fails when the peer goes silent past the pong window.
type Conn interface {
	Read() ([]byte, error)
	Write(data []byte) error
	Ping() error
	Close() error
}

// Dialer opens exchange sockets. Injected so tests can run collectors
// against scripted connections.
type Dialer interface {
	Dial(ctx context.Context, params exchange.ConnectionParams) (Conn, error)
}

// WSDialer dials with gorilla/websocket.
type WSDialer struct{}

func (WSDialer) Dial(ctx context.Context, params exchange.ConnectionParams) (Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: params.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, params.URL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}

	wc := &wsConn{
		conn: conn,
		// Liveness budget: a healthy peer sends data or answers pings
		// well inside one ping period plus the pong window.
		idleWindow: params.PingEvery + params.PongWithin,
	}
	_ = conn.SetReadDeadline(time.Now().Add(wc.idleWindow))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wc.idleWindow))
	})
	return wc, nil
}

// wsConn adapts a gorilla connection. Data writes are serialized with a
// mutex; pings use WriteControl, which gorilla allows concurrently.
type wsConn struct {
	conn       *websocket.Conn
	idleWindow time.Duration
	writeMu    sync.Mutex
}

func (c *wsConn) Read() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(c.idleWindow))
	return data, nil
}

func (c *wsConn) Write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
