package collector

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/odin-ingest/internal/exchange"
)

// mockExchangeServer upgrades incoming connections and echoes every
// text frame back, which is enough to exercise the real dialer.
func mockExchangeServer(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		go func(conn net.Conn) {
			defer conn.Close()
			for {
				msg, op, err := wsutil.ReadClientData(conn)
				if err != nil {
					return
				}
				if err := wsutil.WriteServerMessage(conn, op, msg); err != nil {
					return
				}
			}
		}(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws://" + strings.TrimPrefix(srv.URL, "http://")
}

func TestWSDialerRoundTrip(t *testing.T) {
	url := mockExchangeServer(t)
	params := exchange.ConnectionParams{
		URL:              url,
		PingEvery:        time.Minute,
		PongWithin:       time.Minute,
		HandshakeTimeout: time.Second,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := WSDialer{}.Dial(ctx, params)
	require.NoError(t, err)
	defer conn.Close()

	frame := []byte(`{"method":"SUBSCRIBE","params":["btcusdt@depth20@100ms"],"id":1}`)
	require.NoError(t, conn.Write(frame))

	echoed, err := conn.Read()
	require.NoError(t, err)
	require.Equal(t, frame, echoed)

	require.NoError(t, conn.Ping())
}

func TestWSDialerHandshakeFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "no upgrade here", http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)

	params := exchange.ConnectionParams{
		URL:              "ws://" + strings.TrimPrefix(srv.URL, "http://"),
		HandshakeTimeout: time.Second,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := WSDialer{}.Dial(ctx, params)
	require.Error(t, err)
}

func TestWSDialerReadFailsAfterPeerClose(t *testing.T) {
	url := mockExchangeServer(t)
	params := exchange.ConnectionParams{
		URL:              url,
		PingEvery:        time.Minute,
		PongWithin:       time.Minute,
		HandshakeTimeout: time.Second,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := WSDialer{}.Dial(ctx, params)
	require.NoError(t, err)

	require.NoError(t, conn.Close())
	_, err = conn.Read()
	require.Error(t, err)
}
