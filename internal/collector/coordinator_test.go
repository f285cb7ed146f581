package collector

import (
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/odin-ingest/internal/bus"
	"github.com/adred-codev/odin-ingest/internal/monitoring"
)

func newTestCoordinator(t *testing.T, symbols []string, streamLimit int, dialer Dialer) *Coordinator {
	t.Helper()
	adapter := newFakeAdapter()
	adapter.streamLimit = streamLimit
	b := bus.NewMemoryBus(zerolog.Nop())

	co, err := NewCoordinator(symbols, testConfig(), Deps{
		Adapter:  adapter,
		Dialer:   dialer,
		Bus:      b,
		Reporter: monitoring.NewReporter(zerolog.Nop(), b),
		Tracker:  monitoring.NewMemoryTracker(),
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		co.Stop()
		b.Close()
	})
	return co
}

func TestChunkSymbols(t *testing.T) {
	require.Equal(t, [][]string{{"A", "B"}, {"C"}}, chunkSymbols([]string{"A", "B", "C"}, 2))
	require.Equal(t, [][]string{{"A"}, {"B"}, {"C"}}, chunkSymbols([]string{"A", "B", "C"}, 1))
	require.Equal(t, [][]string{{"A", "B", "C"}}, chunkSymbols([]string{"A", "B", "C"}, 10))
}

func TestCoordinatorShardsByStreamLimit(t *testing.T) {
	co := newTestCoordinator(t, []string{"A", "B", "C"}, 2, newScriptDialer(true))

	require.Equal(t, [][]string{{"A", "B"}, {"C"}}, co.Groups())

	require.NoError(t, co.Start())
	require.Eventually(t, func() bool {
		m := co.Metrics()
		return m.TotalConnectors == 2 && m.ActiveConnectors == 2
	}, 2*time.Second, 5*time.Millisecond)

	m := co.Metrics()
	require.Len(t, m.Collectors, 2)
	require.Equal(t, "fake-0", m.Collectors[0].ID)
	require.Equal(t, "fake-1", m.Collectors[1].ID)
}

func TestCoordinatorAggregatesMessages(t *testing.T) {
	dialer := newScriptDialer(true)
	co := newTestCoordinator(t, []string{"A", "B"}, 1, dialer)

	require.NoError(t, co.Start())
	require.Eventually(t, func() bool { return co.Metrics().ActiveConnectors == 2 },
		2*time.Second, 5*time.Millisecond)

	ts := time.Now().UnixMilli() - 100
	dialer.mu.Lock()
	conns := append([]*scriptConn(nil), dialer.conns...)
	dialer.mu.Unlock()
	require.Len(t, conns, 2)

	// Collectors start in parallel, so dial order does not follow group
	// order; map each connection to the symbol it subscribed.
	bySymbol := make(map[string]*scriptConn, len(conns))
	for _, conn := range conns {
		var f fakeFrame
		require.NoError(t, json.Unmarshal(<-conn.writes, &f))
		require.Equal(t, "sub", f.Type)
		require.Len(t, f.Symbols, 1)
		bySymbol[f.Symbols[0]] = conn
	}

	bySymbol["A"].push(bookFrame(testRecord("A", ts)))
	bySymbol["B"].push(bookFrame(testRecord("B", ts)))
	bySymbol["B"].push(bookFrame(testRecord("B", ts+1)))

	require.Eventually(t, func() bool { return co.Metrics().TotalMessages == 3 },
		2*time.Second, 5*time.Millisecond)
}

func TestCoordinatorRejectsEmptySymbolList(t *testing.T) {
	_, err := NewCoordinator(nil, testConfig(), Deps{
		Adapter:  newFakeAdapter(),
		Reporter: monitoring.NewReporter(zerolog.Nop(), nil),
		Logger:   zerolog.Nop(),
	})
	require.Error(t, err)
}

func TestCoordinatorStopIsBestEffortAndIdempotent(t *testing.T) {
	co := newTestCoordinator(t, []string{"A", "B", "C"}, 2, newScriptDialer(true))

	require.NoError(t, co.Start())
	require.Eventually(t, func() bool { return co.Metrics().ActiveConnectors == 2 },
		2*time.Second, 5*time.Millisecond)

	co.Stop()
	co.Stop()

	m := co.Metrics()
	require.Zero(t, m.ActiveConnectors)
	for _, c := range m.Collectors {
		require.Equal(t, StateStopped.String(), c.State)
	}
}

func TestCoordinatorRestartsFailedCollector(t *testing.T) {
	dialer := newScriptDialer(true)
	co := newTestCoordinator(t, []string{"A"}, 1, dialer)

	require.NoError(t, co.Start())
	require.Eventually(t, func() bool { return co.Metrics().ActiveConnectors == 1 },
		2*time.Second, 5*time.Millisecond)

	co.mu.Lock()
	failed := co.collectors[0]
	co.mu.Unlock()

	// Simulate a terminal failure the collector escalated.
	failed.fail(monitoring.NewError(
		monitoring.CodeProcess, monitoring.SeverityFatal, failed.ID(), "wedged", nil))

	require.Eventually(t, func() bool {
		co.mu.Lock()
		replaced := co.collectors[0] != failed
		co.mu.Unlock()
		return replaced && co.Metrics().ActiveConnectors == 1
	}, 5*time.Second, 10*time.Millisecond, "failed collector was never replaced")
}
