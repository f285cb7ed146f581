package monitoring

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/odin-ingest/internal/bus"
)

func TestReportKeepsHistory(t *testing.T) {
	r := NewReporter(zerolog.Nop(), nil)

	r.Report(NewError(CodeNetwork, SeverityRecoverable, "collector", "one", nil))
	r.Report(NewError(CodeStorage, SeverityWarning, "collector", "two", nil))
	r.Report(NewError(CodeProcess, SeverityWarning, "processor", "three", nil))

	recent := r.Recent("collector")
	require.Len(t, recent, 2)
	require.Equal(t, "one", recent[0].Message)
	require.Equal(t, "two", recent[1].Message)

	counts := r.Counts()
	require.Equal(t, uint64(2), counts["collector"])
	require.Equal(t, uint64(1), counts["processor"])
}

func TestReportHistoryBounded(t *testing.T) {
	r := NewReporter(zerolog.Nop(), nil)

	for i := 0; i < historyLimit+50; i++ {
		r.Report(NewError(CodeProcess, SeverityWarning, "m", fmt.Sprintf("e%d", i), nil))
	}

	recent := r.Recent("m")
	require.Len(t, recent, historyLimit)
	// Oldest retained entry is the one right after the overwritten window.
	require.Equal(t, "e50", recent[0].Message)
	require.Equal(t, fmt.Sprintf("e%d", historyLimit+49), recent[len(recent)-1].Message)
	require.Equal(t, uint64(historyLimit+50), r.Counts()["m"])
}

func TestFatalEscalatesOnBus(t *testing.T) {
	b := bus.NewMemoryBus(zerolog.Nop())
	defer b.Close()
	ch, cancel := b.Subscribe(4, bus.TopicErrorEscalated)
	defer cancel()

	r := NewReporter(zerolog.Nop(), b)
	r.Report(NewError(CodeNetwork, SeverityRecoverable, "collector", "soft", nil))
	r.Report(NewError(CodeNetwork, SeverityFatal, "collector", "hard", nil))

	select {
	case ev := <-ch:
		perr, ok := ev.Payload.(*PipelineError)
		require.True(t, ok)
		require.Equal(t, "hard", perr.Message)
	case <-time.After(time.Second):
		t.Fatal("escalation event not published")
	}
	// The recoverable error must not have been escalated.
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %v", ev)
	default:
	}
}

func TestErrorFormatting(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := NewError(CodeNetwork, SeverityRecoverable, "collector", "connect failed", cause)
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "NETWORK")
	require.Contains(t, err.Error(), "collector")
	require.True(t, err.Retryable)

	warn := NewError(CodeMemory, SeverityWarning, "buffer", "full", nil)
	require.False(t, warn.Retryable)
}

func TestRetrySucceedsMidway(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, Interval: 5 * time.Millisecond, Multiplier: 2, Cap: 50 * time.Millisecond}
	calls := 0
	err := Retry(context.Background(), policy, func() error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestRetryExhausts(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, Interval: time.Millisecond, Multiplier: 2, Cap: 10 * time.Millisecond}
	calls := 0
	boom := errors.New("boom")
	err := Retry(context.Background(), policy, func() error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 3, calls)
}

func TestRetryHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	policy := RetryPolicy{MaxAttempts: 5, Interval: time.Hour, Multiplier: 2, Cap: time.Hour}
	err := Retry(ctx, policy, func() error { return errors.New("always") })
	require.ErrorIs(t, err, context.Canceled)
}

func TestTrackerSnapshot(t *testing.T) {
	tr := NewMemoryTracker()
	tr.Set("binance-0", "RUNNING", "")
	tr.Set("binance-1", "FALLBACK", "reconnect budget exhausted")

	st, ok := tr.Get("binance-1")
	require.True(t, ok)
	require.Equal(t, "FALLBACK", st.State)

	snap := tr.Snapshot()
	require.Len(t, snap, 2)
	require.Equal(t, "RUNNING", snap["binance-0"].State)

	_, ok = tr.Get("missing")
	require.False(t, ok)
}

func TestSinkDropsUnderPressure(t *testing.T) {
	s := NewPrometheusSink(1)
	defer s.Close()

	// Flood faster than the worker can drain; at least one sample must
	// be dropped rather than blocking the producer.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			s.Record(Sample{Name: "active_connectors", Value: float64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Record blocked")
	}
}
