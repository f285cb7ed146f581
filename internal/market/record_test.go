package market

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func lvl(t *testing.T, price, qty string) Level {
	t.Helper()
	p, err := decimal.NewFromString(price)
	require.NoError(t, err)
	q, err := decimal.NewFromString(qty)
	require.NoError(t, err)
	return Level{Price: p, Qty: q}
}

func validRecord(t *testing.T, now time.Time) Record {
	t.Helper()
	return Record{
		Exchange:   "binance",
		MarketType: Spot,
		Symbol:     "BTC-USDT",
		Ticker:     "BTCUSDT",
		Timestamp:  now.UnixMilli(),
		Bids:       []Level{lvl(t, "100.00", "1"), lvl(t, "99.50", "2")},
		Asks:       []Level{lvl(t, "100.10", "1"), lvl(t, "100.20", "3")},
	}
}

func TestValidateAccepts(t *testing.T) {
	now := time.Now()
	rec := validRecord(t, now)
	require.NoError(t, rec.Validate(now))
}

func TestValidateRequiredFields(t *testing.T) {
	now := time.Now()

	rec := validRecord(t, now)
	rec.Exchange = ""
	require.ErrorIs(t, rec.Validate(now), ErrIncomplete)

	rec = validRecord(t, now)
	rec.Symbol = ""
	require.ErrorIs(t, rec.Validate(now), ErrIncomplete)

	rec = validRecord(t, now)
	rec.Timestamp = 0
	require.ErrorIs(t, rec.Validate(now), ErrIncomplete)

	rec = validRecord(t, now)
	rec.Bids = nil
	rec.Asks = nil
	require.ErrorIs(t, rec.Validate(now), ErrIncomplete)
}

func TestValidateOneSidedBookAllowed(t *testing.T) {
	now := time.Now()
	rec := validRecord(t, now)
	rec.Asks = nil
	require.NoError(t, rec.Validate(now))
}

func TestValidateBidOrder(t *testing.T) {
	now := time.Now()
	rec := validRecord(t, now)
	rec.Bids = []Level{lvl(t, "99.50", "2"), lvl(t, "100.00", "1")}
	require.ErrorIs(t, rec.Validate(now), ErrInvalidOrder)

	// Equal prices are not strictly descending either.
	rec.Bids = []Level{lvl(t, "100.00", "1"), lvl(t, "100.00", "2")}
	require.ErrorIs(t, rec.Validate(now), ErrInvalidOrder)
}

func TestValidateAskOrder(t *testing.T) {
	now := time.Now()
	rec := validRecord(t, now)
	rec.Asks = []Level{lvl(t, "100.20", "3"), lvl(t, "100.10", "1")}
	require.ErrorIs(t, rec.Validate(now), ErrInvalidOrder)
}

func TestValidateNegativeLevel(t *testing.T) {
	now := time.Now()
	rec := validRecord(t, now)
	rec.Bids = []Level{lvl(t, "-1", "1")}
	require.ErrorIs(t, rec.Validate(now), ErrNegativeLevel)
}

func TestValidateClockAhead(t *testing.T) {
	now := time.Now()
	rec := validRecord(t, now)
	rec.Timestamp = now.Add(6 * time.Second).UnixMilli()
	require.ErrorIs(t, rec.Validate(now), ErrClockAhead)

	// Right at the boundary is still acceptable.
	rec.Timestamp = now.Add(5 * time.Second).UnixMilli()
	require.NoError(t, rec.Validate(now))
}

func TestParseLevels(t *testing.T) {
	levels, err := ParseLevels([][]string{{"100.00", "1"}, {"99.50", "2"}})
	require.NoError(t, err)
	require.Len(t, levels, 2)
	require.True(t, levels[0].Price.Equal(decimal.RequireFromString("100.00")))
	require.True(t, levels[1].Qty.Equal(decimal.RequireFromString("2")))
}

func TestParseLevelsMalformed(t *testing.T) {
	_, err := ParseLevels([][]string{{"not-a-number", "1"}})
	require.Error(t, err)

	_, err = ParseLevels([][]string{{"100.00"}})
	require.Error(t, err)
}

func TestParseLevelsWideMantissa(t *testing.T) {
	levels, err := ParseLevels([][]string{{"123456789.123456789", "0.000000001"}})
	require.NoError(t, err)
	require.Equal(t, "123456789.123456789", levels[0].Price.String())
	require.Equal(t, "0.000000001", levels[0].Qty.String())
}

func TestProcessedStamps(t *testing.T) {
	now := time.Now()
	rec := validRecord(t, now)
	proc := rec.Processed("proc-1", now)
	require.Equal(t, rec.Symbol, proc.Symbol)
	require.Equal(t, "proc-1", proc.ProcessorID)
	require.Equal(t, now.UnixMilli(), proc.ProcessedAt)
}
