package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/adred-codev/odin-ingest/internal/market"
)

func TestKeyLayout(t *testing.T) {
	rec := market.ProcessedRecord{
		Record: market.Record{
			Exchange:   "binance",
			MarketType: market.Spot,
			Symbol:     "BTC-USDT",
			Timestamp:  1700000000000,
		},
		ProcessedAt: time.Now().UnixMilli(),
		ProcessorID: "processor-0",
	}

	require.Equal(t, "market:binance:BTC-USDT:1700000000000", RecordKey(&rec))
	require.Equal(t, "bookTicker:binance:spot:BTC-USDT", TickerKey(&rec))

	rec.MarketType = market.Futures
	require.Equal(t, "bookTicker:binance:futures:BTC-USDT", TickerKey(&rec))
}

func TestKeyUniquePerTimestamp(t *testing.T) {
	a := market.ProcessedRecord{Record: market.Record{Exchange: "x", Symbol: "A-B", Timestamp: 1}}
	b := a
	b.Timestamp = 2
	require.NotEqual(t, RecordKey(&a), RecordKey(&b))
	require.Equal(t, TickerKey(&a), TickerKey(&b), "ticker key is per symbol, not per event")
}
