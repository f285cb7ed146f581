package market

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// MarketType distinguishes spot from derivatives feeds. It is part of the
// store key layout, so values are lowercase wire strings.
type MarketType string

const (
	Spot    MarketType = "spot"
	Futures MarketType = "futures"
)

// MaxClockAhead is how far an event timestamp may run ahead of the local
// clock before the record is rejected as invalid.
const MaxClockAhead = 5 * time.Second

// Level is one price level of an order book side. Prices and quantities
// arrive as decimal strings on the wire and stay decimal end to end so
// 18-digit mantissas survive untouched.
type Level struct {
	Price decimal.Decimal `json:"price"`
	Qty   decimal.Decimal `json:"qty"`
}

// Record is the canonical order-book snapshot shared by every component
// downstream of an exchange adapter.
//
// Bids are sorted strictly descending by price, asks strictly ascending.
// Either side may be empty, but never both (Validate enforces this).
type Record struct {
	Exchange   string     `json:"exchange"`
	MarketType MarketType `json:"marketType"`
	Symbol     string     `json:"symbol"` // canonical BASE-QUOTE form
	Ticker     string     `json:"ticker"` // exchange-native wire symbol
	Timestamp  int64      `json:"timestamp"` // event time, ms since epoch UTC
	Bids       []Level    `json:"bids"`
	Asks       []Level    `json:"asks"`
}

// ProcessedRecord is what the processor persists: the canonical record
// stamped with processing metadata.
type ProcessedRecord struct {
	Record
	ProcessedAt int64  `json:"processedAt"` // ms since epoch UTC
	ProcessorID string `json:"processorId"`
}

// Validation failures. Callers branch with errors.Is.
var (
	ErrIncomplete    = errors.New("record missing exchange, symbol, timestamp, or payload")
	ErrInvalidOrder  = errors.New("levels out of order")
	ErrNegativeLevel = errors.New("negative price or quantity")
	ErrClockAhead    = errors.New("timestamp ahead of local clock")
)

// Validate checks the record against the invariants the pipeline relies
// on: required fields present, at least one book side populated, bids
// strictly descending, asks strictly ascending, no negative levels, and
// the event timestamp no more than MaxClockAhead past now.
func (r *Record) Validate(now time.Time) error {
	if r.Exchange == "" || r.Symbol == "" || r.Timestamp <= 0 {
		return ErrIncomplete
	}
	if len(r.Bids) == 0 && len(r.Asks) == 0 {
		return ErrIncomplete
	}
	if r.Timestamp > now.UnixMilli()+MaxClockAhead.Milliseconds() {
		return ErrClockAhead
	}
	for i, lvl := range r.Bids {
		if lvl.Price.Sign() < 0 || lvl.Qty.Sign() < 0 {
			return ErrNegativeLevel
		}
		if i > 0 && lvl.Price.Cmp(r.Bids[i-1].Price) >= 0 {
			return ErrInvalidOrder
		}
	}
	for i, lvl := range r.Asks {
		if lvl.Price.Sign() < 0 || lvl.Qty.Sign() < 0 {
			return ErrNegativeLevel
		}
		if i > 0 && lvl.Price.Cmp(r.Asks[i-1].Price) <= 0 {
			return ErrInvalidOrder
		}
	}
	return nil
}

// Processed stamps the record with processing metadata.
func (r *Record) Processed(processorID string, at time.Time) ProcessedRecord {
	return ProcessedRecord{
		Record:      *r,
		ProcessedAt: at.UnixMilli(),
		ProcessorID: processorID,
	}
}

// ParseLevels converts wire-form [price, qty] string pairs into Levels.
// Any unparsable number fails the whole batch; a malformed level makes
// the enclosing frame malformed.
func ParseLevels(raw [][]string) ([]Level, error) {
	levels := make([]Level, 0, len(raw))
	for _, pair := range raw {
		if len(pair) < 2 {
			return nil, errors.New("level needs price and quantity")
		}
		price, err := decimal.NewFromString(pair[0])
		if err != nil {
			return nil, err
		}
		qty, err := decimal.NewFromString(pair[1])
		if err != nil {
			return nil, err
		}
		levels = append(levels, Level{Price: price, Qty: qty})
	}
	return levels, nil
}
