package schema

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

const pricePlaces = 2

// RoundPrice rounds a price to two decimals. Non-finite values pass through.
func RoundPrice(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	f, _ := decimal.NewFromFloat(v).Round(pricePlaces).Float64()
	return f
}

// RoundPrice32 rounds a wire float32 using its shortest decimal representation.
func RoundPrice32(v float32) float64 {
	if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
		return float64(v)
	}
	f, _ := decimal.NewFromFloat32(v).Round(pricePlaces).Float64()
	return f
}

// StrikeKey renders a strike price as the two-decimal string used to key option chains.
func StrikeKey(strike float64) string {
	if math.IsNaN(strike) || math.IsInf(strike, 0) {
		return "0.00"
	}
	return decimal.NewFromFloat(strike).StringFixed(pricePlaces)
}

// ComputeChange derives absolute and percent change against the previous close.
// The percent is omitted when the previous close is zero.
func ComputeChange(ltp, prevClose float64) (change float64, percent *float64) {
	last := decimal.NewFromFloat(ltp)
	prev := decimal.NewFromFloat(prevClose)
	diff := last.Sub(prev)
	change, _ = diff.Round(pricePlaces).Float64()
	if prev.IsZero() {
		return change, nil
	}
	pct, _ := diff.Div(prev).Mul(decimal.NewFromInt(100)).Round(pricePlaces).Float64()
	return change, &pct
}

// MarketTick is the latest known price state for one instrument.
type MarketTick struct {
	Key           InstrumentKey `json:"key"`
	LTP           *float64      `json:"ltp,omitempty"`
	LastTradeTime time.Time     `json:"lastTradeTime,omitempty"`
	PrevClose     *float64      `json:"prevClose,omitempty"`
	Change        *float64      `json:"change,omitempty"`
	ChangePercent *float64      `json:"changePercent,omitempty"`
	Open          *float64      `json:"open,omitempty"`
	High          *float64      `json:"high,omitempty"`
	Low           *float64      `json:"low,omitempty"`
	Volume        uint32        `json:"volume,omitempty"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// Complete reports whether both the last price and previous close are known.
func (t MarketTick) Complete() bool {
	return t.LTP != nil && t.PrevClose != nil
}

// Recompute refreshes change fields when both inputs are known.
func (t *MarketTick) Recompute() {
	if t == nil || !t.Complete() {
		return
	}
	change, pct := ComputeChange(*t.LTP, *t.PrevClose)
	t.Change = &change
	t.ChangePercent = pct
}

// OHLCQuote is a full quote snapshot, replaced wholesale on every quote frame.
type OHLCQuote struct {
	Key           InstrumentKey `json:"key"`
	LTP           float64       `json:"ltp"`
	LastTradeQty  uint16        `json:"lastTradeQty"`
	LastTradeTime time.Time     `json:"lastTradeTime"`
	AvgPrice      float64       `json:"avgPrice"`
	Volume        uint32        `json:"volume"`
	TotalSellQty  uint32        `json:"totalSellQty"`
	TotalBuyQty   uint32        `json:"totalBuyQty"`
	Open          float64       `json:"open"`
	Close         float64       `json:"close"`
	High          float64       `json:"high"`
	Low           float64       `json:"low"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// StrikeQuote carries the call and put last prices for one strike.
type StrikeQuote struct {
	CallLTP    float64   `json:"ce"`
	PutLTP     float64   `json:"pe"`
	SnapshotAt time.Time `json:"snapshotAt"`
}

// OptionChainSnapshot maps two-decimal strike strings to their latest quotes.
type OptionChainSnapshot struct {
	Underlying InstrumentKey          `json:"underlying"`
	Expiry     string                 `json:"expiry,omitempty"`
	Strikes    map[string]StrikeQuote `json:"oc"`
	LastPrice  *float64               `json:"last_price"`
}

// Clone returns a deep copy safe to hand to callers.
func (s OptionChainSnapshot) Clone() OptionChainSnapshot {
	out := s
	out.Strikes = make(map[string]StrikeQuote, len(s.Strikes))
	for k, v := range s.Strikes {
		out.Strikes[k] = v
	}
	if s.LastPrice != nil {
		lp := *s.LastPrice
		out.LastPrice = &lp
	}
	return out
}

// SnapshotEntry is one row of the market snapshot.
type SnapshotEntry struct {
	Symbol        string        `json:"symbol"`
	Key           InstrumentKey `json:"key"`
	LTP           float64       `json:"ltp"`
	PrevClose     float64       `json:"prevClose"`
	Change        float64       `json:"change"`
	ChangePercent *float64      `json:"changePercent,omitempty"`
	Open          *float64      `json:"open,omitempty"`
	High          *float64      `json:"high,omitempty"`
	Low           *float64      `json:"low,omitempty"`
	Volume        uint32        `json:"volume,omitempty"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// MarketSnapshot splits complete ticks into equities and indices.
type MarketSnapshot struct {
	Stocks  []SnapshotEntry `json:"stocks"`
	Indices []SnapshotEntry `json:"indices"`
}

// Len returns the number of rows across both collections.
func (s MarketSnapshot) Len() int { return len(s.Stocks) + len(s.Indices) }
