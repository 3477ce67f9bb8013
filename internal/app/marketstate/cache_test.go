package marketstate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sng-aditya/AvanceAI-sub000/internal/domain/schema"
)

type staticSymbols map[schema.InstrumentKey]string

func (s staticSymbols) Symbol(key schema.InstrumentKey) (string, bool) {
	v, ok := s[key]
	return v, ok
}

var (
	reliance = schema.NewKey(schema.SegmentNSEEquity, 2885)
	hdfc     = schema.NewKey(schema.SegmentNSEEquity, 1333)
	nifty    = schema.NewKey(schema.SegmentIndex, 13)
)

func ticker(key schema.InstrumentKey, ltp float64) schema.Event {
	return schema.Event{Type: schema.EventTypeTicker, Key: key, Payload: schema.TickerPayload{LTP: ltp}}
}

func prevClose(key schema.InstrumentKey, prev float64) schema.Event {
	return schema.Event{Type: schema.EventTypePrevClose, Key: key, Payload: schema.PrevClosePayload{PrevClose: prev}}
}

func TestPrevCloseBeforeTickerDefersChange(t *testing.T) {
	cache := New()
	cache.Apply(prevClose(reliance, 2800))

	tick, ok := cache.Tick(reliance)
	require.True(t, ok)
	require.Nil(t, tick.LTP)
	require.Nil(t, tick.Change)
	require.Nil(t, tick.ChangePercent)

	cache.Apply(ticker(reliance, 2900.50))
	tick, ok = cache.Tick(reliance)
	require.True(t, ok)
	require.NotNil(t, tick.Change)
	require.Equal(t, 100.5, *tick.Change)
	require.NotNil(t, tick.ChangePercent)
	require.Equal(t, 3.59, *tick.ChangePercent)
}

func TestPrevCloseAfterTickerRecomputes(t *testing.T) {
	cache := New()
	cache.Apply(ticker(hdfc, 1500))
	cache.Apply(prevClose(hdfc, 1600))

	tick, _ := cache.Tick(hdfc)
	require.Equal(t, -100.0, *tick.Change)
	require.Equal(t, -6.25, *tick.ChangePercent)
}

func TestZeroPrevCloseOmitsPercent(t *testing.T) {
	cache := New()
	cache.Apply(prevClose(hdfc, 0))
	cache.Apply(ticker(hdfc, 10))
	tick, _ := cache.Tick(hdfc)
	require.Equal(t, 10.0, *tick.Change)
	require.Nil(t, tick.ChangePercent)
}

func TestMarketSnapshotExcludesIncompleteEntries(t *testing.T) {
	cache := New()
	cache.Apply(ticker(reliance, 2900.5))
	cache.Apply(prevClose(reliance, 2800))
	cache.Apply(ticker(hdfc, 1500))

	snap := cache.MarketSnapshot(staticSymbols{reliance: "RELIANCE"})
	require.Equal(t, 1, snap.Len())
	require.Equal(t, "RELIANCE", snap.Stocks[0].Symbol)
	require.Empty(t, snap.Indices)
	require.True(t, cache.HasCompleteEntries())
}

func TestMarketSnapshotSplitsAndOrders(t *testing.T) {
	cache := New()
	for _, key := range []schema.InstrumentKey{reliance, hdfc, nifty} {
		cache.Apply(ticker(key, 100))
		cache.Apply(prevClose(key, 99))
	}
	snap := cache.MarketSnapshot(staticSymbols{reliance: "RELIANCE", hdfc: "HDFCBANK", nifty: "NIFTY 50"})
	require.Len(t, snap.Stocks, 2)
	require.Equal(t, "HDFCBANK", snap.Stocks[0].Symbol)
	require.Equal(t, "RELIANCE", snap.Stocks[1].Symbol)
	require.Len(t, snap.Indices, 1)
	require.Equal(t, "NIFTY 50", snap.Indices[0].Symbol)

	unnamed := cache.MarketSnapshot(nil)
	require.Equal(t, "IDX_I:13", unnamed.Indices[0].Symbol)
}

func TestQuoteReplacesWholesale(t *testing.T) {
	cache := New()
	first := schema.OHLCQuote{LTP: 101, Open: 100, High: 105, Low: 99, Close: 98, Volume: 1000, TotalBuyQty: 50}
	cache.Apply(schema.Event{Type: schema.EventTypeQuote, Key: reliance, Payload: first})
	second := schema.OHLCQuote{LTP: 102, Open: 100, High: 106, Low: 99, Close: 98, Volume: 1500}
	cache.Apply(schema.Event{Type: schema.EventTypeQuote, Key: reliance, Payload: second})

	quote, ok := cache.StrikeQuote(reliance)
	require.True(t, ok)
	require.Equal(t, 102.0, quote.LTP)
	require.Equal(t, uint32(1500), quote.Volume)
	require.Zero(t, quote.TotalBuyQty)
	require.Equal(t, reliance, quote.Key)

	tick, _ := cache.Tick(reliance)
	require.Equal(t, 102.0, *tick.LTP)
	require.Equal(t, 106.0, *tick.High)
	require.Equal(t, uint32(1500), tick.Volume)

	_, ok = cache.StrikeQuote(hdfc)
	require.False(t, ok)
}

func TestOptionChainAccumulatesStrikes(t *testing.T) {
	cache := New()
	_, ok := cache.OptionChain(nifty)
	require.False(t, ok)

	strike := func(s, ce, pe float64) schema.Event {
		return schema.Event{Type: schema.EventTypeOptionStrike, Key: nifty,
			Payload: schema.OptionStrikePayload{Strike: s, CallLTP: ce, PutLTP: pe}}
	}
	cache.Apply(strike(24300, 120, 95))
	cache.Apply(strike(24350, 90, 118))
	cache.Apply(strike(24300, 125, 92))
	cache.Apply(ticker(nifty, 24310.25))

	chain, ok := cache.OptionChain(nifty)
	require.True(t, ok)
	require.Len(t, chain.Strikes, 2)
	require.Equal(t, 125.0, chain.Strikes["24300.00"].CallLTP)
	require.Equal(t, 118.0, chain.Strikes["24350.00"].PutLTP)
	require.Equal(t, 24310.25, *chain.LastPrice)

	chain.Strikes["99999.00"] = schema.StrikeQuote{}
	again, _ := cache.OptionChain(nifty)
	require.Len(t, again.Strikes, 2)

	require.Equal(t, 1, cache.ClearOptionChains())
	_, ok = cache.OptionChain(nifty)
	require.False(t, ok)
}

func TestOpenInterestIsCountedOnly(t *testing.T) {
	cache := New()
	cache.Apply(schema.Event{Type: schema.EventTypeOpenInterest, Key: reliance, Payload: schema.OpenInterestPayload{OpenInterest: 42}})
	_, ok := cache.Tick(reliance)
	require.False(t, ok)
	stats := cache.Stats()
	require.Equal(t, uint64(1), stats.OpenInterest)
	require.Zero(t, stats.Ticks)
}

func TestApplyStampsMissingReceiveTime(t *testing.T) {
	fixed := time.Date(2026, 10, 15, 10, 0, 0, 0, time.UTC)
	cache := New(WithClock(func() time.Time { return fixed }))
	cache.Apply(ticker(reliance, 1))
	tick, _ := cache.Tick(reliance)
	require.Equal(t, fixed, tick.UpdatedAt)
}

func TestResponseCacheFreshStaleAndSweep(t *testing.T) {
	now := time.Date(2026, 10, 15, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	cache := NewResponseCache[string, int]("option_chain", time.Second, 5, clock)

	cache.Put("NIFTY", 1)
	v, ok := cache.Fresh("NIFTY")
	require.True(t, ok)
	require.Equal(t, 1, v)

	now = now.Add(1500 * time.Millisecond)
	_, ok = cache.Fresh("NIFTY")
	require.False(t, ok)
	v, _, ok = cache.Stale("NIFTY")
	require.True(t, ok)
	require.Equal(t, 1, v)

	require.Zero(t, cache.Sweep())
	now = now.Add(4 * time.Second)
	require.Equal(t, 1, cache.Sweep())
	require.Zero(t, cache.Len())
}

func TestSweepAllCountsEvictions(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	short := NewResponseCache[string, int]("a", time.Second, 5, clock)
	long := NewResponseCache[string, int]("b", time.Minute, 5, clock)
	short.Put("x", 1)
	long.Put("y", 2)
	now = now.Add(10 * time.Second)

	removed := SweepAll(context.Background(), nil, nil, short, long, nil)
	require.Equal(t, 1, removed)
	require.Equal(t, 1, long.Len())
}
