// Package marketstate holds the latest known market state per instrument,
// derived from decoded feed events.
package marketstate

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sng-aditya/AvanceAI-sub000/internal/domain/schema"
	"github.com/sng-aditya/AvanceAI-sub000/internal/observability"
)

// SymbolResolver maps an instrument key to its display symbol.
type SymbolResolver interface {
	Symbol(key schema.InstrumentKey) (string, bool)
}

// Stats summarises cache occupancy.
type Stats struct {
	Ticks        int    `json:"ticks"`
	Complete     int    `json:"complete"`
	Quotes       int    `json:"quotes"`
	Chains       int    `json:"chains"`
	Strikes      int    `json:"strikes"`
	OpenInterest uint64 `json:"openInterestFrames"`
}

type chainState struct {
	strikes   map[string]schema.StrikeQuote
	updatedAt time.Time
}

// Cache is the authoritative in-memory view of the feed. Every lookup is a
// single map access and returns either nothing or the latest value for the key.
type Cache struct {
	logger observability.Logger
	now    func() time.Time

	mu     sync.RWMutex
	ticks  map[schema.InstrumentKey]*schema.MarketTick
	quotes map[schema.InstrumentKey]schema.OHLCQuote
	chains map[schema.InstrumentKey]*chainState

	oiFrames atomic.Uint64
}

// Option customises a Cache.
type Option func(*Cache)

// WithLogger sets the cache logger.
func WithLogger(logger observability.Logger) Option {
	return func(c *Cache) { c.logger = logger }
}

// WithClock overrides the time source used for events without a receive time.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// New builds an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		now:    func() time.Time { return time.Now().UTC() },
		ticks:  make(map[schema.InstrumentKey]*schema.MarketTick),
		quotes: make(map[schema.InstrumentKey]schema.OHLCQuote),
		chains: make(map[schema.InstrumentKey]*chainState),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.logger = observability.Or(c.logger)
	return c
}

// Apply folds one decoded event into the cache.
func (c *Cache) Apply(evt schema.Event) {
	at := evt.ReceivedAt
	if at.IsZero() {
		at = c.now()
	}

	switch payload := evt.Payload.(type) {
	case schema.TickerPayload:
		c.mu.Lock()
		tick := c.tickLocked(evt.Key)
		ltp := payload.LTP
		tick.LTP = &ltp
		if !payload.LastTradeTime.IsZero() {
			tick.LastTradeTime = payload.LastTradeTime
		}
		tick.UpdatedAt = at
		tick.Recompute()
		c.mu.Unlock()

	case schema.PrevClosePayload:
		c.mu.Lock()
		tick := c.tickLocked(evt.Key)
		prev := payload.PrevClose
		tick.PrevClose = &prev
		tick.UpdatedAt = at
		tick.Recompute()
		c.mu.Unlock()

	case schema.OHLCQuote:
		quote := payload
		quote.Key = evt.Key
		quote.UpdatedAt = at
		c.mu.Lock()
		c.quotes[evt.Key] = quote
		tick := c.tickLocked(evt.Key)
		ltp, open, high, low := quote.LTP, quote.Open, quote.High, quote.Low
		tick.LTP = &ltp
		tick.Open, tick.High, tick.Low = &open, &high, &low
		tick.Volume = quote.Volume
		if !quote.LastTradeTime.IsZero() {
			tick.LastTradeTime = quote.LastTradeTime
		}
		tick.UpdatedAt = at
		tick.Recompute()
		c.mu.Unlock()

	case schema.OptionStrikePayload:
		c.mu.Lock()
		chain, ok := c.chains[evt.Key]
		if !ok {
			chain = &chainState{strikes: make(map[string]schema.StrikeQuote)}
			c.chains[evt.Key] = chain
		}
		chain.strikes[schema.StrikeKey(payload.Strike)] = schema.StrikeQuote{
			CallLTP:    payload.CallLTP,
			PutLTP:     payload.PutLTP,
			SnapshotAt: at,
		}
		chain.updatedAt = at
		c.mu.Unlock()

	case schema.OpenInterestPayload:
		c.oiFrames.Add(1)

	case schema.FeedStatePayload:
	default:
		c.logger.Debug("market state ignored event", observability.F("type", evt.Type))
	}
}

func (c *Cache) tickLocked(key schema.InstrumentKey) *schema.MarketTick {
	tick, ok := c.ticks[key]
	if !ok {
		tick = &schema.MarketTick{Key: key}
		c.ticks[key] = tick
	}
	return tick
}

// Tick returns a copy of the latest tick for key.
func (c *Cache) Tick(key schema.InstrumentKey) (schema.MarketTick, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tick, ok := c.ticks[key]
	if !ok {
		return schema.MarketTick{}, false
	}
	return copyTick(tick), true
}

// HasCompleteEntries reports whether at least one tick carries both ltp and prev close.
func (c *Cache) HasCompleteEntries() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, tick := range c.ticks {
		if tick.Complete() {
			return true
		}
	}
	return false
}

// MarketSnapshot lists complete ticks split into equities and indices,
// ordered by display symbol. Incomplete ticks are never surfaced.
func (c *Cache) MarketSnapshot(resolver SymbolResolver) schema.MarketSnapshot {
	c.mu.RLock()
	entries := make([]schema.SnapshotEntry, 0, len(c.ticks))
	for key, tick := range c.ticks {
		if !tick.Complete() {
			continue
		}
		symbol := ""
		if resolver != nil {
			symbol, _ = resolver.Symbol(key)
		}
		if symbol == "" {
			symbol = key.String()
		}
		entry := schema.SnapshotEntry{
			Symbol:        symbol,
			Key:           key,
			LTP:           *tick.LTP,
			PrevClose:     *tick.PrevClose,
			ChangePercent: copyFloat(tick.ChangePercent),
			Open:          copyFloat(tick.Open),
			High:          copyFloat(tick.High),
			Low:           copyFloat(tick.Low),
			Volume:        tick.Volume,
			UpdatedAt:     tick.UpdatedAt,
		}
		if tick.Change != nil {
			entry.Change = *tick.Change
		}
		entries = append(entries, entry)
	}
	c.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Symbol != entries[j].Symbol {
			return entries[i].Symbol < entries[j].Symbol
		}
		return entries[i].Key.String() < entries[j].Key.String()
	})

	snapshot := schema.MarketSnapshot{
		Stocks:  make([]schema.SnapshotEntry, 0, len(entries)),
		Indices: make([]schema.SnapshotEntry, 0),
	}
	for _, entry := range entries {
		if entry.Key.Segment.IsIndex() {
			snapshot.Indices = append(snapshot.Indices, entry)
		} else {
			snapshot.Stocks = append(snapshot.Stocks, entry)
		}
	}
	return snapshot
}

// OptionChain returns the accumulated strikes of an underlying. The last
// price comes from the underlying's tick when one is known.
func (c *Cache) OptionChain(underlying schema.InstrumentKey) (schema.OptionChainSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	chain, ok := c.chains[underlying]
	if !ok || len(chain.strikes) == 0 {
		return schema.OptionChainSnapshot{}, false
	}
	snap := schema.OptionChainSnapshot{
		Underlying: underlying,
		Strikes:    make(map[string]schema.StrikeQuote, len(chain.strikes)),
	}
	for strike, quote := range chain.strikes {
		snap.Strikes[strike] = quote
	}
	if tick, ok := c.ticks[underlying]; ok && tick.LTP != nil {
		snap.LastPrice = copyFloat(tick.LTP)
	}
	return snap, true
}

// StrikeQuote returns the latest full quote for key.
func (c *Cache) StrikeQuote(key schema.InstrumentKey) (schema.OHLCQuote, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	quote, ok := c.quotes[key]
	return quote, ok
}

// ClearOptionChains drops every accumulated strike and returns how many
// underlyings were cleared.
func (c *Cache) ClearOptionChains() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.chains)
	c.chains = make(map[schema.InstrumentKey]*chainState)
	return n
}

// Stats reports current occupancy.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	stats := Stats{
		Ticks:        len(c.ticks),
		Quotes:       len(c.quotes),
		Chains:       len(c.chains),
		OpenInterest: c.oiFrames.Load(),
	}
	for _, tick := range c.ticks {
		if tick.Complete() {
			stats.Complete++
		}
	}
	for _, chain := range c.chains {
		stats.Strikes += len(chain.strikes)
	}
	return stats
}

func copyTick(t *schema.MarketTick) schema.MarketTick {
	out := *t
	out.LTP = copyFloat(t.LTP)
	out.PrevClose = copyFloat(t.PrevClose)
	out.Change = copyFloat(t.Change)
	out.ChangePercent = copyFloat(t.ChangePercent)
	out.Open = copyFloat(t.Open)
	out.High = copyFloat(t.High)
	out.Low = copyFloat(t.Low)
	return out
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}
