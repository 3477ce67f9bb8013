// Package brokerclient exposes the broker operations consumed by route
// handlers. Reads are cache-first, every broker call goes through the
// request scheduler, and every result uses the {success, data|error} envelope.
package brokerclient

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/sng-aditya/AvanceAI-sub000/errs"
	"github.com/sng-aditya/AvanceAI-sub000/internal/app/marketstate"
	"github.com/sng-aditya/AvanceAI-sub000/internal/app/scheduler"
	"github.com/sng-aditya/AvanceAI-sub000/internal/domain/schema"
	"github.com/sng-aditya/AvanceAI-sub000/internal/infra/adapters/dhan"
	"github.com/sng-aditya/AvanceAI-sub000/internal/observability"
)

const (
	DefaultOptionChainTTL         = time.Second
	DefaultExpiryTTL              = 5 * time.Minute
	DefaultOptionChainMinInterval = 3 * time.Second

	mockOrderPrefix = "MOCK-"
)

// Broker is the subset of the REST adapter used here.
type Broker interface {
	HasCredentials() bool
	MarketQuote(ctx context.Context, mode dhan.QuoteMode, keys []schema.InstrumentKey) (map[schema.InstrumentKey]dhan.QuoteRow, error)
	OptionChain(ctx context.Context, underlying schema.InstrumentKey, expiry string) (schema.OptionChainSnapshot, error)
	ExpiryList(ctx context.Context, underlying schema.InstrumentKey) ([]string, error)
	Positions(ctx context.Context) ([]dhan.Position, error)
	Holdings(ctx context.Context) ([]dhan.Holding, error)
	FundLimits(ctx context.Context) (dhan.FundLimit, error)
	StrikeOHLC(ctx context.Context, key schema.InstrumentKey) (schema.OHLCQuote, error)
	PlaceOrder(ctx context.Context, spec schema.OrderSpec) (schema.PlacementResult, error)
	OrderDetail(ctx context.Context, brokerOrderID string) (dhan.OrderDetail, error)
}

// Feed is the subset of the feed connector used here.
type Feed interface {
	IsConnected() bool
	Subscribe(ctx context.Context, subs ...dhan.Subscription) error
}

// Config configures the client.
type Config struct {
	OptionChainTTL         time.Duration
	ExpiryTTL              time.Duration
	OptionChainMinInterval time.Duration
	StaleFactor            int
	// SnapshotKeys are quoted over REST when the feed cannot serve a snapshot.
	SnapshotKeys []schema.InstrumentKey
	Symbols      marketstate.SymbolResolver
	Logger       observability.Logger
	Now          func() time.Time
}

func (c Config) withDefaults() Config {
	if c.OptionChainTTL <= 0 {
		c.OptionChainTTL = DefaultOptionChainTTL
	}
	if c.ExpiryTTL <= 0 {
		c.ExpiryTTL = DefaultExpiryTTL
	}
	if c.OptionChainMinInterval <= 0 {
		c.OptionChainMinInterval = DefaultOptionChainMinInterval
	}
	if c.StaleFactor <= 0 {
		c.StaleFactor = marketstate.DefaultStaleFactor
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	c.Logger = observability.Or(c.Logger)
	return c
}

type chainKey struct {
	underlying schema.InstrumentKey
	expiry     string
}

// Client combines the broker adapter, the market state cache, the feed and
// the scheduler.
type Client struct {
	cfg       Config
	broker    Broker
	feed      Feed
	state     *marketstate.Cache
	scheduler *scheduler.Scheduler
	logger    observability.Logger
	metrics   *metrics

	chains     *marketstate.ResponseCache[chainKey, schema.OptionChainSnapshot]
	expiries   *marketstate.ResponseCache[schema.InstrumentKey, []string]
	chainGuard *rate.Limiter
}

// New wires a client. feed may be nil when streaming is disabled.
func New(cfg Config, broker Broker, feed Feed, state *marketstate.Cache, sched *scheduler.Scheduler) *Client {
	cfg = cfg.withDefaults()
	if state == nil {
		state = marketstate.New()
	}
	return &Client{
		cfg:        cfg,
		broker:     broker,
		feed:       feed,
		state:      state,
		scheduler:  sched,
		logger:     cfg.Logger,
		metrics:    newMetrics(),
		chains:     marketstate.NewResponseCache[chainKey, schema.OptionChainSnapshot]("option_chain", cfg.OptionChainTTL, cfg.StaleFactor, cfg.Now),
		expiries:   marketstate.NewResponseCache[schema.InstrumentKey, []string]("expiry_dates", cfg.ExpiryTTL, cfg.StaleFactor, cfg.Now),
		chainGuard: rate.NewLimiter(rate.Every(cfg.OptionChainMinInterval), 1),
	}
}

// Sweepers returns the response caches for the maintenance loop.
func (c *Client) Sweepers() []marketstate.Sweeper {
	return []marketstate.Sweeper{c.chains, c.expiries}
}

func (c *Client) feedLive() bool {
	return c.feed != nil && c.feed.IsConnected()
}

// GetMarketSnapshot serves complete feed entries while the feed is live and
// falls back to a REST quote of the configured instruments otherwise.
func (c *Client) GetMarketSnapshot(ctx context.Context) schema.Result[schema.MarketSnapshot] {
	if c.feedLive() && c.state.HasCompleteEntries() {
		c.metrics.lookup(ctx, "market_snapshot", "feed")
		return schema.OK(c.state.MarketSnapshot(c.cfg.Symbols), schema.SourceFeed)
	}
	c.metrics.lookup(ctx, "market_snapshot", "rest")

	keys := c.cfg.SnapshotKeys
	rows, err := scheduler.Do(ctx, c.scheduler, scheduler.CategoryMarketData, scheduler.PriorityNormal,
		func(ctx context.Context) (map[schema.InstrumentKey]dhan.QuoteRow, error) {
			return c.broker.MarketQuote(ctx, dhan.QuoteModeOHLC, keys)
		})
	if err != nil {
		c.logger.Warn("market snapshot rest fallback failed", observability.Err(err))
		return schema.Fail[schema.MarketSnapshot](err)
	}
	return schema.OK(c.formatSnapshot(rows), schema.SourceREST)
}

// formatSnapshot shapes REST quote rows like the feed snapshot. Rows
// without a last price are skipped.
func (c *Client) formatSnapshot(rows map[schema.InstrumentKey]dhan.QuoteRow) schema.MarketSnapshot {
	now := c.cfg.Now().UTC()
	state := marketstate.New(marketstate.WithClock(func() time.Time { return now }), marketstate.WithLogger(observability.Noop()))
	for key, row := range rows {
		if row.LastPrice == 0 {
			continue
		}
		state.Apply(schema.Event{Type: schema.EventTypeQuote, Key: key, ReceivedAt: now, Payload: schema.OHLCQuote{
			LTP:    schema.RoundPrice(row.LastPrice),
			Open:   schema.RoundPrice(row.OHLC.Open),
			High:   schema.RoundPrice(row.OHLC.High),
			Low:    schema.RoundPrice(row.OHLC.Low),
			Close:  schema.RoundPrice(row.OHLC.Close),
			Volume: row.Volume,
		}})
		state.Apply(schema.Event{Type: schema.EventTypePrevClose, Key: key, ReceivedAt: now,
			Payload: schema.PrevClosePayload{PrevClose: schema.RoundPrice(row.OHLC.Close)}})
	}
	return state.MarketSnapshot(c.cfg.Symbols)
}

// GetOptionChain serves, in order: the live feed chain, a fresh response
// cache entry, the broker. The broker path is paced by a dedicated guard on
// top of the scheduler; while the guard is closed or the broker rate limits,
// the last cached response is served as stale.
func (c *Client) GetOptionChain(ctx context.Context, underlying schema.InstrumentKey, expiry string) schema.Result[schema.OptionChainSnapshot] {
	expiry = strings.TrimSpace(expiry)
	if c.feedLive() {
		if snap, ok := c.state.OptionChain(underlying); ok {
			c.metrics.lookup(ctx, "option_chain", "feed")
			snap.Expiry = expiry
			return schema.OK(snap, schema.SourceFeed)
		}
	}

	key := chainKey{underlying: underlying, expiry: expiry}
	if snap, ok := c.chains.Fresh(key); ok {
		c.metrics.lookup(ctx, "option_chain", "hit")
		return schema.OK(snap.Clone(), schema.SourceCache)
	}
	stale, _, hasStale := c.chains.Stale(key)

	if !c.chainGuard.Allow() {
		if hasStale {
			c.metrics.lookup(ctx, "option_chain", "stale_guard")
			return staleResult(stale)
		}
		if err := c.chainGuard.Wait(ctx); err != nil {
			return schema.Fail[schema.OptionChainSnapshot](errs.New("brokerclient", errs.CodeUnavailable,
				errs.WithMessage("option chain request cancelled"), errs.WithCause(err)))
		}
	}
	c.metrics.lookup(ctx, "option_chain", "miss")

	snap, err := scheduler.Do(ctx, c.scheduler, scheduler.CategoryOptionChain, scheduler.PriorityNormal,
		func(ctx context.Context) (schema.OptionChainSnapshot, error) {
			return c.broker.OptionChain(ctx, underlying, expiry)
		})
	if err != nil {
		if errs.IsCode(err, errs.CodeRateLimited) && hasStale {
			c.metrics.lookup(ctx, "option_chain", "stale_rate_limited")
			c.logger.Warn("option chain rate limited, serving stale response",
				observability.F("underlying", underlying.String()),
				observability.F("expiry", expiry))
			return staleResult(stale)
		}
		return schema.Fail[schema.OptionChainSnapshot](err)
	}
	c.chains.Put(key, snap.Clone())
	return schema.OK(snap, schema.SourceREST)
}

func staleResult(snap schema.OptionChainSnapshot) schema.Result[schema.OptionChainSnapshot] {
	out := schema.OK(snap.Clone(), schema.SourceCache)
	out.Stale = true
	return out
}

// GetExpiryDates lists expiries of an underlying, cached for the expiry TTL.
func (c *Client) GetExpiryDates(ctx context.Context, underlying schema.InstrumentKey) schema.Result[[]string] {
	if dates, ok := c.expiries.Fresh(underlying); ok {
		c.metrics.lookup(ctx, "expiry_dates", "hit")
		return schema.OK(append([]string(nil), dates...), schema.SourceCache)
	}
	c.metrics.lookup(ctx, "expiry_dates", "miss")
	dates, err := scheduler.Do(ctx, c.scheduler, scheduler.CategoryExpiryDates, scheduler.PriorityNormal,
		func(ctx context.Context) ([]string, error) {
			return c.broker.ExpiryList(ctx, underlying)
		})
	if err != nil {
		return schema.Fail[[]string](err)
	}
	c.expiries.Put(underlying, append([]string(nil), dates...))
	return schema.OK(dates, schema.SourceREST)
}

// GetPositions passes the account positions through.
func (c *Client) GetPositions(ctx context.Context) schema.Result[[]dhan.Position] {
	return passThrough(ctx, c, scheduler.CategoryPositions, c.broker.Positions)
}

// GetHoldings passes the account holdings through.
func (c *Client) GetHoldings(ctx context.Context) schema.Result[[]dhan.Holding] {
	return passThrough(ctx, c, scheduler.CategoryHoldings, c.broker.Holdings)
}

// GetBalance passes the fund limits through.
func (c *Client) GetBalance(ctx context.Context) schema.Result[dhan.FundLimit] {
	return passThrough(ctx, c, scheduler.CategoryBalance, c.broker.FundLimits)
}

func passThrough[T any](ctx context.Context, c *Client, cat scheduler.Category, call func(context.Context) (T, error)) schema.Result[T] {
	value, err := scheduler.Do(ctx, c.scheduler, cat, scheduler.PriorityNormal, call)
	if err != nil {
		return schema.Fail[T](err)
	}
	return schema.OK(value, schema.SourceREST)
}

// StrikeQuote returns the latest feed quote for key, if any.
func (c *Client) StrikeQuote(key schema.InstrumentKey) (schema.OHLCQuote, bool) {
	return c.state.StrikeQuote(key)
}

// GetStrikeOHLC serves the feed quote when present and asks the broker otherwise.
func (c *Client) GetStrikeOHLC(ctx context.Context, key schema.InstrumentKey) schema.Result[schema.OHLCQuote] {
	if quote, ok := c.state.StrikeQuote(key); ok {
		c.metrics.lookup(ctx, "strike_ohlc", "feed")
		return schema.OK(quote, schema.SourceFeed)
	}
	c.metrics.lookup(ctx, "strike_ohlc", "miss")
	quote, err := scheduler.Do(ctx, c.scheduler, scheduler.CategoryStrikeOHLC, scheduler.PriorityNormal,
		func(ctx context.Context) (schema.OHLCQuote, error) {
			return c.broker.StrikeOHLC(ctx, key)
		})
	if err != nil {
		return schema.Fail[schema.OHLCQuote](err)
	}
	return schema.OK(quote, schema.SourceREST)
}

// SubscribeOptionChain asks the feed to stream the underlying's chain.
// Failures are logged; callers do not wait on the outcome.
func (c *Client) SubscribeOptionChain(ctx context.Context, underlying schema.InstrumentKey, expiry string) {
	c.subscribe(ctx, dhan.Subscription{Key: underlying, Mode: dhan.FeedModeFull}, "option_chain", expiry)
}

// SubscribeStrikeQuote asks the feed to stream full quotes for key.
func (c *Client) SubscribeStrikeQuote(ctx context.Context, key schema.InstrumentKey) {
	c.subscribe(ctx, dhan.Subscription{Key: key, Mode: dhan.FeedModeQuote}, "strike_quote", "")
}

func (c *Client) subscribe(ctx context.Context, sub dhan.Subscription, kind, expiry string) {
	if c.feed == nil {
		return
	}
	if err := c.feed.Subscribe(ctx, sub); err != nil {
		c.logger.Warn("feed subscribe failed",
			observability.F("kind", kind),
			observability.F("instrument", sub.Key.String()),
			observability.F("expiry", expiry),
			observability.Err(err))
	}
}

// PlaceOrder submits an order. Without credentials a mock acceptance is
// returned. A transport failure yields a PENDING result flagged as fallback;
// a broker rejection is returned as a failure.
func (c *Client) PlaceOrder(ctx context.Context, spec schema.OrderSpec) schema.Result[schema.PlacementResult] {
	if !c.broker.HasCredentials() {
		c.metrics.placement(ctx, "mock")
		c.logger.Warn("broker credentials missing, returning mock placement", observability.F("symbol", spec.Symbol))
		return schema.OK(schema.PlacementResult{
			BrokerOrderID: mockOrderPrefix + uuid.NewString(),
			Status:        schema.OrderStatusPending,
			Mock:          true,
			Message:       "broker credentials not configured; order not sent",
		}, schema.SourceMock)
	}

	placed, err := scheduler.Do(ctx, c.scheduler, scheduler.CategoryOrders, scheduler.PriorityHigh,
		func(ctx context.Context) (schema.PlacementResult, error) {
			return c.broker.PlaceOrder(ctx, spec)
		})
	if err == nil {
		c.metrics.placement(ctx, "placed")
		return schema.OK(placed, schema.SourceREST)
	}
	if errs.IsBusiness(err) {
		c.metrics.placement(ctx, "rejected")
		return schema.Fail[schema.PlacementResult](err)
	}

	c.metrics.placement(ctx, "fallback")
	c.logger.Error("order placement failed, returning fallback", observability.F("symbol", spec.Symbol), observability.Err(err))
	reason := err.Error()
	var e *errs.E
	if errors.As(err, &e) {
		reason = e.Reason()
	}
	return schema.OK(schema.PlacementResult{
		Status:   schema.OrderStatusPending,
		Fallback: true,
		Message:  reason,
	}, schema.SourceMock)
}

// GetOrderDetail fetches the broker's view of one order.
func (c *Client) GetOrderDetail(ctx context.Context, brokerOrderID string) schema.Result[dhan.OrderDetail] {
	detail, err := c.FetchOrderDetail(ctx, brokerOrderID)
	if err != nil {
		return schema.Fail[dhan.OrderDetail](err)
	}
	return schema.OK(detail, schema.SourceREST)
}

// FetchOrderDetail is GetOrderDetail with a plain error for internal callers.
func (c *Client) FetchOrderDetail(ctx context.Context, brokerOrderID string) (dhan.OrderDetail, error) {
	return scheduler.Do(ctx, c.scheduler, scheduler.CategoryOrders, scheduler.PriorityNormal,
		func(ctx context.Context) (dhan.OrderDetail, error) {
			return c.broker.OrderDetail(ctx, brokerOrderID)
		})
}

// CacheClearResult reports what ClearCaches removed.
type CacheClearResult struct {
	FeedOptionChains int `json:"feedOptionChains"`
	OptionChains     int `json:"optionChainResponses"`
	ExpiryDates      int `json:"expiryResponses"`
}

// ClearCaches drops accumulated feed option chains and every response cache.
func (c *Client) ClearCaches() CacheClearResult {
	return CacheClearResult{
		FeedOptionChains: c.state.ClearOptionChains(),
		OptionChains:     c.chains.Clear(),
		ExpiryDates:      c.expiries.Clear(),
	}
}
