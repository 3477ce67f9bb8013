package dhan

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/sng-aditya/AvanceAI-sub000/errs"
	"github.com/sng-aditya/AvanceAI-sub000/internal/domain/schema"
	"github.com/sng-aditya/AvanceAI-sub000/internal/observability"
)

const maxErrorBody = 4 << 10

// Client wraps the broker REST endpoints. It does no rate limiting of its own;
// callers route every call through the request scheduler.
type Client struct {
	opts    RESTOptions
	logger  observability.Logger
	metrics *restMetrics
}

// NewClient builds a REST client.
func NewClient(opts RESTOptions) *Client {
	opts = opts.withDefaults()
	return &Client{opts: opts, logger: opts.Logger, metrics: newRESTMetrics()}
}

// HasCredentials reports whether client id and access token are configured.
func (c *Client) HasCredentials() bool {
	return c.opts.Credentials.Present()
}

// QuoteMode selects the market quote endpoint.
type QuoteMode string

const (
	QuoteModeLTP   QuoteMode = "ltp"
	QuoteModeOHLC  QuoteMode = "ohlc"
	QuoteModeQuote QuoteMode = "quote"
)

// OHLC is the day range block of a market quote.
type OHLC struct {
	Open  float64 `json:"open"`
	Close float64 `json:"close"`
	High  float64 `json:"high"`
	Low   float64 `json:"low"`
}

// QuoteRow is one instrument in a market quote response.
type QuoteRow struct {
	LastPrice     float64 `json:"last_price"`
	OHLC          OHLC    `json:"ohlc"`
	Volume        uint32  `json:"volume"`
	AveragePrice  float64 `json:"average_price"`
	BuyQuantity   uint32  `json:"buy_quantity"`
	SellQuantity  uint32  `json:"sell_quantity"`
	LastQuantity  uint16  `json:"last_quantity"`
	LastTradeTime string  `json:"last_trade_time"`
	NetChange     float64 `json:"net_change"`
	UpperCircuit  float64 `json:"upper_circuit_limit"`
	LowerCircuit  float64 `json:"lower_circuit_limit"`
	OpenInterest  uint32  `json:"oi"`
}

// MarketQuote fetches quotes for the given instruments keyed by instrument.
func (c *Client) MarketQuote(ctx context.Context, mode QuoteMode, keys []schema.InstrumentKey) (map[schema.InstrumentKey]QuoteRow, error) {
	if len(keys) == 0 {
		return map[schema.InstrumentKey]QuoteRow{}, nil
	}
	body := make(map[string][]uint32)
	for _, key := range keys {
		seg := key.Segment.String()
		body[seg] = append(body[seg], key.SecurityID)
	}

	var path string
	switch mode {
	case QuoteModeOHLC:
		path = c.opts.metadata.ohlcPath
	case QuoteModeQuote:
		path = c.opts.metadata.quotePath
	default:
		path = c.opts.metadata.ltpPath
	}

	raw, err := c.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return nil, err
	}
	payload, err := unwrap(raw)
	if err != nil {
		return nil, err
	}
	var bySegment map[string]map[string]QuoteRow
	if err := json.Unmarshal(payload, &bySegment); err != nil {
		return nil, errs.New(Name, errs.CodeProtocol, errs.WithMessage("decode market quote"), errs.WithCause(err))
	}
	out := make(map[schema.InstrumentKey]QuoteRow, len(keys))
	for segName, rows := range bySegment {
		seg, err := schema.ParseSegment(segName)
		if err != nil {
			c.logger.Debug("market quote segment skipped", observability.F("segment", segName))
			continue
		}
		for id, row := range rows {
			securityID, err := schema.ParseSecurityID(id)
			if err != nil {
				continue
			}
			out[schema.NewKey(seg, securityID)] = row
		}
	}
	return out, nil
}

type optionChainRequest struct {
	UnderlyingScrip uint32 `json:"UnderlyingScrip"`
	UnderlyingSeg   string `json:"UnderlyingSeg"`
	Expiry          string `json:"Expiry,omitempty"`
}

type optionLeg struct {
	LastPrice float64 `json:"last_price"`
}

type optionStrikeRow struct {
	CE *optionLeg `json:"ce"`
	PE *optionLeg `json:"pe"`
}

type optionChainPayload struct {
	LastPrice *float64                   `json:"last_price"`
	OC        map[string]optionStrikeRow `json:"oc"`
}

// OptionChain fetches the option chain of an underlying for one expiry.
func (c *Client) OptionChain(ctx context.Context, underlying schema.InstrumentKey, expiry string) (schema.OptionChainSnapshot, error) {
	req := optionChainRequest{
		UnderlyingScrip: underlying.SecurityID,
		UnderlyingSeg:   underlying.Segment.String(),
		Expiry:          strings.TrimSpace(expiry),
	}
	raw, err := c.do(ctx, http.MethodPost, c.opts.metadata.optionChainPath, req)
	if err != nil {
		return schema.OptionChainSnapshot{}, err
	}
	payload, err := decodeObject[optionChainPayload](raw)
	if err != nil {
		return schema.OptionChainSnapshot{}, err
	}

	now := time.Now().UTC()
	snap := schema.OptionChainSnapshot{
		Underlying: underlying,
		Expiry:     req.Expiry,
		Strikes:    make(map[string]schema.StrikeQuote, len(payload.OC)),
		LastPrice:  payload.LastPrice,
	}
	for strike, row := range payload.OC {
		value, err := strconv.ParseFloat(strings.TrimSpace(strike), 64)
		if err != nil {
			continue
		}
		quote := schema.StrikeQuote{SnapshotAt: now}
		if row.CE != nil {
			quote.CallLTP = schema.RoundPrice(row.CE.LastPrice)
		}
		if row.PE != nil {
			quote.PutLTP = schema.RoundPrice(row.PE.LastPrice)
		}
		snap.Strikes[schema.StrikeKey(value)] = quote
	}
	return snap, nil
}

// ExpiryList returns the tradable expiries of an underlying.
func (c *Client) ExpiryList(ctx context.Context, underlying schema.InstrumentKey) ([]string, error) {
	req := optionChainRequest{UnderlyingScrip: underlying.SecurityID, UnderlyingSeg: underlying.Segment.String()}
	raw, err := c.do(ctx, http.MethodPost, c.opts.metadata.expiryListPath, req)
	if err != nil {
		return nil, err
	}
	return decodeList[string](raw)
}

// Position is one open or closed position row.
type Position struct {
	TradingSymbol    string  `json:"tradingSymbol"`
	SecurityID       string  `json:"securityId"`
	ExchangeSegment  string  `json:"exchangeSegment"`
	ProductType      string  `json:"productType"`
	PositionType     string  `json:"positionType"`
	NetQty           int64   `json:"netQty"`
	BuyAvg           float64 `json:"buyAvg"`
	SellAvg          float64 `json:"sellAvg"`
	RealizedProfit   float64 `json:"realizedProfit"`
	UnrealizedProfit float64 `json:"unrealizedProfit"`
}

// Positions lists the account's positions.
func (c *Client) Positions(ctx context.Context) ([]Position, error) {
	raw, err := c.do(ctx, http.MethodGet, c.opts.metadata.positionsPath, nil)
	if err != nil {
		return nil, err
	}
	return decodeList[Position](raw)
}

// Holding is one demat holding row.
type Holding struct {
	Exchange        string  `json:"exchange"`
	TradingSymbol   string  `json:"tradingSymbol"`
	SecurityID      string  `json:"securityId"`
	ISIN            string  `json:"isin"`
	TotalQty        int64   `json:"totalQty"`
	AvailableQty    int64   `json:"availableQty"`
	AvgCostPrice    float64 `json:"avgCostPrice"`
	LastTradedPrice float64 `json:"lastTradedPrice"`
}

// Holdings lists the account's holdings.
func (c *Client) Holdings(ctx context.Context) ([]Holding, error) {
	raw, err := c.do(ctx, http.MethodGet, c.opts.metadata.holdingsPath, nil)
	if err != nil {
		return nil, err
	}
	return decodeList[Holding](raw)
}

// FundLimit is the account balance summary. AvailableBalance keeps the
// broker's field spelling.
type FundLimit struct {
	ClientID            string  `json:"dhanClientId"`
	AvailableBalance    float64 `json:"availabelBalance"`
	SODLimit            float64 `json:"sodLimit"`
	CollateralAmount    float64 `json:"collateralAmount"`
	UtilizedAmount      float64 `json:"utilizedAmount"`
	BlockedPayoutAmount float64 `json:"blockedPayoutAmount"`
	WithdrawableBalance float64 `json:"withdrawableBalance"`
}

// FundLimits returns the account balance summary.
func (c *Client) FundLimits(ctx context.Context) (FundLimit, error) {
	raw, err := c.do(ctx, http.MethodGet, c.opts.metadata.fundLimitPath, nil)
	if err != nil {
		return FundLimit{}, err
	}
	return decodeObject[FundLimit](raw)
}

// StrikeOHLC fetches the quote of a single option strike.
func (c *Client) StrikeOHLC(ctx context.Context, key schema.InstrumentKey) (schema.OHLCQuote, error) {
	rows, err := c.MarketQuote(ctx, QuoteModeQuote, []schema.InstrumentKey{key})
	if err != nil {
		return schema.OHLCQuote{}, err
	}
	row, ok := rows[key]
	if !ok {
		return schema.OHLCQuote{}, errs.New(Name, errs.CodeNotFound,
			errs.WithMessage("no quote returned for instrument"),
			errs.WithVenueField("instrument", key.String()))
	}
	return schema.OHLCQuote{
		Key:          key,
		LTP:          schema.RoundPrice(row.LastPrice),
		LastTradeQty: row.LastQuantity,
		AvgPrice:     schema.RoundPrice(row.AveragePrice),
		Volume:       row.Volume,
		TotalSellQty: row.SellQuantity,
		TotalBuyQty:  row.BuyQuantity,
		Open:         schema.RoundPrice(row.OHLC.Open),
		Close:        schema.RoundPrice(row.OHLC.Close),
		High:         schema.RoundPrice(row.OHLC.High),
		Low:          schema.RoundPrice(row.OHLC.Low),
		UpdatedAt:    time.Now().UTC(),
	}, nil
}

type placeOrderRequest struct {
	ClientID        string  `json:"dhanClientId"`
	CorrelationID   string  `json:"correlationId,omitempty"`
	TransactionType string  `json:"transactionType"`
	ExchangeSegment string  `json:"exchangeSegment"`
	ProductType     string  `json:"productType"`
	OrderType       string  `json:"orderType"`
	Validity        string  `json:"validity"`
	SecurityID      string  `json:"securityId"`
	Quantity        int64   `json:"quantity"`
	Price           float64 `json:"price"`
	TriggerPrice    float64 `json:"triggerPrice,omitempty"`
}

type placeOrderResponse struct {
	OrderID     string `json:"orderId"`
	OrderStatus string `json:"orderStatus"`
}

// PlaceOrder submits an order and returns the broker's acknowledgement.
func (c *Client) PlaceOrder(ctx context.Context, spec schema.OrderSpec) (schema.PlacementResult, error) {
	validity := strings.TrimSpace(spec.Validity)
	if validity == "" {
		validity = "DAY"
	}
	price, _ := spec.Price.Float64()
	trigger, _ := spec.TriggerPrice.Float64()
	req := placeOrderRequest{
		ClientID:        c.opts.Credentials.ClientID,
		CorrelationID:   spec.CorrelationID,
		TransactionType: string(spec.Side),
		ExchangeSegment: spec.Key.Segment.String(),
		ProductType:     string(spec.ProductType),
		OrderType:       string(spec.OrderType),
		Validity:        validity,
		SecurityID:      spec.Key.SecurityIDString(),
		Quantity:        spec.Quantity,
		Price:           price,
		TriggerPrice:    trigger,
	}
	raw, err := c.do(ctx, http.MethodPost, c.opts.metadata.ordersPath, req)
	if err != nil {
		return schema.PlacementResult{}, err
	}
	ack, err := decodeObject[placeOrderResponse](raw)
	if err != nil {
		return schema.PlacementResult{}, err
	}
	return schema.PlacementResult{
		BrokerOrderID: ack.OrderID,
		Status:        schema.NormalizeStatus(ack.OrderStatus),
		Raw:           append(json.RawMessage(nil), raw...),
	}, nil
}

// OrderDetail is the broker's view of one order. Fields are kept loosely
// typed since numeric values arrive as numbers or strings.
type OrderDetail struct {
	Fields map[string]any  `json:"fields"`
	Raw    json.RawMessage `json:"-"`
}

// MarshalJSON renders the broker fields verbatim.
func (d OrderDetail) MarshalJSON() ([]byte, error) {
	if len(d.Raw) > 0 {
		return d.Raw, nil
	}
	return json.Marshal(d.Fields)
}

// OrderDetail fetches one order by broker order id.
func (c *Client) OrderDetail(ctx context.Context, brokerOrderID string) (OrderDetail, error) {
	id := strings.TrimSpace(brokerOrderID)
	if id == "" {
		return OrderDetail{}, errs.New(Name, errs.CodeInvalid, errs.WithMessage("broker order id required"))
	}
	raw, err := c.do(ctx, http.MethodGet, c.opts.metadata.ordersPath+"/"+url.PathEscape(id), nil)
	if err != nil {
		return OrderDetail{}, err
	}
	fields, err := decodeObject[map[string]any](raw)
	if err != nil {
		return OrderDetail{}, err
	}
	canonical, err := json.Marshal(fields)
	if err != nil {
		return OrderDetail{}, fmt.Errorf("encode order detail: %w", err)
	}
	return OrderDetail{Fields: fields, Raw: canonical}, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s request: %w", path, err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.opts.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("access-token", c.opts.Credentials.AccessToken)
	req.Header.Set("client-id", c.opts.Credentials.ClientID)

	start := time.Now()
	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		c.metrics.record(ctx, path, "network_error", time.Since(start))
		return nil, errs.New(Name, errs.CodeNetwork,
			errs.WithMessage("broker request failed"),
			errs.WithVenueField("endpoint", path),
			errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.metrics.record(ctx, path, "http_"+strconv.Itoa(resp.StatusCode), time.Since(start))
		return nil, errorFromResponse(resp.StatusCode, path, raw)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		c.metrics.record(ctx, path, "read_error", time.Since(start))
		code := errs.CodeNetwork
		if errors.Is(err, context.Canceled) {
			code = errs.CodeUnavailable
		}
		return nil, errs.New(Name, code, errs.WithMessage("read broker response"), errs.WithCause(err))
	}
	c.metrics.record(ctx, path, "success", time.Since(start))
	return raw, nil
}

// Text returns the first non-empty value among keys, formatting numbers.
func (d OrderDetail) Text(keys ...string) (string, bool) {
	for _, key := range keys {
		switch v := d.Fields[key].(type) {
		case string:
			if trimmed := strings.TrimSpace(v); trimmed != "" {
				return trimmed, true
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), true
		case json.Number:
			return v.String(), true
		}
	}
	return "", false
}

// Number returns the first value among keys that parses as a number.
func (d OrderDetail) Number(keys ...string) (decimal.Decimal, bool) {
	for _, key := range keys {
		if n, ok := decimalFromAny(d.Fields[key]); ok {
			return n, true
		}
	}
	return decimal.Decimal{}, false
}

func decimalFromAny(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case float64:
		return decimal.NewFromFloat(n), true
	case json.Number:
		d, err := decimal.NewFromString(n.String())
		return d, err == nil
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(n))
		return d, err == nil
	default:
		return decimal.Decimal{}, false
	}
}
