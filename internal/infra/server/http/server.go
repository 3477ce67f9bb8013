// Package httpserver exposes the market data and order operations over HTTP.
package httpserver

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/sng-aditya/AvanceAI-sub000/errs"
	"github.com/sng-aditya/AvanceAI-sub000/internal/app/brokerclient"
	"github.com/sng-aditya/AvanceAI-sub000/internal/app/orders"
	"github.com/sng-aditya/AvanceAI-sub000/internal/domain/schema"
	"github.com/sng-aditya/AvanceAI-sub000/internal/infra/adapters/dhan"
	"github.com/sng-aditya/AvanceAI-sub000/internal/infra/config"
	"github.com/sng-aditya/AvanceAI-sub000/internal/observability"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	userIDHeader    = "X-User-ID"
	requestIDHeader = "X-Request-ID"

	healthPath         = "/health"
	snapshotPath       = "/market/snapshot"
	optionChainPath    = "/market/option-chain"
	expiriesPath       = "/market/expiries"
	strikeQuotePath    = "/market/strike-quote"
	strikeOHLCPath     = "/market/strike-ohlc"
	subscribePath      = "/market/subscribe"
	marketCachePath    = "/market/cache"
	positionsPath      = "/portfolio/positions"
	holdingsPath       = "/portfolio/holdings"
	balancePath        = "/portfolio/balance"
	ordersPath         = "/orders"
	orderDetailPrefix  = ordersPath + "/"
	ordersSyncPath     = ordersPath + "/sync"
	feedConnectPath    = "/feed/connect"
	feedDisconnectPath = "/feed/disconnect"
	feedStatusPath     = "/feed/status"
	lookupReloadPath   = "/lookup/reload"
)

// Market is the read and subscribe surface of the broker client.
type Market interface {
	GetMarketSnapshot(ctx context.Context) schema.Result[schema.MarketSnapshot]
	GetOptionChain(ctx context.Context, underlying schema.InstrumentKey, expiry string) schema.Result[schema.OptionChainSnapshot]
	GetExpiryDates(ctx context.Context, underlying schema.InstrumentKey) schema.Result[[]string]
	GetPositions(ctx context.Context) schema.Result[[]dhan.Position]
	GetHoldings(ctx context.Context) schema.Result[[]dhan.Holding]
	GetBalance(ctx context.Context) schema.Result[dhan.FundLimit]
	StrikeQuote(key schema.InstrumentKey) (schema.OHLCQuote, bool)
	GetStrikeOHLC(ctx context.Context, key schema.InstrumentKey) schema.Result[schema.OHLCQuote]
	SubscribeOptionChain(ctx context.Context, underlying schema.InstrumentKey, expiry string)
	SubscribeStrikeQuote(ctx context.Context, key schema.InstrumentKey)
	ClearCaches() brokerclient.CacheClearResult
}

// Orders is the order service surface.
type Orders interface {
	PlaceOrder(ctx context.Context, spec schema.OrderSpec) schema.Result[orders.PlaceResult]
	OrderDetail(ctx context.Context, orderID, userID string) schema.Result[orders.DetailResult]
	SyncPendingOrders(ctx context.Context, userID string) schema.Result[orders.SyncResult]
}

// FeedControl drives the streaming connection lifecycle.
type FeedControl interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Status() dhan.FeedStatus
}

// Reloader reloads static reference data.
type Reloader interface {
	Reload() error
}

// Deps bundles the handler collaborators. Lookup may be nil.
type Deps struct {
	Environment config.Environment
	Market      Market
	Orders      Orders
	Feed        FeedControl
	Lookup      Reloader
	Logger      observability.Logger
}

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	environment config.Environment
	market      Market
	orders      Orders
	feed        FeedControl
	lookup      Reloader
	logger      observability.Logger
}

// NewHandler creates the gateway HTTP handler.
func NewHandler(deps Deps) http.Handler {
	server := &httpServer{
		environment: deps.Environment,
		market:      deps.Market,
		orders:      deps.Orders,
		feed:        deps.Feed,
		lookup:      deps.Lookup,
		logger:      observability.Or(deps.Logger),
	}
	mux := http.NewServeMux()

	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.health,
	}))

	mux.Handle(snapshotPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.marketSnapshot,
	}))
	mux.Handle(optionChainPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.optionChain,
	}))
	mux.Handle(expiriesPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.expiries,
	}))
	mux.Handle(strikeQuotePath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.strikeQuote,
	}))
	mux.Handle(strikeOHLCPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.strikeOHLC,
	}))
	mux.Handle(subscribePath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.subscribe,
	}))
	mux.Handle(marketCachePath, server.methodHandlers(map[string]handlerFunc{
		http.MethodDelete: server.clearCaches,
	}))

	mux.Handle(positionsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: func(w http.ResponseWriter, r *http.Request) {
			writeResult(w, server.market.GetPositions(r.Context()))
		},
	}))
	mux.Handle(holdingsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: func(w http.ResponseWriter, r *http.Request) {
			writeResult(w, server.market.GetHoldings(r.Context()))
		},
	}))
	mux.Handle(balancePath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: func(w http.ResponseWriter, r *http.Request) {
			writeResult(w, server.market.GetBalance(r.Context()))
		},
	}))

	mux.Handle(ordersPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.placeOrder,
	}))
	mux.Handle(ordersSyncPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.syncOrders,
	}))
	mux.Handle(orderDetailPrefix, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.orderDetail,
	}))

	mux.Handle(feedConnectPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.connectFeed,
	}))
	mux.Handle(feedDisconnectPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.disconnectFeed,
	}))
	mux.Handle(feedStatusPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.feedStatus,
	}))

	if server.lookup != nil {
		mux.Handle(lookupReloadPath, server.methodHandlers(map[string]handlerFunc{
			http.MethodPost: server.reloadLookup,
		}))
	}

	return withRequestID(withCORS(mux))
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *httpServer) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"environment": s.environment,
		"feed":        s.feed.Status(),
	})
}

func (s *httpServer) marketSnapshot(w http.ResponseWriter, r *http.Request) {
	writeResult(w, s.market.GetMarketSnapshot(r.Context()))
}

func (s *httpServer) optionChain(w http.ResponseWriter, r *http.Request) {
	underlying, err := keyParam(r, "underlying")
	if err != nil {
		writeResult(w, schema.Fail[schema.OptionChainSnapshot](err))
		return
	}
	expiry := strings.TrimSpace(r.URL.Query().Get("expiry"))
	if expiry == "" {
		writeResult(w, schema.Fail[schema.OptionChainSnapshot](invalid("expiry required")))
		return
	}
	writeResult(w, s.market.GetOptionChain(r.Context(), underlying, expiry))
}

func (s *httpServer) expiries(w http.ResponseWriter, r *http.Request) {
	underlying, err := keyParam(r, "underlying")
	if err != nil {
		writeResult(w, schema.Fail[[]string](err))
		return
	}
	writeResult(w, s.market.GetExpiryDates(r.Context(), underlying))
}

func (s *httpServer) strikeQuote(w http.ResponseWriter, r *http.Request) {
	key, err := keyParam(r, "key")
	if err != nil {
		writeResult(w, schema.Fail[schema.OHLCQuote](err))
		return
	}
	quote, ok := s.market.StrikeQuote(key)
	if !ok {
		writeResult(w, schema.Fail[schema.OHLCQuote](errs.New("httpserver", errs.CodeNotFound,
			errs.WithMessage("no quote for "+key.String()))))
		return
	}
	writeResult(w, schema.OK(quote, schema.SourceFeed))
}

func (s *httpServer) strikeOHLC(w http.ResponseWriter, r *http.Request) {
	key, err := keyParam(r, "key")
	if err != nil {
		writeResult(w, schema.Fail[schema.OHLCQuote](err))
		return
	}
	writeResult(w, s.market.GetStrikeOHLC(r.Context(), key))
}

type subscribeRequest struct {
	Kind       string `json:"kind"`
	Underlying string `json:"underlying"`
	Expiry     string `json:"expiry"`
	Key        string `json:"key"`
	SecurityID string `json:"securityId"`
	Segment    string `json:"segment"`
}

type subscribeResponse struct {
	Kind       string               `json:"kind"`
	Instrument schema.InstrumentKey `json:"instrument"`
	Expiry     string               `json:"expiry,omitempty"`
}

func (s *httpServer) subscribe(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	var req subscribeRequest
	if err := decodeBody(r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	switch strings.ToLower(strings.TrimSpace(req.Kind)) {
	case "option_chain", "optionchain":
		key, err := parseKey(req.Underlying, "", "")
		if err != nil {
			writeResult(w, schema.Fail[subscribeResponse](err))
			return
		}
		s.market.SubscribeOptionChain(r.Context(), key, req.Expiry)
		writeJSON(w, http.StatusAccepted, schema.OK(subscribeResponse{Kind: "option_chain", Instrument: key, Expiry: req.Expiry}, schema.SourceFeed))
	case "strike_quote", "strike":
		key, err := parseKey(req.Key, req.SecurityID, req.Segment)
		if err != nil {
			writeResult(w, schema.Fail[subscribeResponse](err))
			return
		}
		s.market.SubscribeStrikeQuote(r.Context(), key)
		writeJSON(w, http.StatusAccepted, schema.OK(subscribeResponse{Kind: "strike_quote", Instrument: key}, schema.SourceFeed))
	default:
		writeResult(w, schema.Fail[subscribeResponse](invalid("kind must be option_chain or strike_quote")))
	}
}

func (s *httpServer) clearCaches(w http.ResponseWriter, _ *http.Request) {
	cleared := s.market.ClearCaches()
	s.logger.Info("market caches cleared",
		observability.F("feed_option_chains", cleared.FeedOptionChains),
		observability.F("option_chain_responses", cleared.OptionChains),
		observability.F("expiry_responses", cleared.ExpiryDates))
	writeResult(w, schema.OK(cleared, schema.SourceCache))
}

func (s *httpServer) placeOrder(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	var spec schema.OrderSpec
	if err := decodeBody(r, &spec); err != nil {
		writeDecodeError(w, err)
		return
	}
	spec.UserID = userID(r)
	writeResult(w, s.orders.PlaceOrder(r.Context(), spec))
}

func (s *httpServer) orderDetail(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, orderDetailPrefix), "/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "order id required")
		return
	}
	writeResult(w, s.orders.OrderDetail(r.Context(), id, userID(r)))
}

func (s *httpServer) syncOrders(w http.ResponseWriter, r *http.Request) {
	writeResult(w, s.orders.SyncPendingOrders(r.Context(), userID(r)))
}

func (s *httpServer) connectFeed(w http.ResponseWriter, r *http.Request) {
	if err := s.feed.Connect(r.Context()); err != nil {
		writeResult(w, schema.Fail[dhan.FeedStatus](err))
		return
	}
	writeJSON(w, http.StatusAccepted, schema.OK(s.feed.Status(), schema.SourceFeed))
}

func (s *httpServer) disconnectFeed(w http.ResponseWriter, r *http.Request) {
	if err := s.feed.Disconnect(r.Context()); err != nil {
		writeResult(w, schema.Fail[dhan.FeedStatus](errs.New("httpserver", errs.CodeUnavailable,
			errs.WithMessage("feed disconnect"), errs.WithCause(err))))
		return
	}
	writeResult(w, schema.OK(s.feed.Status(), schema.SourceFeed))
}

func (s *httpServer) feedStatus(w http.ResponseWriter, _ *http.Request) {
	writeResult(w, schema.OK(s.feed.Status(), schema.SourceFeed))
}

func (s *httpServer) reloadLookup(w http.ResponseWriter, _ *http.Request) {
	if err := s.lookup.Reload(); err != nil {
		writeResult(w, schema.Fail[struct{}](err))
		return
	}
	writeResult(w, schema.OK(struct{}{}, schema.SourceCache))
}

func userID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(userIDHeader))
}

// keyParam reads an instrument key from name (SEGMENT:ID) or from the
// securityId and segment query parameters.
func keyParam(r *http.Request, name string) (schema.InstrumentKey, error) {
	q := r.URL.Query()
	return parseKey(q.Get(name), q.Get("securityId"), q.Get("segment"))
}

func parseKey(key, securityID, segment string) (schema.InstrumentKey, error) {
	if strings.TrimSpace(key) != "" {
		return schema.ParseInstrumentKey(key)
	}
	if strings.TrimSpace(securityID) == "" || strings.TrimSpace(segment) == "" {
		return schema.InstrumentKey{}, invalid("instrument key or securityId and segment required")
	}
	seg, err := schema.ParseSegment(segment)
	if err != nil {
		return schema.InstrumentKey{}, err
	}
	id, err := schema.ParseSecurityID(securityID)
	if err != nil {
		return schema.InstrumentKey{}, err
	}
	return schema.NewKey(seg, id), nil
}

func invalid(message string) error {
	return errs.New("httpserver", errs.CodeInvalid, errs.WithMessage(message))
}

func decodeBody(r *http.Request, out any) error {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

// statusFor maps a result's error code to an HTTP status.
func statusFor(code string) int {
	switch errs.Code(code) {
	case errs.CodeInvalid:
		return http.StatusBadRequest
	case errs.CodeAuth:
		return http.StatusUnauthorized
	case errs.CodeNotFound:
		return http.StatusNotFound
	case errs.CodeConflict:
		return http.StatusConflict
	case errs.CodeRateLimited:
		return http.StatusTooManyRequests
	case errs.CodeUnavailable:
		return http.StatusServiceUnavailable
	case errs.CodeNetwork, errs.CodeBroker, errs.CodeProtocol:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeResult[T any](w http.ResponseWriter, result schema.Result[T]) {
	status := http.StatusOK
	if !result.Success {
		status = statusFor(result.Code)
	}
	writeJSON(w, status, result)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"success": false, "error": message})
}

func withRequestID(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		handler.ServeHTTP(w, r)
	})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User-ID, X-Request-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
