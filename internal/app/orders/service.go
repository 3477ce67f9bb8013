// Package orders places orders, records them locally and reconciles the local
// records with the broker's view.
package orders

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sng-aditya/AvanceAI-sub000/errs"
	"github.com/sng-aditya/AvanceAI-sub000/internal/app/marketstate"
	"github.com/sng-aditya/AvanceAI-sub000/internal/domain/orderstore"
	"github.com/sng-aditya/AvanceAI-sub000/internal/domain/schema"
	"github.com/sng-aditya/AvanceAI-sub000/internal/infra/adapters/dhan"
	"github.com/sng-aditya/AvanceAI-sub000/internal/observability"
)

const (
	DefaultSyncCooldown   = 3 * time.Second
	DefaultResyncInterval = 2 * time.Second

	mockOrderPrefix = "MOCK-"
	component       = "orders"
)

// Broker is the broker client surface used by the service.
type Broker interface {
	PlaceOrder(ctx context.Context, spec schema.OrderSpec) schema.Result[schema.PlacementResult]
	FetchOrderDetail(ctx context.Context, brokerOrderID string) (dhan.OrderDetail, error)
}

// InstrumentResolver maps a trading symbol to its instrument key.
type InstrumentResolver interface {
	KeyForSymbol(symbol string) (schema.InstrumentKey, bool)
}

// Config configures the service.
type Config struct {
	// SyncCooldown is the process-wide minimum spacing of bulk syncs.
	SyncCooldown time.Duration
	// ResyncInterval bounds how often OrderDetail re-checks one order.
	ResyncInterval time.Duration
	Logger         observability.Logger
	Now            func() time.Time
}

// PlaceResult is returned by PlaceOrder.
type PlaceResult struct {
	Order     schema.PersistedOrder  `json:"order"`
	Placement schema.PlacementResult `json:"placement"`
}

// DetailResult is returned by OrderDetail.
type DetailResult struct {
	Order     schema.PersistedOrder `json:"order"`
	Broker    *dhan.OrderDetail     `json:"broker,omitempty"`
	Changed   []string              `json:"changed,omitempty"`
	SyncError string                `json:"syncError,omitempty"`
}

// SyncResult summarises a bulk reconciliation.
type SyncResult struct {
	Updated int  `json:"updatedCount"`
	Checked int  `json:"checked"`
	Failed  int  `json:"failed,omitempty"`
	Skipped bool `json:"skipped"`
}

// Service coordinates placement, persistence and reconciliation.
type Service struct {
	store    orderstore.Store
	broker   Broker
	resolver InstrumentResolver
	cfg      Config
	logger   observability.Logger
	metrics  *metrics
	throttle *resyncThrottle

	syncMu   sync.Mutex
	lastSync time.Time
}

// NewService wires the service. resolver may be nil.
func NewService(cfg Config, store orderstore.Store, broker Broker, resolver InstrumentResolver) *Service {
	if cfg.SyncCooldown <= 0 {
		cfg.SyncCooldown = DefaultSyncCooldown
	}
	if cfg.ResyncInterval < 0 {
		cfg.ResyncInterval = 0
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		store:    store,
		broker:   broker,
		resolver: resolver,
		cfg:      cfg,
		logger:   observability.Or(cfg.Logger),
		metrics:  newMetrics(),
		throttle: newResyncThrottle(cfg.ResyncInterval, cfg.Now),
	}
}

// Sweeper exposes the resync throttle to the maintenance loop.
func (s *Service) Sweeper() marketstate.Sweeper {
	return s.throttle
}

// PlaceOrder validates spec, submits it and records the outcome. A broker
// rejection is returned as a failure and nothing is recorded.
func (s *Service) PlaceOrder(ctx context.Context, spec schema.OrderSpec) schema.Result[PlaceResult] {
	spec, err := s.normalizeSpec(spec)
	if err != nil {
		return schema.Fail[PlaceResult](err)
	}

	placed := s.broker.PlaceOrder(ctx, spec)
	if !placed.Success {
		s.logger.Warn("order placement rejected",
			observability.F("user_id", spec.UserID),
			observability.F("symbol", spec.Symbol),
			observability.F("reason", placed.Error))
		return schema.Result[PlaceResult]{Success: false, Error: placed.Error, Code: placed.Code}
	}

	now := s.cfg.Now().UTC()
	status := placed.Data.Status
	if status == "" {
		status = schema.OrderStatusPending
	}
	order := schema.PersistedOrder{
		ID:            uuid.NewString(),
		UserID:        spec.UserID,
		Symbol:        spec.Symbol,
		Key:           spec.Key,
		Quantity:      spec.Quantity,
		Side:          spec.Side,
		OrderType:     spec.OrderType,
		ProductType:   spec.ProductType,
		Price:         spec.Price,
		Status:        status,
		BrokerOrderID: placed.Data.BrokerOrderID,
		RawResponse:   placed.Data.Raw,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if placed.Data.Fallback {
		order.FailureReason = placed.Data.Message
	}

	if err := s.store.CreateOrder(ctx, order); err != nil {
		s.logger.Error("order placed but not recorded",
			observability.F("broker_order_id", order.BrokerOrderID),
			observability.F("user_id", spec.UserID),
			observability.Err(err))
		return schema.Fail[PlaceResult](errs.New(component, errs.CodeUnavailable,
			errs.WithMessage("order submitted but could not be recorded; broker order id "+order.BrokerOrderID),
			errs.WithCause(err)))
	}
	s.logger.Info("order recorded",
		observability.F("order_id", order.ID),
		observability.F("broker_order_id", order.BrokerOrderID),
		observability.F("status", string(order.Status)),
		observability.F("mock", placed.Data.Mock),
		observability.F("fallback", placed.Data.Fallback))
	return schema.OK(PlaceResult{Order: order, Placement: placed.Data}, placed.Source)
}

func (s *Service) normalizeSpec(spec schema.OrderSpec) (schema.OrderSpec, error) {
	spec.UserID = strings.TrimSpace(spec.UserID)
	spec.Symbol = strings.TrimSpace(spec.Symbol)
	spec.Side = schema.Side(strings.ToUpper(strings.TrimSpace(string(spec.Side))))
	spec.OrderType = schema.OrderType(strings.ToUpper(strings.TrimSpace(string(spec.OrderType))))
	spec.ProductType = schema.ProductType(strings.ToUpper(strings.TrimSpace(string(spec.ProductType))))
	if spec.ProductType == "" {
		spec.ProductType = schema.ProductIntraday
	}

	if spec.Key.SecurityID == 0 && spec.Symbol != "" && s.resolver != nil {
		if key, ok := s.resolver.KeyForSymbol(spec.Symbol); ok {
			spec.Key = key
		}
	}

	invalid := func(msg string) error {
		return errs.New(component, errs.CodeInvalid, errs.WithMessage(msg))
	}
	switch {
	case spec.UserID == "":
		return spec, invalid("user id required")
	case spec.Key.SecurityID == 0:
		return spec, invalid("unknown instrument " + spec.Symbol)
	case spec.Quantity <= 0:
		return spec, invalid("quantity must be positive")
	case !spec.Side.Valid():
		return spec, invalid("side must be BUY or SELL")
	case !spec.OrderType.Valid():
		return spec, invalid("unsupported order type " + string(spec.OrderType))
	}
	if (spec.OrderType == schema.OrderTypeLimit || spec.OrderType == schema.OrderTypeStopLoss) && !spec.Price.IsPositive() {
		return spec, invalid("price required for " + string(spec.OrderType) + " orders")
	}
	if (spec.OrderType == schema.OrderTypeStopLoss || spec.OrderType == schema.OrderTypeStopLossMarket) && !spec.TriggerPrice.IsPositive() {
		return spec, invalid("trigger price required for " + string(spec.OrderType) + " orders")
	}
	return spec, nil
}

// OrderDetail returns the caller's order, reconciled with the broker when
// the order has a broker id and was not re-checked within the resync interval.
func (s *Service) OrderDetail(ctx context.Context, orderID, userID string) schema.Result[DetailResult] {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return schema.Fail[DetailResult](err)
	}
	if order.UserID != strings.TrimSpace(userID) {
		return schema.Fail[DetailResult](orderstore.NotFound(orderID))
	}

	if !reconcilable(order) || !s.throttle.Allow(order.ID) {
		return schema.OK(DetailResult{Order: order}, schema.SourceCache)
	}

	detail, changed, err := s.reconcile(ctx, &order)
	if err != nil {
		s.logger.Warn("order detail sync failed",
			observability.F("order_id", order.ID),
			observability.F("broker_order_id", order.BrokerOrderID),
			observability.Err(err))
		return schema.OK(DetailResult{Order: order, SyncError: reason(err)}, schema.SourceCache)
	}
	return schema.OK(DetailResult{Order: order, Broker: &detail, Changed: changed}, schema.SourceREST)
}

// SyncPendingOrders reconciles every PENDING or TRANSIT order of userID.
// Calls within the cooldown of the previous sync, from any user, are skipped.
func (s *Service) SyncPendingOrders(ctx context.Context, userID string) schema.Result[SyncResult] {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return schema.Fail[SyncResult](errs.New(component, errs.CodeInvalid, errs.WithMessage("user id required")))
	}

	now := s.cfg.Now()
	s.syncMu.Lock()
	if !s.lastSync.IsZero() && now.Sub(s.lastSync) < s.cfg.SyncCooldown {
		s.syncMu.Unlock()
		s.metrics.syncRun(ctx, "skipped")
		return schema.OK(SyncResult{Skipped: true}, schema.SourceCache)
	}
	s.lastSync = now
	s.syncMu.Unlock()

	pending, err := s.store.ListOrders(ctx, orderstore.OrderQuery{
		UserID:   userID,
		Statuses: schema.SyncableStatuses(),
		Limit:    orderstore.MaxLimit,
	})
	if err != nil {
		s.metrics.syncRun(ctx, "failed")
		return schema.Fail[SyncResult](err)
	}

	var result SyncResult
	for i := range pending {
		order := pending[i]
		if !reconcilable(order) {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		result.Checked++
		_, changed, err := s.reconcile(ctx, &order)
		if err != nil {
			result.Failed++
			s.logger.Warn("pending order sync failed",
				observability.F("order_id", order.ID),
				observability.F("broker_order_id", order.BrokerOrderID),
				observability.Err(err))
			continue
		}
		if len(changed) > 0 {
			result.Updated++
		}
	}
	s.metrics.syncRun(ctx, "completed")
	s.logger.Info("pending orders synced",
		observability.F("user_id", userID),
		observability.F("checked", result.Checked),
		observability.F("updated", result.Updated),
		observability.F("failed", result.Failed))
	return schema.OK(result, schema.SourceREST)
}

// reconcile fetches the broker detail and writes any changed fields onto
// both the store and order.
func (s *Service) reconcile(ctx context.Context, order *schema.PersistedOrder) (dhan.OrderDetail, []string, error) {
	detail, err := s.broker.FetchOrderDetail(ctx, order.BrokerOrderID)
	if err != nil {
		s.metrics.reconciled(ctx, "fetch_failed")
		return dhan.OrderDetail{}, nil, err
	}
	changes := ComputeChanges(*order, detail, s.cfg.Now().UTC())
	if changes.Empty() {
		s.metrics.reconciled(ctx, "unchanged")
		return detail, nil, nil
	}
	if err := s.store.ApplyChanges(ctx, order.ID, changes); err != nil {
		s.metrics.reconciled(ctx, "write_failed")
		return detail, nil, err
	}
	changes.Apply(order)
	s.metrics.reconciled(ctx, "written")
	return detail, changes.Fields(), nil
}

// reconcilable reports whether the broker can be asked about order.
func reconcilable(order schema.PersistedOrder) bool {
	id := strings.TrimSpace(order.BrokerOrderID)
	return id != "" && !strings.HasPrefix(id, mockOrderPrefix)
}

func reason(err error) string {
	var e *errs.E
	if errors.As(err, &e) {
		return e.Reason()
	}
	return err.Error()
}
