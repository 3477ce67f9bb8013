package orders

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/sng-aditya/AvanceAI-sub000/errs"
	"github.com/sng-aditya/AvanceAI-sub000/internal/domain/orderstore"
	"github.com/sng-aditya/AvanceAI-sub000/internal/domain/schema"
	"github.com/sng-aditya/AvanceAI-sub000/internal/infra/adapters/dhan"
	"github.com/sng-aditya/AvanceAI-sub000/internal/infra/persistence/memory"
)

var reliance = schema.NewKey(schema.SegmentNSEEquity, 2885)

type fakeBroker struct {
	mu        sync.Mutex
	placement schema.Result[schema.PlacementResult]
	details   map[string]dhan.OrderDetail
	detailErr error
	fetches   []string
}

func (f *fakeBroker) PlaceOrder(context.Context, schema.OrderSpec) schema.Result[schema.PlacementResult] {
	return f.placement
}

func (f *fakeBroker) FetchOrderDetail(_ context.Context, id string) (dhan.OrderDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches = append(f.fetches, id)
	if f.detailErr != nil {
		return dhan.OrderDetail{}, f.detailErr
	}
	return f.details[id], nil
}

type symbolResolver map[string]schema.InstrumentKey

func (r symbolResolver) KeyForSymbol(symbol string) (schema.InstrumentKey, bool) {
	key, ok := r[symbol]
	return key, ok
}

type countingStore struct {
	*memory.OrderStore
	writes int
}

func (s *countingStore) ApplyChanges(ctx context.Context, id string, changes schema.OrderChanges) error {
	s.writes++
	return s.OrderStore.ApplyChanges(ctx, id, changes)
}

type fixture struct {
	svc    *Service
	store  *countingStore
	broker *fakeBroker
	now    *time.Time
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	now := time.Date(2026, 10, 15, 10, 0, 0, 0, time.UTC)
	store := &countingStore{OrderStore: memory.NewOrderStore()}
	broker := &fakeBroker{details: make(map[string]dhan.OrderDetail)}
	svc := NewService(Config{
		ResyncInterval: 2 * time.Second,
		Now:            func() time.Time { return now },
	}, store, broker, symbolResolver{"RELIANCE": reliance})
	return fixture{svc: svc, store: store, broker: broker, now: &now}
}

func (f fixture) advance(d time.Duration) { *f.now = f.now.Add(d) }

func (f fixture) seed(t *testing.T, id, user, brokerID string, status schema.OrderStatus) {
	t.Helper()
	require.NoError(t, f.store.CreateOrder(context.Background(), schema.PersistedOrder{
		ID:            id,
		UserID:        user,
		Symbol:        "RELIANCE",
		Key:           reliance,
		Quantity:      10,
		Side:          schema.SideBuy,
		OrderType:     schema.OrderTypeMarket,
		ProductType:   schema.ProductIntraday,
		Status:        status,
		BrokerOrderID: brokerID,
		CreatedAt:     *f.now,
	}))
}

func limitSpec() schema.OrderSpec {
	return schema.OrderSpec{
		UserID:    "u1",
		Symbol:    "RELIANCE",
		Quantity:  10,
		Side:      "buy",
		OrderType: "limit",
		Price:     decimal.RequireFromString("2900.50"),
	}
}

func TestPlaceOrderRecordsBrokerAcceptance(t *testing.T) {
	f := newFixture(t)
	f.broker.placement = schema.OK(schema.PlacementResult{
		BrokerOrderID: "112111182198",
		Status:        schema.OrderStatusTransit,
		Raw:           []byte(`{"orderId":"112111182198","orderStatus":"TRANSIT"}`),
	}, schema.SourceREST)

	res := f.svc.PlaceOrder(context.Background(), limitSpec())
	require.True(t, res.Success, res.Error)
	order := res.Data.Order
	require.NotEmpty(t, order.ID)
	require.Equal(t, reliance, order.Key)
	require.Equal(t, schema.SideBuy, order.Side)
	require.Equal(t, schema.ProductIntraday, order.ProductType)
	require.Equal(t, schema.OrderStatusTransit, order.Status)

	stored, err := f.store.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	require.Equal(t, "112111182198", stored.BrokerOrderID)
	require.JSONEq(t, `{"orderId":"112111182198","orderStatus":"TRANSIT"}`, string(stored.RawResponse))
}

func TestPlaceOrderRecordsFallbackWithReason(t *testing.T) {
	f := newFixture(t)
	f.broker.placement = schema.OK(schema.PlacementResult{
		Status:   schema.OrderStatusPending,
		Fallback: true,
		Message:  "broker request failed",
	}, schema.SourceMock)

	res := f.svc.PlaceOrder(context.Background(), limitSpec())
	require.True(t, res.Success)
	require.Equal(t, "broker request failed", res.Data.Order.FailureReason)
	require.Empty(t, res.Data.Order.BrokerOrderID)
	require.True(t, res.Data.Placement.Fallback)
}

func TestPlaceOrderRejectionIsNotRecorded(t *testing.T) {
	f := newFixture(t)
	f.broker.placement = schema.Fail[schema.PlacementResult](
		errs.New("dhan", errs.CodeInvalid, errs.WithHTTP(400), errs.WithMessage("insufficient funds")))

	res := f.svc.PlaceOrder(context.Background(), limitSpec())
	require.False(t, res.Success)
	require.Contains(t, res.Error, "insufficient funds")
	require.Equal(t, string(errs.CodeInvalid), res.Code)

	all, err := f.store.ListOrders(context.Background(), orderstore.OrderQuery{UserID: "u1"})
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestPlaceOrderValidation(t *testing.T) {
	f := newFixture(t)
	cases := map[string]func(*schema.OrderSpec){
		"missing user":       func(s *schema.OrderSpec) { s.UserID = " " },
		"unknown instrument": func(s *schema.OrderSpec) { s.Symbol = "UNKNOWN" },
		"zero quantity":      func(s *schema.OrderSpec) { s.Quantity = 0 },
		"bad side":           func(s *schema.OrderSpec) { s.Side = "HOLD" },
		"bad type":           func(s *schema.OrderSpec) { s.OrderType = "ICEBERG" },
		"limit without price": func(s *schema.OrderSpec) {
			s.Price = decimal.Zero
		},
		"stop loss without trigger": func(s *schema.OrderSpec) {
			s.OrderType = schema.OrderTypeStopLoss
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			spec := limitSpec()
			mutate(&spec)
			res := f.svc.PlaceOrder(context.Background(), spec)
			require.False(t, res.Success)
			require.Equal(t, string(errs.CodeInvalid), res.Code)
		})
	}
}

func TestOrderDetailChecksOwnership(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "o1", "u1", "b1", schema.OrderStatusPending)

	res := f.svc.OrderDetail(context.Background(), "o1", "u2")
	require.False(t, res.Success)
	require.Equal(t, string(errs.CodeNotFound), res.Code)
	require.Empty(t, f.broker.fetches)

	res = f.svc.OrderDetail(context.Background(), "missing", "u1")
	require.Equal(t, string(errs.CodeNotFound), res.Code)
}

func TestOrderDetailReconcilesAndThrottles(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "o1", "u1", "b1", schema.OrderStatusPending)
	f.broker.details["b1"] = detail(map[string]any{"orderStatus": "TRADED", "filledQty": 10.0, "averageTradedPrice": 2901.35})
	ctx := context.Background()

	res := f.svc.OrderDetail(ctx, "o1", "u1")
	require.True(t, res.Success)
	require.Equal(t, schema.SourceREST, res.Source)
	require.Equal(t, schema.OrderStatusTraded, res.Data.Order.Status)
	require.Equal(t, []string{"status", "executed_quantity", "executed_price"}, res.Data.Changed)
	require.NotNil(t, res.Data.Broker)
	require.Equal(t, 1, f.store.writes)

	stored, _ := f.store.GetOrder(ctx, "o1")
	require.Equal(t, int64(10), *stored.ExecutedQuantity)
	require.Equal(t, *f.now, *stored.LastSyncedAt)

	f.advance(time.Second)
	res = f.svc.OrderDetail(ctx, "o1", "u1")
	require.Equal(t, schema.SourceCache, res.Source)
	require.Len(t, f.broker.fetches, 1)

	f.advance(2 * time.Second)
	res = f.svc.OrderDetail(ctx, "o1", "u1")
	require.Equal(t, schema.SourceREST, res.Source)
	require.Empty(t, res.Data.Changed)
	require.Equal(t, 1, f.store.writes)
}

func TestOrderDetailSkipsUnreconcilableOrders(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "mock", "u1", "MOCK-1234", schema.OrderStatusPending)
	f.seed(t, "fallback", "u1", "", schema.OrderStatusPending)

	for _, id := range []string{"mock", "fallback"} {
		res := f.svc.OrderDetail(context.Background(), id, "u1")
		require.True(t, res.Success)
		require.Equal(t, schema.SourceCache, res.Source)
	}
	require.Empty(t, f.broker.fetches)
}

func TestOrderDetailSurfacesSyncError(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "o1", "u1", "b1", schema.OrderStatusPending)
	f.broker.detailErr = errs.New("dhan", errs.CodeNetwork, errs.WithMessage("broker request failed"))

	res := f.svc.OrderDetail(context.Background(), "o1", "u1")
	require.True(t, res.Success)
	require.Contains(t, res.Data.SyncError, "broker request failed")
	require.Equal(t, schema.OrderStatusPending, res.Data.Order.Status)
}

func TestSyncPendingOrders(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "o1", "u1", "b1", schema.OrderStatusPending)
	f.seed(t, "o2", "u1", "b2", schema.OrderStatusTransit)
	f.seed(t, "o3", "u1", "b3", schema.OrderStatusTraded)
	f.seed(t, "o4", "u2", "b4", schema.OrderStatusPending)
	f.seed(t, "o5", "u1", "MOCK-5", schema.OrderStatusPending)
	f.broker.details["b1"] = detail(map[string]any{"orderStatus": "TRADED", "remainingQuantity": 0.0})
	f.broker.details["b2"] = detail(map[string]any{"orderStatus": "TRANSIT"})
	ctx := context.Background()

	res := f.svc.SyncPendingOrders(ctx, "u1")
	require.True(t, res.Success)
	require.Equal(t, SyncResult{Updated: 1, Checked: 2}, res.Data)
	require.ElementsMatch(t, []string{"b1", "b2"}, f.broker.fetches)

	stored, _ := f.store.GetOrder(ctx, "o1")
	require.Equal(t, schema.OrderStatusTraded, stored.Status)
	require.Equal(t, int64(10), *stored.ExecutedQuantity)
}

func TestSyncPendingOrdersCooldownIsProcessWide(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.False(t, f.svc.SyncPendingOrders(ctx, "u1").Data.Skipped)

	f.advance(time.Second)
	res := f.svc.SyncPendingOrders(ctx, "u2")
	require.True(t, res.Success)
	require.True(t, res.Data.Skipped)

	f.advance(2 * time.Second)
	require.False(t, f.svc.SyncPendingOrders(ctx, "u2").Data.Skipped)

	require.Equal(t, string(errs.CodeInvalid), f.svc.SyncPendingOrders(ctx, "").Code)
}

func TestSyncPendingOrdersUnmovedOrderWritesNothing(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "o1", "u1", "b1", schema.OrderStatusPending)
	f.broker.details["b1"] = detail(map[string]any{
		"orderStatus":        "PENDING",
		"filledQty":          0.0,
		"remainingQuantity":  10.0,
		"averageTradedPrice": 0.0,
	})

	res := f.svc.SyncPendingOrders(context.Background(), "u1")
	require.True(t, res.Success)
	require.Equal(t, SyncResult{Checked: 1}, res.Data)
	require.Zero(t, f.store.writes)
}

func TestSyncPendingOrdersCountsFailures(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "o1", "u1", "b1", schema.OrderStatusPending)
	f.broker.detailErr = errs.New("dhan", errs.CodeRateLimited, errs.WithHTTP(429))

	res := f.svc.SyncPendingOrders(context.Background(), "u1")
	require.True(t, res.Success)
	require.Equal(t, SyncResult{Checked: 1, Failed: 1}, res.Data)
}

func TestResyncThrottleSweep(t *testing.T) {
	now := time.Date(2026, 10, 15, 10, 0, 0, 0, time.UTC)
	throttle := newResyncThrottle(time.Second, func() time.Time { return now })
	require.True(t, throttle.Allow("a"))
	require.False(t, throttle.Allow("a"))
	require.Zero(t, throttle.Sweep())
	now = now.Add(time.Second)
	require.Equal(t, 1, throttle.Sweep())
	require.True(t, strings.HasPrefix(throttle.Name(), "order"))

	var disabled *resyncThrottle
	require.True(t, disabled.Allow("a"))
}
