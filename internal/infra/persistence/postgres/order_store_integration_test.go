//go:build integration

package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/sng-aditya/AvanceAI-sub000/errs"
	"github.com/sng-aditya/AvanceAI-sub000/internal/domain/orderstore"
	"github.com/sng-aditya/AvanceAI-sub000/internal/domain/schema"
	"github.com/sng-aditya/AvanceAI-sub000/internal/infra/persistence/migrations"
)

var (
	testPool    *pgxpool.Pool
	pgContainer testcontainers.Container
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "gateway"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		os.Exit(1)
	}
	pgContainer = container

	exitCode := 0
	if err := initialiseDatabase(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "postgres integration tests skipped: %v\n", err)
	} else {
		exitCode = m.Run()
	}

	if testPool != nil {
		testPool.Close()
	}
	_ = pgContainer.Terminate(ctx)
	os.Exit(exitCode)
}

func initialiseDatabase(ctx context.Context) error {
	host, err := pgContainer.Host(ctx)
	if err != nil {
		return fmt.Errorf("container host: %w", err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return fmt.Errorf("container port: %w", err)
	}
	dsn := fmt.Sprintf("postgres://postgres:secret@%s:%s/gateway?sslmode=disable", host, port.Port())

	if err := migrations.Apply(ctx, dsn, "", nil); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("pgx pool: %w", err)
	}
	testPool = pool
	return nil
}

func TestOrderStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := New(testPool).Orders()
	created := time.Date(2026, 10, 15, 9, 15, 0, 0, time.UTC)
	order := schema.PersistedOrder{
		ID:            uuid.NewString(),
		UserID:        "user-" + uuid.NewString(),
		Symbol:        "RELIANCE",
		Key:           schema.NewKey(schema.SegmentNSEEquity, 2885),
		Quantity:      10,
		Side:          schema.SideBuy,
		OrderType:     schema.OrderTypeLimit,
		ProductType:   schema.ProductIntraday,
		Price:         decimal.RequireFromString("2900.50"),
		Status:        schema.OrderStatusPending,
		BrokerOrderID: "112111182198",
		RawResponse:   json.RawMessage(`{"orderId":"112111182198","orderStatus":"PENDING"}`),
		CreatedAt:     created,
	}
	if err := store.CreateOrder(ctx, order); err != nil {
		t.Fatalf("create order: %v", err)
	}
	if err := store.CreateOrder(ctx, order); !errs.IsCode(err, errs.CodeConflict) {
		t.Fatalf("expected conflict on duplicate id, got %v", err)
	}

	got, err := store.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.Key != order.Key || !got.Price.Equal(order.Price) || got.ExecutedQuantity != nil || got.LastSyncedAt != nil {
		t.Fatalf("unexpected round trip %+v", got)
	}

	status := schema.OrderStatusTraded
	qty := int64(10)
	price := decimal.RequireFromString("2901.35")
	synced := created.Add(time.Minute)
	if err := store.ApplyChanges(ctx, order.ID, schema.OrderChanges{
		Status: &status, ExecutedQuantity: &qty, ExecutedPrice: &price, SyncedAt: synced,
	}); err != nil {
		t.Fatalf("apply changes: %v", err)
	}
	got, err = store.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.Status != status || *got.ExecutedQuantity != qty || !got.ExecutedPrice.Equal(price) || !got.LastSyncedAt.Equal(synced) {
		t.Fatalf("changes not applied: %+v", got)
	}

	pending, err := store.ListOrders(ctx, orderstore.OrderQuery{UserID: order.UserID, Statuses: schema.SyncableStatuses()})
	if err != nil {
		t.Fatalf("list orders: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending orders, got %d", len(pending))
	}

	if _, err := store.GetOrder(ctx, "missing"); !errs.IsCode(err, errs.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := store.ApplyChanges(ctx, "missing", schema.OrderChanges{Status: &status}); !errs.IsCode(err, errs.CodeNotFound) {
		t.Fatalf("expected not found on update, got %v", err)
	}
}
