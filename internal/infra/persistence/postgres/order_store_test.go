package postgres

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sng-aditya/AvanceAI-sub000/internal/domain/orderstore"
	"github.com/sng-aditya/AvanceAI-sub000/internal/domain/schema"
)

func TestOrderStoreNilPool(t *testing.T) {
	store := NewOrderStore(nil)
	ctx := context.Background()
	order := schema.PersistedOrder{ID: "abc", UserID: "u1", Symbol: "RELIANCE", Quantity: 1, Side: schema.SideBuy, Status: schema.OrderStatusPending}
	if err := store.CreateOrder(ctx, order); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := store.GetOrder(ctx, "abc"); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := store.ListOrders(ctx, orderstore.OrderQuery{UserID: "u1"}); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	status := schema.OrderStatusTraded
	if err := store.ApplyChanges(ctx, "abc", schema.OrderChanges{Status: &status}); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if err := store.ApplyChanges(ctx, "abc", schema.OrderChanges{}); err != nil {
		t.Fatalf("empty changes should not touch the pool: %v", err)
	}
}

func TestBuildUpdateOnlyChangedColumns(t *testing.T) {
	status := schema.OrderStatusTraded
	price := decimal.RequireFromString("2901.35")
	synced := time.Date(2026, 10, 15, 10, 0, 0, 0, time.UTC)

	sqlText, args, err := buildUpdate(" o1 ", schema.OrderChanges{Status: &status, ExecutedPrice: &price, SyncedAt: synced})
	if err != nil {
		t.Fatalf("buildUpdate: %v", err)
	}
	want := "UPDATE orders SET status = @status, executed_price = @executed_price, last_synced_at = @synced_at, updated_at = @synced_at WHERE id = @id"
	if sqlText != want {
		t.Fatalf("unexpected sql:\n%s\nwant\n%s", sqlText, want)
	}
	if args["id"] != "o1" || args["status"] != "TRADED" || args["synced_at"] != synced {
		t.Fatalf("unexpected args %v", args)
	}
	for _, absent := range []string{"executed_quantity", "rejection_reason", "error_code", "failure_reason", "raw_response"} {
		if _, ok := args[absent]; ok {
			t.Fatalf("unexpected arg %s", absent)
		}
	}

	empty := ""
	sqlText, args, err = buildUpdate("o1", schema.OrderChanges{RejectionReason: &empty, RawResponse: []byte(`{"a":1}`)})
	if err != nil {
		t.Fatalf("buildUpdate: %v", err)
	}
	if !strings.Contains(sqlText, "raw_response = @raw_response::jsonb") || !strings.HasSuffix(sqlText, "updated_at = NOW() WHERE id = @id") {
		t.Fatalf("unexpected sql %s", sqlText)
	}
	if args["rejection_reason"] != nil {
		t.Fatalf("blank reason should clear the column, got %v", args["rejection_reason"])
	}
}

func TestBuildListQuery(t *testing.T) {
	sqlText, args := buildListQuery(orderstore.OrderQuery{UserID: "u1", Statuses: []schema.OrderStatus{"pending", "TRANSIT"}, Limit: 1000})
	if !strings.Contains(sqlText, "user_id = $1") || !strings.Contains(sqlText, "status = ANY($2)") || !strings.HasSuffix(sqlText, "LIMIT $3") {
		t.Fatalf("unexpected sql %s", sqlText)
	}
	if len(args) != 3 || args[2] != orderstore.MaxLimit {
		t.Fatalf("unexpected args %v", args)
	}
	statuses, _ := args[1].([]string)
	if len(statuses) != 2 || statuses[0] != "PENDING" {
		t.Fatalf("unexpected statuses %v", args[1])
	}

	sqlText, args = buildListQuery(orderstore.OrderQuery{})
	if strings.Contains(sqlText, "user_id =") || len(args) != 1 || args[0] != orderstore.DefaultLimit {
		t.Fatalf("unexpected unfiltered query %s %v", sqlText, args)
	}
}
