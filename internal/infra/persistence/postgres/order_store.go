package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sng-aditya/AvanceAI-sub000/errs"
	"github.com/sng-aditya/AvanceAI-sub000/internal/domain/orderstore"
	"github.com/sng-aditya/AvanceAI-sub000/internal/domain/schema"
)

// OrderStore persists placed orders.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore constructs an OrderStore backed by the provided pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

const (
	orderInsertSQL = `
INSERT INTO orders (
    id,
    user_id,
    symbol,
    exchange_segment,
    security_id,
    quantity,
    side,
    order_type,
    product_type,
    price,
    status,
    broker_order_id,
    failure_reason,
    raw_response,
    created_at,
    updated_at
)
VALUES (
    @id,
    @user_id,
    @symbol,
    @exchange_segment,
    @security_id,
    @quantity,
    @side,
    @order_type,
    @product_type,
    @price,
    @status,
    @broker_order_id,
    @failure_reason,
    @raw_response::jsonb,
    @created_at,
    @created_at
);
`

	orderSelectBase = `
SELECT
    id,
    user_id,
    symbol,
    exchange_segment,
    security_id,
    quantity,
    side,
    order_type,
    product_type,
    price::text,
    status,
    broker_order_id,
    executed_quantity,
    executed_price::text,
    rejection_reason,
    error_code,
    failure_reason,
    last_synced_at,
    raw_response,
    created_at,
    updated_at
FROM orders
`

	uniqueViolation = "23505"
)

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func (s *OrderStore) ensurePool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("order store: nil pool")
	}
	return s.pool, nil
}

// CreateOrder inserts a new order.
func (s *OrderStore) CreateOrder(ctx context.Context, order schema.PersistedOrder) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	return s.createOrderWith(ctx, pool, order)
}

func (s *OrderStore) createOrderWith(ctx context.Context, exec execer, order schema.PersistedOrder) error {
	if err := orderstore.Validate(order); err != nil {
		return err
	}
	price, err := numericFromDecimal(order.Price)
	if err != nil {
		return fmt.Errorf("order store: %w", err)
	}
	created := order.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	args := pgx.NamedArgs{
		"id":               strings.TrimSpace(order.ID),
		"user_id":          strings.TrimSpace(order.UserID),
		"symbol":           strings.TrimSpace(order.Symbol),
		"exchange_segment": int16(order.Key.Segment),
		"security_id":      int64(order.Key.SecurityID),
		"quantity":         order.Quantity,
		"side":             string(order.Side),
		"order_type":       string(order.OrderType),
		"product_type":     string(order.ProductType),
		"price":            price,
		"status":           string(order.Status),
		"broker_order_id":  nullableString(order.BrokerOrderID),
		"failure_reason":   nullableString(order.FailureReason),
		"raw_response":     nullableJSON(order.RawResponse),
		"created_at":       created,
	}
	if _, err := exec.Exec(ctx, orderInsertSQL, args); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return errs.New("orderstore", errs.CodeConflict,
				errs.WithMessage("order "+order.ID+" already exists"), errs.WithCause(err))
		}
		return fmt.Errorf("order store: insert order: %w", err)
	}
	return nil
}

// GetOrder loads one order by id.
func (s *OrderStore) GetOrder(ctx context.Context, id string) (schema.PersistedOrder, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return schema.PersistedOrder{}, err
	}
	row := pool.QueryRow(ctx, orderSelectBase+" WHERE id = $1", strings.TrimSpace(id))
	order, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return schema.PersistedOrder{}, orderstore.NotFound(id)
	}
	if err != nil {
		return schema.PersistedOrder{}, err
	}
	return order, nil
}

// ListOrders retrieves orders matching the query, newest first.
func (s *OrderStore) ListOrders(ctx context.Context, query orderstore.OrderQuery) ([]schema.PersistedOrder, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	sqlText, args := buildListQuery(query)
	rows, err := pool.Query(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("order store: list orders: %w", err)
	}
	defer rows.Close()

	var orders []schema.PersistedOrder
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("order store: iterate orders: %w", err)
	}
	return orders, nil
}

func buildListQuery(query orderstore.OrderQuery) (string, []any) {
	builder := strings.Builder{}
	builder.WriteString(orderSelectBase)
	builder.WriteString(" WHERE 1=1")

	args := make([]any, 0, 3)
	argPos := 1
	if trimmed := strings.TrimSpace(query.UserID); trimmed != "" {
		fmt.Fprintf(&builder, " AND user_id = $%d", argPos)
		args = append(args, trimmed)
		argPos++
	}
	if statuses := orderstore.NormalizedStatuses(query.Statuses); len(statuses) > 0 {
		fmt.Fprintf(&builder, " AND status = ANY($%d)", argPos)
		args = append(args, statuses)
		argPos++
	}
	fmt.Fprintf(&builder, " ORDER BY created_at DESC, id DESC LIMIT $%d", argPos)
	args = append(args, orderstore.ClampLimit(query.Limit))
	return builder.String(), args
}

// ApplyChanges updates only the columns present in changes.
func (s *OrderStore) ApplyChanges(ctx context.Context, id string, changes schema.OrderChanges) error {
	if changes.Empty() {
		return nil
	}
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	sqlText, args, err := buildUpdate(id, changes)
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, sqlText, args)
	if err != nil {
		return fmt.Errorf("order store: update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return orderstore.NotFound(id)
	}
	return nil
}

func buildUpdate(id string, changes schema.OrderChanges) (string, pgx.NamedArgs, error) {
	args := pgx.NamedArgs{"id": strings.TrimSpace(id)}
	sets := make([]string, 0, 9)
	if changes.Status != nil {
		sets = append(sets, "status = @status")
		args["status"] = string(*changes.Status)
	}
	if changes.ExecutedQuantity != nil {
		sets = append(sets, "executed_quantity = @executed_quantity")
		args["executed_quantity"] = *changes.ExecutedQuantity
	}
	if changes.ExecutedPrice != nil {
		price, err := numericFromOptional(changes.ExecutedPrice)
		if err != nil {
			return "", nil, fmt.Errorf("order store: %w", err)
		}
		sets = append(sets, "executed_price = @executed_price")
		args["executed_price"] = price
	}
	if changes.RejectionReason != nil {
		sets = append(sets, "rejection_reason = @rejection_reason")
		args["rejection_reason"] = nullableString(*changes.RejectionReason)
	}
	if changes.ErrorCode != nil {
		sets = append(sets, "error_code = @error_code")
		args["error_code"] = nullableString(*changes.ErrorCode)
	}
	if changes.FailureReason != nil {
		sets = append(sets, "failure_reason = @failure_reason")
		args["failure_reason"] = nullableString(*changes.FailureReason)
	}
	if len(changes.RawResponse) > 0 {
		sets = append(sets, "raw_response = @raw_response::jsonb")
		args["raw_response"] = string(changes.RawResponse)
	}
	if changes.SyncedAt.IsZero() {
		sets = append(sets, "updated_at = NOW()")
	} else {
		sets = append(sets, "last_synced_at = @synced_at", "updated_at = @synced_at")
		args["synced_at"] = changes.SyncedAt
	}
	return "UPDATE orders SET " + strings.Join(sets, ", ") + " WHERE id = @id", args, nil
}

func scanOrder(row pgx.Row) (schema.PersistedOrder, error) {
	var (
		order         schema.PersistedOrder
		segment       int16
		securityID    int64
		side          string
		orderType     string
		productType   string
		priceText     sql.NullString
		status        string
		brokerOrderID sql.NullString
		executedQty   pgtype.Int8
		executedPrice sql.NullString
		rejection     sql.NullString
		errorCode     sql.NullString
		failureReason sql.NullString
		lastSyncedAt  pgtype.Timestamptz
		rawResponse   []byte
		createdAt     time.Time
		updatedAt     time.Time
	)
	if err := row.Scan(
		&order.ID,
		&order.UserID,
		&order.Symbol,
		&segment,
		&securityID,
		&order.Quantity,
		&side,
		&orderType,
		&productType,
		&priceText,
		&status,
		&brokerOrderID,
		&executedQty,
		&executedPrice,
		&rejection,
		&errorCode,
		&failureReason,
		&lastSyncedAt,
		&rawResponse,
		&createdAt,
		&updatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return order, err
		}
		return order, fmt.Errorf("order store: scan order: %w", err)
	}

	order.Key = schema.NewKey(schema.ExchangeSegment(segment), uint32(securityID))
	order.Side = schema.Side(side)
	order.OrderType = schema.OrderType(orderType)
	order.ProductType = schema.ProductType(productType)
	order.Status = schema.OrderStatus(status)
	order.BrokerOrderID = brokerOrderID.String
	order.RejectionReason = rejection.String
	order.ErrorCode = errorCode.String
	order.FailureReason = failureReason.String
	order.CreatedAt = createdAt.UTC()
	order.UpdatedAt = updatedAt.UTC()

	price, err := decimalFromText(priceText)
	if err != nil {
		return order, fmt.Errorf("order store: %w", err)
	}
	if price != nil {
		order.Price = *price
	}
	if order.ExecutedPrice, err = decimalFromText(executedPrice); err != nil {
		return order, fmt.Errorf("order store: %w", err)
	}
	if executedQty.Valid {
		qty := executedQty.Int64
		order.ExecutedQuantity = &qty
	}
	if lastSyncedAt.Valid {
		synced := lastSyncedAt.Time.UTC()
		order.LastSyncedAt = &synced
	}
	if len(rawResponse) > 0 {
		order.RawResponse = json.RawMessage(rawResponse)
	}
	return order, nil
}

func nullableString(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
