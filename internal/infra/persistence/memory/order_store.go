// Package memory provides process-local repositories used when no database
// is configured.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/sng-aditya/AvanceAI-sub000/errs"
	"github.com/sng-aditya/AvanceAI-sub000/internal/domain/orderstore"
	"github.com/sng-aditya/AvanceAI-sub000/internal/domain/schema"
)

// OrderStore keeps orders in a map guarded by a mutex.
type OrderStore struct {
	mu     sync.RWMutex
	orders map[string]schema.PersistedOrder
}

// NewOrderStore constructs an empty store.
func NewOrderStore() *OrderStore {
	return &OrderStore{orders: make(map[string]schema.PersistedOrder)}
}

// CreateOrder inserts order. Duplicate ids are rejected.
func (s *OrderStore) CreateOrder(_ context.Context, order schema.PersistedOrder) error {
	if err := orderstore.Validate(order); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[order.ID]; ok {
		return errs.New("orderstore", errs.CodeConflict, errs.WithMessage("order "+order.ID+" already exists"))
	}
	if order.UpdatedAt.IsZero() {
		order.UpdatedAt = order.CreatedAt
	}
	s.orders[order.ID] = clone(order)
	return nil
}

// GetOrder returns a copy of the stored order.
func (s *OrderStore) GetOrder(_ context.Context, id string) (schema.PersistedOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	order, ok := s.orders[strings.TrimSpace(id)]
	if !ok {
		return schema.PersistedOrder{}, orderstore.NotFound(id)
	}
	return clone(order), nil
}

// ListOrders filters by user and status, newest first.
func (s *OrderStore) ListOrders(_ context.Context, query orderstore.OrderQuery) ([]schema.PersistedOrder, error) {
	user := strings.TrimSpace(query.UserID)
	statuses := make(map[string]struct{})
	for _, status := range orderstore.NormalizedStatuses(query.Statuses) {
		statuses[status] = struct{}{}
	}

	s.mu.RLock()
	out := make([]schema.PersistedOrder, 0, len(s.orders))
	for _, order := range s.orders {
		if user != "" && order.UserID != user {
			continue
		}
		if len(statuses) > 0 {
			if _, ok := statuses[string(order.Status)]; !ok {
				continue
			}
		}
		out = append(out, clone(order))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit := orderstore.ClampLimit(query.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ApplyChanges writes the changed fields onto the stored order.
func (s *OrderStore) ApplyChanges(_ context.Context, id string, changes schema.OrderChanges) error {
	if changes.Empty() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.TrimSpace(id)
	order, ok := s.orders[key]
	if !ok {
		return orderstore.NotFound(id)
	}
	changes.Apply(&order)
	s.orders[key] = order
	return nil
}

func clone(order schema.PersistedOrder) schema.PersistedOrder {
	out := order
	if order.ExecutedQuantity != nil {
		qty := *order.ExecutedQuantity
		out.ExecutedQuantity = &qty
	}
	if order.ExecutedPrice != nil {
		price := *order.ExecutedPrice
		out.ExecutedPrice = &price
	}
	if order.LastSyncedAt != nil {
		synced := *order.LastSyncedAt
		out.LastSyncedAt = &synced
	}
	if order.RawResponse != nil {
		out.RawResponse = append(json.RawMessage(nil), order.RawResponse...)
	}
	return out
}
