// Package orderstore defines persistence contracts for placed orders.
package orderstore

import (
	"context"
	"strings"

	"github.com/sng-aditya/AvanceAI-sub000/errs"
	"github.com/sng-aditya/AvanceAI-sub000/internal/domain/schema"
)

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// OrderQuery scopes order lookups.
type OrderQuery struct {
	UserID   string               `json:"userId"`
	Statuses []schema.OrderStatus `json:"statuses,omitempty"`
	Limit    int                  `json:"limit,omitempty"`
}

// Store defines the contract for order persistence operations.
type Store interface {
	CreateOrder(ctx context.Context, order schema.PersistedOrder) error
	GetOrder(ctx context.Context, id string) (schema.PersistedOrder, error)
	// ListOrders returns matching orders, newest first.
	ListOrders(ctx context.Context, query OrderQuery) ([]schema.PersistedOrder, error)
	// ApplyChanges writes only the fields set in changes.
	ApplyChanges(ctx context.Context, id string, changes schema.OrderChanges) error
}

// NotFound reports a missing order.
func NotFound(id string) error {
	return errs.New("orderstore", errs.CodeNotFound, errs.WithMessage("order "+strings.TrimSpace(id)+" not found"))
}

// ClampLimit bounds a requested page size.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	default:
		return limit
	}
}

// NormalizedStatuses upper-cases and de-duplicates statuses.
func NormalizedStatuses(statuses []schema.OrderStatus) []string {
	if len(statuses) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(statuses))
	out := make([]string, 0, len(statuses))
	for _, status := range statuses {
		s := string(schema.NormalizeStatus(string(status)))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// Validate checks the fields every store requires on insert.
func Validate(order schema.PersistedOrder) error {
	switch {
	case strings.TrimSpace(order.ID) == "":
		return errs.New("orderstore", errs.CodeInvalid, errs.WithMessage("order id required"))
	case strings.TrimSpace(order.UserID) == "":
		return errs.New("orderstore", errs.CodeInvalid, errs.WithMessage("user id required"))
	case order.Status == "":
		return errs.New("orderstore", errs.CodeInvalid, errs.WithMessage("order status required"))
	}
	return nil
}
