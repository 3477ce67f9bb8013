package postgres

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sng-aditya/AvanceAI-sub000/internal/infra/persistence"
)

// Store exposes PostgreSQL-backed repositories.
type Store struct {
	*persistence.Store
	orders *OrderStore
}

// New constructs a PostgreSQL persistence store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{Store: persistence.NewStore(pool), orders: NewOrderStore(pool)}
}

// Orders returns the order repository.
func (s *Store) Orders() *OrderStore {
	return s.orders
}
