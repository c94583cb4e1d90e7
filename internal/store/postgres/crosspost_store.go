package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/nftbook/internal/domain"
)

// CrossPostStore implements domain.CrossPostStore using PostgreSQL.
type CrossPostStore struct {
	pool *pgxpool.Pool
}

var _ domain.CrossPostStore = (*CrossPostStore)(nil)

// NewCrossPostStore creates a new CrossPostStore.
func NewCrossPostStore(pool *pgxpool.Pool) *CrossPostStore {
	return &CrossPostStore{pool: pool}
}

// Upsert records the latest status of an order on a destination.
func (s *CrossPostStore) Upsert(ctx context.Context, st domain.CrossPostStatus) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO crosspost_statuses (order_id, destination, status, reason)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (order_id, destination) DO UPDATE SET
			status = EXCLUDED.status, reason = EXCLUDED.reason, updated_at = NOW()`,
		st.OrderID, st.Destination, st.Status, st.Reason)
	if err != nil {
		return fmt.Errorf("postgres: upsert crosspost %s/%s: %w", st.OrderID, st.Destination, err)
	}
	return nil
}

// Get returns the status of an order on a destination.
func (s *CrossPostStore) Get(ctx context.Context, orderID, destination string) (domain.CrossPostStatus, error) {
	var st domain.CrossPostStatus
	err := s.pool.QueryRow(ctx,
		`SELECT order_id, destination, status, reason, created_at, updated_at
		 FROM crosspost_statuses WHERE order_id = $1 AND destination = $2`,
		orderID, destination,
	).Scan(&st.OrderID, &st.Destination, &st.Status, &st.Reason, &st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.CrossPostStatus{}, domain.ErrNotFound
		}
		return domain.CrossPostStatus{}, fmt.Errorf("postgres: get crosspost %s/%s: %w", orderID, destination, err)
	}
	return st, nil
}
