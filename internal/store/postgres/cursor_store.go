package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/nftbook/internal/domain"
)

// CursorStore implements domain.CursorStore using PostgreSQL.
type CursorStore struct {
	pool *pgxpool.Pool
}

var _ domain.CursorStore = (*CursorStore)(nil)

// NewCursorStore creates a new CursorStore.
func NewCursorStore(pool *pgxpool.Pool) *CursorStore {
	return &CursorStore{pool: pool}
}

// Get returns the last processed block for name.
func (s *CursorStore) Get(ctx context.Context, name string) (uint64, error) {
	var block int64
	err := s.pool.QueryRow(ctx, `SELECT block FROM sync_cursors WHERE name = $1`, name).Scan(&block)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, domain.ErrNotFound
		}
		return 0, fmt.Errorf("postgres: get cursor %s: %w", name, err)
	}
	return uint64(block), nil
}

// Set stores the last processed block for name.
func (s *CursorStore) Set(ctx context.Context, name string, block uint64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sync_cursors (name, block) VALUES ($1, $2)
		 ON CONFLICT (name) DO UPDATE SET block = EXCLUDED.block, updated_at = NOW()`,
		name, int64(block))
	if err != nil {
		return fmt.Errorf("postgres: set cursor %s: %w", name, err)
	}
	return nil
}
