package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/nftbook/internal/domain"
)

// CollectionStore implements domain.CollectionStore using PostgreSQL.
type CollectionStore struct {
	pool *pgxpool.Pool
}

var _ domain.CollectionStore = (*CollectionStore)(nil)

// NewCollectionStore creates a new CollectionStore.
func NewCollectionStore(pool *pgxpool.Pool) *CollectionStore {
	return &CollectionStore{pool: pool}
}

// GetKind returns the recorded token standard of a contract.
func (s *CollectionStore) GetKind(ctx context.Context, contract string) (domain.ContractKind, error) {
	var kind *string
	err := s.pool.QueryRow(ctx, `SELECT kind FROM collections WHERE id = $1`, lower(contract)).Scan(&kind)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", domain.ErrNotFound
		}
		return "", fmt.Errorf("postgres: get kind %s: %w", contract, err)
	}
	if kind == nil {
		return "", domain.ErrNotFound
	}
	return domain.ContractKind(*kind), nil
}

// SetKind records the token standard of a contract.
func (s *CollectionStore) SetKind(ctx context.Context, contract string, kind domain.ContractKind) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO collections (id, kind) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET kind = EXCLUDED.kind, updated_at = NOW()`,
		lower(contract), string(kind))
	if err != nil {
		return fmt.Errorf("postgres: set kind %s: %w", contract, err)
	}
	return nil
}

// GetRoyalties returns the royalty recipients recorded for a contract.
func (s *CollectionStore) GetRoyalties(ctx context.Context, contract string) ([]domain.FeeBreakdown, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT royalties FROM collections WHERE id = $1`, lower(contract)).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: get royalties %s: %w", contract, err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var fees []domain.FeeBreakdown
	if err := json.Unmarshal(raw, &fees); err != nil {
		return nil, fmt.Errorf("postgres: decode royalties %s: %w", contract, err)
	}
	return fees, nil
}

// SetRoyalties replaces the royalty recipients of a contract.
func (s *CollectionStore) SetRoyalties(ctx context.Context, contract string, royalties []domain.FeeBreakdown) error {
	raw, err := json.Marshal(royalties)
	if err != nil {
		return fmt.Errorf("postgres: encode royalties %s: %w", contract, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO collections (id, royalties) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET royalties = EXCLUDED.royalties, updated_at = NOW()`,
		lower(contract), raw)
	if err != nil {
		return fmt.Errorf("postgres: set royalties %s: %w", contract, err)
	}
	return nil
}
