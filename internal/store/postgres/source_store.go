package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/nftbook/internal/domain"
)

// SourceStore implements domain.SourceStore using PostgreSQL.
type SourceStore struct {
	pool *pgxpool.Pool
}

var _ domain.SourceStore = (*SourceStore)(nil)

// NewSourceStore creates a new SourceStore.
func NewSourceStore(pool *pgxpool.Pool) *SourceStore {
	return &SourceStore{pool: pool}
}

func (s *SourceStore) getOne(ctx context.Context, where string, arg any) (domain.Source, error) {
	var (
		src     domain.Source
		address *string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, domain, name, address FROM sources WHERE `+where+` LIMIT 1`, arg,
	).Scan(&src.ID, &src.Domain, &src.Name, &address)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Source{}, domain.ErrNotFound
		}
		return domain.Source{}, fmt.Errorf("postgres: get source %v: %w", arg, err)
	}
	src.Address = derefStr(address)
	return src, nil
}

// GetByID returns a source by numeric id.
func (s *SourceStore) GetByID(ctx context.Context, id int) (domain.Source, error) {
	return s.getOne(ctx, "id = $1", id)
}

// GetByDomain returns a source by its domain.
func (s *SourceStore) GetByDomain(ctx context.Context, d string) (domain.Source, error) {
	return s.getOne(ctx, "domain = $1", lower(d))
}

// GetByAddress returns the source registered for a router address.
func (s *SourceStore) GetByAddress(ctx context.Context, address string) (domain.Source, error) {
	return s.getOne(ctx, "address = $1", lower(address))
}

// Create inserts a source, returning the existing row on domain conflict.
func (s *SourceStore) Create(ctx context.Context, src domain.Source) (domain.Source, error) {
	var address *string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO sources (domain, name, address) VALUES ($1, $2, $3)
		 ON CONFLICT (domain) DO UPDATE SET
			address = COALESCE(sources.address, EXCLUDED.address)
		 RETURNING id, domain, name, address`,
		lower(src.Domain), src.Name, nullStr(lower(src.Address)),
	).Scan(&src.ID, &src.Domain, &src.Name, &address)
	if err != nil {
		return domain.Source{}, fmt.Errorf("postgres: create source %s: %w", src.Domain, err)
	}
	src.Address = derefStr(address)
	return src, nil
}
