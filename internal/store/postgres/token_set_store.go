package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/nftbook/internal/domain"
)

// TokenSetStore implements domain.TokenSetStore using PostgreSQL.
type TokenSetStore struct {
	pool *pgxpool.Pool
}

var _ domain.TokenSetStore = (*TokenSetStore)(nil)

// NewTokenSetStore creates a new TokenSetStore.
func NewTokenSetStore(pool *pgxpool.Pool) *TokenSetStore {
	return &TokenSetStore{pool: pool}
}

// GetByID loads a token set together with its explicit members.
func (s *TokenSetStore) GetByID(ctx context.Context, id string) (domain.TokenSet, error) {
	var (
		ts               domain.TokenSet
		kind             string
		start, end, root *string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, kind, contract, start_id::text, end_id::text, merkle_root
		 FROM token_sets WHERE id = $1`, id,
	).Scan(&ts.ID, &kind, &ts.Contract, &start, &end, &root)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.TokenSet{}, domain.ErrNotFound
		}
		return domain.TokenSet{}, fmt.Errorf("postgres: get token set %s: %w", id, err)
	}
	ts.Kind = domain.TokenSetKind(kind)
	ts.StartID = derefStr(start)
	ts.EndID = derefStr(end)
	ts.MerkleRoot = derefStr(root)

	rows, err := s.pool.Query(ctx,
		`SELECT contract, token_id::text FROM token_set_tokens
		 WHERE token_set_id = $1 ORDER BY token_id`, id)
	if err != nil {
		return domain.TokenSet{}, fmt.Errorf("postgres: list token set %s members: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var t domain.TokenRef
		if err := rows.Scan(&t.Contract, &t.TokenID); err != nil {
			return domain.TokenSet{}, fmt.Errorf("postgres: scan token set member: %w", err)
		}
		ts.Tokens = append(ts.Tokens, t)
	}
	return ts, rows.Err()
}

// Save writes a token set and its members. Existing sets are left as-is:
// ids are content-addressed so an existing row already has this content.
func (s *TokenSetStore) Save(ctx context.Context, set domain.TokenSet) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin token set %s: %w", set.ID, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`INSERT INTO token_sets (id, kind, contract, start_id, end_id, merkle_root)
		 VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6)
		 ON CONFLICT (id) DO NOTHING`,
		set.ID, string(set.Kind), lower(set.Contract),
		numStrArg(set.StartID), numStrArg(set.EndID), nullStr(set.MerkleRoot))
	if err != nil {
		return fmt.Errorf("postgres: insert token set %s: %w", set.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}

	if len(set.Tokens) > 0 {
		batch := &pgx.Batch{}
		for _, t := range set.Tokens {
			batch.Queue(
				`INSERT INTO token_set_tokens (token_set_id, contract, token_id)
				 VALUES ($1, $2, $3::numeric) ON CONFLICT DO NOTHING`,
				set.ID, lower(t.Contract), t.TokenID)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("postgres: insert token set %s members: %w", set.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit token set %s: %w", set.ID, err)
	}
	return nil
}
