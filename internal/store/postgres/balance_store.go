package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/nftbook/internal/domain"
)

const zeroAddress = "0x0000000000000000000000000000000000000000"

// BalanceStore implements domain.BalanceStore using PostgreSQL.
type BalanceStore struct {
	pool *pgxpool.Pool
}

var _ domain.BalanceStore = (*BalanceStore)(nil)

// NewBalanceStore creates a new BalanceStore.
func NewBalanceStore(pool *pgxpool.Pool) *BalanceStore {
	return &BalanceStore{pool: pool}
}

// ApplyTransfers records transfer events and moves balances from sender to
// receiver for the events not seen before. Mints and burns skip the
// zero-address side.
func (s *BalanceStore) ApplyTransfers(ctx context.Context, transfers []domain.NFTTransfer) error {
	if len(transfers) == 0 {
		return nil
	}

	const insertEvent = `
		INSERT INTO nft_transfer_events (
			tx_hash, log_index, batch_index, contract, token_id, "from", "to", amount, block, timestamp
		) VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8::numeric, $9, $10)
		ON CONFLICT DO NOTHING`
	const upsert = `
		INSERT INTO nft_balances (contract, token_id, owner, amount)
		VALUES ($1, $2::numeric, $3, $4::numeric)
		ON CONFLICT (contract, token_id, owner) DO UPDATE SET
			amount = GREATEST(nft_balances.amount + EXCLUDED.amount, 0),
			updated_at = NOW()`

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin transfers: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	events := &pgx.Batch{}
	for _, t := range transfers {
		b := t.Base
		events.Queue(insertEvent, lower(b.TxHash), b.LogIndex, b.BatchIndex,
			lower(t.Contract), t.TokenID, lower(t.From), lower(t.To), t.Amount, b.Block, b.Timestamp)
	}
	br := tx.SendBatch(ctx, events)
	balances := &pgx.Batch{}
	for i, t := range transfers {
		tag, err := br.Exec()
		if err != nil {
			_ = br.Close()
			return fmt.Errorf("postgres: insert transfer %d: %w", i, err)
		}
		if tag.RowsAffected() == 0 {
			continue
		}
		if from := lower(t.From); from != zeroAddress {
			balances.Queue(upsert, lower(t.Contract), t.TokenID, from, "-"+t.Amount)
		}
		if to := lower(t.To); to != zeroAddress {
			balances.Queue(upsert, lower(t.Contract), t.TokenID, to, t.Amount)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("postgres: close transfer batch: %w", err)
	}

	if balances.Len() > 0 {
		if err := tx.SendBatch(ctx, balances).Close(); err != nil {
			return fmt.Errorf("postgres: apply %d transfers: %w", len(transfers), err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit transfers: %w", err)
	}
	return nil
}

// Owners returns every address holding a positive balance of the token.
func (s *BalanceStore) Owners(ctx context.Context, contract, tokenID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT owner FROM nft_balances
		 WHERE contract = $1 AND token_id = $2::numeric AND amount > 0
		 ORDER BY owner`, lower(contract), tokenID)
	if err != nil {
		return nil, fmt.Errorf("postgres: owners %s:%s: %w", contract, tokenID, err)
	}
	defer rows.Close()
	return collectIDs(rows)
}
