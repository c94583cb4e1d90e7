package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/nftbook/internal/domain"
)

// FillStore implements domain.FillStore using PostgreSQL.
type FillStore struct {
	pool *pgxpool.Pool
}

var _ domain.FillStore = (*FillStore)(nil)

// NewFillStore creates a new FillStore backed by the given connection pool.
func NewFillStore(pool *pgxpool.Pool) *FillStore {
	return &FillStore{pool: pool}
}

const fillSelectCols = `tx_hash, log_index, batch_index, address, block, block_hash, tx_index,
	timestamp, COALESCE(order_id, ''), order_kind, order_side,
	COALESCE(order_source_id, 0), COALESCE(aggregator_source_id, 0), COALESCE(fill_source_id, 0),
	maker, taker, contract, token_id::text, amount::text, currency,
	currency_price::text, price::text, usd_price::text, is_deleted`

func scanFill(row scanner) (domain.FillEvent, error) {
	var (
		f                         domain.FillEvent
		kind, side, amount        string
		currencyPrice, price, usd *string
	)
	err := row.Scan(
		&f.Base.TxHash, &f.Base.LogIndex, &f.Base.BatchIndex, &f.Base.Address,
		&f.Base.Block, &f.Base.BlockHash, &f.Base.TxIndex, &f.Base.Timestamp,
		&f.OrderID, &kind, &side,
		&f.OrderSourceID, &f.AggregatorSourceID, &f.FillSourceID,
		&f.Maker, &f.Taker, &f.Contract, &f.TokenID, &amount, &f.Currency,
		&currencyPrice, &price, &usd, &f.IsDeleted,
	)
	if err != nil {
		return domain.FillEvent{}, err
	}
	f.OrderKind = domain.OrderKind(kind)
	f.OrderSide = domain.OrderSide(side)
	f.Amount = parseNum(&amount)
	f.CurrencyPrice = parseNum(currencyPrice)
	f.Price = parseNum(price)
	f.USDPrice = parseNum(usd)
	return f, nil
}

func nullInt(v int) any {
	if v == 0 {
		return nil
	}
	return v
}

// InsertBatch inserts fills and consumes their amounts from the matching
// orders inside one transaction. Rows whose (tx_hash, log_index,
// batch_index) already exist are skipped and leave their order untouched.
func (s *FillStore) InsertBatch(ctx context.Context, fills []domain.FillEvent) ([]domain.FillEvent, error) {
	if len(fills) == 0 {
		return nil, nil
	}

	const query = `
		INSERT INTO fill_events (
			tx_hash, log_index, batch_index, address, block, block_hash, tx_index, timestamp,
			order_id, order_kind, order_side, order_source_id, aggregator_source_id, fill_source_id,
			maker, taker, contract, token_id, amount, currency,
			currency_price, price, usd_price
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8,
			$9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18::numeric, $19::numeric, $20,
			$21::numeric, $22::numeric, $23::numeric
		) ON CONFLICT (tx_hash, log_index, batch_index) DO NOTHING`

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin fill batch: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for _, f := range fills {
		b := f.Base
		batch.Queue(query,
			lower(b.TxHash), b.LogIndex, b.BatchIndex, lower(b.Address), b.Block, lower(b.BlockHash), b.TxIndex, b.Timestamp,
			nullStr(f.OrderID), string(f.OrderKind), string(f.OrderSide),
			nullInt(f.OrderSourceID), nullInt(f.AggregatorSourceID), nullInt(f.FillSourceID),
			lower(f.Maker), lower(f.Taker), lower(f.Contract), f.TokenID, numArg(f.Amount), lower(f.Currency),
			numArg(f.CurrencyPrice), numArg(f.Price), numArg(f.USDPrice),
		)
	}

	br := tx.SendBatch(ctx, batch)
	inserted := make([]domain.FillEvent, 0, len(fills))
	for i, f := range fills {
		tag, err := br.Exec()
		if err != nil {
			br.Close()
			return nil, fmt.Errorf("postgres: insert fill batch item %d: %w", i, err)
		}
		if tag.RowsAffected() == 1 {
			inserted = append(inserted, f)
		}
	}
	if err := br.Close(); err != nil {
		return nil, fmt.Errorf("postgres: close fill batch: %w", err)
	}

	for _, f := range inserted {
		if f.OrderID == "" || f.Amount == nil {
			continue
		}
		if err := consumeFill(ctx, tx, f); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("postgres: commit fill batch: %w", err)
	}
	return inserted, nil
}

// consumeFill subtracts a fill's amount from its order and marks the order
// filled once nothing remains. Unknown orders are ignored.
func consumeFill(ctx context.Context, tx pgx.Tx, f domain.FillEvent) error {
	_, err := tx.Exec(ctx, `
		UPDATE orders AS o SET
			quantity_remaining = GREATEST(o.quantity_remaining - $2::numeric, 0),
			quantity_filled = o.quantity_filled + $2::numeric,
			fillability_status = CASE
				WHEN o.quantity_remaining - $2::numeric <= 0 AND o.fillability_status = ANY($3)
				THEN 'filled' ELSE o.fillability_status END,
			updated_at = NOW()
		WHERE o.id = $1`,
		f.OrderID, numArg(f.Amount), allowedFrom(domain.FillabilityFilled, false))
	if err != nil {
		return fmt.Errorf("postgres: consume fill %s/%d on %s: %w", f.Base.TxHash, f.Base.LogIndex, f.OrderID, err)
	}
	return nil
}

// MarkDeleted sets is_deleted on the given fills and returns the rows that
// were not already deleted.
func (s *FillStore) MarkDeleted(ctx context.Context, keys []domain.FillKey) ([]domain.FillEvent, error) {
	var changed []domain.FillEvent
	for _, k := range keys {
		f, err := scanFill(s.pool.QueryRow(ctx,
			`UPDATE fill_events SET is_deleted = TRUE, updated_at = NOW()
			 WHERE tx_hash = $1 AND log_index = $2 AND batch_index = $3 AND NOT is_deleted
			 RETURNING `+fillSelectCols,
			lower(k.TxHash), k.LogIndex, k.BatchIndex))
		if err != nil {
			if err == pgx.ErrNoRows {
				continue
			}
			return changed, fmt.Errorf("postgres: mark fill deleted %s/%d: %w", k.TxHash, k.LogIndex, err)
		}
		changed = append(changed, f)
	}
	return changed, nil
}

// ListBetween returns live fills with from <= timestamp < to, oldest first.
func (s *FillStore) ListBetween(ctx context.Context, from, to time.Time) ([]domain.FillEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+fillSelectCols+` FROM fill_events
		 WHERE timestamp >= $1 AND timestamp < $2 AND NOT is_deleted
		 ORDER BY timestamp, tx_hash, log_index, batch_index`,
		from.Unix(), to.Unix())
	if err != nil {
		return nil, fmt.Errorf("postgres: list fills: %w", err)
	}
	defer rows.Close()

	var fills []domain.FillEvent
	for rows.Next() {
		f, err := scanFill(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan fill: %w", err)
		}
		fills = append(fills, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list fills rows: %w", err)
	}
	return fills, nil
}
