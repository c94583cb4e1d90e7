package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/nftbook/internal/domain"
)

// AggregateStore implements domain.AggregateStore using PostgreSQL. Every
// write is conditioned on the stored value being different, so repeated
// recomputation converges without churn.
type AggregateStore struct {
	pool *pgxpool.Pool
}

var _ domain.AggregateStore = (*AggregateStore)(nil)

// NewAggregateStore creates a new AggregateStore.
func NewAggregateStore(pool *pgxpool.Pool) *AggregateStore {
	return &AggregateStore{pool: pool}
}

const tokenAggCols = `contract, token_id::text,
	COALESCE(floor_ask_order_id, ''), floor_ask_value::text, COALESCE(floor_ask_maker, ''),
	COALESCE(top_bid_order_id, ''), top_bid_value::text, COALESCE(top_bid_maker, '')`

func scanTokenAggregate(row scanner) (domain.TokenAggregate, error) {
	var (
		a              domain.TokenAggregate
		askVal, bidVal *string
	)
	err := row.Scan(&a.Contract, &a.TokenID,
		&a.FloorAsk.OrderID, &askVal, &a.FloorAsk.Maker,
		&a.TopBid.OrderID, &bidVal, &a.TopBid.Maker)
	if err != nil {
		return domain.TokenAggregate{}, err
	}
	a.FloorAsk.Value = parseNum(askVal)
	a.TopBid.Value = parseNum(bidVal)
	return a, nil
}

// GetToken returns the stored aggregate for a token.
func (s *AggregateStore) GetToken(ctx context.Context, contract, tokenID string) (domain.TokenAggregate, error) {
	a, err := scanTokenAggregate(s.pool.QueryRow(ctx,
		`SELECT `+tokenAggCols+` FROM tokens WHERE contract = $1 AND token_id = $2::numeric`,
		lower(contract), tokenID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.TokenAggregate{}, domain.ErrNotFound
		}
		return domain.TokenAggregate{}, fmt.Errorf("postgres: get token %s:%s: %w", contract, tokenID, err)
	}
	return a, nil
}

func (s *AggregateStore) updateToken(ctx context.Context, prefix, contract, tokenID string, v domain.AskBid) (bool, error) {
	query := fmt.Sprintf(`
		INSERT INTO tokens (contract, token_id, %[1]s_order_id, %[1]s_value, %[1]s_maker)
		VALUES ($1, $2::numeric, $3, $4::numeric, $5)
		ON CONFLICT (contract, token_id) DO UPDATE SET
			%[1]s_order_id = EXCLUDED.%[1]s_order_id,
			%[1]s_value = EXCLUDED.%[1]s_value,
			%[1]s_maker = EXCLUDED.%[1]s_maker,
			updated_at = NOW()
		WHERE tokens.%[1]s_order_id IS DISTINCT FROM EXCLUDED.%[1]s_order_id
		   OR tokens.%[1]s_value IS DISTINCT FROM EXCLUDED.%[1]s_value`, prefix)

	tag, err := s.pool.Exec(ctx, query,
		lower(contract), tokenID, nullStr(v.OrderID), numArg(v.Value), nullStr(lower(v.Maker)))
	if err != nil {
		return false, fmt.Errorf("postgres: update token %s %s:%s: %w", prefix, contract, tokenID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// UpdateTokenFloorAsk writes the floor ask when it changed.
func (s *AggregateStore) UpdateTokenFloorAsk(ctx context.Context, contract, tokenID string, ask domain.AskBid) (bool, error) {
	return s.updateToken(ctx, "floor_ask", contract, tokenID, ask)
}

// UpdateTokenTopBid writes the top bid when it changed.
func (s *AggregateStore) UpdateTokenTopBid(ctx context.Context, contract, tokenID string, bid domain.AskBid) (bool, error) {
	return s.updateToken(ctx, "top_bid", contract, tokenID, bid)
}

// ListTokens returns every token aggregate of a contract.
func (s *AggregateStore) ListTokens(ctx context.Context, contract string) ([]domain.TokenAggregate, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tokenAggCols+` FROM tokens WHERE contract = $1 ORDER BY token_id`, lower(contract))
	if err != nil {
		return nil, fmt.Errorf("postgres: list tokens %s: %w", contract, err)
	}
	defer rows.Close()

	var out []domain.TokenAggregate
	for rows.Next() {
		a, err := scanTokenAggregate(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan token aggregate: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetCollection returns the stored aggregate for a collection.
func (s *AggregateStore) GetCollection(ctx context.Context, collectionID string) (domain.CollectionAggregate, error) {
	var (
		a              domain.CollectionAggregate
		askVal, bidVal *string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, COALESCE(floor_ask_order_id, ''), floor_ask_value::text, COALESCE(floor_ask_maker, ''),
		        COALESCE(top_bid_order_id, ''), top_bid_value::text, COALESCE(top_bid_maker, '')
		 FROM collections WHERE id = $1`, lower(collectionID),
	).Scan(&a.CollectionID, &a.FloorAsk.OrderID, &askVal, &a.FloorAsk.Maker,
		&a.TopBid.OrderID, &bidVal, &a.TopBid.Maker)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.CollectionAggregate{}, domain.ErrNotFound
		}
		return domain.CollectionAggregate{}, fmt.Errorf("postgres: get collection %s: %w", collectionID, err)
	}
	a.FloorAsk.Value = parseNum(askVal)
	a.TopBid.Value = parseNum(bidVal)
	return a, nil
}

// UpdateCollection writes both collection aggregates when either changed.
func (s *AggregateStore) UpdateCollection(ctx context.Context, agg domain.CollectionAggregate) (bool, error) {
	const query = `
		INSERT INTO collections (id, floor_ask_order_id, floor_ask_value, floor_ask_maker,
		                         top_bid_order_id, top_bid_value, top_bid_maker)
		VALUES ($1, $2, $3::numeric, $4, $5, $6::numeric, $7)
		ON CONFLICT (id) DO UPDATE SET
			floor_ask_order_id = EXCLUDED.floor_ask_order_id,
			floor_ask_value = EXCLUDED.floor_ask_value,
			floor_ask_maker = EXCLUDED.floor_ask_maker,
			top_bid_order_id = EXCLUDED.top_bid_order_id,
			top_bid_value = EXCLUDED.top_bid_value,
			top_bid_maker = EXCLUDED.top_bid_maker,
			updated_at = NOW()
		WHERE collections.floor_ask_order_id IS DISTINCT FROM EXCLUDED.floor_ask_order_id
		   OR collections.floor_ask_value IS DISTINCT FROM EXCLUDED.floor_ask_value
		   OR collections.top_bid_order_id IS DISTINCT FROM EXCLUDED.top_bid_order_id
		   OR collections.top_bid_value IS DISTINCT FROM EXCLUDED.top_bid_value`

	tag, err := s.pool.Exec(ctx, query, lower(agg.CollectionID),
		nullStr(agg.FloorAsk.OrderID), numArg(agg.FloorAsk.Value), nullStr(lower(agg.FloorAsk.Maker)),
		nullStr(agg.TopBid.OrderID), numArg(agg.TopBid.Value), nullStr(lower(agg.TopBid.Maker)))
	if err != nil {
		return false, fmt.Errorf("postgres: update collection %s: %w", agg.CollectionID, err)
	}
	return tag.RowsAffected() > 0, nil
}
