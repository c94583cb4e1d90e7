package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/nftbook/internal/domain"
)

// OrderStore implements domain.OrderStore using PostgreSQL.
type OrderStore struct {
	pool *pgxpool.Pool
}

var _ domain.OrderStore = (*OrderStore)(nil)

// NewOrderStore creates a new OrderStore backed by the given connection pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

const orderSelectCols = `o.id, o.kind, o.side, o.maker, o.taker, o.contract, o.token_set_id, o.currency,
	o.price::text, o.value::text, o.currency_price::text, o.currency_value::text,
	o.normalized_value::text, o.fee_bps, o.fee_breakdown, o.nonce::text,
	o.bulk_nonce::text, o.subset_nonce::text,
	o.fillability_status, o.approval_status, o.valid_from, o.valid_to,
	o.quantity_remaining::text, o.quantity_filled::text, o.source_id, o.conduit,
	o.raw_data, o.created_at, o.updated_at`

func scanOrder(row scanner) (domain.CanonicalOrder, error) {
	var (
		o                                    domain.CanonicalOrder
		kind, side, fillability, approval    string
		price, value                         string
		currencyPrice, currencyValue, normal *string
		nonce, bulkNonce, subsetNonce        *string
		remaining, filled                    *string
		fees, raw                            []byte
		validTo                              *time.Time
		sourceID                             *int
		conduit                              *string
	)
	err := row.Scan(
		&o.ID, &kind, &side, &o.Maker, &o.Taker, &o.Contract, &o.TokenSetID, &o.Currency,
		&price, &value, &currencyPrice, &currencyValue,
		&normal, &o.FeeBps, &fees, &nonce,
		&bulkNonce, &subsetNonce,
		&fillability, &approval, &o.ValidFrom, &validTo,
		&remaining, &filled, &sourceID, &conduit,
		&raw, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return domain.CanonicalOrder{}, err
	}

	o.Kind = domain.OrderKind(kind)
	o.Side = domain.OrderSide(side)
	o.FillabilityStatus = domain.FillabilityStatus(fillability)
	o.ApprovalStatus = domain.ApprovalStatus(approval)
	o.Price = parseNum(&price)
	o.Value = parseNum(&value)
	o.CurrencyPrice = parseNum(currencyPrice)
	o.CurrencyValue = parseNum(currencyValue)
	o.NormalizedValue = parseNum(normal)
	o.Nonce = parseNum(nonce)
	o.BulkNonce = parseNum(bulkNonce)
	o.SubsetNonce = parseNum(subsetNonce)
	o.QuantityRemaining = parseNum(remaining)
	o.QuantityFilled = parseNum(filled)
	o.Conduit = derefStr(conduit)
	o.RawData = raw
	if validTo != nil {
		o.ValidTo = *validTo
	}
	if sourceID != nil {
		o.SourceID = *sourceID
	}
	if len(fees) > 0 {
		if err := json.Unmarshal(fees, &o.FeeBreakdown); err != nil {
			return domain.CanonicalOrder{}, fmt.Errorf("decode fee breakdown: %w", err)
		}
	}
	return o, nil
}

func scanOrderRows(rows pgx.Rows) ([]domain.CanonicalOrder, error) {
	var orders []domain.CanonicalOrder
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// Exists reports whether an order with id is stored.
func (s *OrderStore) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM orders WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: order exists %s: %w", id, err)
	}
	return exists, nil
}

// GetByID retrieves a single order by ID.
func (s *OrderStore) GetByID(ctx context.Context, id string) (domain.CanonicalOrder, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx,
		`SELECT `+orderSelectCols+` FROM orders o WHERE o.id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.CanonicalOrder{}, domain.ErrNotFound
		}
		return domain.CanonicalOrder{}, fmt.Errorf("postgres: get order %s: %w", id, err)
	}
	return o, nil
}

// NonceExists reports whether the maker already has an order of kind on
// contract with the given nonce. A non-nil price narrows the match further.
func (s *OrderStore) NonceExists(ctx context.Context, kind domain.OrderKind, maker, contract string, nonce, price *big.Int) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM orders
		WHERE kind = $1 AND maker = $2 AND contract = $3 AND nonce = $4::numeric`
	args := []any{string(kind), lower(maker), lower(contract), numArg(nonce)}
	if price != nil {
		query += ` AND price = $5::numeric`
		args = append(args, numArg(price))
	}
	query += `)`

	var exists bool
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&exists); err != nil {
		return false, fmt.Errorf("postgres: nonce exists %s/%s: %w", maker, nonce, err)
	}
	return exists, nil
}

// InsertBatch inserts orders in one round trip. Id conflicts are skipped and
// only freshly written ids are returned.
func (s *OrderStore) InsertBatch(ctx context.Context, orders []domain.CanonicalOrder) ([]string, error) {
	if len(orders) == 0 {
		return nil, nil
	}

	const query = `
		INSERT INTO orders (
			id, kind, side, maker, taker, contract, token_set_id, currency,
			price, value, currency_price, currency_value, normalized_value,
			fee_bps, fee_breakdown, nonce, bulk_nonce, subset_nonce,
			fillability_status, approval_status,
			valid_from, valid_to, quantity_remaining, quantity_filled,
			source_id, conduit, raw_data
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8,
			$9::numeric, $10::numeric, $11::numeric, $12::numeric, $13::numeric,
			$14, $15, $16::numeric, $17::numeric, $18::numeric,
			$19, $20,
			$21, $22, $23::numeric, 0,
			$24, $25, $26
		) ON CONFLICT (id) DO NOTHING`

	batch := &pgx.Batch{}
	for _, o := range orders {
		fees, err := json.Marshal(o.FeeBreakdown)
		if err != nil {
			return nil, fmt.Errorf("postgres: encode fees %s: %w", o.ID, err)
		}
		var validTo *time.Time
		if !o.ValidTo.IsZero() {
			v := o.ValidTo
			validTo = &v
		}
		var sourceID *int
		if o.SourceID != 0 {
			v := o.SourceID
			sourceID = &v
		}
		var raw any
		if len(o.RawData) > 0 {
			raw = o.RawData
		}
		quantity := o.QuantityRemaining
		if quantity == nil {
			quantity = big.NewInt(1)
		}
		batch.Queue(query,
			o.ID, string(o.Kind), string(o.Side), lower(o.Maker), lower(o.Taker),
			lower(o.Contract), o.TokenSetID, lower(o.Currency),
			numArg(o.Price), numArg(o.Value), numArg(o.CurrencyPrice), numArg(o.CurrencyValue),
			numArg(o.NormalizedValue), o.FeeBps, fees, numArg(o.Nonce),
			numArg(o.BulkNonce), numArg(o.SubsetNonce),
			string(o.FillabilityStatus), string(o.ApprovalStatus),
			o.ValidFrom, validTo, numArg(quantity),
			sourceID, nullStr(o.Conduit), raw,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	inserted := make([]string, 0, len(orders))
	for i, o := range orders {
		tag, err := br.Exec()
		if err != nil {
			return inserted, fmt.Errorf("postgres: insert order batch item %d: %w", i, err)
		}
		if tag.RowsAffected() == 1 {
			inserted = append(inserted, o.ID)
		}
	}
	return inserted, nil
}

func allowedFrom(target domain.FillabilityStatus, revalidation bool) []string {
	from := domain.AllowedFrom(target, revalidation)
	out := make([]string, len(from))
	for i, s := range from {
		out[i] = string(s)
	}
	return out
}

// UpdateFillability moves an order to status only from a state that may
// legally transition there. It reports whether a row changed.
func (s *OrderStore) UpdateFillability(ctx context.Context, id string, status domain.FillabilityStatus, revalidation bool) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE orders SET fillability_status = $2, updated_at = NOW()
		 WHERE id = $1 AND fillability_status = ANY($3)`,
		id, string(status), allowedFrom(status, revalidation))
	if err != nil {
		return false, fmt.Errorf("postgres: update fillability %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// UpdateLiveFillability moves an order to status only while it is fillable
// or no-balance.
func (s *OrderStore) UpdateLiveFillability(ctx context.Context, id string, status domain.FillabilityStatus) (bool, error) {
	live := make([]string, len(domain.LiveStatuses))
	for i, st := range domain.LiveStatuses {
		live[i] = string(st)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE orders SET fillability_status = $2, updated_at = NOW()
		 WHERE id = $1 AND fillability_status = ANY($3) AND fillability_status <> $2`,
		id, string(status), live)
	if err != nil {
		return false, fmt.Errorf("postgres: update live fillability %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// UpdateApproval sets the approval status when it differs.
func (s *OrderStore) UpdateApproval(ctx context.Context, id string, status domain.ApprovalStatus) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE orders SET approval_status = $2, updated_at = NOW()
		 WHERE id = $1 AND approval_status <> $2`,
		id, string(status))
	if err != nil {
		return false, fmt.Errorf("postgres: update approval %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

func collectIDs(rows pgx.Rows) ([]string, error) {
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CancelByNonce cancels the maker's live orders whose field equals nonce.
func (s *OrderStore) CancelByNonce(ctx context.Context, kind domain.OrderKind, maker string, field domain.NonceField, nonce string) ([]string, error) {
	column := "nonce"
	if field == domain.NonceFieldSubset {
		column = "subset_nonce"
	}
	rows, err := s.pool.Query(ctx,
		`UPDATE orders SET fillability_status = 'cancelled', updated_at = NOW()
		 WHERE kind = $1 AND maker = $2 AND `+column+` = $3::numeric AND fillability_status = ANY($4)
		 RETURNING id`,
		string(kind), lower(maker), nonce, allowedFrom(domain.FillabilityCancelled, false))
	if err != nil {
		return nil, fmt.Errorf("postgres: cancel by nonce %s/%s: %w", maker, nonce, err)
	}
	defer rows.Close()
	return collectIDs(rows)
}

// CancelBelowNonce cancels the maker's live orders whose bulk nonce is
// below minNonce. An empty side applies to both sides.
func (s *OrderStore) CancelBelowNonce(ctx context.Context, kind domain.OrderKind, maker, minNonce string, side domain.OrderSide) ([]string, error) {
	query := `UPDATE orders SET fillability_status = 'cancelled', updated_at = NOW()
		WHERE kind = $1 AND maker = $2 AND bulk_nonce < $3::numeric AND fillability_status = ANY($4)`
	args := []any{string(kind), lower(maker), minNonce, allowedFrom(domain.FillabilityCancelled, false)}
	if side != "" {
		query += ` AND side = $5`
		args = append(args, string(side))
	}
	query += ` RETURNING id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: cancel below nonce %s/%s: %w", maker, minNonce, err)
	}
	defer rows.Close()
	return collectIDs(rows)
}

// ListByMaker returns the maker's live orders that depend on contract: the
// currency for bids and the NFT contract for asks.
func (s *OrderStore) ListByMaker(ctx context.Context, maker, contract string, side domain.OrderSide) ([]domain.CanonicalOrder, error) {
	query := `SELECT ` + orderSelectCols + ` FROM orders o
		WHERE o.maker = $1 AND o.side = $2
		AND o.fillability_status IN ('fillable', 'no-balance')`
	if side == domain.OrderSideBuy {
		query += ` AND o.currency = $3`
	} else {
		query += ` AND o.contract = $3`
	}

	rows, err := s.pool.Query(ctx, query, lower(maker), string(side), lower(contract))
	if err != nil {
		return nil, fmt.Errorf("postgres: list maker orders %s: %w", maker, err)
	}
	defer rows.Close()

	orders, err := scanOrderRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan maker orders: %w", err)
	}
	return orders, nil
}

// ListExpired returns ids of live orders whose validity ended by now.
func (s *OrderStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM orders
		 WHERE valid_to IS NOT NULL AND valid_to <= $1
		 AND fillability_status IN ('fillable', 'no-balance')
		 ORDER BY valid_to LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list expired orders: %w", err)
	}
	defer rows.Close()
	return collectIDs(rows)
}

// tokenMatch restricts o to orders whose token set covers ($1, $2).
const tokenMatch = `
	JOIN token_sets ts ON ts.id = o.token_set_id
	WHERE ts.contract = $1 AND (
		ts.kind = 'contract'
		OR (ts.kind = 'range' AND $2::numeric BETWEEN ts.start_id AND ts.end_id)
		OR EXISTS (
			SELECT 1 FROM token_set_tokens tt
			WHERE tt.token_set_id = ts.id AND tt.contract = $1 AND tt.token_id = $2::numeric
		)
	)
	AND o.fillability_status = 'fillable' AND o.approval_status = 'approved'`

func (s *OrderStore) listFillable(ctx context.Context, side domain.OrderSide, contract, tokenID string) ([]domain.CanonicalOrder, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderSelectCols+` FROM orders o `+tokenMatch+` AND o.side = $3`,
		lower(contract), tokenID, string(side))
	if err != nil {
		return nil, fmt.Errorf("postgres: list fillable %s %s:%s: %w", side, contract, tokenID, err)
	}
	defer rows.Close()

	orders, err := scanOrderRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan fillable orders: %w", err)
	}
	return orders, nil
}

// ListFillableAsks returns fillable and approved sell orders for a token.
func (s *OrderStore) ListFillableAsks(ctx context.Context, contract, tokenID string) ([]domain.CanonicalOrder, error) {
	return s.listFillable(ctx, domain.OrderSideSell, contract, tokenID)
}

// ListFillableBids returns fillable and approved buy orders whose token set
// includes the token.
func (s *OrderStore) ListFillableBids(ctx context.Context, contract, tokenID string) ([]domain.CanonicalOrder, error) {
	return s.listFillable(ctx, domain.OrderSideBuy, contract, tokenID)
}
