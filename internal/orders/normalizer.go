package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/nftbook/internal/codec"
	"github.com/alanyoungcy/nftbook/internal/domain"
	"github.com/alanyoungcy/nftbook/internal/tokensets"
)

// maxFeeBps is the largest total fee an order may carry.
const maxFeeBps = 10000

// TokenSetResolver stores token sets on first use.
type TokenSetResolver interface {
	Resolve(ctx context.Context, set domain.TokenSet) (domain.TokenSet, error)
}

// PriceConverter converts currency amounts to native terms.
type PriceConverter interface {
	IsNative(currency string) bool
	ToNative(ctx context.Context, currency string, amount *big.Int, ts time.Time) (*big.Int, error)
}

// SourceTagger resolves the integrator an order came from.
type SourceTagger interface {
	GetOrCreate(ctx context.Context, domainName, name, address string) (domain.Source, error)
}

// Deps are the collaborators shared by every normalizer.
type Deps struct {
	Orders      domain.OrderStore
	Collections domain.CollectionStore
	TokenSets   TokenSetResolver
	Chain       StateReader
	Prices      PriceConverter
	Sources     SourceTagger
	Queue       domain.TaskQueue
	// Wrapped is the only currency buy orders may use.
	Wrapped common.Address
	Workers int
	Now     func() time.Time
	Logger  *slog.Logger
}

// Normalizer validates and persists orders of one protocol.
type Normalizer[P codec.OrderParams] struct {
	codec   codec.Codec[P]
	deps    Deps
	checker *Checker
	logger  *slog.Logger
}

// NewNormalizer creates a Normalizer for one protocol codec.
func NewNormalizer[P codec.OrderParams](c codec.Codec[P], deps Deps) *Normalizer[P] {
	if deps.Workers <= 0 {
		deps.Workers = 4
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	var zero P
	return &Normalizer[P]{
		codec:   c,
		deps:    deps,
		checker: NewChecker(deps.Chain),
		logger: deps.Logger.With(
			slog.String("component", "normalizer"),
			slog.String("kind", string(zero.Kind())),
		),
	}
}

// rejection carries a terminal status out of a validation step.
type rejection struct {
	status Status
	reason string
}

func (r *rejection) Error() string { return string(r.status) + ": " + r.reason }

func reject(status Status, format string, args ...any) error {
	return &rejection{status: status, reason: fmt.Sprintf(format, args...)}
}

// Save normalizes candidates and returns one result per candidate in the
// same order. A failing candidate never affects the others.
func (n *Normalizer[P]) Save(ctx context.Context, candidates []Candidate[P]) ([]Result, error) {
	results := make([]Result, len(candidates))
	prepared := make([]*domain.CanonicalOrder, len(candidates))
	now := n.deps.Now()

	var (
		mu   sync.Mutex
		seen = make(map[string]bool, len(candidates))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(n.deps.Workers)
	for i := range candidates {
		g.Go(func() error {
			order, id, err := n.prepare(gctx, candidates[i], now, func(id string) bool {
				mu.Lock()
				defer mu.Unlock()
				if seen[id] {
					return true
				}
				seen[id] = true
				return false
			})
			results[i] = n.result(gctx, id, err)
			if err == nil {
				prepared[i] = &order
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return results, fmt.Errorf("orders: save: %w", err)
	}

	var batch []domain.CanonicalOrder
	for _, o := range prepared {
		if o != nil {
			batch = append(batch, *o)
		}
	}
	if len(batch) == 0 {
		return results, nil
	}

	inserted, err := n.deps.Orders.InsertBatch(ctx, batch)
	if err != nil {
		for i, o := range prepared {
			if o != nil {
				results[i] = Result{ID: o.ID, Status: StatusFailed, Reason: err.Error()}
			}
		}
		return results, fmt.Errorf("orders: insert batch: %w", err)
	}
	written := make(map[string]bool, len(inserted))
	for _, id := range inserted {
		written[id] = true
	}

	for i, o := range prepared {
		if o == nil {
			continue
		}
		if !written[o.ID] {
			results[i] = Result{ID: o.ID, Status: StatusAlreadyExists}
			continue
		}
		if !o.Fillable() {
			continue
		}
		task := domain.OrderUpdateTask(domain.OrderUpdate{OrderID: o.ID, Trigger: domain.TriggerNewOrder})
		task.CreatedAt = now
		if err := n.deps.Queue.Enqueue(ctx, task); err != nil {
			n.logger.ErrorContext(ctx, "enqueue new-order trigger failed",
				slog.String("order_id", o.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return results, nil
}

func (n *Normalizer[P]) result(ctx context.Context, id string, err error) Result {
	if err == nil {
		return Result{ID: id, Status: StatusSuccess}
	}
	var rej *rejection
	if errors.As(err, &rej) {
		n.logger.DebugContext(ctx, "order rejected",
			slog.String("order_id", id),
			slog.String("status", string(rej.status)),
			slog.String("reason", rej.reason),
		)
		return Result{ID: id, Status: rej.status, Reason: rej.reason}
	}
	n.logger.WarnContext(ctx, "order normalization failed",
		slog.String("order_id", id),
		slog.String("error", err.Error()),
	)
	return Result{ID: id, Status: StatusFailed, Reason: err.Error()}
}

func (n *Normalizer[P]) prepare(ctx context.Context, cand Candidate[P], now time.Time, seen func(string) bool) (domain.CanonicalOrder, string, error) {
	p := cand.Params
	kind := p.Kind()

	id, err := n.codec.ID(p)
	if err != nil {
		return domain.CanonicalOrder{}, "", reject(StatusInvalid, "id: %v", err)
	}
	if seen(id) {
		return domain.CanonicalOrder{}, id, reject(StatusAlreadyExists, "duplicate in batch")
	}
	exists, err := n.deps.Orders.Exists(ctx, id)
	if err != nil {
		return domain.CanonicalOrder{}, id, err
	}
	if exists {
		return domain.CanonicalOrder{}, id, reject(StatusAlreadyExists, "order %s already stored", id)
	}

	info, err := n.codec.Info(p)
	if err != nil {
		return domain.CanonicalOrder{}, id, reject(StatusInvalid, "%v", err)
	}

	contractKind, err := n.contractKind(ctx, info)
	if err != nil {
		return domain.CanonicalOrder{}, id, reject(StatusNotFillable, "contract kind: %v", err)
	}

	if info.NonceUnique && info.Nonce != nil {
		var price *big.Int
		if info.PriceBound {
			price = info.Price
		}
		dup, err := n.deps.Orders.NonceExists(ctx, kind, lowerHex(info.Maker), lowerHex(info.Contract), info.Nonce, price)
		if err != nil {
			return domain.CanonicalOrder{}, id, err
		}
		if dup {
			return domain.CanonicalOrder{}, id, reject(StatusDuplicatedNonce, "nonce %s already used", info.Nonce)
		}
	}

	if info.ValidTo != 0 && info.ValidTo <= now.Unix() {
		return domain.CanonicalOrder{}, id, reject(StatusExpired, "valid to %d", info.ValidTo)
	}

	if info.Side == domain.OrderSideBuy && info.Currency != n.deps.Wrapped {
		return domain.CanonicalOrder{}, id, reject(StatusUnsupportedPaymentToken, "currency %s", info.Currency.Hex())
	}

	if err := n.codec.VerifySignature(p); err != nil {
		return domain.CanonicalOrder{}, id, reject(StatusInvalidSignature, "%v", err)
	}

	check := FillabilityInput{
		Side:         info.Side,
		ContractKind: contractKind,
		Contract:     info.Contract,
		TokenID:      info.TokenSet.TokenID,
		Amount:       info.Amount,
		Maker:        info.Maker,
		Operator:     info.Operator,
		Currency:     info.Currency,
		Price:        info.Price,
	}
	fillability, approval, err := n.checker.Check(ctx, check)
	if err != nil {
		return domain.CanonicalOrder{}, id, reject(StatusNotFillable, "%v", err)
	}

	set, err := tokensets.FromShape(info.Contract, info.TokenSet)
	if err != nil {
		return domain.CanonicalOrder{}, id, reject(StatusInvalid, "token set: %v", err)
	}
	if set, err = n.deps.TokenSets.Resolve(ctx, set); err != nil {
		return domain.CanonicalOrder{}, id, err
	}

	feeBps, breakdown, err := n.fees(ctx, info)
	if err != nil {
		return domain.CanonicalOrder{}, id, err
	}
	if feeBps > maxFeeBps {
		return domain.CanonicalOrder{}, id, reject(StatusFeesTooHigh, "fee %d bps", feeBps)
	}

	price := new(big.Int).Set(info.Price)
	value := new(big.Int).Set(info.Price)
	if info.Side == domain.OrderSideBuy {
		value.Sub(value, codecFees(info))
	}

	order := domain.CanonicalOrder{
		ID:                id,
		Kind:              kind,
		Side:              info.Side,
		Maker:             lowerHex(info.Maker),
		Taker:             lowerHex(info.Taker),
		Contract:          lowerHex(info.Contract),
		TokenSetID:        set.ID,
		Currency:          lowerHex(info.Currency),
		Price:             price,
		Value:             value,
		FeeBps:            feeBps,
		FeeBreakdown:      breakdown,
		Nonce:             info.Nonce,
		BulkNonce:         info.BulkNonce,
		SubsetNonce:       info.SubsetNonce,
		FillabilityStatus: fillability,
		ApprovalStatus:    approval,
		ValidFrom:         time.Unix(info.ValidFrom, 0).UTC(),
		QuantityRemaining: new(big.Int).Set(info.Amount),
		QuantityFilled:    new(big.Int),
		Conduit:           lowerHex(info.Operator),
	}
	if info.Taker == (common.Address{}) {
		order.Taker = ""
	}
	if info.ValidTo != 0 {
		order.ValidTo = time.Unix(info.ValidTo, 0).UTC()
	}

	if !n.deps.Prices.IsNative(order.Currency) {
		order.CurrencyPrice = price
		order.CurrencyValue = value
		if order.Price, err = n.deps.Prices.ToNative(ctx, order.Currency, price, now); err != nil {
			return domain.CanonicalOrder{}, id, reject(StatusFailedToConvertPrice, "%v", err)
		}
		if order.Value, err = n.deps.Prices.ToNative(ctx, order.Currency, value, now); err != nil {
			return domain.CanonicalOrder{}, id, reject(StatusFailedToConvertPrice, "%v", err)
		}
	}
	order.NormalizedValue = new(big.Int).Quo(order.Value, info.Amount)

	if cand.Source != "" {
		src, err := n.deps.Sources.GetOrCreate(ctx, cand.Source, "", "")
		if err != nil {
			return domain.CanonicalOrder{}, id, err
		}
		order.SourceID = src.ID
	}

	if raw, err := json.Marshal(p); err == nil {
		order.RawData = raw
	}
	return order, id, nil
}

// contractKind returns the stored token standard of the order's contract,
// reading it from the chain and remembering it on first sight. A protocol-reported kind is
// only trusted when the chain cannot answer.
func (n *Normalizer[P]) contractKind(ctx context.Context, info codec.Info) (domain.ContractKind, error) {
	contract := lowerHex(info.Contract)
	kind, err := n.deps.Collections.GetKind(ctx, contract)
	if err == nil && kind != "" {
		return kind, nil
	}
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return "", err
	}

	detected, perr := n.deps.Chain.ContractKind(ctx, info.Contract)
	if perr != nil {
		if info.ContractKind != "" {
			return info.ContractKind, nil
		}
		return "", perr
	}
	if info.ContractKind != "" && info.ContractKind != detected {
		n.logger.InfoContext(ctx, "protocol contract kind overridden by chain",
			slog.String("contract", contract),
			slog.String("reported", string(info.ContractKind)),
			slog.String("detected", string(detected)),
		)
	}
	if err := n.deps.Collections.SetKind(ctx, contract, detected); err != nil {
		n.logger.WarnContext(ctx, "store contract kind failed",
			slog.String("contract", contract),
			slog.String("error", err.Error()),
		)
	}
	return detected, nil
}

// fees returns total fee bps and the per-recipient breakdown. Recipients
// that match the collection's known royalties are reported as royalties.
func (n *Normalizer[P]) fees(ctx context.Context, info codec.Info) (int, []domain.FeeBreakdown, error) {
	if len(info.Fees) == 0 || info.Price.Sign() == 0 {
		return 0, nil, nil
	}
	royalties, err := n.deps.Collections.GetRoyalties(ctx, lowerHex(info.Contract))
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return 0, nil, err
	}
	royaltyRecipients := make(map[string]bool, len(royalties))
	for _, r := range royalties {
		royaltyRecipients[strings.ToLower(r.Recipient)] = true
	}

	total := bps(codecFees(info), info.Price)
	breakdown := make([]domain.FeeBreakdown, 0, len(info.Fees))
	for _, f := range info.Fees {
		recipient := lowerHex(f.Recipient)
		kind := f.Kind
		if royaltyRecipients[recipient] {
			kind = codec.FeeRoyalty
		}
		breakdown = append(breakdown, domain.FeeBreakdown{
			Kind:      string(kind),
			Recipient: recipient,
			Bps:       bps(f.Amount, info.Price),
		})
	}
	return total, breakdown, nil
}

func codecFees(info codec.Info) *big.Int {
	total := new(big.Int)
	for _, f := range info.Fees {
		total.Add(total, f.Amount)
	}
	return total
}

func bps(amount, price *big.Int) int {
	v := new(big.Int).Mul(amount, big.NewInt(10000))
	v.Quo(v, price)
	if !v.IsInt64() || v.Int64() > 1<<31-1 {
		return 1<<31 - 1
	}
	return int(v.Int64())
}

func lowerHex(a common.Address) string {
	return strings.ToLower(a.Hex())
}
