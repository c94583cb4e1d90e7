package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/nftbook/internal/domain"
	"github.com/alanyoungcy/nftbook/internal/orders"
	"github.com/alanyoungcy/nftbook/internal/tokensets"
)

// KindReader reports the token standard of a contract.
type KindReader interface {
	ContractKind(ctx context.Context, contract common.Address) (domain.ContractKind, error)
}

// OrderWorker handles the order-updates queues and the expiry sweep.
type OrderWorker struct {
	orders      domain.OrderStore
	tokenSets   domain.TokenSetStore
	aggregates  domain.AggregateStore
	collections domain.CollectionStore
	queue       domain.TaskQueue
	checker     *orders.Checker
	kinds       KindReader
	sweepLimit  int
	now         func() time.Time
	logger      *slog.Logger
}

// OrderWorkerDeps are the collaborators of an OrderWorker.
type OrderWorkerDeps struct {
	Orders      domain.OrderStore
	TokenSets   domain.TokenSetStore
	Aggregates  domain.AggregateStore
	Collections domain.CollectionStore
	Queue       domain.TaskQueue
	Checker     *orders.Checker
	Kinds       KindReader
	SweepLimit  int
	Logger      *slog.Logger
}

// NewOrderWorker creates an OrderWorker.
func NewOrderWorker(d OrderWorkerDeps) *OrderWorker {
	if d.SweepLimit <= 0 {
		d.SweepLimit = 500
	}
	return &OrderWorker{
		orders:      d.Orders,
		tokenSets:   d.TokenSets,
		aggregates:  d.Aggregates,
		collections: d.Collections,
		queue:       d.Queue,
		checker:     d.Checker,
		kinds:       d.Kinds,
		sweepLimit:  d.SweepLimit,
		now:         time.Now,
		logger:      d.Logger.With(slog.String("component", "order-worker")),
	}
}

// ByID handles order-updates-by-id: it settles the trigger on the order
// and schedules a recompute of every token the order can affect.
func (w *OrderWorker) ByID(ctx context.Context, task domain.JobTask) Outcome {
	var u domain.OrderUpdate
	if err := json.Unmarshal(task.Payload, &u); err != nil {
		return Invalid("payload", err.Error())
	}

	o, err := w.orders.GetByID(ctx, u.OrderID)
	if errors.Is(err, domain.ErrNotFound) {
		return Success()
	}
	if err != nil {
		return Failed(err)
	}

	if u.Trigger == domain.TriggerExpiry && o.Expired(w.now()) {
		if _, err := w.orders.UpdateFillability(ctx, o.ID, domain.FillabilityExpired, false); err != nil {
			return Failed(err)
		}
	}

	refs, err := w.affectedTokens(ctx, o)
	if err != nil {
		return Failed(err)
	}
	for _, ref := range refs {
		if err := w.enqueue(ctx, domain.TokenAggregateTask(ref)); err != nil {
			return Failed(err)
		}
	}
	return Success()
}

// affectedTokens lists the tokens whose aggregates may change with o.
// Sets wider than one token fan out to the tokens already tracked.
func (w *OrderWorker) affectedTokens(ctx context.Context, o domain.CanonicalOrder) ([]domain.TokenRef, error) {
	if contract, tokenID, ok := tokensets.TokenOf(o.TokenSetID); ok {
		return []domain.TokenRef{{Contract: contract, TokenID: tokenID}}, nil
	}
	set, err := w.tokenSets.GetByID(ctx, o.TokenSetID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("jobs: token set %s: %w", o.TokenSetID, err)
	}
	if set.Kind == domain.TokenSetList && len(set.Tokens) > 0 {
		return set.Tokens, nil
	}

	tracked, err := w.aggregates.ListTokens(ctx, set.Contract)
	if err != nil {
		return nil, fmt.Errorf("jobs: tokens of %s: %w", set.Contract, err)
	}
	var refs []domain.TokenRef
	for _, t := range tracked {
		if set.Kind == domain.TokenSetRange && !inRange(t.TokenID, set.StartID, set.EndID) {
			continue
		}
		refs = append(refs, domain.TokenRef{Contract: t.Contract, TokenID: t.TokenID})
	}
	return refs, nil
}

func inRange(id, start, end string) bool {
	v, ok1 := new(big.Int).SetString(id, 10)
	lo, ok2 := new(big.Int).SetString(start, 10)
	hi, ok3 := new(big.Int).SetString(end, 10)
	return ok1 && ok2 && ok3 && v.Cmp(lo) >= 0 && v.Cmp(hi) <= 0
}

// ByMaker handles order-updates-by-maker: every live order of the maker
// that depends on the changed contract is revalidated against the chain.
// Revalidation may restore an order to fillable.
func (w *OrderWorker) ByMaker(ctx context.Context, task domain.JobTask) Outcome {
	var u domain.MakerUpdate
	if err := json.Unmarshal(task.Payload, &u); err != nil {
		return Invalid("payload", err.Error())
	}

	side := domain.OrderSideBuy
	if u.Kind == domain.MakerSellBalance || u.Kind == domain.MakerSellApproval {
		side = domain.OrderSideSell
	}
	live, err := w.orders.ListByMaker(ctx, u.Maker, u.Contract, side)
	if err != nil {
		return Failed(err)
	}

	var kind domain.ContractKind
	if side == domain.OrderSideSell && len(live) > 0 {
		if kind, err = w.contractKind(ctx, u.Contract); err != nil {
			return Failed(err)
		}
	}

	var errs []error
	for _, o := range live {
		var tokenID *big.Int
		if side == domain.OrderSideSell {
			_, id, ok := tokensets.TokenOf(o.TokenSetID)
			if !ok {
				continue
			}
			if u.TokenID != "" && id != u.TokenID {
				continue
			}
			tokenID, _ = new(big.Int).SetString(id, 10)
		}

		fillability, approval, err := w.checker.Check(ctx, orders.InputFor(o, kind, tokenID))
		if err != nil {
			errs = append(errs, fmt.Errorf("order %s: %w", o.ID, err))
			continue
		}
		moved, err := w.orders.UpdateLiveFillability(ctx, o.ID, fillability)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		approved, err := w.orders.UpdateApproval(ctx, o.ID, approval)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !moved && !approved {
			continue
		}
		update := domain.OrderUpdate{
			OrderID:   o.ID,
			Trigger:   domain.TriggerRevalidation,
			TxHash:    u.TxHash,
			Timestamp: u.Timestamp,
		}
		if err := w.enqueue(ctx, domain.OrderUpdateTask(update)); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return Failed(errors.Join(errs...))
	}
	return Success()
}

func (w *OrderWorker) contractKind(ctx context.Context, contract string) (domain.ContractKind, error) {
	kind, err := w.collections.GetKind(ctx, contract)
	if err == nil && kind != "" {
		return kind, nil
	}
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return "", err
	}
	kind, err = w.kinds.ContractKind(ctx, common.HexToAddress(contract))
	if err != nil {
		return "", fmt.Errorf("jobs: contract kind %s: %w", contract, err)
	}
	if err := w.collections.SetKind(ctx, contract, kind); err != nil {
		w.logger.WarnContext(ctx, "store contract kind failed",
			slog.String("contract", contract),
			slog.String("error", err.Error()),
		)
	}
	return kind, nil
}

// SweepExpired handles the order-expiry queue: live orders past their
// validity window are marked expired.
func (w *OrderWorker) SweepExpired(ctx context.Context, _ domain.JobTask) Outcome {
	now := w.now()
	ids, err := w.orders.ListExpired(ctx, now, w.sweepLimit)
	if err != nil {
		return Failed(err)
	}
	var expired int
	for _, id := range ids {
		moved, err := w.orders.UpdateFillability(ctx, id, domain.FillabilityExpired, false)
		if err != nil {
			return Failed(err)
		}
		if !moved {
			continue
		}
		expired++
		if err := w.enqueue(ctx, domain.OrderUpdateTask(domain.OrderUpdate{
			OrderID:   id,
			Trigger:   domain.TriggerExpiry,
			Timestamp: now.Unix(),
		})); err != nil {
			return Failed(err)
		}
	}
	if expired > 0 {
		w.logger.InfoContext(ctx, "orders expired", slog.Int("count", expired))
	}
	return Success()
}

func (w *OrderWorker) enqueue(ctx context.Context, task domain.JobTask) error {
	task.CreatedAt = w.now()
	task.DelayUntil = task.CreatedAt
	return w.queue.Enqueue(ctx, task)
}
