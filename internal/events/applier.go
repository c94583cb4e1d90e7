package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/nftbook/internal/domain"
)

// Applier persists an Accumulator: nft transfers, fills, cancellations,
// nonce bumps, then job enqueues.
type Applier struct {
	orders   domain.OrderStore
	fills    domain.FillStore
	balances domain.BalanceStore
	queue    domain.TaskQueue
	now      func() time.Time
	logger   *slog.Logger
}

// NewApplier creates an Applier.
func NewApplier(orders domain.OrderStore, fills domain.FillStore, balances domain.BalanceStore, queue domain.TaskQueue, logger *slog.Logger) *Applier {
	return &Applier{
		orders:   orders,
		fills:    fills,
		balances: balances,
		queue:    queue,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "applier")),
	}
}

// Apply persists acc. Store failures abort so the batch can be retried;
// every write is keyed so a retry converges.
func (a *Applier) Apply(ctx context.Context, acc *Accumulator) error {
	if acc.Empty() {
		return nil
	}

	if len(acc.NFTTransfers) > 0 {
		if err := a.balances.ApplyTransfers(ctx, acc.NFTTransfers); err != nil {
			return fmt.Errorf("events: apply transfers: %w", err)
		}
	}

	var updates []domain.OrderUpdate

	if len(acc.Fills) > 0 {
		// The store consumes order quantity in the same transaction as the
		// insert. Sale triggers go out for every fill, not just new ones, so
		// a retried batch still reaches the order-update jobs.
		if _, err := a.fills.InsertBatch(ctx, acc.Fills); err != nil {
			return fmt.Errorf("events: insert fills: %w", err)
		}
		for _, f := range acc.Fills {
			if f.OrderID == "" {
				continue
			}
			updates = append(updates, domain.OrderUpdate{
				OrderID:   f.OrderID,
				Trigger:   domain.TriggerSale,
				TxHash:    f.Base.TxHash,
				Timestamp: f.Base.Timestamp,
			})
		}
	}

	for _, c := range acc.Cancels {
		changed, err := a.orders.UpdateFillability(ctx, c.OrderID, domain.FillabilityCancelled, false)
		if err != nil {
			return fmt.Errorf("events: cancel %s: %w", c.OrderID, err)
		}
		if changed {
			updates = append(updates, cancelUpdate(c.OrderID, c.Base))
		}
	}

	for _, c := range acc.BulkCancels {
		ids, err := a.orders.CancelBelowNonce(ctx, c.OrderKind, c.Maker, c.MinNonce, c.Side)
		if err != nil {
			return fmt.Errorf("events: bulk cancel %s: %w", c.Maker, err)
		}
		for _, id := range ids {
			updates = append(updates, cancelUpdate(id, c.Base))
		}
	}

	for _, c := range acc.NonceCancels {
		ids, err := a.orders.CancelByNonce(ctx, c.OrderKind, c.Maker, c.Field, c.Nonce)
		if err != nil {
			return fmt.Errorf("events: nonce cancel %s: %w", c.Maker, err)
		}
		for _, id := range ids {
			updates = append(updates, cancelUpdate(id, c.Base))
		}
	}

	updates = append(updates, acc.OrderInfos...)
	now := a.now()
	for _, u := range updates {
		a.enqueue(ctx, domain.OrderUpdateTask(u), now)
	}
	for _, u := range acc.MakerInfos {
		a.enqueue(ctx, domain.MakerUpdateTask(u), now)
	}
	for _, t := range acc.RecomputeTokens {
		a.enqueue(ctx, domain.TokenAggregateTask(t), now)
	}
	return nil
}

func (a *Applier) enqueue(ctx context.Context, task domain.JobTask, now time.Time) {
	task.CreatedAt = now
	if err := a.queue.Enqueue(ctx, task); err != nil {
		a.logger.ErrorContext(ctx, "enqueue trigger failed",
			slog.String("queue", task.Queue),
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()),
		)
	}
}

func cancelUpdate(orderID string, base domain.BaseEventParams) domain.OrderUpdate {
	return domain.OrderUpdate{
		OrderID:   orderID,
		Trigger:   domain.TriggerCancel,
		TxHash:    base.TxHash,
		Timestamp: base.Timestamp,
	}
}
