package fills

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/nftbook/internal/domain"
)

// Corrector applies out-of-band backfill corrections to stored fills.
type Corrector struct {
	fills  domain.FillStore
	queue  domain.TaskQueue
	audit  domain.AuditStore
	logger *slog.Logger
}

// NewCorrector creates a Corrector. audit may be nil.
func NewCorrector(fills domain.FillStore, queue domain.TaskQueue, audit domain.AuditStore, logger *slog.Logger) *Corrector {
	return &Corrector{
		fills:  fills,
		queue:  queue,
		audit:  audit,
		logger: logger.With(slog.String("component", "fill-corrector")),
	}
}

// MarkDeleted soft-deletes fills and recomputes the aggregates of every
// token they touched.
func (c *Corrector) MarkDeleted(ctx context.Context, keys []domain.FillKey) (int, error) {
	changed, err := c.fills.MarkDeleted(ctx, keys)
	if err != nil {
		return 0, fmt.Errorf("fills: mark deleted: %w", err)
	}

	now := time.Now()
	seen := make(map[domain.TokenRef]bool)
	for _, f := range changed {
		c.record(ctx, f)
		ref := domain.TokenRef{Contract: f.Contract, TokenID: f.TokenID}
		if seen[ref] {
			continue
		}
		seen[ref] = true
		task := domain.TokenAggregateTask(ref)
		task.CreatedAt = now
		if err := c.queue.Enqueue(ctx, task); err != nil {
			return len(changed), fmt.Errorf("fills: enqueue recompute %s: %w", task.ID, err)
		}
	}
	c.logger.InfoContext(ctx, "fills marked deleted",
		slog.Int("requested", len(keys)),
		slog.Int("changed", len(changed)),
	)
	return len(changed), nil
}

func (c *Corrector) record(ctx context.Context, f domain.FillEvent) {
	if c.audit == nil {
		return
	}
	err := c.audit.Record(ctx, domain.AuditEntry{
		Kind:    domain.AuditFillCorrection,
		Subject: f.Key().String(),
		Detail: map[string]any{
			"order_id": f.OrderID,
			"contract": f.Contract,
			"token_id": f.TokenID,
		},
	})
	if err != nil {
		c.logger.WarnContext(ctx, "audit fill correction failed", slog.String("error", err.Error()))
	}
}
