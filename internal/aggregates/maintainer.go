package aggregates

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/nftbook/internal/domain"
)

// Orders is the read side of the order book the maintainer needs.
type Orders interface {
	ListFillableAsks(ctx context.Context, contract, tokenID string) ([]domain.CanonicalOrder, error)
	ListFillableBids(ctx context.Context, contract, tokenID string) ([]domain.CanonicalOrder, error)
}

// Config tunes a Maintainer.
type Config struct {
	// Debounce delays collection recomputes so a burst of token changes
	// coalesces into one task.
	Debounce time.Duration
	LockTTL  time.Duration
}

// Maintainer recomputes aggregates. Stored values only change when the
// derived value differs, so concurrent recomputes converge.
type Maintainer struct {
	orders   Orders
	store    domain.AggregateStore
	balances domain.BalanceStore
	queue    domain.TaskQueue
	cache    domain.AggregateCache // optional
	locks    domain.LockManager    // optional
	feed     domain.AggregateFeed  // optional
	cfg      Config
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures optional collaborators.
type Option func(*Maintainer)

// WithCache memoizes fresh aggregates for readers.
func WithCache(c domain.AggregateCache) Option { return func(m *Maintainer) { m.cache = c } }

// WithLocks serializes recomputes of one key across processes.
func WithLocks(l domain.LockManager) Option { return func(m *Maintainer) { m.locks = l } }

// WithFeed announces every changed aggregate.
func WithFeed(f domain.AggregateFeed) Option { return func(m *Maintainer) { m.feed = f } }

// NewMaintainer creates a Maintainer.
func NewMaintainer(orders Orders, store domain.AggregateStore, balances domain.BalanceStore, queue domain.TaskQueue, cfg Config, logger *slog.Logger, opts ...Option) *Maintainer {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	m := &Maintainer{
		orders:   orders,
		store:    store,
		balances: balances,
		queue:    queue,
		cfg:      cfg,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "aggregates")),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Maintainer) lock(ctx context.Context, key string) (func(), error) {
	if m.locks == nil {
		return func() {}, nil
	}
	return m.locks.Acquire(ctx, "aggregate:"+key, m.cfg.LockTTL)
}

// RecomputeToken refreshes the floor ask and top bid of one token and
// schedules its collection when either changed.
func (m *Maintainer) RecomputeToken(ctx context.Context, ref domain.TokenRef) (bool, error) {
	contract := strings.ToLower(ref.Contract)
	unlock, err := m.lock(ctx, contract+":"+ref.TokenID)
	if err != nil {
		return false, fmt.Errorf("aggregates: lock %s:%s: %w", contract, ref.TokenID, err)
	}
	defer unlock()

	now := m.now()
	asks, err := m.orders.ListFillableAsks(ctx, contract, ref.TokenID)
	if err != nil {
		return false, fmt.Errorf("aggregates: asks %s:%s: %w", contract, ref.TokenID, err)
	}
	bids, err := m.orders.ListFillableBids(ctx, contract, ref.TokenID)
	if err != nil {
		return false, fmt.Errorf("aggregates: bids %s:%s: %w", contract, ref.TokenID, err)
	}
	owners, err := m.balances.Owners(ctx, contract, ref.TokenID)
	if err != nil {
		return false, fmt.Errorf("aggregates: owners %s:%s: %w", contract, ref.TokenID, err)
	}

	floor := SelectFloorAsk(asks, now)
	top := SelectTopBid(bids, owners, now)

	floorChanged, err := m.store.UpdateTokenFloorAsk(ctx, contract, ref.TokenID, floor)
	if err != nil {
		return false, fmt.Errorf("aggregates: write floor %s:%s: %w", contract, ref.TokenID, err)
	}
	topChanged, err := m.store.UpdateTokenTopBid(ctx, contract, ref.TokenID, top)
	if err != nil {
		return false, fmt.Errorf("aggregates: write top bid %s:%s: %w", contract, ref.TokenID, err)
	}
	if !floorChanged && !topChanged {
		return false, nil
	}

	agg := domain.TokenAggregate{Contract: contract, TokenID: ref.TokenID, FloorAsk: floor, TopBid: top}
	m.memoize(ctx, func() error { return m.cache.SetToken(ctx, agg) })
	m.announce(ctx, domain.AggregateChange{
		Scope: "token", Key: contract + ":" + ref.TokenID, FloorAsk: floor, TopBid: top, At: now,
	})

	if err := m.scheduleCollection(ctx, contract, now); err != nil {
		return true, err
	}
	m.logger.DebugContext(ctx, "token aggregate changed",
		slog.String("contract", contract),
		slog.String("token_id", ref.TokenID),
		slog.String("floor_ask", floor.OrderID),
		slog.String("top_bid", top.OrderID),
	)
	return true, nil
}

// scheduleCollection enqueues a delayed collection recompute unless one
// is already pending.
func (m *Maintainer) scheduleCollection(ctx context.Context, collectionID string, now time.Time) error {
	task := domain.CollectionAggregateTask(collectionID)
	task.CreatedAt = now
	task.DelayUntil = now.Add(m.cfg.Debounce)
	if _, err := m.queue.EnqueueIfAbsent(ctx, task); err != nil {
		return fmt.Errorf("aggregates: schedule collection %s: %w", collectionID, err)
	}
	return nil
}

// RecomputeCollection folds every token aggregate of a collection.
func (m *Maintainer) RecomputeCollection(ctx context.Context, collectionID string) (bool, error) {
	id := strings.ToLower(collectionID)
	unlock, err := m.lock(ctx, id)
	if err != nil {
		return false, fmt.Errorf("aggregates: lock %s: %w", id, err)
	}
	defer unlock()

	tokens, err := m.store.ListTokens(ctx, id)
	if err != nil {
		return false, fmt.Errorf("aggregates: tokens of %s: %w", id, err)
	}
	floor, top := collectionBest(tokens)
	agg := domain.CollectionAggregate{CollectionID: id, FloorAsk: floor, TopBid: top}

	changed, err := m.store.UpdateCollection(ctx, agg)
	if err != nil {
		return false, fmt.Errorf("aggregates: write collection %s: %w", id, err)
	}
	if changed {
		m.memoize(ctx, func() error { return m.cache.SetCollection(ctx, agg) })
		m.announce(ctx, domain.AggregateChange{
			Scope: "collection", Key: id, FloorAsk: floor, TopBid: top, At: m.now(),
		})
	}
	return changed, nil
}

func (m *Maintainer) memoize(ctx context.Context, set func() error) {
	if m.cache == nil {
		return
	}
	if err := set(); err != nil {
		m.logger.WarnContext(ctx, "aggregate cache write failed", slog.String("error", err.Error()))
	}
}

func (m *Maintainer) announce(ctx context.Context, change domain.AggregateChange) {
	if m.feed == nil {
		return
	}
	if err := m.feed.Announce(ctx, change); err != nil && !errors.Is(err, context.Canceled) {
		m.logger.WarnContext(ctx, "aggregate announce failed",
			slog.String("key", change.Key),
			slog.String("error", err.Error()),
		)
	}
}
