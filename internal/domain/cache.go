package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// TaskQueue is durable delayed-task storage with at-least-once delivery.
type TaskQueue interface {
	// Enqueue stores task, replacing any pending task with the same ID.
	Enqueue(ctx context.Context, task JobTask) error
	// EnqueueIfAbsent stores task unless one with the same ID is pending.
	EnqueueIfAbsent(ctx context.Context, task JobTask) (bool, error)
	// Dequeue leases the next task due at now. The task returns to the queue
	// if it is not acked before the lease ends. Returns ErrNotFound when
	// nothing is due.
	Dequeue(ctx context.Context, queue string, now time.Time, lease time.Duration) (JobTask, error)
	// Ack releases a leased task.
	Ack(ctx context.Context, queue, id string) error
	// Recover puts tasks with expired leases back on the queue.
	Recover(ctx context.Context, queue string, now time.Time) (int, error)
	Len(ctx context.Context, queue string) (int64, error)
}

// RateLimiter provides distributed fixed-window token buckets.
type RateLimiter interface {
	// Take consumes one token. When the bucket is empty it reports false
	// together with the time until the bucket refills.
	Take(ctx context.Context, key string, capacity int, window time.Duration) (bool, time.Duration, error)
	Wait(ctx context.Context, key string, capacity int, window time.Duration) error
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// AggregateCache memoizes aggregates for readers.
type AggregateCache interface {
	SetToken(ctx context.Context, agg TokenAggregate) error
	GetToken(ctx context.Context, contract, tokenID string) (TokenAggregate, error)
	SetCollection(ctx context.Context, agg CollectionAggregate) error
	GetCollection(ctx context.Context, collectionID string) (CollectionAggregate, error)
}

// PriceQuote is a currency's value at a point in time.
type PriceQuote struct {
	Currency  string
	Decimals  int32
	USD       decimal.Decimal // one whole unit of the currency in USD
	Timestamp time.Time
}

// PriceCache stores recent price quotes.
type PriceCache interface {
	SetQuote(ctx context.Context, q PriceQuote) error
	GetQuote(ctx context.Context, currency string, ts time.Time) (PriceQuote, error)
}

// AggregateChange announces a recomputed aggregate whose stored value moved.
// Key is "contract:tokenId" for tokens and the collection id otherwise.
type AggregateChange struct {
	Scope    string    `json:"scope"` // "token" or "collection"
	Key      string    `json:"key"`
	FloorAsk AskBid    `json:"floorAsk"`
	TopBid   AskBid    `json:"topBid"`
	At       time.Time `json:"at"`
}

// AggregateFeed fans aggregate changes out to read-side consumers.
type AggregateFeed interface {
	Announce(ctx context.Context, change AggregateChange) error
}
