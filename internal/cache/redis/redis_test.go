package redis

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/nftbook/internal/domain"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return Wrap(rdb), mr
}

func TestTaskQueueCoalescesByID(t *testing.T) {
	c, _ := newTestClient(t)
	q := NewTaskQueue(c)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, q.Enqueue(ctx, domain.JobTask{ID: "k1", Queue: "q", Payload: []byte("first"), DelayUntil: now}))
	require.NoError(t, q.Enqueue(ctx, domain.JobTask{ID: "k1", Queue: "q", Payload: []byte("second"), DelayUntil: now}))

	n, err := q.Len(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	task, err := q.Dequeue(ctx, "q", now, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "k1", task.ID)
	assert.Equal(t, []byte("second"), task.Payload)

	_, err = q.Dequeue(ctx, "q", now, time.Minute)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTaskQueueDelay(t *testing.T) {
	c, _ := newTestClient(t)
	q := NewTaskQueue(c)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, q.Enqueue(ctx, domain.JobTask{ID: "later", Queue: "q", DelayUntil: now.Add(5 * time.Second)}))

	_, err := q.Dequeue(ctx, "q", now, time.Minute)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	task, err := q.Dequeue(ctx, "q", now.Add(6*time.Second), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "later", task.ID)
}

func TestTaskQueueEnqueueIfAbsent(t *testing.T) {
	c, _ := newTestClient(t)
	q := NewTaskQueue(c)
	ctx := context.Background()
	now := time.Now()

	added, err := q.EnqueueIfAbsent(ctx, domain.JobTask{ID: "col", Queue: "q", Payload: []byte("a"), DelayUntil: now})
	require.NoError(t, err)
	assert.True(t, added)

	added, err = q.EnqueueIfAbsent(ctx, domain.JobTask{ID: "col", Queue: "q", Payload: []byte("b"), DelayUntil: now.Add(time.Hour)})
	require.NoError(t, err)
	assert.False(t, added)

	task, err := q.Dequeue(ctx, "q", now, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), task.Payload)
}

func TestTaskQueueAckKeepsReplacement(t *testing.T) {
	c, _ := newTestClient(t)
	q := NewTaskQueue(c)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, q.Enqueue(ctx, domain.JobTask{ID: "t", Queue: "q", Payload: []byte("v1"), DelayUntil: now}))
	_, err := q.Dequeue(ctx, "q", now, time.Minute)
	require.NoError(t, err)

	require.NoError(t, q.Enqueue(ctx, domain.JobTask{ID: "t", Queue: "q", Payload: []byte("v2"), DelayUntil: now}))
	require.NoError(t, q.Ack(ctx, "q", "t"))

	task, err := q.Dequeue(ctx, "q", now, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), task.Payload)
	require.NoError(t, q.Ack(ctx, "q", "t"))

	_, err = q.Dequeue(ctx, "q", now, time.Minute)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTaskQueueRecoverExpiredLease(t *testing.T) {
	c, _ := newTestClient(t)
	q := NewTaskQueue(c)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, q.Enqueue(ctx, domain.JobTask{ID: "t", Queue: "q", RetryCount: 2, DelayUntil: now}))
	_, err := q.Dequeue(ctx, "q", now, 10*time.Second)
	require.NoError(t, err)

	n, err := q.Recover(ctx, "q", now.Add(5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = q.Recover(ctx, "q", now.Add(11*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	task, err := q.Dequeue(ctx, "q", now.Add(11*time.Second), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, task.RetryCount)
}

func TestRateLimiterTakeAndReset(t *testing.T) {
	c, mr := newTestClient(t)
	rl := NewRateLimiter(c)
	ctx := context.Background()
	window := 4 * time.Second

	for i := 0; i < 2; i++ {
		ok, _, err := rl.Take(ctx, "opensea:key", 2, window)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	ok, resetIn, err := rl.Take(ctx, "opensea:key", 2, window)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Greater(t, resetIn, time.Duration(0))
	assert.LessOrEqual(t, resetIn, window)

	ok, _, err = rl.Take(ctx, "looks-rare:key", 2, window)
	require.NoError(t, err)
	assert.True(t, ok, "buckets are independent per key")

	mr.FastForward(window + time.Millisecond)
	ok, _, err = rl.Take(ctx, "opensea:key", 2, window)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLockManager(t *testing.T) {
	c, _ := newTestClient(t)
	lm := NewLockManager(c)
	ctx := context.Background()

	unlock, err := lm.Acquire(ctx, "token:0xabc:1", time.Minute)
	require.NoError(t, err)

	_, err = lm.Acquire(ctx, "token:0xabc:1", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	unlock()
	unlock()

	unlock2, err := lm.Acquire(ctx, "token:0xabc:1", time.Minute)
	require.NoError(t, err)
	unlock2()
}

func TestPriceCacheHourBuckets(t *testing.T) {
	c, _ := newTestClient(t)
	pc := NewPriceCache(c)
	ctx := context.Background()
	ts := time.Date(2024, 5, 1, 10, 15, 0, 0, time.UTC)

	require.NoError(t, pc.SetQuote(ctx, domain.PriceQuote{
		Currency:  "0xusdc",
		Decimals:  6,
		USD:       decimal.RequireFromString("0.9998"),
		Timestamp: ts,
	}))

	q, err := pc.GetQuote(ctx, "0xusdc", ts.Add(30*time.Minute))
	require.NoError(t, err)
	assert.True(t, q.USD.Equal(decimal.RequireFromString("0.9998")))
	assert.Equal(t, int32(6), q.Decimals)

	_, err = pc.GetQuote(ctx, "0xusdc", ts.Add(time.Hour))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAggregateCache(t *testing.T) {
	c, mr := newTestClient(t)
	ac := NewAggregateCache(c, time.Second)
	ctx := context.Background()

	agg := domain.TokenAggregate{
		Contract: "0xc",
		TokenID:  "1",
		FloorAsk: domain.AskBid{OrderID: "0x01", Value: big.NewInt(1e18)},
	}
	require.NoError(t, ac.SetToken(ctx, agg))

	got, err := ac.GetToken(ctx, "0xc", "1")
	require.NoError(t, err)
	assert.True(t, got.FloorAsk.Equal(agg.FloorAsk))

	mr.FastForward(2 * time.Second)
	_, err = ac.GetToken(ctx, "0xc", "1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestClientOptions(t *testing.T) {
	opts, err := ClientConfig{Addr: "redis://:secret@cache:6380/3", PoolSize: 7}.options()
	require.NoError(t, err)
	assert.Equal(t, "cache:6380", opts.Addr)
	assert.Equal(t, "secret", opts.Password)
	assert.Equal(t, 3, opts.DB)
	assert.Equal(t, 7, opts.PoolSize)

	opts, err = ClientConfig{Addr: "localhost:6379", DB: 2, TLSEnabled: true}.options()
	require.NoError(t, err)
	assert.Equal(t, 2, opts.DB)
	assert.NotNil(t, opts.TLSConfig)

	mr := miniredis.RunT(t)
	c, err := New(context.Background(), ClientConfig{Addr: "redis://" + mr.Addr()})
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.Ping(context.Background()))
}

func TestAggregateFeedKeepsRecentChanges(t *testing.T) {
	c, _ := newTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	feed := NewAggregateFeed(c)

	sub := c.Underlying().Subscribe(ctx, AggregateChannel)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	changes := []domain.AggregateChange{
		{Scope: "token", Key: "0xc:1", FloorAsk: domain.AskBid{OrderID: "0x01", Value: big.NewInt(10)}},
		{Scope: "collection", Key: "0xc", FloorAsk: domain.AskBid{OrderID: "0x01", Value: big.NewInt(11)}},
	}
	for _, ch := range changes {
		require.NoError(t, feed.Announce(ctx, ch))
	}

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.Contains(t, msg.Payload, `"key":"0xc:1"`)

	recent, err := feed.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "0xc", recent[0].Key)
	assert.Equal(t, "collection", recent[0].Scope)
	assert.Equal(t, "11", recent[0].FloorAsk.Value.String())
}
