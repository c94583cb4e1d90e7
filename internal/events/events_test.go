package events

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rediscache "github.com/alanyoungcy/nftbook/internal/cache/redis"
	"github.com/alanyoungcy/nftbook/internal/domain"
	"github.com/alanyoungcy/nftbook/internal/store/memory"
	"github.com/alanyoungcy/nftbook/internal/trace"
)

var (
	topicA = common.HexToHash("0xaa")
	topicB = common.HexToHash("0xbb")
	market = common.HexToAddress("0x0000000000000000000000000000000000000001")
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// recorder handles two sub kinds, records the order it saw events in, and
// fails or panics on chosen log indexes.
type recorder struct {
	seen     []uint
	prescans [][]uint
	failOn   map[uint]error
	panicOn  map[uint]bool
}

func (r *recorder) Definitions() []Definition {
	return []Definition{
		{SubKind: domain.SeaportOrderFulfilled, Topic: topicA, NumTopics: 1, Addresses: []common.Address{market}},
		{SubKind: domain.SeaportOrdersMatched, Topic: topicB, NumTopics: 1},
	}
}

func (r *recorder) PreScan(env *Env, txEvents []domain.RawEvent) {
	var idx []uint
	for _, ev := range txEvents {
		idx = append(idx, ev.Base.LogIndex)
	}
	r.prescans = append(r.prescans, idx)
	env.MarkMatched("0xAA", "0xbb")
}

func (r *recorder) Handle(_ context.Context, env *Env, ev domain.RawEvent) error {
	r.seen = append(r.seen, ev.Base.LogIndex)
	if r.panicOn[ev.Base.LogIndex] {
		panic("malformed log data")
	}
	if err := r.failOn[ev.Base.LogIndex]; err != nil {
		return err
	}
	if !env.Matched("0xaa") || len(env.Counterparts("0xaa")) != 1 {
		return errors.New("match group lost")
	}
	env.Acc.Recompute("0xC0", "1")
	return nil
}

func newClassifier(t *testing.T, h *recorder) *Classifier {
	t.Helper()
	table := map[domain.EventSubKind]ProtocolHandler{
		domain.SeaportOrderFulfilled: h,
		domain.SeaportOrdersMatched:  h,
	}
	c, err := NewClassifier(table, trace.NewResolver(nil, nil, discard()), discard())
	require.NoError(t, err)
	return c
}

func mkLog(addr common.Address, topic common.Hash, block uint64, tx string, txIndex, index uint) types.Log {
	return types.Log{
		Address:     addr,
		Topics:      []common.Hash{topic},
		BlockNumber: block,
		TxHash:      common.HexToHash(tx),
		TxIndex:     txIndex,
		Index:       index,
	}
}

func TestClassifierRejectsUnroutedDefinitions(t *testing.T) {
	h := &recorder{}
	_, err := NewClassifier(map[domain.EventSubKind]ProtocolHandler{
		domain.SeaportOrderFulfilled: h,
	}, nil, discard())
	assert.Error(t, err)
}

func TestClassifyFiltersByAddress(t *testing.T) {
	c := newClassifier(t, &recorder{})

	_, ok := c.Classify(mkLog(common.HexToAddress("0x02"), topicA, 1, "0x01", 0, 0), 0)
	assert.False(t, ok)

	ev, ok := c.Classify(mkLog(market, topicA, 1, "0x01", 0, 0), 0)
	require.True(t, ok)
	assert.Equal(t, domain.SeaportOrderFulfilled, ev.SubKind)

	// No address filter on the second definition.
	ev, ok = c.Classify(mkLog(common.HexToAddress("0x02"), topicB, 1, "0x01", 0, 0), 0)
	require.True(t, ok)
	assert.Equal(t, domain.SeaportOrdersMatched, ev.SubKind)

	assert.Equal(t, []common.Hash{topicA, topicB}, c.Topics())
}

func TestProcessOrdersByTransactionAndLog(t *testing.T) {
	h := &recorder{failOn: map[uint]error{
		5: ErrSkip,
		6: errors.New("boom"),
	}}
	c := newClassifier(t, h)

	logs := []types.Log{
		mkLog(market, topicA, 2, "0x02", 0, 6),
		mkLog(market, topicA, 1, "0x01", 0, 3),
		mkLog(market, topicB, 1, "0x01", 0, 1),
		mkLog(market, topicA, 2, "0x02", 0, 5),
		mkLog(market, topicA, 2, "0x03", 1, 9),
	}
	var evs []domain.RawEvent
	for _, l := range logs {
		ev, ok := c.Classify(l, 0)
		require.True(t, ok)
		evs = append(evs, ev)
	}

	acc, err := c.Process(context.Background(), evs)
	require.NoError(t, err)

	assert.Equal(t, []uint{1, 3, 5, 6, 9}, h.seen)
	assert.Equal(t, [][]uint{{1, 3}, {5, 6}, {9}}, h.prescans)
	assert.Len(t, acc.RecomputeTokens, 1)
}

func TestProcessRecoversHandlerPanic(t *testing.T) {
	h := &recorder{panicOn: map[uint]bool{3: true}}
	c := newClassifier(t, h)

	var evs []domain.RawEvent
	for _, l := range []types.Log{
		mkLog(market, topicA, 1, "0x01", 0, 3),
		mkLog(market, topicA, 1, "0x01", 0, 4),
		mkLog(market, topicA, 2, "0x02", 0, 7),
	} {
		ev, ok := c.Classify(l, 0)
		require.True(t, ok)
		evs = append(evs, ev)
	}

	var acc *Accumulator
	var err error
	require.NotPanics(t, func() { acc, err = c.Process(context.Background(), evs) })
	require.NoError(t, err)
	assert.Equal(t, []uint{3, 4, 7}, h.seen)
	assert.Len(t, acc.RecomputeTokens, 1)
}

func TestProcessStopsOnCancelledContext(t *testing.T) {
	h := &recorder{}
	c := newClassifier(t, h)
	ev, ok := c.Classify(mkLog(market, topicA, 1, "0x01", 0, 0), 0)
	require.True(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Process(ctx, []domain.RawEvent{ev})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, h.seen)
}

type applierFixture struct {
	db    *memory.DB
	queue *rediscache.TaskQueue
	a     *Applier
}

func newApplierFixture(t *testing.T) *applierFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	f := &applierFixture{db: memory.New(), queue: rediscache.NewTaskQueue(rediscache.Wrap(rdb))}
	f.a = NewApplier(f.db.Orders(), f.db.Fills(), f.db.Balances(), f.queue, discard())
	return f
}

func (f *applierFixture) pending(t *testing.T, queue string) int64 {
	t.Helper()
	n, err := f.queue.Len(context.Background(), queue)
	require.NoError(t, err)
	return n
}

const (
	maker = "0x00000000000000000000000000000000000000a1"
	buyer = "0x00000000000000000000000000000000000000b0"
	nft   = "0x00000000000000000000000000000000000000aa"
)

func TestApplyPersistsBatch(t *testing.T) {
	f := newApplierFixture(t)
	ctx := context.Background()

	_, err := f.db.Orders().InsertBatch(ctx, []domain.CanonicalOrder{
		{ID: "0x01", Kind: domain.OrderKindSeaport, Side: domain.OrderSideSell, Maker: maker,
			FillabilityStatus: domain.FillabilityFillable, ApprovalStatus: domain.ApprovalApproved,
			QuantityRemaining: big.NewInt(2)},
		{ID: "0x02", Kind: domain.OrderKindSeaport, Side: domain.OrderSideSell, Maker: maker,
			FillabilityStatus: domain.FillabilityFillable, ApprovalStatus: domain.ApprovalApproved},
		{ID: "0x03", Kind: domain.OrderKindBlur, Side: domain.OrderSideSell, Maker: maker,
			FillabilityStatus: domain.FillabilityFillable, ApprovalStatus: domain.ApprovalApproved,
			BulkNonce: big.NewInt(0)},
	})
	require.NoError(t, err)

	base := domain.BaseEventParams{TxHash: "0xfeed", Block: 10, Timestamp: 1700000000}
	acc := NewAccumulator()
	acc.AddTransfer(domain.NFTTransfer{Contract: nft, TokenID: "1", From: maker, To: buyer, Amount: "1", Base: base})
	acc.AddFill(domain.FillEvent{OrderID: "0x01", Maker: maker, Taker: buyer, Contract: nft, TokenID: "1",
		Amount: big.NewInt(1), Price: big.NewInt(5), Base: base})
	acc.AddCancel(domain.CancelEvent{OrderKind: domain.OrderKindSeaport, OrderID: "0x02", Maker: maker, Base: base})
	acc.AddBulkCancel(domain.BulkCancelEvent{OrderKind: domain.OrderKindBlur, Maker: maker, MinNonce: "1", Base: base})
	acc.AddMakerInfo(domain.MakerUpdate{Maker: maker, Contract: nft, TokenID: "1", Kind: domain.MakerSellBalance})

	require.NoError(t, f.a.Apply(ctx, acc))

	o, err := f.db.Orders().GetByID(ctx, "0x01")
	require.NoError(t, err)
	assert.Equal(t, "1", o.QuantityRemaining.String())
	assert.Equal(t, domain.FillabilityFillable, o.FillabilityStatus)

	o, err = f.db.Orders().GetByID(ctx, "0x02")
	require.NoError(t, err)
	assert.Equal(t, domain.FillabilityCancelled, o.FillabilityStatus)

	o, err = f.db.Orders().GetByID(ctx, "0x03")
	require.NoError(t, err)
	assert.Equal(t, domain.FillabilityCancelled, o.FillabilityStatus)

	owners, err := f.db.Balances().Owners(ctx, nft, "1")
	require.NoError(t, err)
	assert.Equal(t, []string{buyer}, owners)

	// sale 0x01, cancel 0x02, cancel 0x03
	assert.Equal(t, int64(3), f.pending(t, domain.QueueOrderUpdatesByID))
	assert.Equal(t, int64(1), f.pending(t, domain.QueueOrderUpdatesByMaker))
	assert.Equal(t, int64(1), f.pending(t, domain.QueueTokenAggregates))

	// A replayed batch converges: the fill is not applied twice.
	require.NoError(t, f.a.Apply(ctx, acc))
	o, err = f.db.Orders().GetByID(ctx, "0x01")
	require.NoError(t, err)
	assert.Equal(t, "1", o.QuantityRemaining.String())
}

// flakyFills fails its first InsertBatch before writing anything.
type flakyFills struct {
	domain.FillStore
	failed bool
}

func (f *flakyFills) InsertBatch(ctx context.Context, fills []domain.FillEvent) ([]domain.FillEvent, error) {
	if !f.failed {
		f.failed = true
		return nil, errors.New("connection reset")
	}
	return f.FillStore.InsertBatch(ctx, fills)
}

func TestApplyRetryAfterStoreFailureConsumesFill(t *testing.T) {
	f := newApplierFixture(t)
	ctx := context.Background()
	f.a = NewApplier(f.db.Orders(), &flakyFills{FillStore: f.db.Fills()}, f.db.Balances(), f.queue, discard())

	_, err := f.db.Orders().InsertBatch(ctx, []domain.CanonicalOrder{
		{ID: "0x01", Kind: domain.OrderKindSeaport, Side: domain.OrderSideSell, Maker: maker,
			FillabilityStatus: domain.FillabilityFillable, ApprovalStatus: domain.ApprovalApproved,
			QuantityRemaining: big.NewInt(1)},
	})
	require.NoError(t, err)

	acc := NewAccumulator()
	acc.AddFill(domain.FillEvent{OrderID: "0x01", Maker: maker, Taker: buyer, Contract: nft, TokenID: "1",
		Amount: big.NewInt(1), Price: big.NewInt(5), Base: domain.BaseEventParams{TxHash: "0xfeed", Block: 10}})

	require.Error(t, f.a.Apply(ctx, acc))
	o, err := f.db.Orders().GetByID(ctx, "0x01")
	require.NoError(t, err)
	assert.Equal(t, domain.FillabilityFillable, o.FillabilityStatus)
	assert.Zero(t, f.pending(t, domain.QueueOrderUpdatesByID))

	require.NoError(t, f.a.Apply(ctx, acc))
	o, err = f.db.Orders().GetByID(ctx, "0x01")
	require.NoError(t, err)
	assert.Equal(t, domain.FillabilityFilled, o.FillabilityStatus)
	assert.Equal(t, "0", o.QuantityRemaining.String())
	assert.Equal(t, "1", o.QuantityFilled.String())
	assert.Equal(t, int64(1), f.pending(t, domain.QueueOrderUpdatesByID))
}

func TestApplyReplayStillTriggersSale(t *testing.T) {
	f := newApplierFixture(t)
	ctx := context.Background()

	fill := domain.FillEvent{OrderID: "0x01", Contract: nft, TokenID: "1", Amount: big.NewInt(1),
		Base: domain.BaseEventParams{TxHash: "0xfeed"}}
	// The fill landed earlier but its trigger never made it to the queue.
	_, err := f.db.Fills().InsertBatch(ctx, []domain.FillEvent{fill})
	require.NoError(t, err)

	acc := NewAccumulator()
	acc.AddFill(fill)
	require.NoError(t, f.a.Apply(ctx, acc))
	assert.Equal(t, int64(1), f.pending(t, domain.QueueOrderUpdatesByID))
}

func TestApplyIgnoresFillsOfUnknownOrders(t *testing.T) {
	f := newApplierFixture(t)
	acc := NewAccumulator()
	acc.AddFill(domain.FillEvent{OrderID: "0xmissing", Contract: nft, TokenID: "2", Amount: big.NewInt(1),
		Base: domain.BaseEventParams{TxHash: "0x01"}})

	require.NoError(t, f.a.Apply(context.Background(), acc))
	assert.Equal(t, int64(1), f.pending(t, domain.QueueOrderUpdatesByID))
}

func TestApplyEmptyIsNoop(t *testing.T) {
	f := newApplierFixture(t)
	require.NoError(t, f.a.Apply(context.Background(), NewAccumulator()))
	assert.Zero(t, f.pending(t, domain.QueueTokenAggregates))
}
