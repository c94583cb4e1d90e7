package fills

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/nftbook/internal/attribution"
	rediscache "github.com/alanyoungcy/nftbook/internal/cache/redis"
	"github.com/alanyoungcy/nftbook/internal/domain"
	"github.com/alanyoungcy/nftbook/internal/events"
	"github.com/alanyoungcy/nftbook/internal/pricing"
	"github.com/alanyoungcy/nftbook/internal/store/memory"
)

const (
	native  = "0x0000000000000000000000000000000000000000"
	unknown = "0x00000000000000000000000000000000000000ee"
	maker   = "0x00000000000000000000000000000000000000a1"
	taker   = "0x00000000000000000000000000000000000000b0"
	nft     = "0x00000000000000000000000000000000000000aa"
)

type fakeConverter struct{}

func (fakeConverter) Convert(_ context.Context, currency string, amount *big.Int, _ time.Time) (pricing.Prices, error) {
	if currency != native {
		return pricing.Prices{}, domain.ErrNoPrice
	}
	usd := new(big.Int).Mul(amount, big.NewInt(2))
	return pricing.Prices{Native: new(big.Int).Set(amount), USD: usd}, nil
}

type fakeAttributor struct {
	attr  domain.Attribution
	err   error
	calls int
}

func (f *fakeAttributor) Resolve(context.Context, attribution.TxFetcher, common.Hash, domain.OrderKind, attribution.Options) (domain.Attribution, error) {
	f.calls++
	return f.attr, f.err
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newEnv() *events.Env { return events.NewEnv(nil, discard()) }

func leg(orderID string, price int64) Leg {
	return Leg{
		OrderID:  orderID,
		Kind:     domain.OrderKindSeaport,
		Side:     domain.OrderSideSell,
		Maker:    maker,
		Taker:    taker,
		Contract: nft,
		TokenID:  "1",
		Amount:   big.NewInt(1),
		Currency: native,
		Price:    big.NewInt(price),
		Base:     domain.BaseEventParams{TxHash: "0xabc", LogIndex: 4, Timestamp: 1700000000},
	}
}

func TestSplitConservesTotal(t *testing.T) {
	tests := []struct {
		name    string
		total   int64
		weights []int64
		want    []int64
	}{
		{"even", 9, []int64{1, 1, 1}, []int64{3, 3, 3}},
		{"remainder to largest fraction", 10, []int64{1, 1, 1}, []int64{4, 3, 3}},
		{"proportional", 7, []int64{5, 2}, []int64{5, 2}},
		{"zero weight", 5, []int64{0, 3}, []int64{0, 5}},
		{"uneven remainders", 100, []int64{1, 2, 4}, []int64{14, 29, 57}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			weights := make([]*big.Int, len(tt.weights))
			for i, w := range tt.weights {
				weights[i] = big.NewInt(w)
			}
			parts, err := Split(big.NewInt(tt.total), weights)
			require.NoError(t, err)

			sum := new(big.Int)
			got := make([]int64, len(parts))
			for i, p := range parts {
				sum.Add(sum, p)
				got[i] = p.Int64()
			}
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.total, sum.Int64())
		})
	}

	_, err := Split(big.NewInt(1), []*big.Int{big.NewInt(0)})
	assert.Error(t, err)
}

func TestEmitRecordsPricedFill(t *testing.T) {
	attr := &fakeAttributor{attr: domain.Attribution{OrderSourceID: 3, FillSourceID: 5, TakerOverride: "0xend"}}
	r := NewReconciler(fakeConverter{}, attr, nil, discard())
	env := newEnv()

	require.NoError(t, r.Emit(context.Background(), env, leg("0x01", 1000)))

	require.Len(t, env.Acc.Fills, 1)
	f := env.Acc.Fills[0]
	assert.Equal(t, "1000", f.Price.String())
	assert.Equal(t, "2000", f.USDPrice.String())
	assert.Equal(t, "1000", f.CurrencyPrice.String())
	assert.Equal(t, 3, f.OrderSourceID)
	assert.Equal(t, 5, f.FillSourceID)
	assert.Equal(t, "0xend", f.Taker)
	assert.Equal(t, []domain.TokenRef{{Contract: nft, TokenID: "1"}}, env.Acc.RecomputeTokens)
}

func TestEmitSkips(t *testing.T) {
	r := NewReconciler(fakeConverter{}, &fakeAttributor{}, nil, discard())

	t.Run("self fill", func(t *testing.T) {
		env := newEnv()
		l := leg("0x01", 10)
		l.Taker = maker
		err := r.Emit(context.Background(), env, l)
		assert.ErrorIs(t, err, events.ErrSkip)
		assert.Empty(t, env.Acc.Fills)
	})

	t.Run("unpriced currency", func(t *testing.T) {
		env := newEnv()
		l := leg("0x01", 10)
		l.Currency = unknown
		err := r.Emit(context.Background(), env, l)
		assert.ErrorIs(t, err, events.ErrSkip)
		assert.Empty(t, env.Acc.Fills)
	})

	t.Run("counterpart of a pair", func(t *testing.T) {
		env := newEnv()
		require.NoError(t, r.EmitPair(context.Background(), env, leg("0x01", 10), "0x02"))
		err := r.Emit(context.Background(), env, leg("0x02", 10))
		assert.ErrorIs(t, err, events.ErrSkip)
		assert.Len(t, env.Acc.Fills, 1)
	})
}

func TestEmitKeepsFillWhenAttributionFails(t *testing.T) {
	r := NewReconciler(fakeConverter{}, &fakeAttributor{err: errors.New("node down")}, nil, discard())
	env := newEnv()

	require.NoError(t, r.Emit(context.Background(), env, leg("0x01", 10)))
	require.Len(t, env.Acc.Fills, 1)
	assert.Equal(t, taker, env.Acc.Fills[0].Taker)
}

func TestEmitBatchWeightsByQuantityTaken(t *testing.T) {
	r := NewReconciler(fakeConverter{}, &fakeAttributor{}, nil, discard())
	env := newEnv()

	// Three orders with 3 units each; the request took 5, so the first
	// order is drained, the second partially filled and the third untouched.
	total := leg("", 1000)
	total.Amount = big.NewInt(5)
	takes := []Take{
		{OrderID: "0x01", Maker: "0x00000000000000000000000000000000000000c1", Available: big.NewInt(3)},
		{OrderID: "0x02", Maker: "0x00000000000000000000000000000000000000c2", Available: big.NewInt(3)},
		{OrderID: "0x03", Maker: "0x00000000000000000000000000000000000000c3", Available: big.NewInt(3)},
	}
	require.NoError(t, r.EmitBatch(context.Background(), env, total, takes))

	require.Len(t, env.Acc.Fills, 2)
	assert.Equal(t, "0x01", env.Acc.Fills[0].OrderID)
	assert.Equal(t, "3", env.Acc.Fills[0].Amount.String())
	assert.Equal(t, "600", env.Acc.Fills[0].CurrencyPrice.String())
	assert.Equal(t, uint(1), env.Acc.Fills[0].Base.BatchIndex)
	assert.Equal(t, "0x02", env.Acc.Fills[1].OrderID)
	assert.Equal(t, "2", env.Acc.Fills[1].Amount.String())
	assert.Equal(t, "400", env.Acc.Fills[1].CurrencyPrice.String())
	assert.Equal(t, uint(2), env.Acc.Fills[1].Base.BatchIndex)
}

func TestEmitBatchExplicitQuantities(t *testing.T) {
	r := NewReconciler(fakeConverter{}, &fakeAttributor{}, nil, discard())
	env := newEnv()

	total := leg("0x01", 900)
	total.Amount = big.NewInt(3)
	takes := []Take{
		{OrderID: "0x01", Maker: maker, TokenID: "1", Taken: big.NewInt(2), Available: big.NewInt(10)},
		{OrderID: "0x01", Maker: maker, TokenID: "2", Taken: big.NewInt(1), Available: big.NewInt(10)},
	}
	require.NoError(t, r.EmitBatch(context.Background(), env, total, takes))

	require.Len(t, env.Acc.Fills, 2)
	assert.Equal(t, "2", env.Acc.Fills[0].Amount.String())
	assert.Equal(t, "600", env.Acc.Fills[0].CurrencyPrice.String())
	assert.Equal(t, "2", env.Acc.Fills[1].TokenID)
	assert.Equal(t, "300", env.Acc.Fills[1].CurrencyPrice.String())
}

func TestConsumedRejectsInconsistentTakes(t *testing.T) {
	tests := []struct {
		name   string
		amount int64
		takes  []Take
	}{
		{"no takes", 1, nil},
		{"not enough available", 4, []Take{{Available: big.NewInt(1)}, {Available: big.NewInt(2)}}},
		{"explicit sum mismatch", 4, []Take{{Taken: big.NewInt(1)}, {Taken: big.NewInt(2)}}},
		{"mixed", 3, []Take{{Taken: big.NewInt(1)}, {Available: big.NewInt(2)}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Consumed(big.NewInt(tt.amount), tt.takes)
			assert.Error(t, err)
		})
	}
}

func TestCorrectorRecomputesTouchedTokens(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	queue := rediscache.NewTaskQueue(rediscache.Wrap(rdb))

	db := memory.New()
	ctx := context.Background()
	var rows []domain.FillEvent
	for i := uint(0); i < 3; i++ {
		f := domain.FillEvent{
			OrderID:  "0x01",
			Contract: nft,
			TokenID:  "1",
			Amount:   big.NewInt(1),
			Price:    big.NewInt(1),
			Base:     domain.BaseEventParams{TxHash: "0xabc", LogIndex: i},
		}
		rows = append(rows, f)
	}
	_, err := db.Fills().InsertBatch(ctx, rows)
	require.NoError(t, err)

	c := NewCorrector(db.Fills(), queue, db.Audit(), discard())
	n, err := c.MarkDeleted(ctx, []domain.FillKey{rows[0].Key(), rows[1].Key()})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	pending, err := queue.Len(ctx, domain.QueueTokenAggregates)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)

	// Already deleted rows change nothing and schedule nothing new.
	n, err = c.MarkDeleted(ctx, []domain.FillKey{rows[0].Key()})
	require.NoError(t, err)
	assert.Zero(t, n)
}
