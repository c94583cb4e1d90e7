package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rediscache "github.com/alanyoungcy/nftbook/internal/cache/redis"
	"github.com/alanyoungcy/nftbook/internal/domain"
	"github.com/alanyoungcy/nftbook/internal/fills"
	"github.com/alanyoungcy/nftbook/internal/orders"
	"github.com/alanyoungcy/nftbook/internal/store/memory"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newQueue(t *testing.T) *rediscache.TaskQueue {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rediscache.NewTaskQueue(rediscache.Wrap(rdb))
}

// clock is a settable time source for the runner.
type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newRunner(t *testing.T, q domain.TaskQueue, cfg Config, m *Metrics) (*Runner, *clock) {
	t.Helper()
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	r := NewRunner(q, cfg, m, discard())
	r.now = c.now
	return r, c
}

func enqueue(t *testing.T, q domain.TaskQueue, task domain.JobTask, at time.Time) {
	t.Helper()
	task.CreatedAt = at
	task.DelayUntil = at
	require.NoError(t, q.Enqueue(context.Background(), task))
}

func TestRunnerRetriesUpToBound(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	r, clk := newRunner(t, q, Config{MaxRetries: 2, RetryDelay: 10 * time.Second}, m)

	var attempts []int
	var terminal []Outcome
	r.Register(Queue{
		Name: "test",
		Handler: HandlerFunc(func(_ context.Context, task domain.JobTask) Outcome {
			attempts = append(attempts, task.RetryCount)
			return Failed(errors.New("upstream down"))
		}),
		OnTerminal: func(_ context.Context, _ domain.JobTask, out Outcome) {
			terminal = append(terminal, out)
		},
	})
	enqueue(t, q, domain.JobTask{ID: "a", Queue: "test"}, clk.now())

	for i := 0; i < 3; i++ {
		ran, err := r.RunOnce(ctx, "test")
		require.NoError(t, err)
		require.True(t, ran, "attempt %d", i)

		// The retry is not due before the delay has passed.
		ran, err = r.RunOnce(ctx, "test")
		require.NoError(t, err)
		assert.False(t, ran)
		clk.advance(10 * time.Second)
	}

	ran, err := r.RunOnce(ctx, "test")
	require.NoError(t, err)
	assert.False(t, ran, "no attempt past the retry bound")
	assert.Equal(t, []int{0, 1, 2}, attempts)
	require.Len(t, terminal, 1)
	assert.Equal(t, KindFailed, terminal[0].Kind)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.attempts.WithLabelValues("test", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.terminal.WithLabelValues("test", "failed")))

	n, err := q.Len(ctx, "test")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRunnerThrottleKeepsRetryBudget(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	r, clk := newRunner(t, q, Config{MaxRetries: 0}, nil)

	var seen []int
	r.Register(Queue{
		Name: "test",
		Handler: HandlerFunc(func(_ context.Context, task domain.JobTask) Outcome {
			seen = append(seen, task.RetryCount)
			if len(seen) < 3 {
				return Throttled(4 * time.Second)
			}
			return Success()
		}),
	})
	enqueue(t, q, domain.JobTask{ID: "a", Queue: "test"}, clk.now())

	for i := 0; i < 3; i++ {
		ran, err := r.RunOnce(ctx, "test")
		require.NoError(t, err)
		require.True(t, ran)

		ran, err = r.RunOnce(ctx, "test")
		require.NoError(t, err)
		assert.False(t, ran, "throttled task ran early")
		clk.advance(4 * time.Second)
	}
	assert.Equal(t, []int{0, 0, 0}, seen)
}

func TestRunnerInvalidAndPanicAreSettled(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	r, clk := newRunner(t, q, Config{MaxRetries: 0}, nil)

	var terminal []Outcome
	hook := func(_ context.Context, _ domain.JobTask, out Outcome) { terminal = append(terminal, out) }
	r.Register(Queue{
		Name: "invalid",
		Handler: HandlerFunc(func(context.Context, domain.JobTask) Outcome {
			return Invalid("fees", "royalty too low")
		}),
		OnTerminal: hook,
	})
	r.Register(Queue{
		Name: "panics",
		Handler: HandlerFunc(func(context.Context, domain.JobTask) Outcome {
			panic("boom")
		}),
		OnTerminal: hook,
	})
	enqueue(t, q, domain.JobTask{ID: "a", Queue: "invalid"}, clk.now())
	enqueue(t, q, domain.JobTask{ID: "b", Queue: "panics"}, clk.now())

	for _, name := range []string{"invalid", "panics"} {
		ran, err := r.RunOnce(ctx, name)
		require.NoError(t, err)
		require.True(t, ran)
	}
	require.Len(t, terminal, 2)
	assert.Equal(t, "fees: royalty too low", terminal[0].Describe())
	assert.Equal(t, KindFailed, terminal[1].Kind)
	assert.Contains(t, terminal[1].Describe(), "boom")

	_, err := r.RunOnce(ctx, "missing")
	assert.Error(t, err)
}

func TestRunnerFreshTaskSupersedesRetry(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	r, clk := newRunner(t, q, Config{MaxRetries: 3, RetryDelay: time.Minute}, nil)

	var payloads []string
	r.Register(Queue{
		Name: "test",
		Handler: HandlerFunc(func(ctx context.Context, task domain.JobTask) Outcome {
			payloads = append(payloads, string(task.Payload))
			if len(payloads) == 1 {
				// A newer version arrives while the first attempt runs.
				enqueue(t, q, domain.JobTask{ID: "a", Queue: "test", Payload: []byte("v2")}, clk.now())
				return Failed(errors.New("transient"))
			}
			return Success()
		}),
	})
	enqueue(t, q, domain.JobTask{ID: "a", Queue: "test", Payload: []byte("v1")}, clk.now())

	for i := 0; i < 2; i++ {
		ran, err := r.RunOnce(ctx, "test")
		require.NoError(t, err)
		require.True(t, ran)
	}
	assert.Equal(t, []string{"v1", "v2"}, payloads)
}

// chainFake answers every chain read the order and metadata workers make.
type chainFake struct {
	owner     common.Address
	approved  bool
	kind      domain.ContractKind
	royalty   *big.Int
	recipient common.Address
	kindCalls int
}

func (f *chainFake) ContractKind(context.Context, common.Address) (domain.ContractKind, error) {
	f.kindCalls++
	return f.kind, nil
}

func (f *chainFake) OwnerOf(context.Context, common.Address, *big.Int) (common.Address, error) {
	return f.owner, nil
}

func (f *chainFake) ERC1155Balance(context.Context, common.Address, common.Address, *big.Int) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (f *chainFake) IsApprovedForAll(context.Context, common.Address, common.Address, common.Address) (bool, error) {
	return f.approved, nil
}

func (f *chainFake) ERC20Balance(context.Context, common.Address, common.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (f *chainFake) ERC20Allowance(context.Context, common.Address, common.Address, common.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (f *chainFake) RoyaltyInfo(_ context.Context, _ common.Address, _, _ *big.Int) (common.Address, *big.Int, error) {
	if f.royalty == nil {
		return common.Address{}, nil, errors.New("execution reverted")
	}
	return f.recipient, f.royalty, nil
}

var (
	makerAddr    = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	maker        = strings.ToLower(makerAddr.Hex())
	contractAddr = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	contract     = strings.ToLower(contractAddr.Hex())
)

func sellOrder(id string, status domain.FillabilityStatus) domain.CanonicalOrder {
	return domain.CanonicalOrder{
		ID:                id,
		Kind:              domain.OrderKindSeaport,
		Side:              domain.OrderSideSell,
		Maker:             maker,
		Contract:          contract,
		TokenSetID:        "token:" + contract + ":7",
		Price:             big.NewInt(100),
		Value:             big.NewInt(100),
		FillabilityStatus: status,
		ApprovalStatus:    domain.ApprovalApproved,
		Conduit:           "0x00000000000000000000000000000000000000cc",
	}
}

type orderFixture struct {
	db     *memory.DB
	queue  *rediscache.TaskQueue
	chain  *chainFake
	worker *OrderWorker
}

func newOrderFixture(t *testing.T) *orderFixture {
	t.Helper()
	f := &orderFixture{
		db:    memory.New(),
		queue: newQueue(t),
		chain: &chainFake{owner: makerAddr, approved: true, kind: domain.ContractERC721},
	}
	f.worker = NewOrderWorker(OrderWorkerDeps{
		Orders:      f.db.Orders(),
		TokenSets:   f.db.TokenSets(),
		Aggregates:  f.db.Aggregates(),
		Collections: f.db.Collections(),
		Queue:       f.queue,
		Checker:     orders.NewChecker(f.chain),
		Kinds:       f.chain,
		Logger:      discard(),
	})
	return f
}

func (f *orderFixture) insert(t *testing.T, orders ...domain.CanonicalOrder) {
	t.Helper()
	_, err := f.db.Orders().InsertBatch(context.Background(), orders)
	require.NoError(t, err)
}

func (f *orderFixture) drain(t *testing.T, queue string) []domain.JobTask {
	t.Helper()
	var out []domain.JobTask
	for {
		task, err := f.queue.Dequeue(context.Background(), queue, time.Now().Add(time.Hour), time.Minute)
		if errors.Is(err, domain.ErrNotFound) {
			return out
		}
		require.NoError(t, err)
		out = append(out, task)
	}
}

func payloadTask(t *testing.T, v any) domain.JobTask {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return domain.JobTask{ID: "x", Payload: data}
}

func TestByMakerRevalidationRestoresFillable(t *testing.T) {
	ctx := context.Background()
	f := newOrderFixture(t)
	f.insert(t, sellOrder("o1", domain.FillabilityNoBalance))

	out := f.worker.ByMaker(ctx, payloadTask(t, domain.MakerUpdate{
		Maker:    maker,
		Contract: contract,
		TokenID:  "7",
		Kind:     domain.MakerSellBalance,
	}))
	require.Equal(t, KindSuccess, out.Kind, out.Describe())

	o, err := f.db.Orders().GetByID(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, domain.FillabilityFillable, o.FillabilityStatus)

	kind, err := f.db.Collections().GetKind(ctx, contract)
	require.NoError(t, err)
	assert.Equal(t, domain.ContractERC721, kind)

	tasks := f.drain(t, domain.QueueOrderUpdatesByID)
	require.Len(t, tasks, 1)
	var u domain.OrderUpdate
	require.NoError(t, json.Unmarshal(tasks[0].Payload, &u))
	assert.Equal(t, "o1", u.OrderID)
	assert.Equal(t, domain.TriggerRevalidation, u.Trigger)

	// Unchanged chain state produces no further updates.
	out = f.worker.ByMaker(ctx, payloadTask(t, domain.MakerUpdate{Maker: maker, Contract: contract, Kind: domain.MakerSellApproval}))
	require.Equal(t, KindSuccess, out.Kind)
	assert.Empty(t, f.drain(t, domain.QueueOrderUpdatesByID))
	assert.Equal(t, 1, f.chain.kindCalls, "contract kind is cached")
}

func TestByMakerTransferAway(t *testing.T) {
	ctx := context.Background()
	f := newOrderFixture(t)
	f.chain.owner = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	// o2 covers another token and is left alone.
	o2 := sellOrder("o2", domain.FillabilityFillable)
	o2.TokenSetID = "token:" + contract + ":8"
	f.insert(t, sellOrder("o1", domain.FillabilityFillable), o2)

	out := f.worker.ByMaker(ctx, payloadTask(t, domain.MakerUpdate{Maker: maker, Contract: contract, TokenID: "7", Kind: domain.MakerSellBalance}))
	require.Equal(t, KindSuccess, out.Kind)

	got1, err := f.db.Orders().GetByID(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, domain.FillabilityNoBalance, got1.FillabilityStatus)
	got2, err := f.db.Orders().GetByID(ctx, "o2")
	require.NoError(t, err)
	assert.Equal(t, domain.FillabilityFillable, got2.FillabilityStatus)
}

// cancelAfterList cancels every listed order right after ListByMaker reads
// it, as a concurrent cancel event would.
type cancelAfterList struct {
	domain.OrderStore
}

func (s cancelAfterList) ListByMaker(ctx context.Context, maker, contract string, side domain.OrderSide) ([]domain.CanonicalOrder, error) {
	live, err := s.OrderStore.ListByMaker(ctx, maker, contract, side)
	for _, o := range live {
		if _, err := s.OrderStore.UpdateFillability(ctx, o.ID, domain.FillabilityCancelled, false); err != nil {
			return nil, err
		}
	}
	return live, err
}

func TestByMakerNeverRevivesCancelledOrder(t *testing.T) {
	ctx := context.Background()
	f := newOrderFixture(t)
	f.insert(t, sellOrder("o1", domain.FillabilityNoBalance))
	f.worker.orders = cancelAfterList{OrderStore: f.db.Orders()}

	out := f.worker.ByMaker(ctx, payloadTask(t, domain.MakerUpdate{
		Maker:    maker,
		Contract: contract,
		TokenID:  "7",
		Kind:     domain.MakerSellBalance,
	}))
	require.Equal(t, KindSuccess, out.Kind, out.Describe())

	o, err := f.db.Orders().GetByID(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, domain.FillabilityCancelled, o.FillabilityStatus)
	assert.Empty(t, f.drain(t, domain.QueueOrderUpdatesByID))
}

func TestSweepExpiredThenByID(t *testing.T) {
	ctx := context.Background()
	f := newOrderFixture(t)
	past := sellOrder("old", domain.FillabilityFillable)
	past.ValidTo = time.Now().Add(-time.Minute)
	live := sellOrder("live", domain.FillabilityFillable)
	live.ValidTo = time.Now().Add(time.Hour)
	f.insert(t, past, live)

	out := f.worker.SweepExpired(ctx, domain.ExpirySweepTask())
	require.Equal(t, KindSuccess, out.Kind)

	o, err := f.db.Orders().GetByID(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, domain.FillabilityExpired, o.FillabilityStatus)
	o, err = f.db.Orders().GetByID(ctx, "live")
	require.NoError(t, err)
	assert.Equal(t, domain.FillabilityFillable, o.FillabilityStatus)

	updates := f.drain(t, domain.QueueOrderUpdatesByID)
	require.Len(t, updates, 1)

	out = f.worker.ByID(ctx, updates[0])
	require.Equal(t, KindSuccess, out.Kind)
	aggs := f.drain(t, domain.QueueTokenAggregates)
	require.Len(t, aggs, 1)
	var ref domain.TokenRef
	require.NoError(t, json.Unmarshal(aggs[0].Payload, &ref))
	assert.Equal(t, domain.TokenRef{Contract: contract, TokenID: "7"}, ref)
}

func TestByIDUnknownOrder(t *testing.T) {
	f := newOrderFixture(t)
	out := f.worker.ByID(context.Background(), domain.OrderUpdateTask(domain.OrderUpdate{OrderID: "missing", Trigger: domain.TriggerSale}))
	assert.Equal(t, KindSuccess, out.Kind)
	assert.Equal(t, KindInvalid, f.worker.ByID(context.Background(), domain.JobTask{Payload: []byte("{")}).Kind)
}

type recomputer struct{ err error }

func (r recomputer) RecomputeToken(context.Context, domain.TokenRef) (bool, error) { return true, r.err }
func (r recomputer) RecomputeCollection(context.Context, string) (bool, error) { return true, r.err }

func TestAggregateHandlers(t *testing.T) {
	ctx := context.Background()
	token := domain.TokenAggregateTask(domain.TokenRef{Contract: contract, TokenID: "1"})
	coll := domain.CollectionAggregateTask(contract)

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"ok", nil, KindSuccess},
		{"lock held", domain.ErrLockHeld, KindThrottled},
		{"store down", errors.New("conn refused"), KindFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := recomputer{err: tt.err}
			assert.Equal(t, tt.want, TokenAggregates(r)(ctx, token).Kind)
			assert.Equal(t, tt.want, CollectionAggregates(r)(ctx, coll).Kind)
		})
	}
	assert.Equal(t, lockBackoff, TokenAggregates(recomputer{err: domain.ErrLockHeld})(ctx, token).Delay)
}

func TestMetadataRefresh(t *testing.T) {
	ctx := context.Background()
	db := memory.New()
	recipient := common.HexToAddress("0x00000000000000000000000000000000000000Ee")
	reader := &chainFake{kind: domain.ContractERC1155, royalty: big.NewInt(250), recipient: recipient}
	h := MetadataRefresh(reader, db.Collections(), discard())

	out := h(ctx, domain.MetadataRefreshTask(domain.MetadataRefresh{Contract: contract, Reason: "fees"}))
	require.Equal(t, KindSuccess, out.Kind, out.Describe())

	kind, err := db.Collections().GetKind(ctx, contract)
	require.NoError(t, err)
	assert.Equal(t, domain.ContractERC1155, kind)
	royalties, err := db.Collections().GetRoyalties(ctx, contract)
	require.NoError(t, err)
	assert.Equal(t, []domain.FeeBreakdown{{Kind: "royalty", Recipient: strings.ToLower(recipient.Hex()), Bps: 250}}, royalties)

	// A contract without EIP-2981 clears stale royalties.
	reader.royalty = nil
	out = h(ctx, domain.MetadataRefreshTask(domain.MetadataRefresh{Contract: contract}))
	require.Equal(t, KindSuccess, out.Kind)
	royalties, err = db.Collections().GetRoyalties(ctx, contract)
	require.NoError(t, err)
	assert.Empty(t, royalties)
}

type submitter struct {
	result orders.Result
	got    []orders.Submission
}

func (s *submitter) Submit(_ context.Context, subs []orders.Submission) ([]orders.Result, error) {
	s.got = append(s.got, subs...)
	return []orders.Result{s.result}, nil
}

func TestOrderSubmissions(t *testing.T) {
	ctx := context.Background()
	sub := Submission{
		Order:     orders.Submission{Kind: domain.OrderKindSeaport, Params: json.RawMessage(`{}`), Source: "example.xyz"},
		CrossPost: []string{"opensea", "looks-rare"},
	}

	tests := []struct {
		name      string
		result    orders.Result
		want      Kind
		crossPost int
	}{
		{"accepted", orders.Result{ID: "0xabc", Status: orders.StatusSuccess}, KindSuccess, 1},
		{"duplicate", orders.Result{ID: "0xabc", Status: orders.StatusAlreadyExists}, KindSuccess, 0},
		{"rejected", orders.Result{ID: "0xabc", Status: orders.StatusFeesTooHigh, Reason: "fee above cap"}, KindInvalid, 0},
		{"infrastructure", orders.Result{ID: "0xabc", Status: orders.StatusFailed, Reason: "db down"}, KindFailed, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := newQueue(t)
			book := &submitter{result: tt.result}
			task, err := SubmissionTask(sub)
			require.NoError(t, err)
			assert.NotEmpty(t, task.ID)
			assert.Equal(t, domain.QueueOrderSubmissions, task.Queue)

			out := OrderSubmissions(book, q)(ctx, task)
			assert.Equal(t, tt.want, out.Kind, out.Describe())
			require.Len(t, book.got, 1)
			assert.Equal(t, "example.xyz", book.got[0].Source)

			for _, dest := range sub.CrossPost {
				n, err := q.Len(ctx, domain.CrossPostQueue(dest))
				require.NoError(t, err)
				assert.EqualValues(t, tt.crossPost, n, dest)
			}
			if tt.want == KindInvalid {
				assert.Equal(t, "fees-too-high: fee above cap", out.Describe())
			}
		})
	}
}

func TestSubmissionTaskIDsAreUnique(t *testing.T) {
	a, err := SubmissionTask(Submission{})
	require.NoError(t, err)
	b, err := SubmissionTask(Submission{})
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestFillCorrections(t *testing.T) {
	ctx := context.Background()
	db := memory.New()
	queue := newQueue(t)
	row := domain.FillEvent{
		OrderID:  "0x01",
		Contract: contract,
		TokenID:  "3",
		Amount:   big.NewInt(1),
		Price:    big.NewInt(1),
		Base:     domain.BaseEventParams{TxHash: "0xAbc", LogIndex: 4},
	}
	_, err := db.Fills().InsertBatch(ctx, []domain.FillEvent{row})
	require.NoError(t, err)

	h := FillCorrections(fills.NewCorrector(db.Fills(), queue, db.Audit(), discard()))
	task := domain.FillCorrectionTask([]domain.FillKey{row.Key()})
	assert.Equal(t, "0xabc:4:0+1", task.ID)

	out := h(ctx, task)
	require.Equal(t, KindSuccess, out.Kind, out.Describe())
	n, err := queue.Len(ctx, domain.QueueTokenAggregates)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	entries, err := db.Audit().List(ctx, domain.AuditFilter{Kind: domain.AuditFillCorrection})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "0xabc:4:0", entries[0].Subject)

	assert.Equal(t, KindInvalid, h(ctx, domain.FillCorrectionTask(nil)).Kind)
}
