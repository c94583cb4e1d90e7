package orders

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rediscache "github.com/alanyoungcy/nftbook/internal/cache/redis"
	"github.com/alanyoungcy/nftbook/internal/codec"
	"github.com/alanyoungcy/nftbook/internal/domain"
	"github.com/alanyoungcy/nftbook/internal/sources"
	"github.com/alanyoungcy/nftbook/internal/store/memory"
	"github.com/alanyoungcy/nftbook/internal/tokensets"
)

var (
	testContract = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	testWETH     = common.HexToAddress("0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2")
	testUSDC     = common.HexToAddress("0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48")
	testMaker    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	testOperator = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	testNow      = time.Unix(1_700_000_000, 0)
)

// stubCodec returns canned infos keyed by the order salt.
type stubCodec struct {
	infos  map[string]codec.Info
	badSig map[string]bool
}

func (c *stubCodec) ID(o codec.BlurOrder) (string, error) {
	return fmt.Sprintf("0x%064x", o.Salt), nil
}

func (c *stubCodec) Info(o codec.BlurOrder) (codec.Info, error) {
	info, ok := c.infos[o.Salt.String()]
	if !ok {
		return codec.Info{}, fmt.Errorf("%w: unknown salt", codec.ErrStructure)
	}
	return info, nil
}

func (c *stubCodec) VerifySignature(o codec.BlurOrder) error {
	if c.badSig[o.Salt.String()] {
		return codec.ErrSignature
	}
	return nil
}

type fakeChainState struct {
	owners map[string]common.Address
	erc20  *big.Int
	failOn common.Address
}

func (p *fakeChainState) ContractKind(_ context.Context, contract common.Address) (domain.ContractKind, error) {
	if contract == p.failOn {
		return "", errors.New("rpc down")
	}
	return domain.ContractERC721, nil
}

func (p *fakeChainState) OwnerOf(_ context.Context, _ common.Address, tokenID *big.Int) (common.Address, error) {
	return p.owners[tokenID.String()], nil
}

func (p *fakeChainState) ERC1155Balance(context.Context, common.Address, common.Address, *big.Int) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (p *fakeChainState) IsApprovedForAll(context.Context, common.Address, common.Address, common.Address) (bool, error) {
	return true, nil
}

func (p *fakeChainState) ERC20Balance(context.Context, common.Address, common.Address) (*big.Int, error) {
	return p.erc20, nil
}

func (p *fakeChainState) ERC20Allowance(context.Context, common.Address, common.Address, common.Address) (*big.Int, error) {
	return p.erc20, nil
}

// fakePrices treats USDC as worth half a native unit and knows nothing else.
type fakePrices struct{}

func (fakePrices) IsNative(currency string) bool {
	return currency == strings.ToLower(common.Address{}.Hex()) || currency == strings.ToLower(testWETH.Hex())
}

func (fakePrices) ToNative(_ context.Context, currency string, amount *big.Int, _ time.Time) (*big.Int, error) {
	if currency != strings.ToLower(testUSDC.Hex()) {
		return nil, domain.ErrNoPrice
	}
	return new(big.Int).Quo(amount, big.NewInt(2)), nil
}

type fixture struct {
	db    *memory.DB
	queue *rediscache.TaskQueue
	codec *stubCodec
	state *fakeChainState
	n     *Normalizer[codec.BlurOrder]
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	f := &fixture{
		db:    memory.New(),
		queue: rediscache.NewTaskQueue(rediscache.Wrap(rdb)),
		codec: &stubCodec{infos: map[string]codec.Info{}, badSig: map[string]bool{}},
		state: &fakeChainState{owners: map[string]common.Address{}, erc20: big.NewInt(1e18)},
	}
	f.n = NewNormalizer[codec.BlurOrder](f.codec, Deps{
		Orders:      f.db.Orders(),
		Collections: f.db.Collections(),
		TokenSets:   tokensets.NewResolver(f.db.TokenSets()),
		Chain:       f.state,
		Prices:      fakePrices{},
		Sources:     sources.NewRegistry(f.db.Sources(), 16, time.Minute),
		Queue:       f.queue,
		Wrapped:     testWETH,
		Workers:     2,
		Now:         func() time.Time { return testNow },
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return f
}

func (f *fixture) listing(salt int64, tokenID int64, price int64) Candidate[codec.BlurOrder] {
	f.state.owners[big.NewInt(tokenID).String()] = testMaker
	f.codec.infos[big.NewInt(salt).String()] = codec.Info{
		Side:      domain.OrderSideSell,
		Maker:     testMaker,
		Contract:  testContract,
		TokenSet:  codec.TokenSetShape{Kind: domain.TokenSetToken, TokenID: big.NewInt(tokenID)},
		Amount:    big.NewInt(1),
		Price:     big.NewInt(price),
		BulkNonce: big.NewInt(0),
		ValidTo:   testNow.Add(time.Hour).Unix(),
		Operator:  testOperator,
	}
	return Candidate[codec.BlurOrder]{Params: codec.BlurOrder{Salt: big.NewInt(salt)}}
}

func (f *fixture) bid(salt int64, currency common.Address, price int64, fee int64) Candidate[codec.BlurOrder] {
	info := codec.Info{
		Side:     domain.OrderSideBuy,
		Maker:    testMaker,
		Contract: testContract,
		TokenSet: codec.TokenSetShape{Kind: domain.TokenSetContract},
		Amount:   big.NewInt(1),
		Currency: currency,
		Price:    big.NewInt(price),
		Operator: testOperator,
	}
	if fee > 0 {
		info.Fees = []codec.Fee{{Kind: codec.FeeMarketplace, Recipient: common.HexToAddress("0xfee"), Amount: big.NewInt(fee)}}
	}
	f.codec.infos[big.NewInt(salt).String()] = info
	return Candidate[codec.BlurOrder]{Params: codec.BlurOrder{Salt: big.NewInt(salt)}}
}

func TestSaveIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.listing(1, 1, 1000)

	res, err := f.n.Save(ctx, []Candidate[codec.BlurOrder]{c})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, StatusSuccess, res[0].Status)

	res, err = f.n.Save(ctx, []Candidate[codec.BlurOrder]{c})
	require.NoError(t, err)
	assert.Equal(t, StatusAlreadyExists, res[0].Status)

	order, err := f.db.Orders().GetByID(ctx, res[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.FillabilityFillable, order.FillabilityStatus)
	assert.Equal(t, "token:"+strings.ToLower(testContract.Hex())+":1", order.TokenSetID)
	assert.Equal(t, int64(1000), order.Value.Int64())
	assert.Equal(t, int64(1000), order.NormalizedValue.Int64())

	n, err := f.queue.Len(ctx, domain.QueueOrderUpdatesByID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSaveDedupesWithinBatch(t *testing.T) {
	f := newFixture(t)
	c := f.listing(1, 1, 1000)

	res, err := f.n.Save(context.Background(), []Candidate[codec.BlurOrder]{c, c})
	require.NoError(t, err)
	statuses := []Status{res[0].Status, res[1].Status}
	assert.ElementsMatch(t, []Status{StatusSuccess, StatusAlreadyExists}, statuses)
}

func TestSaveRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	expired := f.listing(10, 10, 1000)
	info := f.codec.infos["10"]
	info.ValidTo = testNow.Add(-time.Second).Unix()
	f.codec.infos["10"] = info

	badSig := f.listing(11, 11, 1000)
	f.codec.badSig["11"] = true

	unknown := Candidate[codec.BlurOrder]{Params: codec.BlurOrder{Salt: big.NewInt(12)}}
	usdBid := f.bid(13, testUSDC, 1000, 0)
	greedy := f.bid(14, testWETH, 1000, 1001)

	noKind := f.listing(15, 15, 1000)
	other := common.HexToAddress("0x00000000000000000000000000000000000000c2")
	info = f.codec.infos["15"]
	info.Contract = other
	f.codec.infos["15"] = info
	f.state.failOn = other

	ok := f.bid(16, testWETH, 1000, 50)

	res, err := f.n.Save(ctx, []Candidate[codec.BlurOrder]{expired, badSig, unknown, usdBid, greedy, noKind, ok})
	require.NoError(t, err)
	require.Len(t, res, 7)
	assert.Equal(t, StatusExpired, res[0].Status)
	assert.Equal(t, StatusInvalidSignature, res[1].Status)
	assert.Equal(t, StatusInvalid, res[2].Status)
	assert.Equal(t, StatusUnsupportedPaymentToken, res[3].Status)
	assert.Equal(t, StatusFeesTooHigh, res[4].Status)
	assert.Equal(t, StatusNotFillable, res[5].Status)
	assert.Equal(t, StatusSuccess, res[6].Status)

	for _, r := range res[:6] {
		assert.True(t, r.Status.Terminal())
		exists, err := f.db.Orders().Exists(ctx, r.ID)
		require.NoError(t, err)
		assert.False(t, exists)
	}

	bid, err := f.db.Orders().GetByID(ctx, res[6].ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), bid.Price.Int64())
	assert.Equal(t, int64(950), bid.Value.Int64())
	assert.Equal(t, 50, bid.FeeBps)
	assert.Equal(t, "contract:"+strings.ToLower(testContract.Hex()), bid.TokenSetID)
}

func TestSaveDuplicatedNonce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.listing(20, 20, 1000)
	second := f.listing(21, 21, 1000)
	for _, salt := range []string{"20", "21"} {
		info := f.codec.infos[salt]
		info.Nonce = big.NewInt(9)
		info.NonceUnique = true
		f.codec.infos[salt] = info
	}

	res, err := f.n.Save(ctx, []Candidate[codec.BlurOrder]{first})
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, res[0].Status)

	res, err = f.n.Save(ctx, []Candidate[codec.BlurOrder]{second})
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicatedNonce, res[0].Status)
}

func TestSaveConvertsNonNativeListings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	usdc := f.listing(30, 30, 1000)
	info := f.codec.infos["30"]
	info.Currency = testUSDC
	f.codec.infos["30"] = info

	dai := f.listing(31, 31, 1000)
	info = f.codec.infos["31"]
	info.Currency = common.HexToAddress("0x6b175474e89094c44da98b954eedeac495271d0f")
	f.codec.infos["31"] = info

	res, err := f.n.Save(ctx, []Candidate[codec.BlurOrder]{usdc, dai})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res[0].Status)
	assert.Equal(t, StatusFailedToConvertPrice, res[1].Status)

	order, err := f.db.Orders().GetByID(ctx, res[0].ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), order.CurrencyPrice.Int64())
	assert.Equal(t, int64(500), order.Price.Int64())
}

func TestSaveEnqueuesOnlyFillable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c := f.listing(40, 40, 1000)
	f.state.owners["40"] = common.HexToAddress("0xbeef")

	res, err := f.n.Save(ctx, []Candidate[codec.BlurOrder]{c})
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, res[0].Status)

	order, err := f.db.Orders().GetByID(ctx, res[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.FillabilityNoBalance, order.FillabilityStatus)

	n, err := f.queue.Len(ctx, domain.QueueOrderUpdatesByID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSaveTagsSource(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c := f.listing(50, 50, 1000)
	c.Source = "market.example"

	res, err := f.n.Save(ctx, []Candidate[codec.BlurOrder]{c})
	require.NoError(t, err)
	order, err := f.db.Orders().GetByID(ctx, res[0].ID)
	require.NoError(t, err)

	src, err := f.db.Sources().GetByDomain(ctx, "market.example")
	require.NoError(t, err)
	assert.Equal(t, src.ID, order.SourceID)
}

func TestCheckerBuySide(t *testing.T) {
	state := &fakeChainState{erc20: big.NewInt(500)}
	c := NewChecker(state)

	fill, approval, err := c.Check(context.Background(), FillabilityInput{
		Side: domain.OrderSideBuy, Currency: testWETH, Maker: testMaker, Price: big.NewInt(1000),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.FillabilityNoBalance, fill)
	assert.Equal(t, domain.ApprovalNoApproval, approval)

	_, _, err = c.Check(context.Background(), FillabilityInput{Side: domain.OrderSideSell})
	assert.Error(t, err)
}
