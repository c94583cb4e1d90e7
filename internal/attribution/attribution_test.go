package attribution

import (
	"context"
	"log/slog"
	"math/big"
	"os"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/nftbook/internal/chain"
	"github.com/alanyoungcy/nftbook/internal/domain"
)

const routerABI = `[{"name":"execute","type":"function","inputs":[{"name":"data","type":"bytes"},{"name":"recipient","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]}]`

var (
	routerAddr   = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	exchangeAddr = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	endUser      = common.HexToAddress("0x00000000000000000000000000000000000000b0")
)

type memSources struct {
	sources []domain.Source
}

func (m *memSources) ByAddress(_ context.Context, address string) (domain.Source, bool, error) {
	for _, s := range m.sources {
		if s.Address != "" && strings.EqualFold(s.Address, address) {
			return s, true, nil
		}
	}
	return domain.Source{}, false, nil
}

func (m *memSources) GetOrCreate(_ context.Context, d, name, address string) (domain.Source, error) {
	for _, s := range m.sources {
		if s.Domain == d {
			return s, nil
		}
	}
	s := domain.Source{ID: len(m.sources) + 1, Domain: d, Name: name, Address: address}
	m.sources = append(m.sources, s)
	return s, nil
}

type txs map[common.Hash]chain.TxInfo

func (t txs) Transaction(_ context.Context, hash common.Hash) (chain.TxInfo, error) {
	info, ok := t[hash]
	if !ok {
		return chain.TxInfo{}, domain.ErrNotFound
	}
	return info, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func routerInput(t *testing.T) []byte {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(routerABI))
	require.NoError(t, err)
	data, err := parsed.Pack("execute", []byte{1, 2}, endUser, big.NewInt(1))
	require.NoError(t, err)
	return data
}

func TestRoutedFillOverridesTaker(t *testing.T) {
	router, err := NewRouter(routerAddr.Hex(), "Gem.xyz", "Gem", routerABI, "recipient")
	require.NoError(t, err)
	srcs := &memSources{}
	r := NewResolver(srcs, []Router{router}, testLogger())

	tx := common.HexToHash("0x01")
	attr, err := r.Resolve(context.Background(), txs{tx: {To: routerAddr, Input: routerInput(t)}}, tx, domain.OrderKindSeaport, Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, attr.OrderSourceID, "opensea created first")
	assert.Equal(t, 2, attr.AggregatorSourceID)
	assert.Equal(t, 2, attr.FillSourceID)
	assert.Equal(t, strings.ToLower(endUser.Hex()), attr.TakerOverride)
}

func TestDirectFillKeepsOrderSource(t *testing.T) {
	srcs := &memSources{}
	r := NewResolver(srcs, nil, testLogger())

	tx := common.HexToHash("0x02")
	attr, err := r.Resolve(context.Background(), txs{tx: {To: exchangeAddr}}, tx, domain.OrderKindBlur, Options{OrderSourceID: 42})
	require.NoError(t, err)
	assert.Equal(t, 42, attr.OrderSourceID)
	assert.Equal(t, 42, attr.FillSourceID)
	assert.Zero(t, attr.AggregatorSourceID)
	assert.Empty(t, attr.TakerOverride)
}

func TestKnownAddressWithoutRouterABI(t *testing.T) {
	srcs := &memSources{sources: []domain.Source{{ID: 5, Domain: "reservoir.tools", Address: routerAddr.Hex()}}}
	r := NewResolver(srcs, nil, testLogger())

	tx := common.HexToHash("0x03")
	attr, err := r.Resolve(context.Background(), txs{tx: {To: routerAddr, Input: routerInput(t)}}, tx, domain.OrderKindLooksRareV2, Options{})
	require.NoError(t, err)
	assert.Equal(t, 5, attr.AggregatorSourceID)
	assert.Empty(t, attr.TakerOverride)
}

func TestApplyTouchesOnlyAttributionFields(t *testing.T) {
	f := domain.FillEvent{
		OrderID: "0xorder",
		Maker:   "0xmaker",
		Taker:   "0xrouter",
		Price:   big.NewInt(100),
		Amount:  big.NewInt(1),
	}
	Apply(&f, domain.Attribution{OrderSourceID: 1, AggregatorSourceID: 2, FillSourceID: 2, TakerOverride: "0xuser"})

	assert.Equal(t, "0xuser", f.Taker)
	assert.Equal(t, "0xmaker", f.Maker)
	assert.Equal(t, "0xorder", f.OrderID)
	assert.Equal(t, int64(100), f.Price.Int64())
	assert.Equal(t, 2, f.FillSourceID)
}
