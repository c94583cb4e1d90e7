package zeroex

import (
	"context"
	"math/big"
	"strconv"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/nftbook/internal/codec"
	"github.com/alanyoungcy/nftbook/internal/domain"
	"github.com/alanyoungcy/nftbook/internal/events"
	pt "github.com/alanyoungcy/nftbook/internal/protocols/protocoltest"
)

var (
	exchange = common.HexToAddress("0x00000000000000000000000000000000000000e6")
	punks    = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	weth     = common.HexToAddress("0x00000000000000000000000000000000000000ee")
	alice    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob      = common.HexToAddress("0x00000000000000000000000000000000000000b0")
)

type orderList []domain.CanonicalOrder

func (l orderList) ListByMaker(_ context.Context, maker, _ string, side domain.OrderSide) ([]domain.CanonicalOrder, error) {
	var out []domain.CanonicalOrder
	for _, o := range l {
		if o.Maker == maker && o.Side == side {
			out = append(out, o)
		}
	}
	return out, nil
}

func listing(id string, nonce, tokenID, price, quantity int64) domain.CanonicalOrder {
	return domain.CanonicalOrder{
		ID:                id,
		Kind:              domain.OrderKindZeroExV4,
		Side:              domain.OrderSideSell,
		Maker:             events.Hex(alice),
		Contract:          events.Hex(punks),
		TokenSetID:        "token:" + events.Hex(punks) + ":" + strconv.FormatInt(tokenID, 10),
		Price:             big.NewInt(price),
		Nonce:             big.NewInt(nonce),
		QuantityRemaining: big.NewInt(quantity),
	}
}

func process(t *testing.T, orders orderList, logs ...types.Log) *events.Accumulator {
	t.Helper()
	return pt.Process(t, New(exchange, orders, pt.Reconciler(nil)), pt.Node{From: bob}, logs...)
}

func erc721Fill(t *testing.T, direction uint8, maker, taker common.Address, nonce int64, currency common.Address, price, tokenID int64) types.Log {
	t.Helper()
	return pt.Log(t, exchangeABI, exchange, "ERC721OrderFilled", 0, nil,
		direction, maker, taker, big.NewInt(nonce), currency, big.NewInt(price), punks, big.NewInt(tokenID), common.Address{})
}

func TestERC721OrderFilled(t *testing.T) {
	bid := listing("0xbid", 4, 0, 90, 1)
	bid.Side, bid.Contract, bid.TokenSetID = domain.OrderSideBuy, events.Hex(punks), "contract:"+events.Hex(punks)
	orders := orderList{listing("0xsell", 3, 7, 100, 1), listing("0xother", 9, 7, 100, 1), bid}

	tests := []struct {
		name     string
		log      func(t *testing.T) types.Log
		wantID   string
		wantSide domain.OrderSide
		wantCurr common.Address
	}{
		{
			name: "listing found by nonce",
			log: func(t *testing.T) types.Log {
				return erc721Fill(t, 0, alice, bob, 3, codec.ZeroExNativeToken, 100, 7)
			},
			wantID: "0xsell", wantSide: domain.OrderSideSell,
		},
		{
			name: "listing for another token",
			log: func(t *testing.T) types.Log {
				return erc721Fill(t, 0, alice, bob, 3, codec.ZeroExNativeToken, 100, 8)
			},
			wantSide: domain.OrderSideSell,
		},
		{
			name: "collection bid",
			log: func(t *testing.T) types.Log {
				return erc721Fill(t, 1, alice, bob, 4, weth, 90, 8)
			},
			wantID: "0xbid", wantSide: domain.OrderSideBuy, wantCurr: weth,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acc := process(t, orders, tt.log(t))
			require.Len(t, acc.Fills, 1)
			f := acc.Fills[0]
			assert.Equal(t, tt.wantID, f.OrderID)
			assert.Equal(t, domain.OrderKindZeroExV4, f.OrderKind)
			assert.Equal(t, tt.wantSide, f.OrderSide)
			assert.Equal(t, events.Hex(alice), f.Maker)
			assert.Equal(t, events.Hex(bob), f.Taker)
			assert.Equal(t, events.Hex(tt.wantCurr), f.Currency)
		})
	}
}

func TestERC1155FillSplitsSameNonceOrders(t *testing.T) {
	// Both listings share nonce 5. The taker bought 4 units for 44, which
	// drains the cheaper listing first.
	orders := orderList{
		listing("0xb", 5, 7, 12, 3),
		listing("0xa", 5, 7, 10, 3),
		listing("0xc", 5, 6, 1, 3),
	}
	log := pt.Log(t, exchangeABI, exchange, "ERC1155OrderFilled", 0, nil,
		uint8(0), alice, bob, big.NewInt(5), codec.ZeroExNativeToken, big.NewInt(44),
		punks, big.NewInt(7), big.NewInt(4), common.Address{})

	acc := process(t, orders, log)

	require.Len(t, acc.Fills, 2)
	tests := []struct {
		id     string
		amount string
		price  string
	}{
		{id: "0xa", amount: "3", price: "33"},
		{id: "0xb", amount: "1", price: "11"},
	}
	for i, tt := range tests {
		f := acc.Fills[i]
		assert.Equal(t, tt.id, f.OrderID)
		assert.Equal(t, tt.amount, f.Amount.String())
		assert.Equal(t, tt.price, f.CurrencyPrice.String())
		assert.Equal(t, "7", f.TokenID)
		assert.Equal(t, uint(i+1), f.Base.BatchIndex)
	}
}

func TestERC1155FillExceedingGroupIsSkipped(t *testing.T) {
	orders := orderList{listing("0xa", 5, 7, 10, 1), listing("0xb", 5, 7, 12, 1)}
	log := pt.Log(t, exchangeABI, exchange, "ERC1155OrderFilled", 0, nil,
		uint8(0), alice, bob, big.NewInt(5), codec.ZeroExNativeToken, big.NewInt(44),
		punks, big.NewInt(7), big.NewInt(4), common.Address{})

	assert.Empty(t, process(t, orders, log).Fills)
}

func TestOrderCancelled(t *testing.T) {
	acc := process(t, nil,
		pt.Log(t, exchangeABI, exchange, "ERC721OrderCancelled", 0, nil, alice, big.NewInt(3)),
		pt.Log(t, exchangeABI, exchange, "ERC1155OrderCancelled", 1, nil, alice, big.NewInt(5)),
	)

	require.Len(t, acc.NonceCancels, 2)
	for i, want := range []string{"3", "5"} {
		c := acc.NonceCancels[i]
		assert.Equal(t, domain.OrderKindZeroExV4, c.OrderKind)
		assert.Equal(t, events.Hex(alice), c.Maker)
		assert.Equal(t, domain.NonceFieldOrder, c.Field)
		assert.Equal(t, want, c.Nonce)
	}
}
