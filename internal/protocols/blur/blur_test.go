package blur

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/nftbook/internal/domain"
	"github.com/alanyoungcy/nftbook/internal/events"
	pt "github.com/alanyoungcy/nftbook/internal/protocols/protocoltest"
)

var (
	exchange = common.HexToAddress("0x00000000000000000000000000000000000000e2")
	punks    = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	weth     = common.HexToAddress("0x00000000000000000000000000000000000000ee")
	alice    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob      = common.HexToAddress("0x00000000000000000000000000000000000000b0")
	carol    = common.HexToAddress("0x00000000000000000000000000000000000000c1")

	sellHash  = common.HexToHash("0x51")
	buyHash   = common.HexToHash("0xb1")
	otherHash = common.HexToHash("0x52")
)

func mkOrder(trader common.Address, side uint8, tokenID, price int64, payment common.Address) order {
	return order{
		Trader:         trader,
		Side:           side,
		Collection:     punks,
		TokenId:        big.NewInt(tokenID),
		Amount:         big.NewInt(1),
		PaymentToken:   payment,
		Price:          big.NewInt(price),
		ListingTime:    big.NewInt(1),
		ExpirationTime: big.NewInt(2),
		Fees:           []fee{},
		Salt:           big.NewInt(0),
		ExtraParams:    []byte{},
	}
}

func matchLog(t *testing.T, index uint, maker, taker common.Address, sell order, sh common.Hash, buy order, bh common.Hash) types.Log {
	t.Helper()
	return pt.Log(t, exchangeABI, exchange, "OrdersMatched", index,
		[]common.Hash{pt.Topic(maker), pt.Topic(taker)},
		sell, [32]byte(sh), buy, [32]byte(bh))
}

func process(t *testing.T, logs ...types.Log) *events.Accumulator {
	t.Helper()
	return pt.Process(t, New(exchange, pt.Reconciler(nil)), pt.Node{From: bob}, logs...)
}

func TestOrdersMatched(t *testing.T) {
	tests := []struct {
		name      string
		log       func(t *testing.T) types.Log
		wantID    common.Hash
		wantSide  domain.OrderSide
		wantMaker common.Address
		wantTaker common.Address
		wantCurr  common.Address
	}{
		{
			name: "listing taken",
			log: func(t *testing.T) types.Log {
				return matchLog(t, 0, alice, bob,
					mkOrder(alice, 1, 7, 100, common.Address{}), sellHash,
					mkOrder(bob, 0, 7, 100, common.Address{}), buyHash)
			},
			wantID: sellHash, wantSide: domain.OrderSideSell, wantMaker: alice, wantTaker: bob,
		},
		{
			name: "bid accepted",
			log: func(t *testing.T) types.Log {
				return matchLog(t, 0, bob, alice,
					mkOrder(alice, 1, 7, 100, weth), sellHash,
					mkOrder(bob, 0, 7, 100, weth), buyHash)
			},
			wantID: buyHash, wantSide: domain.OrderSideBuy, wantMaker: bob, wantTaker: alice, wantCurr: weth,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acc := process(t, tt.log(t))
			require.Len(t, acc.Fills, 1)
			f := acc.Fills[0]
			assert.Equal(t, hashID(tt.wantID), f.OrderID)
			assert.Equal(t, domain.OrderKindBlur, f.OrderKind)
			assert.Equal(t, tt.wantSide, f.OrderSide)
			assert.Equal(t, events.Hex(tt.wantMaker), f.Maker)
			assert.Equal(t, events.Hex(tt.wantTaker), f.Taker)
			assert.Equal(t, events.Hex(punks), f.Contract)
			assert.Equal(t, "7", f.TokenID)
			assert.Equal(t, "100", f.CurrencyPrice.String())
			assert.Equal(t, events.Hex(tt.wantCurr), f.Currency)
		})
	}
}

func TestOrdersMatchedCountsCounterpartOnce(t *testing.T) {
	// bob's bid fills alice's listing; a second match in the same
	// transaction rests on the bid and must not count it again.
	acc := process(t,
		matchLog(t, 0, alice, bob,
			mkOrder(alice, 1, 7, 100, weth), sellHash,
			mkOrder(bob, 0, 7, 100, weth), buyHash),
		matchLog(t, 1, bob, carol,
			mkOrder(carol, 1, 7, 100, weth), otherHash,
			mkOrder(bob, 0, 7, 100, weth), buyHash),
	)

	require.Len(t, acc.Fills, 1)
	assert.Equal(t, hashID(sellHash), acc.Fills[0].OrderID)
}

func TestCancellations(t *testing.T) {
	acc := process(t,
		pt.Log(t, exchangeABI, exchange, "OrderCancelled", 0, nil, [32]byte(sellHash)),
		pt.Log(t, exchangeABI, exchange, "NonceIncremented", 1, []common.Hash{pt.Topic(alice)}, big.NewInt(4)),
	)

	require.Len(t, acc.Cancels, 1)
	assert.Equal(t, hashID(sellHash), acc.Cancels[0].OrderID)
	require.Len(t, acc.BulkCancels, 1)
	assert.Equal(t, events.Hex(alice), acc.BulkCancels[0].Maker)
	assert.Equal(t, "4", acc.BulkCancels[0].MinNonce)
}
