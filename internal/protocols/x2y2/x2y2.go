// Package x2y2 handles X2Y2 exchange events.
package x2y2

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/nftbook/internal/domain"
	"github.com/alanyoungcy/nftbook/internal/events"
	"github.com/alanyoungcy/nftbook/internal/fills"
)

// Order intents and delegate types.
const (
	intentSell = 1
	intentBuy  = 3

	delegateERC721 = 1
)

var exchangeABI = events.MustABI(`[
 {"type":"event","name":"EvInventory","anonymous":false,"inputs":[
  {"name":"itemHash","type":"bytes32","indexed":true},
  {"name":"maker","type":"address","indexed":false},
  {"name":"taker","type":"address","indexed":false},
  {"name":"orderSalt","type":"uint256","indexed":false},
  {"name":"settleSalt","type":"uint256","indexed":false},
  {"name":"intent","type":"uint256","indexed":false},
  {"name":"delegateType","type":"uint256","indexed":false},
  {"name":"deadline","type":"uint256","indexed":false},
  {"name":"currency","type":"address","indexed":false},
  {"name":"dataMask","type":"bytes","indexed":false},
  {"name":"item","type":"tuple","indexed":false,"components":[
   {"name":"price","type":"uint256"},{"name":"data","type":"bytes"}]},
  {"name":"detail","type":"tuple","indexed":false,"components":[
   {"name":"op","type":"uint8"},{"name":"orderIdx","type":"uint256"},
   {"name":"itemIdx","type":"uint256"},{"name":"price","type":"uint256"},
   {"name":"itemHash","type":"bytes32"},{"name":"executionDelegate","type":"address"},
   {"name":"dataReplacement","type":"bytes"},{"name":"bidIncentivePct","type":"uint256"},
   {"name":"aucMinIncrementPct","type":"uint256"},{"name":"aucIncDurationSecs","type":"uint256"},
   {"name":"fees","type":"tuple[]","components":[
    {"name":"percentage","type":"uint256"},{"name":"to","type":"address"}]}]}]},
 {"type":"event","name":"EvCancel","anonymous":false,"inputs":[
  {"name":"itemHash","type":"bytes32","indexed":true}]}
]`)

// tokenPairs decodes the item data of an ERC721 order.
var tokenPairs = func() abi.Arguments {
	t, err := abi.NewType("tuple[]", "", []abi.ArgumentMarshaling{
		{Name: "token", Type: "address"},
		{Name: "tokenId", Type: "uint256"},
	})
	if err != nil {
		panic(err)
	}
	return abi.Arguments{{Type: t}}
}()

type orderItem struct {
	Price *big.Int
	Data  []byte
}

type fee struct {
	Percentage *big.Int
	To         common.Address
}

type settleDetail struct {
	Op                 uint8
	OrderIdx           *big.Int
	ItemIdx            *big.Int
	Price              *big.Int
	ItemHash           [32]byte
	ExecutionDelegate  common.Address
	DataReplacement    []byte
	BidIncentivePct    *big.Int
	AucMinIncrementPct *big.Int
	AucIncDurationSecs *big.Int
	Fees               []fee
}

type inventory struct {
	ItemHash     [32]byte
	Maker        common.Address
	Taker        common.Address
	OrderSalt    *big.Int
	SettleSalt   *big.Int
	Intent       *big.Int
	DelegateType *big.Int
	Deadline     *big.Int
	Currency     common.Address
	DataMask     []byte
	Item         orderItem
	Detail       settleDetail
}

type cancel struct {
	ItemHash [32]byte
}

type tokenPair struct {
	Token   common.Address
	TokenId *big.Int
}

// Handler handles one X2Y2 deployment.
type Handler struct {
	exchange common.Address
	fills    *fills.Reconciler
}

var _ events.ProtocolHandler = (*Handler)(nil)

// New creates a Handler for the exchange at address.
func New(exchange common.Address, reconciler *fills.Reconciler) *Handler {
	return &Handler{exchange: exchange, fills: reconciler}
}

func (h *Handler) Definitions() []events.Definition {
	return []events.Definition{
		events.Define(exchangeABI, "EvInventory", domain.X2Y2OrderInventory, h.exchange),
		events.Define(exchangeABI, "EvCancel", domain.X2Y2OrderCancelled, h.exchange),
	}
}

func (h *Handler) Handle(ctx context.Context, env *events.Env, ev domain.RawEvent) error {
	switch ev.SubKind {
	case domain.X2Y2OrderInventory:
		var inv inventory
		if err := events.UnpackLog(exchangeABI, &inv, "EvInventory", ev.Log); err != nil {
			return err
		}
		return h.inventory(ctx, env, ev, inv)

	case domain.X2Y2OrderCancelled:
		var c cancel
		if err := events.UnpackLog(exchangeABI, &c, "EvCancel", ev.Log); err != nil {
			return err
		}
		env.Acc.AddCancel(domain.CancelEvent{
			OrderKind: domain.OrderKindX2Y2,
			OrderID:   strings.ToLower(common.Hash(c.ItemHash).Hex()),
			Base:      ev.Base,
		})
		return nil
	}
	return fmt.Errorf("%w: %s", domain.ErrUnknownEvent, ev.SubKind)
}

func (h *Handler) inventory(ctx context.Context, env *events.Env, ev domain.RawEvent, inv inventory) error {
	if !inv.DelegateType.IsInt64() || inv.DelegateType.Int64() != delegateERC721 {
		return fmt.Errorf("%w: delegate type %s", events.ErrSkip, inv.DelegateType)
	}
	pair, err := decodePair(inv.Item.Data)
	if err != nil {
		return fmt.Errorf("%w: %v", events.ErrSkip, err)
	}

	var side domain.OrderSide
	switch {
	case inv.Intent.IsInt64() && inv.Intent.Int64() == intentSell:
		side = domain.OrderSideSell
	case inv.Intent.IsInt64() && inv.Intent.Int64() == intentBuy:
		side = domain.OrderSideBuy
	default:
		return fmt.Errorf("%w: intent %s", events.ErrSkip, inv.Intent)
	}

	return h.fills.Emit(ctx, env, fills.Leg{
		OrderID:  strings.ToLower(common.Hash(inv.ItemHash).Hex()),
		Kind:     domain.OrderKindX2Y2,
		Side:     side,
		Maker:    events.Hex(inv.Maker),
		Taker:    events.Hex(inv.Taker),
		Contract: events.Hex(pair.Token),
		TokenID:  pair.TokenId.String(),
		Amount:   big.NewInt(1),
		Currency: events.Hex(inv.Currency),
		Price:    inv.Detail.Price,
		Base:     ev.Base,
	})
}

func decodePair(data []byte) (tokenPair, error) {
	values, err := tokenPairs.Unpack(data)
	if err != nil {
		return tokenPair{}, fmt.Errorf("x2y2: item data: %w", err)
	}
	var pairs []tokenPair
	if err := tokenPairs.Copy(&pairs, values); err != nil {
		return tokenPair{}, fmt.Errorf("x2y2: item data: %w", err)
	}
	if len(pairs) != 1 {
		return tokenPair{}, fmt.Errorf("x2y2: %d tokens in item", len(pairs))
	}
	return pairs[0], nil
}
