// Package blur handles Blur exchange events.
package blur

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/nftbook/internal/domain"
	"github.com/alanyoungcy/nftbook/internal/events"
	"github.com/alanyoungcy/nftbook/internal/fills"
)

const orderTuple = `[
   {"name":"trader","type":"address"},{"name":"side","type":"uint8"},
   {"name":"matchingPolicy","type":"address"},{"name":"collection","type":"address"},
   {"name":"tokenId","type":"uint256"},{"name":"amount","type":"uint256"},
   {"name":"paymentToken","type":"address"},{"name":"price","type":"uint256"},
   {"name":"listingTime","type":"uint256"},{"name":"expirationTime","type":"uint256"},
   {"name":"fees","type":"tuple[]","components":[{"name":"rate","type":"uint16"},{"name":"recipient","type":"address"}]},
   {"name":"salt","type":"uint256"},{"name":"extraParams","type":"bytes"}]`

var exchangeABI = events.MustABI(`[
 {"type":"event","name":"OrdersMatched","anonymous":false,"inputs":[
  {"name":"maker","type":"address","indexed":true},
  {"name":"taker","type":"address","indexed":true},
  {"name":"sell","type":"tuple","indexed":false,"components":` + orderTuple + `},
  {"name":"sellHash","type":"bytes32","indexed":false},
  {"name":"buy","type":"tuple","indexed":false,"components":` + orderTuple + `},
  {"name":"buyHash","type":"bytes32","indexed":false}]},
 {"type":"event","name":"OrderCancelled","anonymous":false,"inputs":[
  {"name":"hash","type":"bytes32","indexed":false}]},
 {"type":"event","name":"NonceIncremented","anonymous":false,"inputs":[
  {"name":"trader","type":"address","indexed":true},
  {"name":"newNonce","type":"uint256","indexed":false}]}
]`)

type fee struct {
	Rate      uint16
	Recipient common.Address
}

type order struct {
	Trader         common.Address
	Side           uint8
	MatchingPolicy common.Address
	Collection     common.Address
	TokenId        *big.Int
	Amount         *big.Int
	PaymentToken   common.Address
	Price          *big.Int
	ListingTime    *big.Int
	ExpirationTime *big.Int
	Fees           []fee
	Salt           *big.Int
	ExtraParams    []byte
}

type ordersMatched struct {
	Maker    common.Address
	Taker    common.Address
	Sell     order
	SellHash [32]byte
	Buy      order
	BuyHash  [32]byte
}

type orderCancelled struct {
	Hash [32]byte
}

type nonceIncremented struct {
	Trader   common.Address
	NewNonce *big.Int
}

// Handler handles one Blur exchange deployment.
type Handler struct {
	exchange common.Address
	fills    *fills.Reconciler
}

var (
	_ events.ProtocolHandler = (*Handler)(nil)
	_ events.PreScanner      = (*Handler)(nil)
)

// New creates a Handler for the exchange at address.
func New(exchange common.Address, reconciler *fills.Reconciler) *Handler {
	return &Handler{exchange: exchange, fills: reconciler}
}

func (h *Handler) Definitions() []events.Definition {
	return []events.Definition{
		events.Define(exchangeABI, "OrdersMatched", domain.BlurOrdersMatched, h.exchange),
		events.Define(exchangeABI, "OrderCancelled", domain.BlurOrderCancelled, h.exchange),
		events.Define(exchangeABI, "NonceIncremented", domain.BlurNonceIncremented, h.exchange),
	}
}

// PreScan pairs the sell and buy order of every match in the transaction.
func (h *Handler) PreScan(env *events.Env, txEvents []domain.RawEvent) {
	for _, ev := range txEvents {
		if ev.SubKind != domain.BlurOrdersMatched {
			continue
		}
		var m ordersMatched
		if err := events.UnpackLog(exchangeABI, &m, "OrdersMatched", ev.Log); err != nil {
			continue
		}
		env.MarkMatched(hashID(m.SellHash), hashID(m.BuyHash))
	}
}

func (h *Handler) Handle(ctx context.Context, env *events.Env, ev domain.RawEvent) error {
	switch ev.SubKind {
	case domain.BlurOrdersMatched:
		return h.matched(ctx, env, ev)

	case domain.BlurOrderCancelled:
		var c orderCancelled
		if err := events.UnpackLog(exchangeABI, &c, "OrderCancelled", ev.Log); err != nil {
			return err
		}
		env.Acc.AddCancel(domain.CancelEvent{
			OrderKind: domain.OrderKindBlur,
			OrderID:   hashID(c.Hash),
			Base:      ev.Base,
		})
		return nil

	case domain.BlurNonceIncremented:
		var n nonceIncremented
		if err := events.UnpackLog(exchangeABI, &n, "NonceIncremented", ev.Log); err != nil {
			return err
		}
		env.Acc.AddBulkCancel(domain.BulkCancelEvent{
			OrderKind: domain.OrderKindBlur,
			Maker:     events.Hex(n.Trader),
			MinNonce:  n.NewNonce.String(),
			Base:      ev.Base,
		})
		return nil
	}
	return fmt.Errorf("%w: %s", domain.ErrUnknownEvent, ev.SubKind)
}

// matched records the leg of whichever order was resting. The order whose
// trader is the maker of the match is the resting one; the other side was
// created by the taker for this call only.
func (h *Handler) matched(ctx context.Context, env *events.Env, ev domain.RawEvent) error {
	var m ordersMatched
	if err := events.UnpackLog(exchangeABI, &m, "OrdersMatched", ev.Log); err != nil {
		return err
	}

	sellID, buyID := hashID(m.SellHash), hashID(m.BuyHash)
	resting, restingID, counterpart := m.Sell, sellID, buyID
	side := domain.OrderSideSell
	if m.Maker == m.Buy.Trader && m.Maker != m.Sell.Trader {
		resting, restingID, counterpart = m.Buy, buyID, sellID
		side = domain.OrderSideBuy
	}

	leg := fills.Leg{
		OrderID:  restingID,
		Kind:     domain.OrderKindBlur,
		Side:     side,
		Maker:    events.Hex(m.Maker),
		Taker:    events.Hex(m.Taker),
		Contract: events.Hex(resting.Collection),
		TokenID:  m.Sell.TokenId.String(),
		Amount:   m.Sell.Amount,
		Currency: events.Hex(resting.PaymentToken),
		Price:    m.Sell.Price,
		Base:     ev.Base,
	}
	return h.fills.EmitPair(ctx, env, leg, counterpart)
}

func hashID(h [32]byte) string {
	return strings.ToLower(common.Hash(h).Hex())
}
