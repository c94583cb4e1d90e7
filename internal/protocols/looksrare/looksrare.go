// Package looksrare handles LooksRare v2 protocol events.
package looksrare

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

const nonceTuple = `[{"name":"orderHash","type":"bytes32"},{"name":"orderNonce","type":"uint256"},{"name":"isNonceInvalidated","type":"bool"}]`

var protocolABI = events.MustABI(`[
 {"type":"event","name":"TakerAsk","anonymous":false,"inputs":[
  {"name":"nonceInvalidationParameters","type":"tuple","indexed":false,"components":` + nonceTuple + `},
  {"name":"askUser","type":"address","indexed":false},
  {"name":"bidUser","type":"address","indexed":false},
  {"name":"strategyId","type":"uint256","indexed":false},
  {"name":"currency","type":"address","indexed":false},
  {"name":"collection","type":"address","indexed":false},
  {"name":"itemIds","type":"uint256[]","indexed":false},
  {"name":"amounts","type":"uint256[]","indexed":false},
  {"name":"feeRecipients","type":"address[2]","indexed":false},
  {"name":"feeAmounts","type":"uint256[3]","indexed":false}]},
 {"type":"event","name":"TakerBid","anonymous":false,"inputs":[
  {"name":"nonceInvalidationParameters","type":"tuple","indexed":false,"components":` + nonceTuple + `},
  {"name":"bidUser","type":"address","indexed":false},
  {"name":"bidRecipient","type":"address","indexed":false},
  {"name":"strategyId","type":"uint256","indexed":false},
  {"name":"currency","type":"address","indexed":false},
  {"name":"collection","type":"address","indexed":false},
  {"name":"itemIds","type":"uint256[]","indexed":false},
  {"name":"amounts","type":"uint256[]","indexed":false},
  {"name":"feeRecipients","type":"address[2]","indexed":false},
  {"name":"feeAmounts","type":"uint256[3]","indexed":false}]},
 {"type":"event","name":"NewBidAskNonces","anonymous":false,"inputs":[
  {"name":"user","type":"address","indexed":false},
  {"name":"bidNonce","type":"uint256","indexed":false},
  {"name":"askNonce","type":"uint256","indexed":false}]},
 {"type":"event","name":"OrderNoncesCancelled","anonymous":false,"inputs":[
  {"name":"user","type":"address","indexed":false},
  {"name":"orderNonces","type":"uint256[]","indexed":false}]},
 {"type":"event","name":"SubsetNoncesCancelled","anonymous":false,"inputs":[
  {"name":"user","type":"address","indexed":false},
  {"name":"subsetNonces","type":"uint256[]","indexed":false}]}
]`)

type nonceInvalidation struct {
	OrderHash          [32]byte
	OrderNonce         *big.Int
	IsNonceInvalidated bool
}

type takerAsk struct {
	NonceInvalidationParameters nonceInvalidation
	AskUser                     common.Address
	BidUser                     common.Address
	StrategyId                  *big.Int
	Currency                    common.Address
	Collection                  common.Address
	ItemIds                     []*big.Int
	Amounts                     []*big.Int
	FeeRecipients               [2]common.Address
	FeeAmounts                  [3]*big.Int
}

type takerBid struct {
	NonceInvalidationParameters nonceInvalidation
	BidUser                     common.Address
	BidRecipient                common.Address
	StrategyId                  *big.Int
	Currency                    common.Address
	Collection                  common.Address
	ItemIds                     []*big.Int
	Amounts                     []*big.Int
	FeeRecipients               [2]common.Address
	FeeAmounts                  [3]*big.Int
}

type bidAskNonces struct {
	User     common.Address
	BidNonce *big.Int
	AskNonce *big.Int
}

type orderNonces struct {
	User        common.Address
	OrderNonces []*big.Int
}

type subsetNonces struct {
	User         common.Address
	SubsetNonces []*big.Int
}

// Handler handles one LooksRare v2 deployment.
type Handler struct {
	exchange common.Address
	fills    *fills.Reconciler
}

var _ events.ProtocolHandler = (*Handler)(nil)

// New creates a Handler for the protocol contract at address.
func New(exchange common.Address, reconciler *fills.Reconciler) *Handler {
	return &Handler{exchange: exchange, fills: reconciler}
}

func (h *Handler) Definitions() []events.Definition {
	return []events.Definition{
		events.Define(protocolABI, "TakerAsk", domain.LooksRareV2TakerAsk, h.exchange),
		events.Define(protocolABI, "TakerBid", domain.LooksRareV2TakerBid, h.exchange),
		events.Define(protocolABI, "NewBidAskNonces", domain.LooksRareV2NewBidAskNonces, h.exchange),
		events.Define(protocolABI, "OrderNoncesCancelled", domain.LooksRareV2OrderNoncesCancelled, h.exchange),
		events.Define(protocolABI, "SubsetNoncesCancelled", domain.LooksRareV2SubsetNoncesCancelled, h.exchange),
	}
}

func (h *Handler) Handle(ctx context.Context, env *events.Env, ev domain.RawEvent) error {
	switch ev.SubKind {
	case domain.LooksRareV2TakerAsk:
		var t takerAsk
		if err := events.UnpackLog(protocolABI, &t, "TakerAsk", ev.Log); err != nil {
			return err
		}
		// A taker ask sells into a resting bid.
		return h.trade(ctx, env, ev, tradeFields{
			orderHash: t.NonceInvalidationParameters.OrderHash,
			side:      domain.OrderSideBuy,
			maker:     t.BidUser,
			taker:     t.AskUser,
			currency:  t.Currency,
			contract:  t.Collection,
			itemIDs:   t.ItemIds,
			amounts:   t.Amounts,
			fees:      t.FeeAmounts,
		})

	case domain.LooksRareV2TakerBid:
		var t takerBid
		if err := events.UnpackLog(protocolABI, &t, "TakerBid", ev.Log); err != nil {
			return err
		}
		// The first fee recipient of a taker bid is the seller.
		return h.trade(ctx, env, ev, tradeFields{
			orderHash: t.NonceInvalidationParameters.OrderHash,
			side:      domain.OrderSideSell,
			maker:     t.FeeRecipients[0],
			taker:     t.BidRecipient,
			currency:  t.Currency,
			contract:  t.Collection,
			itemIDs:   t.ItemIds,
			amounts:   t.Amounts,
			fees:      t.FeeAmounts,
		})

	case domain.LooksRareV2NewBidAskNonces:
		var n bidAskNonces
		if err := events.UnpackLog(protocolABI, &n, "NewBidAskNonces", ev.Log); err != nil {
			return err
		}
		maker := events.Hex(n.User)
		env.Acc.AddBulkCancel(domain.BulkCancelEvent{
			OrderKind: domain.OrderKindLooksRareV2, Maker: maker,
			MinNonce: n.BidNonce.String(), Side: domain.OrderSideBuy, Base: ev.Base,
		})
		env.Acc.AddBulkCancel(domain.BulkCancelEvent{
			OrderKind: domain.OrderKindLooksRareV2, Maker: maker,
			MinNonce: n.AskNonce.String(), Side: domain.OrderSideSell, Base: ev.Base,
		})
		return nil

	case domain.LooksRareV2OrderNoncesCancelled:
		var n orderNonces
		if err := events.UnpackLog(protocolABI, &n, "OrderNoncesCancelled", ev.Log); err != nil {
			return err
		}
		h.nonceCancels(env, ev, n.User, domain.NonceFieldOrder, n.OrderNonces)
		return nil

	case domain.LooksRareV2SubsetNoncesCancelled:
		var n subsetNonces
		if err := events.UnpackLog(protocolABI, &n, "SubsetNoncesCancelled", ev.Log); err != nil {
			return err
		}
		h.nonceCancels(env, ev, n.User, domain.NonceFieldSubset, n.SubsetNonces)
		return nil
	}
	return fmt.Errorf("%w: %s", domain.ErrUnknownEvent, ev.SubKind)
}

func (h *Handler) nonceCancels(env *events.Env, ev domain.RawEvent, user common.Address, field domain.NonceField, nonces []*big.Int) {
	for _, n := range nonces {
		env.Acc.AddNonceCancel(domain.NonceCancelEvent{
			OrderKind: domain.OrderKindLooksRareV2,
			Maker:     events.Hex(user),
			Field:     field,
			Nonce:     n.String(),
			Base:      ev.Base,
		})
	}
}

type tradeFields struct {
	orderHash [32]byte
	side      domain.OrderSide
	maker     common.Address
	taker     common.Address
	currency  common.Address
	contract  common.Address
	itemIDs   []*big.Int
	amounts   []*big.Int
	fees      [3]*big.Int
}

// trade emits one leg per item. The gross price is the sum of every fee
// amount, seller proceeds included.
func (h *Handler) trade(ctx context.Context, env *events.Env, ev domain.RawEvent, t tradeFields) error {
	if len(t.itemIDs) == 0 || len(t.itemIDs) != len(t.amounts) {
		return fmt.Errorf("%w: malformed items", events.ErrSkip)
	}
	price := new(big.Int)
	for _, f := range t.fees {
		if f != nil {
			price.Add(price, f)
		}
	}
	total := new(big.Int)
	for _, a := range t.amounts {
		total.Add(total, a)
	}

	orderID := strings.ToLower(common.Hash(t.orderHash).Hex())
	leg := fills.Leg{
		OrderID:  orderID,
		Kind:     domain.OrderKindLooksRareV2,
		Side:     t.side,
		Maker:    events.Hex(t.maker),
		Taker:    events.Hex(t.taker),
		Contract: events.Hex(t.contract),
		TokenID:  t.itemIDs[0].String(),
		Amount:   total,
		Currency: events.Hex(t.currency),
		Price:    price,
		Base:     ev.Base,
	}
	if len(t.itemIDs) == 1 {
		return h.fills.Emit(ctx, env, leg)
	}

	takes := make([]fills.Take, len(t.itemIDs))
	for i, id := range t.itemIDs {
		takes[i] = fills.Take{OrderID: orderID, Maker: leg.Maker, TokenID: id.String(), Taken: t.amounts[i]}
	}
	return h.fills.EmitBatch(ctx, env, leg, takes)
}
