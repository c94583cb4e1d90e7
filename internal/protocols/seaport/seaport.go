// Package seaport handles Seaport exchange events.
package seaport

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/nftbook/internal/codec"
	"github.com/alanyoungcy/nftbook/internal/domain"
	"github.com/alanyoungcy/nftbook/internal/events"
	"github.com/alanyoungcy/nftbook/internal/fills"
)

const eventsABI = `[
 {"type":"event","name":"OrderFulfilled","anonymous":false,"inputs":[
  {"name":"orderHash","type":"bytes32","indexed":false},
  {"name":"offerer","type":"address","indexed":true},
  {"name":"zone","type":"address","indexed":true},
  {"name":"recipient","type":"address","indexed":false},
  {"name":"offer","type":"tuple[]","indexed":false,"components":[
   {"name":"itemType","type":"uint8"},{"name":"token","type":"address"},
   {"name":"identifier","type":"uint256"},{"name":"amount","type":"uint256"}]},
  {"name":"consideration","type":"tuple[]","indexed":false,"components":[
   {"name":"itemType","type":"uint8"},{"name":"token","type":"address"},
   {"name":"identifier","type":"uint256"},{"name":"amount","type":"uint256"},
   {"name":"recipient","type":"address"}]}]},
 {"type":"event","name":"OrderCancelled","anonymous":false,"inputs":[
  {"name":"orderHash","type":"bytes32","indexed":false},
  {"name":"offerer","type":"address","indexed":true},
  {"name":"zone","type":"address","indexed":true}]},
 {"type":"event","name":"CounterIncremented","anonymous":false,"inputs":[
  {"name":"newCounter","type":"uint256","indexed":false},
  {"name":"offerer","type":"address","indexed":true}]},
 {"type":"event","name":"OrdersMatched","anonymous":false,"inputs":[
  {"name":"orderHashes","type":"bytes32[]","indexed":false}]}
]`

var exchangeABI = events.MustABI(eventsABI)

type spentItem struct {
	ItemType   uint8
	Token      common.Address
	Identifier *big.Int
	Amount     *big.Int
}

type receivedItem struct {
	ItemType   uint8
	Token      common.Address
	Identifier *big.Int
	Amount     *big.Int
	Recipient  common.Address
}

type orderFulfilled struct {
	OrderHash     [32]byte
	Offerer       common.Address
	Zone          common.Address
	Recipient     common.Address
	Offer         []spentItem
	Consideration []receivedItem
}

type orderCancelled struct {
	OrderHash [32]byte
	Offerer   common.Address
	Zone      common.Address
}

type counterIncremented struct {
	NewCounter *big.Int
	Offerer    common.Address
}

type ordersMatched struct {
	OrderHashes [][32]byte
}

// Handler handles one Seaport deployment.
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
		events.Define(exchangeABI, "OrderFulfilled", domain.SeaportOrderFulfilled, h.exchange),
		events.Define(exchangeABI, "OrderCancelled", domain.SeaportOrderCancelled, h.exchange),
		events.Define(exchangeABI, "CounterIncremented", domain.SeaportCounterIncremented, h.exchange),
		events.Define(exchangeABI, "OrdersMatched", domain.SeaportOrdersMatched, h.exchange),
	}
}

// PreScan records every explicitly matched order of the transaction.
func (h *Handler) PreScan(env *events.Env, txEvents []domain.RawEvent) {
	for _, ev := range txEvents {
		if ev.SubKind != domain.SeaportOrdersMatched {
			continue
		}
		var m ordersMatched
		if err := events.UnpackLog(exchangeABI, &m, "OrdersMatched", ev.Log); err != nil {
			continue
		}
		ids := make([]string, len(m.OrderHashes))
		for i, hash := range m.OrderHashes {
			ids[i] = hashID(hash)
		}
		env.MarkMatched(ids...)
	}
}

func (h *Handler) Handle(ctx context.Context, env *events.Env, ev domain.RawEvent) error {
	switch ev.SubKind {
	case domain.SeaportOrderFulfilled:
		return h.fulfilled(ctx, env, ev)

	case domain.SeaportOrderCancelled:
		var c orderCancelled
		if err := events.UnpackLog(exchangeABI, &c, "OrderCancelled", ev.Log); err != nil {
			return err
		}
		env.Acc.AddCancel(domain.CancelEvent{
			OrderKind: domain.OrderKindSeaport,
			OrderID:   hashID(c.OrderHash),
			Maker:     events.Hex(c.Offerer),
			Base:      ev.Base,
		})
		return nil

	case domain.SeaportCounterIncremented:
		var c counterIncremented
		if err := events.UnpackLog(exchangeABI, &c, "CounterIncremented", ev.Log); err != nil {
			return err
		}
		env.Acc.AddBulkCancel(domain.BulkCancelEvent{
			OrderKind: domain.OrderKindSeaport,
			Maker:     events.Hex(c.Offerer),
			MinNonce:  c.NewCounter.String(),
			Base:      ev.Base,
		})
		return nil

	case domain.SeaportOrdersMatched:
		return nil
	}
	return fmt.Errorf("%w: %s", domain.ErrUnknownEvent, ev.SubKind)
}

func (h *Handler) fulfilled(ctx context.Context, env *events.Env, ev domain.RawEvent) error {
	var f orderFulfilled
	if err := events.UnpackLog(exchangeABI, &f, "OrderFulfilled", ev.Log); err != nil {
		return err
	}
	orderID := hashID(f.OrderHash)

	leg, ok := decodeLeg(f)
	if !ok {
		return fmt.Errorf("%w: order %s is not a single nft trade", events.ErrSkip, orderID)
	}
	leg.OrderID = orderID
	leg.Base = ev.Base

	if !env.Matched(orderID) {
		return h.fills.Emit(ctx, env, leg)
	}

	// Matched orders carry no recipient; the taker is the transaction
	// sender, whose own mirror order is auxiliary.
	tx, err := env.Traces.Transaction(ctx, common.HexToHash(ev.Base.TxHash))
	if err != nil {
		return fmt.Errorf("seaport: transaction %s: %w", ev.Base.TxHash, err)
	}
	if tx.From == f.Offerer {
		return fmt.Errorf("%w: auxiliary order %s of the taker", events.ErrSkip, orderID)
	}
	if f.Recipient == (common.Address{}) {
		leg.Taker = events.Hex(tx.From)
	}
	return h.fills.EmitPair(ctx, env, leg, env.Counterparts(orderID)...)
}

// decodeLeg reads a listing (nft offered for currency) or a bid (currency
// offered for an nft).
func decodeLeg(f orderFulfilled) (fills.Leg, bool) {
	leg := fills.Leg{
		Kind:  domain.OrderKindSeaport,
		Maker: events.Hex(f.Offerer),
		Taker: events.Hex(f.Recipient),
	}

	if len(f.Offer) == 1 && isNFT(f.Offer[0].ItemType) {
		nft := f.Offer[0]
		price, currency, ok := paymentsTo(f.Consideration)
		if !ok {
			return fills.Leg{}, false
		}
		leg.Side = domain.OrderSideSell
		leg.Contract = events.Hex(nft.Token)
		leg.TokenID = nft.Identifier.String()
		leg.Amount = nft.Amount
		leg.Currency = currency
		leg.Price = price
		return leg, true
	}

	price := new(big.Int)
	var currency common.Address
	for i, it := range f.Offer {
		if isNFT(it.ItemType) || (i > 0 && it.Token != currency) {
			return fills.Leg{}, false
		}
		currency = it.Token
		price.Add(price, it.Amount)
	}
	var nft *receivedItem
	for i := range f.Consideration {
		if isNFT(f.Consideration[i].ItemType) {
			if nft != nil {
				return fills.Leg{}, false
			}
			nft = &f.Consideration[i]
		}
	}
	if nft == nil || len(f.Offer) == 0 {
		return fills.Leg{}, false
	}
	leg.Side = domain.OrderSideBuy
	leg.Contract = events.Hex(nft.Token)
	leg.TokenID = nft.Identifier.String()
	leg.Amount = nft.Amount
	leg.Currency = events.Hex(currency)
	leg.Price = price
	return leg, true
}

// paymentsTo sums the currency items of a consideration. Mixed currencies
// are not a price.
func paymentsTo(items []receivedItem) (*big.Int, string, bool) {
	total := new(big.Int)
	var currency *common.Address
	for _, it := range items {
		if isNFT(it.ItemType) {
			return nil, "", false
		}
		if currency == nil {
			c := it.Token
			currency = &c
		} else if *currency != it.Token {
			return nil, "", false
		}
		total.Add(total, it.Amount)
	}
	if currency == nil {
		return nil, "", false
	}
	return total, events.Hex(*currency), true
}

func isNFT(t uint8) bool {
	return t >= codec.ItemERC721 && t <= codec.ItemERC1155WithCriteria
}

func hashID(h [32]byte) string {
	return strings.ToLower(common.Hash(h).Hex())
}
