// Package zeroex handles 0x v4 NFT order events.
package zeroex

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/nftbook/internal/codec"
	"github.com/alanyoungcy/nftbook/internal/domain"
	"github.com/alanyoungcy/nftbook/internal/events"
	"github.com/alanyoungcy/nftbook/internal/fills"
	"github.com/alanyoungcy/nftbook/internal/tokensets"
)

var exchangeABI = events.MustABI(`[
 {"type":"event","name":"ERC721OrderFilled","anonymous":false,"inputs":[
  {"name":"direction","type":"uint8","indexed":false},
  {"name":"maker","type":"address","indexed":false},
  {"name":"taker","type":"address","indexed":false},
  {"name":"nonce","type":"uint256","indexed":false},
  {"name":"erc20Token","type":"address","indexed":false},
  {"name":"erc20TokenAmount","type":"uint256","indexed":false},
  {"name":"erc721Token","type":"address","indexed":false},
  {"name":"erc721TokenId","type":"uint256","indexed":false},
  {"name":"matcher","type":"address","indexed":false}]},
 {"type":"event","name":"ERC1155OrderFilled","anonymous":false,"inputs":[
  {"name":"direction","type":"uint8","indexed":false},
  {"name":"maker","type":"address","indexed":false},
  {"name":"taker","type":"address","indexed":false},
  {"name":"nonce","type":"uint256","indexed":false},
  {"name":"erc20Token","type":"address","indexed":false},
  {"name":"erc20FillAmount","type":"uint256","indexed":false},
  {"name":"erc1155Token","type":"address","indexed":false},
  {"name":"erc1155TokenId","type":"uint256","indexed":false},
  {"name":"erc1155FillAmount","type":"uint128","indexed":false},
  {"name":"matcher","type":"address","indexed":false}]},
 {"type":"event","name":"ERC721OrderCancelled","anonymous":false,"inputs":[
  {"name":"maker","type":"address","indexed":false},
  {"name":"nonce","type":"uint256","indexed":false}]},
 {"type":"event","name":"ERC1155OrderCancelled","anonymous":false,"inputs":[
  {"name":"maker","type":"address","indexed":false},
  {"name":"nonce","type":"uint256","indexed":false}]}
]`)

type erc721Filled struct {
	Direction        uint8
	Maker            common.Address
	Taker            common.Address
	Nonce            *big.Int
	Erc20Token       common.Address
	Erc20TokenAmount *big.Int
	Erc721Token      common.Address
	Erc721TokenId    *big.Int
	Matcher          common.Address
}

type erc1155Filled struct {
	Direction         uint8
	Maker             common.Address
	Taker             common.Address
	Nonce             *big.Int
	Erc20Token        common.Address
	Erc20FillAmount   *big.Int
	Erc1155Token      common.Address
	Erc1155TokenId    *big.Int
	Erc1155FillAmount *big.Int
	Matcher           common.Address
}

type cancelled struct {
	Maker common.Address
	Nonce *big.Int
}

// OrderFinder lists a maker's open orders. 0x fill events carry the maker
// nonce rather than the order hash.
type OrderFinder interface {
	ListByMaker(ctx context.Context, maker, contract string, side domain.OrderSide) ([]domain.CanonicalOrder, error)
}

// Handler handles one 0x v4 deployment.
type Handler struct {
	exchange common.Address
	orders   OrderFinder
	fills    *fills.Reconciler
}

var _ events.ProtocolHandler = (*Handler)(nil)

// New creates a Handler for the exchange proxy at address.
func New(exchange common.Address, orders OrderFinder, reconciler *fills.Reconciler) *Handler {
	return &Handler{exchange: exchange, orders: orders, fills: reconciler}
}

func (h *Handler) Definitions() []events.Definition {
	return []events.Definition{
		events.Define(exchangeABI, "ERC721OrderFilled", domain.ZeroExV4ERC721OrderFilled, h.exchange),
		events.Define(exchangeABI, "ERC1155OrderFilled", domain.ZeroExV4ERC1155OrderFilled, h.exchange),
		events.Define(exchangeABI, "ERC721OrderCancelled", domain.ZeroExV4ERC721OrderCancelled, h.exchange),
		events.Define(exchangeABI, "ERC1155OrderCancelled", domain.ZeroExV4ERC1155OrderCancelled, h.exchange),
	}
}

func (h *Handler) Handle(ctx context.Context, env *events.Env, ev domain.RawEvent) error {
	switch ev.SubKind {
	case domain.ZeroExV4ERC721OrderFilled:
		var f erc721Filled
		if err := events.UnpackLog(exchangeABI, &f, "ERC721OrderFilled", ev.Log); err != nil {
			return err
		}
		return h.fill(ctx, env, ev, f.Direction, f.Maker, f.Taker, f.Nonce, f.Erc20Token,
			f.Erc20TokenAmount, f.Erc721Token, f.Erc721TokenId, big.NewInt(1))

	case domain.ZeroExV4ERC1155OrderFilled:
		var f erc1155Filled
		if err := events.UnpackLog(exchangeABI, &f, "ERC1155OrderFilled", ev.Log); err != nil {
			return err
		}
		return h.fill(ctx, env, ev, f.Direction, f.Maker, f.Taker, f.Nonce, f.Erc20Token,
			f.Erc20FillAmount, f.Erc1155Token, f.Erc1155TokenId, f.Erc1155FillAmount)

	case domain.ZeroExV4ERC721OrderCancelled, domain.ZeroExV4ERC1155OrderCancelled:
		name := "ERC721OrderCancelled"
		if ev.SubKind == domain.ZeroExV4ERC1155OrderCancelled {
			name = "ERC1155OrderCancelled"
		}
		var c cancelled
		if err := events.UnpackLog(exchangeABI, &c, name, ev.Log); err != nil {
			return err
		}
		env.Acc.AddNonceCancel(domain.NonceCancelEvent{
			OrderKind: domain.OrderKindZeroExV4,
			Maker:     events.Hex(c.Maker),
			Field:     domain.NonceFieldOrder,
			Nonce:     c.Nonce.String(),
			Base:      ev.Base,
		})
		return nil
	}
	return fmt.Errorf("%w: %s", domain.ErrUnknownEvent, ev.SubKind)
}

func (h *Handler) fill(ctx context.Context, env *events.Env, ev domain.RawEvent,
	direction uint8, maker, taker common.Address, nonce *big.Int, currency common.Address,
	price *big.Int, contract common.Address, tokenID, amount *big.Int,
) error {
	if currency == codec.ZeroExNativeToken {
		currency = common.Address{}
	}
	side := domain.OrderSideSell
	lookup := contract
	if direction == 1 {
		side = domain.OrderSideBuy
		lookup = currency
	}

	matches, err := h.findOrders(ctx, maker, lookup, side, nonce, contract, tokenID)
	if err != nil {
		return err
	}
	leg := fills.Leg{
		Kind:     domain.OrderKindZeroExV4,
		Side:     side,
		Maker:    events.Hex(maker),
		Taker:    events.Hex(taker),
		Contract: events.Hex(contract),
		TokenID:  tokenID.String(),
		Amount:   amount,
		Currency: events.Hex(currency),
		Price:    price,
		Base:     ev.Base,
	}
	if len(matches) <= 1 {
		if len(matches) == 1 {
			leg.OrderID = matches[0].ID
		}
		return h.fills.Emit(ctx, env, leg)
	}

	// Orders sharing a nonce form one cancellation group and the log cannot
	// tell them apart. The taker consumed them best price first.
	takes := make([]fills.Take, len(matches))
	for i, o := range matches {
		takes[i] = fills.Take{OrderID: o.ID, Maker: leg.Maker, Available: o.QuantityRemaining}
	}
	return h.fills.EmitBatch(ctx, env, leg, takes)
}

// findOrders returns the maker's live 0x orders with nonce that could have
// produced the fill, best price first for the taker. Sell orders must cover
// the filled token.
func (h *Handler) findOrders(ctx context.Context, maker, lookup common.Address, side domain.OrderSide, nonce *big.Int,
	contract common.Address, tokenID *big.Int,
) ([]domain.CanonicalOrder, error) {
	orders, err := h.orders.ListByMaker(ctx, events.Hex(maker), events.Hex(lookup), side)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("zeroex: orders of %s: %w", maker.Hex(), err)
	}
	var out []domain.CanonicalOrder
	for _, o := range orders {
		if o.Kind != domain.OrderKindZeroExV4 || o.Nonce == nil || o.Nonce.Cmp(nonce) != 0 {
			continue
		}
		if side == domain.OrderSideSell {
			c, id, ok := tokensets.TokenOf(o.TokenSetID)
			if !ok || c != events.Hex(contract) || id != tokenID.String() {
				continue
			}
		}
		out = append(out, o)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Price, out[j].Price
		if a == nil || b == nil || a.Cmp(b) == 0 {
			return out[i].ID < out[j].ID
		}
		if side == domain.OrderSideSell {
			return a.Cmp(b) < 0
		}
		return a.Cmp(b) > 0
	})
	return out, nil
}
