// Package blurv2 handles the Blur v2 exchange. Its execution event is
// packed and carries no taker, so each leg is resolved against the
// transaction's call trace.
package blurv2

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/nftbook/internal/domain"
	"github.com/alanyoungcy/nftbook/internal/events"
	"github.com/alanyoungcy/nftbook/internal/fills"
	"github.com/alanyoungcy/nftbook/internal/trace"
)

var exchangeABI = events.MustABI(`[
 {"type":"event","name":"Execution721Packed","anonymous":false,"inputs":[
  {"name":"orderHash","type":"bytes32","indexed":false},
  {"name":"tokenIdListingIndexTrader","type":"uint256","indexed":false},
  {"name":"collectionPriceSide","type":"uint256","indexed":false}]}
]`)

const (
	feeRateT = `[{"name":"recipient","type":"address"},{"name":"rate","type":"uint16"}]`
	orderT   = `[{"name":"trader","type":"address"},{"name":"collection","type":"address"},` +
		`{"name":"listingsRoot","type":"bytes32"},{"name":"numberOfListings","type":"uint256"},` +
		`{"name":"expirationTime","type":"uint256"},{"name":"assetType","type":"uint8"},` +
		`{"name":"makerFee","type":"tuple","components":` + feeRateT + `},{"name":"salt","type":"uint256"}]`
	exchangeT = `[{"name":"index","type":"uint256"},{"name":"proof","type":"bytes32[]"},` +
		`{"name":"listing","type":"tuple","components":[{"name":"index","type":"uint256"},` +
		`{"name":"tokenId","type":"uint256"},{"name":"amount","type":"uint256"},{"name":"price","type":"uint256"}]},` +
		`{"name":"taker","type":"tuple","components":[{"name":"tokenId","type":"uint256"},{"name":"amount","type":"uint256"}]}]`

	takeAskT = `{"name":"inputs","type":"tuple","components":[` +
		`{"name":"orders","type":"tuple[]","components":` + orderT + `},` +
		`{"name":"exchanges","type":"tuple[]","components":` + exchangeT + `},` +
		`{"name":"takerFee","type":"tuple","components":` + feeRateT + `},` +
		`{"name":"signatures","type":"bytes"},{"name":"tokenRecipient","type":"address"}]}`
	takeAskSingleT = `{"name":"inputs","type":"tuple","components":[` +
		`{"name":"order","type":"tuple","components":` + orderT + `},` +
		`{"name":"exchange","type":"tuple","components":` + exchangeT + `},` +
		`{"name":"takerFee","type":"tuple","components":` + feeRateT + `},` +
		`{"name":"signature","type":"bytes"},{"name":"tokenRecipient","type":"address"}]}`
	takeBidT = `{"name":"inputs","type":"tuple","components":[` +
		`{"name":"orders","type":"tuple[]","components":` + orderT + `},` +
		`{"name":"exchanges","type":"tuple[]","components":` + exchangeT + `},` +
		`{"name":"takerFee","type":"tuple","components":` + feeRateT + `},` +
		`{"name":"signatures","type":"bytes"}]}`
	takeBidSingleT = `{"name":"inputs","type":"tuple","components":[` +
		`{"name":"order","type":"tuple","components":` + orderT + `},` +
		`{"name":"exchange","type":"tuple","components":` + exchangeT + `},` +
		`{"name":"takerFee","type":"tuple","components":` + feeRateT + `},` +
		`{"name":"signature","type":"bytes"}]}`

	oracleSig = `{"name":"oracleSignature","type":"bytes"}`
	withdraw  = `{"name":"amountToWithdraw","type":"uint256"}`
	takerArg  = `{"name":"taker","type":"address"}`
)

func method(name string, inputs ...string) string {
	return `{"type":"function","name":"` + name + `","stateMutability":"payable","outputs":[],"inputs":[` +
		strings.Join(inputs, ",") + `]}`
}

// callABI holds the take methods. Direct takes are called on the exchange;
// the exchange runs delegated takes in its executor through DELEGATECALL,
// passing the original taker along.
var callABI = events.MustABI(`[` + strings.Join([]string{
	method("takeAsk", takeAskT, oracleSig),
	method("takeAskSingle", takeAskSingleT, oracleSig),
	method("takeAskPool", takeAskT, oracleSig, withdraw),
	method("takeAskSinglePool", takeAskSingleT, oracleSig, withdraw),
	method("takeBid", takeBidT, oracleSig),
	method("takeBidSingle", takeBidSingleT, oracleSig),
	method("executeTakeAsk", takeAskT, takerArg),
	method("executeTakeAskSingle", takeAskSingleT, takerArg),
	method("executeTakeBid", takeBidT, takerArg),
	method("executeTakeBidSingle", takeBidSingleT, takerArg),
}, ",") + `]`)

type shape struct {
	bid      bool
	single   bool
	delegate bool
}

var shapes = map[string]shape{
	"takeAsk":              {},
	"takeAskSingle":        {single: true},
	"takeAskPool":          {},
	"takeAskSinglePool":    {single: true},
	"takeBid":              {bid: true},
	"takeBidSingle":        {bid: true, single: true},
	"executeTakeAsk":       {delegate: true},
	"executeTakeAskSingle": {single: true, delegate: true},
	"executeTakeBid":       {bid: true, delegate: true},
	"executeTakeBidSingle": {bid: true, single: true, delegate: true},
}

type feeRate struct {
	Recipient common.Address
	Rate      uint16
}

type order struct {
	Trader           common.Address
	Collection       common.Address
	ListingsRoot     [32]byte
	NumberOfListings *big.Int
	ExpirationTime   *big.Int
	AssetType        uint8
	MakerFee         feeRate
	Salt             *big.Int
}

type listing struct {
	Index   *big.Int
	TokenId *big.Int
	Amount  *big.Int
	Price   *big.Int
}

type takerItem struct {
	TokenId *big.Int
	Amount  *big.Int
}

type exchangeItem struct {
	Index   *big.Int
	Proof   [][32]byte
	Listing listing
	Taker   takerItem
}

type takeAsk struct {
	Orders         []order
	Exchanges      []exchangeItem
	TakerFee       feeRate
	Signatures     []byte
	TokenRecipient common.Address
}

type takeAskSingle struct {
	Order          order
	Exchange       exchangeItem
	TakerFee       feeRate
	Signature      []byte
	TokenRecipient common.Address
}

type takeBid struct {
	Orders     []order
	Exchanges  []exchangeItem
	TakerFee   feeRate
	Signatures []byte
}

type takeBidSingle struct {
	Order     order
	Exchange  exchangeItem
	TakerFee  feeRate
	Signature []byte
}

// decodedTake is a take call reduced to its order/exchange pairs.
type decodedTake struct {
	shape     shape
	orders    []order
	exchanges []exchangeItem
	recipient common.Address
	taker     common.Address
}

func decodeTake(m trace.Match) (decodedTake, error) {
	meth, ok := callABI.Methods[m.Method]
	if !ok || len(m.Call.Input) < 4 {
		return decodedTake{}, fmt.Errorf("blurv2: unknown take method %q", m.Method)
	}
	values, err := meth.Inputs.Unpack(m.Call.Input[4:])
	if err != nil {
		return decodedTake{}, fmt.Errorf("blurv2: decode %s: %w", m.Method, err)
	}
	first := abi.Arguments{meth.Inputs[0]}
	d := decodedTake{shape: shapes[m.Method]}

	switch {
	case !d.shape.bid && !d.shape.single:
		var in struct{ Inputs takeAsk }
		if err := first.Copy(&in, values[:1]); err != nil {
			return decodedTake{}, fmt.Errorf("blurv2: decode %s: %w", m.Method, err)
		}
		d.orders, d.exchanges, d.recipient = in.Inputs.Orders, in.Inputs.Exchanges, in.Inputs.TokenRecipient
	case !d.shape.bid:
		var in struct{ Inputs takeAskSingle }
		if err := first.Copy(&in, values[:1]); err != nil {
			return decodedTake{}, fmt.Errorf("blurv2: decode %s: %w", m.Method, err)
		}
		d.orders, d.exchanges, d.recipient = []order{in.Inputs.Order}, []exchangeItem{in.Inputs.Exchange}, in.Inputs.TokenRecipient
		d.exchanges[0].Index = new(big.Int)
	case !d.shape.single:
		var in struct{ Inputs takeBid }
		if err := first.Copy(&in, values[:1]); err != nil {
			return decodedTake{}, fmt.Errorf("blurv2: decode %s: %w", m.Method, err)
		}
		d.orders, d.exchanges = in.Inputs.Orders, in.Inputs.Exchanges
	default:
		var in struct{ Inputs takeBidSingle }
		if err := first.Copy(&in, values[:1]); err != nil {
			return decodedTake{}, fmt.Errorf("blurv2: decode %s: %w", m.Method, err)
		}
		d.orders, d.exchanges = []order{in.Inputs.Order}, []exchangeItem{in.Inputs.Exchange}
		d.exchanges[0].Index = new(big.Int)
	}

	d.taker = m.Caller
	switch {
	case d.shape.delegate:
		t, ok := values[len(values)-1].(common.Address)
		if !ok {
			return decodedTake{}, fmt.Errorf("blurv2: decode %s: taker argument", m.Method)
		}
		d.taker = t
	case !d.shape.bid && d.recipient != (common.Address{}):
		d.taker = d.recipient
	}
	return d, nil
}

// find returns the maker of the exchange that produced the packed leg.
func (d decodedTake) find(u unpacked) (common.Address, bool) {
	for _, e := range d.exchanges {
		if e.Index == nil || !e.Index.IsInt64() || e.Index.Int64() >= int64(len(d.orders)) {
			continue
		}
		o := d.orders[e.Index.Int64()]
		tokenID := e.Listing.TokenId
		if d.shape.bid {
			tokenID = e.Taker.TokenId
		}
		if o.Trader == u.trader && o.Collection == u.collection && tokenID != nil && tokenID.Cmp(u.tokenID) == 0 {
			return o.Trader, true
		}
	}
	return common.Address{}, false
}

type execution struct {
	OrderHash                 [32]byte
	TokenIdListingIndexTrader *big.Int
	CollectionPriceSide       *big.Int
}

var (
	mask160 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 160), big.NewInt(1))
	mask88  = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 88), big.NewInt(1))
)

// unpacked is an execution with its packed words split.
type unpacked struct {
	tokenID    *big.Int
	trader     common.Address
	collection common.Address
	price      *big.Int
	bid        bool
}

func unpack(e execution) unpacked {
	return unpacked{
		tokenID:    new(big.Int).Rsh(e.TokenIdListingIndexTrader, 168),
		trader:     common.BigToAddress(new(big.Int).And(e.TokenIdListingIndexTrader, mask160)),
		collection: common.BigToAddress(new(big.Int).And(e.CollectionPriceSide, mask160)),
		price:      new(big.Int).And(new(big.Int).Rsh(e.CollectionPriceSide, 160), mask88),
		bid:        e.CollectionPriceSide.Bit(255) == 1,
	}
}

// Handler handles one Blur v2 deployment.
type Handler struct {
	exchange common.Address
	weth     common.Address
	search   trace.Search
	fills    *fills.Reconciler
}

var _ events.ProtocolHandler = (*Handler)(nil)

// New creates a Handler. Blur v2 settles in native currency for asks and
// in the pool token for bids; weth stands in for the latter.
func New(exchange, weth common.Address, reconciler *fills.Reconciler) *Handler {
	s := trace.Search{
		Exchange: exchange,
		Direct:   make(map[trace.Selector]string),
		Delegate: make(map[trace.Selector]string),
	}
	for name, sh := range shapes {
		var sel trace.Selector
		copy(sel[:], callABI.Methods[name].ID)
		if sh.delegate {
			s.Delegate[sel] = name
		} else {
			s.Direct[sel] = name
		}
	}
	return &Handler{exchange: exchange, weth: weth, search: s, fills: reconciler}
}

func (h *Handler) Definitions() []events.Definition {
	return []events.Definition{
		events.Define(exchangeABI, "Execution721Packed", domain.BlurV2Execution, h.exchange),
	}
}

func (h *Handler) Handle(ctx context.Context, env *events.Env, ev domain.RawEvent) error {
	if ev.SubKind != domain.BlurV2Execution {
		return fmt.Errorf("%w: %s", domain.ErrUnknownEvent, ev.SubKind)
	}
	var e execution
	if err := events.UnpackLog(exchangeABI, &e, "Execution721Packed", ev.Log); err != nil {
		return err
	}
	u := unpack(e)

	take, err := h.resolve(ctx, env, common.HexToHash(ev.Base.TxHash), u)
	if err != nil {
		return err
	}
	if take.shape.bid != u.bid {
		return fmt.Errorf("%w: take side does not match packed side", events.ErrSkip)
	}
	maker, ok := take.find(u)
	if !ok {
		return fmt.Errorf("%w: no exchange in the take call produced order %x", events.ErrSkip, e.OrderHash)
	}

	leg := fills.Leg{
		OrderID:  strings.ToLower(common.Hash(e.OrderHash).Hex()),
		Kind:     domain.OrderKindBlurV2,
		Side:     domain.OrderSideSell,
		Maker:    events.Hex(maker),
		Taker:    events.Hex(take.taker),
		Contract: events.Hex(u.collection),
		TokenID:  u.tokenID.String(),
		Amount:   big.NewInt(1),
		Currency: events.Hex(common.Address{}),
		Price:    u.price,
		Base:     ev.Base,
	}
	if u.bid {
		leg.Side = domain.OrderSideBuy
		leg.Currency = events.Hex(h.weth)
	}
	return h.fills.Emit(ctx, env, leg)
}

// resolve finds the take call behind a packed execution. A batch take emits
// one execution per exchange, so the call matched by the previous execution
// of the transaction is tried before advancing the trade rank.
func (h *Handler) resolve(ctx context.Context, env *events.Env, tx common.Hash, u unpacked) (decodedTake, error) {
	if r := env.Traces.Rank(tx, h.exchange); r > 0 {
		if m, err := env.Traces.FindTrade(ctx, tx, h.search, r-1); err == nil {
			if take, err := decodeTake(m); err == nil {
				if _, ok := take.find(u); ok {
					return take, nil
				}
			}
		}
	}

	rank := env.Traces.NextRank(tx, h.exchange)
	m, err := env.Traces.FindTrade(ctx, tx, h.search, rank)
	if err != nil {
		if errors.Is(err, domain.ErrNoTrace) || errors.Is(err, domain.ErrNotFound) {
			return decodedTake{}, fmt.Errorf("%w: trade %d of %s unresolved: %v", events.ErrSkip, rank, tx.Hex(), err)
		}
		return decodedTake{}, err
	}
	take, err := decodeTake(m)
	if err != nil {
		return decodedTake{}, fmt.Errorf("%w: %v", events.ErrSkip, err)
	}
	return take, nil
}
