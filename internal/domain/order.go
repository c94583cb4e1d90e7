package domain

import (
	"math/big"
	"time"
)

// OrderSide indicates whether an order sells an item (ask) or buys one (bid).
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderKind names the exchange protocol an order or fill belongs to.
type OrderKind string

const (
	OrderKindSeaport     OrderKind = "seaport"
	OrderKindBlur        OrderKind = "blur"
	OrderKindBlurV2      OrderKind = "blur-v2"
	OrderKindZeroExV4    OrderKind = "zeroex-v4"
	OrderKindLooksRareV2 OrderKind = "looks-rare-v2"
	OrderKindX2Y2        OrderKind = "x2y2"
)

// FillabilityStatus tracks whether an order can currently execute on-chain.
type FillabilityStatus string

const (
	FillabilityFillable  FillabilityStatus = "fillable"
	FillabilityNoBalance FillabilityStatus = "no-balance"
	FillabilityCancelled FillabilityStatus = "cancelled"
	FillabilityFilled    FillabilityStatus = "filled"
	FillabilityExpired   FillabilityStatus = "expired"
)

// Terminal reports whether no ordinary trigger may move the order out of s.
func (s FillabilityStatus) Terminal() bool {
	switch s {
	case FillabilityCancelled, FillabilityFilled, FillabilityExpired:
		return true
	default:
		return false
	}
}

// ApprovalStatus tracks whether the maker granted the exchange transfer rights.
type ApprovalStatus string

const (
	ApprovalApproved   ApprovalStatus = "approved"
	ApprovalNoApproval ApprovalStatus = "no-approval"
)

// CanTransition reports whether an order may move from one fillability status
// to another. Ordinary triggers only move forward toward a terminal state;
// revalidation against fresh on-chain state may move anywhere.
func CanTransition(from, to FillabilityStatus, revalidation bool) bool {
	if from == to {
		return false
	}
	if revalidation {
		return true
	}
	switch from {
	case FillabilityFillable:
		return true
	case FillabilityNoBalance:
		return to.Terminal()
	default:
		return false
	}
}

// LiveStatuses are the fillability statuses an order holds before reaching a
// terminal state.
var LiveStatuses = []FillabilityStatus{FillabilityFillable, FillabilityNoBalance}

// AllowedFrom lists every status an order may currently hold for a move to
// target to be legal. Stores use it to condition their updates.
func AllowedFrom(target FillabilityStatus, revalidation bool) []FillabilityStatus {
	all := []FillabilityStatus{
		FillabilityFillable,
		FillabilityNoBalance,
		FillabilityCancelled,
		FillabilityFilled,
		FillabilityExpired,
	}
	out := make([]FillabilityStatus, 0, len(all))
	for _, s := range all {
		if CanTransition(s, target, revalidation) {
			out = append(out, s)
		}
	}
	return out
}

// FeeBreakdown is one recipient's share of an order's fees.
type FeeBreakdown struct {
	Kind      string `json:"kind"` // "marketplace" or "royalty"
	Recipient string `json:"recipient"`
	Bps       int    `json:"bps"`
}

// CanonicalOrder is the protocol-agnostic representation of an order. The ID
// is derived purely from protocol parameters, so re-ingestion is a no-op.
type CanonicalOrder struct {
	ID                string
	Kind              OrderKind
	Side              OrderSide
	Maker             string
	Taker             string
	Contract          string
	TokenSetID        string
	Currency          string
	Price             *big.Int // native terms, gross
	Value             *big.Int // native terms, what the counterparty nets
	CurrencyPrice     *big.Int
	CurrencyValue     *big.Int
	NormalizedValue   *big.Int // native value per unit of quantity
	FeeBps            int
	FeeBreakdown      []FeeBreakdown
	Nonce             *big.Int // per-order nonce
	BulkNonce         *big.Int // counter compared by bulk cancellations
	SubsetNonce       *big.Int
	FillabilityStatus FillabilityStatus
	ApprovalStatus    ApprovalStatus
	ValidFrom         time.Time
	ValidTo           time.Time // zero means no expiry
	QuantityRemaining *big.Int
	QuantityFilled    *big.Int
	SourceID          int
	Conduit           string // address the maker must approve
	RawData           []byte
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Fillable reports whether the order currently counts toward aggregates.
func (o CanonicalOrder) Fillable() bool {
	return o.FillabilityStatus == FillabilityFillable && o.ApprovalStatus == ApprovalApproved
}

// Expired reports whether the order is past its validity window at now.
func (o CanonicalOrder) Expired(now time.Time) bool {
	return !o.ValidTo.IsZero() && !now.Before(o.ValidTo)
}

// OrderTrigger names the reason an order-updates task was enqueued.
type OrderTrigger string

const (
	TriggerNewOrder     OrderTrigger = "new-order"
	TriggerReprice      OrderTrigger = "reprice"
	TriggerCancel       OrderTrigger = "cancel"
	TriggerSale         OrderTrigger = "sale"
	TriggerExpiry       OrderTrigger = "expiry"
	TriggerRevalidation OrderTrigger = "revalidation"
)

// OrderUpdate is the payload of an order-updates-by-id task.
type OrderUpdate struct {
	OrderID   string       `json:"orderId"`
	Trigger   OrderTrigger `json:"trigger"`
	TxHash    string       `json:"txHash,omitempty"`
	Timestamp int64        `json:"timestamp,omitempty"`
}

// MakerUpdateKind distinguishes the on-chain change behind a maker update.
type MakerUpdateKind string

const (
	MakerBalanceChange  MakerUpdateKind = "balance-change"
	MakerApprovalChange MakerUpdateKind = "approval-change"
	MakerSellBalance    MakerUpdateKind = "sell-balance"
	MakerSellApproval   MakerUpdateKind = "sell-approval"
)

// MakerUpdate is the payload of an order-updates-by-maker task. Contract is a
// currency for buy-side updates and an NFT contract for sell-side updates.
type MakerUpdate struct {
	Maker     string          `json:"maker"`
	Contract  string          `json:"contract"`
	TokenID   string          `json:"tokenId,omitempty"`
	Operator  string          `json:"operator,omitempty"`
	Kind      MakerUpdateKind `json:"kind"`
	TxHash    string          `json:"txHash,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}
