package domain

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// EventSubKind identifies one protocol-specific log the classifier understands.
type EventSubKind string

const (
	SeaportOrderFulfilled     EventSubKind = "seaport-order-filled"
	SeaportOrderCancelled     EventSubKind = "seaport-order-cancelled"
	SeaportCounterIncremented EventSubKind = "seaport-counter-incremented"
	SeaportOrdersMatched      EventSubKind = "seaport-orders-matched"

	BlurOrdersMatched    EventSubKind = "blur-orders-matched"
	BlurOrderCancelled   EventSubKind = "blur-order-cancelled"
	BlurNonceIncremented EventSubKind = "blur-nonce-incremented"

	BlurV2Execution EventSubKind = "blur-v2-execution"

	ZeroExV4ERC721OrderFilled     EventSubKind = "zeroex-v4-erc721-order-filled"
	ZeroExV4ERC1155OrderFilled    EventSubKind = "zeroex-v4-erc1155-order-filled"
	ZeroExV4ERC721OrderCancelled  EventSubKind = "zeroex-v4-erc721-order-cancelled"
	ZeroExV4ERC1155OrderCancelled EventSubKind = "zeroex-v4-erc1155-order-cancelled"

	LooksRareV2TakerAsk              EventSubKind = "looks-rare-v2-taker-ask"
	LooksRareV2TakerBid              EventSubKind = "looks-rare-v2-taker-bid"
	LooksRareV2NewBidAskNonces       EventSubKind = "looks-rare-v2-new-bid-ask-nonces"
	LooksRareV2OrderNoncesCancelled  EventSubKind = "looks-rare-v2-order-nonces-cancelled"
	LooksRareV2SubsetNoncesCancelled EventSubKind = "looks-rare-v2-subset-nonces-cancelled"

	X2Y2OrderInventory EventSubKind = "x2y2-order-inventory"
	X2Y2OrderCancelled EventSubKind = "x2y2-order-cancelled"

	ERC20Transfer         EventSubKind = "erc20-transfer"
	ERC20Approval         EventSubKind = "erc20-approval"
	WETHDeposit           EventSubKind = "weth-deposit"
	WETHWithdrawal        EventSubKind = "weth-withdrawal"
	ERC721Transfer        EventSubKind = "erc721-transfer"
	ERC1155TransferSingle EventSubKind = "erc1155-transfer-single"
	ERC1155TransferBatch  EventSubKind = "erc1155-transfer-batch"
	ApprovalForAll        EventSubKind = "approval-for-all"
)

// AllEventSubKinds lists every sub kind the classifier must route.
func AllEventSubKinds() []EventSubKind {
	return []EventSubKind{
		SeaportOrderFulfilled, SeaportOrderCancelled, SeaportCounterIncremented, SeaportOrdersMatched,
		BlurOrdersMatched, BlurOrderCancelled, BlurNonceIncremented,
		BlurV2Execution,
		ZeroExV4ERC721OrderFilled, ZeroExV4ERC1155OrderFilled, ZeroExV4ERC721OrderCancelled, ZeroExV4ERC1155OrderCancelled,
		LooksRareV2TakerAsk, LooksRareV2TakerBid, LooksRareV2NewBidAskNonces,
		LooksRareV2OrderNoncesCancelled, LooksRareV2SubsetNoncesCancelled,
		X2Y2OrderInventory, X2Y2OrderCancelled,
		ERC20Transfer, ERC20Approval, WETHDeposit, WETHWithdrawal,
		ERC721Transfer, ERC1155TransferSingle, ERC1155TransferBatch, ApprovalForAll,
	}
}

// BaseEventParams locates a log on-chain. (TxHash, LogIndex, BatchIndex) is
// unique per derived record.
type BaseEventParams struct {
	Address    string `json:"address"`
	Block      uint64 `json:"block"`
	BlockHash  string `json:"blockHash"`
	TxHash     string `json:"txHash"`
	TxIndex    uint   `json:"txIndex"`
	LogIndex   uint   `json:"logIndex"`
	Timestamp  int64  `json:"timestamp"`
	BatchIndex uint   `json:"batchIndex"`
}

// RawEvent is a classified log waiting to be handled. It is consumed once,
// in per-transaction log-index order.
type RawEvent struct {
	SubKind EventSubKind
	Log     types.Log
	Base    BaseEventParams
}

// Contract returns the emitting contract of the event.
func (e RawEvent) Contract() common.Address {
	return e.Log.Address
}

// NFTTransfer is an ownership delta derived from a token transfer log.
type NFTTransfer struct {
	Contract string
	TokenID  string
	From     string
	To       string
	Amount   string
	Base     BaseEventParams
}

// CancelEvent records an explicit per-order cancellation.
type CancelEvent struct {
	OrderKind OrderKind
	OrderID   string
	Maker     string
	Base      BaseEventParams
}

// BulkCancelEvent cancels every maker order whose bulk nonce (or counter)
// is below MinNonce.
type BulkCancelEvent struct {
	OrderKind OrderKind
	Maker     string
	MinNonce  string
	Side      OrderSide // empty applies to both sides
	Base      BaseEventParams
}

// NonceField selects which order nonce a NonceCancelEvent matches.
type NonceField string

const (
	NonceFieldOrder  NonceField = "nonce"
	NonceFieldSubset NonceField = "subset_nonce"
)

// NonceCancelEvent cancels the maker orders carrying an exact nonce.
type NonceCancelEvent struct {
	OrderKind OrderKind
	Maker     string
	Field     NonceField
	Nonce     string
	Base      BaseEventParams
}
