package domain

import (
	"fmt"
	"math/big"
	"strings"
)

// FillEvent is one matched trade leg. Immutable apart from IsDeleted.
type FillEvent struct {
	OrderID            string
	OrderKind          OrderKind
	OrderSide          OrderSide
	OrderSourceID      int
	AggregatorSourceID int
	FillSourceID       int
	Maker              string
	Taker              string
	Contract           string
	TokenID            string
	Amount             *big.Int
	Currency           string
	CurrencyPrice      *big.Int
	Price              *big.Int // native terms per leg
	USDPrice           *big.Int // 6 decimals
	IsDeleted          bool
	Base               BaseEventParams
}

// FillKey identifies a fill row.
type FillKey struct {
	TxHash     string `json:"txHash"`
	LogIndex   uint   `json:"logIndex"`
	BatchIndex uint   `json:"batchIndex"`
}

func (k FillKey) String() string {
	return fmt.Sprintf("%s:%d:%d", strings.ToLower(k.TxHash), k.LogIndex, k.BatchIndex)
}

// Key returns the identifying triple of f.
func (f FillEvent) Key() FillKey {
	return FillKey{TxHash: f.Base.TxHash, LogIndex: f.Base.LogIndex, BatchIndex: f.Base.BatchIndex}
}

// Attribution is the resolved origin of a fill.
type Attribution struct {
	OrderSourceID      int
	AggregatorSourceID int
	FillSourceID       int
	TakerOverride      string
}
