package domain

import "math/big"

// AskBid is one side of an aggregate. Empty OrderID means no order qualifies.
type AskBid struct {
	OrderID string
	Value   *big.Int
	Maker   string
}

// Equal reports whether two aggregate values are identical.
func (a AskBid) Equal(b AskBid) bool {
	if a.OrderID != b.OrderID {
		return false
	}
	if a.Value == nil || b.Value == nil {
		return a.Value == nil && b.Value == nil
	}
	return a.Value.Cmp(b.Value) == 0
}

// TokenAggregate holds derived floor-ask and top-bid for one token.
type TokenAggregate struct {
	Contract string
	TokenID  string
	FloorAsk AskBid
	TopBid   AskBid
}

// CollectionAggregate holds derived floor-ask and top-bid for a collection.
type CollectionAggregate struct {
	CollectionID string
	FloorAsk     AskBid
	TopBid       AskBid
}
