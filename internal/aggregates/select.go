// Package aggregates derives floor-ask and top-bid values for tokens and
// collections from the fillable order book.
package aggregates

import (
	"math/big"
	"strings"
	"time"

	"github.com/alanyoungcy/nftbook/internal/domain"
)

// unitValue is the native value of one unit of the order's quantity.
func unitValue(o domain.CanonicalOrder) *big.Int {
	if o.NormalizedValue != nil {
		return o.NormalizedValue
	}
	return o.Value
}

// better reports whether (v, id) beats the current pick. Ties on value go
// to the smaller order id so every recompute picks the same order.
func better(v *big.Int, id string, cur domain.AskBid, want int) bool {
	if cur.OrderID == "" {
		return true
	}
	if c := v.Cmp(cur.Value); c != 0 {
		return c == want
	}
	return id < cur.OrderID
}

// SelectFloorAsk picks the cheapest live sell order.
func SelectFloorAsk(orders []domain.CanonicalOrder, now time.Time) domain.AskBid {
	var best domain.AskBid
	for _, o := range orders {
		v := unitValue(o)
		if o.Side != domain.OrderSideSell || !o.Fillable() || o.Expired(now) || v == nil {
			continue
		}
		if better(v, o.ID, best, -1) {
			best = domain.AskBid{OrderID: o.ID, Value: v, Maker: strings.ToLower(o.Maker)}
		}
	}
	return best
}

// SelectTopBid picks the highest live buy order whose maker holds none of
// the token and that some current holder could accept. A token with no
// known holder has no top bid.
func SelectTopBid(orders []domain.CanonicalOrder, owners []string, now time.Time) domain.AskBid {
	var best domain.AskBid
	for _, o := range orders {
		v := unitValue(o)
		if o.Side != domain.OrderSideBuy || !o.Fillable() || o.Expired(now) || v == nil {
			continue
		}
		if len(owners) == 0 || holds(owners, o.Maker) {
			continue
		}
		if better(v, o.ID, best, 1) {
			best = domain.AskBid{OrderID: o.ID, Value: v, Maker: strings.ToLower(o.Maker)}
		}
	}
	return best
}

func holds(owners []string, maker string) bool {
	for _, owner := range owners {
		if strings.EqualFold(owner, maker) {
			return true
		}
	}
	return false
}

// collectionBest folds per-token values into the collection value.
func collectionBest(tokens []domain.TokenAggregate) (floor, top domain.AskBid) {
	for _, t := range tokens {
		if t.FloorAsk.OrderID != "" && t.FloorAsk.Value != nil && better(t.FloorAsk.Value, t.FloorAsk.OrderID, floor, -1) {
			floor = t.FloorAsk
		}
		if t.TopBid.OrderID != "" && t.TopBid.Value != nil && better(t.TopBid.Value, t.TopBid.OrderID, top, 1) {
			top = t.TopBid
		}
	}
	return floor, top
}
