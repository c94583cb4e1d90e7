// Package fills turns matched trade legs into fill records.
package fills

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/nftbook/internal/attribution"
	"github.com/alanyoungcy/nftbook/internal/domain"
	"github.com/alanyoungcy/nftbook/internal/events"
	"github.com/alanyoungcy/nftbook/internal/pricing"
)

// Converter prices a currency amount in native and USD terms.
type Converter interface {
	Convert(ctx context.Context, currency string, amount *big.Int, ts time.Time) (pricing.Prices, error)
}

// Attributor resolves the sources behind a fill.
type Attributor interface {
	Resolve(ctx context.Context, txs attribution.TxFetcher, tx common.Hash, kind domain.OrderKind, opts attribution.Options) (domain.Attribution, error)
}

// OrderLookup reads stored orders.
type OrderLookup interface {
	GetByID(ctx context.Context, id string) (domain.CanonicalOrder, error)
}

// Leg is one matched trade leg as decoded by a protocol handler, with any
// trace-resolved fields already filled in.
type Leg struct {
	OrderID  string
	Kind     domain.OrderKind
	Side     domain.OrderSide
	Maker    string
	Taker    string
	Contract string
	TokenID  string
	Amount   *big.Int
	Currency string
	// Price is the total paid for Amount, in currency units.
	Price *big.Int
	Base  domain.BaseEventParams
}

// Reconciler emits fills into a batch accumulator.
type Reconciler struct {
	prices Converter
	attr   Attributor
	orders OrderLookup
	logger *slog.Logger
}

// NewReconciler creates a Reconciler.
func NewReconciler(prices Converter, attr Attributor, orders OrderLookup, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		prices: prices,
		attr:   attr,
		orders: orders,
		logger: logger.With(slog.String("component", "fills")),
	}
}

// Emit reconciles one leg. It returns an error wrapping events.ErrSkip when
// the leg is deliberately not recorded.
func (r *Reconciler) Emit(ctx context.Context, env *events.Env, leg Leg) error {
	if leg.OrderID != "" && env.Skipped(leg.OrderID) {
		return fmt.Errorf("%w: order %s already counted as a pair", events.ErrSkip, leg.OrderID)
	}
	maker, taker := strings.ToLower(leg.Maker), strings.ToLower(leg.Taker)
	if maker != "" && maker == taker {
		return fmt.Errorf("%w: self fill of order %s", events.ErrSkip, leg.OrderID)
	}
	if leg.Amount == nil || leg.Amount.Sign() <= 0 || leg.Price == nil {
		return fmt.Errorf("fills: leg of order %s has no amount or price", leg.OrderID)
	}

	ts := time.Unix(leg.Base.Timestamp, 0)
	prices, err := r.prices.Convert(ctx, leg.Currency, leg.Price, ts)
	if err != nil {
		if errors.Is(err, domain.ErrNoPrice) {
			return fmt.Errorf("%w: %v", events.ErrSkip, err)
		}
		return fmt.Errorf("fills: convert %s: %w", leg.Currency, err)
	}

	fill := domain.FillEvent{
		OrderID:       leg.OrderID,
		OrderKind:     leg.Kind,
		OrderSide:     leg.Side,
		Maker:         maker,
		Taker:         taker,
		Contract:      strings.ToLower(leg.Contract),
		TokenID:       leg.TokenID,
		Amount:        new(big.Int).Set(leg.Amount),
		Currency:      strings.ToLower(leg.Currency),
		CurrencyPrice: new(big.Int).Set(leg.Price),
		Price:         prices.Native,
		USDPrice:      prices.USD,
		Base:          leg.Base,
	}

	opts := attribution.Options{}
	if leg.OrderID != "" && r.orders != nil {
		if o, err := r.orders.GetByID(ctx, leg.OrderID); err == nil {
			opts.OrderSourceID = o.SourceID
		} else if !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("fills: order %s: %w", leg.OrderID, err)
		}
	}
	attr, err := r.attr.Resolve(ctx, env.Traces, common.HexToHash(leg.Base.TxHash), leg.Kind, opts)
	if err != nil {
		r.logger.WarnContext(ctx, "fill attribution failed",
			slog.String("tx_hash", leg.Base.TxHash),
			slog.String("order_id", leg.OrderID),
			slog.String("error", err.Error()),
		)
	} else {
		attribution.Apply(&fill, attr)
	}

	env.Acc.AddFill(fill)
	return nil
}

// EmitPair reconciles the first leg of an explicit match and marks the
// counterpart orders so their own legs are not counted again.
func (r *Reconciler) EmitPair(ctx context.Context, env *events.Env, leg Leg, counterparts ...string) error {
	if err := r.Emit(ctx, env, leg); err != nil {
		return err
	}
	for _, c := range counterparts {
		if c != "" {
			env.SkipPair(c)
		}
	}
	return nil
}

// Take is one order consumed by a batch fill.
type Take struct {
	OrderID string
	Maker   string
	TokenID string
	// Taken is the quantity the request consumed from this order. When no
	// take sets it, it is derived from Available.
	Taken *big.Int
	// Available is what the order had left before the request.
	Available *big.Int
}

// EmitBatch reconciles a single request that consumed several orders. Each
// take with a non-zero taken quantity gets one leg of that amount, and the
// total price is split in proportion to the amounts taken. Leg amounts sum
// to total.Amount and leg prices to total.Price.
func (r *Reconciler) EmitBatch(ctx context.Context, env *events.Env, total Leg, takes []Take) error {
	if total.Amount == nil || total.Amount.Sign() <= 0 || total.Price == nil {
		return fmt.Errorf("fills: batch in %s has no amount or price", total.Base.TxHash)
	}
	taken, err := Consumed(total.Amount, takes)
	if err != nil {
		return fmt.Errorf("%w: %v", events.ErrSkip, err)
	}
	prices, err := Split(total.Price, taken)
	if err != nil {
		return err
	}

	var errs []error
	for i, t := range takes {
		if taken[i].Sign() == 0 {
			continue
		}
		leg := total
		leg.OrderID = t.OrderID
		leg.Maker = t.Maker
		if t.TokenID != "" {
			leg.TokenID = t.TokenID
		}
		leg.Amount = taken[i]
		leg.Price = prices[i]
		leg.Base.BatchIndex = uint(i + 1)
		if err := r.Emit(ctx, env, leg); err != nil && !errors.Is(err, events.ErrSkip) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Consumed resolves how much of amount each take absorbed. Explicit Taken
// quantities must all be present and sum to amount. Otherwise takes are
// drained in order, each up to its Available quantity, until amount is met.
func Consumed(amount *big.Int, takes []Take) ([]*big.Int, error) {
	if len(takes) == 0 {
		return nil, fmt.Errorf("fills: batch consumed no orders")
	}
	explicit := 0
	for _, t := range takes {
		if t.Taken != nil {
			explicit++
		}
	}

	out := make([]*big.Int, len(takes))
	switch explicit {
	case len(takes):
		sum := new(big.Int)
		for i, t := range takes {
			if t.Taken.Sign() < 0 {
				return nil, fmt.Errorf("fills: negative quantity taken from %s", t.OrderID)
			}
			out[i] = new(big.Int).Set(t.Taken)
			sum.Add(sum, t.Taken)
		}
		if sum.Cmp(amount) != 0 {
			return nil, fmt.Errorf("fills: takes sum to %s, request filled %s", sum, amount)
		}
	case 0:
		left := new(big.Int).Set(amount)
		for i, t := range takes {
			out[i] = new(big.Int)
			if t.Available == nil || t.Available.Sign() <= 0 || left.Sign() == 0 {
				continue
			}
			if t.Available.Cmp(left) < 0 {
				out[i].Set(t.Available)
			} else {
				out[i].Set(left)
			}
			left.Sub(left, out[i])
		}
		if left.Sign() > 0 {
			return nil, fmt.Errorf("fills: request filled %s, orders had %s less", amount, left)
		}
	default:
		return nil, fmt.Errorf("fills: %d of %d takes carry a taken quantity", explicit, len(takes))
	}
	return out, nil
}

// Split apportions total across weights with the largest remainder
// method. The parts sum to total exactly.
func Split(total *big.Int, weights []*big.Int) ([]*big.Int, error) {
	sum := new(big.Int)
	for _, w := range weights {
		if w == nil || w.Sign() < 0 {
			return nil, fmt.Errorf("fills: invalid weight")
		}
		sum.Add(sum, w)
	}
	if sum.Sign() == 0 {
		return nil, fmt.Errorf("fills: weights sum to zero")
	}

	parts := make([]*big.Int, len(weights))
	rems := make([]*big.Int, len(weights))
	assigned := new(big.Int)
	for i, w := range weights {
		q, m := new(big.Int).QuoRem(new(big.Int).Mul(total, w), sum, new(big.Int))
		parts[i] = q
		rems[i] = m
		assigned.Add(assigned, q)
	}

	left := new(big.Int).Sub(total, assigned).Int64()
	for ; left > 0; left-- {
		best := -1
		for i, m := range rems {
			if m.Sign() > 0 && (best < 0 || m.Cmp(rems[best]) > 0) {
				best = i
			}
		}
		if best < 0 {
			break
		}
		parts[best].Add(parts[best], big.NewInt(1))
		rems[best].SetInt64(0)
	}
	return parts, nil
}
