// Package pricing converts payment-currency amounts into native and USD
// terms as of a point in time.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/nftbook/internal/domain"
)

// USDDecimals is the fixed precision of USD amounts.
const USDDecimals = 6

// QuoteSource fetches quotes that are not cached yet.
type QuoteSource interface {
	FetchQuote(ctx context.Context, currency string, ts time.Time) (domain.PriceQuote, error)
}

// Prices is an amount expressed in native and USD terms.
type Prices struct {
	Native *big.Int
	USD    *big.Int // USDDecimals
}

// Oracle converts currency amounts, caching quotes per hour.
type Oracle struct {
	source         QuoteSource
	cache          domain.PriceCache
	native         string
	wrapped        string
	nativeDecimals int32
	logger         *slog.Logger
}

// NewOracle creates an Oracle. native and wrapped are the currency
// addresses treated as native value.
func NewOracle(source QuoteSource, cache domain.PriceCache, native, wrapped string, logger *slog.Logger) *Oracle {
	return &Oracle{
		source:         source,
		cache:          cache,
		native:         strings.ToLower(native),
		wrapped:        strings.ToLower(wrapped),
		nativeDecimals: 18,
		logger:         logger.With(slog.String("component", "pricing")),
	}
}

// IsNative reports whether currency is native or wrapped native.
func (o *Oracle) IsNative(currency string) bool {
	c := strings.ToLower(currency)
	return c == o.native || c == o.wrapped
}

// Quote returns the USD quote for currency at ts. Missing quotes wrap
// domain.ErrNoPrice.
func (o *Oracle) Quote(ctx context.Context, currency string, ts time.Time) (domain.PriceQuote, error) {
	currency = strings.ToLower(currency)
	if o.IsNative(currency) {
		currency = o.native
	}

	q, err := o.cache.GetQuote(ctx, currency, ts)
	if err == nil {
		return q, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		o.logger.WarnContext(ctx, "price cache read failed",
			slog.String("currency", currency),
			slog.String("error", err.Error()),
		)
	}

	q, err = o.source.FetchQuote(ctx, currency, ts)
	if err != nil {
		if errors.Is(err, domain.ErrNoPrice) {
			return domain.PriceQuote{}, err
		}
		return domain.PriceQuote{}, fmt.Errorf("%w: %v", domain.ErrNoPrice, err)
	}
	if currency == o.native && q.Decimals == 0 {
		q.Decimals = o.nativeDecimals
	}
	q.Currency = currency
	q.Timestamp = ts
	if err := o.cache.SetQuote(ctx, q); err != nil {
		o.logger.WarnContext(ctx, "price cache write failed",
			slog.String("currency", currency),
			slog.String("error", err.Error()),
		)
	}
	return q, nil
}

// ToNative converts amount of currency into native units at ts.
func (o *Oracle) ToNative(ctx context.Context, currency string, amount *big.Int, ts time.Time) (*big.Int, error) {
	if amount == nil {
		return nil, nil
	}
	if o.IsNative(currency) {
		return new(big.Int).Set(amount), nil
	}

	cq, err := o.Quote(ctx, currency, ts)
	if err != nil {
		return nil, err
	}
	nq, err := o.Quote(ctx, o.native, ts)
	if err != nil {
		return nil, err
	}
	// amount * usd(c) * 10^dn / (10^dc * usd(n))
	num := decimal.NewFromBigInt(amount, nq.Decimals-cq.Decimals).Mul(cq.USD)
	return num.Div(nq.USD).BigInt(), nil
}

// ToUSD converts amount of currency into USD with USDDecimals at ts.
func (o *Oracle) ToUSD(ctx context.Context, currency string, amount *big.Int, ts time.Time) (*big.Int, error) {
	if amount == nil {
		return nil, nil
	}
	q, err := o.Quote(ctx, currency, ts)
	if err != nil {
		return nil, err
	}
	usd := decimal.NewFromBigInt(amount, -q.Decimals).Mul(q.USD).Shift(USDDecimals)
	return usd.BigInt(), nil
}

// Convert expresses amount in both native and USD terms.
func (o *Oracle) Convert(ctx context.Context, currency string, amount *big.Int, ts time.Time) (Prices, error) {
	native, err := o.ToNative(ctx, currency, amount, ts)
	if err != nil {
		return Prices{}, err
	}
	usd, err := o.ToUSD(ctx, currency, amount, ts)
	if err != nil {
		return Prices{}, err
	}
	return Prices{Native: native, USD: usd}, nil
}
