package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/nftbook/internal/domain"
)

const (
	priceBucket = time.Hour
	priceTTL    = 24 * time.Hour
)

// PriceCache implements domain.PriceCache using Redis hashes. Quotes are
// bucketed by hour at key "price:{currency}:{hourUnix}" with fields "usd",
// "decimals" and "ts".
type PriceCache struct {
	rdb *redis.Client
}

var _ domain.PriceCache = (*PriceCache)(nil)

// NewPriceCache creates a PriceCache backed by the given Client.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{rdb: c.Underlying()}
}

func priceKey(currency string, ts time.Time) string {
	return "price:" + currency + ":" + strconv.FormatInt(ts.Truncate(priceBucket).Unix(), 10)
}

// SetQuote stores a quote in the bucket of its timestamp.
func (pc *PriceCache) SetQuote(ctx context.Context, q domain.PriceQuote) error {
	key := priceKey(q.Currency, q.Timestamp)
	pipe := pc.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"usd":      q.USD.String(),
		"decimals": strconv.FormatInt(int64(q.Decimals), 10),
		"ts":       strconv.FormatInt(q.Timestamp.Unix(), 10),
	})
	pipe.Expire(ctx, key, priceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set quote %s: %w", q.Currency, err)
	}
	return nil
}

// GetQuote returns the quote cached for the hour containing ts.
func (pc *PriceCache) GetQuote(ctx context.Context, currency string, ts time.Time) (domain.PriceQuote, error) {
	vals, err := pc.rdb.HGetAll(ctx, priceKey(currency, ts)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return domain.PriceQuote{}, fmt.Errorf("redis: get quote %s: %w", currency, err)
	}
	usdStr, ok := vals["usd"]
	if !ok {
		return domain.PriceQuote{}, domain.ErrNotFound
	}
	usd, err := decimal.NewFromString(usdStr)
	if err != nil {
		return domain.PriceQuote{}, fmt.Errorf("redis: parse quote %s: %w", currency, err)
	}
	sec, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return domain.PriceQuote{}, fmt.Errorf("redis: parse quote ts %s: %w", currency, err)
	}
	decimals, _ := strconv.ParseInt(vals["decimals"], 10, 32)
	return domain.PriceQuote{
		Currency:  currency,
		Decimals:  int32(decimals),
		USD:       usd,
		Timestamp: time.Unix(sec, 0),
	}, nil
}
