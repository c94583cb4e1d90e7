package redis

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/nftbook/internal/domain"
)

//go:embed scripts/token_bucket.lua
var tokenBucketLua string

// RateLimiter implements domain.RateLimiter as fixed-window token buckets.
// A bucket holds capacity tokens and refills in full when its window ends.
type RateLimiter struct {
	rdb    *redis.Client
	bucket *redis.Script
}

var _ domain.RateLimiter = (*RateLimiter)(nil)

// NewRateLimiter creates a RateLimiter backed by the given Client.
func NewRateLimiter(c *Client) *RateLimiter {
	return &RateLimiter{
		rdb:    c.Underlying(),
		bucket: redis.NewScript(tokenBucketLua),
	}
}

func rateLimitKey(key string) string {
	return "ratelimit:" + key
}

// Take consumes one token from the bucket for key. When the bucket is empty
// it returns false and the time until it refills.
func (rl *RateLimiter) Take(ctx context.Context, key string, capacity int, window time.Duration) (bool, time.Duration, error) {
	res, err := rl.bucket.Run(ctx, rl.rdb,
		[]string{rateLimitKey(key)}, capacity, window.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("redis: rate limit take %s: %w", key, err)
	}
	if len(res) < 2 {
		return false, 0, fmt.Errorf("redis: rate limit take %s: unexpected result length %d", key, len(res))
	}
	return res[0] == 1, time.Duration(res[1]) * time.Millisecond, nil
}

// Wait blocks until a token is available or ctx ends.
func (rl *RateLimiter) Wait(ctx context.Context, key string, capacity int, window time.Duration) error {
	for {
		ok, resetIn, err := rl.Take(ctx, key, capacity, window)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if resetIn <= 0 {
			resetIn = 50 * time.Millisecond
		}

		timer := time.NewTimer(resetIn)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("redis: rate limit wait %s: %w", key, ctx.Err())
		case <-timer.C:
		}
	}
}
