package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/nftbook/internal/domain"
)

// AggregateCache implements domain.AggregateCache with JSON values and a
// short TTL. Postgres stays the source of truth.
//
// Key schema:
//
//	agg:token:{contract}:{tokenID}  - JSON TokenAggregate
//	agg:collection:{id}             - JSON CollectionAggregate
type AggregateCache struct {
	rdb *redis.Client
	ttl time.Duration
}

var _ domain.AggregateCache = (*AggregateCache)(nil)

// NewAggregateCache creates an AggregateCache. A zero ttl defaults to 30s.
func NewAggregateCache(c *Client, ttl time.Duration) *AggregateCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &AggregateCache{rdb: c.Underlying(), ttl: ttl}
}

func tokenAggKey(contract, tokenID string) string { return "agg:token:" + contract + ":" + tokenID }
func collectionAggKey(id string) string           { return "agg:collection:" + id }

func (ac *AggregateCache) set(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("redis: marshal %s: %w", key, err)
	}
	if err := ac.rdb.Set(ctx, key, data, ac.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set %s: %w", key, err)
	}
	return nil
}

func (ac *AggregateCache) get(ctx context.Context, key string, v any) error {
	data, err := ac.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.ErrNotFound
		}
		return fmt.Errorf("redis: get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("redis: unmarshal %s: %w", key, err)
	}
	return nil
}

// SetToken caches a token aggregate.
func (ac *AggregateCache) SetToken(ctx context.Context, agg domain.TokenAggregate) error {
	return ac.set(ctx, tokenAggKey(agg.Contract, agg.TokenID), agg)
}

// GetToken returns a cached token aggregate or domain.ErrNotFound.
func (ac *AggregateCache) GetToken(ctx context.Context, contract, tokenID string) (domain.TokenAggregate, error) {
	var agg domain.TokenAggregate
	err := ac.get(ctx, tokenAggKey(contract, tokenID), &agg)
	return agg, err
}

// SetCollection caches a collection aggregate.
func (ac *AggregateCache) SetCollection(ctx context.Context, agg domain.CollectionAggregate) error {
	return ac.set(ctx, collectionAggKey(agg.CollectionID), agg)
}

// GetCollection returns a cached collection aggregate or domain.ErrNotFound.
func (ac *AggregateCache) GetCollection(ctx context.Context, id string) (domain.CollectionAggregate, error) {
	var agg domain.CollectionAggregate
	err := ac.get(ctx, collectionAggKey(id), &agg)
	return agg, err
}
