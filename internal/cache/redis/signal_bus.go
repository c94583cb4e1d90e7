package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/nftbook/internal/domain"
)

const (
	// AggregateChannel carries live aggregate changes over Pub/Sub.
	AggregateChannel = "nftbook:aggregates"
	// AggregateStream keeps recent changes for consumers that reconnect.
	AggregateStream = "nftbook:aggregates:log"

	feedMaxLen int64 = 10000
)

// AggregateFeed implements domain.AggregateFeed. Every change is published
// on a channel and appended to a capped stream in one pipeline.
type AggregateFeed struct {
	rdb *redis.Client
}

var _ domain.AggregateFeed = (*AggregateFeed)(nil)

// NewAggregateFeed creates an AggregateFeed backed by the given Client.
func NewAggregateFeed(c *Client) *AggregateFeed {
	return &AggregateFeed{rdb: c.Underlying()}
}

// Announce publishes change and records it in the stream.
func (f *AggregateFeed) Announce(ctx context.Context, change domain.AggregateChange) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("redis: marshal aggregate change %s: %w", change.Key, err)
	}
	_, err = f.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Publish(ctx, AggregateChannel, payload)
		p.XAdd(ctx, &redis.XAddArgs{
			Stream: AggregateStream,
			MaxLen: feedMaxLen,
			Approx: true,
			Values: map[string]any{"scope": change.Scope, "key": change.Key, "payload": payload},
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: announce aggregate %s: %w", change.Key, err)
	}
	return nil
}

// Recent returns up to n of the latest changes, newest first.
func (f *AggregateFeed) Recent(ctx context.Context, n int64) ([]domain.AggregateChange, error) {
	msgs, err := f.rdb.XRevRangeN(ctx, AggregateStream, "+", "-", n).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: read aggregate log: %w", err)
	}
	out := make([]domain.AggregateChange, 0, len(msgs))
	for _, m := range msgs {
		raw, _ := m.Values["payload"].(string)
		var c domain.AggregateChange
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			return nil, fmt.Errorf("redis: decode aggregate change %s: %w", m.ID, err)
		}
		out = append(out, c)
	}
	return out, nil
}
