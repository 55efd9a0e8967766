// Package cache keeps short-lived capacity snapshots in Redis. The store stays authoritative;
// entries are dropped on every write and expire after the TTL.
//
// Each gym also has a generation counter bumped by Invalidate. A snapshot computed before an
// invalidation carries the old generation and is refused by Set.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"gymflow/occupancy/internal/model"
)

const DefaultTTL = 5 * time.Second

type CapacityCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewCapacityCache(client *redis.Client, ttl time.Duration) *CapacityCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &CapacityCache{client: client, ttl: ttl}
}

func capacityKey(gymID string) string {
	return "occupancy:capacity:" + gymID
}

func generationKey(gymID string) string {
	return "occupancy:capacity:gen:" + gymID
}

// KEYS[1] snapshot, KEYS[2] generation; ARGV generation, payload, ttl in ms.
var setIfGeneration = redis.NewScript(`
local current = redis.call('GET', KEYS[2]) or '0'
if current ~= ARGV[1] then
	return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

// Get reports a miss as ok=false with a nil error.
func (c *CapacityCache) Get(ctx context.Context, gymID string) (model.Capacity, bool, error) {
	if c == nil || c.client == nil {
		return model.Capacity{}, false, nil
	}
	value, err := c.client.Get(ctx, capacityKey(gymID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.Capacity{}, false, nil
	}
	if err != nil {
		return model.Capacity{}, false, err
	}
	var capacity model.Capacity
	if err := json.Unmarshal(value, &capacity); err != nil {
		_ = c.client.Del(ctx, capacityKey(gymID)).Err()
		return model.Capacity{}, false, nil
	}
	return capacity, true, nil
}

// Generation reads the gym's invalidation counter. Read it before computing the snapshot
// that is later passed to Set.
func (c *CapacityCache) Generation(ctx context.Context, gymID string) (int64, error) {
	if c == nil || c.client == nil {
		return 0, nil
	}
	generation, err := c.client.Get(ctx, generationKey(gymID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return generation, err
}

// Set stores capacity unless the gym was invalidated after generation was read.
func (c *CapacityCache) Set(ctx context.Context, capacity model.Capacity, generation int64) error {
	if c == nil || c.client == nil {
		return nil
	}
	data, err := json.Marshal(capacity)
	if err != nil {
		return err
	}
	keys := []string{capacityKey(capacity.GymID), generationKey(capacity.GymID)}
	return setIfGeneration.Run(ctx, c.client, keys,
		strconv.FormatInt(generation, 10), data, c.ttl.Milliseconds()).Err()
}

func (c *CapacityCache) Invalidate(ctx context.Context, gymID string) error {
	if c == nil || c.client == nil {
		return nil
	}
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, generationKey(gymID))
		pipe.Del(ctx, capacityKey(gymID))
		return nil
	})
	return err
}
