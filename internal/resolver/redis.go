package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "fleetgate:resolver:"

// RedisCache shares resolved permission sets across engine instances so
// an invalidation on one node is seen by all of them.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache constructs a Redis-backed cache with the given TTL.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisCache{client: client, ttl: ttl}
}

// Get returns the cached set. Any Redis failure reads as a miss so a
// degraded cache slows decisions down instead of breaking them.
func (c *RedisCache) Get(ctx context.Context, actorID int64) (EffectiveSet, bool) {
	raw, err := c.client.Get(ctx, redisKey(actorID)).Bytes()
	if err != nil {
		return EffectiveSet{}, false
	}
	var set EffectiveSet
	if err := json.Unmarshal(raw, &set); err != nil {
		return EffectiveSet{}, false
	}
	return set, true
}

// Set stores the resolved set under the actor's key.
func (c *RedisCache) Set(ctx context.Context, actorID int64, set EffectiveSet) error {
	raw, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("resolver: marshal cached set: %w", err)
	}
	return c.client.Set(ctx, redisKey(actorID), raw, c.ttl).Err()
}

// Invalidate deletes the actor's entry for every node at once.
func (c *RedisCache) Invalidate(ctx context.Context, actorID int64) error {
	return c.client.Del(ctx, redisKey(actorID)).Err()
}

func redisKey(actorID int64) string {
	return redisKeyPrefix + strconv.FormatInt(actorID, 10)
}
