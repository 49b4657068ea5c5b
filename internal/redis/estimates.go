package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// EstimateTTL bounds how stale a cached audience estimate may get.
// Estimates are advisory; exact membership is always resolved at
// dispatch time.
const EstimateTTL = 5 * time.Minute

// EstimateCache caches segment audience estimates so repeated editor
// previews don't re-run the count query.
type EstimateCache struct {
	client *Client
	logger *zap.Logger
}

// NewEstimateCache creates a new estimate cache.
func NewEstimateCache(client *Client, logger *zap.Logger) *EstimateCache {
	return &EstimateCache{client: client, logger: logger}
}

func (c *EstimateCache) buildKey(merchantID, segmentID string) string {
	return fmt.Sprintf("estimate:%s:%s", merchantID, segmentID)
}

// Get returns the cached estimate, or (0, false) on a miss.
func (c *EstimateCache) Get(ctx context.Context, merchantID, segmentID string) (int, bool, error) {
	val, err := c.client.rdb.Get(ctx, c.buildKey(merchantID, segmentID)).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("redis get failed: %w", err)
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, false, fmt.Errorf("invalid cached estimate: %w", err)
	}
	return n, true, nil
}

// Set stores an estimate with the standard TTL.
func (c *EstimateCache) Set(ctx context.Context, merchantID, segmentID string, count int) error {
	key := c.buildKey(merchantID, segmentID)
	if err := c.client.rdb.Set(ctx, key, strconv.Itoa(count), EstimateTTL).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}
