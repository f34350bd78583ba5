package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ReferenceCache is a Redis front for reference resources keyed by
// facility, resource type and id. The durable copy lives in PostgreSQL.
type ReferenceCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewReferenceCache(client redis.UniversalClient, ttl time.Duration) *ReferenceCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &ReferenceCache{client: client, ttl: ttl}
}

func referenceKey(facilityID, resourceType, id string) string {
	return KeyPrefix + "ref:" + facilityID + ":" + resourceType + "/" + id
}

// Get returns the cached resource, or ok=false on a miss.
func (c *ReferenceCache) Get(ctx context.Context, facilityID, resourceType, id string) ([]byte, bool, error) {
	data, err := c.client.Get(ctx, referenceKey(facilityID, resourceType, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get reference: %w", err)
	}
	return data, true, nil
}

func (c *ReferenceCache) Set(ctx context.Context, facilityID, resourceType, id string, data []byte) error {
	if err := c.client.Set(ctx, referenceKey(facilityID, resourceType, id), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("set reference: %w", err)
	}
	return nil
}
