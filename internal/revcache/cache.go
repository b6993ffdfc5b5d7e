// Package revcache provides a Redis read-through cache for revision
// payloads.
package revcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// slidingTTL keeps a hot revision alive; each hit renews it.
	slidingTTL = 2 * time.Minute
	// absoluteTTL caps how long an entry may serve regardless of hits.
	absoluteTTL = 10 * time.Minute
)

// ErrMiss is returned when the cache holds no live entry for the key.
var ErrMiss = errors.New("cache miss")

type entry struct {
	Payload  json.RawMessage `json:"payload"`
	StoredAt time.Time       `json:"stored_at"`
}

// Cache caches revision payloads by revision id.
type Cache struct {
	client *redis.Client
	prefix string
}

func New(redisURL string) (*Cache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Cache{client: client, prefix: "rev:"}, nil
}

// NewWithClient creates a cache from an existing Redis client
func NewWithClient(client *redis.Client) *Cache {
	return &Cache{client: client, prefix: "rev:"}
}

func (c *Cache) key(revisionID string) string {
	return c.prefix + revisionID
}

// Set stores a revision payload under the sliding TTL.
func (c *Cache) Set(ctx context.Context, revisionID string, payload []byte) error {
	data, err := json.Marshal(entry{Payload: payload, StoredAt: time.Now()})
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	if err := c.client.Set(ctx, c.key(revisionID), data, slidingTTL).Err(); err != nil {
		return fmt.Errorf("cache revision: %w", err)
	}
	return nil
}

// Get returns a cached payload and renews its sliding TTL. Entries older
// than the absolute lifetime are dropped even when still hot.
func (c *Cache) Get(ctx context.Context, revisionID string) ([]byte, error) {
	key := c.key(revisionID)
	data, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("read cached revision: %w", err)
	}

	var stored entry
	if err := json.Unmarshal([]byte(data), &stored); err != nil {
		return nil, fmt.Errorf("unmarshal cache entry: %w", err)
	}
	if time.Since(stored.StoredAt) >= absoluteTTL {
		_ = c.client.Del(ctx, key).Err()
		return nil, ErrMiss
	}

	if err := c.client.Expire(ctx, key, slidingTTL).Err(); err != nil {
		return nil, fmt.Errorf("renew cached revision: %w", err)
	}
	return stored.Payload, nil
}

// Invalidate drops a cached revision.
func (c *Cache) Invalidate(ctx context.Context, revisionID string) error {
	if err := c.client.Del(ctx, c.key(revisionID)).Err(); err != nil {
		return fmt.Errorf("invalidate cached revision: %w", err)
	}
	return nil
}

// Ping checks if Redis is reachable
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Cache) Close() error {
	return c.client.Close()
}
