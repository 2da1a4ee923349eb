// Package rediscache persists the heartbeat runner's duplicate-suppression
// window in Redis, so a process restart does not forget the last 24h of
// forwarded text and immediately re-forward a stale duplicate. It swaps an
// in-memory field for a durable store behind a narrow interface
// (heartbeat.DuplicateCache), using github.com/redis/go-redis/v9 for
// small, TTL-bearing key/value state rather than a document store.
package rediscache

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache implements heartbeat.DuplicateCache against a Redis client.
type Cache struct {
	rdb    *redis.Client
	prefix string
}

// New builds a Cache. prefix namespaces keys, e.g. "miniagent:heartbeat:".
func New(rdb *redis.Client, prefix string) *Cache {
	return &Cache{rdb: rdb, prefix: prefix}
}

func (c *Cache) textKey(runnerID string) string { return c.prefix + runnerID + ":last_text" }
func (c *Cache) atKey(runnerID string) string   { return c.prefix + runnerID + ":last_text_at" }

// Get returns the last forwarded text and when it was forwarded, for the
// named runner. ok is false if nothing has ever been cached.
func (c *Cache) Get(ctx context.Context, runnerID string) (text string, at time.Time, ok bool, err error) {
	text, err = c.rdb.Get(ctx, c.textKey(runnerID)).Result()
	if err == redis.Nil {
		return "", time.Time{}, false, nil
	}
	if err != nil {
		return "", time.Time{}, false, fmt.Errorf("rediscache: get text: %w", err)
	}
	atRaw, err := c.rdb.Get(ctx, c.atKey(runnerID)).Result()
	if err == redis.Nil {
		return "", time.Time{}, false, nil
	}
	if err != nil {
		return "", time.Time{}, false, fmt.Errorf("rediscache: get timestamp: %w", err)
	}
	ms, err := strconv.ParseInt(atRaw, 10, 64)
	if err != nil {
		return "", time.Time{}, false, fmt.Errorf("rediscache: parse timestamp: %w", err)
	}
	return text, time.UnixMilli(ms), true, nil
}

// Set records the forwarded text and timestamp, expiring after ttl (the
// duplicate-suppression window plus slack, so entries self-clean).
func (c *Cache) Set(ctx context.Context, runnerID, text string, at time.Time, ttl time.Duration) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	pipe := c.rdb.Pipeline()
	pipe.Set(ctx, c.textKey(runnerID), text, ttl)
	pipe.Set(ctx, c.atKey(runnerID), strconv.FormatInt(at.UnixMilli(), 10), ttl)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("rediscache: set: %w", err)
	}
	return nil
}
