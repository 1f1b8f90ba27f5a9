// Package cache keeps the short-lived credentials (broadcast tokens,
// current QR payloads) in Redis with TTLs matching their freshness
// windows, so serving the current code does not hit Postgres.
package cache

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	sessionTokenPrefix = "session:token:"
	classQRPrefix      = "class:qr:"
)

type Cache struct {
	redis *redis.Client
}

func New(client *redis.Client) *Cache {
	return &Cache{redis: client}
}

func (c *Cache) Healthy(ctx context.Context) bool {
	return c.redis.Ping(ctx).Err() == nil
}

// StoreSessionToken caches the broadcast token alongside the owning
// teacher, so a cache hit can be authorized without a database read.
func (c *Cache) StoreSessionToken(ctx context.Context, sessionID, teacherID, token string, ttl time.Duration) error {
	return c.redis.Set(ctx, sessionTokenPrefix+sessionID, joinSessionEntry(teacherID, token), ttl).Err()
}

// LoadSessionToken returns the owning teacher and token for a session.
// Entries that predate the owner-tagged format are treated as misses.
func (c *Cache) LoadSessionToken(ctx context.Context, sessionID string) (string, string, bool, error) {
	value, err := c.redis.Get(ctx, sessionTokenPrefix+sessionID).Result()
	if errors.Is(err, redis.Nil) {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, err
	}
	teacherID, token, ok := splitSessionEntry(value)
	if !ok {
		return "", "", false, nil
	}
	return teacherID, token, true, nil
}

func joinSessionEntry(teacherID, token string) string {
	return teacherID + "|" + token
}

func splitSessionEntry(value string) (string, string, bool) {
	index := strings.Index(value, "|")
	if index <= 0 || index == len(value)-1 {
		return "", "", false
	}
	return value[:index], value[index+1:], true
}

func (c *Cache) ClearSessionToken(ctx context.Context, sessionID string) error {
	return c.redis.Del(ctx, sessionTokenPrefix+sessionID).Err()
}

func (c *Cache) StoreClassQR(ctx context.Context, classID, payload string, ttl time.Duration) error {
	return c.redis.Set(ctx, classQRPrefix+classID, payload, ttl).Err()
}

func (c *Cache) LoadClassQR(ctx context.Context, classID string) (string, bool, error) {
	value, err := c.redis.Get(ctx, classQRPrefix+classID).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}
