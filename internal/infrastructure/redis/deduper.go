package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultDedupTTL is how long a notification key is remembered
const DefaultDedupTTL = 10 * time.Minute

// NotificationDeduper suppresses repeated marketplace notifications across instances
type NotificationDeduper struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewNotificationDeduper creates a deduper. A non-positive ttl uses DefaultDedupTTL.
func NewNotificationDeduper(client redis.Cmdable, ttl time.Duration) *NotificationDeduper {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &NotificationDeduper{client: client, ttl: ttl}
}

// FirstSeen claims key and reports whether nobody held it
func (d *NotificationDeduper) FirstSeen(ctx context.Context, key string) (bool, error) {
	ok, err := d.client.SetNX(ctx, key, time.Now().UTC().Unix(), d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", key, err)
	}
	return ok, nil
}

// Release forgets key so the next delivery is processed
func (d *NotificationDeduper) Release(ctx context.Context, key string) error {
	if err := d.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	return nil
}

// Ping reports whether Redis is reachable
func (d *NotificationDeduper) Ping(ctx context.Context) error {
	return d.client.Ping(ctx).Err()
}
