package notifier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper suppresses repeat notifications for a key within a window.
type Deduper interface {
	// TryMarkSeen atomically checks whether key was recently notified and,
	// if not, marks it. It returns true when the notification should be sent.
	TryMarkSeen(ctx context.Context, key string, window time.Duration) (bool, error)
	// Release forgets key so a later copy of an undelivered message is sent.
	Release(ctx context.Context, key string) error
}

// MemoryDeduper keeps seen keys in process memory.
type MemoryDeduper struct {
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

// NewMemoryDeduper creates an in-process deduper.
func NewMemoryDeduper() *MemoryDeduper {
	return &MemoryDeduper{seen: make(map[string]time.Time), now: time.Now}
}

// TryMarkSeen implements Deduper.
func (d *MemoryDeduper) TryMarkSeen(_ context.Context, key string, window time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if seenAt, ok := d.seen[key]; ok && now.Sub(seenAt) < window {
		return false, nil
	}
	d.seen[key] = now
	return true, nil
}

// Release implements Deduper.
func (d *MemoryDeduper) Release(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, key)
	return nil
}

// Evict drops keys older than maxAge.
func (d *MemoryDeduper) Evict(maxAge time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cutoff := d.now().Add(-maxAge)
	for k, at := range d.seen {
		if at.Before(cutoff) {
			delete(d.seen, k)
		}
	}
}

// RedisDeduper shares seen keys across replicas with SET NX PX.
type RedisDeduper struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisDeduper creates a Redis-backed deduper.
func NewRedisDeduper(client redis.UniversalClient, prefix string) *RedisDeduper {
	if prefix == "" {
		prefix = "remedyforge"
	}
	return &RedisDeduper{client: client, prefix: prefix}
}

// TryMarkSeen implements Deduper.
func (d *RedisDeduper) TryMarkSeen(ctx context.Context, key string, window time.Duration) (bool, error) {
	ok, err := d.client.SetNX(ctx, d.prefix+":notified:"+key, time.Now().UTC().Format(time.RFC3339), window).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark notification seen: %w", err)
	}
	return ok, nil
}

// Release implements Deduper.
func (d *RedisDeduper) Release(ctx context.Context, key string) error {
	if err := d.client.Del(ctx, d.prefix+":notified:"+key).Err(); err != nil {
		return fmt.Errorf("failed to release notification key: %w", err)
	}
	return nil
}
