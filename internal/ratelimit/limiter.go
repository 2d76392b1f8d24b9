// Package ratelimit bounds request volume per key within fixed windows.
// Two interchangeable implementations exist: Serialized holds per-key
// counters behind a mutex and is strictly correct under concurrency;
// KVWindow shares counters through a kv.Store with check-then-put semantics
// and tolerates a small race. The implementation is selected once at
// startup and never branched on in business logic.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/7and1/thedoorpost/internal/kv"
)

func bucketKey(key string, window int64) string {
	return fmt.Sprintf("rate:%s:%d", key, window)
}

func windowIndex(now time.Time, window time.Duration) int64 {
	return now.Unix() / int64(window/time.Second)
}

// Serialized is the per-key counter limiter. Stale buckets are pruned
// lazily as windows roll over.
type Serialized struct {
	mu      sync.Mutex
	buckets map[string]*serialBucket
	now     func() time.Time
}

type serialBucket struct {
	window int64
	count  int
	seen   time.Time
}

// NewSerialized constructs a Serialized limiter.
func NewSerialized() *Serialized {
	return &Serialized{
		buckets: make(map[string]*serialBucket),
		now:     time.Now,
	}
}

// Allow returns true at most limit times per key per window.
func (l *Serialized) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 || window < time.Second {
		return false, fmt.Errorf("invalid limit %d or window %s", limit, window)
	}
	now := l.now()
	idx := windowIndex(now, window)

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok || b.window != idx {
		b = &serialBucket{window: idx}
		l.buckets[key] = b
	}
	b.seen = now
	if b.count >= limit {
		return false, nil
	}
	b.count++

	// Prune buckets idle for two windows so the map stays bounded.
	if len(l.buckets) > 1024 {
		horizon := now.Add(-2 * window)
		for k, old := range l.buckets {
			if old.seen.Before(horizon) {
				delete(l.buckets, k)
			}
		}
	}
	return true, nil
}

// KVWindow counts submissions in a shared kv.Store. The read-then-put pair
// is not atomic; a concurrent burst may admit slightly more than limit,
// which only loosens throttling and never affects job results.
type KVWindow struct {
	store kv.Store
	now   func() time.Time
}

// NewKVWindow constructs a KVWindow limiter over the given store.
func NewKVWindow(store kv.Store) *KVWindow {
	return &KVWindow{store: store, now: time.Now}
}

// Allow returns true at most limit times per key per window, best-effort
// across processes sharing the store.
func (l *KVWindow) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 || window < time.Second {
		return false, fmt.Errorf("invalid limit %d or window %s", limit, window)
	}
	bk := bucketKey(key, windowIndex(l.now(), window))

	current := 0
	raw, err := l.store.Get(ctx, bk)
	switch {
	case err == nil:
		parsed, parseErr := strconv.Atoi(string(raw))
		if parseErr != nil {
			// Corrupted counter: reset rather than lock the key out.
			current = 0
		} else {
			current = parsed
		}
	case errors.Is(err, kv.ErrNotFound):
	default:
		return false, fmt.Errorf("read bucket: %w", err)
	}

	if current >= limit {
		return false, nil
	}
	next := current + 1
	if err := l.store.Put(ctx, bk, []byte(strconv.Itoa(next)), 2*window); err != nil {
		return false, fmt.Errorf("write bucket: %w", err)
	}
	return next <= limit, nil
}
