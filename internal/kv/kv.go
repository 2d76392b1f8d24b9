// Package kv defines the key-value store port used for job state, caches,
// rate-limit buckets, and dead-letter records.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist or has expired.
var ErrNotFound = errors.New("kv: key not found")

// Store is a durable key-value store with per-key TTLs.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// Put writes the value. A ttl of zero means no expiry.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// List returns keys with the given prefix, for dead-letter replay.
	List(ctx context.Context, prefix string) ([]string, error)
}
