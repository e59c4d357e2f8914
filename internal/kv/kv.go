// Package kv defines the TTL key-value contract that backs live health state
// and provides an in-memory implementation.
package kv

import (
	"context"
	"errors"
	"time"
)

// MinTTL is the smallest expiry any backing store honours. Shorter TTLs are
// raised to this floor.
const MinTTL = 60 * time.Second

// ErrNotFound is returned by Get when the key is absent or expired.
var ErrNotFound = errors.New("kv: not found")

// UpdateFunc receives the current value (nil and found=false when absent) and
// returns the value to store. Returning a nil slice leaves the key untouched.
type UpdateFunc func(current []byte, found bool) ([]byte, error)

// Store is a key-value store with per-key expiry and atomic read-modify-write
// of a single key. Implementations must be safe for concurrent use.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Update applies fn to the current value of key and writes the result
	// with ttl. No other writer can interleave between the read and the write.
	Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// ClampTTL raises ttl to MinTTL.
func ClampTTL(ttl time.Duration) time.Duration {
	if ttl < MinTTL {
		return MinTTL
	}
	return ttl
}
