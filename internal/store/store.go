// Package store defines the key-value contract backing all mutable shared
// auth state: OTP challenges, rate-limit marks, and the current refresh
// token per user. Every operation is a single atomic round trip in both
// implementations; callers never do read-then-write on shared keys.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when a key is absent or expired.
var ErrNotFound = errors.New("store: key not found")

type KV interface {
	// Get returns the value at key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set writes value with the given TTL, overwriting any prior value.
	// A zero TTL means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX writes value only if key is absent. Returns true if the write
	// happened. Used for check-and-mark rate limiting.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Incr atomically increments the integer counter at key and returns
	// the new value. The TTL is applied when the counter is created.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// CompareAndSwap replaces the value at key with next only if the
	// current value is byte-equal to old. Returns true if the swap
	// happened; false when the key is absent or holds a different value.
	CompareAndSwap(ctx context.Context, key string, old, next []byte, ttl time.Duration) (bool, error)

	// CompareAndDelete removes key only if its value is byte-equal to old.
	CompareAndDelete(ctx context.Context, key string, old []byte) (bool, error)
}
