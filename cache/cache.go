// Copyright 2025 James Ross

// Package cache abstracts a key-value cache with TTL support.
// Implementations back throttling locks and the cache-based lock
// provider; values are byte slices with typed access
// layered on top through a serializer.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/flyingrobots/substrate/serializer"
)

// ErrClosed is returned by operations on a closed cache.
var ErrClosed = errors.New("cache: closed")

// Cache is a key-value store with expiration. All operations are safe
// for concurrent use. A zero ttl means no expiration.
type Cache interface {
	// Get returns the value for key and whether it exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value under key with the given ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetIfAbsent stores value only when key does not already exist and
	// reports whether it stored the value.
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Remove deletes key, reporting whether it existed.
	Remove(ctx context.Context, key string) (bool, error)

	// RemoveByPrefix deletes every key with the given prefix and
	// returns how many were removed.
	RemoveByPrefix(ctx context.Context, prefix string) (int, error)

	// Exists reports whether key exists and has not expired.
	Exists(ctx context.Context, key string) (bool, error)

	// Expire resets the ttl of key, reporting whether the key existed.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Increment atomically adds amount to the integer at key, creating
	// it at zero when missing, and applies ttl to newly created keys.
	// The new value is returned.
	Increment(ctx context.Context, key string, amount int64, ttl time.Duration) (int64, error)

	// SetIfHigher stores value when it is greater than the current
	// integer at key (or the key is missing) and returns the resulting
	// stored value.
	SetIfHigher(ctx context.Context, key string, value int64, ttl time.Duration) (int64, error)

	// SetIfLower is the mirror of SetIfHigher.
	SetIfLower(ctx context.Context, key string, value int64, ttl time.Duration) (int64, error)

	// Close releases all resources held by the implementation.
	Close() error
}

// GetTyped fetches key and decodes it into T with s.
func GetTyped[T any](ctx context.Context, c Cache, s serializer.Serializer, key string) (T, bool, error) {
	var v T
	b, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		return v, ok, err
	}
	if err := s.Unmarshal(b, &v); err != nil {
		return v, false, err
	}
	return v, true, nil
}

// SetTyped encodes v with s and stores it under key.
func SetTyped[T any](ctx context.Context, c Cache, s serializer.Serializer, key string, v T, ttl time.Duration) error {
	b, err := s.Marshal(v)
	if err != nil {
		return err
	}
	return c.Set(ctx, key, b, ttl)
}
