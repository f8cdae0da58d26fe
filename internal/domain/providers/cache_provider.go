package providers

import (
	"context"
	"errors"
	"time"
)

// ErrCacheMiss is returned by CacheProvider.Get when the key is absent.
var ErrCacheMiss = errors.New("cache: key not found")

// CacheProvider defines the interface for caching operations
type CacheProvider interface {
	// Get retrieves a value from cache
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value in cache with expiration
	Set(ctx context.Context, key string, value []byte, expirationSeconds int) error

	// Delete removes a value from cache
	Delete(ctx context.Context, key string) error

	// Exists checks if a key exists in cache
	Exists(ctx context.Context, key string) (bool, error)
}

// CounterProvider keeps fixed-window counters shared between instances.
type CounterProvider interface {
	// Incr adds one to key and returns the new count. The first increment
	// starts a window of the given length; later increments do not extend it.
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

// LockProvider hands out short-lived cross-process locks.
type LockProvider interface {
	// AcquireLock takes the lock if free. The returned token must be passed
	// to ReleaseLock; ok is false when another holder owns the lock.
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)

	// ReleaseLock frees the lock if token still owns it
	ReleaseLock(ctx context.Context, key, token string) error
}
