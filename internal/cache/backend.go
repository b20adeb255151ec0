// Package cache provides the pluggable byte-value cache the engine uses for
// query result memoization and relay health persistence.
package cache

import (
	"context"
	"time"
)

// Backend defines the interface for cache implementations
type Backend interface {
	// Get retrieves a value from the cache
	// Returns (value, found, error)
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores a value in the cache with the given TTL
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from the cache
	Delete(ctx context.Context, key string) error

	// Close closes the cache connection
	Close() error
}
