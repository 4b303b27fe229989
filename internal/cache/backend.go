// Package cache provides TTL cache backends and a read-through layer that
// fronts the durable store.
package cache

import (
	"context"
	"time"
)

// Backend is a byte-oriented TTL cache
type Backend interface {
	// Get returns (value, found, error)
	Get(ctx context.Context, key string) ([]byte, bool, error)

	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	Delete(ctx context.Context, key string) error

	// GetMultiple returns only the keys that were found
	GetMultiple(ctx context.Context, keys []string) (map[string][]byte, error)

	SetMultiple(ctx context.Context, items map[string][]byte, ttl time.Duration) error

	// Len reports the number of live entries, or -1 when unknown
	Len(ctx context.Context) int

	Close() error
}
