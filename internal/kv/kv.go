// Package kv defines the key-value store contract the orchestrator persists
// job state and counters into. The production backend is Redis; an in-memory
// implementation exists for tests.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist or has expired.
var ErrNotFound = errors.New("key not found")

// Store is the minimal key-value surface the orchestrator relies on:
// set-with-ttl, get, increment and scan-by-prefix.
type Store interface {
	// SetWithTTL stores value under key. A zero ttl means no expiry.
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// IncrBy atomically adds delta to the integer stored at key (treating a
	// missing key as 0) and returns the new value.
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)

	// ScanPrefix returns all keys starting with prefix.
	ScanPrefix(ctx context.Context, prefix string) ([]string, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
