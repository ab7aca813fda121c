// Package kv provides the key/value-with-TTL facility of the shared coordination
// store: instance pressure samples and breaker snapshots live here.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist or has expired.
var ErrNotFound = errors.New("kv: key not found")

// Store defines the interface for a shared key/value store with expiry.
type Store interface {
	// Set writes value under key. A ttl of zero keeps the key until overwritten.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Values returns every live key starting with prefix together with its value.
	// Keys that expire between enumeration and read are omitted.
	Values(ctx context.Context, prefix string) (map[string]string, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
