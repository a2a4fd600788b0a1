// Package kv defines the persistent key-value boundary used for credentials
// and the request queue snapshot.
//
// Implementations are treated as unreliable: any call may fail and callers
// wrap stores with WithRetry. There are no transaction or cross-process
// locking guarantees; a single active process owns the keys.
package kv

import (
	"context"
	"errors"
)

var (
	// ErrClosed is returned by stores used after Close.
	ErrClosed = errors.New("store closed")
	// ErrValueTooLarge is returned when a value exceeds the backend's capacity.
	ErrValueTooLarge = errors.New("value too large")
)

// Store is a durable, asynchronous get/set/remove primitive.
type Store interface {
	// Get returns the value and whether it was present.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set overwrites the value for key.
	Set(ctx context.Context, key, value string) error

	// Remove deletes key. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error

	// Keys lists every key in the store.
	Keys(ctx context.Context) ([]string, error)
}

// Well-known keys.
const (
	KeySession = "netsession:session"
	KeyQueue   = "netsession:queue:v1"
)
