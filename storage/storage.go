// Package storage defines the durable key-value contract used by the config
// store, the telemetry sink and the recovery manager.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Store is a flat durable key-value store.
type Store interface {
	// Get returns the values for the keys that exist. Absent keys are simply
	// missing from the result; that is not an error.
	Get(ctx context.Context, keys ...string) (map[string][]byte, error)

	// Set writes every item. Implementations report ErrQuotaExceeded when
	// the backend refuses the write for lack of space.
	Set(ctx context.Context, items map[string][]byte) error

	// Remove deletes the keys. Removing an absent key is not an error.
	Remove(ctx context.Context, keys ...string) error

	// Close releases resources.
	Close() error
}

var (
	// ErrQuotaExceeded is returned when the backend is out of space.
	ErrQuotaExceeded = errors.New("storage: quota exceeded")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("storage: closed")
)

// GetJSON loads key into v. It reports false when the key is absent.
func GetJSON(ctx context.Context, s Store, key string, v any) (bool, error) {
	vals, err := s.Get(ctx, key)
	if err != nil {
		return false, err
	}
	raw, ok := vals[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// SetJSON stores v under key.
func SetJSON(ctx context.Context, s Store, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Set(ctx, map[string][]byte{key: b})
}
