package state

import (
	"context"
	"errors"
	"strings"
)

// Common errors.
var (
	ErrNotFound   = errors.New("key not found")
	ErrClosed     = errors.New("store closed")
	ErrInvalidKey = errors.New("invalid key")
)

// Store is a flat key-value store.
type Store interface {
	// Get returns ErrNotFound for a missing key.
	Get(ctx context.Context, key string) ([]byte, error)

	Put(ctx context.Context, key string, value []byte) error

	// Delete of a missing key returns nil.
	Delete(ctx context.Context, key string) error

	// Keys returns keys starting with prefix, sorted.
	Keys(ctx context.Context, prefix string) ([]string, error)

	Close() error
}

// ValidateKey accepts the key alphabet of JetStream KV: letters, digits and
// - _ = / . with no empty dot-separated token.
func ValidateKey(key string) error {
	if key == "" || len(key) > 1024 {
		return ErrInvalidKey
	}
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case strings.ContainsRune("-_=/.", r):
		default:
			return ErrInvalidKey
		}
	}
	for _, tok := range strings.Split(key, ".") {
		if tok == "" {
			return ErrInvalidKey
		}
	}
	return nil
}
