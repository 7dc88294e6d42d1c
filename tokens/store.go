// Package tokens is the credential registry: the pool of bot tokens split
// into an Available list and an Unavailable audit list.
//
// Tokens are never deleted. Retiring a token moves it to Unavailable, and a
// retired token can never be appended again.
package tokens

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrEmptyToken is returned when appending a blank token.
	ErrEmptyToken = errors.New("empty token")
	// ErrRetired is returned when appending a token already in Unavailable.
	ErrRetired = errors.New("token was retired")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("store closed")
)

// Store is a credential registry. Implementations serialize their own writers.
type Store interface {
	// ListAvailable returns available tokens in insertion order.
	ListAvailable(ctx context.Context) ([]string, error)

	// ListUnavailable returns retired tokens in retirement order.
	ListUnavailable(ctx context.Context) ([]string, error)

	// MarkUnavailable retires a token. Retiring twice is a no-op.
	MarkUnavailable(ctx context.Context, token string) error

	// Append adds a token to Available. Appending a known available token
	// is a no-op; appending a retired token returns ErrRetired.
	Append(ctx context.Context, token string) error

	// Close releases resources.
	Close() error
}

// Watcher is implemented by stores that can report external edits.
type Watcher interface {
	// Watch returns a channel that receives after the backing data changes.
	// The channel closes when ctx ends.
	Watch(ctx context.Context) (<-chan struct{}, error)
}

func normalize(token string) string {
	return strings.TrimSpace(token)
}

// filterRetired drops duplicates and anything present in retired,
// preserving order.
func filterRetired(available, retired []string) []string {
	gone := make(map[string]bool, len(retired))
	for _, t := range retired {
		gone[t] = true
	}
	seen := make(map[string]bool, len(available))
	out := make([]string, 0, len(available))
	for _, t := range available {
		if gone[t] || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

func contains(list []string, token string) bool {
	for _, t := range list {
		if t == token {
			return true
		}
	}
	return false
}

func without(list []string, token string) []string {
	out := list[:0:0]
	for _, t := range list {
		if t != token {
			out = append(out, t)
		}
	}
	return out
}
