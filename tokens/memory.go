package tokens

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu          sync.Mutex
	available   []string
	unavailable []string
	closed      bool
}

// NewMemoryStore creates a store seeded with available tokens.
func NewMemoryStore(available ...string) *MemoryStore {
	m := &MemoryStore{}
	for _, t := range available {
		if t = normalize(t); t != "" && !contains(m.available, t) {
			m.available = append(m.available, t)
		}
	}
	return m
}

// ListAvailable returns a copy of the available list.
func (m *MemoryStore) ListAvailable(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	return append([]string(nil), m.available...), nil
}

// ListUnavailable returns a copy of the unavailable list.
func (m *MemoryStore) ListUnavailable(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	return append([]string(nil), m.unavailable...), nil
}

// MarkUnavailable retires token.
func (m *MemoryStore) MarkUnavailable(ctx context.Context, token string) error {
	token = normalize(token)
	if token == "" {
		return ErrEmptyToken
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.available = without(m.available, token)
	if !contains(m.unavailable, token) {
		m.unavailable = append(m.unavailable, token)
	}
	return nil
}

// Append adds token to the available list.
func (m *MemoryStore) Append(ctx context.Context, token string) error {
	token = normalize(token)
	if token == "" {
		return ErrEmptyToken
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if contains(m.unavailable, token) {
		return ErrRetired
	}
	if !contains(m.available, token) {
		m.available = append(m.available, token)
	}
	return nil
}

// Close marks the store closed.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
