// Package dedup provides expiring keys used to run something at most once
// per key and window: push throttling and consumer side job deduplication.
package dedup

import (
	"context"
	"sync"
	"time"
)

// Store acquires keys that expire after a TTL.
type Store interface {
	// Acquire sets key for ttl if it is not set and reports whether it did.
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Release removes key so it can be acquired again.
	Release(ctx context.Context, key string) error

	// Exists reports whether key is set and not expired.
	Exists(ctx context.Context, key string) (bool, error)
}

// Memory is an in-process Store.
type Memory struct {
	mu   sync.Mutex
	keys map[string]time.Time
	now  func() time.Time
}

var _ Store = (*Memory)(nil)

// NewMemory creates a Memory store. A nil now uses time.Now.
func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{keys: map[string]time.Time{}, now: now}
}

func (m *Memory) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if exp, ok := m.keys[key]; ok && now.Before(exp) {
		return false, nil
	}
	m.keys[key] = now.Add(ttl)
	m.gc(now)
	return true, nil
}

func (m *Memory) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}

func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.keys[key]
	return ok && m.now().Before(exp), nil
}

// gc drops expired keys once the map grows.
func (m *Memory) gc(now time.Time) {
	if len(m.keys) < 1024 {
		return
	}
	for k, exp := range m.keys {
		if !now.Before(exp) {
			delete(m.keys, k)
		}
	}
}
