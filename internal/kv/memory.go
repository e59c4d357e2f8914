package kv

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// entry is a stored value with its absolute expiry.
type entry struct {
	value     []byte
	expiresAt time.Time
}

// Memory is an in-process Store backed by a bounded LRU. When the LRU is full
// the least recently used key is evicted, which for health state is
// equivalent to an early TTL expiry.
type Memory struct {
	mu     sync.Mutex
	items  *lru.Cache[string, entry]
	now    func() time.Time
	logger zerolog.Logger
}

var _ Store = (*Memory)(nil)

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithMemoryClock overrides the clock used for expiry.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// NewMemory creates a Memory store holding at most maxEntries keys.
func NewMemory(maxEntries int, logger zerolog.Logger, opts ...MemoryOption) (*Memory, error) {
	if maxEntries <= 0 {
		maxEntries = 10_000
	}
	items, err := lru.New[string, entry](maxEntries)
	if err != nil {
		return nil, fmt.Errorf("kv: creating LRU: %w", err)
	}
	m := &Memory{
		items:  items,
		now:    time.Now,
		logger: logger.With().Str("component", "kv_memory").Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// lookup returns the live value for key, evicting it if expired.
// The caller must hold m.mu.
func (m *Memory) lookup(key string) ([]byte, bool) {
	e, ok := m.items.Get(key)
	if !ok {
		return nil, false
	}
	if !m.now().Before(e.expiresAt) {
		m.items.Remove(key)
		return nil, false
	}
	return e.value, true
}

// Get returns a copy of the value stored under key.
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.lookup(key)
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

// Set stores value under key for ttl (raised to MinTTL).
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items.Add(key, entry{
		value:     append([]byte(nil), value...),
		expiresAt: m.now().Add(ClampTTL(ttl)),
	})
	return nil
}

// Update runs fn under the store lock so concurrent updates of the same key
// are serialised.
func (m *Memory) Update(_ context.Context, key string, ttl time.Duration, fn UpdateFunc) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, found := m.lookup(key)
	next, err := fn(append([]byte(nil), cur...), found)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return append([]byte(nil), cur...), nil
	}
	m.items.Add(key, entry{
		value:     append([]byte(nil), next...),
		expiresAt: m.now().Add(ClampTTL(ttl)),
	})
	return next, nil
}

// Delete removes key. Deleting an absent key is not an error.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items.Remove(key)
	return nil
}

// Len returns the number of stored keys, including expired keys that have
// not been swept yet.
func (m *Memory) Len() int {
	return m.items.Len()
}

// StartPurger starts a background goroutine that evicts expired entries every
// interval until ctx is cancelled. The returned channel is closed when the
// goroutine exits.
func (m *Memory) StartPurger(ctx context.Context, interval time.Duration) <-chan struct{} {
	done := make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				func() {
					defer func() {
						if r := recover(); r != nil {
							m.logger.Error().Interface("panic", r).Msg("purger: recovered from panic")
						}
					}()
					if n := m.Purge(); n > 0 {
						m.logger.Debug().Int("evicted", n).Msg("purged expired keys")
					}
				}()
			}
		}
	}()
	return done
}

// Purge evicts every expired entry and returns how many were removed.
func (m *Memory) Purge() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	removed := 0
	for _, key := range m.items.Keys() {
		if e, ok := m.items.Peek(key); ok && !now.Before(e.expiresAt) {
			m.items.Remove(key)
			removed++
		}
	}
	return removed
}
