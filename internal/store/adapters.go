package store

import (
	"context"
	"errors"
	"time"

	"github.com/allaspectsdev/switchyard/internal/audit"
	"github.com/allaspectsdev/switchyard/internal/kv"
)

// KVAdapter adapts Store to the kv.Store interface.
type KVAdapter struct {
	store *Store
	now   func() time.Time
}

var _ kv.Store = (*KVAdapter)(nil)

// NewKVAdapter creates a KVAdapter wrapping the given Store. now may be nil.
func NewKVAdapter(s *Store, now func() time.Time) *KVAdapter {
	if now == nil {
		now = time.Now
	}
	return &KVAdapter{store: s, now: now}
}

func (a *KVAdapter) expiry(ttl time.Duration) int64 {
	return a.now().Add(kv.ClampTTL(ttl)).UnixMilli()
}

// Get implements kv.Store.
func (a *KVAdapter) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := a.store.GetKV(ctx, key, a.now().UnixMilli())
	if errors.Is(err, ErrKeyNotFound) {
		return nil, kv.ErrNotFound
	}
	return v, err
}

// Set implements kv.Store.
func (a *KVAdapter) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return a.store.SetKV(ctx, key, value, a.expiry(ttl))
}

// Update implements kv.Store.
func (a *KVAdapter) Update(ctx context.Context, key string, ttl time.Duration, fn kv.UpdateFunc) ([]byte, error) {
	return a.store.UpdateKV(ctx, key, a.now().UnixMilli(), a.expiry(ttl), fn)
}

// Delete implements kv.Store.
func (a *KVAdapter) Delete(ctx context.Context, key string) error {
	return a.store.DeleteKV(ctx, key)
}

// BreakerSink adapts Store to the audit.Sink interface.
type BreakerSink struct {
	store *Store
}

var _ audit.Sink = (*BreakerSink)(nil)

// NewBreakerSink creates a BreakerSink wrapping the given Store.
func NewBreakerSink(s *Store) *BreakerSink {
	return &BreakerSink{store: s}
}

// Name implements audit.Sink.
func (b *BreakerSink) Name() string { return "sqlite" }

// WriteBreakerState implements audit.Sink.
func (b *BreakerSink) WriteBreakerState(ctx context.Context, ev audit.BreakerEvent) error {
	row := &BreakerState{
		ProviderID:       ev.ProviderID,
		ModelID:          ev.Model,
		Endpoint:         ev.Endpoint,
		BreakerState:     ev.State,
		IsDeranked:       ev.Deranked(),
		OpenUntilMs:      ev.OpenUntilMs,
		LastTransitionAt: formatTime(ev.TransitionAt),
		UpdatedAt:        formatTime(time.Now()),
		LastReason:       ev.Reason,
	}
	if until := ev.OpenUntil(); until != nil {
		row.OpenUntil = formatTime(*until)
	}
	return b.store.UpsertBreakerState(ctx, row)
}
