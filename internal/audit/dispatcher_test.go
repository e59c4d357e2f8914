package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type memorySink struct {
	mu     sync.Mutex
	events []BreakerEvent
	err    error
	block  chan struct{}
}

func (m *memorySink) Name() string { return "memory" }

func (m *memorySink) WriteBreakerState(ctx context.Context, ev BreakerEvent) error {
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, ev)
	return nil
}

func (m *memorySink) Events() []BreakerEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]BreakerEvent(nil), m.events...)
}

func closeDispatcher(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestDispatcher_DeliversToAllSinks(t *testing.T) {
	a, b := &memorySink{}, &memorySink{}
	d := NewDispatcher(zerolog.Nop(), 4, a, b)

	d.Record(BreakerEvent{ProviderID: "openai", Model: "gpt-4o", Endpoint: "chat.completions", State: "open", Reason: "open_breaker"})
	closeDispatcher(t, d)

	for name, s := range map[string]*memorySink{"a": a, "b": b} {
		got := s.Events()
		if len(got) != 1 {
			t.Fatalf("sink %s received %d events, want 1", name, len(got))
		}
		if got[0].ID == "" {
			t.Errorf("sink %s: event ID not assigned", name)
		}
		if got[0].TransitionAt.IsZero() {
			t.Errorf("sink %s: TransitionAt not assigned", name)
		}
	}
	delivered, dropped, failed := d.Stats()
	if delivered != 2 || dropped != 0 || failed != 0 {
		t.Errorf("Stats = (%d, %d, %d), want (2, 0, 0)", delivered, dropped, failed)
	}
}

func TestDispatcher_SinkErrorIsSwallowed(t *testing.T) {
	bad := &memorySink{err: errors.New("connection refused")}
	good := &memorySink{}
	d := NewDispatcher(zerolog.Nop(), 1, bad, good)

	d.Record(BreakerEvent{ProviderID: "p", State: "closed"})
	closeDispatcher(t, d)

	if len(good.Events()) != 1 {
		t.Errorf("healthy sink received %d events, want 1", len(good.Events()))
	}
	if _, _, failed := d.Stats(); failed != 1 {
		t.Errorf("failed = %d, want 1", failed)
	}
}

func TestDispatcher_DropsWhenSaturated(t *testing.T) {
	slow := &memorySink{block: make(chan struct{})}
	d := NewDispatcher(zerolog.Nop(), 1, slow)

	start := time.Now()
	d.Record(BreakerEvent{ProviderID: "p", State: "open"})
	d.Record(BreakerEvent{ProviderID: "p", State: "half_open"})
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Record blocked for %v", elapsed)
	}

	close(slow.block)
	closeDispatcher(t, d)

	if got := len(slow.Events()); got != 1 {
		t.Errorf("delivered %d events, want 1", got)
	}
	if _, dropped, _ := d.Stats(); dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}
}

func TestDispatcher_RecordAfterCloseIsDropped(t *testing.T) {
	s := &memorySink{}
	d := NewDispatcher(zerolog.Nop(), 2, s)
	closeDispatcher(t, d)

	d.Record(BreakerEvent{ProviderID: "p", State: "open"})
	if len(s.Events()) != 0 {
		t.Error("event delivered after Close")
	}
}

func TestBreakerEvent_Deranked(t *testing.T) {
	at := time.UnixMilli(1_000_000)
	tests := []struct {
		name string
		ev   BreakerEvent
		want bool
	}{
		{"open future", BreakerEvent{State: "open", OpenUntilMs: 1_060_000, TransitionAt: at}, true},
		{"open past", BreakerEvent{State: "open", OpenUntilMs: 999_000, TransitionAt: at}, false},
		{"half open", BreakerEvent{State: "half_open", OpenUntilMs: 1_060_000, TransitionAt: at}, false},
		{"closed", BreakerEvent{State: "closed", TransitionAt: at}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.ev.Deranked(); got != tt.want {
				t.Errorf("Deranked() = %v, want %v", got, tt.want)
			}
		})
	}
}
