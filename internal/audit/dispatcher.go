package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// Sink persists breaker transitions.
type Sink interface {
	Name() string
	WriteBreakerState(ctx context.Context, ev BreakerEvent) error
}

// Recorder accepts breaker events without blocking the caller.
type Recorder interface {
	Record(ev BreakerEvent)
}

// Discard is a Recorder that drops every event.
var Discard Recorder = discard{}

type discard struct{}

func (discard) Record(BreakerEvent) {}

// DefaultWriteTimeout bounds a single sink write.
const DefaultWriteTimeout = 5 * time.Second

// Dispatcher fans events out to its sinks on detached goroutines. At most
// maxConcurrent deliveries run at once; events arriving while all slots are
// busy are dropped and counted.
type Dispatcher struct {
	sinks   []Sink
	sem     *semaphore.Weighted
	wg      sync.WaitGroup
	timeout time.Duration
	logger  zerolog.Logger

	closed    atomic.Bool
	delivered atomic.Int64
	dropped   atomic.Int64
	failed    atomic.Int64
}

var _ Recorder = (*Dispatcher)(nil)

// NewDispatcher creates a Dispatcher writing to sinks.
func NewDispatcher(logger zerolog.Logger, maxConcurrent int, sinks ...Sink) *Dispatcher {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Dispatcher{
		sinks:   sinks,
		sem:     semaphore.NewWeighted(int64(maxConcurrent)),
		timeout: DefaultWriteTimeout,
		logger:  logger.With().Str("component", "audit").Logger(),
	}
}

// Record schedules ev for delivery and returns immediately.
func (d *Dispatcher) Record(ev BreakerEvent) {
	if len(d.sinks) == 0 {
		return
	}
	if d.closed.Load() || !d.sem.TryAcquire(1) {
		d.dropped.Add(1)
		d.logger.Warn().
			Str("provider", ev.ProviderID).
			Str("model", ev.Model).
			Str("state", ev.State).
			Msg("breaker event dropped")
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.TransitionAt.IsZero() {
		ev.TransitionAt = time.Now()
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				d.failed.Add(1)
				d.logger.Error().Interface("panic", r).Msg("audit sink panicked")
			}
		}()
		d.deliver(ev)
	}()
}

func (d *Dispatcher) deliver(ev BreakerEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	for _, s := range d.sinks {
		if err := s.WriteBreakerState(ctx, ev); err != nil {
			d.failed.Add(1)
			d.logger.Warn().Err(err).
				Str("sink", s.Name()).
				Str("provider", ev.ProviderID).
				Str("model", ev.Model).
				Str("endpoint", ev.Endpoint).
				Str("state", ev.State).
				Msg("persist breaker state failed")
			continue
		}
		d.delivered.Add(1)
	}
}

// Stats reports delivery counters.
func (d *Dispatcher) Stats() (delivered, dropped, failed int64) {
	return d.delivered.Load(), d.dropped.Load(), d.failed.Load()
}

// Close stops accepting events and waits for in-flight deliveries until ctx
// is done.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.closed.Store(true)
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
