package outbox

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/flowengine/internal/store"
)

// Recorder receives relay outcomes. Outcome is "published" or "failed".
type Recorder interface {
	RecordOutbox(outcome string, n int)
}

type nopRecorder struct{}

func (nopRecorder) RecordOutbox(string, int) {}

// Relay moves events from the store's outbox to a Publisher.
type Relay struct {
	events    store.EventStore
	publisher Publisher
	batchSize int
	interval  time.Duration
	logger    *zap.Logger
	recorder  Recorder
	now       func() time.Time
	wake      chan struct{}
}

// Option configures a Relay.
type Option func(*Relay)

// WithBatchSize sets how many events one store read returns.
func WithBatchSize(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithInterval sets the polling interval of Run.
func WithInterval(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithLogger sets the relay logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Relay) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(rec Recorder) Option {
	return func(r *Relay) {
		if rec != nil {
			r.recorder = rec
		}
	}
}

// WithClock overrides the dispatch timestamp source.
func WithClock(now func() time.Time) Option {
	return func(r *Relay) { r.now = now }
}

// NewRelay creates a relay over the given event store.
func NewRelay(events store.EventStore, publisher Publisher, opts ...Option) *Relay {
	r := &Relay{
		events:    events,
		publisher: publisher,
		batchSize: 100,
		interval:  time.Second,
		logger:    zap.NewNop(),
		recorder:  nopRecorder{},
		now:       time.Now,
		wake:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Notify asks a running relay to flush without waiting for the next tick.
// It never blocks.
func (r *Relay) Notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Flush publishes pending events in write order until the outbox is empty
// or a publish fails. Events published before a failure are still marked
// dispatched; the failed one stays pending and is retried next flush.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	total := 0
	for {
		batch, err := r.events.PendingEvents(ctx, r.batchSize)
		if err != nil {
			return total, err
		}
		if len(batch) == 0 {
			return total, nil
		}

		delivered := make([]string, 0, len(batch))
		var pubErr error
		for _, e := range batch {
			if pubErr = r.publisher.Publish(ctx, e); pubErr != nil {
				r.logger.Warn("outbox delivery failed",
					zap.String("event_id", e.ID),
					zap.String("event_type", string(e.Type)),
					zap.Error(pubErr),
				)
				r.recorder.RecordOutbox("failed", 1)
				break
			}
			delivered = append(delivered, e.ID)
		}

		if len(delivered) > 0 {
			if err := r.events.MarkDispatched(ctx, delivered, r.now()); err != nil {
				return total, err
			}
			total += len(delivered)
			r.recorder.RecordOutbox("published", len(delivered))
		}
		if pubErr != nil {
			return total, pubErr
		}
		if len(batch) < r.batchSize {
			return total, nil
		}
	}
}

// Run flushes on every tick and on Notify until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, err := r.Flush(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("outbox flush failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-r.wake:
		}
	}
}
