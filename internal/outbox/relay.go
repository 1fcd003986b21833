package outbox

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/redstone/orderflow/internal/bus"
)

// Queue is the store surface the relay drains. Satisfied by *Store.
type Queue interface {
	Pending(ctx context.Context, limit int) ([]Row, error)
	MarkPublished(ctx context.Context, id int64) error
	RecordAttempt(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64) error
}

// Relay polls the outbox and publishes pending rows in insertion order,
// keyed by aggregate id so same-aggregate events stay ordered on the broker.
type Relay struct {
	Log         *zap.Logger
	Queue       Queue
	Publisher   bus.Publisher
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
}

func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.drain(ctx)
		}
	}
}

func (r *Relay) drain(ctx context.Context) {
	batch, err := r.Queue.Pending(ctx, r.BatchSize)
	if err != nil {
		r.Log.Error("outbox query failed", zap.Error(err))
		return
	}

	for _, row := range batch {
		if err := r.Publisher.PublishRaw(ctx, row.Topic, row.AggregateID, row.Payload); err != nil {
			if row.Attempts+1 >= r.MaxAttempts {
				r.Log.Error("outbox row dead-lettered",
					zap.Int64("id", row.ID),
					zap.String("event_id", row.EventID),
					zap.String("topic", row.Topic),
					zap.Error(err))
				if err := r.Queue.MarkFailed(ctx, row.ID); err != nil {
					r.Log.Error("outbox mark failed errored", zap.Int64("id", row.ID), zap.Error(err))
				}
			} else {
				r.Log.Warn("outbox publish failed",
					zap.Int64("id", row.ID),
					zap.Int("attempts", row.Attempts+1),
					zap.Error(err))
				if err := r.Queue.RecordAttempt(ctx, row.ID); err != nil {
					r.Log.Error("outbox attempt record errored", zap.Int64("id", row.ID), zap.Error(err))
				}
			}
			continue
		}
		if err := r.Queue.MarkPublished(ctx, row.ID); err != nil {
			// Redelivery on restart is fine: consumers dedup by event id.
			r.Log.Error("outbox mark published errored", zap.Int64("id", row.ID), zap.Error(err))
		}
	}
}
