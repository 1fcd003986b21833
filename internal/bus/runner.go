package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/redstone/orderflow/internal/event"
)

// Handler processes one envelope. Returning nil commits the offset; handlers
// absorb duplicates and other permanently unprocessable events themselves.
// A non-nil error is treated as transient and retried in place.
type Handler func(ctx context.Context, env event.Envelope) error

// Source is the consumer side the runner drains. Satisfied by *Consumer.
type Source interface {
	Fetch(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, m kafka.Message) error
}

// Runner drives a handler over one topic. Messages that keep failing past
// the retry budget are routed to "<topic>.dlq" and committed so the
// partition is not wedged behind a poison message.
type Runner struct {
	Log        *zap.Logger
	Topic      string
	Source     Source
	Publisher  Publisher
	Handle     Handler
	MaxRetries uint64
}

func (r *Runner) Run(ctx context.Context) error {
	for {
		m, err := r.Source.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.Log.Error("fetch failed", zap.String("topic", r.Topic), zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(500 * time.Millisecond):
			}
			continue
		}

		var env event.Envelope
		if err := json.Unmarshal(m.Value, &env); err != nil || env.EventID == "" {
			r.Log.Warn("undecodable message routed to dlq",
				zap.String("topic", r.Topic), zap.Error(err))
			r.deadLetter(ctx, m)
			_ = r.Source.Commit(ctx, m)
			continue
		}

		op := func() error { return r.Handle(ctx, env) }
		policy := backoff.WithContext(
			backoff.WithMaxRetries(backoff.NewExponentialBackOff(), r.MaxRetries), ctx)
		if err := backoff.Retry(op, policy); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.Log.Error("handler exhausted retries, routing to dlq",
				zap.String("topic", r.Topic),
				zap.String("event_id", env.EventID),
				zap.String("type", env.Type),
				zap.Error(err))
			r.deadLetter(ctx, m)
		}

		if err := r.Source.Commit(ctx, m); err != nil {
			r.Log.Error("commit failed", zap.String("topic", r.Topic), zap.Error(err))
		}
	}
}

func (r *Runner) deadLetter(ctx context.Context, m kafka.Message) {
	if err := r.Publisher.PublishRaw(ctx, r.Topic+".dlq", string(m.Key), m.Value); err != nil {
		// The offset is still committed: redelivering a poison message
		// forever would wedge the group. The loss is logged, not silent.
		r.Log.Error("dead-letter publish failed", zap.String("topic", r.Topic), zap.Error(err))
	}
}
