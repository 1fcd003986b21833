// Package notify consumes terminal order events and performs the delivery
// side effect. The core guarantees at-least-once delivery of the event to
// this component; the dispatcher's own dedup makes the side effect fire
// once per event.
package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/redstone/orderflow/internal/event"
	"github.com/redstone/orderflow/internal/idempotency"
)

// Consumer is the dispatcher's name in the idempotency table and its group id.
const Consumer = "notification-dispatcher"

type Dispatcher struct {
	log    *zap.Logger
	ledger idempotency.Ledger
}

func NewDispatcher(log *zap.Logger, ledger idempotency.Ledger) *Dispatcher {
	return &Dispatcher{log: log, ledger: ledger}
}

// Handle processes one terminal event. Delivery cannot share a transaction
// with the ledger, so the slot is claimed first and released if the
// side effect fails, letting redelivery retry.
func (d *Dispatcher) Handle(ctx context.Context, env event.Envelope) error {
	first, _, err := d.ledger.CheckAndReserve(ctx, Consumer, env.EventID)
	if err != nil {
		return err
	}
	if !first {
		d.log.Debug("duplicate terminal event absorbed", zap.String("event_id", env.EventID))
		return nil
	}

	if err := d.deliver(env); err != nil {
		if relErr := d.ledger.Release(ctx, Consumer, env.EventID); relErr != nil {
			d.log.Error("idempotency slot release failed",
				zap.String("event_id", env.EventID), zap.Error(relErr))
		}
		return err
	}
	return d.ledger.Commit(ctx, Consumer, env.EventID, idempotency.OutcomeDelivered)
}

// deliver stands in for the provider call; the emitted record is the
// observable notification.
func (d *Dispatcher) deliver(env event.Envelope) error {
	switch env.Type {
	case event.TypeOrderConfirmed:
		var p event.OrderConfirmed
		if err := env.Decode(&p); err != nil {
			d.log.Warn("undecodable order.confirmed skipped", zap.String("event_id", env.EventID), zap.Error(err))
			return nil
		}
		d.log.Info("notify: order confirmed", zap.String("order_id", p.OrderID))
	case event.TypeOrderCancelled:
		var p event.OrderCancelled
		if err := env.Decode(&p); err != nil {
			d.log.Warn("undecodable order.cancelled skipped", zap.String("event_id", env.EventID), zap.Error(err))
			return nil
		}
		d.log.Info("notify: order cancelled",
			zap.String("order_id", p.OrderID), zap.String("reason", p.Reason))
	default:
		d.log.Warn("unexpected event type on terminal stream", zap.String("type", env.Type))
	}
	return nil
}
