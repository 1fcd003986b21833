// Package order owns the order lifecycle. An order is created PENDING,
// moves exactly once to a terminal state, and its true status is always
// derived from the asynchronous inventory outcome, never from the
// synchronous pre-check.
package order

import (
	"context"
	"time"

	"github.com/redstone/orderflow/internal/event"
)

// Consumer is the coordinator's name in the idempotency table and its
// consumer group id.
const Consumer = "order-coordinator"

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusRejected  Status = "REJECTED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool { return s != StatusPending }

type Item struct {
	ProductID string `json:"product_id"`
	Quantity  int64  `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
}

type Order struct {
	ID         string    `json:"id"`
	CustomerID string    `json:"customer_id"`
	Items      []Item    `json:"items"`
	Status     Status    `json:"status"`
	Version    int64     `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Transition is one guarded status change: the order row moves From -> To
// only if its version still matches, and the idempotency record for the
// triggering event plus any follow-up events commit in the same transaction.
type Transition struct {
	OrderID         string
	From, To        Status
	ExpectedVersion int64
	EventID         string
	Outcome         string
	Emit            []event.Envelope
}

// Repository persists orders. CreatePending writes the order and its
// order.created outbox row in one transaction. Transition returns
// fault.ErrVersionConflict on a stale version and idempotency.ErrDuplicate
// on a replayed event id. MarkApplied records an absorbed event (and any
// compensating follow-ups) without touching the order row.
type Repository interface {
	CreatePending(ctx context.Context, o *Order, env event.Envelope, topic string) error
	Get(ctx context.Context, id string) (*Order, error)
	Transition(ctx context.Context, t Transition, topicFor func(eventType string) string) error
	MarkApplied(ctx context.Context, eventID, outcome string, emit []event.Envelope, topicFor func(eventType string) string) error
	PendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]Order, error)
}

// StockChecker is the synchronous read path into the inventory ledger used
// for the optimistic pre-check.
type StockChecker interface {
	Available(ctx context.Context, productID string, quantity int64) (bool, error)
}
