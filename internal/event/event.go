// Package event defines the domain event envelope and payloads exchanged
// between the order coordinator, the inventory ledger, and downstream
// consumers. Events are published keyed by aggregate id, so consumers may
// rely on same-key ordering but nothing across keys.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event types. Each type maps 1:1 to the broker topic of the same name.
const (
	TypeOrderCreated          = "order.created"
	TypeInventoryReserved     = "inventory.reserved"
	TypeInventoryInsufficient = "inventory.insufficient"
	TypeOrderConfirmed        = "order.confirmed"
	TypeOrderCancelled        = "order.cancelled"
)

// Envelope is the wire shape of every domain event. EventID is generated by
// the producer and is the deduplication handle for idempotent consumers.
// CausationID points at the event that triggered this one, empty for roots.
type Envelope struct {
	EventID     string          `json:"event_id"`
	AggregateID string          `json:"aggregate_id"`
	CausationID string          `json:"causation_id,omitempty"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	ProducedAt  time.Time       `json:"produced_at"`
}

// New builds an envelope with a fresh event id around the given payload.
func New(eventType, aggregateID, causationID string, payload any) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Envelope{
		EventID:     uuid.NewString(),
		AggregateID: aggregateID,
		CausationID: causationID,
		Type:        eventType,
		Payload:     b,
		ProducedAt:  time.Now().UTC(),
	}, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

type Item struct {
	ProductID string `json:"product_id"`
	Quantity  int64  `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
}

type OrderCreated struct {
	OrderID    string `json:"order_id"`
	CustomerID string `json:"customer_id"`
	Items      []Item `json:"items"`
}

type InventoryReserved struct {
	OrderID string `json:"order_id"`
}

type InventoryInsufficient struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
}

type OrderConfirmed struct {
	OrderID string `json:"order_id"`
}

// OrderCancelled is emitted for both watchdog cancellations and business
// rejections. Release is set when the inventory ledger must undo a
// reservation that may already have been applied for the order.
type OrderCancelled struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
	Release bool   `json:"release"`
}
