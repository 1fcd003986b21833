// Package inventory owns stock quantities and reservations. It is the only
// writer of stock state; orders affect it exclusively through the
// reservation protocol driven by consumed events.
package inventory

import (
	"context"
	"time"

	"github.com/redstone/orderflow/internal/event"
)

// Consumer is the ledger's name in the idempotency table and its group id.
const Consumer = "inventory-ledger"

// Record is the stock row for one product. Available stock is what is on
// hand minus what is reserved; reservations never touch OnHand directly.
type Record struct {
	ProductID string    `json:"product_id"`
	OnHand    int64     `json:"on_hand"`
	Reserved  int64     `json:"reserved"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (r Record) Available() int64 { return r.OnHand - r.Reserved }

type ReservationStatus string

const (
	ReservationReserved ReservationStatus = "RESERVED"
	ReservationReleased ReservationStatus = "RELEASED"
)

// Reservation ties reserved quantity back to the order that holds it. The
// RESERVED -> RELEASED guard is what makes Release safe to run any number of
// times for the same order, whatever event ids carried the requests.
type Reservation struct {
	OrderID   string
	ProductID string
	Quantity  int64
	Status    ReservationStatus
}

// StockUpdate is one version-checked mutation of a stock row. ReservedDelta
// is positive for reserve, negative for release.
type StockUpdate struct {
	ProductID       string
	ReservedDelta   int64
	ExpectedVersion int64
}

// Repository persists stock state. The Apply* methods commit the stock
// mutation, the reservation rows, the idempotency record, and any outbox
// event in a single transaction, returning fault.ErrVersionConflict when an
// expected version is stale and idempotency.ErrDuplicate on replays.
type Repository interface {
	Record(ctx context.Context, productID string) (*Record, error)
	Reservations(ctx context.Context, orderID string) ([]Reservation, error)
	ApplyReservation(ctx context.Context, eventID, orderID string, updates []StockUpdate, items []event.Item, env event.Envelope, topic string) error
	RecordInsufficient(ctx context.Context, eventID string, env event.Envelope, topic string) error
	ApplyRelease(ctx context.Context, eventID, orderID string, updates []StockUpdate) error
}
