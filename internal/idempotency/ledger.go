// Package idempotency records which (consumer, eventId) pairs have been
// applied. Every consumer checks it before side-effecting work, which is
// what turns the broker's at-least-once delivery into exactly-once effects.
package idempotency

import "context"

// Outcomes stored alongside applied entries.
const (
	OutcomeReserved     = "reserved"
	OutcomeInsufficient = "insufficient"
	OutcomeReleased     = "released"
	OutcomeConfirmed    = "confirmed"
	OutcomeRejected     = "rejected"
	OutcomeCancelled    = "cancelled"
	OutcomeCompensated  = "compensated"
	OutcomeDuplicate    = "duplicate"
	OutcomeDelivered    = "delivered"
)

// Ledger is the test-and-set guard for consumers whose side effects cannot
// share a transaction with the ledger row (e.g. notification delivery).
// Consumers that mutate relational state instead write the applied row
// inside their own transaction via Apply.
type Ledger interface {
	// CheckAndReserve claims the (consumer, eventID) slot. first is true on
	// the first sighting; otherwise outcome carries the stored result of the
	// earlier application. A slot claimed but never committed is reported as
	// ErrInFlight so redelivery can retry after the holder crashes or fails.
	CheckAndReserve(ctx context.Context, consumer, eventID string) (first bool, outcome string, err error)

	// Commit marks the slot applied with its final outcome.
	Commit(ctx context.Context, consumer, eventID, outcome string) error

	// Release frees an uncommitted slot after the guarded work failed,
	// allowing a later redelivery to re-attempt.
	Release(ctx context.Context, consumer, eventID string) error
}
