package idempotency

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrInFlight reports a slot claimed by another attempt that has not
	// committed yet. Transient: redelivery retries it.
	ErrInFlight = errors.New("event application in flight")

	// ErrDuplicate reports an event whose effects were already applied.
	// Absorbed by consumers, never surfaced to callers.
	ErrDuplicate = errors.New("duplicate event")
)

// Postgres implements Ledger over the idempotency table.
type Postgres struct {
	db *pgxpool.Pool
}

func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) CheckAndReserve(ctx context.Context, consumer, eventID string) (bool, string, error) {
	tag, err := p.db.Exec(ctx,
		`insert into idempotency(consumer,event_id,status,created_at)
		 values ($1,$2,'IN_PROGRESS',now())
		 on conflict (consumer,event_id) do nothing`,
		consumer, eventID)
	if err != nil {
		return false, "", fmt.Errorf("reserve idempotency slot: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, "", nil
	}

	var status, outcome string
	err = p.db.QueryRow(ctx,
		`select status, coalesce(outcome,'') from idempotency where consumer=$1 and event_id=$2`,
		consumer, eventID).Scan(&status, &outcome)
	if err != nil {
		return false, "", fmt.Errorf("inspect idempotency slot: %w", err)
	}
	if status == "IN_PROGRESS" {
		return false, "", ErrInFlight
	}
	return false, outcome, nil
}

func (p *Postgres) Commit(ctx context.Context, consumer, eventID, outcome string) error {
	_, err := p.db.Exec(ctx,
		`update idempotency set status='APPLIED', outcome=$3, applied_at=now()
		 where consumer=$1 and event_id=$2`,
		consumer, eventID, outcome)
	if err != nil {
		return fmt.Errorf("commit idempotency slot: %w", err)
	}
	return nil
}

func (p *Postgres) Release(ctx context.Context, consumer, eventID string) error {
	_, err := p.db.Exec(ctx,
		`delete from idempotency where consumer=$1 and event_id=$2 and status='IN_PROGRESS'`,
		consumer, eventID)
	if err != nil {
		return fmt.Errorf("release idempotency slot: %w", err)
	}
	return nil
}

// Apply writes the applied row inside the caller's transaction, so the
// dedup record commits or rolls back together with the guarded state change.
// Returns ErrDuplicate when the event was applied before; a dangling
// IN_PROGRESS row from a crashed attempt is taken over.
func Apply(ctx context.Context, tx pgx.Tx, consumer, eventID, outcome string) error {
	tag, err := tx.Exec(ctx,
		`insert into idempotency(consumer,event_id,status,outcome,created_at,applied_at)
		 values ($1,$2,'APPLIED',$3,now(),now())
		 on conflict (consumer,event_id) do update
		   set status='APPLIED', outcome=excluded.outcome, applied_at=now()
		   where idempotency.status='IN_PROGRESS'`,
		consumer, eventID, outcome)
	if err != nil {
		return fmt.Errorf("apply idempotency record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicate
	}
	return nil
}

// Migrate creates the idempotency table.
func Migrate(ctx context.Context, db *pgxpool.Pool) error {
	_, err := db.Exec(ctx, `create table if not exists idempotency(
		consumer text not null,
		event_id text not null,
		status text not null,
		outcome text null,
		created_at timestamptz not null,
		applied_at timestamptz null,
		primary key (consumer, event_id)
	)`)
	return err
}
