package inventory

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/redstone/orderflow/internal/event"
	"github.com/redstone/orderflow/internal/fault"
	"github.com/redstone/orderflow/internal/idempotency"
	"github.com/redstone/orderflow/internal/outbox"
)

// PostgresRepository implements Repository over the stock and reservations
// tables. Stock mutations are optimistic: the version column is checked on
// update and a zero row count rolls the whole transaction back.
type PostgresRepository struct {
	db *pgxpool.Pool
}

func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Record(ctx context.Context, productID string) (*Record, error) {
	var rec Record
	err := r.db.QueryRow(ctx,
		`select product_id,on_hand,reserved,version,updated_at from stock where product_id=$1`,
		productID).Scan(&rec.ProductID, &rec.OnHand, &rec.Reserved, &rec.Version, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("product %s: %w", productID, fault.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query stock %s: %w", productID, err)
	}
	return &rec, nil
}

func (r *PostgresRepository) Reservations(ctx context.Context, orderID string) ([]Reservation, error) {
	rows, err := r.db.Query(ctx,
		`select order_id,product_id,qty,status from reservations where order_id=$1`, orderID)
	if err != nil {
		return nil, fmt.Errorf("query reservations %s: %w", orderID, err)
	}
	defer rows.Close()

	var out []Reservation
	for rows.Next() {
		var res Reservation
		if err := rows.Scan(&res.OrderID, &res.ProductID, &res.Quantity, &res.Status); err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) ApplyReservation(ctx context.Context, eventID, orderID string, updates []StockUpdate, items []event.Item, env event.Envelope, topic string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin reservation tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := idempotency.Apply(ctx, tx, Consumer, eventID, idempotency.OutcomeReserved); err != nil {
		return err
	}
	if err := applyStockUpdates(ctx, tx, updates); err != nil {
		return err
	}
	for _, it := range items {
		_, err := tx.Exec(ctx,
			`insert into reservations(order_id,product_id,qty,status,created_at)
			 values ($1,$2,$3,$4,now())`,
			orderID, it.ProductID, it.Quantity, ReservationReserved)
		if err != nil {
			return fmt.Errorf("insert reservation %s/%s: %w", orderID, it.ProductID, err)
		}
	}
	if err := outbox.Append(ctx, tx, topic, env); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *PostgresRepository) RecordInsufficient(ctx context.Context, eventID string, env event.Envelope, topic string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin outcome tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := idempotency.Apply(ctx, tx, Consumer, eventID, idempotency.OutcomeInsufficient); err != nil {
		return err
	}
	if err := outbox.Append(ctx, tx, topic, env); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *PostgresRepository) ApplyRelease(ctx context.Context, eventID, orderID string, updates []StockUpdate) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin release tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := idempotency.Apply(ctx, tx, Consumer, eventID, idempotency.OutcomeReleased); err != nil {
		return err
	}
	if err := applyStockUpdates(ctx, tx, updates); err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`update reservations set status=$2 where order_id=$1 and status=$3`,
		orderID, ReservationReleased, ReservationReserved)
	if err != nil {
		return fmt.Errorf("release reservations %s: %w", orderID, err)
	}
	return tx.Commit(ctx)
}

func applyStockUpdates(ctx context.Context, tx pgx.Tx, updates []StockUpdate) error {
	for _, u := range updates {
		tag, err := tx.Exec(ctx,
			`update stock set reserved = reserved + $2, version = version + 1, updated_at = now()
			 where product_id = $1 and version = $3`,
			u.ProductID, u.ReservedDelta, u.ExpectedVersion)
		if err != nil {
			return fmt.Errorf("update stock %s: %w", u.ProductID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("stock %s at version %d: %w", u.ProductID, u.ExpectedVersion, fault.ErrVersionConflict)
		}
	}
	return nil
}

// Migrate creates the ledger's tables.
func Migrate(ctx context.Context, db *pgxpool.Pool) error {
	stmts := []string{
		`create table if not exists stock(
			product_id text primary key,
			on_hand bigint not null,
			reserved bigint not null default 0,
			version bigint not null default 0,
			updated_at timestamptz not null default now()
		)`,
		`create table if not exists reservations(
			id bigserial primary key,
			order_id text not null,
			product_id text not null,
			qty bigint not null,
			status text not null,
			created_at timestamptz not null
		)`,
		`create index if not exists reservations_order_idx on reservations(order_id)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// Seed loads a couple of products for local bring-up.
func Seed(ctx context.Context, db *pgxpool.Pool) error {
	_, err := db.Exec(ctx, `insert into stock(product_id,on_hand,reserved) values
		('PRD-1', 100, 0),
		('PRD-2', 50, 0)
		on conflict (product_id) do nothing`)
	return err
}
