package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/redstone/orderflow/internal/event"
	"github.com/redstone/orderflow/internal/fault"
	"github.com/redstone/orderflow/internal/idempotency"
	"github.com/redstone/orderflow/internal/outbox"
)

// PostgresRepository implements Repository over the orders and order_items
// tables, with the outbox and idempotency rows written in the same
// transactions as the order mutations.
type PostgresRepository struct {
	db *pgxpool.Pool
}

func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) CreatePending(ctx context.Context, o *Order, env event.Envelope, topic string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`insert into orders(id,customer_id,status,version,created_at,updated_at)
		 values ($1,$2,$3,0,$4,$5)`,
		o.ID, o.CustomerID, o.Status, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert order %s: %w", o.ID, err)
	}
	for _, it := range o.Items {
		_, err = tx.Exec(ctx,
			`insert into order_items(order_id,product_id,quantity,unit_price)
			 values ($1,$2,$3,$4)`,
			o.ID, it.ProductID, it.Quantity, it.UnitPrice)
		if err != nil {
			return fmt.Errorf("insert order item %s/%s: %w", o.ID, it.ProductID, err)
		}
	}
	if err := outbox.Append(ctx, tx, topic, env); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*Order, error) {
	var o Order
	err := r.db.QueryRow(ctx,
		`select id,customer_id,status,version,created_at,updated_at from orders where id=$1`,
		id).Scan(&o.ID, &o.CustomerID, &o.Status, &o.Version, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", id, fault.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query order %s: %w", id, err)
	}

	rows, err := r.db.Query(ctx,
		`select product_id,quantity,unit_price from order_items where order_id=$1`, id)
	if err != nil {
		return nil, fmt.Errorf("query order items %s: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ProductID, &it.Quantity, &it.UnitPrice); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		o.Items = append(o.Items, it)
	}
	return &o, rows.Err()
}

func (r *PostgresRepository) Transition(ctx context.Context, t Transition, topicFor func(string) string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transition tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := idempotency.Apply(ctx, tx, Consumer, t.EventID, t.Outcome); err != nil {
		return err
	}
	tag, err := tx.Exec(ctx,
		`update orders set status=$2, version=version+1, updated_at=now()
		 where id=$1 and status=$3 and version=$4`,
		t.OrderID, t.To, t.From, t.ExpectedVersion)
	if err != nil {
		return fmt.Errorf("update order %s: %w", t.OrderID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %s at version %d: %w", t.OrderID, t.ExpectedVersion, fault.ErrVersionConflict)
	}
	for _, env := range t.Emit {
		if err := outbox.Append(ctx, tx, topicFor(env.Type), env); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (r *PostgresRepository) MarkApplied(ctx context.Context, eventID, outcome string, emit []event.Envelope, topicFor func(string) string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin mark tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := idempotency.Apply(ctx, tx, Consumer, eventID, outcome); err != nil {
		return err
	}
	for _, env := range emit {
		if err := outbox.Append(ctx, tx, topicFor(env.Type), env); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (r *PostgresRepository) PendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]Order, error) {
	rows, err := r.db.Query(ctx,
		`select id,customer_id,status,version,created_at,updated_at from orders
		 where status=$1 and created_at < $2 order by created_at asc limit $3`,
		StatusPending, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("query stale orders: %w", err)
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		var o Order
		if err := rows.Scan(&o.ID, &o.CustomerID, &o.Status, &o.Version, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan stale order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// Migrate creates the coordinator's tables.
func Migrate(ctx context.Context, db *pgxpool.Pool) error {
	stmts := []string{
		`create table if not exists orders(
			id text primary key,
			customer_id text not null,
			status text not null,
			version bigint not null default 0,
			created_at timestamptz not null,
			updated_at timestamptz not null
		)`,
		`create table if not exists order_items(
			id bigserial primary key,
			order_id text not null references orders(id) on delete cascade,
			product_id text not null,
			quantity bigint not null,
			unit_price bigint not null
		)`,
		`create index if not exists orders_pending_idx on orders(created_at) where status='PENDING'`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(ctx, s); err != nil {
			return err
		}
	}
	return nil
}
