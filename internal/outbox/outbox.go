// Package outbox implements the transactional outbox: the state mutation and
// its outbound event commit together, and a polling relay publishes from the
// table afterwards. A crash between commit and publish only delays the
// event, which idempotent consumers already tolerate.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/redstone/orderflow/internal/event"
)

// Row is one pending outbox entry. Payload holds the full envelope JSON.
type Row struct {
	ID          int64
	EventID     string
	AggregateID string
	Topic       string
	Payload     []byte
	Attempts    int
}

// Append stages env for publication within the caller's transaction.
func Append(ctx context.Context, tx pgx.Tx, topic string, env event.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal outbox envelope %s: %w", env.EventID, err)
	}
	_, err = tx.Exec(ctx,
		`insert into outbox(event_id,aggregate_id,topic,payload,status,attempts,created_at)
		 values ($1,$2,$3,$4,'PENDING',0,now())`,
		env.EventID, env.AggregateID, topic, b)
	if err != nil {
		return fmt.Errorf("append outbox row %s: %w", env.EventID, err)
	}
	return nil
}

// Store reads and settles outbox rows for the relay.
type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) Pending(ctx context.Context, limit int) ([]Row, error) {
	rows, err := s.db.Query(ctx,
		`select id,event_id,aggregate_id,topic,payload,attempts
		 from outbox where status='PENDING' order by id asc limit $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending outbox rows: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.ID, &r.EventID, &r.AggregateID, &r.Topic, &r.Payload, &r.Attempts); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	_, err := s.db.Exec(ctx,
		`update outbox set status='PUBLISHED', published_at=now() where id=$1`, id)
	return err
}

func (s *Store) RecordAttempt(ctx context.Context, id int64) error {
	_, err := s.db.Exec(ctx, `update outbox set attempts=attempts+1 where id=$1`, id)
	return err
}

// MarkFailed parks a row on the dead-letter path after the publish budget is
// exhausted. Failed rows stay in the table for reconciliation.
func (s *Store) MarkFailed(ctx context.Context, id int64) error {
	_, err := s.db.Exec(ctx,
		`update outbox set status='FAILED', attempts=attempts+1 where id=$1`, id)
	return err
}

// Migrate creates the outbox table.
func Migrate(ctx context.Context, db *pgxpool.Pool) error {
	_, err := db.Exec(ctx, `create table if not exists outbox(
		id bigserial primary key,
		event_id text not null,
		aggregate_id text not null,
		topic text not null,
		payload jsonb not null,
		status text not null,
		attempts int not null default 0,
		created_at timestamptz not null,
		published_at timestamptz null
	)`)
	return err
}
