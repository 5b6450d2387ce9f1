// Package outbox implements the transactional outbox shared by the settlement
// engine and the verification coordinator. Producers enqueue inside the same
// transaction as the state change they announce; consumers drain with
// FOR UPDATE SKIP LOCKED so multiple workers never double-deliver.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Message represents one pending or processed outbox entry.
type Message struct {
	ID        string
	Topic     string
	Payload   []byte
	Status    string
	Attempts  int
	CreatedAt time.Time
}

// Enqueue appends a message inside the caller's transaction. The message id is
// generated here so producers can log it before the transaction commits.
func Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO outbox (id, topic, payload) VALUES ($1, $2, $3::jsonb)`, uuid.NewString(), topic, body); err != nil {
		return fmt.Errorf("outbox: enqueue: %w", err)
	}
	return nil
}

// Worker drains pending messages in batches.
type Worker struct {
	pool *pgxpool.Pool
}

func NewWorker(pool *pgxpool.Pool) *Worker {
	return &Worker{pool: pool}
}

// Claim locks and returns up to limit pending messages inside tx.
func (w *Worker) Claim(ctx context.Context, tx pgx.Tx, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := tx.Query(ctx, `
SELECT id, topic, payload, status, attempts, created_at
FROM outbox
WHERE status = 'pending'
ORDER BY created_at
FOR UPDATE SKIP LOCKED
LIMIT $1
`, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: claim: %w", err)
	}
	defer rows.Close()

	msgs := make([]Message, 0, limit)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Topic, &m.Payload, &m.Status, &m.Attempts, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("outbox: scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: iterate messages: %w", err)
	}
	return msgs, nil
}

// MarkProcessed finalises a delivered message.
func (w *Worker) MarkProcessed(ctx context.Context, tx pgx.Tx, id string) error {
	if _, err := tx.Exec(ctx, `UPDATE outbox SET status = 'processed', last_attempt = now() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("outbox: mark processed: %w", err)
	}
	return nil
}

// Drain claims up to limit pending messages, hands each to deliver, and marks
// the outcome. Claims and marks share one transaction so a crashed worker
// releases its batch untouched.
func (w *Worker) Drain(ctx context.Context, limit int, deliver func(Message) error) error {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("outbox: begin drain tx: %w", err)
	}
	defer tx.Rollback(ctx)

	msgs, err := w.Claim(ctx, tx, limit)
	if err != nil {
		return err
	}

	for _, msg := range msgs {
		if err := deliver(msg); err != nil {
			if err := w.MarkFailed(ctx, tx, msg.ID, DefaultMaxAttempts); err != nil {
				return err
			}
			continue
		}
		if err := w.MarkProcessed(ctx, tx, msg.ID); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("outbox: commit drain: %w", err)
	}
	return nil
}

// DefaultMaxAttempts bounds redelivery before a message goes dead.
const DefaultMaxAttempts = 5

// MarkFailed bumps the attempt counter; messages past maxAttempts go dead.
func (w *Worker) MarkFailed(ctx context.Context, tx pgx.Tx, id string, maxAttempts int) error {
	if _, err := tx.Exec(ctx, `
UPDATE outbox
SET attempts = attempts + 1,
    status = CASE WHEN attempts + 1 >= $2 THEN 'dead' ELSE status END,
    last_attempt = now()
WHERE id = $1
`, id, maxAttempts); err != nil {
		return fmt.Errorf("outbox: mark failed: %w", err)
	}
	return nil
}
