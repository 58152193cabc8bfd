package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	StatusPending   = "pending"
	StatusProcessed = "processed"
	StatusDead      = "dead"
)

// Message is a row of the outbox table.
type Message struct {
	ID        string
	Topic     string
	Payload   []byte
	Attempts  int
	CreatedAt time.Time
}

// Writer enqueues messages inside the caller's transaction.
type Writer struct{}

func NewWriter() *Writer {
	return &Writer{}
}

func (w *Writer) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	if topic == "" {
		return errors.New("outbox: empty topic")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`, topic, string(body)); err != nil {
		return fmt.Errorf("outbox: insert: %w", err)
	}
	return nil
}

// Store is the relay's view of the outbox table.
type Store interface {
	ClaimPending(ctx context.Context, tx pgx.Tx, limit int, now time.Time) ([]Message, error)
	MarkProcessed(ctx context.Context, tx pgx.Tx, id string, at time.Time) error
	// MarkFailed records a failed delivery. A message that is not dead becomes
	// claimable again at retryAt.
	MarkFailed(ctx context.Context, tx pgx.Tx, id string, reason string, dead bool, retryAt time.Time) error
}

type PGStore struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// ClaimPending locks up to limit pending rows that are due, oldest first. Rows
// locked by another relay are skipped.
func (s *PGStore) ClaimPending(ctx context.Context, tx pgx.Tx, limit int, now time.Time) ([]Message, error) {
	rows, err := tx.Query(ctx, `
        SELECT id::text, topic, payload::text, attempts, created_at
        FROM outbox
        WHERE status = 'pending' AND next_attempt_at <= $2
        ORDER BY created_at, id
        LIMIT $1
        FOR UPDATE SKIP LOCKED
    `, limit, now)
	if err != nil {
		return nil, fmt.Errorf("outbox: claim pending: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var (
			m       Message
			payload string
		)
		if err := rows.Scan(&m.ID, &m.Topic, &payload, &m.Attempts, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("outbox: scan: %w", err)
		}
		m.Payload = []byte(payload)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: iterate: %w", err)
	}
	return msgs, nil
}

func (s *PGStore) MarkProcessed(ctx context.Context, tx pgx.Tx, id string, at time.Time) error {
	if _, err := tx.Exec(ctx, `UPDATE outbox SET status = 'processed', processed_at = $2, attempts = attempts + 1 WHERE id = $1`, id, at); err != nil {
		return fmt.Errorf("outbox: mark processed: %w", err)
	}
	return nil
}

func (s *PGStore) MarkFailed(ctx context.Context, tx pgx.Tx, id string, reason string, dead bool, retryAt time.Time) error {
	status := StatusPending
	if dead {
		status = StatusDead
	}
	if _, err := tx.Exec(ctx, `UPDATE outbox SET status = $2, attempts = attempts + 1, last_error = $3, next_attempt_at = $4 WHERE id = $1`,
		id, status, reason, retryAt); err != nil {
		return fmt.Errorf("outbox: mark failed: %w", err)
	}
	return nil
}

// Backlog counts messages still waiting for delivery.
func (s *PGStore) Backlog(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE status = 'pending'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("outbox: count backlog: %w", err)
	}
	return n, nil
}
