package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Store claims and settles outbox rows inside a worker transaction.
type Store interface {
	Claim(ctx context.Context, tx pgx.Tx, limit int, backoff time.Duration) ([]Message, error)
	MarkProcessed(ctx context.Context, tx pgx.Tx, id string) error
	MarkFailed(ctx context.Context, tx pgx.Tx, id string, lastErr string, dead bool) error
}

type PGStore struct{}

func NewStore() *PGStore {
	return &PGStore{}
}

// Claim locks up to limit pending rows; rows held by other workers are skipped.
// A failed row waits backoff times its attempt count before it is claimed again.
func (s *PGStore) Claim(ctx context.Context, tx pgx.Tx, limit int, backoff time.Duration) ([]Message, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, topic, payload, status, attempts, last_error, created_at
		FROM outbox
		WHERE status = 'pending'
		  AND (last_attempt IS NULL OR last_attempt <= now() - make_interval(secs => $2::float8 * attempts))
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
		LIMIT $1`, limit, backoff.Seconds())
	if err != nil {
		return nil, fmt.Errorf("outbox: claim: %w", err)
	}
	defer rows.Close()

	msgs := make([]Message, 0, limit)
	for rows.Next() {
		var m Message
		var payload []byte
		if err := rows.Scan(&m.ID, &m.Topic, &payload, &m.Status, &m.Attempts, &m.LastError, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("outbox: scan: %w", err)
		}
		m.Payload = payload
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: iterate: %w", err)
	}
	return msgs, nil
}

func (s *PGStore) MarkProcessed(ctx context.Context, tx pgx.Tx, id string) error {
	if _, err := tx.Exec(ctx, `UPDATE outbox SET status = 'processed', attempts = attempts + 1, last_attempt = now() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("outbox: mark processed: %w", err)
	}
	return nil
}

func (s *PGStore) MarkFailed(ctx context.Context, tx pgx.Tx, id string, lastErr string, dead bool) error {
	status := StatusPending
	if dead {
		status = StatusDead
	}
	if _, err := tx.Exec(ctx, `
		UPDATE outbox
		SET status = $2, attempts = attempts + 1, last_error = $3, last_attempt = now()
		WHERE id = $1`, id, status, lastErr); err != nil {
		return fmt.Errorf("outbox: mark failed: %w", err)
	}
	return nil
}
