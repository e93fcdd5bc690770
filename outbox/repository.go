package outbox

import (
	"context"
	"encoding/json"
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

// Message is one row of the outbox table.
type Message struct {
	ID        string
	Topic     string
	Payload   json.RawMessage
	Status    string
	Attempts  int
	LastError *string
	CreatedAt time.Time
}

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Enqueue inserts a message inside the caller's transaction so it commits or
// rolls back together with the change it describes.
func (r *Repository) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	if topic == "" {
		return fmt.Errorf("outbox: empty topic")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal payload: %w", err)
	}

	const insertSQL = `
INSERT INTO outbox (topic, payload)
VALUES ($1, $2);
`

	if _, err := tx.Exec(ctx, insertSQL, topic, body); err != nil {
		return fmt.Errorf("outbox: insert message: %w", err)
	}
	return nil
}

// FetchPending returns up to limit pending messages, oldest first.
func (r *Repository) FetchPending(ctx context.Context, limit int) ([]Message, error) {
	const query = `
SELECT id::text, topic, payload, status, attempts, last_error, created_at
FROM outbox
WHERE status = 'pending'
ORDER BY created_at ASC, id
LIMIT $1;
`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: query pending: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Topic, &m.Payload, &m.Status, &m.Attempts, &m.LastError, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("outbox: scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: iterate pending: %w", err)
	}
	return msgs, nil
}

func (r *Repository) MarkProcessed(ctx context.Context, id string) error {
	const query = `
UPDATE outbox
SET status = 'processed', processed_at = now()
WHERE id = $1;
`

	if _, err := r.pool.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("outbox: mark processed: %w", err)
	}
	return nil
}

// MarkFailed records a failed publish attempt and moves the message to dead
// once maxAttempts is reached. It returns the resulting status.
func (r *Repository) MarkFailed(ctx context.Context, id string, cause error, maxAttempts int) (string, error) {
	const query = `
UPDATE outbox
SET attempts = attempts + 1,
    last_error = $2,
    status = CASE WHEN attempts + 1 >= $3 THEN 'dead' ELSE 'pending' END
WHERE id = $1
RETURNING status;
`

	var status string
	if err := r.pool.QueryRow(ctx, query, id, cause.Error(), maxAttempts).Scan(&status); err != nil {
		return "", fmt.Errorf("outbox: mark failed: %w", err)
	}
	return status, nil
}
