package stage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"bactrack/apperr"
)

// ErrStageMissing signals an update aimed at a stage row that does not exist.
var ErrStageMissing = errors.New("stage: stage record missing")

// PGRepository reads and writes project_stages inside a caller-owned transaction.
type PGRepository struct{}

func NewRepository() *PGRepository {
	return &PGRepository{}
}

// EnsureStages inserts every stage of order that the project does not have yet
// and reports how many rows were created. Concurrent callers race on the
// (project_id, stage_name) key and the loser inserts nothing.
func (r *PGRepository) EnsureStages(ctx context.Context, tx pgx.Tx, projectID string, order Order) (int64, error) {
	names := order.Names()
	positions := make([]int32, len(names))
	for i := range names {
		positions[i] = int32(i)
	}

	const insertSQL = `
INSERT INTO project_stages (project_id, stage_name, position)
SELECT $1::uuid, s.name, s.position
FROM unnest($2::text[], $3::int[]) AS s(name, position)
ON CONFLICT DO NOTHING;
`

	tag, err := tx.Exec(ctx, insertSQL, projectID, names, positions)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && (pgErr.Code == "23503" || pgErr.Code == "22P02") {
			return 0, apperr.ProjectNotFound(projectID)
		}
		return 0, fmt.Errorf("stage: ensure stages: %w", err)
	}

	return tag.RowsAffected(), nil
}

// ListStages returns the project's stage rows ordered by position.
func (r *PGRepository) ListStages(ctx context.Context, tx pgx.Tx, projectID string) ([]Record, error) {
	const listSQL = `
SELECT stage_name, position, created_at, approved_at, office, remarks, is_submitted
FROM project_stages
WHERE project_id = $1
ORDER BY position;
`

	rows, err := tx.Query(ctx, listSQL, projectID)
	if err != nil {
		return nil, fmt.Errorf("stage: list stages: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec := Record{ProjectID: projectID}
		if err := rows.Scan(&rec.Name, &rec.Position, &rec.CreatedAt, &rec.ApprovedAt, &rec.Office, &rec.Remarks, &rec.Submitted); err != nil {
			return nil, fmt.Errorf("stage: scan stage: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("stage: iterate stages: %w", err)
	}

	return records, nil
}

// UpdateStage overwrites the mutable columns of one stage.
func (r *PGRepository) UpdateStage(ctx context.Context, tx pgx.Tx, rec Record) error {
	const updateSQL = `
UPDATE project_stages
SET created_at = $3,
    approved_at = $4,
    office = $5,
    remarks = $6,
    is_submitted = $7
WHERE project_id = $1 AND stage_name = $2;
`

	tag, err := tx.Exec(ctx, updateSQL, rec.ProjectID, rec.Name, rec.CreatedAt, rec.ApprovedAt, rec.Office, rec.Remarks, rec.Submitted)
	if err != nil {
		return fmt.Errorf("stage: update stage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrStageMissing, rec.Name)
	}

	return nil
}

// SeedCreatedAt sets created_at on a stage that has not started and reports
// whether it did.
func (r *PGRepository) SeedCreatedAt(ctx context.Context, tx pgx.Tx, projectID, stageName string, at time.Time) (bool, error) {
	const seedSQL = `
UPDATE project_stages
SET created_at = $3
WHERE project_id = $1 AND stage_name = $2 AND created_at IS NULL;
`

	tag, err := tx.Exec(ctx, seedSQL, projectID, stageName, at)
	if err != nil {
		return false, fmt.Errorf("stage: seed created_at: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

// AppendEvent records a transition on the stage timeline.
func (r *PGRepository) AppendEvent(ctx context.Context, tx pgx.Tx, ev Event) error {
	payload := ev.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("stage: marshal event payload: %w", err)
	}

	var actorID any
	if ev.ActorID != "" {
		actorID = ev.ActorID
	}

	const insertSQL = `
INSERT INTO stage_events (project_id, stage_name, type, actor_id, payload)
VALUES ($1, $2, $3, $4, $5);
`

	if _, err := tx.Exec(ctx, insertSQL, ev.ProjectID, ev.Stage, ev.Type, actorID, payloadBytes); err != nil {
		return fmt.Errorf("stage: insert stage event: %w", err)
	}

	return nil
}
