package project

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"bactrack/apperr"
)

type Repository interface {
	Create(ctx context.Context, tx pgx.Tx, p Project) (Project, error)
	Get(ctx context.Context, id string) (Project, error)
	List(ctx context.Context, filters Filters) ([]Listing, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Project, error)
	UpdateHeader(ctx context.Context, tx pgx.Tx, id, prNumber, details, actorID string, at time.Time) (Project, error)
	Delete(ctx context.Context, tx pgx.Tx, id string) error
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const projectColumns = `id::text, pr_number, details, remarks, creator_id::text, created_at,
    edited_at, edited_by::text, last_accessed_at, last_accessed_by::text`

func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, p Project) (Project, error) {
	query := `
        INSERT INTO projects (id, pr_number, details, remarks, creator_id, created_at)
        VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5, $6)
        RETURNING ` + projectColumns

	created, err := scanProject(tx.QueryRow(ctx, query, p.ID, p.PRNumber, p.Details, p.Remarks, p.CreatorID, p.CreatedAt))
	if err != nil {
		return Project{}, fmt.Errorf("project: insert: %w", err)
	}
	return created, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects WHERE id = $1`

	p, err := scanProject(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		return Project{}, classify("project: get", id, err)
	}
	return p, nil
}

// List returns projects newest first. A non-empty search matches details or PR
// number as a case-insensitive substring.
func (r *PGRepository) List(ctx context.Context, filters Filters) ([]Listing, error) {
	if filters.Limit <= 0 || filters.Limit > 200 {
		filters.Limit = 200
	}
	if filters.Offset < 0 {
		filters.Offset = 0
	}

	const query = `
        SELECT p.id::text, p.pr_number, p.details, p.remarks, p.creator_id::text, p.created_at,
               p.edited_at, p.edited_by::text, p.last_accessed_at, p.last_accessed_by::text,
               COALESCE(NULLIF(TRIM(u.first_name || ' ' || u.last_name), ''), u.username, '')
        FROM projects p
        LEFT JOIN users u ON u.id = p.creator_id
        WHERE $1 = '' OR p.details ILIKE $2 OR p.pr_number ILIKE $2
        ORDER BY p.created_at DESC, p.id
        LIMIT $3 OFFSET $4
    `

	search := strings.TrimSpace(filters.Search)
	rows, err := r.pool.Query(ctx, query, search, likePattern(search), filters.Limit, filters.Offset)
	if err != nil {
		return nil, fmt.Errorf("project: query list: %w", err)
	}
	defer rows.Close()

	list := []Listing{}
	for rows.Next() {
		var l Listing
		if err := rows.Scan(
			&l.ID, &l.PRNumber, &l.Details, &l.Remarks, &l.CreatorID, &l.CreatedAt,
			&l.EditedAt, &l.EditedBy, &l.LastAccessedAt, &l.LastAccessedBy,
			&l.CreatorName,
		); err != nil {
			return nil, fmt.Errorf("project: scan listing: %w", err)
		}
		list = append(list, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("project: iterate list: %w", err)
	}

	return list, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects WHERE id = $1 FOR UPDATE`

	p, err := scanProject(tx.QueryRow(ctx, query, id))
	if err != nil {
		return Project{}, classify("project: get for update", id, err)
	}
	return p, nil
}

func (r *PGRepository) UpdateHeader(ctx context.Context, tx pgx.Tx, id, prNumber, details, actorID string, at time.Time) (Project, error) {
	query := `
        UPDATE projects
        SET pr_number = $2,
            details = $3,
            edited_at = $5,
            edited_by = $4,
            last_accessed_at = $5,
            last_accessed_by = $4
        WHERE id = $1
        RETURNING ` + projectColumns

	p, err := scanProject(tx.QueryRow(ctx, query, id, prNumber, details, actorID, at))
	if err != nil {
		return Project{}, classify("project: update header", id, err)
	}
	return p, nil
}

func (r *PGRepository) Delete(ctx context.Context, tx pgx.Tx, id string) error {
	tag, err := tx.Exec(ctx, `DELETE FROM projects WHERE id = $1`, id)
	if err != nil {
		return classify("project: delete", id, err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.ProjectNotFound(id)
	}
	return nil
}

// LockForShare holds the project row against deletion for the rest of tx.
func (r *PGRepository) LockForShare(ctx context.Context, tx pgx.Tx, id string) error {
	return r.lock(ctx, tx, id, "FOR SHARE")
}

// LockForUpdate serializes writers of the project and its stages.
func (r *PGRepository) LockForUpdate(ctx context.Context, tx pgx.Tx, id string) error {
	return r.lock(ctx, tx, id, "FOR UPDATE")
}

func (r *PGRepository) lock(ctx context.Context, tx pgx.Tx, id, mode string) error {
	var locked string
	err := tx.QueryRow(ctx, `SELECT id::text FROM projects WHERE id = $1 `+mode, id).Scan(&locked)
	if err != nil {
		return classify("project: lock", id, err)
	}
	return nil
}

func (r *PGRepository) StampLastAccessed(ctx context.Context, tx pgx.Tx, id, actorID string, at time.Time) error {
	const query = `
        UPDATE projects
        SET last_accessed_at = $3,
            last_accessed_by = $2
        WHERE id = $1
    `

	tag, err := tx.Exec(ctx, query, id, actorID, at)
	if err != nil {
		return classify("project: stamp last accessed", id, err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.ProjectNotFound(id)
	}
	return nil
}

func scanProject(row pgx.Row) (Project, error) {
	var p Project
	err := row.Scan(
		&p.ID,
		&p.PRNumber,
		&p.Details,
		&p.Remarks,
		&p.CreatorID,
		&p.CreatedAt,
		&p.EditedAt,
		&p.EditedBy,
		&p.LastAccessedAt,
		&p.LastAccessedBy,
	)
	return p, err
}

// classify maps a missing row, or an id that is not a uuid, to NotFound.
func classify(op, id string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.ProjectNotFound(id)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "22P02" {
		return apperr.ProjectNotFound(id)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func likePattern(search string) string {
	if search == "" {
		return ""
	}
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(search) + "%"
}
