package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"bactrack/stage"
)

type Oracle struct {
	Name string
	SQL  string
	Args []any
}

// All returns the consistency checks for a database whose projects follow order.
// Each query returns rows only when the check is violated.
func All(order stage.Order) []Oracle {
	names := order.Names()
	positions := make([]int32, len(names))
	for i := range names {
		positions[i] = int32(i)
	}

	return []Oracle{
		{
			Name: "O1_stage_count",
			SQL: `SELECT p.id, COUNT(s.stage_name) FROM projects p
                  JOIN project_stages s ON s.project_id = p.id
                  GROUP BY p.id HAVING COUNT(s.stage_name) <> $1`,
			Args: []any{len(names)},
		},
		{
			Name: "O2_canonical_positions",
			SQL: `SELECT s.project_id, s.stage_name, s.position FROM project_stages s
                  LEFT JOIN unnest($1::text[], $2::int[]) AS c(name, position)
                    ON c.name = s.stage_name AND c.position = s.position
                  WHERE c.name IS NULL`,
			Args: []any{names, positions},
		},
		{
			Name: "O3_submitted_complete",
			SQL: `SELECT project_id, stage_name FROM project_stages
                  WHERE is_submitted
                    AND (created_at IS NULL OR approved_at IS NULL
                         OR btrim(coalesce(office, '')) = '' OR btrim(coalesce(remarks, '')) = '')`,
		},
		{
			Name: "O4_submitted_seeds_next",
			SQL: `SELECT cur.project_id, cur.stage_name FROM project_stages cur
                  JOIN project_stages nxt
                    ON nxt.project_id = cur.project_id AND nxt.position = cur.position + 1
                  WHERE cur.is_submitted AND nxt.created_at IS NULL`,
		},
		{
			Name: "O5_sequential_submission",
			SQL: `SELECT cur.project_id, cur.stage_name FROM project_stages cur
                  JOIN project_stages prev
                    ON prev.project_id = cur.project_id AND prev.position = cur.position - 1
                  WHERE cur.is_submitted AND NOT prev.is_submitted
                    AND NOT EXISTS (
                        SELECT 1 FROM stage_events e
                        WHERE e.project_id = prev.project_id AND e.stage_name = prev.stage_name
                          AND e.type = 'STAGE_UNSUBMITTED')`,
		},
		{
			Name: "O6_event_stamps_project",
			SQL: `SELECT DISTINCT e.project_id FROM stage_events e
                  JOIN projects p ON p.id = e.project_id
                  WHERE p.last_accessed_at IS NULL OR p.last_accessed_by IS NULL`,
		},
		{
			Name: "O7_event_outbox_pairing",
			SQL: `SELECT ev.n, ob.n FROM
                    (SELECT COUNT(*) AS n FROM stage_events) ev,
                    (SELECT COUNT(*) AS n FROM outbox WHERE topic LIKE 'stage.%') ob
                  WHERE ev.n <> ob.n`,
		},
		{
			Name: "O8_outbox_stale",
			SQL: `SELECT id FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool, order stage.Order) (string, string, error) {
	for _, o := range All(order) {
		rows, err := pool.Query(ctx, o.SQL, o.Args...)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
