package infra

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// SeedUser inserts an account row and returns its id.
func SeedUser(ctx context.Context, pool *pgxpool.Pool, username, office string, isAdmin bool) (string, error) {
	var id string
	err := pool.QueryRow(ctx, `
		INSERT INTO users (username, first_name, last_name, office_name, is_admin)
		VALUES ($1, $2, 'Tester', $3, $4)
		RETURNING id::text`,
		username, username, office, isAdmin,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("seed user %s: %w", username, err)
	}
	return id, nil
}
