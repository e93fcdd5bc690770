package infra

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var migrationsDir string

func init() {
	if _, file, _, ok := runtime.Caller(0); ok {
		migrationsDir = filepath.Join(filepath.Dir(file), "..", "..", "migrations")
	}
}

// Schema is a migrated database, optionally isolated in a per-run schema.
type Schema struct {
	dsn   string
	name  string
	ident string
}

// ApplyMigrations runs the SQL files under migrations/ against dsn. When
// isolate is true they run inside a fresh bactrack_run_* schema which Drop
// removes again.
func ApplyMigrations(ctx context.Context, dsn string, isolate bool) (*Schema, error) {
	s := &Schema{dsn: dsn}
	if isolate {
		s.name = fmt.Sprintf("bactrack_run_%d", time.Now().UnixNano())
		s.ident = pgx.Identifier{s.name}.Sanitize()

		conn, err := pgx.Connect(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("connect for schema: %w", err)
		}
		_, err = conn.Exec(ctx, "CREATE SCHEMA "+s.ident)
		conn.Close(ctx)
		if err != nil {
			return nil, fmt.Errorf("create schema %s: %w", s.name, err)
		}
	}

	pool, err := s.Connect(ctx, "bactrack-migrate", 2)
	if err != nil {
		return nil, err
	}
	defer pool.Close()

	if err := execDir(ctx, pool, migrationsDir); err != nil {
		return nil, err
	}
	return s, nil
}

// Name returns the isolated schema, or "" when migrations ran in the default one.
func (s *Schema) Name() string { return s.name }

// Connect opens a pool tagged with appName so chaos can target it. Every
// connection is pinned to the schema.
func (s *Schema) Connect(ctx context.Context, appName string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(s.dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.ConnConfig.RuntimeParams["application_name"] = appName
	if s.ident != "" {
		setPath := "SET search_path TO " + s.ident + ", public"
		cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			_, err := conn.Exec(ctx, setPath)
			return err
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect pool: %w", err)
	}
	return pool, nil
}

// Drop removes the isolated schema. It is a no-op for non-isolated runs.
func (s *Schema) Drop(ctx context.Context) error {
	if s == nil || s.ident == "" {
		return nil
	}
	conn, err := pgx.Connect(ctx, s.dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "DROP SCHEMA IF EXISTS "+s.ident+" CASCADE")
	return err
}

func execDir(ctx context.Context, pool *pgxpool.Pool, dir string) error {
	if dir == "" {
		return nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read dir %s: %w", dir, err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".sql" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return fmt.Errorf("read %s: %w", e.Name(), err)
		}
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("apply %s: %w", e.Name(), err)
		}
	}

	return nil
}
