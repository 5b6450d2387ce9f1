package infra

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// migrationsDir resolves the repository's migrations folder relative to this
// source file, so the harness works from any test working directory.
func migrationsDir() string {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		return ""
	}
	return filepath.Join(filepath.Dir(file), "..", "..", "migrations")
}

// ApplyMigrations connects a pool to the DSN and applies every migration in
// order. With isolate set, all work happens in a schema private to this run;
// the returned teardown drops it, so parallel runs on a shared database never
// collide.
func ApplyMigrations(ctx context.Context, dsn string, isolate bool) (*pgxpool.Pool, func(context.Context) error, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("infra: parse pool config: %w", err)
	}

	teardown := func(context.Context) error { return nil }
	if isolate {
		teardown, err = isolateSchema(ctx, dsn, cfg)
		if err != nil {
			return nil, nil, err
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("infra: connect pool: %w", err)
	}

	files, err := listMigrations(migrationsDir())
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	for _, path := range files {
		sql, err := os.ReadFile(path)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("infra: read %s: %w", filepath.Base(path), err)
		}
		if _, err := pool.Exec(ctx, string(sql)); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("infra: apply %s: %w", filepath.Base(path), err)
		}
	}

	return pool, teardown, nil
}

// isolateSchema creates a run-private schema, points every pooled connection's
// search_path at it, and returns the drop func.
func isolateSchema(ctx context.Context, dsn string, cfg *pgxpool.Config) (func(context.Context) error, error) {
	schema := fmt.Sprintf("chainlance_run_%d", time.Now().UnixNano())
	ident := pgx.Identifier{schema}.Sanitize()

	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("infra: connect for schema: %w", err)
	}
	_, err = conn.Exec(ctx, "CREATE SCHEMA "+ident)
	conn.Close(ctx)
	if err != nil {
		return nil, fmt.Errorf("infra: create schema %s: %w", schema, err)
	}

	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, "SET search_path TO "+ident)
		return err
	}

	return func(ctx context.Context) error {
		conn, err := pgx.Connect(ctx, dsn)
		if err != nil {
			return err
		}
		defer conn.Close(ctx)
		_, err = conn.Exec(ctx, "DROP SCHEMA IF EXISTS "+ident+" CASCADE")
		return err
	}, nil
}

func listMigrations(dir string) ([]string, error) {
	if dir == "" {
		return nil, fmt.Errorf("infra: migrations dir not resolvable")
	}
	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return nil, fmt.Errorf("infra: glob migrations: %w", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("infra: no migrations found in %s", dir)
	}
	sort.Strings(files)
	return files, nil
}
