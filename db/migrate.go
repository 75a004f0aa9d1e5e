package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"

	"disputeflow/migrations"
)

// TxStarter is the subset of pgxpool.Pool the migration runner needs.
type TxStarter interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Migrate applies every embedded migration not yet recorded in
// schema_migrations, each in its own transaction. It returns the names of
// the migrations it applied.
func Migrate(ctx context.Context, conn TxStarter, logger logrus.FieldLogger) ([]string, error) {
	if _, err := conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			name       text PRIMARY KEY,
			applied_at timestamptz NOT NULL DEFAULT now()
		)`); err != nil {
		return nil, fmt.Errorf("db: ensure schema_migrations: %w", err)
	}

	files, err := migrations.Files()
	if err != nil {
		return nil, fmt.Errorf("db: read migrations: %w", err)
	}

	var applied []string
	for _, f := range files {
		done, err := apply(ctx, conn, f)
		if err != nil {
			return applied, err
		}
		if done {
			applied = append(applied, f.Name)
			if logger != nil {
				logger.WithField("migration", f.Name).Info("migration applied")
			}
		}
	}
	return applied, nil
}

func apply(ctx context.Context, conn TxStarter, f migrations.File) (bool, error) {
	tx, err := conn.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("db: begin %s: %w", f.Name, err)
	}
	defer tx.Rollback(ctx)

	// Serialise concurrent runners on the migration table.
	if _, err := tx.Exec(ctx, `LOCK TABLE schema_migrations IN EXCLUSIVE MODE`); err != nil {
		return false, fmt.Errorf("db: lock schema_migrations: %w", err)
	}
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE name = $1)`, f.Name).Scan(&exists); err != nil {
		return false, fmt.Errorf("db: check %s: %w", f.Name, err)
	}
	if exists {
		return false, nil
	}
	if _, err := tx.Exec(ctx, f.SQL); err != nil {
		return false, fmt.Errorf("db: apply %s: %w", f.Name, err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (name) VALUES ($1)`, f.Name); err != nil {
		return false, fmt.Errorf("db: record %s: %w", f.Name, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("db: commit %s: %w", f.Name, err)
	}
	return true, nil
}
