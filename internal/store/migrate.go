package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"

	"github.com/jackc/pgx/v5"
)

// ErrMigrationChanged is returned when an applied migration file no longer
// matches the checksum recorded when it ran.
var ErrMigrationChanged = errors.New("applied migration was modified")

// migrationLockKey is the pg_advisory_lock key held while migrating.
const migrationLockKey int64 = 0x70657273 // "pers"

// Migrate applies all pending SQL migrations from the given filesystem, in filename order.
// Each migration runs in its own transaction and is recorded with its SHA-256.
// Replicas starting together serialize on an advisory lock, so each file runs once.
// Returns the number of migrations applied.
func (s *PostgresStore) Migrate(ctx context.Context, migrationsFS fs.FS) (int, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquiring migration connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", migrationLockKey); err != nil {
		return 0, fmt.Errorf("taking migration lock: %w", err)
	}
	defer conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", migrationLockKey)

	if _, err := conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			checksum   TEXT NOT NULL DEFAULT '',
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return 0, fmt.Errorf("creating schema_migrations table: %w", err)
	}

	rows, err := conn.Query(ctx, "SELECT version, checksum FROM schema_migrations")
	if err != nil {
		return 0, fmt.Errorf("loading applied migrations: %w", err)
	}
	applied := make(map[string]string)
	var version, sum string
	if _, err := pgx.ForEachRow(rows, []any{&version, &sum}, func() error {
		applied[version] = sum
		return nil
	}); err != nil {
		return 0, fmt.Errorf("scanning applied migrations: %w", err)
	}

	entries, err := fs.Glob(migrationsFS, "*.sql")
	if err != nil {
		return 0, fmt.Errorf("reading migration files: %w", err)
	}
	sort.Strings(entries)

	n := 0
	for _, filename := range entries {
		sql, err := fs.ReadFile(migrationsFS, filename)
		if err != nil {
			return n, fmt.Errorf("reading migration %s: %w", filename, err)
		}
		digest := sha256.Sum256(sql)
		checksum := hex.EncodeToString(digest[:])

		if prev, ok := applied[filename]; ok {
			// Rows written before checksums were tracked carry ''.
			if prev != "" && prev != checksum {
				return n, fmt.Errorf("%w: %s", ErrMigrationChanged, filename)
			}
			slog.Debug("migration already applied, skipping", "version", filename)
			continue
		}

		err = pgx.BeginFunc(ctx, conn, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(sql)); err != nil {
				return fmt.Errorf("executing migration %s: %w", filename, err)
			}
			if _, err := tx.Exec(ctx,
				"INSERT INTO schema_migrations (version, checksum) VALUES ($1, $2)",
				filename, checksum,
			); err != nil {
				return fmt.Errorf("recording migration %s: %w", filename, err)
			}
			return nil
		})
		if err != nil {
			return n, err
		}
		n++
		slog.Info("migration applied", "version", filename)
	}

	return n, nil
}
