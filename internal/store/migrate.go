package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Migration is one numbered schema change. Up and Down are file paths; Down
// is empty when the change cannot be reverted.
type Migration struct {
	Version string
	Up      string
	Down    string
	Applied bool
}

// LoadMigrations lists the *.up.sql files in dir in version order, paired
// with their *.down.sql counterparts.
func LoadMigrations(dir string) ([]Migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	downs := make(map[string]string)
	var migrations []Migration
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			migrations = append(migrations, Migration{
				Version: strings.TrimSuffix(name, ".up.sql"),
				Up:      filepath.Join(dir, name),
			})
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = filepath.Join(dir, name)
		}
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	for i := range migrations {
		migrations[i].Down = downs[migrations[i].Version]
	}
	return migrations, nil
}

// MigrationStatus reports which migrations in dir have been applied.
func MigrationStatus(ctx context.Context, db *sql.DB, dir string) ([]Migration, error) {
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return nil, err
	}
	migrations, err := LoadMigrations(dir)
	if err != nil {
		return nil, err
	}
	for i := range migrations {
		applied, err := isMigrated(ctx, db, migrations[i].Version)
		if err != nil {
			return nil, err
		}
		migrations[i].Applied = applied
	}
	return migrations, nil
}

// ApplyMigrations runs every pending migration, each in its own transaction,
// and returns the versions it applied.
func ApplyMigrations(ctx context.Context, db *sql.DB, dir string) ([]string, error) {
	migrations, err := MigrationStatus(ctx, db, dir)
	if err != nil {
		return nil, err
	}

	var applied []string
	for _, m := range migrations {
		if m.Applied {
			continue
		}
		err := runMigration(ctx, db, m.Version, m.Up, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version) VALUES($1)`, m.Version)
			return err
		})
		if err != nil {
			return applied, err
		}
		applied = append(applied, m.Version)
	}
	return applied, nil
}

// RollbackMigrations reverts up to steps applied migrations, newest first,
// and returns the versions it reverted.
func RollbackMigrations(ctx context.Context, db *sql.DB, dir string, steps int) ([]string, error) {
	migrations, err := MigrationStatus(ctx, db, dir)
	if err != nil {
		return nil, err
	}

	var reverted []string
	for i := len(migrations) - 1; i >= 0 && len(reverted) < steps; i-- {
		m := migrations[i]
		if !m.Applied {
			continue
		}
		if m.Down == "" {
			return reverted, fmt.Errorf("migration %s has no down file", m.Version)
		}
		err := runMigration(ctx, db, m.Version, m.Down, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version=$1`, m.Version)
			return err
		})
		if err != nil {
			return reverted, err
		}
		reverted = append(reverted, m.Version)
	}
	return reverted, nil
}

func runMigration(ctx context.Context, db *sql.DB, version, file string, record func(*sql.Tx) error) error {
	contents, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", version, err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx %s: %w", version, err)
	}
	if _, err := tx.ExecContext(ctx, string(contents)); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("execute migration %s: %w", version, err)
	}
	if err := record(tx); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record migration %s: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", version, err)
	}
	return nil
}

func ensureMigrationsTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return nil
}

func isMigrated(ctx context.Context, db *sql.DB, version string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, version).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check migration %s: %w", version, err)
	}
	return exists, nil
}
