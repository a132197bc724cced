// Package migrate applies the embedded PostgreSQL schema migrations.
//
// Files follow the golang-migrate naming scheme {version}_{name}.up.sql / .down.sql. Every
// migration runs in its own transaction together with its schema_migrations row.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

const (
	upSuffix   = ".up.sql"
	downSuffix = ".down.sql"

	sqlEnsureMigrationTable = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`
	sqlSelectAppliedVersions = `SELECT version FROM schema_migrations`
	sqlSelectLatestMigration = `SELECT version, filename FROM schema_migrations ORDER BY version DESC LIMIT 1`
	sqlRecordMigration       = `INSERT INTO schema_migrations (version, filename) VALUES ($1, $2)`
	sqlForgetMigration       = `DELETE FROM schema_migrations WHERE version = $1`
)

//go:embed migrations/*.sql
var embedded embed.FS

// Migrator runs SQL migration files in version order.
type Migrator struct {
	db     *sql.DB
	files  fs.FS
	logger *zap.Logger
}

// Open connects to PostgreSQL through lib/pq and returns a Migrator over the embedded files.
func Open(databaseURL string, logger *zap.Logger) (*Migrator, func() error, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	files, err := fs.Sub(embedded, "migrations")
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return New(db, files, logger), db.Close, nil
}

// New returns a Migrator reading migrations from files.
func New(db *sql.DB, files fs.FS, logger *zap.Logger) *Migrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Migrator{db: db, files: files, logger: logger}
}

// Up applies all pending up-migrations and returns how many ran.
func (migrator *Migrator) Up(ctx context.Context) (int, error) {
	if _, err := migrator.db.ExecContext(ctx, sqlEnsureMigrationTable); err != nil {
		return 0, fmt.Errorf("ensure migration table: %w", err)
	}
	applied, err := migrator.appliedVersions(ctx)
	if err != nil {
		return 0, fmt.Errorf("get applied versions: %w", err)
	}
	names, err := migrator.list(upSuffix)
	if err != nil {
		return 0, fmt.Errorf("list migrations: %w", err)
	}
	count := 0
	for _, name := range names {
		version := Version(name)
		if _, ok := applied[version]; ok {
			continue
		}
		if err := migrator.apply(ctx, name, sqlRecordMigration, version, name); err != nil {
			return count, err
		}
		migrator.logger.Info("applied migration", zap.String("file", name))
		count++
	}
	return count, nil
}

// Down rolls back the latest applied migration. It reports false when nothing was applied.
func (migrator *Migrator) Down(ctx context.Context) (bool, error) {
	if _, err := migrator.db.ExecContext(ctx, sqlEnsureMigrationTable); err != nil {
		return false, fmt.Errorf("ensure migration table: %w", err)
	}
	var version, filename string
	err := migrator.db.QueryRowContext(ctx, sqlSelectLatestMigration).Scan(&version, &filename)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get latest migration: %w", err)
	}
	downName := strings.TrimSuffix(filename, upSuffix) + downSuffix
	if err := migrator.apply(ctx, downName, sqlForgetMigration, version); err != nil {
		return false, err
	}
	migrator.logger.Info("rolled back migration", zap.String("file", downName))
	return true, nil
}

func (migrator *Migrator) apply(ctx context.Context, name string, bookkeeping string, arguments ...any) error {
	content, err := fs.ReadFile(migrator.files, name)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", name, err)
	}
	tx, err := migrator.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx for %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("exec migration %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, bookkeeping, arguments...); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record migration %s: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", name, err)
	}
	return nil
}

func (migrator *Migrator) appliedVersions(ctx context.Context) (map[string]struct{}, error) {
	rows, err := migrator.db.QueryContext(ctx, sqlSelectAppliedVersions)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	applied := make(map[string]struct{})
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = struct{}{}
	}
	return applied, rows.Err()
}

func (migrator *Migrator) list(suffix string) ([]string, error) {
	entries, err := fs.ReadDir(migrator.files, ".")
	if err != nil {
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), suffix) {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Version returns the numeric prefix of a migration filename ("000001_x.up.sql" -> "000001").
func Version(filename string) string {
	version, _, _ := strings.Cut(filename, "_")
	return version
}
