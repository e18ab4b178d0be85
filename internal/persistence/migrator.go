package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// migrationLockID keys the session advisory lock that keeps replicas from
// migrating the same database at once.
const migrationLockID int64 = 0x7265636f6e

// Migrator runs SQL migration files in order.
// Files are named {version}_{name}.up.sql / {version}_{name}.down.sql.
type Migrator struct {
	db     *sql.DB
	dir    string
	logger zerolog.Logger
}

// MigrationStatus is one migration found on disk and whether it has been applied.
type MigrationStatus struct {
	Version   string
	Name      string
	AppliedAt *time.Time
}

type migration struct {
	version string
	name    string
	up      string
	down    string
}

func NewMigrator(db *sql.DB, dir string, logger zerolog.Logger) *Migrator {
	return &Migrator{db: db, dir: dir, logger: logger}
}

// Up applies every pending migration and returns how many ran. Each file runs
// in its own transaction together with its schema_migrations row.
func (m *Migrator) Up(ctx context.Context) (int, error) {
	migrations, err := m.load()
	if err != nil {
		return 0, err
	}

	ran := 0
	err = m.locked(ctx, func(conn *sql.Conn) error {
		applied, err := appliedVersions(ctx, conn)
		if err != nil {
			return err
		}
		for _, mg := range migrations {
			if _, ok := applied[mg.version]; ok {
				continue
			}
			if mg.up == "" {
				return fmt.Errorf("migration %s has no up file", mg.version)
			}
			if err := m.apply(ctx, conn, mg.up,
				`INSERT INTO public.schema_migrations (version, filename) VALUES ($1, $2)`,
				mg.version, filepath.Base(mg.up),
			); err != nil {
				return err
			}
			ran++
			m.logger.Info().Str("version", mg.version).Str("name", mg.name).Msg("applied migration")
		}
		return nil
	})
	return ran, err
}

// Down rolls back the most recently applied migration. It is a no-op on an
// empty schema.
func (m *Migrator) Down(ctx context.Context) error {
	migrations, err := m.load()
	if err != nil {
		return err
	}
	byVersion := make(map[string]migration, len(migrations))
	for _, mg := range migrations {
		byVersion[mg.version] = mg
	}

	return m.locked(ctx, func(conn *sql.Conn) error {
		var version string
		err := conn.QueryRowContext(ctx,
			`SELECT version FROM public.schema_migrations ORDER BY version DESC LIMIT 1`,
		).Scan(&version)
		if errors.Is(err, sql.ErrNoRows) {
			m.logger.Info().Msg("no migrations to roll back")
			return nil
		}
		if err != nil {
			return fmt.Errorf("latest migration: %w", err)
		}

		mg, ok := byVersion[version]
		if !ok || mg.down == "" {
			return fmt.Errorf("migration %s has no down file in %s", version, m.dir)
		}
		if err := m.apply(ctx, conn, mg.down,
			`DELETE FROM public.schema_migrations WHERE version = $1`, version,
		); err != nil {
			return err
		}
		m.logger.Info().Str("version", version).Str("name", mg.name).Msg("rolled back migration")
		return nil
	})
}

// Status lists the migrations on disk in version order with their apply time.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	migrations, err := m.load()
	if err != nil {
		return nil, err
	}

	conn, err := m.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire conn: %w", err)
	}
	defer conn.Close()

	applied, err := appliedVersions(ctx, conn)
	if err != nil {
		return nil, err
	}

	out := make([]MigrationStatus, 0, len(migrations))
	for _, mg := range migrations {
		st := MigrationStatus{Version: mg.version, Name: mg.name}
		if at, ok := applied[mg.version]; ok {
			st.AppliedAt = &at
		}
		out = append(out, st)
	}
	return out, nil
}

// locked runs fn on one connection holding the migration advisory lock.
func (m *Migrator) locked(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire conn: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, migrationLockID); err != nil {
		return fmt.Errorf("migration lock: %w", err)
	}
	defer func() {
		if _, err := conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, migrationLockID); err != nil {
			m.logger.Warn().Err(err).Msg("release migration lock")
		}
	}()

	if _, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.schema_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return fn(conn)
}

// apply executes one migration file and its bookkeeping statement atomically.
func (m *Migrator) apply(ctx context.Context, conn *sql.Conn, path, record string, args ...any) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s: %w", filepath.Base(path), err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("exec %s: %w", filepath.Base(path), err)
	}
	if _, err := tx.ExecContext(ctx, record, args...); err != nil {
		return fmt.Errorf("record %s: %w", filepath.Base(path), err)
	}
	return tx.Commit()
}

// load pairs up/down files by version, sorted ascending.
func (m *Migrator) load() ([]migration, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	byVersion := make(map[string]*migration)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		var direction string
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			direction = "up"
		case strings.HasSuffix(name, ".down.sql"):
			direction = "down"
		default:
			continue
		}

		version, label, ok := strings.Cut(strings.TrimSuffix(name, "."+direction+".sql"), "_")
		if !ok || version == "" {
			return nil, fmt.Errorf("migration %s: want {version}_{name}.%s.sql", name, direction)
		}
		mg, exists := byVersion[version]
		if !exists {
			mg = &migration{version: version, name: label}
			byVersion[version] = mg
		}
		path := filepath.Join(m.dir, name)
		if direction == "up" {
			mg.up = path
		} else {
			mg.down = path
		}
	}

	out := make([]migration, 0, len(byVersion))
	for _, mg := range byVersion {
		out = append(out, *mg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

func appliedVersions(ctx context.Context, conn *sql.Conn) (map[string]time.Time, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version, applied_at FROM public.schema_migrations`)
	if err != nil {
		var missing bool
		if qerr := conn.QueryRowContext(ctx, `SELECT to_regclass('public.schema_migrations') IS NULL`).Scan(&missing); qerr == nil && missing {
			return map[string]time.Time{}, nil
		}
		return nil, fmt.Errorf("applied versions: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]time.Time)
	for rows.Next() {
		var (
			v  string
			at time.Time
		)
		if err := rows.Scan(&v, &at); err != nil {
			return nil, err
		}
		applied[v] = at
	}
	return applied, rows.Err()
}
