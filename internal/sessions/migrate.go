package sessions

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// Dialects with embedded migration sets.
const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

// Migration is one embedded schema change.
type Migration struct {
	ID      string
	UpSQL   string
	DownSQL string
}

// Migrator applies the embedded migrations for one dialect.
type Migrator struct {
	db         *sql.DB
	dialect    string
	migrations []Migration
}

// NewMigrator loads the embedded migrations for the dialect.
func NewMigrator(db *sql.DB, dialect string) (*Migrator, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	switch dialect {
	case DialectSQLite, DialectPostgres:
	default:
		return nil, fmt.Errorf("unknown migration dialect %q", dialect)
	}
	migrations, err := loadMigrations(dialect)
	if err != nil {
		return nil, err
	}
	return &Migrator{db: db, dialect: dialect, migrations: migrations}, nil
}

// EnsureSchema creates the schema_migrations bookkeeping table.
func (m *Migrator) EnsureSchema(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			id TEXT PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	return nil
}

// Up applies pending migrations in order. If steps <= 0, all pending
// migrations are applied. Each migration runs in its own transaction; the
// first failure aborts the run.
func (m *Migrator) Up(ctx context.Context, steps int) ([]string, error) {
	if err := m.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	applied, err := m.appliedIDs(ctx)
	if err != nil {
		return nil, err
	}

	pending := []Migration{}
	for _, migration := range m.migrations {
		if !applied[migration.ID] {
			pending = append(pending, migration)
		}
	}
	if steps > 0 && steps < len(pending) {
		pending = pending[:steps]
	}

	appliedIDs := []string{}
	for _, migration := range pending {
		if strings.TrimSpace(migration.UpSQL) == "" {
			return appliedIDs, fmt.Errorf("missing up migration for %s", migration.ID)
		}
		if err := m.runInTx(ctx, migration.ID, migration.UpSQL, m.recordSQL()); err != nil {
			return appliedIDs, err
		}
		appliedIDs = append(appliedIDs, migration.ID)
	}
	return appliedIDs, nil
}

// Down rolls back the last N applied migrations, newest first.
func (m *Migrator) Down(ctx context.Context, steps int) ([]string, error) {
	if steps <= 0 {
		steps = 1
	}
	if err := m.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	appliedList, err := m.appliedList(ctx)
	if err != nil {
		return nil, err
	}
	if len(appliedList) == 0 {
		return nil, nil
	}
	if steps > len(appliedList) {
		steps = len(appliedList)
	}

	rolled := []string{}
	for i := len(appliedList) - 1; i >= len(appliedList)-steps; i-- {
		id := appliedList[i]
		migration, ok := m.migrationByID(id)
		if !ok {
			return rolled, fmt.Errorf("migration %s not found", id)
		}
		if strings.TrimSpace(migration.DownSQL) == "" {
			return rolled, fmt.Errorf("missing down migration for %s", id)
		}
		if err := m.runInTx(ctx, id, migration.DownSQL, m.deleteSQL()); err != nil {
			return rolled, err
		}
		rolled = append(rolled, id)
	}
	return rolled, nil
}

// Status returns applied and pending migration ids.
func (m *Migrator) Status(ctx context.Context) (applied, pending []string, err error) {
	if err := m.EnsureSchema(ctx); err != nil {
		return nil, nil, err
	}
	appliedList, err := m.appliedList(ctx)
	if err != nil {
		return nil, nil, err
	}
	appliedSet := make(map[string]bool, len(appliedList))
	for _, id := range appliedList {
		appliedSet[id] = true
	}
	for _, migration := range m.migrations {
		if !appliedSet[migration.ID] {
			pending = append(pending, migration.ID)
		}
	}
	return appliedList, pending, nil
}

func (m *Migrator) runInTx(ctx context.Context, id, bodySQL, bookkeepSQL string) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, bodySQL); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("apply migration %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, bookkeepSQL, id); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record migration %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", id, err)
	}
	return nil
}

func (m *Migrator) recordSQL() string {
	if m.dialect == DialectPostgres {
		return `INSERT INTO schema_migrations (id) VALUES ($1)`
	}
	return `INSERT INTO schema_migrations (id) VALUES (?)`
}

func (m *Migrator) deleteSQL() string {
	if m.dialect == DialectPostgres {
		return `DELETE FROM schema_migrations WHERE id = $1`
	}
	return `DELETE FROM schema_migrations WHERE id = ?`
}

func (m *Migrator) appliedIDs(ctx context.Context) (map[string]bool, error) {
	list, err := m.appliedList(ctx)
	if err != nil {
		return nil, err
	}
	applied := make(map[string]bool, len(list))
	for _, id := range list {
		applied[id] = true
	}
	return applied, nil
}

func (m *Migrator) appliedList(ctx context.Context) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT id FROM schema_migrations ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query schema_migrations: %w", err)
	}
	defer rows.Close()

	var applied []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan schema_migrations: %w", err)
		}
		applied = append(applied, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("schema_migrations: %w", err)
	}
	return applied, nil
}

func (m *Migrator) migrationByID(id string) (Migration, bool) {
	for _, migration := range m.migrations {
		if migration.ID == id {
			return migration, true
		}
	}
	return Migration{}, false
}

func loadMigrations(dialect string) ([]Migration, error) {
	dir := "migrations/" + dialect
	paths, err := fs.Glob(migrationsFS, dir+"/*.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	entries := map[string]*Migration{}
	for _, path := range paths {
		base := strings.TrimPrefix(path, dir+"/")
		suffix := ""
		switch {
		case strings.HasSuffix(base, ".up.sql"):
			suffix = ".up.sql"
		case strings.HasSuffix(base, ".down.sql"):
			suffix = ".down.sql"
		default:
			continue
		}
		id := strings.TrimSuffix(base, suffix)
		entry := entries[id]
		if entry == nil {
			entry = &Migration{ID: id}
			entries[id] = entry
		}
		data, err := migrationsFS.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", path, err)
		}
		if suffix == ".up.sql" {
			entry.UpSQL = string(data)
		} else {
			entry.DownSQL = string(data)
		}
	}

	ids := make([]string, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	migrations := make([]Migration, 0, len(ids))
	for _, id := range ids {
		migrations = append(migrations, *entries[id])
	}
	return migrations, nil
}
