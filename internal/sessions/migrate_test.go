package sessions

import (
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"
)

func openBareDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", "file::memory:?_pragma=foreign_keys(1)")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigratorUpDownStatus(t *testing.T) {
	db := openBareDB(t)
	ctx := context.Background()

	migrator, err := NewMigrator(db, DialectSQLite)
	if err != nil {
		t.Fatalf("NewMigrator: %v", err)
	}

	_, pending, err := migrator.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(pending) == 0 {
		t.Fatal("expected pending migrations on a fresh database")
	}

	applied, err := migrator.Up(ctx, 0)
	if err != nil {
		t.Fatalf("Up: %v", err)
	}
	if len(applied) != len(pending) {
		t.Errorf("expected %d applied, got %d", len(pending), len(applied))
	}

	// Tables exist now.
	if _, err := db.Exec(`SELECT COUNT(*) FROM sessions`); err != nil {
		t.Errorf("sessions table missing: %v", err)
	}

	// Second run is a no-op.
	again, err := migrator.Up(ctx, 0)
	if err != nil {
		t.Fatalf("Up again: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("expected no migrations on second run, got %v", again)
	}

	rolled, err := migrator.Down(ctx, 1)
	if err != nil {
		t.Fatalf("Down: %v", err)
	}
	if len(rolled) != 1 {
		t.Fatalf("expected 1 rollback, got %v", rolled)
	}
	if _, err := db.Exec(`SELECT COUNT(*) FROM sessions`); err == nil {
		t.Error("expected sessions table dropped after rollback")
	}
}

func TestMigratorUnknownDialect(t *testing.T) {
	db := openBareDB(t)
	if _, err := NewMigrator(db, "oracle"); err == nil {
		t.Fatal("expected error for unknown dialect")
	}
}
