package db

import (
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"
)

func TestBuildDSNForLibsqlAddsToken(t *testing.T) {
	dsn, err := buildDSN("libsql://scribe.example.turso.io", "abc123")
	if err != nil {
		t.Fatalf("build dsn: %v", err)
	}

	if dsn != "libsql://scribe.example.turso.io?authToken=abc123" {
		t.Fatalf("unexpected dsn: %s", dsn)
	}
}

func TestBuildDSNForFileURL(t *testing.T) {
	dsn, err := buildDSN("file:local.db", "ignored")
	if err != nil {
		t.Fatalf("build dsn: %v", err)
	}

	if dsn != "file:local.db" {
		t.Fatalf("unexpected dsn: %s", dsn)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	database, err := sql.Open("sqlite", "file:migrate_test?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })

	ctx := context.Background()
	if err := Migrate(ctx, database); err != nil {
		t.Fatalf("first migrate: %v", err)
	}
	if err := Migrate(ctx, database); err != nil {
		t.Fatalf("second migrate: %v", err)
	}

	var count int
	if err := database.QueryRowContext(ctx, `SELECT COUNT(*) FROM threads;`).Scan(&count); err != nil {
		t.Fatalf("query threads: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected empty threads table, got %d rows", count)
	}
}

func TestMigrateCreatesMessageIndex(t *testing.T) {
	database, err := sql.Open("sqlite", "file:migrate_index_test?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })

	ctx := context.Background()
	if err := Migrate(ctx, database); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	var name string
	err = database.QueryRowContext(ctx, `
SELECT name FROM sqlite_master WHERE type = 'index' AND name = 'idx_messages_thread';
`).Scan(&name)
	if err != nil {
		t.Fatalf("message index missing: %v", err)
	}
}
