package storage

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"testing/fstest"
)

func TestLoadMigrations_Embedded(t *testing.T) {
	ms, err := loadMigrations(migrationFiles)
	if err != nil {
		t.Fatalf("loadMigrations() error: %v", err)
	}
	if len(ms) < 2 {
		t.Fatalf("got %d migrations, want at least 2", len(ms))
	}
	if ms[0].Version != 1 || ms[0].Name != "initial_schema" {
		t.Errorf("first migration = %d %q", ms[0].Version, ms[0].Name)
	}
}

func TestLoadMigrations_Errors(t *testing.T) {
	tests := []struct {
		name    string
		files   fstest.MapFS
		wantErr string
	}{
		{
			name: "gap",
			files: fstest.MapFS{
				"migrations/0001_a.sql": {Data: []byte("SELECT 1;")},
				"migrations/0003_c.sql": {Data: []byte("SELECT 1;")},
			},
			wantErr: "not contiguous",
		},
		{
			name:    "no version",
			files:   fstest.MapFS{"migrations/initial.sql": {Data: []byte("SELECT 1;")}},
			wantErr: "NNNN_description",
		},
		{
			name:    "zero version",
			files:   fstest.MapFS{"migrations/0000_x.sql": {Data: []byte("SELECT 1;")}},
			wantErr: "NNNN_description",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadMigrations(tt.files)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func openMemory(t *testing.T) *sql.DB {
	t.Helper()
	s := NewSQLiteStorage(":memory:")
	if err := s.Open(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s.DB()
}

func TestRunMigrations_Incremental(t *testing.T) {
	db := openMemory(t)
	ctx := context.Background()
	first := []Migration{{Version: 1, Name: "a", Up: "CREATE TABLE a (x INTEGER);"}}
	both := append(first, Migration{Version: 2, Name: "b", Up: "CREATE TABLE b (y INTEGER);"})

	if err := runMigrations(ctx, db, first); err != nil {
		t.Fatal(err)
	}
	// Re-running 1 would fail on the existing table.
	if err := runMigrations(ctx, db, both); err != nil {
		t.Fatalf("second run: %v", err)
	}

	var v int
	db.QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&v)
	if v != 2 {
		t.Errorf("schema version = %d, want 2", v)
	}
}

func TestRunMigrations_FailedStepRollsBack(t *testing.T) {
	db := openMemory(t)
	ms := []Migration{
		{Version: 1, Name: "ok", Up: "CREATE TABLE a (x INTEGER);"},
		{Version: 2, Name: "broken", Up: "CREATE TABLE b (y INTEGER); INSERT INTO nope VALUES (1);"},
	}
	if err := runMigrations(context.Background(), db, ms); err == nil || !strings.Contains(err.Error(), "broken") {
		t.Fatalf("error = %v, want failure naming the migration", err)
	}

	var v int
	db.QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&v)
	if v != 1 {
		t.Errorf("schema version = %d, want 1", v)
	}
	if _, err := db.Exec("SELECT * FROM b"); err == nil {
		t.Error("table from the failed migration should not exist")
	}
}

func TestRunMigrations_NewerSchema(t *testing.T) {
	db := openMemory(t)
	ctx := context.Background()
	two := []Migration{
		{Version: 1, Name: "a", Up: "CREATE TABLE a (x INTEGER);"},
		{Version: 2, Name: "b", Up: "CREATE TABLE b (y INTEGER);"},
	}
	if err := runMigrations(ctx, db, two); err != nil {
		t.Fatal(err)
	}
	if err := runMigrations(ctx, db, two[:1]); err == nil || !strings.Contains(err.Error(), "newer than this build") {
		t.Errorf("error = %v, want newer-schema refusal", err)
	}
}
