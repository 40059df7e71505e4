package sqlitemigrate

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"testing/fstest"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	sqlDB, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })
	return sqlDB
}

func TestApplyRunsOnce(t *testing.T) {
	sqlDB := openTestDB(t)
	migrationFS := fstest.MapFS{
		"0001_init.sql": &fstest.MapFile{Data: []byte(`-- +migrate Up
CREATE TABLE things (id TEXT PRIMARY KEY);
-- +migrate Down
DROP TABLE things;
`)},
	}

	for i := 0; i < 2; i++ {
		if err := Apply(context.Background(), sqlDB, migrationFS); err != nil {
			t.Fatalf("Apply run %d: %v", i+1, err)
		}
	}

	if _, err := sqlDB.Exec("INSERT INTO things (id) VALUES ('a')"); err != nil {
		t.Fatalf("table missing after migration: %v", err)
	}

	var count int
	if err := sqlDB.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if count != 1 {
		t.Fatalf("recorded migrations = %d, want 1", count)
	}
}

func TestApplyOrdersFiles(t *testing.T) {
	sqlDB := openTestDB(t)
	migrationFS := fstest.MapFS{
		"0002_add_column.sql": &fstest.MapFile{Data: []byte("ALTER TABLE things ADD COLUMN name TEXT;")},
		"0001_init.sql":       &fstest.MapFile{Data: []byte("CREATE TABLE things (id TEXT PRIMARY KEY);")},
	}

	if err := Apply(context.Background(), sqlDB, migrationFS); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if _, err := sqlDB.Exec("INSERT INTO things (id, name) VALUES ('a', 'b')"); err != nil {
		t.Fatalf("schema incomplete: %v", err)
	}
}

func TestUpSection(t *testing.T) {
	cases := []struct {
		name    string
		content string
		want    string
	}{
		{"no markers", "CREATE TABLE t (id TEXT);", "CREATE TABLE t (id TEXT);"},
		{"up and down", "-- +migrate Up\nUPSQL\n-- +migrate Down\nDOWNSQL\n", "\nUPSQL\n"},
		{"up only", "-- +migrate Up\nUPSQL\n", "\nUPSQL\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := upSection(tc.content); got != tc.want {
				t.Fatalf("upSection = %q, want %q", got, tc.want)
			}
		})
	}
}
