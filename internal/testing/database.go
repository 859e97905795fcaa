package testing

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/teranos/genq/db"
)

// CreateTestDB creates a migrated SQLite database in t.TempDir().
// A file is used instead of :memory: so every pooled connection sees the
// same database. Cleanup is registered via t.Cleanup().
func CreateTestDB(t *testing.T) *sql.DB {
	t.Helper()
	return OpenTestDB(t, filepath.Join(t.TempDir(), "genq.db"))
}

// OpenTestDB opens (and migrates) the database at path. Several handles on
// the same path stand in for independent worker processes.
func OpenTestDB(t *testing.T, path string) *sql.DB {
	t.Helper()

	conn, err := db.OpenWithMigrations(path, nil)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	t.Cleanup(func() {
		conn.Close()
	})

	return conn
}
