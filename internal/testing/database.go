// Package testing provides shared helpers for jobhub tests.
package testing

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/derivkit/jobhub/db"
)

// CreateTestDB creates a migrated SQLite database in a temp directory.
// A file is used instead of :memory: because the pool and the race tests
// need several connections to see the same data.
// Automatically registers cleanup via t.Cleanup().
func CreateTestDB(t *testing.T) *sql.DB {
	t.Helper()

	database, err := db.OpenWithMigrations(filepath.Join(t.TempDir(), "jobhub_test.db"), nil)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	t.Cleanup(func() {
		database.Close()
	})

	return database
}
