// package testkit contains shared testing utilities
package testkit

import (
	"database/sql"
	"testing"

	"github.com/desertthunder/libsync/internal/shared"
)

// MustOpenDB opens a migrated in-memory SQLite database and closes it when
// the test ends.
func MustOpenDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := shared.NewDatabase(":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	// Each connection to :memory: is a separate database; pin the pool.
	shared.ConfigureDatabase(db, 1, 1)
	t.Cleanup(func() { db.Close() })

	if err := shared.RunMigrations(db); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}
	return db
}
