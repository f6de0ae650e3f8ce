package shared

import (
	"database/sql"
	"testing"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := NewDatabase(":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	// Each connection to :memory: is a separate database; pin the pool.
	ConfigureDatabase(db, 1, 1)
	t.Cleanup(func() { db.Close() })
	return db
}

func tableExists(t *testing.T, db *sql.DB, name string) bool {
	t.Helper()
	var count int
	if err := db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", name,
	).Scan(&count); err != nil {
		t.Fatalf("failed to inspect schema: %v", err)
	}
	return count > 0
}

func TestMigrations(t *testing.T) {
	t.Run("Apply Creates Schema", func(t *testing.T) {
		db := openTestDB(t)
		if err := RunMigrations(db); err != nil {
			t.Fatalf("migrations failed: %v", err)
		}

		for _, table := range []string{"provider_state", "tracks", "playlists", "playlist_tracks"} {
			if !tableExists(t, db, table) {
				t.Errorf("expected table %s after migration", table)
			}
		}
	})

	t.Run("Reapply Is A No-Op", func(t *testing.T) {
		db := openTestDB(t)
		if err := RunMigrations(db); err != nil {
			t.Fatalf("migrations failed: %v", err)
		}
		if err := RunMigrations(db); err != nil {
			t.Errorf("reapply failed: %v", err)
		}
	})

	t.Run("Rollback Drops Schema", func(t *testing.T) {
		db := openTestDB(t)
		if err := RunMigrations(db); err != nil {
			t.Fatalf("migrations failed: %v", err)
		}
		if err := RollbackMigration(db); err != nil {
			t.Fatalf("rollback failed: %v", err)
		}
		if tableExists(t, db, "tracks") {
			t.Error("expected tracks table dropped on rollback")
		}
	})

	t.Run("Rollback Without Migrations Fails", func(t *testing.T) {
		db := openTestDB(t)
		if _, err := db.Exec("CREATE TABLE schema_migrations (version INTEGER PRIMARY KEY, applied_at TIMESTAMP)"); err != nil {
			t.Fatalf("setup failed: %v", err)
		}
		if err := RollbackMigration(db); err == nil {
			t.Error("expected error with nothing to roll back")
		}
	})
}
