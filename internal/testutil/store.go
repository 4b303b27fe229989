package testutil

import (
	"os"
	"testing"

	"nostr-sync/internal/store"
)

// NewSQLiteStore opens a store on a temp file removed at cleanup
func NewSQLiteStore(t *testing.T) *store.SQLite {
	t.Helper()
	f, err := os.CreateTemp("", "nostr-sync-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
	t.Cleanup(func() {
		os.Remove(f.Name())
		os.Remove(f.Name() + "-wal")
		os.Remove(f.Name() + "-shm")
	})

	db, err := store.OpenSQLite(f.Name())
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}
