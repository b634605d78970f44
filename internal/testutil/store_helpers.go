package testutil

import (
	"path/filepath"
	"testing"

	"github.com/wesm/msgnarrow/internal/store"
)

// NewTestStore creates a temporary database with the schema applied.
// The database is closed when the test completes.
func NewTestStore(t testing.TB) *store.Store {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		st.Close()
	})

	if err := st.InitSchema(); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	return st
}
