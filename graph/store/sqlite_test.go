package store_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/dshills/leadgraph-go/graph/store"
)

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) store.Store {
		st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "leadgraph.db"))
		if err != nil {
			t.Fatalf("NewSQLiteStore() error = %v", err)
		}
		return st
	})
}

func TestSQLiteStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leadgraph.db")
	ctx := context.Background()

	st, err := store.NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	if st.Path() != path {
		t.Errorf("Path() = %q", st.Path())
	}
	if err := st.SaveCheckpoint(ctx, checkpoint("inst-1", "tok-1", fixedTime(), 0)); err != nil {
		t.Fatalf("SaveCheckpoint() error = %v", err)
	}
	if err := st.Ping(ctx); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := st.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	reopened, err := store.NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer func() { _ = reopened.Close() }()
	cp, err := reopened.LoadCheckpoint(ctx, "tok-1")
	if err != nil || cp.InstanceID != "inst-1" {
		t.Errorf("checkpoint lost across reopen: %+v, %v", cp, err)
	}
}
