package service

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "signflow.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore(t *testing.T) {
	testRepository(t, func(t *testing.T) Repository {
		return newTestSQLiteStore(t)
	})
}

func TestSQLiteStoreReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")

	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	seedContract(t, store, "c1", baseTime, "u1")
	store.Close()

	store, err = NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer store.Close()

	if _, err := store.GetContract(context.Background(), "c1"); err != nil {
		t.Errorf("Expected contract to survive reopen, got %v", err)
	}
}

func TestSQLiteStoreConcurrentCommits(t *testing.T) {
	store := newTestSQLiteStore(t)
	c := seedContract(t, store, "c1", baseTime, "u1", "u2")

	const workers = 6
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results <- store.CommitSignature(context.Background(), signCommit(c, "u1", "v"+string(rune('a'+i)), false))
		}(i)
	}
	wg.Wait()
	close(results)

	won := 0
	for err := range results {
		switch {
		case err == nil:
			won++
		case errors.Is(err, ErrConflict):
		default:
			t.Errorf("Unexpected error %v", err)
		}
	}
	if won != 1 {
		t.Errorf("Expected exactly one winning commit, got %d", won)
	}
}
