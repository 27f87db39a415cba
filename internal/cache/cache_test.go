package cache

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	tmp := t.TempDir()
	store, err := Open(filepath.Join(tmp, "cache.db"), filepath.Join(tmp, "cache.lock"))
	if err != nil {
		t.Fatalf("Open cache failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCacheFreshThenExpired(t *testing.T) {
	store := openTestStore(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	if err := store.SetJSON(context.Background(), "k1", map[string]int{"v": 1}, 10*time.Second); err != nil {
		t.Fatalf("SetJSON failed: %v", err)
	}
	var got map[string]int
	ok, err := store.GetJSON("k1", &got)
	if err != nil || !ok || got["v"] != 1 {
		t.Fatalf("expected fresh hit, got ok=%v err=%v value=%v", ok, err, got)
	}

	now = now.Add(11 * time.Second)
	ok, err = store.GetJSON("k1", &got)
	if err != nil || ok {
		t.Fatalf("expected expired entry to miss, got ok=%v err=%v", ok, err)
	}
	entry, _ := store.Get("k1")
	if !entry.Hit || entry.Fresh || entry.Age != 11*time.Second {
		t.Fatalf("unexpected raw entry %+v", entry)
	}

	if err := store.Prune(); err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if entry, _ := store.Get("k1"); entry.Hit {
		t.Fatal("expected prune to remove expired entry")
	}
}

func TestKeyIsPairOrderIndependent(t *testing.T) {
	if Key("Subgraph:Curve", "0xAA", "0xbb") != Key("subgraph:curve", "0xBB", "0xaa") {
		t.Fatal("expected normalised cache key")
	}
}

func TestCacheConcurrentOpenAndSet(t *testing.T) {
	tmp := t.TempDir()
	dbPath := filepath.Join(tmp, "cache.db")
	lockPath := filepath.Join(tmp, "cache.lock")

	const workers = 8
	const iterations = 20

	var wg sync.WaitGroup
	errCh := make(chan error, workers)
	for worker := 0; worker < workers; worker++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			store, err := Open(dbPath, lockPath)
			if err != nil {
				errCh <- fmt.Errorf("worker %d open: %w", workerID, err)
				return
			}
			defer store.Close()
			for i := 0; i < iterations; i++ {
				key := fmt.Sprintf("worker-%d-%d", workerID, i)
				var err error
				for attempt := 0; attempt < 50; attempt++ {
					if err = store.Set(context.Background(), key, []byte(`{}`), time.Minute); err == nil {
						break
					}
					time.Sleep(5 * time.Millisecond)
				}
				if err != nil {
					errCh <- fmt.Errorf("worker %d set: %w", workerID, err)
					return
				}
			}
		}(worker)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatal(err)
	}
}
