package memory

import (
	"context"
	"errors"
	"sync"
	"testing"

	"vestepos/backend/internal/docstore"
)

type counter struct {
	Value int `json:"value"`
}

func TestPutGetDelete(t *testing.T) {
	store := New()
	ctx := context.Background()

	err := store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		tx.Put("counters", "a", counter{Value: 7})
		return nil
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	var got counter
	err = store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		return tx.Get(ctx, "counters", "a", &got)
	})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Value != 7 {
		t.Fatalf("got %d, want 7", got.Value)
	}

	err = store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		tx.Delete("counters", "a")
		return nil
	})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	err = store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		return tx.Get(ctx, "counters", "a", &got)
	})
	if !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestReadAfterWriteRejected(t *testing.T) {
	store := New()
	err := store.RunTransaction(context.Background(), func(ctx context.Context, tx docstore.Tx) error {
		tx.Put("counters", "a", counter{Value: 1})
		var c counter
		return tx.Get(ctx, "counters", "a", &c)
	})
	if !errors.Is(err, docstore.ErrReadAfterWrite) {
		t.Fatalf("expected ErrReadAfterWrite, got %v", err)
	}
}

// Concurrent increments must all land: a lost update would leave the counter
// short.
func TestConcurrentIncrementsRetry(t *testing.T) {
	store := New()
	ctx := context.Background()

	err := store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		tx.Put("counters", "a", counter{})
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	const workers = 8
	const perWorker = 5
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				err := store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
					var c counter
					if err := tx.Get(ctx, "counters", "a", &c); err != nil {
						return err
					}
					c.Value++
					tx.Put("counters", "a", c)
					return nil
				})
				if err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("increment failed: %v", err)
	}

	var got counter
	if err := store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		return tx.Get(ctx, "counters", "a", &got)
	}); err != nil {
		t.Fatalf("final get: %v", err)
	}
	if got.Value != workers*perWorker {
		t.Fatalf("lost updates: got %d, want %d", got.Value, workers*perWorker)
	}
}

// A transaction that read a missing document must conflict with a concurrent
// create of that document.
func TestMissThenConcurrentCreateRetries(t *testing.T) {
	store := New()
	ctx := context.Background()

	var once sync.Once
	attempts := 0
	err := store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		attempts++
		var c counter
		err := tx.Get(ctx, "counters", "a", &c)
		if err != nil && !errors.Is(err, docstore.ErrNotFound) {
			return err
		}
		once.Do(func() {
			// Another writer creates the document between this read and the
			// commit.
			_ = store.RunTransaction(ctx, func(ctx context.Context, inner docstore.Tx) error {
				inner.Put("counters", "a", counter{Value: 100})
				return nil
			})
		})
		c.Value++
		tx.Put("counters", "a", c)
		return nil
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}

	var got counter
	if err := store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		return tx.Get(ctx, "counters", "a", &got)
	}); err != nil {
		t.Fatalf("final get: %v", err)
	}
	if got.Value != 101 {
		t.Fatalf("got %d, want 101", got.Value)
	}
}

// A listed prefix must conflict when a concurrent writer adds a document
// under it.
func TestListPhantomRetries(t *testing.T) {
	store := New()
	ctx := context.Background()

	if err := store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		tx.Put("sales", "loja-1/s1", counter{Value: 1})
		return nil
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	var once sync.Once
	attempts := 0
	var seen int
	err := store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		attempts++
		entries, err := tx.List(ctx, "sales", "loja-1/")
		if err != nil {
			return err
		}
		seen = len(entries)
		once.Do(func() {
			_ = store.RunTransaction(ctx, func(ctx context.Context, inner docstore.Tx) error {
				inner.Put("sales", "loja-1/s2", counter{Value: 2})
				return nil
			})
		})
		tx.Put("summaries", "loja-1", counter{Value: seen})
		return nil
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
	if seen != 2 {
		t.Fatalf("second attempt should have seen 2 sales, got %d", seen)
	}
}

// Deleting and recreating a document must not restore an old version: a
// transaction that read the original has to conflict even when the recreated
// body looks brand new.
func TestDeleteRecreateStillConflicts(t *testing.T) {
	store := New()
	ctx := context.Background()

	if err := store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		tx.Put("counters", "a", counter{Value: 1})
		return nil
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	var once sync.Once
	attempts := 0
	err := store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		attempts++
		var c counter
		if err := tx.Get(ctx, "counters", "a", &c); err != nil {
			return err
		}
		once.Do(func() {
			// Another writer deletes and recreates the document between this
			// read and the commit.
			_ = store.RunTransaction(ctx, func(ctx context.Context, inner docstore.Tx) error {
				inner.Delete("counters", "a")
				return nil
			})
			_ = store.RunTransaction(ctx, func(ctx context.Context, inner docstore.Tx) error {
				inner.Put("counters", "a", counter{Value: 50})
				return nil
			})
		})
		c.Value++
		tx.Put("counters", "a", c)
		return nil
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}

	var got counter
	if err := store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		return tx.Get(ctx, "counters", "a", &got)
	}); err != nil {
		t.Fatalf("final get: %v", err)
	}
	if got.Value != 51 {
		t.Fatalf("got %d, want 51", got.Value)
	}
}

// A delete observed by an open transaction conflicts the same way an update
// does.
func TestReadThenConcurrentDeleteRetries(t *testing.T) {
	store := New()
	ctx := context.Background()

	if err := store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		tx.Put("counters", "a", counter{Value: 1})
		return nil
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	var once sync.Once
	attempts := 0
	sawMissing := false
	err := store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		attempts++
		var c counter
		err := tx.Get(ctx, "counters", "a", &c)
		if errors.Is(err, docstore.ErrNotFound) {
			sawMissing = true
			return nil
		}
		if err != nil {
			return err
		}
		once.Do(func() {
			_ = store.RunTransaction(ctx, func(ctx context.Context, inner docstore.Tx) error {
				inner.Delete("counters", "a")
				return nil
			})
		})
		c.Value++
		tx.Put("counters", "a", c)
		return nil
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
	if !sawMissing {
		t.Fatalf("second attempt should have observed the delete")
	}
}

func TestListSortedByKey(t *testing.T) {
	store := New()
	ctx := context.Background()

	if err := store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		tx.Put("sales", "loja-1/b", counter{})
		tx.Put("sales", "loja-1/a", counter{})
		tx.Put("sales", "loja-2/c", counter{})
		return nil
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	var keys []string
	if err := store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		keys = nil
		entries, err := tx.List(ctx, "sales", "loja-1/")
		if err != nil {
			return err
		}
		for _, e := range entries {
			keys = append(keys, e.Key)
		}
		return nil
	}); err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 2 || keys[0] != "loja-1/a" || keys[1] != "loja-1/b" {
		t.Fatalf("unexpected keys %v", keys)
	}
}

// A body that always collides exhausts the retry budget and surfaces
// ErrConflict.
func TestConflictBudgetExhausted(t *testing.T) {
	store := New()
	ctx := context.Background()

	if err := store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		tx.Put("counters", "a", counter{})
		return nil
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	attempts := 0
	err := store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		attempts++
		var c counter
		if err := tx.Get(ctx, "counters", "a", &c); err != nil {
			return err
		}
		// Collide on every attempt.
		_ = store.RunTransaction(ctx, func(ctx context.Context, inner docstore.Tx) error {
			var ic counter
			if err := inner.Get(ctx, "counters", "a", &ic); err != nil {
				return err
			}
			ic.Value++
			inner.Put("counters", "a", ic)
			return nil
		})
		c.Value++
		tx.Put("counters", "a", c)
		return nil
	})
	if !errors.Is(err, docstore.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if attempts != docstore.DefaultMaxAttempts {
		t.Fatalf("expected %d attempts, got %d", docstore.DefaultMaxAttempts, attempts)
	}
}
