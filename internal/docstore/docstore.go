package docstore

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

var (
	ErrNotFound = errors.New("document not found")
	// ErrConflict is surfaced only after the retry budget is exhausted.
	ErrConflict = errors.New("transaction conflict")
	// ErrReadAfterWrite marks a transaction body that issued a read after its
	// first buffered write. Reads must all happen before any write.
	ErrReadAfterWrite = errors.New("read after write inside transaction")
)

// DefaultMaxAttempts bounds the automatic conflict retries per transaction.
const DefaultMaxAttempts = 5

// Entry is one listed document: key and raw JSON body.
type Entry struct {
	Key  string
	Data []byte
}

// Tx is the handle passed to a transaction body. Every Get and List is
// recorded; at commit time the whole transaction is discarded and re-run if
// any recorded document changed since it was read. Writes are buffered and
// applied atomically at commit.
//
// A transaction body must be a pure function of its reads plus its inputs:
// it may run more than once and must not capture external mutable state.
type Tx interface {
	Get(ctx context.Context, collection, key string, dest any) error
	List(ctx context.Context, collection, prefix string) ([]Entry, error)
	Put(collection, key string, value any)
	Delete(collection, key string)
}

type Store interface {
	RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Close() error
}

// Backoff sleeps before retry n (1-based) with a small jitter so colliding
// terminals do not retry in lockstep.
func Backoff(ctx context.Context, attempt int) error {
	d := time.Duration(attempt) * 15 * time.Millisecond
	d += time.Duration(rand.Int63n(int64(10 * time.Millisecond)))
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
