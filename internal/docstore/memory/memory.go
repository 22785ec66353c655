// Package memory implements the document store over versioned in-memory
// maps. It is the dev/demo backend and the reference for the optimistic
// concurrency semantics the engines are written against.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"

	"vestepos/backend/internal/docstore"
)

// Deleted documents stay behind as tombstones so the version of a key never
// resets: a delete-then-recreate keeps bumping it and stays visible to
// read-set validation.
type document struct {
	version int64
	data    []byte
	deleted bool
}

type Store struct {
	mu          sync.Mutex
	collections map[string]map[string]document
	maxAttempts int
}

func New() *Store {
	return &Store{
		collections: make(map[string]map[string]document),
		maxAttempts: docstore.DefaultMaxAttempts,
	}
}

func (s *Store) Close() error { return nil }

// errStale is internal: it triggers a retry, never escapes RunTransaction.
var errStale = errors.New("stale read set")

func (s *Store) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx docstore.Tx) error) error {
	for attempt := 1; ; attempt++ {
		tx := &memTx{store: s, reads: make(map[string]int64), listReads: make(map[string]map[string]int64)}
		err := fn(ctx, tx)
		if err == nil {
			err = s.commit(tx)
		}
		if err == nil {
			return nil
		}
		if !errors.Is(err, errStale) {
			return err
		}
		if attempt >= s.maxAttempts {
			return docstore.ErrConflict
		}
		if err := docstore.Backoff(ctx, attempt); err != nil {
			return err
		}
	}
}

func (s *Store) commit(tx *memTx) error {
	if tx.marshalErr != nil {
		return tx.marshalErr
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for ref, version := range tx.reads {
		collection, key, _ := strings.Cut(ref, "\x00")
		if s.versionLocked(collection, key) != version {
			return errStale
		}
	}
	for ref, seen := range tx.listReads {
		collection, prefix, _ := strings.Cut(ref, "\x00")
		current := s.scanLocked(collection, prefix)
		if len(current) != len(seen) {
			return errStale
		}
		for key, version := range current {
			if seen[key] != version {
				return errStale
			}
		}
	}

	for _, op := range tx.writes {
		coll := s.collections[op.collection]
		if coll == nil {
			coll = make(map[string]document)
			s.collections[op.collection] = coll
		}
		if op.delete {
			coll[op.key] = document{version: s.versionLocked(op.collection, op.key) + 1, deleted: true}
			continue
		}
		coll[op.key] = document{version: s.versionLocked(op.collection, op.key) + 1, data: op.data}
	}
	return nil
}

// versionLocked returns 0 for a never-written key so that a recorded miss
// conflicts with a concurrent create; tombstones report their own version.
func (s *Store) versionLocked(collection, key string) int64 {
	if doc, ok := s.collections[collection][key]; ok {
		return doc.version
	}
	return 0
}

func (s *Store) scanLocked(collection, prefix string) map[string]int64 {
	out := make(map[string]int64)
	for key, doc := range s.collections[collection] {
		if !doc.deleted && strings.HasPrefix(key, prefix) {
			out[key] = doc.version
		}
	}
	return out
}

type writeOp struct {
	collection string
	key        string
	data       []byte
	delete     bool
}

type memTx struct {
	store      *Store
	reads      map[string]int64
	listReads  map[string]map[string]int64
	writes     []writeOp
	wrote      bool
	marshalErr error
}

func readRef(collection, key string) string {
	return collection + "\x00" + key
}

func (t *memTx) Get(ctx context.Context, collection, key string, dest any) error {
	if t.wrote {
		return docstore.ErrReadAfterWrite
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	t.store.mu.Lock()
	doc, ok := t.store.collections[collection][key]
	t.store.mu.Unlock()

	if !ok || doc.deleted {
		t.reads[readRef(collection, key)] = doc.version
		return docstore.ErrNotFound
	}
	t.reads[readRef(collection, key)] = doc.version
	return json.Unmarshal(doc.data, dest)
}

func (t *memTx) List(ctx context.Context, collection, prefix string) ([]docstore.Entry, error) {
	if t.wrote {
		return nil, docstore.ErrReadAfterWrite
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.store.mu.Lock()
	seen := make(map[string]int64)
	entries := make([]docstore.Entry, 0, 16)
	for key, doc := range t.store.collections[collection] {
		if doc.deleted || !strings.HasPrefix(key, prefix) {
			continue
		}
		seen[key] = doc.version
		entries = append(entries, docstore.Entry{Key: key, Data: doc.data})
	}
	t.store.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	t.listReads[readRef(collection, prefix)] = seen
	return entries, nil
}

func (t *memTx) Put(collection, key string, value any) {
	data, err := json.Marshal(value)
	if err != nil && t.marshalErr == nil {
		t.marshalErr = err
	}
	t.wrote = true
	t.writes = append(t.writes, writeOp{collection: collection, key: key, data: data})
}

func (t *memTx) Delete(collection, key string) {
	t.wrote = true
	t.writes = append(t.writes, writeOp{collection: collection, key: key, delete: true})
}
