// Package postgres implements the document store on a single documents
// table. The transaction body runs inside a serializable SQL transaction;
// serialization failures are retried with backoff like any other conflict.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"vestepos/backend/internal/docstore"
)

type Store struct {
	db          *sql.DB
	maxAttempts int
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS documents (
			collection text NOT NULL,
			key        text NOT NULL,
			version    bigint NOT NULL DEFAULT 1,
			body       jsonb NOT NULL,
			updated_at timestamptz NOT NULL DEFAULT now(),
			PRIMARY KEY (collection, key)
		)
	`); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, maxAttempts: docstore.DefaultMaxAttempts}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx docstore.Tx) error) error {
	for attempt := 1; ; attempt++ {
		err := s.runOnce(ctx, fn)
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
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

func (s *Store) runOnce(ctx context.Context, fn func(ctx context.Context, tx docstore.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = sqlTx.Rollback() }()

	tx := &pgTx{sqlTx: sqlTx}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if tx.marshalErr != nil {
		return tx.marshalErr
	}

	for _, op := range tx.writes {
		if op.delete {
			_, err = sqlTx.ExecContext(ctx, `
				DELETE FROM documents WHERE collection = $1 AND key = $2
			`, op.collection, op.key)
		} else {
			_, err = sqlTx.ExecContext(ctx, `
				INSERT INTO documents (collection, key, version, body, updated_at)
				VALUES ($1, $2, 1, $3, now())
				ON CONFLICT (collection, key)
				DO UPDATE SET body = EXCLUDED.body, version = documents.version + 1, updated_at = now()
			`, op.collection, op.key, op.data)
		}
		if err != nil {
			return err
		}
	}

	return sqlTx.Commit()
}

// isRetryable covers serialization failures and deadlocks, which map onto
// the document-store conflict semantics.
func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

type writeOp struct {
	collection string
	key        string
	data       []byte
	delete     bool
}

type pgTx struct {
	sqlTx      *sql.Tx
	writes     []writeOp
	wrote      bool
	marshalErr error
}

func (t *pgTx) Get(ctx context.Context, collection, key string, dest any) error {
	if t.wrote {
		return docstore.ErrReadAfterWrite
	}

	var body []byte
	err := t.sqlTx.QueryRowContext(ctx, `
		SELECT body FROM documents WHERE collection = $1 AND key = $2
	`, collection, key).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return docstore.ErrNotFound
		}
		return err
	}
	return json.Unmarshal(body, dest)
}

func (t *pgTx) List(ctx context.Context, collection, prefix string) ([]docstore.Entry, error) {
	if t.wrote {
		return nil, docstore.ErrReadAfterWrite
	}

	rows, err := t.sqlTx.QueryContext(ctx, `
		SELECT key, body FROM documents
		WHERE collection = $1 AND key LIKE $2 ESCAPE '\'
		ORDER BY key
	`, collection, escapeLike(prefix)+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]docstore.Entry, 0, 16)
	for rows.Next() {
		var entry docstore.Entry
		if err := rows.Scan(&entry.Key, &entry.Data); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (t *pgTx) Put(collection, key string, value any) {
	data, err := json.Marshal(value)
	if err != nil && t.marshalErr == nil {
		t.marshalErr = err
	}
	t.wrote = true
	t.writes = append(t.writes, writeOp{collection: collection, key: key, data: data})
}

func (t *pgTx) Delete(collection, key string) {
	t.wrote = true
	t.writes = append(t.writes, writeOp{collection: collection, key: key, delete: true})
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	return strings.ReplaceAll(s, `_`, `\_`)
}
