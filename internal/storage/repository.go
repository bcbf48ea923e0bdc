package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	createDocumentsSQL = `CREATE TABLE IF NOT EXISTS state_documents (
        key        TEXT PRIMARY KEY,
        version    BIGINT NOT NULL,
        body       JSONB NOT NULL,
        updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
    );`

	loadDocumentSQL = `SELECT
        version,
        body,
        updated_at
    FROM state_documents
    WHERE key = $1;`

	insertDocumentSQL = `INSERT INTO state_documents (
        key,
        version,
        body,
        updated_at
    ) VALUES (
        $1, 1, $2, now()
    )
    ON CONFLICT (key) DO NOTHING
    RETURNING version, updated_at;`

	updateDocumentSQL = `UPDATE state_documents
    SET version    = version + 1,
        body       = $3,
        updated_at = now()
    WHERE key = $1
      AND version = $2
    RETURNING version, updated_at;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// PGStore keeps documents in PostgreSQL and is safe to share between
// processes.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore wires a pgx pool into a PGStore.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// EnsureSchema creates the documents table.
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, createDocumentsSQL); err != nil {
		return fmt.Errorf("create state_documents: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *PGStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *PGStore) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// best effort; the lock dies with the session anyway
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *PGStore) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// Load fetches a document by key.
func (s *PGStore) Load(ctx context.Context, key string) (Document, error) {
	if err := validateKey(key); err != nil {
		return Document{}, err
	}
	pool, err := s.getPool()
	if err != nil {
		return Document{}, err
	}

	doc := Document{Key: key}
	var body []byte
	err = pool.QueryRow(ctx, loadDocumentSQL, key).Scan(&doc.Version, &body, &doc.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Document{Key: key}, nil
		}
		return Document{}, fmt.Errorf("load document: %w", err)
	}
	doc.Body = body
	return doc, nil
}

// Save inserts or updates a document guarded by its version.
func (s *PGStore) Save(ctx context.Context, doc Document) (Document, error) {
	if err := validateKey(doc.Key); err != nil {
		return Document{}, err
	}
	pool, err := s.getPool()
	if err != nil {
		return Document{}, err
	}

	saved := doc
	var row pgx.Row
	if doc.Version == 0 {
		row = pool.QueryRow(ctx, insertDocumentSQL, doc.Key, string(doc.Body))
	} else {
		row = pool.QueryRow(ctx, updateDocumentSQL, doc.Key, doc.Version, string(doc.Body))
	}

	if err := row.Scan(&saved.Version, &saved.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Document{}, fmt.Errorf("%w: %s at version %d", ErrVersionConflict, doc.Key, doc.Version)
		}
		return Document{}, fmt.Errorf("save document: %w", err)
	}
	return saved, nil
}

var (
	_ StateStore     = (*PGStore)(nil)
	_ AdvisoryLocker = (*PGStore)(nil)
)
