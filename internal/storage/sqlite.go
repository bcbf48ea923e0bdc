package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const (
	sqliteSchemaSQL = `CREATE TABLE IF NOT EXISTS state_documents (
        key        TEXT PRIMARY KEY,
        version    INTEGER NOT NULL,
        body       TEXT NOT NULL,
        updated_at TEXT NOT NULL
    );`

	sqliteLoadSQL   = `SELECT version, body, updated_at FROM state_documents WHERE key = ?;`
	sqliteInsertSQL = `INSERT INTO state_documents (key, version, body, updated_at)
    VALUES (?, 1, ?, ?)
    ON CONFLICT (key) DO NOTHING;`
	sqliteUpdateSQL = `UPDATE state_documents
    SET version = version + 1, body = ?, updated_at = ?
    WHERE key = ? AND version = ?;`
)

// SQLiteStore keeps documents in a single sqlite file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens the database at path, creating the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// sqlite serialises writers; one connection keeps ":memory:" databases shared
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create state_documents: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Load fetches a document.
func (s *SQLiteStore) Load(ctx context.Context, key string) (Document, error) {
	if err := validateKey(key); err != nil {
		return Document{}, err
	}

	var (
		version   int64
		body      string
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx, sqliteLoadSQL, key).Scan(&version, &body, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Document{Key: key}, nil
		}
		return Document{}, fmt.Errorf("sqlite load %s: %w", key, err)
	}

	doc := Document{Key: key, Version: version, Body: []byte(body)}
	if ts, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		doc.UpdatedAt = ts
	}
	return doc, nil
}

// Save writes the document if its version is current.
func (s *SQLiteStore) Save(ctx context.Context, doc Document) (Document, error) {
	if err := validateKey(doc.Key); err != nil {
		return Document{}, err
	}

	now := time.Now().UTC()
	stamp := now.Format(time.RFC3339Nano)

	var (
		res sql.Result
		err error
	)
	if doc.Version == 0 {
		res, err = s.db.ExecContext(ctx, sqliteInsertSQL, doc.Key, string(doc.Body), stamp)
	} else {
		res, err = s.db.ExecContext(ctx, sqliteUpdateSQL, string(doc.Body), stamp, doc.Key, doc.Version)
	}
	if err != nil {
		return Document{}, fmt.Errorf("sqlite save %s: %w", doc.Key, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return Document{}, fmt.Errorf("sqlite save %s: %w", doc.Key, err)
	}
	if affected == 0 {
		return Document{}, fmt.Errorf("%w: %s at version %d", ErrVersionConflict, doc.Key, doc.Version)
	}

	saved := doc
	saved.Version = doc.Version + 1
	saved.UpdatedAt = now
	return saved, nil
}

// Close closes the database handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ StateStore = (*SQLiteStore)(nil)
