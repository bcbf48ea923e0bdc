package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"
)

var (
	// ErrNotConfigured indicates the storage backend was not initialised.
	ErrNotConfigured = errors.New("storage: backend not configured")
	// ErrVersionConflict is returned when a document changed since it was loaded.
	ErrVersionConflict = errors.New("storage: document version conflict")
	// ErrCorruptDocument marks a stored body that could not be decoded.
	ErrCorruptDocument = errors.New("storage: corrupt document")
	// ErrInvalidKey rejects keys that cannot be mapped onto every backend.
	ErrInvalidKey = errors.New("storage: invalid document key")
)

var keyPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]{0,127}$`)

// Document is one logical JSON state document.
type Document struct {
	Key       string
	Version   int64
	Body      json.RawMessage
	UpdatedAt time.Time
}

// Empty reports whether the document carries no stored body.
func (d Document) Empty() bool {
	return len(d.Body) == 0
}

// StateStore persists JSON documents with per-key optimistic locking.
// Load of a missing key returns a zero-version Document and no error.
// Save succeeds only when doc.Version matches the stored version and
// returns the document with its new version.
type StateStore interface {
	Load(ctx context.Context, key string) (Document, error)
	Save(ctx context.Context, doc Document) (Document, error)
	Close() error
}

// AdvisoryLocker exposes cross-process lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

func validateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}
