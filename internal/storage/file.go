package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileStore keeps each document in <dir>/<key>.json. Versions are tracked
// in-process only, so concurrent writers inside one process are detected but
// separate processes sharing a directory are not.
type FileStore struct {
	dir      string
	mu       sync.Mutex
	versions map[string]int64
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &FileStore{dir: dir, versions: make(map[string]int64)}, nil
}

// Load reads the document; a missing file is an empty document.
func (s *FileStore) Load(ctx context.Context, key string) (Document, error) {
	if err := validateKey(key); err != nil {
		return Document{}, err
	}
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc := Document{Key: key, Version: s.versions[key]}
	path := s.path(key)
	body, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return doc, nil
		}
		return Document{}, fmt.Errorf("read %s: %w", path, err)
	}
	doc.Body = body
	if info, statErr := os.Stat(path); statErr == nil {
		doc.UpdatedAt = info.ModTime().UTC()
	}
	return doc, nil
}

// Save overwrites the whole file when the version matches.
func (s *FileStore) Save(ctx context.Context, doc Document) (Document, error) {
	if err := validateKey(doc.Key); err != nil {
		return Document{}, err
	}
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if current := s.versions[doc.Key]; current != doc.Version {
		return Document{}, fmt.Errorf("%w: %s at %d, saving %d", ErrVersionConflict, doc.Key, current, doc.Version)
	}

	body := doc.Body
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err == nil {
		body = pretty.Bytes()
	}

	path := s.path(doc.Key)
	tmp, err := os.CreateTemp(s.dir, "."+doc.Key+".*.tmp")
	if err != nil {
		return Document{}, fmt.Errorf("create temp for %s: %w", doc.Key, err)
	}
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return Document{}, fmt.Errorf("write %s: %w", doc.Key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return Document{}, fmt.Errorf("close %s: %w", doc.Key, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return Document{}, fmt.Errorf("replace %s: %w", path, err)
	}

	s.versions[doc.Key] = doc.Version + 1
	saved := doc
	saved.Version = doc.Version + 1
	saved.Body = body
	if info, statErr := os.Stat(path); statErr == nil {
		saved.UpdatedAt = info.ModTime().UTC()
	}
	return saved, nil
}

// Close is a no-op for files.
func (s *FileStore) Close() error { return nil }

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, key+".json")
}

var _ StateStore = (*FileStore)(nil)
