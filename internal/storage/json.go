package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNoChange can be returned from an UpdateJSON mutator to skip the save.
var ErrNoChange = errors.New("storage: no change")

const defaultUpdateRetries = 5

// LoadJSON decodes the document stored under key. A missing or empty
// document yields def(). A body that fails to decode also yields def(),
// together with an error wrapping ErrCorruptDocument; callers are expected
// to log it and carry on with the default.
func LoadJSON[T any](ctx context.Context, s StateStore, key string, def func() T) (T, int64, error) {
	if s == nil {
		return def(), 0, ErrNotConfigured
	}
	doc, err := s.Load(ctx, key)
	if err != nil {
		return def(), 0, fmt.Errorf("load %s: %w", key, err)
	}
	value, err := decode(doc, def)
	return value, doc.Version, err
}

// SaveJSON encodes value and saves it against the given version.
func SaveJSON(ctx context.Context, s StateStore, key string, version int64, value any) (int64, error) {
	if s == nil {
		return 0, ErrNotConfigured
	}
	body, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", key, err)
	}
	saved, err := s.Save(ctx, Document{Key: key, Version: version, Body: body})
	if err != nil {
		return 0, fmt.Errorf("save %s: %w", key, err)
	}
	return saved.Version, nil
}

// UpdateJSON runs load, mutate and save, retrying the whole sequence when
// another writer bumped the version in between. mutate may be invoked more
// than once and must only touch the value it is handed.
func UpdateJSON[T any](ctx context.Context, s StateStore, key string, def func() T, retries int, mutate func(*T) error) (T, error) {
	if retries <= 0 {
		retries = defaultUpdateRetries
	}

	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return def(), err
		}

		value, version, err := LoadJSON(ctx, s, key, def)
		if err != nil && !errors.Is(err, ErrCorruptDocument) {
			return def(), err
		}

		if err := mutate(&value); err != nil {
			if errors.Is(err, ErrNoChange) {
				return value, nil
			}
			return value, err
		}

		if _, err := SaveJSON(ctx, s, key, version, value); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				lastErr = err
				continue
			}
			return value, err
		}
		return value, nil
	}
	return def(), fmt.Errorf("update %s after %d attempts: %w", key, retries, lastErr)
}

func decode[T any](doc Document, def func() T) (T, error) {
	trimmed := bytes.TrimSpace(doc.Body)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return def(), nil
	}
	value := def()
	if err := json.Unmarshal(trimmed, &value); err != nil {
		return def(), fmt.Errorf("%w: %s: %v", ErrCorruptDocument, doc.Key, err)
	}
	return value, nil
}

// IsCorrupt reports whether err came from an undecodable document.
func IsCorrupt(err error) bool {
	return errors.Is(err, ErrCorruptDocument)
}
