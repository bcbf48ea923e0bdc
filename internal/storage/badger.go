package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
)

const badgerKeyPrefix = "state/"

// BadgerOptions configures the embedded KV backend.
type BadgerOptions struct {
	Path       string
	InMemory   bool
	SyncWrites bool
}

// BadgerStore keeps documents in an embedded badger database. Version checks
// run inside a read-write transaction, so badger's own conflict detection
// also catches writers racing between the read and the commit.
type BadgerStore struct {
	db *badger.DB
}

type badgerEnvelope struct {
	Version   int64           `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
	Body      json.RawMessage `json:"body"`
}

type badgerLogger struct {
	logger zerolog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error().Msgf(format, args...)
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn().Msgf(format, args...)
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug().Msgf(format, args...)
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Trace().Msgf(format, args...)
}

// OpenBadger opens (or creates) the badger database.
func OpenBadger(opts BadgerOptions, logger zerolog.Logger) (*BadgerStore, error) {
	if !opts.InMemory && opts.Path == "" {
		return nil, errors.New("badger path is required for persistent state")
	}

	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(opts.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create badger dir %s: %w", opts.Path, err)
		}
		bopts = badger.DefaultOptions(opts.Path)
	}
	bopts = bopts.WithSyncWrites(opts.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(badgerLogger{logger: logger})

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// Load fetches a document.
func (s *BadgerStore) Load(ctx context.Context, key string) (Document, error) {
	if err := validateKey(key); err != nil {
		return Document{}, err
	}
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}

	doc := Document{Key: key}
	err := s.db.View(func(txn *badger.Txn) error {
		env, found, err := readEnvelope(txn, key)
		if err != nil || !found {
			return err
		}
		doc.Version = env.Version
		doc.UpdatedAt = env.UpdatedAt
		doc.Body = env.Body
		return nil
	})
	if err != nil {
		return Document{}, fmt.Errorf("badger load %s: %w", key, err)
	}
	return doc, nil
}

// Save writes the document if its version is current.
func (s *BadgerStore) Save(ctx context.Context, doc Document) (Document, error) {
	if err := validateKey(doc.Key); err != nil {
		return Document{}, err
	}
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}

	saved := doc
	err := s.db.Update(func(txn *badger.Txn) error {
		env, _, err := readEnvelope(txn, doc.Key)
		if err != nil {
			return err
		}
		if env.Version != doc.Version {
			return fmt.Errorf("%w: %s at %d, saving %d", ErrVersionConflict, doc.Key, env.Version, doc.Version)
		}

		next := badgerEnvelope{
			Version:   doc.Version + 1,
			UpdatedAt: time.Now().UTC(),
			Body:      doc.Body,
		}
		raw, err := json.Marshal(next)
		if err != nil {
			return err
		}
		if err := txn.Set([]byte(badgerKeyPrefix+doc.Key), raw); err != nil {
			return err
		}
		saved.Version = next.Version
		saved.UpdatedAt = next.UpdatedAt
		return nil
	})
	if err != nil {
		if errors.Is(err, badger.ErrConflict) {
			return Document{}, fmt.Errorf("%w: %s", ErrVersionConflict, doc.Key)
		}
		return Document{}, fmt.Errorf("badger save %s: %w", doc.Key, err)
	}
	return saved, nil
}

// Close flushes and closes the database.
func (s *BadgerStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func readEnvelope(txn *badger.Txn, key string) (badgerEnvelope, bool, error) {
	item, err := txn.Get([]byte(badgerKeyPrefix + key))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return badgerEnvelope{}, false, nil
		}
		return badgerEnvelope{}, false, err
	}
	var env badgerEnvelope
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &env)
	})
	if err != nil {
		return badgerEnvelope{}, false, err
	}
	return env, true, nil
}

var _ StateStore = (*BadgerStore)(nil)
