// Package settings is the persisted key-value store for device identity,
// cached binding results and other small records that must survive restarts.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a key has no stored value.
var ErrNotFound = errors.New("settings: key not found")

// Store wraps a badger database with string keys and JSON helpers.
type Store struct {
	db *badger.DB
}

// Options configures the store.
type Options struct {
	// Dir is the data directory. Required unless InMemory is set.
	Dir string
	// InMemory runs badger without disk persistence, for tests.
	InMemory bool
	// Logger receives badger's warnings and errors. Optional.
	Logger *zap.Logger
}

// Open executes the open function.
func Open(opts Options) (*Store, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("settings: data directory is required")
	}
	dbOpts := badger.DefaultOptions(opts.Dir)
	if opts.InMemory {
		dbOpts = dbOpts.WithInMemory(true)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	dbOpts = dbOpts.WithLogger(zapBadgerLogger{logger: opts.Logger.Sugar()})

	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("open settings store: %w", err)
	}
	return &Store{db: db}, nil
}

// Get returns the raw value stored under key.
func (s *Store) Get(key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	return value, err
}

// Set stores value under key.
func (s *Store) Set(key string, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

// Delete removes key. Missing keys are not an error.
func (s *Store) Delete(key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	return err
}

// GetString returns the value under key as a string.
func (s *Store) GetString(key string) (string, error) {
	value, err := s.Get(key)
	if err != nil {
		return "", err
	}
	return string(value), nil
}

// SetString stores a string value under key.
func (s *Store) SetString(key string, value string) error {
	return s.Set(key, []byte(value))
}

// GetJSON unmarshals the value under key into out.
func (s *Store) GetJSON(key string, out any) error {
	value, err := s.Get(key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(value, out); err != nil {
		return fmt.Errorf("decode settings value %q: %w", key, err)
	}
	return nil
}

// SetJSON marshals value and stores it under key.
func (s *Store) SetJSON(key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode settings value %q: %w", key, err)
	}
	return s.Set(key, data)
}

// Close executes the close method.
func (s *Store) Close() error {
	return s.db.Close()
}

// zapBadgerLogger adapts zap to badger's logger, dropping info and debug.
type zapBadgerLogger struct {
	logger *zap.SugaredLogger
}

func (l zapBadgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf("badger: "+format, args...)
}

func (l zapBadgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warnf("badger: "+format, args...)
}

func (l zapBadgerLogger) Infof(string, ...interface{})  {}
func (l zapBadgerLogger) Debugf(string, ...interface{}) {}
