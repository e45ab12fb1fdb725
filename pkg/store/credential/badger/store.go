// Package badger provides a persistent credential store backed by BadgerDB.
package badger

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/marmos91/dittoweb/internal/logger"
	"github.com/marmos91/dittoweb/pkg/store/credential"
)

// userPrefix namespaces credential keys: "user/<name>" -> bcrypt hash.
const userPrefix = "user/"

// BadgerStoreConfig configures a BadgerStore.
type BadgerStoreConfig struct {
	// DBPath is the directory where BadgerDB keeps its files. It is created if
	// missing.
	DBPath string `mapstructure:"db_path"`

	// InMemory runs BadgerDB without touching disk. DBPath is ignored.
	InMemory bool `mapstructure:"in_memory"`
}

// BadgerStore keeps one key per user in a BadgerDB database.
//
// Handles share the single *badger.DB, which is safe for concurrent use. Insert
// runs the existence check and the write in one read-write transaction, so two
// concurrent registrations of the same name cannot both succeed: the loser either
// sees the key or fails to commit with a conflict.
type BadgerStore struct {
	db     *badger.DB
	path   string
	closed atomic.Bool
}

// NewBadgerStore opens (or creates) the database described by cfg.
func NewBadgerStore(ctx context.Context, cfg BadgerStoreConfig) (*BadgerStore, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !cfg.InMemory && cfg.DBPath == "" {
		return nil, errors.New("badger credential store: db_path is required")
	}

	opts := badger.DefaultOptions(cfg.DBPath)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithLoggingLevel(badger.WARNING)
	opts = opts.WithCompression(options.None)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB at %s: %w", cfg.DBPath, err)
	}

	logger.Info("Credential store opened (badger, path=%s)", cfg.DBPath)
	return &BadgerStore{db: db, path: cfg.DBPath}, nil
}

func (s *BadgerStore) Connect(ctx context.Context) (credential.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, credential.ErrStoreClosed
	}
	return &handle{store: s}, nil
}

// Healthcheck runs an empty read transaction.
func (s *BadgerStore) Healthcheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed.Load() {
		return credential.ErrStoreClosed
	}
	return s.db.View(func(txn *badger.Txn) error { return nil })
}

// Count returns the number of stored users.
func (s *BadgerStore) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s.closed.Load() {
		return 0, credential.ErrStoreClosed
	}

	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(userPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// Close closes the database. It is safe to call more than once.
func (s *BadgerStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close BadgerDB at %s: %w", s.path, err)
	}
	return nil
}

func userKey(username string) []byte {
	return []byte(userPrefix + username)
}

type handle struct {
	store  *BadgerStore
	closed atomic.Bool
}

func (h *handle) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if h.closed.Load() || h.store.closed.Load() {
		return credential.ErrStoreClosed
	}
	return nil
}

func (h *handle) Lookup(ctx context.Context, username string) ([]byte, error) {
	if err := h.check(ctx); err != nil {
		return nil, err
	}

	var hash []byte
	err := h.store.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(userKey(username))
		if err != nil {
			return err
		}
		hash, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, credential.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read user %q: %w", username, err)
	}
	return hash, nil
}

func (h *handle) Insert(ctx context.Context, username string, hash []byte) error {
	if err := h.check(ctx); err != nil {
		return err
	}

	err := h.store.db.Update(func(txn *badger.Txn) error {
		key := userKey(username)
		_, err := txn.Get(key)
		if err == nil {
			return credential.ErrUserExists
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, hash)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, credential.ErrUserExists), errors.Is(err, badger.ErrConflict):
		return credential.ErrUserExists
	default:
		return fmt.Errorf("failed to write user %q: %w", username, err)
	}
}

func (h *handle) Close() error {
	h.closed.Store(true)
	return nil
}
