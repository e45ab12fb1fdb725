// Package memory provides an in-process credential store. Users are lost on
// restart; it is intended for tests and for servers seeded from configuration.
package memory

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/marmos91/dittoweb/pkg/store/credential"
)

// MemoryStore keeps password hashes in a map guarded by a read-write mutex.
type MemoryStore struct {
	mu     sync.RWMutex
	users  map[string][]byte
	closed atomic.Bool
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string][]byte)}
}

// Connect returns a handle sharing the store's map.
func (s *MemoryStore) Connect(ctx context.Context) (credential.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, credential.ErrStoreClosed
	}
	return &handle{store: s}, nil
}

func (s *MemoryStore) Healthcheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed.Load() {
		return credential.ErrStoreClosed
	}
	return nil
}

// Len returns the number of stored users.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}

func (s *MemoryStore) Close() error {
	s.closed.Store(true)
	return nil
}

type handle struct {
	store  *MemoryStore
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

	h.store.mu.RLock()
	defer h.store.mu.RUnlock()

	hash, ok := h.store.users[username]
	if !ok {
		return nil, credential.ErrUserNotFound
	}
	return append([]byte(nil), hash...), nil
}

func (h *handle) Insert(ctx context.Context, username string, hash []byte) error {
	if err := h.check(ctx); err != nil {
		return err
	}

	h.store.mu.Lock()
	defer h.store.mu.Unlock()

	if _, ok := h.store.users[username]; ok {
		return credential.ErrUserExists
	}
	h.store.users[username] = append([]byte(nil), hash...)
	return nil
}

func (h *handle) Close() error {
	h.closed.Store(true)
	return nil
}
