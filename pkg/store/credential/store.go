// Package credential stores user credentials and verifies login and registration
// requests against them.
//
// A Store is the backing database. Workers never use it directly: they borrow a
// Handle from a fixed-size Pool, so the number of concurrent credential lookups is
// bounded and workers block (with a context) when every handle is busy.
package credential

import (
	"context"
	"errors"
)

var (
	// ErrUserNotFound is returned by Handle.Lookup when the user is absent.
	ErrUserNotFound = errors.New("credential: user not found")

	// ErrUserExists is returned by Handle.Insert when the user is already stored.
	ErrUserExists = errors.New("credential: user already exists")

	// ErrPoolClosed is returned by Pool.Acquire after Close.
	ErrPoolClosed = errors.New("credential: pool closed")

	// ErrStoreClosed is returned by handles whose store has been closed.
	ErrStoreClosed = errors.New("credential: store closed")
)

// Store is a credential database.
//
// Implementations must be safe for concurrent use: handles obtained from the same
// store are used from different goroutines at the same time.
type Store interface {
	// Connect opens a new handle on the store. The pool calls it once per slot.
	Connect(ctx context.Context) (Handle, error)

	// Healthcheck verifies the store is operational.
	Healthcheck(ctx context.Context) error

	// Close releases the store. Handles become unusable.
	Close() error
}

// Handle is one connection to a Store.
//
// Lookups are keyed by username only; usernames and hashes are passed as values and
// never interpolated into a query.
type Handle interface {
	// Lookup returns the stored password hash for username, or ErrUserNotFound.
	Lookup(ctx context.Context, username string) ([]byte, error)

	// Insert stores hash for username, or returns ErrUserExists.
	Insert(ctx context.Context, username string, hash []byte) error

	// Close releases the handle.
	Close() error
}
