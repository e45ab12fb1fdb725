package adapter

import (
	"context"

	"github.com/marmos91/dittoweb/pkg/store/credential"
)

// Adapter represents a protocol server that can be managed by the DittoWeb server.
//
// Every adapter shares the credential pool owned by the server, so a user
// registered through one adapter can log in through any other.
//
// Lifecycle:
//  1. Creation: Adapter is created with protocol-specific configuration
//  2. Injection: SetCredentials() provides the shared credential pool
//  3. Startup: Serve() binds and blocks until shutdown
//  4. Shutdown: Stop() initiates graceful shutdown with timeout
//
// Thread safety:
// Implementations must be safe for concurrent use. SetCredentials() is called
// once before Serve(), but Stop() may be called concurrently with Serve().
type Adapter interface {
	// Serve starts the protocol server and blocks until the context is cancelled
	// or an unrecoverable error occurs.
	//
	// When the context is cancelled, Serve must stop accepting new connections,
	// let in-flight requests finish within its shutdown timeout and release its
	// resources.
	//
	// Returns:
	//   - nil on graceful shutdown
	//   - error if startup fails or shutdown is not graceful
	Serve(ctx context.Context) error

	// SetCredentials injects the shared credential pool. A nil pool makes every
	// credential check fail.
	SetCredentials(pool *credential.Pool)

	// Stop initiates graceful shutdown of the protocol server.
	//
	// Must be idempotent and safe to call concurrently with Serve(). ctx bounds
	// how long Stop waits for Serve to return.
	Stop(ctx context.Context) error

	// Protocol returns the human-readable protocol name for logging and metrics.
	//
	// The returned value should be constant for the lifecycle of the adapter.
	Protocol() string

	// Port returns the TCP port the adapter is listening on.
	//
	// Returns the configured port before Serve() binds.
	Port() int
}
