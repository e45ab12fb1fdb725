package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/marmos91/dittoweb/internal/logger"
	"github.com/marmos91/dittoweb/pkg/adapter"
	"github.com/marmos91/dittoweb/pkg/store/credential"
)

// DefaultStopTimeout bounds how long each adapter's Stop may take.
const DefaultStopTimeout = 30 * time.Second

// ErrAlreadyServed is returned by a second call to Serve.
var ErrAlreadyServed = errors.New("server: Serve already called")

// DittoWebServer manages the lifecycle of the protocol adapters that share a
// credential pool.
//
// Lifecycle:
//  1. Creation: New() with the shared credential pool
//  2. Registration: AddAdapter() for each adapter
//  3. Startup: Serve() starts all adapters concurrently
//  4. Shutdown: Context cancellation or an adapter failure stops every adapter,
//     then the credential pool is closed
//
// Example usage:
//
//	srv := server.New(pool)
//	if err := srv.AddAdapter(httpd.New(httpConfig, httpMetrics)); err != nil {
//	    log.Fatal(err)
//	}
//
//	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer cancel()
//
//	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
//	    log.Fatal(err)
//	}
type DittoWebServer struct {
	creds *credential.Pool

	// mu protects adapters and served
	mu       sync.Mutex
	adapters []adapter.Adapter
	served   bool

	stopTimeout time.Duration
}

// New creates a server sharing creds between its adapters. creds may be nil, in
// which case every credential check fails.
func New(creds *credential.Pool) *DittoWebServer {
	return &DittoWebServer{
		creds:       creds,
		adapters:    make([]adapter.Adapter, 0, 2),
		stopTimeout: DefaultStopTimeout,
	}
}

// SetStopTimeout overrides DefaultStopTimeout.
func (s *DittoWebServer) SetStopTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopTimeout = d
}

// AddAdapter injects the credential pool into a and registers it.
//
// Returns an error if an adapter for the same protocol or port is already
// registered, or if Serve has been called.
//
// Panics if a is nil.
func (s *DittoWebServer) AddAdapter(a adapter.Adapter) error {
	if a == nil {
		panic("adapter cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.served {
		return fmt.Errorf("cannot add %s adapter after Serve() has been called", a.Protocol())
	}

	protocol := a.Protocol()
	port := a.Port()

	for _, existing := range s.adapters {
		if existing.Protocol() == protocol {
			return fmt.Errorf("adapter for protocol %s already registered", protocol)
		}
		if port != 0 && existing.Port() == port {
			return fmt.Errorf("port %d already in use by %s adapter", port, existing.Protocol())
		}
	}

	a.SetCredentials(s.creds)
	s.adapters = append(s.adapters, a)

	logger.Info("Registered %s adapter on port %d", protocol, port)
	return nil
}

// Serve starts all registered adapters and blocks until ctx is cancelled or an
// adapter fails.
//
// On shutdown every adapter receives Stop() in reverse registration order, Serve
// waits for all of them to return and then closes the credential pool.
//
// Returns:
//   - ctx.Err() when shutdown was triggered by the context
//   - the failing adapter's error, wrapped, when an adapter stopped on its own
//   - ErrAlreadyServed on a second call
func (s *DittoWebServer) Serve(ctx context.Context) error {
	s.mu.Lock()
	if s.served {
		s.mu.Unlock()
		return ErrAlreadyServed
	}
	s.served = true
	if len(s.adapters) == 0 {
		s.mu.Unlock()
		return fmt.Errorf("no adapters registered; call AddAdapter() before Serve()")
	}
	adapters := make([]adapter.Adapter, len(s.adapters))
	copy(adapters, s.adapters)
	stopTimeout := s.stopTimeout
	s.mu.Unlock()

	logger.Info("Starting DittoWeb with %d adapter(s)", len(adapters))

	// Buffered so a failing adapter never blocks after Serve stopped listening.
	errChan := make(chan adapterError, len(adapters))

	var wg sync.WaitGroup
	for _, adp := range adapters {
		wg.Add(1)
		go func(a adapter.Adapter) {
			defer wg.Done()

			protocol := a.Protocol()
			logger.Info("Starting %s adapter on port %d", protocol, a.Port())

			err := a.Serve(ctx)
			switch {
			case err == nil && ctx.Err() != nil:
				logger.Info("%s adapter stopped", protocol)
			case err != nil && ctx.Err() != nil:
				logger.Warn("%s adapter stopped with error: %v", protocol, err)
			default:
				if err == nil {
					err = errors.New("stopped unexpectedly")
				}
				errChan <- adapterError{protocol: protocol, err: err}
			}
		}(adp)
	}

	var shutdownErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received (reason: %v)", ctx.Err())
		shutdownErr = ctx.Err()
	case adapterErr := <-errChan:
		logger.Error("Adapter %s failed: %v - initiating shutdown of all adapters",
			adapterErr.protocol, adapterErr.err)
		shutdownErr = fmt.Errorf("%s adapter error: %w", adapterErr.protocol, adapterErr.err)
	}

	stopAll(adapters, stopTimeout)

	logger.Debug("Waiting for all adapters to complete shutdown")
	wg.Wait()

	if s.creds != nil {
		if err := s.creds.Close(); err != nil {
			logger.Warn("Error closing credential pool: %v", err)
		}
	}

	logger.Info("DittoWeb stopped")
	return shutdownErr
}

type adapterError struct {
	protocol string
	err      error
}

// stopAll stops adapters in reverse registration order, sharing one timeout.
func stopAll(adapters []adapter.Adapter, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	logger.Info("Initiating graceful shutdown of %d adapter(s)", len(adapters))

	for i := len(adapters) - 1; i >= 0; i-- {
		adp := adapters[i]
		protocol := adp.Protocol()

		logger.Debug("Stopping %s adapter (port %d)", protocol, adp.Port())
		if err := adp.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Error stopping %s adapter: %v", protocol, err)
		}
	}
}

// Adapters returns a copy of the registered adapters.
func (s *DittoWebServer) Adapters() []adapter.Adapter {
	s.mu.Lock()
	defer s.mu.Unlock()

	adapters := make([]adapter.Adapter, len(s.adapters))
	copy(adapters, s.adapters)
	return adapters
}
