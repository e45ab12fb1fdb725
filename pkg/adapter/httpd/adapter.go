// Package httpd serves static files and the login/registration forms over
// HTTP/1.1 with an epoll reactor.
//
// One I/O goroutine owns the listening socket, the connection table and the idle
// timer heap. It accepts connections, reads request bytes and writes responses.
// Parsing, credential checks and response building run on a worker pool. Every
// client descriptor is registered one-shot and re-armed by whichever side
// finishes its step, so a connection is never read, processed and written
// concurrently.
package httpd

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/marmos91/dittoweb/internal/logger"
	"github.com/marmos91/dittoweb/internal/poller"
	"github.com/marmos91/dittoweb/internal/protocol/http1"
	"github.com/marmos91/dittoweb/internal/ratelimiter"
	"github.com/marmos91/dittoweb/internal/timer"
	"github.com/marmos91/dittoweb/internal/workerpool"
	"github.com/marmos91/dittoweb/pkg/metrics"
	"github.com/marmos91/dittoweb/pkg/store/credential"
)

// HTTPAdapter implements the adapter.Adapter interface for HTTP/1.1.
//
// Shutdown flow:
//  1. Context cancelled or Stop() called
//  2. Listener closed (no new connections)
//  3. Idle connections closed, in-flight responses allowed to finish
//  4. After ShutdownTimeout the remaining connections are force-closed
//  5. Worker pool and poller released, Serve returns
type HTTPAdapter struct {
	config  HTTPConfig
	respCfg http1.ResponseConfig
	creds   *credential.Pool
	metrics metrics.HTTPMetrics
	limiter *ratelimiter.Limiter

	// mu guards conns, timers, nextID and the poller lifetime. Timer callbacks
	// run with mu held.
	mu           sync.Mutex
	conns        map[int]*conn
	timers       *timer.Heap
	nextID       uint64
	pollr        *poller.Poller
	pollerClosed bool
	workers      *workerpool.Pool

	listenFd  int
	boundPort atomic.Int32
	connCount atomic.Int32
	requests  atomic.Uint64
	bytesSent atomic.Uint64

	// requestCtx is passed to credential lookups and cancelled when the
	// remaining connections are force-closed.
	requestCtx     context.Context
	cancelRequests context.CancelFunc

	started      atomic.Bool
	shutdownOnce sync.Once
	shutdown     chan struct{}
	ready        chan struct{}
	done         chan struct{}
	serveErr     error
}

// New creates a new HTTPAdapter. httpMetrics may be nil for no metrics.
//
// Until SetCredentials is called every login and registration fails.
//
// Panics if the configuration is invalid.
func New(config HTTPConfig, httpMetrics metrics.HTTPMetrics) *HTTPAdapter {
	config.ApplyDefaults()
	if err := config.validate(); err != nil {
		panic(fmt.Sprintf("invalid HTTP config: %v", err))
	}

	if httpMetrics == nil {
		httpMetrics = metrics.NewNoopHTTPMetrics()
	}

	requestCtx, cancelRequests := context.WithCancel(context.Background())

	a := &HTTPAdapter{
		config: config,
		respCfg: http1.ResponseConfig{
			Root:             config.DocumentRoot,
			KeepAliveMax:     config.KeepAliveMax,
			KeepAliveTimeout: config.IdleTimeout,
		},
		metrics:        httpMetrics,
		limiter:        ratelimiter.New(config.AcceptRate.RequestsPerSecond, config.AcceptRate.Burst),
		conns:          make(map[int]*conn),
		timers:         timer.New(nil),
		listenFd:       -1,
		requestCtx:     requestCtx,
		cancelRequests: cancelRequests,
		shutdown:       make(chan struct{}),
		ready:          make(chan struct{}),
		done:           make(chan struct{}),
	}
	a.boundPort.Store(int32(config.Port))
	return a
}

// SetCredentials injects the shared credential pool used by the login and
// registration forms. Called once before Serve.
func (a *HTTPAdapter) SetCredentials(pool *credential.Pool) {
	a.creds = pool
}

// Serve binds the listener and runs the reactor until ctx is cancelled or Stop is
// called.
//
// Returns nil after a graceful shutdown, an error if the listener could not be set
// up, or an error naming the connections force-closed after ShutdownTimeout.
//
// Serve must only be called once per HTTPAdapter.
func (a *HTTPAdapter) Serve(ctx context.Context) error {
	a.started.Store(true)
	defer close(a.done)

	if err := a.setup(); err != nil {
		a.serveErr = err
		a.cancelRequests()
		return err
	}
	close(a.ready)

	logger.Info("HTTP server listening on port %d (root: %s)", a.Port(), a.config.DocumentRoot)
	logger.Debug("HTTP config: workers=%d max_connections=%d idle_timeout=%v listen_et=%v conn_et=%v linger=%v",
		a.config.Workers, a.config.MaxConnections, a.config.IdleTimeout,
		a.config.ListenEdgeTriggered, a.config.ConnEdgeTriggered, a.config.Linger)

	go func() {
		select {
		case <-ctx.Done():
			logger.Info("HTTP shutdown signal received: %v", ctx.Err())
			a.initiateShutdown()
		case <-a.done:
		}
	}()

	if a.config.MetricsLogInterval > 0 {
		go a.logMetrics()
	}

	a.serveErr = a.loop()
	a.teardown()
	return a.serveErr
}

// setup creates the listener, the poller and the worker pool.
func (a *HTTPAdapter) setup() error {
	fd, port, err := listenSocket(a.config.Port, a.config.Backlog, a.config.Linger)
	if err != nil {
		return fmt.Errorf("failed to create HTTP listener on port %d: %w", a.config.Port, err)
	}

	p, err := poller.New(poller.DefaultMaxEvents)
	if err != nil {
		closeFd(fd)
		return fmt.Errorf("failed to create poller: %w", err)
	}

	if err := p.Register(fd, a.listenEvents()); err != nil {
		closeFd(fd)
		_ = p.Close()
		return fmt.Errorf("failed to register listener: %w", err)
	}

	a.mu.Lock()
	a.listenFd = fd
	a.pollr = p
	a.workers = workerpool.New(a.config.Workers)
	a.mu.Unlock()
	a.boundPort.Store(int32(port))
	return nil
}

// teardown releases what setup created once the loop has exited.
func (a *HTTPAdapter) teardown() {
	a.cancelRequests()

	a.mu.Lock()
	a.closeListenerLocked()
	for _, c := range a.conns {
		a.closeLocked(c)
	}
	a.timers.Clear()
	a.mu.Unlock()

	a.workers.Close()

	a.mu.Lock()
	if err := a.pollr.Close(); err != nil {
		logger.Debug("Error closing poller: %v", err)
	}
	a.pollerClosed = true
	a.mu.Unlock()
	logger.Info("HTTP server stopped")
}

// initiateShutdown signals the loop to stop accepting and drain. Safe to call
// more than once and from any goroutine.
func (a *HTTPAdapter) initiateShutdown() {
	a.shutdownOnce.Do(func() {
		logger.Debug("HTTP shutdown initiated")
		close(a.shutdown)

		a.mu.Lock()
		defer a.mu.Unlock()
		if a.pollr != nil && !a.pollerClosed {
			if err := a.pollr.Wake(); err != nil {
				logger.Debug("Error waking poller: %v", err)
			}
		}
	})
}

func (a *HTTPAdapter) shuttingDown() bool {
	select {
	case <-a.shutdown:
		return true
	default:
		return false
	}
}

// Stop initiates graceful shutdown and waits for Serve to return or ctx to end.
//
// Safe to call multiple times and concurrently with Serve(). Calling Stop on an
// adapter that was never served returns immediately.
func (a *HTTPAdapter) Stop(ctx context.Context) error {
	a.initiateShutdown()

	if !a.started.Load() {
		return nil
	}

	select {
	case <-a.done:
		return a.serveErr
	case <-ctx.Done():
		logger.Warn("HTTP shutdown context cancelled: %d connection(s) still active: %v",
			a.connCount.Load(), ctx.Err())
		return ctx.Err()
	}
}

// Ready is closed once the listener is bound and the reactor is about to run.
func (a *HTTPAdapter) Ready() <-chan struct{} {
	return a.ready
}

// logMetrics periodically logs server counters until Serve returns.
func (a *HTTPAdapter) logMetrics() {
	ticker := time.NewTicker(a.config.MetricsLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.done:
			return
		case <-ticker.C:
			logger.Info("HTTP metrics: active_connections=%d requests=%s sent=%s pending_tasks=%d rejected_by_rate=%d",
				a.connCount.Load(),
				humanize.Comma(int64(a.requests.Load())),
				humanize.Bytes(a.bytesSent.Load()),
				a.workers.Pending(),
				a.limiter.Rejected())
		}
	}
}

// GetActiveConnections returns the current number of open client connections.
func (a *HTTPAdapter) GetActiveConnections() int32 {
	return a.connCount.Load()
}

// Requests returns the number of responses built since Serve started.
func (a *HTTPAdapter) Requests() uint64 {
	return a.requests.Load()
}

// Addr returns the loopback address of the listener, for clients in the same
// process.
func (a *HTTPAdapter) Addr() string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(a.Port()))
}

// Port returns the bound TCP port, or the configured one before Serve binds.
func (a *HTTPAdapter) Port() int {
	return int(a.boundPort.Load())
}

// Protocol returns "HTTP".
func (a *HTTPAdapter) Protocol() string {
	return "HTTP"
}
