package httpd

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/marmos91/dittoweb/internal/logger"
	"github.com/marmos91/dittoweb/internal/poller"
	"github.com/marmos91/dittoweb/internal/protocol/http1"
	"github.com/marmos91/dittoweb/pkg/store/credential"
	"golang.org/x/sys/unix"
)

// evictRetry is how soon an eviction deferred by a busy worker is retried.
const evictRetry = 50 * time.Millisecond

func (a *HTTPAdapter) listenEvents() poller.Events {
	events := poller.Readable | poller.PeerHangup
	if a.config.ListenEdgeTriggered {
		events |= poller.EdgeTriggered
	}
	return events
}

// connEvents returns the one-shot registration for a client socket waiting
// for interest.
func (a *HTTPAdapter) connEvents(interest poller.Events) poller.Events {
	events := interest | poller.PeerHangup | poller.OneShot
	if a.config.ConnEdgeTriggered {
		events |= poller.EdgeTriggered
	}
	return events
}

// loop runs the reactor until shutdown completes.
func (a *HTTPAdapter) loop() error {
	var drainDeadline time.Time

	for {
		if a.shuttingDown() {
			if drainDeadline.IsZero() {
				drainDeadline = time.Now().Add(a.config.ShutdownTimeout)
				a.beginDrain()
			}
			if a.GetActiveConnections() == 0 {
				logger.Info("HTTP graceful shutdown complete: all connections closed")
				return nil
			}
			if !time.Now().Before(drainDeadline) {
				return a.forceClose()
			}
		}

		timeout := a.tick()
		if !drainDeadline.IsZero() {
			untilDeadline := time.Until(drainDeadline)
			if timeout < 0 || untilDeadline < time.Duration(timeout)*time.Millisecond {
				timeout = durationToMs(untilDeadline)
			}
		}

		events, err := a.pollr.Wait(timeout)
		if err != nil {
			return fmt.Errorf("HTTP reactor: %w", err)
		}
		a.dispatch(events)
	}
}

// tick fires expired idle timers and returns the poller timeout in
// milliseconds, -1 when no timer is pending.
func (a *HTTPAdapter) tick() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.timers.Tick()
	next, ok := a.timers.NextDeadline()
	if !ok {
		return -1
	}
	return durationToMs(next)
}

// durationToMs rounds up so a timer never wakes the loop just before it expires.
func durationToMs(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Millisecond - 1) / time.Millisecond)
}

// dispatch handles one batch of ready descriptors. New connections are accepted
// after the batch so that a descriptor number closed earlier in the batch can
// not be handed to a new connection while a stale event for it is still queued.
func (a *HTTPAdapter) dispatch(events []poller.Event) {
	acceptPending := false

	for _, ev := range events {
		if ev.Fd == a.listenFd {
			acceptPending = true
			continue
		}

		a.mu.Lock()
		c, ok := a.conns[ev.Fd]
		a.mu.Unlock()
		if !ok {
			logger.Debug("Event %s for unknown descriptor %d", ev.Events, ev.Fd)
			continue
		}

		switch {
		case ev.Closed():
			a.close(c)
		case ev.Readable():
			a.handleRead(c, ev.PeerClosed())
		case ev.Writable():
			a.handleWrite(c, ev.PeerClosed())
		default:
			logger.Error("Unexpected event %s on connection %s", ev.Events, c.addr)
		}
	}

	if acceptPending && !a.shuttingDown() {
		a.accept()
	}
}

// accept admits pending connections. A full table or an exhausted accept rate
// sends the busy reply instead.
func (a *HTTPAdapter) accept() {
	for {
		fd, addr, err := acceptConn(a.listenFd)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				return
			}
			if retryAccept(err) {
				continue
			}
			logger.Warn("Error accepting HTTP connection: %v", err)
			return
		}

		switch {
		case int(a.connCount.Load()) >= a.config.MaxConnections:
			logger.Warn("Clients are full, rejecting %s", addr)
			a.metrics.RecordConnectionRejected("busy")
			sendBusy(fd, addr)
		case !a.limiter.Admit():
			logger.Debug("Accept rate exceeded, rejecting %s", addr)
			a.metrics.RecordConnectionRejected("rate")
			sendBusy(fd, addr)
		default:
			a.register(fd, addr)
		}

		if !a.config.ListenEdgeTriggered {
			return
		}
	}
}

func (a *HTTPAdapter) register(fd int, addr string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.nextID++
	c := newConn(a.nextID, fd, addr, a.config.MaxBodyBytes, a.respCfg)

	if err := a.pollr.Register(fd, a.connEvents(poller.Readable)); err != nil {
		logger.Warn("Failed to register connection %s: %v", addr, err)
		closeFd(fd)
		return
	}

	a.conns[fd] = c
	a.timers.Add(c.id, a.config.IdleTimeout, func() { a.evictLocked(c) })

	active := a.connCount.Add(1)
	a.metrics.RecordConnectionAccepted()
	a.metrics.SetActiveConnections(active)
	logger.Debug("HTTP connection accepted from %s (active: %d)", addr, active)
}

// extend pushes a connection's idle deadline out by the idle timeout.
func (a *HTTPAdapter) extend(c *conn) {
	a.mu.Lock()
	a.timers.Adjust(c.id, a.config.IdleTimeout)
	a.mu.Unlock()
}

// handleRead runs on the I/O goroutine: it reads what is available and hands the
// connection to a worker. A request that arrived before the peer half-closed is
// still answered.
func (a *HTTPAdapter) handleRead(c *conn, peerClosed bool) {
	a.extend(c)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.evictPending.Load() {
		c.mu.Unlock()
		a.evict(c)
		return
	}

	n, err := c.read(a.config.ConnEdgeTriggered)
	eof := errors.Is(err, io.EOF)
	if peerClosed || eof {
		c.peerClosed = true
	}
	switch {
	case eof && n > 0:
	case err != nil:
		c.mu.Unlock()
		if !eof {
			logger.Debug("Read error on %s: %v", c.addr, err)
		}
		a.close(c)
		return
	case c.peerClosed && c.readBuf.ReadableBytes() == 0:
		c.mu.Unlock()
		a.close(c)
		return
	}
	c.state = stateProcessing
	c.mu.Unlock()

	a.submit(c)
}

func (a *HTTPAdapter) submit(c *conn) {
	if err := a.workers.Submit(func() { a.process(c) }); err != nil {
		logger.Debug("Cannot schedule %s: %v", c.addr, err)
		a.close(c)
		return
	}
	a.metrics.SetPendingTasks(a.workers.Pending())
}

// process runs on a worker: it advances the parser and, once a request is
// complete or malformed, builds the response and arms the socket for writing.
// With an incomplete request it arms the socket for reading again.
//
// The worker never takes the adapter mutex while holding c.mu; closes it has to
// perform happen after c.mu is released.
func (a *HTTPAdapter) process(c *conn) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	interest := poller.Readable
	c.state = stateReading
	built := a.build(c)
	if built {
		interest = poller.Writable
		c.state = stateWriting
	}

	switch {
	case c.evictPending.Load():
		c.mu.Unlock()
		a.evict(c)
		return
	case !built && c.peerClosed:
		// The rest of the request can never arrive.
		c.mu.Unlock()
		a.close(c)
		return
	}

	if err := a.pollr.Modify(c.fd, a.connEvents(interest)); err != nil && !errors.Is(err, poller.ErrClosed) {
		logger.Warn("Failed to re-arm %s: %v", c.addr, err)
	}
	c.mu.Unlock()
}

// build parses buffered bytes and writes the response into the connection. It
// returns false when more request bytes are needed.
func (a *HTTPAdapter) build(c *conn) bool {
	if c.readBuf.ReadableBytes() == 0 {
		return false
	}

	start := time.Now()
	complete, err := c.req.Parse(c.readBuf)

	switch {
	case errors.Is(err, http1.ErrBodyTooLarge):
		logger.Debug("Rejecting request from %s: %v", c.addr, err)
		c.resp.Init(c.req.Path, false, http1.StatusPayloadTooLarge)
	case err != nil:
		logger.Debug("Bad request from %s: %v", c.addr, err)
		c.resp.Init(c.req.Path, false, http1.StatusBadRequest)
	case !complete:
		return false
	default:
		c.resp.Init(a.route(c.req), c.req.IsKeepAlive() && !c.peerClosed, 0)
	}

	c.resp.Build(c.writeBuf)
	c.body = c.resp.File()

	method := c.req.Method
	if method == "" {
		method = "INVALID"
	}
	a.requests.Add(1)
	a.metrics.RecordRequest(method, c.resp.Code(), time.Since(start))
	logger.Debug("%s %s -> %d %s (%d bytes) [%s]",
		method, c.req.Path, c.resp.Code(), c.resp.Path(), c.resp.BodyLen(), c.addr)

	c.req.Reset()
	return true
}

// route returns the path to serve for a complete request, running the
// credential check for login and registration forms.
func (a *HTTPAdapter) route(req *http1.Request) string {
	var action credential.Action
	switch req.AuthAction() {
	case http1.AuthLogin:
		action = credential.ActionLogin
	case http1.AuthRegister:
		action = credential.ActionRegister
	default:
		return req.Path
	}

	ok := false
	if a.creds != nil {
		var err error
		ok, err = credential.Verify(a.requestCtx, a.creds, action, req.Form["username"], req.Form["password"])
		if err != nil {
			logger.Warn("Credential check (%s) failed: %v", action, err)
			ok = false
		}
	}
	a.metrics.RecordAuth(action.String(), ok)

	if ok {
		return http1.WelcomePage
	}
	return http1.ErrorPage
}

// handleWrite runs on the I/O goroutine and continues the pending response.
func (a *HTTPAdapter) handleWrite(c *conn, peerClosed bool) {
	a.extend(c)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.evictPending.Load() {
		c.mu.Unlock()
		a.evict(c)
		return
	}
	if peerClosed {
		c.peerClosed = true
	}

	n, done, err := c.flush(a.config.ConnEdgeTriggered)
	if n > 0 {
		a.bytesSent.Add(uint64(n))
		a.metrics.RecordBytesSent(int64(n))
	}
	if err != nil {
		c.mu.Unlock()
		logger.Debug("Write error on %s: %v", c.addr, err)
		a.close(c)
		return
	}
	if !done {
		err := a.pollr.Modify(c.fd, a.connEvents(poller.Writable))
		c.mu.Unlock()
		if err != nil {
			a.close(c)
		}
		return
	}

	if !c.resp.KeepAlive() || c.peerClosed || a.shuttingDown() {
		c.mu.Unlock()
		a.close(c)
		return
	}

	c.resetForNext()
	if c.readBuf.ReadableBytes() > 0 {
		// A pipelined request arrived with the previous one.
		c.state = stateProcessing
		c.mu.Unlock()
		a.submit(c)
		return
	}

	c.state = stateReading
	err = a.pollr.Modify(c.fd, a.connEvents(poller.Readable))
	c.mu.Unlock()
	if err != nil {
		a.close(c)
	}
}

// close closes a connection from the I/O goroutine.
func (a *HTTPAdapter) close(c *conn) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closeLocked(c)
}

// evictLocked is the idle timer callback; mu is held by tick.
//
// It must not wait for c.mu: a worker may hold it across file or credential
// store I/O, and blocking here would stall the whole loop. A busy connection is
// flagged instead; the worker closes it when it finishes, and the retry timer
// covers a worker that checked the flag just before it was set.
func (a *HTTPAdapter) evictLocked(c *conn) {
	if !c.mu.TryLock() {
		logger.Debug("Idle connection %s is busy, eviction deferred", c.addr)
		c.evictPending.Store(true)
		a.timers.Add(c.id, evictRetry, func() { a.evictLocked(c) })
		return
	}
	logger.Debug("Evicting idle connection %s", c.addr)
	if a.closeHeldLocked(c) {
		a.metrics.RecordConnectionEvicted()
	}
}

// evict completes a deferred eviction. The caller holds no lock.
func (a *HTTPAdapter) evict(c *conn) {
	a.mu.Lock()
	defer a.mu.Unlock()

	c.mu.Lock()
	logger.Debug("Evicting idle connection %s", c.addr)
	if a.closeHeldLocked(c) {
		a.metrics.RecordConnectionEvicted()
	}
}

// closeLocked unregisters and closes the connection exactly once and removes
// its timer and table entry. It reports whether this call closed it.
func (a *HTTPAdapter) closeLocked(c *conn) bool {
	c.mu.Lock()
	return a.closeHeldLocked(c)
}

// closeHeldLocked is closeLocked for a caller that already holds c.mu. It
// releases c.mu.
func (a *HTTPAdapter) closeHeldLocked(c *conn) bool {
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	if err := a.pollr.Unregister(c.fd); err != nil && !errors.Is(err, poller.ErrClosed) {
		logger.Debug("Failed to unregister %s: %v", c.addr, err)
	}
	closeFd(c.fd)
	c.release()
	c.mu.Unlock()

	a.timers.Remove(c.id)
	if a.conns[c.fd] == c {
		delete(a.conns, c.fd)
	}

	active := a.connCount.Add(-1)
	a.metrics.RecordConnectionClosed()
	a.metrics.SetActiveConnections(active)
	logger.Debug("HTTP connection closed from %s (active: %d)", c.addr, active)
	return true
}

func (a *HTTPAdapter) closeListenerLocked() {
	if a.listenFd < 0 {
		return
	}
	if err := a.pollr.Unregister(a.listenFd); err != nil && !errors.Is(err, poller.ErrClosed) {
		logger.Debug("Failed to unregister listener: %v", err)
	}
	closeFd(a.listenFd)
	a.listenFd = -1
}

// beginDrain stops accepting and closes connections waiting for a request.
// Connections with a partial request, or a response being built or written,
// finish their current exchange.
func (a *HTTPAdapter) beginDrain() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.closeListenerLocked()

	idle := 0
	for _, c := range a.conns {
		if !c.mu.TryLock() {
			// A worker is building this connection's response.
			continue
		}
		waiting := c.state == stateReading && c.readBuf.ReadableBytes() == 0 &&
			c.req.State() == http1.StateRequestLine
		if !waiting {
			c.mu.Unlock()
			continue
		}
		if a.closeHeldLocked(c) {
			idle++
		}
	}
	logger.Info("HTTP graceful shutdown: closed %d idle connection(s), waiting for %d (timeout: %v)",
		idle, a.connCount.Load(), a.config.ShutdownTimeout)
}

// forceClose closes every remaining connection after the shutdown timeout.
func (a *HTTPAdapter) forceClose() error {
	a.cancelRequests()

	a.mu.Lock()
	defer a.mu.Unlock()

	remaining := 0
	for _, c := range a.conns {
		if !c.mu.TryLock() {
			// The worker still owns it. Cut the socket so the client is not
			// left waiting; teardown closes the descriptor once the worker is done.
			c.evictPending.Store(true)
			if err := unix.Shutdown(c.fd, unix.SHUT_RDWR); err != nil {
				logger.Debug("Failed to shut down %s: %v", c.addr, err)
			}
			remaining++
			continue
		}
		if a.closeHeldLocked(c) {
			remaining++
		}
	}
	logger.Warn("HTTP shutdown timeout exceeded: force-closed %d connection(s) after %v",
		remaining, a.config.ShutdownTimeout)
	return fmt.Errorf("HTTP shutdown timeout: %d connections force-closed", remaining)
}

func closeFd(fd int) {
	if err := unix.Close(fd); err != nil {
		logger.Debug("Failed to close descriptor %d: %v", fd, err)
	}
}
