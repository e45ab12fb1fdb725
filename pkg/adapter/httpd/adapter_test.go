package httpd

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/marmos91/dittoweb/pkg/store/credential"
	"github.com/marmos91/dittoweb/pkg/store/credential/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

var sitePages = map[string]string{
	"index.html":    "<html>index</html>",
	"404.html":      "<html>not found</html>",
	"400.html":      "<html>bad request</html>",
	"welcome.html":  "<html>welcome</html>",
	"error.html":    "<html>error</html>",
	"login.html":    "<html>login form</html>",
	"register.html": "<html>register form</html>",
}

func newSite(t *testing.T) string {
	t.Helper()

	root := t.TempDir()
	for name, content := range sitePages {
		require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte(content), 0o644))
	}
	return root
}

type testServer struct {
	*HTTPAdapter
	cancel context.CancelFunc
	errc   chan error
}

// startServer serves a fresh site on a kernel-assigned port until the test ends.
func startServer(t *testing.T, creds *credential.Pool, mutate func(*HTTPConfig)) *testServer {
	t.Helper()

	cfg := HTTPConfig{
		DocumentRoot:    newSite(t),
		IdleTimeout:     5 * time.Second,
		Workers:         2,
		ShutdownTimeout: 2 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	a := New(cfg, nil)
	if creds != nil {
		a.SetCredentials(creds)
	}
	ctx, cancel := context.WithCancel(context.Background())
	srv := &testServer{HTTPAdapter: a, cancel: cancel, errc: make(chan error, 1)}

	go func() {
		srv.errc <- a.Serve(ctx)
	}()

	select {
	case <-a.Ready():
	case err := <-srv.errc:
		t.Fatalf("Serve returned early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not become ready")
	}

	t.Cleanup(func() {
		cancel()
		select {
		case <-srv.errc:
		case <-time.After(10 * time.Second):
			t.Error("server did not stop")
		}
	})
	return srv
}

func (s *testServer) dial(t *testing.T) net.Conn {
	t.Helper()

	conn, err := net.DialTimeout("tcp", s.Addr(), 2*time.Second)
	require.NoError(t, err)
	require.NoError(t, conn.SetDeadline(time.Now().Add(10*time.Second)))
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readResponse(t *testing.T, r *bufio.Reader) (*http.Response, string) {
	t.Helper()

	resp, err := http.ReadResponse(r, nil)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	return resp, string(body)
}

func send(t *testing.T, conn net.Conn, raw string) {
	t.Helper()
	_, err := io.WriteString(conn, raw)
	require.NoError(t, err)
}

func formRequest(page, username, password string, keepAlive bool) string {
	form := url.Values{"username": {username}, "password": {password}}.Encode()
	connection := "close"
	if keepAlive {
		connection = "keep-alive"
	}
	return "POST " + page + " HTTP/1.1\r\n" +
		"Host: localhost\r\n" +
		"Connection: " + connection + "\r\n" +
		"Content-Type: application/x-www-form-urlencoded\r\n" +
		"Content-Length: " + strconv.Itoa(len(form)) + "\r\n\r\n" + form
}

func assertClosed(t *testing.T, conn net.Conn, r *bufio.Reader) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err := r.ReadByte()
	assert.ErrorIs(t, err, io.EOF)
}

const keepAliveGet = "GET / HTTP/1.1\r\nHost: localhost\r\nConnection: keep-alive\r\n\r\n"

func TestServeKeepAlive(t *testing.T) {
	modes := []struct {
		name       string
		listenEdge bool
		connEdge   bool
	}{
		{name: "level"},
		{name: "edge", listenEdge: true, connEdge: true},
		{name: "mixed", connEdge: true},
	}

	for _, mode := range modes {
		t.Run(mode.name, func(t *testing.T) {
			srv := startServer(t, nil, func(c *HTTPConfig) {
				c.ListenEdgeTriggered = mode.listenEdge
				c.ConnEdgeTriggered = mode.connEdge
			})
			conn := srv.dial(t)
			r := bufio.NewReader(conn)

			for i := 0; i < 3; i++ {
				send(t, conn, keepAliveGet)
				resp, body := readResponse(t, r)

				assert.Equal(t, http.StatusOK, resp.StatusCode)
				assert.Equal(t, "keep-alive", resp.Header.Get("Connection"))
				assert.Equal(t, "max=6, timeout=5", resp.Header.Get("Keep-Alive"))
				assert.Equal(t, "text/html", resp.Header.Get("Content-Type"))
				assert.Equal(t, sitePages["index.html"], body)
			}

			assert.Equal(t, int32(1), srv.GetActiveConnections())
			assert.Equal(t, uint64(3), srv.Requests())
		})
	}
}

func TestServeNotFoundClosesConnection(t *testing.T) {
	srv := startServer(t, nil, nil)
	conn := srv.dial(t)
	r := bufio.NewReader(conn)

	send(t, conn, "GET /missing.html HTTP/1.1\r\nHost: localhost\r\n\r\n")
	resp, body := readResponse(t, r)

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "close", resp.Header.Get("Connection"))
	assert.Equal(t, sitePages["404.html"], body)
	assertClosed(t, conn, r)
}

func TestServeExtensionlessPages(t *testing.T) {
	srv := startServer(t, nil, nil)
	conn := srv.dial(t)
	r := bufio.NewReader(conn)

	send(t, conn, "GET /login HTTP/1.1\r\nConnection: keep-alive\r\n\r\n")
	_, body := readResponse(t, r)
	assert.Equal(t, sitePages["login.html"], body)

	send(t, conn, "GET /register HTTP/1.1\r\nConnection: keep-alive\r\n\r\n")
	_, body = readResponse(t, r)
	assert.Equal(t, sitePages["register.html"], body)
}

func TestServeTraversalStaysUnderRoot(t *testing.T) {
	srv := startServer(t, nil, nil)
	conn := srv.dial(t)
	r := bufio.NewReader(conn)

	send(t, conn, "GET /../../../../etc/passwd HTTP/1.1\r\nConnection: keep-alive\r\n\r\n")
	resp, body := readResponse(t, r)

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, sitePages["404.html"], body)
}

func TestServeBadRequest(t *testing.T) {
	srv := startServer(t, nil, nil)
	conn := srv.dial(t)
	r := bufio.NewReader(conn)

	send(t, conn, "NOT A REQUEST\r\n\r\n")
	resp, body := readResponse(t, r)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, sitePages["400.html"], body)
	assertClosed(t, conn, r)
}

func TestServeBodyTooLarge(t *testing.T) {
	srv := startServer(t, nil, func(c *HTTPConfig) { c.MaxBodyBytes = 16 })
	conn := srv.dial(t)
	r := bufio.NewReader(conn)

	send(t, conn, "POST /login.html HTTP/1.1\r\nContent-Length: 1000\r\n\r\n")
	resp, body := readResponse(t, r)

	// No 413 page in the site, so the body is generated.
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Contains(t, body, "413 : Payload Too Large")
	assertClosed(t, conn, r)
}

func TestServePipelinedRequests(t *testing.T) {
	srv := startServer(t, nil, nil)
	conn := srv.dial(t)
	r := bufio.NewReader(conn)

	send(t, conn, keepAliveGet+"GET /login HTTP/1.1\r\nConnection: keep-alive\r\n\r\n")

	_, first := readResponse(t, r)
	_, second := readResponse(t, r)
	assert.Equal(t, sitePages["index.html"], first)
	assert.Equal(t, sitePages["login.html"], second)
}

func TestServeRequestSplitAcrossReads(t *testing.T) {
	srv := startServer(t, nil, nil)
	conn := srv.dial(t)
	r := bufio.NewReader(conn)

	for _, part := range []string{"GET / HT", "TP/1.1\r\nConnection: keep", "-alive\r\n", "\r\n"} {
		send(t, conn, part)
		time.Sleep(20 * time.Millisecond)
	}

	resp, body := readResponse(t, r)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, sitePages["index.html"], body)
}

func TestServeLargeFile(t *testing.T) {
	srv := startServer(t, nil, nil)

	content := bytes.Repeat([]byte("DittoWeb large body\n"), 200000)
	require.NoError(t, os.WriteFile(filepath.Join(srv.config.DocumentRoot, "big.txt"), content, 0o644))

	conn := srv.dial(t)
	r := bufio.NewReader(conn)

	send(t, conn, "GET /big.txt HTTP/1.1\r\nConnection: keep-alive\r\n\r\n")
	resp, body := readResponse(t, r)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	assert.Equal(t, int64(len(content)), resp.ContentLength)
	assert.True(t, bytes.Equal(content, []byte(body)))
}

func TestServeAnswersHalfClosedClient(t *testing.T) {
	modes := []struct {
		name     string
		connEdge bool
	}{
		{name: "level"},
		{name: "edge", connEdge: true},
	}

	for _, mode := range modes {
		t.Run(mode.name, func(t *testing.T) {
			srv := startServer(t, nil, func(c *HTTPConfig) { c.ConnEdgeTriggered = mode.connEdge })
			conn := srv.dial(t)
			r := bufio.NewReader(conn)

			send(t, conn, keepAliveGet)
			require.NoError(t, conn.(*net.TCPConn).CloseWrite())

			// The FIN may land with the request or after it was read, so only
			// the close that follows the response is certain.
			resp, body := readResponse(t, r)
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, sitePages["index.html"], body)
			assertClosed(t, conn, r)
		})
	}
}

func TestServeHalfClosedPartialRequest(t *testing.T) {
	srv := startServer(t, nil, nil)
	conn := srv.dial(t)
	r := bufio.NewReader(conn)

	send(t, conn, "GET / HTTP/1.1\r\nHost: loc")
	require.NoError(t, conn.(*net.TCPConn).CloseWrite())

	assertClosed(t, conn, r)
	assert.Eventually(t, func() bool { return srv.GetActiveConnections() == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestServeFifoIsNotFound(t *testing.T) {
	srv := startServer(t, nil, nil)
	require.NoError(t, unix.Mkfifo(filepath.Join(srv.config.DocumentRoot, "pipe.txt"), 0o644))

	conn := srv.dial(t)
	r := bufio.NewReader(conn)

	send(t, conn, "GET /pipe.txt HTTP/1.1\r\nConnection: keep-alive\r\n\r\n")
	resp, body := readResponse(t, r)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, sitePages["404.html"], body)

	other := srv.dial(t)
	send(t, other, keepAliveGet)
	resp, _ = readResponse(t, bufio.NewReader(other))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func newCredentialPool(t *testing.T) *credential.Pool {
	t.Helper()

	pool, err := credential.NewPool(context.Background(), memory.NewMemoryStore(), credential.PoolConfig{
		Size:     2,
		HashCost: 4,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	return pool
}

func TestServeRegisterThenLogin(t *testing.T) {
	srv := startServer(t, newCredentialPool(t), nil)
	conn := srv.dial(t)
	r := bufio.NewReader(conn)

	steps := []struct {
		name     string
		page     string
		username string
		password string
		want     string
	}{
		{"login before register", "/login", "alice", "s3cret", "error.html"},
		{"register", "/register", "alice", "s3cret", "welcome.html"},
		{"register taken name", "/register", "alice", "other", "error.html"},
		{"login", "/login", "alice", "s3cret", "welcome.html"},
		{"login wrong password", "/login", "alice", "wrong", "error.html"},
		{"login empty password", "/login", "alice", "", "error.html"},
	}

	for _, step := range steps {
		send(t, conn, formRequest(step.page, step.username, step.password, true))
		resp, body := readResponse(t, r)
		assert.Equal(t, http.StatusOK, resp.StatusCode, step.name)
		assert.Equal(t, sitePages[step.want], body, step.name)
	}
}

func TestServeLoginWithoutCredentialPool(t *testing.T) {
	srv := startServer(t, nil, nil)
	conn := srv.dial(t)
	r := bufio.NewReader(conn)

	send(t, conn, formRequest("/login", "alice", "s3cret", false))
	_, body := readResponse(t, r)
	assert.Equal(t, sitePages["error.html"], body)
}

func TestServeEvictsIdleConnections(t *testing.T) {
	srv := startServer(t, nil, func(c *HTTPConfig) { c.IdleTimeout = 200 * time.Millisecond })
	conn := srv.dial(t)
	r := bufio.NewReader(conn)

	start := time.Now()
	assertClosed(t, conn, r)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)

	assert.Eventually(t, func() bool { return srv.GetActiveConnections() == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestServeEvictsBusyConnectionWithoutStalling(t *testing.T) {
	pool, err := credential.NewPool(context.Background(), memory.NewMemoryStore(), credential.PoolConfig{
		Size:     1,
		HashCost: 4,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	// Hold the only handle so the login below blocks its worker.
	h, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	released := false
	defer func() {
		if !released {
			pool.Release(h)
		}
	}()

	srv := startServer(t, pool, func(c *HTTPConfig) { c.IdleTimeout = 300 * time.Millisecond })
	busy := srv.dial(t)
	busyReader := bufio.NewReader(busy)
	send(t, busy, formRequest("/login", "alice", "s3cret", true))

	time.Sleep(500 * time.Millisecond)

	// The idle timer has fired for the busy connection; the loop still serves.
	other := srv.dial(t)
	send(t, other, keepAliveGet)
	resp, _ := readResponse(t, bufio.NewReader(other))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, other.Close())

	pool.Release(h)
	released = true

	// The worker finishes and the deferred eviction closes the connection.
	assertClosed(t, busy, busyReader)
	assert.Eventually(t, func() bool { return srv.GetActiveConnections() == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestServeActivityExtendsIdleTimeout(t *testing.T) {
	srv := startServer(t, nil, func(c *HTTPConfig) { c.IdleTimeout = 300 * time.Millisecond })
	conn := srv.dial(t)
	r := bufio.NewReader(conn)

	for i := 0; i < 4; i++ {
		time.Sleep(150 * time.Millisecond)
		send(t, conn, keepAliveGet)
		resp, _ := readResponse(t, r)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	assertClosed(t, conn, r)
}

func TestServeRejectsWhenFull(t *testing.T) {
	srv := startServer(t, nil, func(c *HTTPConfig) { c.MaxConnections = 1 })

	first := srv.dial(t)
	require.Eventually(t, func() bool { return srv.GetActiveConnections() == 1 },
		2*time.Second, 10*time.Millisecond)

	second := srv.dial(t)
	reply, err := io.ReadAll(second)
	require.NoError(t, err)
	assert.Equal(t, busyReply, string(reply))

	// The admitted connection is still served.
	send(t, first, keepAliveGet)
	resp, _ := readResponse(t, bufio.NewReader(first))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServeRejectsAboveAcceptRate(t *testing.T) {
	srv := startServer(t, nil, func(c *HTTPConfig) {
		c.AcceptRate = AcceptRateConfig{RequestsPerSecond: 1, Burst: 1}
	})

	first := srv.dial(t)
	require.Eventually(t, func() bool { return srv.GetActiveConnections() == 1 },
		2*time.Second, 10*time.Millisecond)

	second := srv.dial(t)
	reply, err := io.ReadAll(second)
	require.NoError(t, err)
	assert.Equal(t, busyReply, string(reply))

	send(t, first, keepAliveGet)
	resp, _ := readResponse(t, bufio.NewReader(first))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStopClosesIdleConnections(t *testing.T) {
	srv := startServer(t, nil, nil)
	conn := srv.dial(t)
	r := bufio.NewReader(conn)

	send(t, conn, keepAliveGet)
	_, _ = readResponse(t, r)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))

	assertClosed(t, conn, r)
	assert.Zero(t, srv.GetActiveConnections())

	_, err := net.DialTimeout("tcp", srv.Addr(), time.Second)
	assert.Error(t, err)
}

func TestShutdownForceClosesAfterTimeout(t *testing.T) {
	srv := startServer(t, nil, func(c *HTTPConfig) { c.ShutdownTimeout = 300 * time.Millisecond })
	conn := srv.dial(t)

	// A half-received request keeps the connection busy through the drain.
	send(t, conn, "GET / HTTP/1.1\r\n")
	time.Sleep(200 * time.Millisecond)

	srv.cancel()

	select {
	case err := <-srv.errc:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "1 connections force-closed")
		srv.errc <- err
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after the shutdown timeout")
	}
}

func TestStopBeforeServe(t *testing.T) {
	a := New(HTTPConfig{DocumentRoot: t.TempDir()}, nil)
	assert.NoError(t, a.Stop(context.Background()))
	assert.Equal(t, "HTTP", a.Protocol())
}

func TestServeFailsOnPortInUse(t *testing.T) {
	srv := startServer(t, nil, nil)

	other := New(HTTPConfig{DocumentRoot: t.TempDir(), Port: srv.Port()}, nil)
	err := other.Serve(context.Background())
	assert.Error(t, err)
}

func TestNewPanicsOnInvalidConfig(t *testing.T) {
	assert.Panics(t, func() {
		New(HTTPConfig{}, nil)
	})
}
