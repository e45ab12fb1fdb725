package httpd

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/marmos91/dittoweb/internal/buffer"
	"github.com/marmos91/dittoweb/internal/protocol/http1"
	"golang.org/x/sys/unix"
)

// connState tracks which side of the read, process, write cycle owns a
// connection. Only one of them is active at a time because every event is
// one-shot and re-armed when the previous step finishes.
type connState int

const (
	stateReading connState = iota
	stateProcessing
	stateWriting
)

// conn is one client socket and the request/response pair being served on it.
//
// mu guards every field below it. The I/O goroutine holds it while reading,
// writing and closing; a worker holds it while parsing and building the
// response. closed is set under mu before the descriptor is closed, so a worker
// that finishes after an eviction never re-arms a descriptor number the kernel
// has since reused.
type conn struct {
	id   uint64
	fd   int
	addr string

	// evictPending is set when the idle timer fired while a worker held mu.
	// Whoever takes mu next closes the connection.
	evictPending atomic.Bool

	mu       sync.Mutex
	closed   bool
	state    connState
	readBuf  *buffer.Buffer
	writeBuf *buffer.Buffer
	req      *http1.Request
	resp     *http1.Response

	// peerClosed records that the client shut down its write side. The
	// buffered request is still answered, then the connection is closed.
	peerClosed bool

	// body is the unsent tail of the mapped response file
	body []byte
}

func newConn(id uint64, fd int, addr string, maxBodyBytes int, respCfg http1.ResponseConfig) *conn {
	return &conn{
		id:       id,
		fd:       fd,
		addr:     addr,
		readBuf:  buffer.New(buffer.InitialSize),
		writeBuf: buffer.New(buffer.InitialSize),
		req:      http1.NewRequest(maxBodyBytes),
		resp:     http1.NewResponse(respCfg),
	}
}

// read drains the socket into the read buffer. With drain false it performs a
// single read. It returns the bytes read; io.EOF reports an orderly peer
// shutdown. unix.EAGAIN is not an error.
func (c *conn) read(drain bool) (int, error) {
	total := 0
	for {
		n, err := c.readBuf.ReadFrom(c.fd)
		total += n
		switch {
		case err == nil:
			if !drain {
				return total, nil
			}
		case errors.Is(err, unix.EAGAIN):
			return total, nil
		case errors.Is(err, unix.EINTR):
		default:
			return total, err
		}
	}
}

// pending returns the bytes of the current response not yet written.
func (c *conn) pending() int {
	return c.writeBuf.ReadableBytes() + len(c.body)
}

// flush writes the header bytes and the file tail with writev until both are
// sent or the socket would block. It returns the bytes written; done reports
// whether the response is complete. Progress survives across calls, so a
// response interrupted by EAGAIN resumes at the exact byte it stopped at.
func (c *conn) flush(drain bool) (written int, done bool, err error) {
	for c.pending() > 0 {
		iovs := make([][]byte, 0, 2)
		if head := c.writeBuf.Peek(); len(head) > 0 {
			iovs = append(iovs, head)
		}
		if len(c.body) > 0 {
			iovs = append(iovs, c.body)
		}

		n, err := unix.Writev(c.fd, iovs)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if errors.Is(err, unix.EAGAIN) {
				return written, false, nil
			}
			return written, false, err
		}
		written += n
		c.advance(n)

		if !drain && c.pending() > 0 {
			return written, false, nil
		}
	}
	return written, true, nil
}

// advance consumes n written bytes, header first.
func (c *conn) advance(n int) {
	head := c.writeBuf.ReadableBytes()
	if n < head {
		c.writeBuf.Retrieve(n)
		return
	}
	c.writeBuf.RetrieveAll()
	c.body = c.body[n-head:]
}

// resetForNext prepares the connection for the next request on a keep-alive
// socket. Unconsumed request bytes stay in the read buffer.
func (c *conn) resetForNext() {
	c.resp.Reset()
	c.req.Reset()
	c.writeBuf.RetrieveAll()
	c.body = nil
}

// release drops the mapping and buffers once the descriptor is closed.
func (c *conn) release() {
	c.resp.Reset()
	c.req.Reset()
	c.readBuf.Reset()
	c.writeBuf.Reset()
	c.body = nil
}
