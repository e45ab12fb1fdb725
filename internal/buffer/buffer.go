// Package buffer provides the growable byte region used by every connection for
// socket reads and response headers.
//
// A Buffer keeps three cursors over one backing slice:
//
//	+-------------------+------------------+------------------+
//	| prependable bytes |  readable bytes  |  writable bytes  |
//	+-------------------+------------------+------------------+
//	0       <=      readPos      <=     writePos     <=    len(buf)
//
// The first PrependSize bytes are a fixed reserve. Slices returned by Peek alias the
// backing storage and are only valid until the next mutating call.
package buffer

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sys/unix"
)

const (
	// PrependSize is the reserve kept in front of the readable region.
	PrependSize = 8

	// InitialSize is the capacity of a buffer created with New(0).
	InitialSize = 1024

	// ScratchSize is the size of the transient second segment used by ReadFrom.
	ScratchSize = 64 * 1024
)

var crlf = []byte("\r\n")

// scratchPool holds the second readv segment. A scratch slice is only borrowed for
// the duration of a single ReadFrom call.
var scratchPool = sync.Pool{
	New: func() any {
		b := make([]byte, ScratchSize)
		return &b
	},
}

// Buffer is a growable byte region with separate read and write cursors.
//
// A Buffer is not safe for concurrent use. The reactor guarantees that only one
// goroutine touches a connection's buffers at a time.
type Buffer struct {
	buf      []byte
	readPos  int
	writePos int
}

// New creates a buffer with room for initialSize writable bytes (InitialSize if <= 0).
func New(initialSize int) *Buffer {
	if initialSize <= 0 {
		initialSize = InitialSize
	}
	return &Buffer{
		buf:      make([]byte, PrependSize+initialSize),
		readPos:  PrependSize,
		writePos: PrependSize,
	}
}

// ReadableBytes returns the number of bytes between the read and write cursors.
func (b *Buffer) ReadableBytes() int {
	return b.writePos - b.readPos
}

// WritableBytes returns the free space after the write cursor.
func (b *Buffer) WritableBytes() int {
	return len(b.buf) - b.writePos
}

// PrependableBytes returns the space in front of the read cursor, reserve included.
func (b *Buffer) PrependableBytes() int {
	return b.readPos
}

// Cap returns the size of the backing storage.
func (b *Buffer) Cap() int {
	return len(b.buf)
}

// Peek returns the readable region without consuming it.
func (b *Buffer) Peek() []byte {
	return b.buf[b.readPos:b.writePos]
}

// IndexCRLF returns the offset of the next "\r\n" within the readable region, or -1.
func (b *Buffer) IndexCRLF() int {
	return bytes.Index(b.Peek(), crlf)
}

// Retrieve consumes n readable bytes. Consuming everything resets the cursors.
func (b *Buffer) Retrieve(n int) {
	if n >= b.ReadableBytes() {
		b.RetrieveAll()
		return
	}
	b.readPos += n
}

// RetrieveLine consumes a line of length n and its "\r\n" terminator.
func (b *Buffer) RetrieveLine(n int) {
	b.Retrieve(n + len(crlf))
}

// RetrieveAll consumes every readable byte.
func (b *Buffer) RetrieveAll() {
	b.readPos = PrependSize
	b.writePos = PrependSize
}

// RetrieveAllString consumes every readable byte and returns a copy of them.
func (b *Buffer) RetrieveAllString() string {
	s := string(b.Peek())
	b.RetrieveAll()
	return s
}

// Reset returns the cursors to their initial position without reallocating.
func (b *Buffer) Reset() {
	b.RetrieveAll()
}

// HasWritten advances the write cursor after n bytes were copied into the
// writable region directly.
func (b *Buffer) HasWritten(n int) {
	if n < 0 || n > b.WritableBytes() {
		panic(fmt.Sprintf("buffer: HasWritten(%d) with %d writable bytes", n, b.WritableBytes()))
	}
	b.writePos += n
}

// EnsureWritable guarantees WritableBytes() >= n.
func (b *Buffer) EnsureWritable(n int) {
	if b.WritableBytes() < n {
		b.makeSpace(n)
	}
}

// Append copies p into the writable region, growing the buffer if needed.
func (b *Buffer) Append(p []byte) {
	b.EnsureWritable(len(p))
	b.writePos += copy(b.buf[b.writePos:], p)
}

// AppendString is Append for strings.
func (b *Buffer) AppendString(s string) {
	b.EnsureWritable(len(s))
	b.writePos += copy(b.buf[b.writePos:], s)
}

// Printf appends formatted text.
func (b *Buffer) Printf(format string, args ...any) {
	out := fmt.Appendf(b.buf[:b.writePos], format, args...)
	// Appendf may reallocate; offsets stay valid because the prefix is copied as is.
	b.writePos = len(out)
	b.buf = out[:cap(out)]
}

// makeSpace grows or compacts so that n bytes fit after the write cursor.
func (b *Buffer) makeSpace(n int) {
	if b.WritableBytes()+b.PrependableBytes()-PrependSize < n {
		grown := make([]byte, b.writePos+n+1)
		copy(grown, b.buf[:b.writePos])
		b.buf = grown
		return
	}

	readable := b.ReadableBytes()
	copy(b.buf[PrependSize:], b.buf[b.readPos:b.writePos])
	b.readPos = PrependSize
	b.writePos = b.readPos + readable
}

// ReadFrom performs one scatter read from fd into the writable region, spilling
// into a pooled scratch segment when the region is too small.
//
// It returns (0, io.EOF) when the peer shut down its write side. Errors from the
// read syscall, unix.EAGAIN included, are returned unchanged with n == 0.
func (b *Buffer) ReadFrom(fd int) (int, error) {
	scratch := scratchPool.Get().(*[]byte)
	defer scratchPool.Put(scratch)

	writable := b.WritableBytes()
	iovs := [][]byte{b.buf[b.writePos:], *scratch}

	n, err := unix.Readv(fd, iovs)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, io.EOF
	}

	if n <= writable {
		b.writePos += n
	} else {
		b.writePos = len(b.buf)
		b.Append((*scratch)[:n-writable])
	}
	return n, nil
}

// WriteTo writes the readable region to fd and consumes what the kernel accepted.
// A partial write leaves the remainder readable for the next call.
func (b *Buffer) WriteTo(fd int) (int, error) {
	if b.ReadableBytes() == 0 {
		return 0, nil
	}
	n, err := unix.Write(fd, b.Peek())
	if err != nil {
		return 0, err
	}
	b.Retrieve(n)
	return n, nil
}
