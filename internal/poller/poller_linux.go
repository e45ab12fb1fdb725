// Package poller wraps Linux epoll for the HTTP reactor.
//
// The poller only reports readiness; it never reads or writes the registered
// descriptors. An internal eventfd lets another goroutine interrupt Wait, which is
// how the reactor is told to shut down.
package poller

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Events is a bit set of readiness conditions and registration flags.
type Events uint32

const (
	Readable      Events = unix.EPOLLIN
	Writable      Events = unix.EPOLLOUT
	PeerHangup    Events = unix.EPOLLRDHUP
	Hangup        Events = unix.EPOLLHUP
	Error         Events = unix.EPOLLERR
	EdgeTriggered Events = unix.EPOLLET
	OneShot       Events = unix.EPOLLONESHOT
)

// DefaultMaxEvents bounds the batch returned by a single Wait.
const DefaultMaxEvents = 1024

// ErrClosed is returned by operations on a closed poller.
var ErrClosed = errors.New("poller: closed")

// Event is one ready descriptor.
type Event struct {
	Fd     int
	Events Events
}

// Closed reports a hangup or a pending error, or a peer half-close with nothing
// left to read or write. The reactor checks this before the readable and
// writable bits.
func (e Event) Closed() bool {
	if e.Events&(Hangup|Error) != 0 {
		return true
	}
	return e.PeerClosed() && e.Events&(Readable|Writable) == 0
}

// PeerClosed reports that the peer shut down its write side. Data it sent
// before may still be readable.
func (e Event) PeerClosed() bool {
	return e.Events&PeerHangup != 0
}

// Readable reports the readable bit.
func (e Event) Readable() bool {
	return e.Events&Readable != 0
}

// Writable reports the writable bit.
func (e Event) Writable() bool {
	return e.Events&Writable != 0
}

func (e Events) String() string {
	names := []struct {
		bit  Events
		name string
	}{
		{Readable, "IN"}, {Writable, "OUT"}, {PeerHangup, "RDHUP"}, {Hangup, "HUP"},
		{Error, "ERR"}, {EdgeTriggered, "ET"}, {OneShot, "ONESHOT"},
	}
	s := ""
	for _, n := range names {
		if e&n.bit != 0 {
			if s != "" {
				s += "|"
			}
			s += n.name
		}
	}
	if s == "" {
		return "0"
	}
	return s
}

// Poller is an epoll instance plus a wakeup eventfd.
//
// Register, Modify, Unregister and Wake are safe to call from any goroutine. Wait
// must only be called from one goroutine at a time because the returned slice is
// reused by the next call.
type Poller struct {
	epfd   int
	wakeFd int
	events []unix.EpollEvent
	ready  []Event
	closed atomic.Bool
}

// New creates a poller able to report up to maxEvents descriptors per Wait
// (DefaultMaxEvents if <= 0).
func New(maxEvents int) (*Poller, error) {
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}

	wakeFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}

	p := &Poller{
		epfd:   epfd,
		wakeFd: wakeFd,
		events: make([]unix.EpollEvent, maxEvents),
		ready:  make([]Event, 0, maxEvents),
	}

	if err := p.ctl(unix.EPOLL_CTL_ADD, wakeFd, Readable); err != nil {
		_ = unix.Close(wakeFd)
		_ = unix.Close(epfd)
		return nil, err
	}

	return p, nil
}

// Register adds fd with the given interest set.
func (p *Poller) Register(fd int, events Events) error {
	return p.ctl(unix.EPOLL_CTL_ADD, fd, events)
}

// Modify replaces the interest set of fd. With OneShot this re-arms the descriptor.
func (p *Poller) Modify(fd int, events Events) error {
	return p.ctl(unix.EPOLL_CTL_MOD, fd, events)
}

// Unregister removes fd. Removing a descriptor that was already closed by the
// kernel is not an error.
func (p *Poller) Unregister(fd int) error {
	err := p.ctl(unix.EPOLL_CTL_DEL, fd, 0)
	if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.EBADF) {
		return nil
	}
	return err
}

func (p *Poller) ctl(op int, fd int, events Events) error {
	if p.closed.Load() {
		return ErrClosed
	}
	ev := unix.EpollEvent{Events: uint32(events), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, op, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl(op=%d, fd=%d, events=%s): %w", op, fd, events, err)
	}
	return nil
}

// Wait blocks for at most timeoutMs milliseconds (-1 blocks indefinitely) and
// returns the ready descriptors. An interrupted wait or a Wake returns an empty
// batch. The slice is only valid until the next call.
func (p *Poller) Wait(timeoutMs int) ([]Event, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}

	n, err := unix.EpollWait(p.epfd, p.events, timeoutMs)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return p.ready[:0], nil
		}
		return nil, fmt.Errorf("epoll_wait: %w", err)
	}

	p.ready = p.ready[:0]
	for i := 0; i < n; i++ {
		fd := int(p.events[i].Fd)
		if fd == p.wakeFd {
			p.drainWake()
			continue
		}
		p.ready = append(p.ready, Event{Fd: fd, Events: Events(p.events[i].Events)})
	}
	return p.ready, nil
}

// Wake interrupts a concurrent or the next Wait.
func (p *Poller) Wake() error {
	if p.closed.Load() {
		return ErrClosed
	}
	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	if _, err := unix.Write(p.wakeFd, one[:]); err != nil && !errors.Is(err, unix.EAGAIN) {
		return fmt.Errorf("eventfd write: %w", err)
	}
	return nil
}

func (p *Poller) drainWake() {
	var counter [8]byte
	_, _ = unix.Read(p.wakeFd, counter[:])
}

// Close releases the epoll and eventfd descriptors. Registered descriptors are
// left open.
func (p *Poller) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := unix.Close(p.wakeFd)
	if cerr := unix.Close(p.epfd); err == nil {
		err = cerr
	}
	return err
}
