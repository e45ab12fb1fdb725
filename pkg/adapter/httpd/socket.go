package httpd

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/marmos91/dittoweb/internal/logger"
	"golang.org/x/sys/unix"
)

const busyReply = "Server busy!"

// listenSocket creates a non-blocking IPv4 TCP listener on every interface.
// It returns the descriptor and the bound port, which differs from port when
// port is 0.
func listenSocket(port, backlog int, linger bool) (int, int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, 0, fmt.Errorf("socket: %w", err)
	}

	fail := func(step string, err error) (int, int, error) {
		_ = unix.Close(fd)
		return -1, 0, fmt.Errorf("%s: %w", step, err)
	}

	// Accepted sockets inherit SO_LINGER from the listener.
	l := unix.Linger{}
	if linger {
		l.Onoff = 1
		l.Linger = 1
	}
	if err := unix.SetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER, &l); err != nil {
		return fail("setsockopt SO_LINGER", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fail("setsockopt SO_REUSEADDR", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: port}); err != nil {
		return fail(fmt.Sprintf("bind port %d", port), err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		return fail("listen", err)
	}

	sa, err := unix.Getsockname(fd)
	if err != nil {
		return fail("getsockname", err)
	}
	bound := port
	if in4, ok := sa.(*unix.SockaddrInet4); ok {
		bound = in4.Port
	}
	return fd, bound, nil
}

// acceptConn accepts one pending connection as a non-blocking socket. It returns
// unix.EAGAIN when the backlog is empty.
func acceptConn(listenFd int) (int, string, error) {
	fd, sa, err := unix.Accept4(listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, "", err
	}
	return fd, sockaddrString(sa), nil
}

// sendBusy writes the busy reply and closes fd without registering it.
func sendBusy(fd int, addr string) {
	if _, err := unix.Write(fd, []byte(busyReply)); err != nil {
		logger.Warn("Failed to send busy reply to %s: %v", addr, err)
	}
	_ = unix.Close(fd)
}

func sockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(a.Addr), uint16(a.Port)).String()
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(a.Addr), uint16(a.Port)).String()
	default:
		return "unknown"
	}
}

// retryAccept reports accept failures that only concern the connection being
// accepted; the next pending connection can be tried immediately.
func retryAccept(err error) bool {
	return errors.Is(err, unix.ECONNABORTED) || errors.Is(err, unix.EINTR)
}
