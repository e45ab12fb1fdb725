package http1

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

var (
	// ErrMapFailed wraps mmap failures so callers can tell them from open failures.
	ErrMapFailed = errors.New("http1: mmap failed")

	// ErrNotRegular is returned for FIFOs, devices, sockets and directories.
	ErrNotRegular = errors.New("http1: not a regular file")
)

// MappedFile is a read-only memory mapping of a whole file.
//
// Release unmaps it; further calls are no-ops. An empty file produces a MappedFile
// with no mapping.
type MappedFile struct {
	data []byte
}

// MapFile opens and maps path. The descriptor is closed before returning; the
// mapping stays valid until Release.
//
// The open is non-blocking so a FIFO swapped in after the status was resolved
// can not stall the caller; anything but a regular file yields ErrNotRegular.
func MapFile(path string) (*MappedFile, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer unix.Close(fd)

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFREG {
		return nil, fmt.Errorf("%w: %s", ErrNotRegular, path)
	}
	if st.Size == 0 {
		return &MappedFile{}, nil
	}

	data, err := unix.Mmap(fd, 0, int(st.Size), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMapFailed, path, err)
	}
	return &MappedFile{data: data}, nil
}

// Bytes returns the mapped contents; nil after Release.
func (m *MappedFile) Bytes() []byte {
	if m == nil {
		return nil
	}
	return m.data
}

// Len returns the mapped length.
func (m *MappedFile) Len() int {
	if m == nil {
		return 0
	}
	return len(m.data)
}

// Release unmaps the file exactly once.
func (m *MappedFile) Release() error {
	if m == nil || m.data == nil {
		return nil
	}
	data := m.data
	m.data = nil
	return unix.Munmap(data)
}
