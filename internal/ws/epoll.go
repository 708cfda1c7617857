//go:build linux

package ws

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// waitBatch is the most ready descriptors collected by one Wait.
const waitBatch = 128

// Epoll multiplexes socket readiness through a single epoll instance. The
// server reads a frame from a socket only after Wait has reported it.
type Epoll struct {
	fd     int
	mu     sync.RWMutex
	byFD   map[int]net.Conn
	events []unix.EpollEvent
}

// NewEpoll creates the epoll instance.
func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	return &Epoll{
		fd:     fd,
		byFD:   make(map[int]net.Conn),
		events: make([]unix.EpollEvent, waitBatch),
	}, nil
}

// Add watches conn. A peer that half-closes is reported as ready so the
// failing read tears the connection down.
func (e *Epoll) Add(conn net.Conn) error {
	fd, err := socketFD(conn)
	if err != nil {
		return err
	}
	ev := unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLHUP | unix.EPOLLRDHUP,
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll add fd=%d: %w", fd, err)
	}

	e.mu.Lock()
	e.byFD[fd] = conn
	e.mu.Unlock()
	return nil
}

// Remove stops watching conn.
func (e *Epoll) Remove(conn net.Conn) error {
	fd, err := socketFD(conn)
	if err != nil {
		return err
	}

	e.mu.Lock()
	delete(e.byFD, fd)
	e.mu.Unlock()

	if err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll remove fd=%d: %w", fd, err)
	}
	return nil
}

// Wait blocks until at least one watched socket is readable and returns the
// ready connections. A descriptor removed while Wait was returning is
// dropped from the result.
func (e *Epoll) Wait() ([]net.Conn, error) {
	n, err := unix.EpollWait(e.fd, e.events, -1)
	if err != nil {
		return nil, err
	}

	ready := make([]net.Conn, 0, n)
	e.mu.RLock()
	for _, ev := range e.events[:n] {
		if conn, ok := e.byFD[int(ev.Fd)]; ok {
			ready = append(ready, conn)
		}
	}
	e.mu.RUnlock()
	return ready, nil
}

// Rearm does nothing on Linux. The interest list is level-triggered, so
// unread data is reported again by the next Wait.
func (e *Epoll) Rearm(net.Conn) {}

// Close releases the epoll instance.
func (e *Epoll) Close() error {
	e.mu.Lock()
	e.byFD = nil
	e.mu.Unlock()
	return unix.Close(e.fd)
}

var errNoFD = errors.New("epoll: connection has no file descriptor")

// socketFD borrows the descriptor behind conn through RawConn.Control, which
// leaves ownership with the net package.
func socketFD(conn net.Conn) (int, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1, errNoFD
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1, fmt.Errorf("epoll: %w", err)
	}

	fd := -1
	if err := raw.Control(func(s uintptr) { fd = int(s) }); err != nil {
		return -1, fmt.Errorf("epoll: %w", err)
	}
	return fd, nil
}
