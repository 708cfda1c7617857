//go:build !linux

package ws

import (
	"net"
	"sync"
)

// Epoll provides a goroutine-per-connection fallback for non-Linux platforms.
// Each connection is reported ready once, then again only after the server
// has finished reading from it and called Rearm. Reads themselves are done by
// the server with a read deadline, so no bytes are consumed here.
type Epoll struct {
	mu      sync.Mutex
	conns   map[net.Conn]chan struct{} // conn -> rearm signal
	readyCh chan net.Conn
	done    chan struct{}
	once    sync.Once
}

// NewEpoll creates a new fallback epoll instance.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]chan struct{}),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add registers a connection and starts its readiness goroutine.
func (e *Epoll) Add(conn net.Conn) error {
	rearm := make(chan struct{}, 1)
	e.mu.Lock()
	e.conns[conn] = rearm
	e.mu.Unlock()

	go e.monitor(conn, rearm)
	return nil
}

func (e *Epoll) monitor(conn net.Conn, rearm chan struct{}) {
	for {
		select {
		case e.readyCh <- conn:
		case <-e.done:
			return
		}
		select {
		case _, ok := <-rearm:
			if !ok {
				return
			}
		case <-e.done:
			return
		}
	}
}

// Rearm reports conn as ready again.
func (e *Epoll) Rearm(conn net.Conn) {
	e.mu.Lock()
	rearm, ok := e.conns[conn]
	e.mu.Unlock()
	if !ok {
		return
	}
	select {
	case rearm <- struct{}{}:
	default:
	}
}

// Remove unregisters a connection and stops its goroutine.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	rearm, ok := e.conns[conn]
	delete(e.conns, conn)
	e.mu.Unlock()
	if ok {
		close(rearm)
	}
	return nil
}

// Wait blocks until at least one connection is ready for reading and
// returns every connection that is ready at that point.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close shuts down the fallback epoll instance.
func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	return nil
}
