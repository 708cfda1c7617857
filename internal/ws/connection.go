package ws

import (
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/junqo/messaging-gateway/internal/ability"
)

// Connection represents a single authenticated WebSocket client connection
// with its associated metadata and a write mutex for serializing outbound
// frames.
type Connection struct {
	ID         string    // connection ID (UUID)
	Conn       net.Conn  // underlying TCP connection
	Fd         int       // file descriptor, -1 on platforms without epoll
	CreatedAt  time.Time // when the connection was established
	LastPing   time.Time // last frame received from the client
	user       ability.User
	writeMu    sync.Mutex // serializes writes to this connection
	activityMu sync.Mutex // guards LastPing
	processing int32      // atomic flag: 0 = idle, 1 = being read by handleConn
}

// NewConnection wraps an already upgraded conn for user.
func NewConnection(id string, conn net.Conn, user ability.User) *Connection {
	now := time.Now()
	fd, _ := socketFD(conn)
	return &Connection{
		ID:        id,
		Conn:      conn,
		Fd:        fd,
		CreatedAt: now,
		LastPing:  now,
		user:      user,
	}
}

// ConnID returns the connection id.
func (c *Connection) ConnID() string { return c.ID }

// User returns the authenticated user that owns the connection.
func (c *Connection) User() ability.User { return c.user }

// Touch records client activity.
func (c *Connection) Touch() {
	c.activityMu.Lock()
	c.LastPing = time.Now()
	c.activityMu.Unlock()
}

// LastActivity returns when the client was last heard from.
func (c *Connection) LastActivity() time.Time {
	c.activityMu.Lock()
	defer c.activityMu.Unlock()
	return c.LastPing
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// send writes a text frame bounded by timeout, then clears the deadline so
// it does not affect later writes such as heartbeat pings.
func (c *Connection) send(data []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if timeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(timeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager is a thread-safe registry that maps connection IDs and
// the underlying net.Conn values handed back by epoll to their Connection.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection   // conn_id -> Connection
	byConn map[net.Conn]*Connection // net.Conn -> Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
	}
}

// Add registers a new connection in both lookup maps.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	if conn.Conn != nil {
		cm.byConn[conn.Conn] = conn
	}
	cm.mu.Unlock()
}

// Remove removes a connection by ID, closes the underlying network
// connection, and removes it from both lookup maps. Returns true if the
// connection was found and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		if conn.Conn != nil {
			delete(cm.byConn, conn.Conn)
		}
	}
	cm.mu.Unlock()

	if ok && conn.Conn != nil {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection wrapping c, or nil if not found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	cm.mu.RLock()
	conn := cm.byConn[c]
	cm.mu.RUnlock()
	return conn
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
