// Package presence tracks which users are connected, on which connections,
// and which conversation rooms each connection has joined. It derives the
// online/offline and room join/leave events from those transitions.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/junqo/messaging-gateway/internal/fault"
	"github.com/junqo/messaging-gateway/internal/metrics"
)

// Connection is the registry's record of one authenticated socket.
type Connection struct {
	ID        string
	UserID    string
	Rooms     []string
	CreatedAt time.Time
}

// Departure describes what an Unregister removed.
type Departure struct {
	UserID string
	// WasLastConnection is true when the user has no connections left.
	WasLastConnection bool
	// LeftRooms are the rooms the connection had joined.
	LeftRooms []string
}

type connection struct {
	userID    string
	rooms     map[string]struct{}
	createdAt time.Time
}

// Registry maps connections to users and rooms. All methods are safe for
// concurrent use; each one is a single critical section with no I/O.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*connection         // connID -> record
	users map[string]map[string]struct{} // userID -> connIDs
	rooms map[string]map[string]struct{} // roomID -> connIDs
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]*connection),
		users: make(map[string]map[string]struct{}),
		rooms: make(map[string]map[string]struct{}),
	}
}

// Register adds a connection for userID. first reports whether this is the
// user's first live connection (offline -> online).
func (r *Registry) Register(connID, userID string) (first bool, err error) {
	if userID == "" {
		return false, fault.Unauthenticated("connection has no authenticated user")
	}
	if connID == "" {
		return false, fault.Invalid("connection id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[connID]; exists {
		return false, fault.Invalid("connection %s is already registered", connID)
	}

	r.conns[connID] = &connection{
		userID:    userID,
		rooms:     make(map[string]struct{}),
		createdAt: time.Now(),
	}

	set, ok := r.users[userID]
	if !ok {
		set = make(map[string]struct{})
		r.users[userID] = set
	}
	set[connID] = struct{}{}
	first = len(set) == 1

	r.updateGauges()
	return first, nil
}

// Unregister removes a connection and every room membership it held. ok is
// false when the connection was not registered.
func (r *Registry) Unregister(connID string) (dep Departure, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, exists := r.conns[connID]
	if !exists {
		return Departure{}, false
	}
	delete(r.conns, connID)

	dep.UserID = c.userID
	dep.LeftRooms = sortedKeys(c.rooms)
	for roomID := range c.rooms {
		r.removeMember(roomID, connID)
	}

	if set, ok := r.users[c.userID]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.users, c.userID)
			dep.WasLastConnection = true
		}
	}

	r.updateGauges()
	return dep, true
}

// JoinRoom adds connID to roomID. changed is false when it was already a
// member.
func (r *Registry) JoinRoom(connID, roomID string) (changed bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connID]
	if !ok {
		return false, fault.Missing("connection %s not found", connID)
	}
	if _, member := c.rooms[roomID]; member {
		return false, nil
	}

	c.rooms[roomID] = struct{}{}
	set, ok := r.rooms[roomID]
	if !ok {
		set = make(map[string]struct{})
		r.rooms[roomID] = set
	}
	set[connID] = struct{}{}
	return true, nil
}

// LeaveRoom removes connID from roomID. changed is false when it was not a
// member.
func (r *Registry) LeaveRoom(connID, roomID string) (changed bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connID]
	if !ok {
		return false, fault.Missing("connection %s not found", connID)
	}
	if _, member := c.rooms[roomID]; !member {
		return false, nil
	}

	delete(c.rooms, roomID)
	r.removeMember(roomID, connID)
	return true, nil
}

// EvictUsers removes every connection of userIDs from roomID and returns the
// evicted connection ids, sorted. The connections stay registered.
func (r *Registry) EvictUsers(roomID string, userIDs []string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	evict := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		evict[id] = struct{}{}
	}

	var evicted []string
	for connID := range r.rooms[roomID] {
		c, ok := r.conns[connID]
		if !ok {
			continue
		}
		if _, ok := evict[c.userID]; !ok {
			continue
		}
		delete(c.rooms, roomID)
		evicted = append(evicted, connID)
	}
	for _, connID := range evicted {
		r.removeMember(roomID, connID)
	}
	sort.Strings(evicted)
	return evicted
}

// CloseRoom removes every member of roomID and returns their connection ids.
func (r *Registry) CloseRoom(roomID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	members := sortedKeys(r.rooms[roomID])
	for _, connID := range members {
		if c, ok := r.conns[connID]; ok {
			delete(c.rooms, roomID)
		}
	}
	delete(r.rooms, roomID)
	return members
}

// removeMember must be called with r.mu held.
func (r *Registry) removeMember(roomID, connID string) {
	set, ok := r.rooms[roomID]
	if !ok {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(r.rooms, roomID)
	}
}

// updateGauges must be called with r.mu held.
func (r *Registry) updateGauges() {
	metrics.ConnectionsTotal.Set(float64(len(r.conns)))
	metrics.OnlineUsers.Set(float64(len(r.users)))
}

// RoomMembers returns the connection ids joined to roomID.
func (r *Registry) RoomMembers(roomID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.rooms[roomID])
}

// RoomUserIDs returns the distinct users with at least one connection joined
// to roomID.
func (r *Registry) RoomUserIDs(roomID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make(map[string]struct{})
	for connID := range r.rooms[roomID] {
		if c, ok := r.conns[connID]; ok {
			users[c.userID] = struct{}{}
		}
	}
	return sortedKeys(users)
}

// OnlineUserIDs returns every user with at least one connection.
func (r *Registry) OnlineUserIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.users)
}

// IsOnline reports whether userID has at least one connection.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID]) > 0
}

// UserConnections returns the connection ids of userID.
func (r *Registry) UserConnections(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.users[userID])
}

// ConnectionIDs returns every registered connection id.
func (r *Registry) ConnectionIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Connection returns a snapshot of the record for connID.
func (r *Registry) Connection(connID string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conns[connID]
	if !ok {
		return Connection{}, false
	}
	return Connection{
		ID:        connID,
		UserID:    c.userID,
		Rooms:     sortedKeys(c.rooms),
		CreatedAt: c.createdAt,
	}, true
}

// InRoom reports whether connID has joined roomID.
func (r *Registry) InRoom(connID, roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conns[connID]
	if !ok {
		return false
	}
	_, member := c.rooms[roomID]
	return member
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
