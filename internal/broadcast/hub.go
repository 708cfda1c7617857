// Package broadcast fans server events out to WebSocket connections. Events
// are scoped to a room (the connections currently joined to a conversation),
// to every authenticated connection, or to a single connection.
package broadcast

import (
	"log"

	"github.com/junqo/messaging-gateway/internal/metrics"
	"github.com/junqo/messaging-gateway/internal/protocol"
)

// Sink is the broadcast target used by the presence, typing and chat
// components.
type Sink interface {
	// ToRoom sends to every connection joined to roomID except the connection
	// with id except (pass "" to exclude nobody).
	ToRoom(roomID, msgType string, payload interface{}, except string)
	// ToAll sends to every authenticated connection.
	ToAll(msgType string, payload interface{})
	// ToConn sends to a single connection.
	ToConn(connID, msgType string, payload interface{})
}

// Directory resolves broadcast scopes to connection ids.
type Directory interface {
	RoomMembers(roomID string) []string
	ConnectionIDs() []string
}

// Sender writes an encoded frame to one connection.
type Sender interface {
	SendMessage(connID string, data []byte) error
}

// Hub is the Sink backed by the connection registry and the transport.
type Hub struct {
	dir    Directory
	sender Sender
}

// NewHub creates a Hub.
func NewHub(dir Directory, sender Sender) *Hub {
	return &Hub{dir: dir, sender: sender}
}

// SetSender assigns the transport. It supports the initialization order in
// which the hub is created before the WebSocket server.
func (h *Hub) SetSender(sender Sender) {
	h.sender = sender
}

// ToRoom implements Sink.
func (h *Hub) ToRoom(roomID, msgType string, payload interface{}, except string) {
	h.fanOut(ScopeRoom, h.dir.RoomMembers(roomID), msgType, payload, except)
}

// ToAll implements Sink.
func (h *Hub) ToAll(msgType string, payload interface{}) {
	h.fanOut(ScopeGlobal, h.dir.ConnectionIDs(), msgType, payload, "")
}

// ToConn implements Sink.
func (h *Hub) ToConn(connID, msgType string, payload interface{}) {
	h.fanOut(ScopeDirect, []string{connID}, msgType, payload, "")
}

// fanOut encodes the frame once and writes it to every target. Failed
// writes are logged; the heartbeat and read loop evict dead connections.
func (h *Hub) fanOut(scope string, targets []string, msgType string, payload interface{}, except string) {
	if len(targets) == 0 || h.sender == nil {
		return
	}

	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("[broadcast] encode %s failed: %v", msgType, err)
		return
	}

	for _, id := range targets {
		if id == except {
			continue
		}
		if err := h.sender.SendMessage(id, data); err != nil {
			log.Printf("[broadcast] %s %s to conn=%s failed: %v", scope, msgType, id, err)
			continue
		}
		metrics.BroadcastFrames.WithLabelValues(scope).Inc()
	}
}
