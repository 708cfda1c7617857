package presence

import (
	"time"

	"github.com/junqo/messaging-gateway/internal/broadcast"
	"github.com/junqo/messaging-gateway/internal/protocol"
)

// Broadcaster turns registry transitions into client events.
type Broadcaster struct {
	sink broadcast.Sink
	now  func() time.Time
}

// NewBroadcaster creates a Broadcaster writing to sink.
func NewBroadcaster(sink broadcast.Sink) *Broadcaster {
	return &Broadcaster{sink: sink, now: time.Now}
}

// Online announces userID's first connection to every connection.
func (b *Broadcaster) Online(userID string) {
	b.sink.ToAll(protocol.TypeUserStatus, protocol.UserStatusMsg{
		UserID:    userID,
		Status:    protocol.StatusOnline,
		Timestamp: b.now(),
	})
}

// Offline announces that userID has no connections left.
func (b *Broadcaster) Offline(userID string) {
	b.sink.ToAll(protocol.TypeUserStatus, protocol.UserStatusMsg{
		UserID:    userID,
		Status:    protocol.StatusOffline,
		Timestamp: b.now(),
	})
}

// Joined tells the other members of roomID that userID joined it.
func (b *Broadcaster) Joined(roomID, userID, connID string) {
	b.sink.ToRoom(roomID, protocol.TypeUserJoinRoom, protocol.RoomPresenceMsg{
		UserID:         userID,
		ConversationID: roomID,
		Timestamp:      b.now(),
	}, connID)
}

// Left tells the other members of roomID that userID left it.
func (b *Broadcaster) Left(roomID, userID, connID string) {
	b.sink.ToRoom(roomID, protocol.TypeUserLeaveRoom, protocol.RoomPresenceMsg{
		UserID:         userID,
		ConversationID: roomID,
		Timestamp:      b.now(),
	}, connID)
}

// Departed emits the room leave events of a disconnect. The connection is
// already gone from the registry, so the remaining members receive them. The
// offline status is not sent here; the caller sends it after clearing the
// user's typing state.
func (b *Broadcaster) Departed(connID string, dep Departure) {
	for _, roomID := range dep.LeftRooms {
		b.Left(roomID, dep.UserID, connID)
	}
}
