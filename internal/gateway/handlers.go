package gateway

import (
	"context"
	"log"
	"math"

	"github.com/junqo/messaging-gateway/internal/chat"
	"github.com/junqo/messaging-gateway/internal/fault"
	"github.com/junqo/messaging-gateway/internal/protocol"
	"github.com/junqo/messaging-gateway/internal/store"
	"github.com/junqo/messaging-gateway/internal/ws"
)

// Bind registers a handler on d for every client event.
func (g *Gateway) Bind(d *ws.MessageDispatcher) {
	d.Register(protocol.TypeJoinRoom, handle(g.JoinRoom))
	d.Register(protocol.TypeLeaveRoom, handle(g.LeaveRoom))
	d.Register(protocol.TypeSendMessage, handle(g.SendMessage))
	d.Register(protocol.TypeUpdateMessage, handle(g.UpdateMessage))
	d.Register(protocol.TypeDeleteMessage, handle(g.DeleteMessage))
	d.Register(protocol.TypeGetMessageHistory, handle(g.MessageHistory))
	d.Register(protocol.TypeStartTyping, handle(g.StartTyping))
	d.Register(protocol.TypeStopTyping, handle(g.StopTyping))
	d.Register(protocol.TypeMarkMessageRead, handle(g.MarkRead))
	d.Register(protocol.TypeGetOnlineUsers, handle(g.OnlineUsers))
	d.Register(protocol.TypeCreateConversation, handle(g.CreateConversation))
	d.Register(protocol.TypeListConversations, handle(g.ListConversations))
	d.Register(protocol.TypeAddParticipants, handle(g.AddParticipants))
	d.Register(protocol.TypeRemoveParticipants, handle(g.RemoveParticipants))
	d.Register(protocol.TypeDeleteConversation, handle(g.DeleteConversation))
}

// handle adapts a typed gateway handler to ws.MessageHandler.
func handle[T any](fn func(context.Context, Client, T) error) ws.MessageHandler {
	return func(conn *ws.Connection, msg interface{}) error {
		m, ok := msg.(T)
		if !ok {
			return fault.Invalid("invalid message format")
		}
		return fn(context.Background(), conn, m)
	}
}

// JoinRoom subscribes the connection to a conversation's room. The caller
// must be allowed to read the conversation.
func (g *Gateway) JoinRoom(ctx context.Context, c Client, m protocol.RoomMsg) error {
	if _, err := g.conversations.FindByID(ctx, c.User(), m.ConversationID); err != nil {
		return err
	}
	changed, err := g.registry.JoinRoom(c.ConnID(), m.ConversationID)
	if err != nil {
		return err
	}
	if changed {
		g.presence.Joined(m.ConversationID, c.User().ID, c.ConnID())
	}
	g.sink.ToConn(c.ConnID(), protocol.TypeJoinRoomSuccess, protocol.RoomAckMsg{ConversationID: m.ConversationID})
	return nil
}

// LeaveRoom unsubscribes the connection from a room. Leaving a room the
// connection is not in is acknowledged without a broadcast.
func (g *Gateway) LeaveRoom(ctx context.Context, c Client, m protocol.RoomMsg) error {
	changed, err := g.registry.LeaveRoom(c.ConnID(), m.ConversationID)
	if err != nil {
		return err
	}
	if changed {
		g.presence.Left(m.ConversationID, c.User().ID, c.ConnID())
	}
	g.sink.ToConn(c.ConnID(), protocol.TypeLeaveRoomSuccess, protocol.RoomAckMsg{ConversationID: m.ConversationID})
	return nil
}

// SendMessage persists a message and broadcasts it to the room.
func (g *Gateway) SendMessage(ctx context.Context, c Client, m protocol.SendMessageMsg) error {
	user := c.User()
	if g.limiter != nil {
		// Allow fails open and logs its own errors.
		if ok, _ := g.limiter.Allow(ctx, user.ID, g.rule); !ok {
			return g.throttled(ctx, user.ID)
		}
	}
	_, err := g.messages.Create(ctx, user, chat.NewMessage{
		SenderID:       m.SenderID,
		ConversationID: m.ConversationID,
		Content:        m.Content,
	})
	return err
}

// throttled builds the sendMessage rate limit fault, with the wait until the
// window reopens when the limiter can tell.
func (g *Gateway) throttled(ctx context.Context, userID string) error {
	wait, err := g.limiter.RetryAfter(ctx, userID, g.rule)
	if err != nil || wait <= 0 {
		return fault.Throttled("too many messages, slow down")
	}
	secs := int(math.Ceil(wait.Seconds()))
	return fault.Throttled("too many messages, retry in %ds", secs)
}

// UpdateMessage edits a message and acknowledges the caller.
func (g *Gateway) UpdateMessage(ctx context.Context, c Client, m protocol.UpdateMessageMsg) error {
	msg, err := g.messages.Update(ctx, c.User(), m.MessageID, m.Content)
	if err != nil {
		return err
	}
	g.sink.ToConn(c.ConnID(), protocol.TypeUpdateMessageSuccess, msg)
	return nil
}

// DeleteMessage removes a message and acknowledges the caller.
func (g *Gateway) DeleteMessage(ctx context.Context, c Client, m protocol.MessageRefMsg) error {
	msg, err := g.messages.Delete(ctx, c.User(), m.MessageID)
	if err != nil {
		return err
	}
	g.sink.ToConn(c.ConnID(), protocol.TypeDeleteMessageSuccess, protocol.MessageAckMsg{MessageID: msg.ID})
	return nil
}

// MarkRead records a read receipt; the room is told by the message service.
func (g *Gateway) MarkRead(ctx context.Context, c Client, m protocol.MessageRefMsg) error {
	_, err := g.messages.MarkRead(ctx, c.User(), m.MessageID)
	return err
}

// MessageHistory answers with a page of the conversation's messages.
func (g *Gateway) MessageHistory(ctx context.Context, c Client, m protocol.HistoryMsg) error {
	q := store.HistoryQuery{Limit: protocol.DefaultHistoryLimit, Before: m.Before}
	if m.Limit != nil {
		q.Limit = *m.Limit
	}
	page, err := g.messages.History(ctx, c.User(), m.ConversationID, q)
	if err != nil {
		return err
	}
	g.sink.ToConn(c.ConnID(), protocol.TypeMessageHistory, protocol.MessageHistoryMsg{
		ConversationID: m.ConversationID,
		Messages:       page,
		Count:          len(page),
		Timestamp:      g.now(),
	})
	return nil
}

// StartTyping marks the user as typing in a room the connection has joined.
func (g *Gateway) StartTyping(ctx context.Context, c Client, m protocol.RoomMsg) error {
	if !g.registry.InRoom(c.ConnID(), m.ConversationID) {
		return fault.Denied("join the conversation before typing")
	}
	g.typing.Start(m.ConversationID, c.User().ID, c.ConnID())
	return nil
}

// StopTyping ends the user's typing indicator in a room.
func (g *Gateway) StopTyping(ctx context.Context, c Client, m protocol.RoomMsg) error {
	if !g.registry.InRoom(c.ConnID(), m.ConversationID) {
		return fault.Denied("join the conversation before typing")
	}
	g.typing.Stop(m.ConversationID, c.User().ID)
	return nil
}

// OnlineUsers answers with the users joined to a room, or with every online
// user when no conversation is given.
func (g *Gateway) OnlineUsers(ctx context.Context, c Client, m protocol.OnlineUsersMsg) error {
	var users []string
	if m.ConversationID != "" {
		if _, err := g.conversations.FindByID(ctx, c.User(), m.ConversationID); err != nil {
			return err
		}
		users = g.registry.RoomUserIDs(m.ConversationID)
	} else {
		users = g.registry.OnlineUserIDs()
	}
	if users == nil {
		users = []string{}
	}
	g.sink.ToConn(c.ConnID(), protocol.TypeOnlineUsers, protocol.OnlineUsersResultMsg{
		Users:          users,
		ConversationID: m.ConversationID,
		Timestamp:      g.now(),
	})
	return nil
}

// CreateConversation opens a conversation that includes the caller.
func (g *Gateway) CreateConversation(ctx context.Context, c Client, m protocol.CreateConversationMsg) error {
	conv, err := g.conversations.Create(ctx, c.User(), chat.NewConversation{
		ParticipantsIDs: m.ParticipantsIDs,
		Title:           m.Title,
		OfferID:         m.OfferID,
		ApplicationID:   m.ApplicationID,
	})
	if err != nil {
		return err
	}
	g.sink.ToConn(c.ConnID(), protocol.TypeCreateConversationSuccess, conv)
	return nil
}

// ListConversations answers with a page of the conversations the caller may
// read.
func (g *Gateway) ListConversations(ctx context.Context, c Client, m protocol.ListConversationsMsg) error {
	q := store.ConversationQuery{
		ParticipantID: m.ParticipantID,
		Limit:         protocol.DefaultConversationLimit,
	}
	if m.Limit != nil {
		q.Limit = *m.Limit
	}
	if m.Offset != nil {
		q.Offset = *m.Offset
	}
	rows, total, err := g.conversations.FindByQuery(ctx, c.User(), q)
	if err != nil {
		return err
	}
	g.sink.ToConn(c.ConnID(), protocol.TypeConversationList, protocol.ConversationListMsg{
		Rows:  rows,
		Count: total,
	})
	return nil
}

// AddParticipants adds users to a conversation. The room and the caller
// receive the updated conversation.
func (g *Gateway) AddParticipants(ctx context.Context, c Client, m protocol.ParticipantsMsg) error {
	conv, err := g.conversations.AddParticipants(ctx, c.User(), m.ConversationID, m.UserIDs)
	if err != nil {
		return err
	}
	g.sink.ToRoom(conv.ID, protocol.TypeParticipantsUpdated, conv, c.ConnID())
	g.sink.ToConn(c.ConnID(), protocol.TypeUpdateParticipantsSuccess, conv)
	return nil
}

// RemoveParticipants removes users from a conversation and evicts their
// connections from its room. Each removed user's typing indicator is stopped
// and the room is told the user left. Evicted connections receive the updated
// conversation directly.
func (g *Gateway) RemoveParticipants(ctx context.Context, c Client, m protocol.ParticipantsMsg) error {
	conv, err := g.conversations.RemoveParticipants(ctx, c.User(), m.ConversationID, m.UserIDs)
	if err != nil {
		return err
	}

	evicted := g.registry.EvictUsers(conv.ID, m.UserIDs)
	left := make(map[string]struct{})
	for _, connID := range evicted {
		if rec, ok := g.registry.Connection(connID); ok {
			left[rec.UserID] = struct{}{}
		}
	}
	for _, userID := range m.UserIDs {
		g.typing.Stop(conv.ID, userID)
		if _, ok := left[userID]; ok {
			g.presence.Left(conv.ID, userID, "")
		}
	}
	log.Printf("[gateway] removed participants conversation=%s users=%v evicted=%d", conv.ID, m.UserIDs, len(evicted))

	for _, connID := range evicted {
		g.sink.ToConn(connID, protocol.TypeParticipantsUpdated, conv)
	}
	g.sink.ToRoom(conv.ID, protocol.TypeParticipantsUpdated, conv, c.ConnID())
	g.sink.ToConn(c.ConnID(), protocol.TypeUpdateParticipantsSuccess, conv)
	return nil
}

// DeleteConversation removes a conversation and tears down its room. The
// members are told before the room is closed.
func (g *Gateway) DeleteConversation(ctx context.Context, c Client, m protocol.RoomMsg) error {
	user := c.User()
	if err := g.conversations.Delete(ctx, user, m.ConversationID); err != nil {
		return err
	}

	g.typing.DropConversation(m.ConversationID)
	g.sink.ToRoom(m.ConversationID, protocol.TypeConversationDeleted, protocol.ConversationDeletedMsg{
		ConversationID: m.ConversationID,
		DeletedBy:      user.ID,
		Timestamp:      g.now(),
	}, "")
	members := g.registry.CloseRoom(m.ConversationID)
	log.Printf("[gateway] deleted conversation=%s by=%s members=%d", m.ConversationID, user.ID, len(members))

	g.sink.ToConn(c.ConnID(), protocol.TypeDeleteConversationSuccess, protocol.RoomAckMsg{ConversationID: m.ConversationID})
	return nil
}
