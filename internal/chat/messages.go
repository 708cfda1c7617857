// Package chat implements the message and conversation operations of the
// gateway. Every operation follows the same ladder: the target must exist
// (NotFound), the caller's ability must allow the action (Forbidden), the
// store must accept the write (BadRequest on dangling references), and any
// other failure is Internal. Nothing is broadcast unless the write succeeded.
package chat

import (
	"context"
	"log"
	"time"

	"github.com/junqo/messaging-gateway/internal/ability"
	"github.com/junqo/messaging-gateway/internal/broadcast"
	"github.com/junqo/messaging-gateway/internal/fault"
	"github.com/junqo/messaging-gateway/internal/messaging"
	"github.com/junqo/messaging-gateway/internal/metrics"
	"github.com/junqo/messaging-gateway/internal/protocol"
	"github.com/junqo/messaging-gateway/internal/store"
)

// TypingStopper ends a typing indicator. typing.Manager implements it.
type TypingStopper interface {
	Stop(conversationID, userID string) bool
}

// NewMessage is the input of MessageService.Create.
type NewMessage struct {
	SenderID       string
	ConversationID string
	Content        string
}

// MessageService creates, edits, deletes and reads messages.
type MessageService struct {
	conversations store.ConversationStore
	messages      store.MessageStore
	sink          broadcast.Sink
	typing        TypingStopper
	events        EventPublisher
	now           func() time.Time
}

// NewMessageService creates a MessageService. typing may be nil.
func NewMessageService(conversations store.ConversationStore, messages store.MessageStore, sink broadcast.Sink, typing TypingStopper) *MessageService {
	return &MessageService{
		conversations: conversations,
		messages:      messages,
		sink:          sink,
		typing:        typing,
		now:           time.Now,
	}
}

// SetPublisher enables domain event publishing.
func (s *MessageService) SetPublisher(p EventPublisher) {
	s.events = p
}

// conversationResource loads a conversation as an ability resource.
func (s *MessageService) conversationResource(ctx context.Context, id string) (ability.ConversationResource, error) {
	conv, err := s.conversations.FindByID(ctx, id)
	if err != nil {
		return ability.ConversationResource{}, storeFault(err, "conversation")
	}
	return ability.ConversationResource{ParticipantsIDs: conv.ParticipantsIDs}, nil
}

// loadMessage fetches a message and the ability view of it.
func (s *MessageService) loadMessage(ctx context.Context, id string) (*store.Message, ability.MessageResource, error) {
	msg, err := s.messages.FindByID(ctx, id)
	if err != nil {
		return nil, ability.MessageResource{}, storeFault(err, "message")
	}
	conv, err := s.conversationResource(ctx, msg.ConversationID)
	if err != nil {
		return nil, ability.MessageResource{}, err
	}
	return msg, ability.MessageResource{SenderID: msg.SenderID, Conversation: conv}, nil
}

// Create persists a message and broadcasts it to the conversation room. The
// sender's typing indicator in that conversation is stopped.
func (s *MessageService) Create(ctx context.Context, user ability.User, in NewMessage) (*store.Message, error) {
	if err := ValidateContent(in.Content); err != nil {
		return nil, err
	}

	conv, err := s.conversationResource(ctx, in.ConversationID)
	if err != nil {
		return nil, err
	}
	res := ability.MessageResource{SenderID: in.SenderID, Conversation: conv}
	if ability.ForUser(user).Cannot(ability.Create, res) {
		return nil, fault.Denied("you cannot send messages in this conversation")
	}

	msg, err := s.messages.Create(ctx, store.Message{
		SenderID:       in.SenderID,
		ConversationID: in.ConversationID,
		Content:        in.Content,
	})
	if err != nil {
		return nil, storeFault(err, "message")
	}

	if s.typing != nil {
		s.typing.Stop(msg.ConversationID, msg.SenderID)
	}
	if err := s.conversations.SetLastMessage(ctx, msg.ConversationID, msg.ID); err != nil {
		log.Printf("[chat] set last message of conversation=%s failed: %v", msg.ConversationID, err)
	}

	s.sink.ToRoom(msg.ConversationID, protocol.TypeReceiveMessage, msg, "")
	metrics.MessagesTotal.WithLabelValues("created").Inc()
	publish(s.events, messaging.SubjectMessageCreated, Event{
		Type:           "message.created",
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		UserID:         msg.SenderID,
		Ts:             msg.CreatedAt,
	})
	return msg, nil
}

// Update replaces the content of a message the caller owns.
func (s *MessageService) Update(ctx context.Context, user ability.User, messageID, content string) (*store.Message, error) {
	if err := ValidateContent(content); err != nil {
		return nil, err
	}

	_, res, err := s.loadMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if ability.ForUser(user).Cannot(ability.Update, res) {
		return nil, fault.Denied("you cannot edit this message")
	}

	updated, err := s.messages.Update(ctx, messageID, content)
	if err != nil {
		return nil, storeFault(err, "message")
	}

	s.sink.ToRoom(updated.ConversationID, protocol.TypeMessageUpdated, updated, "")
	metrics.MessagesTotal.WithLabelValues("updated").Inc()
	publish(s.events, messaging.SubjectMessageUpdated, Event{
		Type:           "message.updated",
		ConversationID: updated.ConversationID,
		MessageID:      updated.ID,
		UserID:         user.ID,
		Ts:             updated.UpdatedAt,
	})
	return updated, nil
}

// Delete removes a message the caller owns and returns it.
func (s *MessageService) Delete(ctx context.Context, user ability.User, messageID string) (*store.Message, error) {
	msg, res, err := s.loadMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if ability.ForUser(user).Cannot(ability.Delete, res) {
		return nil, fault.Denied("you cannot delete this message")
	}

	if err := s.messages.Delete(ctx, messageID); err != nil {
		return nil, storeFault(err, "message")
	}

	now := s.now()
	s.sink.ToRoom(msg.ConversationID, protocol.TypeMessageDeleted, protocol.MessageDeletedMsg{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		DeletedBy:      user.ID,
		Timestamp:      now,
	}, "")
	metrics.MessagesTotal.WithLabelValues("deleted").Inc()
	publish(s.events, messaging.SubjectMessageDeleted, Event{
		Type:           "message.deleted",
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		UserID:         user.ID,
		Ts:             now,
	})
	return msg, nil
}

// MarkRead records that the caller read a message. Repeated calls refresh
// the same read status and broadcast again.
func (s *MessageService) MarkRead(ctx context.Context, user ability.User, messageID string) (*store.ReadStatus, error) {
	msg, res, err := s.loadMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if ability.ForUser(user).Cannot(ability.Read, res) {
		return nil, fault.Denied("you cannot read this message")
	}

	rs, err := s.messages.MarkRead(ctx, messageID, user.ID, s.now())
	if err != nil {
		return nil, storeFault(err, "message")
	}

	s.sink.ToRoom(msg.ConversationID, protocol.TypeMessageRead, protocol.MessageReadMsg{
		MessageID:      msg.ID,
		UserID:         user.ID,
		ConversationID: msg.ConversationID,
		Timestamp:      rs.ReadAt,
	}, "")
	metrics.MessagesTotal.WithLabelValues("read").Inc()
	publish(s.events, messaging.SubjectMessageRead, Event{
		Type:           "message.read",
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		UserID:         user.ID,
		Ts:             rs.ReadAt,
	})
	return rs, nil
}

// History returns a page of a conversation's messages, newest first. Rows
// the caller may not read are dropped; the returned slice is the page.
func (s *MessageService) History(ctx context.Context, user ability.User, conversationID string, q store.HistoryQuery) ([]store.Message, error) {
	conv, err := s.conversationResource(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	ab := ability.ForUser(user)
	if ab.Cannot(ability.Read, conv) {
		return nil, fault.Denied("you cannot read this conversation")
	}

	page, err := s.messages.FindByConversation(ctx, conversationID, q)
	if err != nil {
		return nil, storeFault(err, "message")
	}

	visible := make([]store.Message, 0, len(page))
	for _, m := range page {
		if ab.Can(ability.Read, ability.MessageResource{SenderID: m.SenderID, Conversation: conv}) {
			visible = append(visible, m)
		}
	}
	return visible, nil
}
