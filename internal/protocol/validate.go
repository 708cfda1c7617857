package protocol

import (
	"github.com/google/uuid"

	"github.com/junqo/messaging-gateway/internal/fault"
)

// validID reports whether s is a well-formed UUID.
func validID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

func requireID(field, value string) error {
	if value == "" {
		return fault.Invalid("%s is required", field)
	}
	if !validID(value) {
		return fault.Invalid("%s must be a valid UUID", field)
	}
	return nil
}

// ValidateRoom checks joinRoom, leaveRoom, startTyping and stopTyping.
func ValidateRoom(m RoomMsg) error {
	return requireID("conversationId", m.ConversationID)
}

// ValidateSendMessage checks the identifiers and that content is present.
// Content rules beyond presence are enforced by the chat service.
func ValidateSendMessage(m SendMessageMsg) error {
	if err := requireID("senderId", m.SenderID); err != nil {
		return err
	}
	if err := requireID("conversationId", m.ConversationID); err != nil {
		return err
	}
	if m.Content == "" {
		return fault.Invalid("content is required")
	}
	return nil
}

// ValidateUpdateMessage checks an updateMessage payload.
func ValidateUpdateMessage(m UpdateMessageMsg) error {
	if err := requireID("messageId", m.MessageID); err != nil {
		return err
	}
	if err := requireID("conversationId", m.ConversationID); err != nil {
		return err
	}
	if m.Content == "" {
		return fault.Invalid("content is required")
	}
	return nil
}

// ValidateMessageRef checks deleteMessage and markMessageRead.
func ValidateMessageRef(m MessageRefMsg) error {
	if err := requireID("messageId", m.MessageID); err != nil {
		return err
	}
	return requireID("conversationId", m.ConversationID)
}

// ValidateHistory checks a getMessageHistory payload and fills in the
// default limit.
func ValidateHistory(m HistoryMsg) (HistoryMsg, error) {
	if err := requireID("conversationId", m.ConversationID); err != nil {
		return m, err
	}
	if m.Limit == nil {
		limit := DefaultHistoryLimit
		m.Limit = &limit
		return m, nil
	}
	if *m.Limit < 1 || *m.Limit > MaxHistoryLimit {
		return m, fault.Invalid("limit must be between 1 and %d", MaxHistoryLimit)
	}
	return m, nil
}

// ValidateOnlineUsers checks the optional conversation id.
func ValidateOnlineUsers(m OnlineUsersMsg) error {
	if m.ConversationID == "" {
		return nil
	}
	return requireID("conversationId", m.ConversationID)
}

// ValidateCreateConversation checks a createConversation payload.
func ValidateCreateConversation(m CreateConversationMsg) error {
	if len(m.ParticipantsIDs) == 0 {
		return fault.Invalid("participantsIds must not be empty")
	}
	for _, id := range m.ParticipantsIDs {
		if !validID(id) {
			return fault.Invalid("participantsIds must contain valid UUIDs")
		}
	}
	if m.OfferID != "" && !validID(m.OfferID) {
		return fault.Invalid("offerId must be a valid UUID")
	}
	if m.ApplicationID != "" && !validID(m.ApplicationID) {
		return fault.Invalid("applicationId must be a valid UUID")
	}
	return nil
}

// ValidateParticipants checks addParticipants and removeParticipants.
func ValidateParticipants(m ParticipantsMsg) error {
	if err := requireID("conversationId", m.ConversationID); err != nil {
		return err
	}
	if len(m.UserIDs) == 0 {
		return fault.Invalid("userIds must not be empty")
	}
	for _, id := range m.UserIDs {
		if !validID(id) {
			return fault.Invalid("userIds must contain valid UUIDs")
		}
	}
	return nil
}

// ValidateListConversations checks paging bounds and fills in defaults.
func ValidateListConversations(m ListConversationsMsg) (ListConversationsMsg, error) {
	if m.ParticipantID != "" && !validID(m.ParticipantID) {
		return m, fault.Invalid("participantId must be a valid UUID")
	}
	if m.Limit == nil {
		limit := DefaultConversationLimit
		m.Limit = &limit
	} else if *m.Limit < 1 || *m.Limit > MaxConversationLimit {
		return m, fault.Invalid("limit must be between 1 and %d", MaxConversationLimit)
	}
	if m.Offset == nil {
		offset := 0
		m.Offset = &offset
	} else if *m.Offset < 0 {
		return m, fault.Invalid("offset must not be negative")
	}
	return m, nil
}
