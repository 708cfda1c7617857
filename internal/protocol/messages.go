// Package protocol defines the WebSocket events exchanged between clients and
// the messaging gateway. All frames are JSON objects carrying a "type"
// discriminator next to the event's own fields.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/junqo/messaging-gateway/internal/fault"
)

// ---------------------------------------------------------------------------
// Event names
// ---------------------------------------------------------------------------

// Client -> Server events.
const (
	TypeJoinRoom           = "joinRoom"
	TypeLeaveRoom          = "leaveRoom"
	TypeSendMessage        = "sendMessage"
	TypeUpdateMessage      = "updateMessage"
	TypeDeleteMessage      = "deleteMessage"
	TypeGetMessageHistory  = "getMessageHistory"
	TypeStartTyping        = "startTyping"
	TypeStopTyping         = "stopTyping"
	TypeMarkMessageRead    = "markMessageRead"
	TypeGetOnlineUsers     = "getOnlineUsers"
	TypeCreateConversation = "createConversation"
	TypeListConversations  = "listConversations"
	TypeAddParticipants    = "addParticipants"
	TypeRemoveParticipants = "removeParticipants"
	TypeDeleteConversation = "deleteConversation"
	TypePing               = "ping"
)

// Server -> Client events.
const (
	TypeConnected                 = "connected"
	TypeJoinRoomSuccess           = "joinRoomSuccess"
	TypeLeaveRoomSuccess          = "leaveRoomSuccess"
	TypeUserJoinRoom              = "userJoinRoom"
	TypeUserLeaveRoom             = "userLeaveRoom"
	TypeReceiveMessage            = "receiveMessage"
	TypeUpdateMessageSuccess      = "updateMessageSuccess"
	TypeMessageUpdated            = "messageUpdated"
	TypeDeleteMessageSuccess      = "deleteMessageSuccess"
	TypeMessageDeleted            = "messageDeleted"
	TypeMessageHistory            = "messageHistory"
	TypeUserStartTyping           = "userStartTyping"
	TypeUserStopTyping            = "userStopTyping"
	TypeMessageRead               = "messageRead"
	TypeOnlineUsers               = "onlineUsers"
	TypeUserStatus                = "userStatus"
	TypeCreateConversationSuccess = "createConversationSuccess"
	TypeConversationList          = "conversationList"
	TypeUpdateParticipantsSuccess = "updateParticipantsSuccess"
	TypeParticipantsUpdated       = "participantsUpdated"
	TypeDeleteConversationSuccess = "deleteConversationSuccess"
	TypeConversationDeleted       = "conversationDeleted"
	TypeError                     = "error"
	TypePong                      = "pong"
)

// Error events paired with client events.
const (
	TypeJoinRoomError       = "joinRoomError"
	TypeLeaveRoomError      = "leaveRoomError"
	TypeMessageError        = "messageError"
	TypeUpdateMessageError  = "updateMessageError"
	TypeDeleteMessageError  = "deleteMessageError"
	TypeMessageHistoryError = "messageHistoryError"
	TypeTypingError         = "typingError"
	TypeMarkReadError       = "markReadError"
	TypeOnlineUsersError    = "onlineUsersError"
	TypeConversationError   = "conversationError"
)

var errorEvents = map[string]string{
	TypeJoinRoom:           TypeJoinRoomError,
	TypeLeaveRoom:          TypeLeaveRoomError,
	TypeSendMessage:        TypeMessageError,
	TypeUpdateMessage:      TypeUpdateMessageError,
	TypeDeleteMessage:      TypeDeleteMessageError,
	TypeGetMessageHistory:  TypeMessageHistoryError,
	TypeStartTyping:        TypeTypingError,
	TypeStopTyping:         TypeTypingError,
	TypeMarkMessageRead:    TypeMarkReadError,
	TypeGetOnlineUsers:     TypeOnlineUsersError,
	TypeCreateConversation: TypeConversationError,
	TypeListConversations:  TypeConversationError,
	TypeAddParticipants:    TypeConversationError,
	TypeRemoveParticipants: TypeConversationError,
	TypeDeleteConversation: TypeConversationError,
}

// ErrorEventFor returns the error event paired with a client event, or the
// generic "error" event for anything else.
func ErrorEventFor(msgType string) string {
	if ev, ok := errorEvents[msgType]; ok {
		return ev
	}
	return TypeError
}

// Status values of the global userStatus event.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// History paging bounds.
const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 100

	DefaultConversationLimit = 10
	MaxConversationLimit     = 100
)

// ---------------------------------------------------------------------------
// Envelope: used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server payloads
// ---------------------------------------------------------------------------

// RoomMsg is the payload of joinRoom, leaveRoom, startTyping and stopTyping.
type RoomMsg struct {
	ConversationID string `json:"conversationId"`
}

// SendMessageMsg posts a new message to a conversation.
type SendMessageMsg struct {
	SenderID       string `json:"senderId"`
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
}

// UpdateMessageMsg edits the content of an existing message.
type UpdateMessageMsg struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
}

// MessageRefMsg is the payload of deleteMessage and markMessageRead.
type MessageRefMsg struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
}

// HistoryMsg requests a page of messages, newest first, older than Before.
type HistoryMsg struct {
	ConversationID string     `json:"conversationId"`
	Limit          *int       `json:"limit,omitempty"`
	Before         *time.Time `json:"before,omitempty"`
}

// OnlineUsersMsg asks for the online users of a room, or of the whole
// gateway when ConversationID is empty.
type OnlineUsersMsg struct {
	ConversationID string `json:"conversationId,omitempty"`
}

// CreateConversationMsg opens a conversation between participants.
type CreateConversationMsg struct {
	ParticipantsIDs []string `json:"participantsIds"`
	Title           string   `json:"title,omitempty"`
	OfferID         string   `json:"offerId,omitempty"`
	ApplicationID   string   `json:"applicationId,omitempty"`
}

// ListConversationsMsg pages through the caller's conversations.
type ListConversationsMsg struct {
	ParticipantID string `json:"participantId,omitempty"`
	Limit         *int   `json:"limit,omitempty"`
	Offset        *int   `json:"offset,omitempty"`
}

// ParticipantsMsg is the payload of addParticipants and removeParticipants.
type ParticipantsMsg struct {
	ConversationID string   `json:"conversationId"`
	UserIDs        []string `json:"userIds"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct{}

// ---------------------------------------------------------------------------
// Server -> Client payloads
// ---------------------------------------------------------------------------

// ConnectedMsg is sent once the handshake has been accepted.
type ConnectedMsg struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
}

// RoomAckMsg acknowledges joinRoom and leaveRoom.
type RoomAckMsg struct {
	ConversationID string `json:"conversationId"`
}

// RoomPresenceMsg announces a user joining or leaving a room.
type RoomPresenceMsg struct {
	UserID         string    `json:"userId"`
	ConversationID string    `json:"conversationId"`
	Timestamp      time.Time `json:"timestamp"`
}

// UserStatusMsg is the global online/offline transition of a user.
type UserStatusMsg struct {
	UserID    string    `json:"userId"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// TypingMsg announces a typing start or stop in a room.
type TypingMsg struct {
	UserID         string    `json:"userId"`
	ConversationID string    `json:"conversationId"`
	Timestamp      time.Time `json:"timestamp"`
}

// MessageAckMsg acknowledges updateMessage and deleteMessage.
type MessageAckMsg struct {
	MessageID string `json:"messageId"`
}

// MessageDeletedMsg is broadcast to the room after a deletion.
type MessageDeletedMsg struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	DeletedBy      string    `json:"deletedBy"`
	Timestamp      time.Time `json:"timestamp"`
}

// MessageReadMsg is broadcast to the room when a user reads a message.
type MessageReadMsg struct {
	MessageID      string    `json:"messageId"`
	UserID         string    `json:"userId"`
	ConversationID string    `json:"conversationId"`
	Timestamp      time.Time `json:"timestamp"`
}

// MessageHistoryMsg answers getMessageHistory.
type MessageHistoryMsg struct {
	ConversationID string      `json:"conversationId"`
	Messages       interface{} `json:"messages"`
	Count          int         `json:"count"`
	Timestamp      time.Time   `json:"timestamp"`
}

// OnlineUsersResultMsg answers getOnlineUsers.
type OnlineUsersResultMsg struct {
	Users          []string  `json:"users"`
	ConversationID string    `json:"conversationId,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// ConversationListMsg answers listConversations.
type ConversationListMsg struct {
	Rows  interface{} `json:"rows"`
	Count int         `json:"count"`
}

// ConversationDeletedMsg is broadcast to the room before it is closed.
type ConversationDeletedMsg struct {
	ConversationID string    `json:"conversationId"`
	DeletedBy      string    `json:"deletedBy"`
	Timestamp      time.Time `json:"timestamp"`
}

// ErrorMsg is sent on an event's paired error channel. Error carries the
// fault code so clients can tell fault kinds apart.
type ErrorMsg struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct{}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed, validated client
// payload. It returns the event type, the decoded struct and any error. Decode
// and validation failures of known events are Validation faults so they can
// be reported on the event's paired error channel.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeJoinRoom, TypeLeaveRoom, TypeStartTyping, TypeStopTyping:
		var m RoomMsg
		if err = decode(env, &m); err == nil {
			err = ValidateRoom(m)
		}
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		if err = decode(env, &m); err == nil {
			err = ValidateSendMessage(m)
		}
		msg = m
	case TypeUpdateMessage:
		var m UpdateMessageMsg
		if err = decode(env, &m); err == nil {
			err = ValidateUpdateMessage(m)
		}
		msg = m
	case TypeDeleteMessage, TypeMarkMessageRead:
		var m MessageRefMsg
		if err = decode(env, &m); err == nil {
			err = ValidateMessageRef(m)
		}
		msg = m
	case TypeGetMessageHistory:
		var m HistoryMsg
		if err = decode(env, &m); err == nil {
			m, err = ValidateHistory(m)
		}
		msg = m
	case TypeGetOnlineUsers:
		var m OnlineUsersMsg
		if err = decode(env, &m); err == nil {
			err = ValidateOnlineUsers(m)
		}
		msg = m
	case TypeAddParticipants, TypeRemoveParticipants:
		var m ParticipantsMsg
		if err = decode(env, &m); err == nil {
			err = ValidateParticipants(m)
		}
		msg = m
	case TypeDeleteConversation:
		var m RoomMsg
		if err = decode(env, &m); err == nil {
			err = ValidateRoom(m)
		}
		msg = m
	case TypeCreateConversation:
		var m CreateConversationMsg
		if err = decode(env, &m); err == nil {
			err = ValidateCreateConversation(m)
		}
		msg = m
	case TypeListConversations:
		var m ListConversationsMsg
		if err = decode(env, &m); err == nil {
			m, err = ValidateListConversations(m)
		}
		msg = m
	case TypePing:
		msg = PingMsg{}
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, err
	}
	return env.Type, msg, nil
}

func decode(env Envelope, v interface{}) error {
	if err := json.Unmarshal(env.Raw, v); err != nil {
		return &fault.Error{
			Kind:    fault.Validation,
			Message: fmt.Sprintf("invalid %s payload", env.Type),
			Err:     err,
		}
	}
	return nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// must marshal to a JSON object.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	m := map[string]interface{}{}
	if string(raw) != "null" {
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
		}
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
