// Package store defines the persistence boundary of the gateway: the
// conversation and message stores, their DTOs and the sentinel errors the
// chat services map onto fault kinds.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrForeignKey is returned when a write references a row that does not
	// exist.
	ErrForeignKey = errors.New("store: foreign key violation")
)

// Conversation is a persisted conversation between participants.
type Conversation struct {
	ID              string    `json:"id"`
	ParticipantsIDs []string  `json:"participantsIds"`
	Title           string    `json:"title,omitempty"`
	OfferID         string    `json:"offerId,omitempty"`
	ApplicationID   string    `json:"applicationId,omitempty"`
	LastMessageID   string    `json:"lastMessageId,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Message is a persisted chat message.
type Message struct {
	ID             string    `json:"id"`
	SenderID       string    `json:"senderId"`
	ConversationID string    `json:"conversationId"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// ReadStatus records that a user has read a message. There is at most one
// per (MessageID, UserID).
type ReadStatus struct {
	MessageID string    `json:"messageId"`
	UserID    string    `json:"userId"`
	ReadAt    time.Time `json:"readAt"`
}

// ConversationQuery filters FindByQuery. An empty ParticipantID lists every
// conversation.
type ConversationQuery struct {
	ParticipantID string
	Limit         int
	Offset        int
}

// HistoryQuery selects a page of messages, newest first. A nil Before means
// "from the newest message".
type HistoryQuery struct {
	Limit  int
	Before *time.Time
}

// ConversationStore persists conversations.
type ConversationStore interface {
	FindByID(ctx context.Context, id string) (*Conversation, error)
	Create(ctx context.Context, c Conversation) (*Conversation, error)
	SetParticipants(ctx context.Context, id string, participantsIDs []string) (*Conversation, error)
	SetLastMessage(ctx context.Context, id, messageID string) error
	// Delete removes a conversation with its messages and read receipts.
	Delete(ctx context.Context, id string) error
	// FindByQuery returns one page of conversations, most recently updated
	// first, and the total number of matching rows.
	FindByQuery(ctx context.Context, q ConversationQuery) ([]Conversation, int, error)
}

// MessageStore persists messages and read receipts.
type MessageStore interface {
	FindByID(ctx context.Context, id string) (*Message, error)
	Create(ctx context.Context, m Message) (*Message, error)
	Update(ctx context.Context, id, content string) (*Message, error)
	Delete(ctx context.Context, id string) error
	FindByConversation(ctx context.Context, conversationID string, q HistoryQuery) ([]Message, error)
	// MarkRead inserts or refreshes the read status of (messageID, userID).
	MarkRead(ctx context.Context, messageID, userID string, readAt time.Time) (*ReadStatus, error)
	ReadStatuses(ctx context.Context, messageID string) ([]ReadStatus, error)
}
