package chat

import (
	"log"
	"time"
)

// Event is the payload published for every successful message or
// conversation mutation, for consumers outside the gateway.
type Event struct {
	Type           string    `json:"type"` // "message.created", "message.updated", ...
	ConversationID string    `json:"conversationId"`
	MessageID      string    `json:"messageId,omitempty"`
	UserID         string    `json:"userId"`
	UserIDs        []string  `json:"userIds,omitempty"`
	Ts             time.Time `json:"ts"`
}

// EventPublisher publishes domain events. messaging.NATSClient implements it.
type EventPublisher interface {
	PublishEvent(subject string, v interface{}) error
}

// publish is a no-op without a publisher. Failures are logged only; the
// mutation has already been persisted and broadcast.
func publish(p EventPublisher, subject string, ev Event) {
	if p == nil {
		return
	}
	if err := p.PublishEvent(subject, ev); err != nil {
		log.Printf("[chat] publish %s failed: %v", subject, err)
	}
}
