// Package messaging provides a NATS client wrapper that publishes the
// gateway's domain events for other services.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subjects of the domain events published by the gateway.
const (
	SubjectMessageCreated      = "chat.message.created"
	SubjectMessageUpdated      = "chat.message.updated"
	SubjectMessageDeleted      = "chat.message.deleted"
	SubjectMessageRead         = "chat.message.read"
	SubjectConversationCreated = "chat.conversation.created"
	SubjectConversationUpdated = "chat.conversation.updated"
	SubjectConversationDeleted = "chat.conversation.deleted"

	// SubjectAll matches every subject above.
	SubjectAll = "chat.>"
)

// NATSClient wraps the NATS connection with helper methods for publishing.
type NATSClient struct {
	conn *nats.Conn
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "messaging-gateway",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{conn: nc}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// PublishEvent JSON-encodes v and publishes it to subject.
func (c *NATSClient) PublishEvent(subject string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("nats marshal %s: %w", subject, err)
	}
	if err := c.Publish(subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Flush round-trips to the server so every published message has been
// processed by it.
func (c *NATSClient) Flush() error {
	return c.conn.Flush()
}

// Close drains pending publishes and closes the NATS connection.
func (c *NATSClient) Close() {
	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
