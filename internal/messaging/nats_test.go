package messaging

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
)

// newTestClient connects to a local NATS server. Tests that call this helper
// are skipped when no server is running.
func newTestClient(t *testing.T) *NATSClient {
	t.Helper()
	cfg := DefaultNATSConfig()
	cfg.MaxReconnects = 0
	c, err := NewNATSClient(cfg)
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestPublishEvent_RoundTrip(t *testing.T) {
	c := newTestClient(t)

	type payload struct {
		MessageID string `json:"messageId"`
	}

	got := make(chan string, 1)
	sub, err := c.conn.Subscribe(SubjectAll, func(msg *nats.Msg) {
		var p payload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			t.Errorf("unmarshal: %v", err)
			return
		}
		got <- msg.Subject + "|" + p.MessageID
	})
	if err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}
	defer sub.Unsubscribe()
	if err := c.Flush(); err != nil {
		t.Fatalf("Flush() error: %v", err)
	}

	if err := c.PublishEvent(SubjectMessageCreated, payload{MessageID: "m1"}); err != nil {
		t.Fatalf("PublishEvent() error: %v", err)
	}

	select {
	case v := <-got:
		if v != SubjectMessageCreated+"|m1" {
			t.Fatalf("unexpected event %q", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event not received")
	}
}
