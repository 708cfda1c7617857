package ws

import (
	"fmt"
	"log"
	"runtime/debug"
	"time"

	"github.com/junqo/messaging-gateway/internal/fault"
	"github.com/junqo/messaging-gateway/internal/metrics"
	"github.com/junqo/messaging-gateway/internal/protocol"
)

// MessageHandler is the callback signature for handling a parsed client message.
// The msg parameter is the concrete struct returned by protocol.ParseClientMessage
// (e.g., protocol.RoomMsg, protocol.SendMessageMsg, etc.). A returned error is
// reported to the client on the event's paired error channel.
type MessageHandler func(conn *Connection, msg interface{}) error

// MessageDispatcher routes incoming WebSocket messages to registered handlers
// based on the message type. It answers ping internally, reports malformed
// payloads and handler failures on the paired error event, and keeps a
// panicking handler from taking the process down.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
}

// NewMessageDispatcher creates an empty MessageDispatcher.
func NewMessageDispatcher() *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
	}
}

// Register associates a MessageHandler with a message type. If a handler was
// already registered for the given type, it is silently replaced.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the onMessage callback implementation. It parses the raw bytes
// into a typed message, handles ping internally, and routes all other types to
// the registered handler.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("ws: dispatch parse error conn=%s type=%q: %v", conn.ID, msgType, err)
		switch {
		case fault.Is(err, fault.Validation):
		case msgType != "":
			err = fault.Invalid("unsupported message type %q", msgType)
		default:
			err = fault.Invalid("invalid message format")
		}
		d.sendError(conn, protocol.ErrorEventFor(msgType), err)
		return
	}

	// Built-in ping handler; respond immediately without requiring registration.
	if msgType == protocol.TypePing {
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		log.Printf("ws: unsupported message type=%q conn=%s", msgType, conn.ID)
		d.sendError(conn, protocol.ErrorEventFor(msgType), fault.Invalid("unsupported message type %q", msgType))
		return
	}

	start := time.Now()
	err = d.invoke(handler, conn, msg)
	metrics.HandlerLatency.WithLabelValues(msgType).Observe(time.Since(start).Seconds())

	if err != nil {
		if fault.KindOf(err) == fault.Internal {
			log.Printf("ws: handler %s failed conn=%s user=%s: %v", msgType, conn.ID, conn.user.ID, err)
		} else {
			log.Printf("ws: handler %s rejected conn=%s: %v", msgType, conn.ID, err)
		}
		d.sendError(conn, protocol.ErrorEventFor(msgType), err)
	}
}

// invoke runs handler, converting a panic into an Internal fault.
func (d *MessageDispatcher) invoke(handler MessageHandler, conn *Connection, msg interface{}) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("ws: handler panic conn=%s: %v\n%s", conn.ID, r, debug.Stack())
			err = fault.Wrap(fmt.Errorf("panic: %v", r), "handler panic")
		}
	}()
	return handler(conn, msg)
}

// sendError sends {message, error} on errEvent. Internal failures carry a
// generic message. Errors during transmission are logged but not propagated.
func (d *MessageDispatcher) sendError(conn *Connection, errEvent string, cause error) {
	kind := fault.KindOf(cause)
	metrics.HandlerFaults.WithLabelValues(kind.String()).Inc()

	data, err := protocol.NewServerMessage(errEvent, protocol.ErrorMsg{
		Message: fault.PublicMessage(cause),
		Error:   kind.Code(),
	})
	if err != nil {
		log.Printf("ws: failed to build error message conn=%s: %v", conn.ID, err)
		return
	}

	if err := conn.WriteMessage(data); err != nil {
		log.Printf("ws: failed to send error message conn=%s: %v", conn.ID, err)
	}
}

// sendPong responds to a client ping with a pong message and records the
// activity.
func (d *MessageDispatcher) sendPong(conn *Connection) {
	conn.Touch()

	data, err := protocol.NewServerMessage(protocol.TypePong, protocol.PongMsg{})
	if err != nil {
		log.Printf("ws: failed to build pong message conn=%s: %v", conn.ID, err)
		return
	}

	if err := conn.WriteMessage(data); err != nil {
		log.Printf("ws: failed to send pong message conn=%s: %v", conn.ID, err)
	}
}
