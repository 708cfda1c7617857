// Package typing implements the per-conversation typing indicators. Each
// (conversation, user) pair is either idle or typing; a typing entry expires
// after a fixed timeout unless it is refreshed.
package typing

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/junqo/messaging-gateway/internal/broadcast"
	"github.com/junqo/messaging-gateway/internal/metrics"
	"github.com/junqo/messaging-gateway/internal/protocol"
)

// DefaultTimeout is how long a typing entry lives without a refresh.
const DefaultTimeout = 5 * time.Second

type key struct {
	conversationID string
	userID         string
}

type entry struct {
	timer     *time.Timer
	gen       uint64
	connID    string
	expiresAt time.Time
}

// notice is a start or stop event waiting to be sent.
type notice struct {
	msgType string
	msg     protocol.TypingMsg
	except  string
}

// outbox holds the notices of one key in transition order. At most one
// goroutine drains it at a time, so the room sees the transitions of a key
// in the order they were applied.
type outbox struct {
	pending  []notice
	draining bool
}

// Manager holds the live typing entries and their expiry timers.
type Manager struct {
	mu      sync.Mutex
	entries map[key]*entry
	outbox  map[key]*outbox
	gen     uint64

	sink    broadcast.Sink
	timeout time.Duration
	now     func() time.Time
}

// NewManager creates a Manager. A non-positive timeout selects
// DefaultTimeout.
func NewManager(sink broadcast.Sink, timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Manager{
		entries: make(map[key]*entry),
		outbox:  make(map[key]*outbox),
		sink:    sink,
		timeout: timeout,
		now:     time.Now,
	}
}

// Start marks userID as typing in conversationID and (re)arms the expiry
// timer. The start event is sent to the room on every call, excluding the
// connection that issued it.
func (m *Manager) Start(conversationID, userID, connID string) {
	k := key{conversationID: conversationID, userID: userID}

	m.mu.Lock()
	if e, ok := m.entries[k]; ok {
		e.timer.Stop()
	}
	m.gen++
	gen := m.gen
	e := &entry{
		gen:       gen,
		connID:    connID,
		expiresAt: m.now().Add(m.timeout),
	}
	e.timer = time.AfterFunc(m.timeout, func() { m.expire(k, gen) })
	m.entries[k] = e
	metrics.TypingActive.Set(float64(len(m.entries)))
	m.enqueue(k, protocol.TypeUserStartTyping, connID)
	m.mu.Unlock()

	m.flush(k)
}

// Stop moves the pair back to idle. It reports false, and sends nothing,
// when the user was not typing.
func (m *Manager) Stop(conversationID, userID string) bool {
	k := key{conversationID: conversationID, userID: userID}

	m.mu.Lock()
	e, ok := m.entries[k]
	if !ok {
		m.mu.Unlock()
		return false
	}
	e.timer.Stop()
	delete(m.entries, k)
	metrics.TypingActive.Set(float64(len(m.entries)))
	m.enqueue(k, protocol.TypeUserStopTyping, e.connID)
	m.mu.Unlock()

	m.flush(k)
	return true
}

// expire is the timer callback. A timer that fires after its entry was
// stopped or replaced finds a different generation and does nothing.
func (m *Manager) expire(k key, gen uint64) {
	m.mu.Lock()
	e, ok := m.entries[k]
	if !ok || e.gen != gen {
		m.mu.Unlock()
		return
	}
	delete(m.entries, k)
	metrics.TypingActive.Set(float64(len(m.entries)))
	m.enqueue(k, protocol.TypeUserStopTyping, e.connID)
	m.mu.Unlock()

	log.Printf("[typing] expired user=%s conversation=%s", k.userID, k.conversationID)
	m.flush(k)
}

// ClearUser removes every entry of userID and sends a stop event for each
// affected conversation. It returns the conversation ids that were cleared.
func (m *Manager) ClearUser(userID string) []string {
	m.mu.Lock()
	var cleared []key
	for k, e := range m.entries {
		if k.userID != userID {
			continue
		}
		e.timer.Stop()
		delete(m.entries, k)
		m.enqueue(k, protocol.TypeUserStopTyping, e.connID)
		cleared = append(cleared, k)
	}
	metrics.TypingActive.Set(float64(len(m.entries)))
	m.mu.Unlock()

	ids := make([]string, len(cleared))
	for i, k := range cleared {
		m.flush(k)
		ids[i] = k.conversationID
	}
	sort.Strings(ids)
	return ids
}

// DropConversation removes every entry of conversationID without sending
// stop events. It is used when the conversation's room is torn down.
func (m *Manager) DropConversation(conversationID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for k, e := range m.entries {
		if k.conversationID != conversationID {
			continue
		}
		e.timer.Stop()
		delete(m.entries, k)
		n++
	}
	metrics.TypingActive.Set(float64(len(m.entries)))
	return n
}

// enqueue records the notice of a transition. m.mu must be held.
func (m *Manager) enqueue(k key, msgType, except string) {
	ob, ok := m.outbox[k]
	if !ok {
		ob = &outbox{}
		m.outbox[k] = ob
	}
	ob.pending = append(ob.pending, notice{
		msgType: msgType,
		msg: protocol.TypingMsg{
			UserID:         k.userID,
			ConversationID: k.conversationID,
			Timestamp:      m.now(),
		},
		except: except,
	})
}

// flush sends the pending notices of k. When another goroutine is already
// draining k it returns at once; that goroutine sends the new notices after
// the ones it holds. The sink is called without m.mu held.
func (m *Manager) flush(k key) {
	m.mu.Lock()
	ob, ok := m.outbox[k]
	if !ok || ob.draining {
		m.mu.Unlock()
		return
	}
	ob.draining = true
	for len(ob.pending) > 0 {
		n := ob.pending[0]
		ob.pending = ob.pending[1:]
		m.mu.Unlock()
		m.sink.ToRoom(k.conversationID, n.msgType, n.msg, n.except)
		m.mu.Lock()
	}
	delete(m.outbox, k)
	m.mu.Unlock()
}

// IsTyping reports whether userID is typing in conversationID.
func (m *Manager) IsTyping(conversationID, userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[key{conversationID: conversationID, userID: userID}]
	return ok
}

// TypingUsers returns the users currently typing in conversationID.
func (m *Manager) TypingUsers(conversationID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var users []string
	for k := range m.entries {
		if k.conversationID == conversationID {
			users = append(users, k.userID)
		}
	}
	sort.Strings(users)
	return users
}

// Close cancels every timer without sending stop events. It is used on
// shutdown, when no connection is left to notify.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, e := range m.entries {
		e.timer.Stop()
		delete(m.entries, k)
	}
	metrics.TypingActive.Set(0)
}
