// Package gateway is the connection lifecycle entry point of the messaging
// gateway. It registers authenticated connections, answers client events by
// delegating to the presence, typing and chat components, and cleans up
// after a disconnect.
package gateway

import (
	"context"
	"log"
	"time"

	"github.com/junqo/messaging-gateway/internal/ability"
	"github.com/junqo/messaging-gateway/internal/broadcast"
	"github.com/junqo/messaging-gateway/internal/chat"
	"github.com/junqo/messaging-gateway/internal/presence"
	"github.com/junqo/messaging-gateway/internal/protocol"
	"github.com/junqo/messaging-gateway/internal/ratelimit"
	"github.com/junqo/messaging-gateway/internal/typing"
)

// Client is one authenticated connection as seen by the gateway.
// *ws.Connection implements it.
type Client interface {
	ConnID() string
	User() ability.User
}

// Limiter throttles sendMessage per user. *ratelimit.Limiter implements it.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) (time.Duration, error)
}

// SessionMirror records live connections outside the process.
// *session.Store implements it.
type SessionMirror interface {
	Add(ctx context.Context, connID, userID string) error
	Remove(ctx context.Context, connID, userID string) error
	Touch(ctx context.Context, connID, userID string) error
}

// mirrorTimeout bounds each session mirror call.
const mirrorTimeout = 2 * time.Second

// Gateway composes the connection registry, presence broadcaster, typing
// manager and chat services.
type Gateway struct {
	registry      *presence.Registry
	presence      *presence.Broadcaster
	typing        *typing.Manager
	messages      *chat.MessageService
	conversations *chat.ConversationService
	sink          broadcast.Sink

	limiter  Limiter
	rule     ratelimit.Rule
	sessions SessionMirror

	now func() time.Time
}

// New creates a Gateway. The sink must resolve rooms through registry.
func New(registry *presence.Registry, sink broadcast.Sink, typingMgr *typing.Manager, messages *chat.MessageService, conversations *chat.ConversationService) *Gateway {
	return &Gateway{
		registry:      registry,
		presence:      presence.NewBroadcaster(sink),
		typing:        typingMgr,
		messages:      messages,
		conversations: conversations,
		sink:          sink,
		rule:          ratelimit.DefaultMessageRule,
		now:           time.Now,
	}
}

// SetLimiter enables sendMessage rate limiting with the given rule.
func (g *Gateway) SetLimiter(l Limiter, rule ratelimit.Rule) {
	g.limiter = l
	g.rule = rule
}

// SetSessionMirror enables mirroring of live connections.
func (g *Gateway) SetSessionMirror(m SessionMirror) {
	g.sessions = m
}

// Connect admits an authenticated client. The first connection of a user
// announces the user online to everyone; the client itself receives a
// connected event.
func (g *Gateway) Connect(c Client) error {
	user := c.User()
	first, err := g.registry.Register(c.ConnID(), user.ID)
	if err != nil {
		return err
	}
	log.Printf("[gateway] connect conn=%s user=%s first=%v", c.ConnID(), user.ID, first)

	if first {
		g.presence.Online(user.ID)
	}
	if g.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		if err := g.sessions.Add(ctx, c.ConnID(), user.ID); err != nil {
			log.Printf("[gateway] session mirror add conn=%s failed: %v", c.ConnID(), err)
		}
		cancel()
	}

	g.sink.ToConn(c.ConnID(), protocol.TypeConnected, protocol.ConnectedMsg{
		ConnectionID: c.ConnID(),
		UserID:       user.ID,
	})
	return nil
}

// Disconnect removes a client. Rooms the connection had joined are told the
// user left. When it was the user's last connection, the user's typing
// indicators are stopped and the user is announced offline.
func (g *Gateway) Disconnect(c Client) {
	dep, ok := g.registry.Unregister(c.ConnID())
	if !ok {
		return
	}
	log.Printf("[gateway] disconnect conn=%s user=%s last=%v rooms=%d",
		c.ConnID(), dep.UserID, dep.WasLastConnection, len(dep.LeftRooms))

	g.presence.Departed(c.ConnID(), dep)

	if dep.WasLastConnection {
		if cleared := g.typing.ClearUser(dep.UserID); len(cleared) > 0 {
			log.Printf("[gateway] cleared typing user=%s conversations=%v", dep.UserID, cleared)
		}
		g.presence.Offline(dep.UserID)
	}

	if g.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		if err := g.sessions.Remove(ctx, c.ConnID(), dep.UserID); err != nil {
			log.Printf("[gateway] session mirror remove conn=%s failed: %v", c.ConnID(), err)
		}
		cancel()
	}
}

// Refresh keeps the mirrored record of a live connection from expiring. The
// transport calls it for every connection that survives a heartbeat sweep.
func (g *Gateway) Refresh(c Client) {
	if g.sessions == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	if err := g.sessions.Touch(ctx, c.ConnID(), c.User().ID); err != nil {
		log.Printf("[gateway] session mirror touch conn=%s failed: %v", c.ConnID(), err)
	}
}
