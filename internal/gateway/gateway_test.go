package gateway

import (
	"context"
	"encoding/json"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws/wsutil"

	"github.com/junqo/messaging-gateway/internal/ability"
	"github.com/junqo/messaging-gateway/internal/broadcast"
	"github.com/junqo/messaging-gateway/internal/chat"
	"github.com/junqo/messaging-gateway/internal/fault"
	"github.com/junqo/messaging-gateway/internal/presence"
	"github.com/junqo/messaging-gateway/internal/protocol"
	"github.com/junqo/messaging-gateway/internal/ratelimit"
	"github.com/junqo/messaging-gateway/internal/store"
	"github.com/junqo/messaging-gateway/internal/typing"
	"github.com/junqo/messaging-gateway/internal/ws"
)

const testTypingTimeout = 40 * time.Millisecond

var (
	alice = ability.User{ID: "alice", Email: "alice@example.com", Type: ability.TypeStudent}
	bob   = ability.User{ID: "bob", Email: "bob@example.com", Type: ability.TypeCompany}
	eve   = ability.User{ID: "eve", Email: "eve@example.com", Type: ability.TypeSchool}
)

type client struct {
	id   string
	user ability.User
}

func (c client) ConnID() string     { return c.id }
func (c client) User() ability.User { return c.user }

type frame struct {
	Type string
	Body map[string]interface{}
}

// wire records the frames the hub writes, per connection.
type wire struct {
	mu     sync.Mutex
	frames map[string][]frame
}

func (w *wire) SendMessage(connID string, data []byte) error {
	var body map[string]interface{}
	if err := json.Unmarshal(data, &body); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.frames == nil {
		w.frames = make(map[string][]frame)
	}
	t, _ := body["type"].(string)
	w.frames[connID] = append(w.frames[connID], frame{Type: t, Body: body})
	return nil
}

func (w *wire) received(connID, msgType string) []frame {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []frame
	for _, f := range w.frames[connID] {
		if f.Type == msgType {
			out = append(out, f)
		}
	}
	return out
}

type fakeLimiter struct {
	allow bool
	wait  time.Duration
	calls int
}

func (f *fakeLimiter) Allow(context.Context, string, ratelimit.Rule) (bool, error) {
	f.calls++
	return f.allow, nil
}

func (f *fakeLimiter) RetryAfter(context.Context, string, ratelimit.Rule) (time.Duration, error) {
	return f.wait, nil
}

type fakeMirror struct {
	mu      sync.Mutex
	added   map[string]string
	touched map[string]int
}

func (f *fakeMirror) Add(_ context.Context, connID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.added == nil {
		f.added = make(map[string]string)
	}
	f.added[connID] = userID
	return nil
}

func (f *fakeMirror) Touch(_ context.Context, connID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.touched == nil {
		f.touched = make(map[string]int)
	}
	f.touched[connID+"/"+userID]++
	return nil
}

func (f *fakeMirror) Remove(_ context.Context, connID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.added, connID)
	return nil
}

type fixture struct {
	gw     *Gateway
	wire   *wire
	mem    *store.Memory
	typing *typing.Manager
	conv   *store.Conversation // alice and bob
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{wire: &wire{}, mem: store.NewMemory()}

	registry := presence.NewRegistry()
	hub := broadcast.NewHub(registry, f.wire)
	f.typing = typing.NewManager(hub, testTypingTimeout)
	t.Cleanup(f.typing.Close)

	messages := chat.NewMessageService(f.mem.Conversations(), f.mem.Messages(), hub, f.typing)
	conversations := chat.NewConversationService(f.mem.Conversations())
	f.gw = New(registry, hub, f.typing, messages, conversations)

	conv, err := f.mem.Conversations().Create(context.Background(), store.Conversation{
		ParticipantsIDs: []string{alice.ID, bob.ID},
	})
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	f.conv = conv
	return f
}

func (f *fixture) connect(t *testing.T, id string, user ability.User) client {
	t.Helper()
	c := client{id: id, user: user}
	if err := f.gw.Connect(c); err != nil {
		t.Fatalf("Connect(%s) error: %v", id, err)
	}
	return c
}

func (f *fixture) join(t *testing.T, c client, convID string) {
	t.Helper()
	if err := f.gw.JoinRoom(context.Background(), c, protocol.RoomMsg{ConversationID: convID}); err != nil {
		t.Fatalf("JoinRoom(%s) error: %v", c.id, err)
	}
}

func statusesOf(frames []frame, userID, status string) int {
	n := 0
	for _, f := range frames {
		if f.Body["userId"] == userID && f.Body["status"] == status {
			n++
		}
	}
	return n
}

func TestConnect_SendsConnected(t *testing.T) {
	f := newFixture(t)
	mirror := &fakeMirror{}
	f.gw.SetSessionMirror(mirror)

	f.connect(t, "a1", alice)

	got := f.wire.received("a1", protocol.TypeConnected)
	if len(got) != 1 || got[0].Body["connectionId"] != "a1" || got[0].Body["userId"] != "alice" {
		t.Fatalf("unexpected connected frames %+v", got)
	}
	if mirror.added["a1"] != "alice" {
		t.Fatalf("connection not mirrored: %v", mirror.added)
	}

	f.gw.Disconnect(client{id: "a1", user: alice})
	if _, ok := mirror.added["a1"]; ok {
		t.Fatal("connection should be removed from the mirror")
	}
}

func TestRefresh_TouchesMirror(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "a1", alice)

	// Without a mirror Refresh is a no-op.
	f.gw.Refresh(a)

	mirror := &fakeMirror{}
	f.gw.SetSessionMirror(mirror)
	f.gw.Refresh(a)
	f.gw.Refresh(a)

	if n := mirror.touched["a1/alice"]; n != 2 {
		t.Fatalf("expected two refreshes of a1, got %d", n)
	}
}

func TestConnect_RejectsDuplicate(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "a1", alice)

	err := f.gw.Connect(client{id: "a1", user: alice})
	if err == nil {
		t.Fatal("expected error for duplicate connection id")
	}
}

func TestPresence_MultiDevice(t *testing.T) {
	f := newFixture(t)
	observer := f.connect(t, "b1", bob)

	a1 := f.connect(t, "a1", alice)
	a2 := f.connect(t, "a2", alice)
	if n := statusesOf(f.wire.received(observer.id, protocol.TypeUserStatus), "alice", protocol.StatusOnline); n != 1 {
		t.Fatalf("expected one online status, got %d", n)
	}

	f.gw.Disconnect(a1)
	if n := statusesOf(f.wire.received(observer.id, protocol.TypeUserStatus), "alice", protocol.StatusOffline); n != 0 {
		t.Fatalf("offline must not be sent while a connection remains, got %d", n)
	}

	f.gw.Disconnect(a2)
	if n := statusesOf(f.wire.received(observer.id, protocol.TypeUserStatus), "alice", protocol.StatusOffline); n != 1 {
		t.Fatalf("expected exactly one offline status, got %d", n)
	}

	// A second disconnect of the same connection is a no-op.
	f.gw.Disconnect(a2)
	if n := statusesOf(f.wire.received(observer.id, protocol.TypeUserStatus), "alice", protocol.StatusOffline); n != 1 {
		t.Fatalf("expected exactly one offline status after repeat, got %d", n)
	}
}

func TestJoinRoom(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "a1", alice)
	b := f.connect(t, "b1", bob)
	e := f.connect(t, "e1", eve)

	f.join(t, a, f.conv.ID)
	if got := f.wire.received("a1", protocol.TypeJoinRoomSuccess); len(got) != 1 {
		t.Fatalf("expected joinRoomSuccess, got %v", got)
	}

	f.join(t, b, f.conv.ID)
	joined := f.wire.received("a1", protocol.TypeUserJoinRoom)
	if len(joined) != 1 || joined[0].Body["userId"] != "bob" {
		t.Fatalf("alice should see bob join, got %+v", joined)
	}
	if got := f.wire.received("b1", protocol.TypeUserJoinRoom); len(got) != 0 {
		t.Fatalf("the joining connection must not be notified of itself, got %+v", got)
	}

	// Joining again changes nothing and is not re-announced.
	f.join(t, b, f.conv.ID)
	if got := f.wire.received("a1", protocol.TypeUserJoinRoom); len(got) != 1 {
		t.Fatalf("repeat join should not be announced, got %d", len(got))
	}

	tests := []struct {
		name   string
		convID string
		kind   fault.Kind
	}{
		{"non participant", f.conv.ID, fault.Forbidden},
		{"unknown conversation", "missing", fault.NotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.gw.JoinRoom(context.Background(), e, protocol.RoomMsg{ConversationID: tt.convID})
			if !fault.Is(err, tt.kind) {
				t.Fatalf("expected %v, got %v", tt.kind, err)
			}
		})
	}
}

func TestLeaveRoom(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "a1", alice)
	b := f.connect(t, "b1", bob)
	f.join(t, a, f.conv.ID)
	f.join(t, b, f.conv.ID)

	if err := f.gw.LeaveRoom(context.Background(), b, protocol.RoomMsg{ConversationID: f.conv.ID}); err != nil {
		t.Fatalf("LeaveRoom() error: %v", err)
	}
	if got := f.wire.received("b1", protocol.TypeLeaveRoomSuccess); len(got) != 1 {
		t.Fatalf("expected leaveRoomSuccess, got %v", got)
	}
	if got := f.wire.received("a1", protocol.TypeUserLeaveRoom); len(got) != 1 {
		t.Fatalf("alice should see bob leave, got %v", got)
	}

	// Leaving again is acknowledged but not broadcast.
	if err := f.gw.LeaveRoom(context.Background(), b, protocol.RoomMsg{ConversationID: f.conv.ID}); err != nil {
		t.Fatalf("LeaveRoom() error: %v", err)
	}
	if got := f.wire.received("a1", protocol.TypeUserLeaveRoom); len(got) != 1 {
		t.Fatalf("repeat leave should not be broadcast, got %d", len(got))
	}
}

func TestSendMessage_RoomScoped(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "a1", alice)
	f.connect(t, "b1", bob) // participant, never joins
	f.join(t, a, f.conv.ID)

	err := f.gw.SendMessage(context.Background(), a, protocol.SendMessageMsg{
		SenderID: alice.ID, ConversationID: f.conv.ID, Content: "hello",
	})
	if err != nil {
		t.Fatalf("SendMessage() error: %v", err)
	}

	got := f.wire.received("a1", protocol.TypeReceiveMessage)
	if len(got) != 1 || got[0].Body["content"] != "hello" {
		t.Fatalf("expected the message in alice's room, got %+v", got)
	}
	if got := f.wire.received("b1", protocol.TypeReceiveMessage); len(got) != 0 {
		t.Fatalf("a connection outside the room must not receive room events, got %+v", got)
	}
}

func TestSendMessage_NonParticipant(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "a1", alice)
	e := f.connect(t, "e1", eve)
	f.join(t, a, f.conv.ID)

	err := f.gw.SendMessage(context.Background(), e, protocol.SendMessageMsg{
		SenderID: eve.ID, ConversationID: f.conv.ID, Content: "let me in",
	})
	if !fault.Is(err, fault.Forbidden) {
		t.Fatalf("expected Forbidden, got %v", err)
	}
	if got := f.wire.received("a1", protocol.TypeReceiveMessage); len(got) != 0 {
		t.Fatalf("nothing may be broadcast after a rejected send, got %+v", got)
	}
}

func TestSendMessage_SpoofedSender(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "a1", alice)

	err := f.gw.SendMessage(context.Background(), a, protocol.SendMessageMsg{
		SenderID: bob.ID, ConversationID: f.conv.ID, Content: "not me",
	})
	if !fault.Is(err, fault.Forbidden) {
		t.Fatalf("expected Forbidden, got %v", err)
	}
}

func TestSendMessage_RateLimited(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "a1", alice)
	f.join(t, a, f.conv.ID)

	limiter := &fakeLimiter{allow: false, wait: 2500 * time.Millisecond}
	f.gw.SetLimiter(limiter, ratelimit.DefaultMessageRule)

	err := f.gw.SendMessage(context.Background(), a, protocol.SendMessageMsg{
		SenderID: alice.ID, ConversationID: f.conv.ID, Content: "spam",
	})
	if !fault.Is(err, fault.RateLimited) {
		t.Fatalf("expected RateLimited, got %v", err)
	}
	if !strings.Contains(err.Error(), "retry in 3s") {
		t.Fatalf("expected the wait in the message, got %q", err.Error())
	}
	if limiter.calls != 1 {
		t.Fatalf("expected one limiter call, got %d", limiter.calls)
	}
	if got := f.wire.received("a1", protocol.TypeReceiveMessage); len(got) != 0 {
		t.Fatalf("throttled message must not be broadcast, got %+v", got)
	}
}

func TestUpdateAndDeleteMessage(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "a1", alice)
	b := f.connect(t, "b1", bob)
	f.join(t, a, f.conv.ID)
	f.join(t, b, f.conv.ID)
	ctx := context.Background()

	if err := f.gw.SendMessage(ctx, a, protocol.SendMessageMsg{SenderID: alice.ID, ConversationID: f.conv.ID, Content: "v1"}); err != nil {
		t.Fatalf("SendMessage() error: %v", err)
	}
	msgID, _ := f.wire.received("b1", protocol.TypeReceiveMessage)[0].Body["id"].(string)

	err := f.gw.UpdateMessage(ctx, b, protocol.UpdateMessageMsg{MessageID: msgID, ConversationID: f.conv.ID, Content: "hijack"})
	if !fault.Is(err, fault.Forbidden) {
		t.Fatalf("bob must not edit alice's message, got %v", err)
	}

	if err := f.gw.UpdateMessage(ctx, a, protocol.UpdateMessageMsg{MessageID: msgID, ConversationID: f.conv.ID, Content: "v2"}); err != nil {
		t.Fatalf("UpdateMessage() error: %v", err)
	}
	if got := f.wire.received("a1", protocol.TypeUpdateMessageSuccess); len(got) != 1 {
		t.Fatalf("expected updateMessageSuccess, got %v", got)
	}
	updated := f.wire.received("b1", protocol.TypeMessageUpdated)
	if len(updated) != 1 || updated[0].Body["content"] != "v2" {
		t.Fatalf("room should see the edit, got %+v", updated)
	}

	if err := f.gw.DeleteMessage(ctx, a, protocol.MessageRefMsg{MessageID: msgID, ConversationID: f.conv.ID}); err != nil {
		t.Fatalf("DeleteMessage() error: %v", err)
	}
	acks := f.wire.received("a1", protocol.TypeDeleteMessageSuccess)
	if len(acks) != 1 || acks[0].Body["messageId"] != msgID {
		t.Fatalf("expected deleteMessageSuccess, got %+v", acks)
	}
	if got := f.wire.received("b1", protocol.TypeMessageDeleted); len(got) != 1 {
		t.Fatalf("room should see the deletion, got %v", got)
	}

	err = f.gw.DeleteMessage(ctx, a, protocol.MessageRefMsg{MessageID: msgID, ConversationID: f.conv.ID})
	if !fault.Is(err, fault.NotFound) {
		t.Fatalf("expected NotFound for a deleted message, got %v", err)
	}
}

func TestMarkRead_Twice(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "a1", alice)
	b := f.connect(t, "b1", bob)
	f.join(t, a, f.conv.ID)
	f.join(t, b, f.conv.ID)
	ctx := context.Background()

	if err := f.gw.SendMessage(ctx, a, protocol.SendMessageMsg{SenderID: alice.ID, ConversationID: f.conv.ID, Content: "read me"}); err != nil {
		t.Fatalf("SendMessage() error: %v", err)
	}
	msgID, _ := f.wire.received("b1", protocol.TypeReceiveMessage)[0].Body["id"].(string)

	for i := 0; i < 2; i++ {
		if err := f.gw.MarkRead(ctx, b, protocol.MessageRefMsg{MessageID: msgID, ConversationID: f.conv.ID}); err != nil {
			t.Fatalf("MarkRead() #%d error: %v", i+1, err)
		}
	}

	if got := f.wire.received("a1", protocol.TypeMessageRead); len(got) != 2 {
		t.Fatalf("expected two messageRead broadcasts, got %d", len(got))
	}
	statuses, err := f.mem.Messages().ReadStatuses(ctx, msgID)
	if err != nil {
		t.Fatalf("ReadStatuses() error: %v", err)
	}
	if len(statuses) != 1 || statuses[0].UserID != bob.ID {
		t.Fatalf("expected one read status for bob, got %+v", statuses)
	}
}

func TestMessageHistory(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "a1", alice)
	e := f.connect(t, "e1", eve)
	ctx := context.Background()

	for _, text := range []string{"one", "two", "three"} {
		if err := f.gw.SendMessage(ctx, a, protocol.SendMessageMsg{SenderID: alice.ID, ConversationID: f.conv.ID, Content: text}); err != nil {
			t.Fatalf("SendMessage() error: %v", err)
		}
	}

	limit := 2
	if err := f.gw.MessageHistory(ctx, a, protocol.HistoryMsg{ConversationID: f.conv.ID, Limit: &limit}); err != nil {
		t.Fatalf("MessageHistory() error: %v", err)
	}
	got := f.wire.received("a1", protocol.TypeMessageHistory)
	if len(got) != 1 {
		t.Fatalf("expected one messageHistory, got %d", len(got))
	}
	if got[0].Body["count"] != float64(2) {
		t.Fatalf("expected count 2, got %v", got[0].Body["count"])
	}

	err := f.gw.MessageHistory(ctx, e, protocol.HistoryMsg{ConversationID: f.conv.ID})
	if !fault.Is(err, fault.Forbidden) {
		t.Fatalf("expected Forbidden for a non participant, got %v", err)
	}
}

func TestTyping_ExpiresOnce(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "a1", alice)
	b := f.connect(t, "b1", bob)
	f.join(t, a, f.conv.ID)
	f.join(t, b, f.conv.ID)

	if err := f.gw.StartTyping(context.Background(), a, protocol.RoomMsg{ConversationID: f.conv.ID}); err != nil {
		t.Fatalf("StartTyping() error: %v", err)
	}
	if got := f.wire.received("b1", protocol.TypeUserStartTyping); len(got) != 1 {
		t.Fatalf("bob should see alice typing, got %d", len(got))
	}
	if got := f.wire.received("a1", protocol.TypeUserStartTyping); len(got) != 0 {
		t.Fatalf("the typing connection must not be notified, got %d", len(got))
	}

	time.Sleep(4 * testTypingTimeout)

	if got := f.wire.received("b1", protocol.TypeUserStopTyping); len(got) != 1 {
		t.Fatalf("expected exactly one userStopTyping, got %d", len(got))
	}
}

func TestTyping_RequiresJoin(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "a1", alice)

	for _, fn := range []func(context.Context, Client, protocol.RoomMsg) error{f.gw.StartTyping, f.gw.StopTyping} {
		err := fn(context.Background(), a, protocol.RoomMsg{ConversationID: f.conv.ID})
		if !fault.Is(err, fault.Forbidden) {
			t.Fatalf("expected Forbidden, got %v", err)
		}
	}
	if f.typing.IsTyping(f.conv.ID, alice.ID) {
		t.Fatal("alice should not be typing")
	}
}

func TestDisconnect_ClearsTypingAndRooms(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "a1", alice)
	b := f.connect(t, "b1", bob)
	f.join(t, a, f.conv.ID)
	f.join(t, b, f.conv.ID)

	if err := f.gw.StartTyping(context.Background(), a, protocol.RoomMsg{ConversationID: f.conv.ID}); err != nil {
		t.Fatalf("StartTyping() error: %v", err)
	}
	f.gw.Disconnect(a)

	if got := f.wire.received("b1", protocol.TypeUserLeaveRoom); len(got) != 1 {
		t.Fatalf("bob should see alice leave, got %d", len(got))
	}
	if got := f.wire.received("b1", protocol.TypeUserStopTyping); len(got) != 1 {
		t.Fatalf("bob should see alice stop typing, got %d", len(got))
	}
	if f.typing.IsTyping(f.conv.ID, alice.ID) {
		t.Fatal("typing entry should be cleared")
	}

	// The expiry timer was cancelled: no second stop arrives.
	time.Sleep(4 * testTypingTimeout)
	if got := f.wire.received("b1", protocol.TypeUserStopTyping); len(got) != 1 {
		t.Fatalf("expected no further stop events, got %d", len(got))
	}
}

func TestOnlineUsers(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "a1", alice)
	f.connect(t, "b1", bob)
	e := f.connect(t, "e1", eve)
	f.join(t, a, f.conv.ID)
	ctx := context.Background()

	if err := f.gw.OnlineUsers(ctx, a, protocol.OnlineUsersMsg{}); err != nil {
		t.Fatalf("OnlineUsers() error: %v", err)
	}
	if err := f.gw.OnlineUsers(ctx, a, protocol.OnlineUsersMsg{ConversationID: f.conv.ID}); err != nil {
		t.Fatalf("OnlineUsers(room) error: %v", err)
	}
	got := f.wire.received("a1", protocol.TypeOnlineUsers)
	if len(got) != 2 {
		t.Fatalf("expected two onlineUsers answers, got %d", len(got))
	}
	if users, _ := got[0].Body["users"].([]interface{}); len(users) != 3 {
		t.Fatalf("expected three online users, got %v", got[0].Body["users"])
	}
	if users, _ := got[1].Body["users"].([]interface{}); len(users) != 1 || users[0] != "alice" {
		t.Fatalf("expected only alice in the room, got %v", got[1].Body["users"])
	}

	err := f.gw.OnlineUsers(ctx, e, protocol.OnlineUsersMsg{ConversationID: f.conv.ID})
	if !fault.Is(err, fault.Forbidden) {
		t.Fatalf("expected Forbidden, got %v", err)
	}
}

func TestCreateConversation_Dedupes(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "a1", alice)
	ctx := context.Background()

	err := f.gw.CreateConversation(ctx, a, protocol.CreateConversationMsg{
		ParticipantsIDs: []string{alice.ID, bob.ID, alice.ID},
		Title:           "internship",
	})
	if err != nil {
		t.Fatalf("CreateConversation() error: %v", err)
	}
	got := f.wire.received("a1", protocol.TypeCreateConversationSuccess)
	if len(got) != 1 {
		t.Fatalf("expected createConversationSuccess, got %d", len(got))
	}
	id, _ := got[0].Body["id"].(string)

	conv, err := f.mem.Conversations().FindByID(ctx, id)
	if err != nil {
		t.Fatalf("FindByID() error: %v", err)
	}
	if len(conv.ParticipantsIDs) != 2 || conv.ParticipantsIDs[0] != alice.ID || conv.ParticipantsIDs[1] != bob.ID {
		t.Fatalf("expected participants [alice bob], got %v", conv.ParticipantsIDs)
	}
}

func TestListConversations(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "a1", alice)
	e := f.connect(t, "e1", eve)
	ctx := context.Background()

	if err := f.gw.ListConversations(ctx, a, protocol.ListConversationsMsg{}); err != nil {
		t.Fatalf("ListConversations() error: %v", err)
	}
	got := f.wire.received("a1", protocol.TypeConversationList)
	if len(got) != 1 || got[0].Body["count"] != float64(1) {
		t.Fatalf("alice should see one conversation, got %+v", got)
	}

	// Asking for someone else's conversations only returns readable rows.
	if err := f.gw.ListConversations(ctx, e, protocol.ListConversationsMsg{ParticipantID: alice.ID}); err != nil {
		t.Fatalf("ListConversations() error: %v", err)
	}
	got = f.wire.received("e1", protocol.TypeConversationList)
	if len(got) != 1 || got[0].Body["count"] != float64(0) {
		t.Fatalf("eve should see nothing, got %+v", got)
	}
}

func TestAddParticipants_NotifiesRoom(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "a1", alice)
	b := f.connect(t, "b1", bob)
	e := f.connect(t, "e1", eve)
	f.join(t, a, f.conv.ID)
	f.join(t, b, f.conv.ID)
	ctx := context.Background()

	err := f.gw.AddParticipants(ctx, e, protocol.ParticipantsMsg{ConversationID: f.conv.ID, UserIDs: []string{eve.ID}})
	if !fault.Is(err, fault.Forbidden) {
		t.Fatalf("outsider add: expected Forbidden, got %v", err)
	}

	err = f.gw.AddParticipants(ctx, a, protocol.ParticipantsMsg{ConversationID: f.conv.ID, UserIDs: []string{eve.ID}})
	if err != nil {
		t.Fatalf("AddParticipants() error: %v", err)
	}
	if got := f.wire.received("a1", protocol.TypeUpdateParticipantsSuccess); len(got) != 1 {
		t.Fatalf("expected updateParticipantsSuccess for alice, got %d", len(got))
	}
	if got := f.wire.received("a1", protocol.TypeParticipantsUpdated); len(got) != 0 {
		t.Fatalf("the caller is acknowledged, not broadcast to, got %d", len(got))
	}
	got := f.wire.received("b1", protocol.TypeParticipantsUpdated)
	if len(got) != 1 {
		t.Fatalf("bob should see the update, got %d", len(got))
	}
	if ids, _ := got[0].Body["participantsIds"].([]interface{}); len(ids) != 3 {
		t.Fatalf("expected three participants, got %v", got[0].Body["participantsIds"])
	}

	// The new participant may now join.
	f.join(t, e, f.conv.ID)
}

func TestRemoveParticipants_EvictsFromRoom(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "a1", alice)
	b1 := f.connect(t, "b1", bob)
	b2 := f.connect(t, "b2", bob)
	f.join(t, a, f.conv.ID)
	f.join(t, b1, f.conv.ID)
	f.join(t, b2, f.conv.ID)
	ctx := context.Background()

	if err := f.gw.StartTyping(ctx, b1, protocol.RoomMsg{ConversationID: f.conv.ID}); err != nil {
		t.Fatalf("StartTyping() error: %v", err)
	}

	err := f.gw.RemoveParticipants(ctx, a, protocol.ParticipantsMsg{ConversationID: f.conv.ID, UserIDs: []string{bob.ID}})
	if err != nil {
		t.Fatalf("RemoveParticipants() error: %v", err)
	}

	if f.typing.IsTyping(f.conv.ID, bob.ID) {
		t.Fatal("a removed participant's typing indicator should be stopped")
	}
	if got := f.wire.received("a1", protocol.TypeUserStopTyping); len(got) != 1 {
		t.Fatalf("alice should see bob stop typing, got %d", len(got))
	}
	if got := f.wire.received("a1", protocol.TypeUserLeaveRoom); len(got) != 1 {
		t.Fatalf("alice should see bob leave once, got %d", len(got))
	}
	for _, id := range []string{"b1", "b2"} {
		if got := f.wire.received(id, protocol.TypeParticipantsUpdated); len(got) != 1 {
			t.Fatalf("%s should be told it was removed, got %d", id, len(got))
		}
	}

	// Evicted connections no longer receive room events.
	err = f.gw.SendMessage(ctx, a, protocol.SendMessageMsg{SenderID: alice.ID, ConversationID: f.conv.ID, Content: "still here?"})
	if err != nil {
		t.Fatalf("SendMessage() error: %v", err)
	}
	if got := f.wire.received("a1", protocol.TypeReceiveMessage); len(got) != 1 {
		t.Fatalf("alice should still receive room messages, got %d", len(got))
	}
	for _, id := range []string{"b1", "b2"} {
		if got := f.wire.received(id, protocol.TypeReceiveMessage); len(got) != 0 {
			t.Fatalf("%s was evicted and must not receive room messages, got %d", id, len(got))
		}
	}

	// Nor may they rejoin or type there.
	if err := f.gw.JoinRoom(ctx, b1, protocol.RoomMsg{ConversationID: f.conv.ID}); !fault.Is(err, fault.Forbidden) {
		t.Fatalf("rejoin: expected Forbidden, got %v", err)
	}
	if err := f.gw.StartTyping(ctx, b2, protocol.RoomMsg{ConversationID: f.conv.ID}); !fault.Is(err, fault.Forbidden) {
		t.Fatalf("typing after eviction: expected Forbidden, got %v", err)
	}
}

func TestDeleteConversation_TearsDownRoom(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "a1", alice)
	b := f.connect(t, "b1", bob)
	e := f.connect(t, "e1", eve)
	f.join(t, a, f.conv.ID)
	f.join(t, b, f.conv.ID)
	ctx := context.Background()

	if err := f.gw.StartTyping(ctx, b, protocol.RoomMsg{ConversationID: f.conv.ID}); err != nil {
		t.Fatalf("StartTyping() error: %v", err)
	}

	if err := f.gw.DeleteConversation(ctx, e, protocol.RoomMsg{ConversationID: f.conv.ID}); !fault.Is(err, fault.Forbidden) {
		t.Fatalf("outsider delete: expected Forbidden, got %v", err)
	}
	if err := f.gw.DeleteConversation(ctx, a, protocol.RoomMsg{ConversationID: f.conv.ID}); err != nil {
		t.Fatalf("DeleteConversation() error: %v", err)
	}

	for _, id := range []string{"a1", "b1"} {
		got := f.wire.received(id, protocol.TypeConversationDeleted)
		if len(got) != 1 || got[0].Body["deletedBy"] != alice.ID {
			t.Fatalf("%s should be told the conversation was deleted, got %+v", id, got)
		}
	}
	if got := f.wire.received("a1", protocol.TypeDeleteConversationSuccess); len(got) != 1 {
		t.Fatalf("expected deleteConversationSuccess, got %d", len(got))
	}
	if f.typing.IsTyping(f.conv.ID, bob.ID) {
		t.Fatal("typing entries of a deleted conversation should be dropped")
	}
	for _, c := range []client{a, b} {
		if f.gw.registry.InRoom(c.id, f.conv.ID) {
			t.Fatalf("%s should have left the deleted room", c.id)
		}
	}

	time.Sleep(4 * testTypingTimeout)
	if got := f.wire.received("a1", protocol.TypeUserStopTyping); len(got) != 0 {
		t.Fatalf("no typing stop should follow a deletion, got %d", len(got))
	}
	if err := f.gw.JoinRoom(ctx, b, protocol.RoomMsg{ConversationID: f.conv.ID}); !fault.Is(err, fault.NotFound) {
		t.Fatalf("joining a deleted conversation: expected NotFound, got %v", err)
	}
}

func TestBind_ReportsHandlerFaults(t *testing.T) {
	f := newFixture(t)
	d := ws.NewMessageDispatcher()
	f.gw.Bind(d)

	server, peer := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		peer.Close()
	})
	conn := ws.NewConnection("e1", server, eve)
	if err := f.gw.Connect(conn); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	go d.Dispatch(conn, []byte(`{"type":"joinRoom","conversationId":"`+f.conv.ID+`"}`))

	_ = peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, _, err := wsutil.ReadServerData(peer)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
	if body["type"] != protocol.TypeJoinRoomError || body["error"] != fault.Forbidden.Code() {
		t.Fatalf("expected forbidden joinRoomError, got %v", body)
	}
}
