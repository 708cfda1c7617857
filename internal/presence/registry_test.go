package presence

import (
	"reflect"
	"sync"
	"testing"

	"github.com/junqo/messaging-gateway/internal/fault"
)

func mustRegister(t *testing.T, r *Registry, connID, userID string) bool {
	t.Helper()
	first, err := r.Register(connID, userID)
	if err != nil {
		t.Fatalf("Register(%s, %s): %v", connID, userID, err)
	}
	return first
}

func mustJoin(t *testing.T, r *Registry, connID, roomID string) {
	t.Helper()
	if _, err := r.JoinRoom(connID, roomID); err != nil {
		t.Fatalf("JoinRoom(%s, %s): %v", connID, roomID, err)
	}
}

func TestRegister_EmptyUserIsAuthenticationFault(t *testing.T) {
	r := NewRegistry()
	_, err := r.Register("c1", "")
	if !fault.Is(err, fault.Authentication) {
		t.Fatalf("expected authentication fault, got %v", err)
	}
	if r.Count() != 0 {
		t.Fatalf("expected no connections, got %d", r.Count())
	}
}

func TestRegister_DuplicateConnection(t *testing.T) {
	r := NewRegistry()
	mustRegister(t, r, "c1", "u1")
	if _, err := r.Register("c1", "u2"); err == nil {
		t.Fatal("expected error for duplicate connection id")
	}
	c, _ := r.Connection("c1")
	if c.UserID != "u1" {
		t.Fatalf("duplicate register must not rebind the connection, got user %q", c.UserID)
	}
}

func TestMultiDevicePresence(t *testing.T) {
	r := NewRegistry()

	if !mustRegister(t, r, "c1", "u1") {
		t.Fatal("first connection must report first=true")
	}
	if mustRegister(t, r, "c2", "u1") {
		t.Fatal("second connection must report first=false")
	}
	if !r.IsOnline("u1") {
		t.Fatal("u1 should be online")
	}

	dep, ok := r.Unregister("c1")
	if !ok {
		t.Fatal("expected c1 to be registered")
	}
	if dep.WasLastConnection {
		t.Fatal("closing one of two connections must not be the last")
	}
	if !r.IsOnline("u1") {
		t.Fatal("u1 should still be online")
	}

	dep, _ = r.Unregister("c2")
	if !dep.WasLastConnection {
		t.Fatal("closing the second connection must be the last")
	}
	if r.IsOnline("u1") {
		t.Fatal("u1 should be offline")
	}
	if len(r.OnlineUserIDs()) != 0 {
		t.Fatalf("expected no online users, got %v", r.OnlineUserIDs())
	}
}

func TestUnregister_Unknown(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Unregister("missing"); ok {
		t.Fatal("expected ok=false for unknown connection")
	}
}

func TestJoinRoom_UnknownConnection(t *testing.T) {
	r := NewRegistry()
	_, err := r.JoinRoom("missing", "room")
	if !fault.Is(err, fault.NotFound) {
		t.Fatalf("expected not found fault, got %v", err)
	}
	_, err = r.LeaveRoom("missing", "room")
	if !fault.Is(err, fault.NotFound) {
		t.Fatalf("expected not found fault, got %v", err)
	}
}

func TestJoinLeave_Idempotent(t *testing.T) {
	r := NewRegistry()
	mustRegister(t, r, "c1", "u1")

	changed, _ := r.JoinRoom("c1", "room")
	if !changed {
		t.Fatal("first join must change membership")
	}
	changed, _ = r.JoinRoom("c1", "room")
	if changed {
		t.Fatal("second join must be a no-op")
	}
	if got := r.RoomMembers("room"); !reflect.DeepEqual(got, []string{"c1"}) {
		t.Fatalf("unexpected members %v", got)
	}

	changed, _ = r.LeaveRoom("c1", "room")
	if !changed {
		t.Fatal("leave must change membership")
	}
	changed, _ = r.LeaveRoom("c1", "room")
	if changed {
		t.Fatal("second leave must be a no-op")
	}
	if len(r.RoomMembers("room")) != 0 {
		t.Fatal("room should be empty")
	}
	if _, ok := r.rooms["room"]; ok {
		t.Fatal("empty room should be removed from the index")
	}
}

func TestUnregister_LeavesNoDanglingMembership(t *testing.T) {
	r := NewRegistry()
	mustRegister(t, r, "c1", "u1")
	mustRegister(t, r, "c2", "u2")
	mustJoin(t, r, "c1", "a")
	mustJoin(t, r, "c1", "b")
	mustJoin(t, r, "c2", "a")

	dep, _ := r.Unregister("c1")
	if !reflect.DeepEqual(dep.LeftRooms, []string{"a", "b"}) {
		t.Fatalf("unexpected left rooms %v", dep.LeftRooms)
	}
	if got := r.RoomMembers("a"); !reflect.DeepEqual(got, []string{"c2"}) {
		t.Fatalf("unexpected members of a: %v", got)
	}
	if len(r.RoomMembers("b")) != 0 {
		t.Fatalf("room b should be empty, got %v", r.RoomMembers("b"))
	}
	if r.InRoom("c1", "a") {
		t.Fatal("unregistered connection must not be in any room")
	}
}

func TestEvictUsers_RemovesEveryConnectionOfUser(t *testing.T) {
	r := NewRegistry()
	mustRegister(t, r, "a1", "alice")
	mustRegister(t, r, "a2", "alice")
	mustRegister(t, r, "b1", "bob")
	mustRegister(t, r, "e1", "eve")
	for _, c := range []string{"a1", "a2", "b1"} {
		mustJoin(t, r, c, "room")
	}
	mustJoin(t, r, "a1", "other")

	evicted := r.EvictUsers("room", []string{"alice", "eve"})
	if !reflect.DeepEqual(evicted, []string{"a1", "a2"}) {
		t.Fatalf("expected alice's connections to be evicted, got %v", evicted)
	}
	if got := r.RoomMembers("room"); !reflect.DeepEqual(got, []string{"b1"}) {
		t.Fatalf("expected [b1] to remain, got %v", got)
	}
	if !r.InRoom("a1", "other") {
		t.Fatal("eviction must not touch other rooms")
	}
	if !r.IsOnline("alice") {
		t.Fatal("eviction must not disconnect the user")
	}
}

func TestCloseRoom(t *testing.T) {
	r := NewRegistry()
	mustRegister(t, r, "a1", "alice")
	mustRegister(t, r, "b1", "bob")
	mustJoin(t, r, "a1", "room")
	mustJoin(t, r, "b1", "room")
	mustJoin(t, r, "b1", "other")

	members := r.CloseRoom("room")
	if !reflect.DeepEqual(members, []string{"a1", "b1"}) {
		t.Fatalf("unexpected members %v", members)
	}
	if len(r.RoomMembers("room")) != 0 || r.InRoom("a1", "room") {
		t.Fatal("room should be empty after close")
	}
	if !r.InRoom("b1", "other") {
		t.Fatal("closing one room must not touch others")
	}
	if got := r.CloseRoom("room"); len(got) != 0 {
		t.Fatalf("closing twice should be a no-op, got %v", got)
	}
}

func TestRoomUserIDs_Distinct(t *testing.T) {
	r := NewRegistry()
	mustRegister(t, r, "c1", "u1")
	mustRegister(t, r, "c2", "u1")
	mustRegister(t, r, "c3", "u2")
	mustJoin(t, r, "c1", "room")
	mustJoin(t, r, "c2", "room")
	mustJoin(t, r, "c3", "room")

	if got := r.RoomUserIDs("room"); !reflect.DeepEqual(got, []string{"u1", "u2"}) {
		t.Fatalf("unexpected room users %v", got)
	}
}

func TestOnlineInvariant_Concurrent(t *testing.T) {
	r := NewRegistry()
	users := []string{"u1", "u2", "u3"}

	var wg sync.WaitGroup
	for i := 0; i < 60; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			connID := "c" + string(rune('A'+i%26)) + string(rune('a'+i/26))
			userID := users[i%len(users)]
			if _, err := r.Register(connID, userID); err != nil {
				t.Errorf("register: %v", err)
				return
			}
			r.JoinRoom(connID, "room")
			if i%2 == 0 {
				r.Unregister(connID)
			}
		}(i)
	}
	wg.Wait()

	for _, u := range users {
		if r.IsOnline(u) != (len(r.UserConnections(u)) > 0) {
			t.Fatalf("online(%s) disagrees with its connection count", u)
		}
	}
	for _, connID := range r.RoomMembers("room") {
		if _, ok := r.Connection(connID); !ok {
			t.Fatalf("room references unknown connection %s", connID)
		}
	}
	if r.Count() != 30 {
		t.Fatalf("expected 30 connections, got %d", r.Count())
	}
}
