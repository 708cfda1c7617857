package ws

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/junqo/messaging-gateway/internal/ability"
)

// addPipeConn registers a connection whose peer discards everything it is
// sent, so pings never block.
func addPipeConn(t *testing.T, s *Server, id string) *Connection {
	t.Helper()
	server, peer := net.Pipe()
	go io.Copy(io.Discard, peer)
	t.Cleanup(func() {
		server.Close()
		peer.Close()
	})
	c := NewConnection(id, server, ability.User{ID: "user-" + id, Type: ability.TypeStudent})
	s.Connections().Add(c)
	return c
}

func TestSweep_EvictsSilentAndReportsAlive(t *testing.T) {
	s := NewServer(DefaultServerConfig(), nil, nil)
	cfg := HeartbeatConfig{Interval: time.Second, Timeout: time.Second}

	var refreshed, removed []string
	s.SetOnHeartbeat(func(c *Connection) { refreshed = append(refreshed, c.ID) })
	s.SetOnDisconnect(func(c *Connection) { removed = append(removed, c.ID) })

	addPipeConn(t, s, "live")
	silent := addPipeConn(t, s, "silent")
	silent.activityMu.Lock()
	silent.LastPing = time.Now().Add(-time.Minute)
	silent.activityMu.Unlock()

	alive, evicted := sweep(s, cfg, time.Now())

	if alive != 1 || evicted != 1 {
		t.Fatalf("sweep() = (%d, %d), want (1, 1)", alive, evicted)
	}
	if len(refreshed) != 1 || refreshed[0] != "live" {
		t.Fatalf("heartbeat callback got %v, want [live]", refreshed)
	}
	if len(removed) != 1 || removed[0] != "silent" {
		t.Fatalf("disconnect callback got %v, want [silent]", removed)
	}
	if s.Connections().Get("silent") != nil {
		t.Fatal("silent connection should be gone")
	}
}

func TestSweep_EvictsOnPingFailure(t *testing.T) {
	s := NewServer(DefaultServerConfig(), nil, nil)
	cfg := DefaultHeartbeatConfig()

	c := addPipeConn(t, s, "broken")
	c.Conn.Close()

	alive, evicted := sweep(s, cfg, time.Now())
	if alive != 0 || evicted != 1 {
		t.Fatalf("sweep() = (%d, %d), want (0, 1)", alive, evicted)
	}
}
