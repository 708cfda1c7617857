package ws

import (
	"log"
	"time"

	"github.com/gobwas/ws"
)

// HeartbeatConfig sets how often connections are swept and how long a
// connection may stay silent past a sweep.
type HeartbeatConfig struct {
	Interval time.Duration // time between sweeps (default: 30s)
	Timeout  time.Duration // grace after a missed sweep (default: 10s)
}

// DefaultHeartbeatConfig sweeps every 30s with a 10s grace.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// StartHeartbeat runs sweep on every Interval until the server is shut down.
// A zero Interval selects the defaults.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	if config.Interval <= 0 {
		config = DefaultHeartbeatConfig()
	}
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case <-ticker.C:
				sweep(server, config, time.Now())
			}
		}
	}()
}

// sweep evicts every connection that has been silent for longer than
// Interval + Timeout, pings the others, and reports each pinged connection
// to the server's heartbeat callback. Evictions go through RemoveConnection
// and therefore run the same cleanup as a client close.
func sweep(server *Server, config HeartbeatConfig, now time.Time) (alive, evicted int) {
	deadline := config.Interval + config.Timeout

	for _, c := range server.Connections().All() {
		idle := now.Sub(c.LastActivity())
		if idle > deadline {
			log.Printf("ws: evicting silent conn=%s user=%s idle=%s", c.ID, c.user.ID, idle.Round(time.Second))
			server.RemoveConnection(c)
			evicted++
			continue
		}
		if err := c.WritePing(); err != nil {
			log.Printf("ws: ping conn=%s failed, evicting: %v", c.ID, err)
			server.RemoveConnection(c)
			evicted++
			continue
		}
		if server.onHeartbeat != nil {
			server.onHeartbeat(c)
		}
		alive++
	}
	return alive, evicted
}

// WritePing writes a ping control frame under the connection's write lock;
// clients answer with a pong, which the read loop counts as activity.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}
