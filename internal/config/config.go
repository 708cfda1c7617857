// Package config loads the gateway configuration from the process
// environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/junqo/messaging-gateway/internal/ratelimit"
	"github.com/junqo/messaging-gateway/internal/typing"
	"github.com/junqo/messaging-gateway/internal/ws"
)

// Config captures every environment driven setting of the gateway process.
type Config struct {
	Server ws.ServerConfig

	JWTSecret   string
	DatabaseURL string // empty selects the in-memory store
	RedisAddr   string // empty disables rate limiting and the session mirror
	NATSURL     string // empty disables domain event publishing
	ServerName  string

	TypingTimeout     time.Duration
	MessageRateLimit  int
	MessageRateWindow time.Duration
}

// Load parses configuration values from the current process environment.
//
// Optional values fall back to defaults. Missing required values and
// unparsable values are collected and reported together.
func Load() (Config, error) {
	return load(os.Getenv)
}

func load(getenv func(string) string) (Config, error) {
	cfg := Config{
		Server:            ws.DefaultServerConfig(),
		TypingTimeout:     typing.DefaultTimeout,
		MessageRateLimit:  ratelimit.DefaultMessageRule.Limit,
		MessageRateWindow: ratelimit.DefaultMessageRule.Window,
	}

	missing := make([]string, 0, 1)
	invalid := make([]string, 0, 4)

	get := func(name string) string { return strings.TrimSpace(getenv(name)) }

	positiveInt := func(name string, dst *int) {
		v := get(name)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			invalid = append(invalid, name)
			return
		}
		*dst = n
	}
	positiveDuration := func(name string, dst *time.Duration) {
		v := get(name)
		if v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			invalid = append(invalid, name)
			return
		}
		*dst = d
	}

	if addr := get("LISTEN_ADDR"); addr != "" {
		cfg.Server.ListenAddr = addr
	}
	positiveInt("WORKER_POOL_SIZE", &cfg.Server.WorkerPoolSize)
	positiveInt("MAX_CONNECTIONS", &cfg.Server.MaxConnections)
	positiveDuration("READ_TIMEOUT", &cfg.Server.ReadTimeout)
	positiveDuration("WRITE_TIMEOUT", &cfg.Server.WriteTimeout)

	if secret := get("JWT_SECRET"); secret == "" {
		missing = append(missing, "JWT_SECRET")
	} else {
		cfg.JWTSecret = secret
	}

	cfg.DatabaseURL = get("DATABASE_URL")
	cfg.RedisAddr = get("REDIS_ADDR")
	cfg.NATSURL = get("NATS_URL")

	cfg.ServerName = get("SERVER_NAME")
	if cfg.ServerName == "" {
		cfg.ServerName, _ = os.Hostname()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = "gateway-1"
	}

	positiveDuration("TYPING_TIMEOUT", &cfg.TypingTimeout)
	positiveInt("MESSAGE_RATE_LIMIT", &cfg.MessageRateLimit)
	positiveDuration("MESSAGE_RATE_WINDOW", &cfg.MessageRateWindow)

	if len(missing) > 0 {
		return Config{}, fmt.Errorf("config: missing required environment variables: %s", strings.Join(missing, ", "))
	}
	if len(invalid) > 0 {
		return Config{}, fmt.Errorf("config: invalid environment variables: %s", strings.Join(invalid, ", "))
	}

	return cfg, nil
}

// MessageRule returns the sendMessage rate limiting rule.
func (c Config) MessageRule() ratelimit.Rule {
	return ratelimit.MessageRule(c.MessageRateLimit, c.MessageRateWindow)
}
