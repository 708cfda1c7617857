// Package session mirrors the gateway's live connections into Redis so that
// operators and other services can see who is connected, on which gateway
// instance, without querying the process. The in-memory presence registry
// stays authoritative; the mirror is best effort.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// ConnPrefix is the Redis key prefix for connection hashes.
	ConnPrefix = "conn:"

	// UserConnsPrefix is the Redis key prefix for per-user connection sets.
	UserConnsPrefix = "user_conns:"

	// ConnTTL is the time-to-live for connection keys in Redis. Live
	// connections are refreshed by Touch on every heartbeat.
	ConnTTL = 1 * time.Hour
)

// Record is the mirrored state of one connection.
type Record struct {
	ID         string `redis:"id"`
	UserID     string `redis:"user_id"`
	Server     string `redis:"server"`      // which gateway instance
	CreatedAt  int64  `redis:"created_at"`  // unix timestamp
	LastActive int64  `redis:"last_active"` // unix timestamp
}

// Store manages connection records in Redis.
type Store struct {
	client     redis.UniversalClient
	serverName string // identifier for this gateway instance
}

// NewStore creates a new session store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// NewStoreWithClient creates a store on an existing client.
func NewStoreWithClient(client redis.UniversalClient, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// Add stores a connection record and adds it to the user's set.
func (s *Store) Add(ctx context.Context, connID, userID string) error {
	key := ConnPrefix + connID
	userKey := UserConnsPrefix + userID
	now := time.Now().Unix()

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"id":          connID,
		"user_id":     userID,
		"server":      s.serverName,
		"created_at":  now,
		"last_active": now,
	})
	pipe.Expire(ctx, key, ConnTTL)
	pipe.SAdd(ctx, userKey, connID)
	pipe.Expire(ctx, userKey, ConnTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: add %s: %w", connID, err)
	}
	return nil
}

// Get retrieves a connection record. Returns nil if not found.
func (s *Store) Get(ctx context.Context, connID string) (*Record, error) {
	var rec Record
	if err := s.client.HGetAll(ctx, ConnPrefix+connID).Scan(&rec); err != nil {
		return nil, fmt.Errorf("session: get %s: %w", connID, err)
	}
	if rec.ID == "" {
		return nil, nil // not found
	}
	return &rec, nil
}

// UserConnections returns the mirrored connection ids of a user.
func (s *Store) UserConnections(ctx context.Context, userID string) ([]string, error) {
	ids, err := s.client.SMembers(ctx, UserConnsPrefix+userID).Result()
	if err != nil {
		return nil, fmt.Errorf("session: members of %s: %w", userID, err)
	}
	return ids, nil
}

// Touch records activity and refreshes the TTL of both the connection hash
// and the user's connection set. The gateway calls it on every heartbeat.
func (s *Store) Touch(ctx context.Context, connID, userID string) error {
	key := ConnPrefix + connID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, ConnTTL)
	pipe.Expire(ctx, UserConnsPrefix+userID, ConnTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: touch %s: %w", connID, err)
	}
	return nil
}

// Remove deletes a connection record and removes it from the user's set.
func (s *Store) Remove(ctx context.Context, connID, userID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, ConnPrefix+connID)
	pipe.SRem(ctx, UserConnsPrefix+userID, connID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: remove %s: %w", connID, err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client, shared with the rate limiter.
func (s *Store) Client() redis.UniversalClient {
	return s.client
}
