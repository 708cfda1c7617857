// Package ratelimit provides Redis-backed fixed-window rate limiting using
// INCR + EXPIRE. The gateway uses it to throttle sendMessage per user across
// all of the user's connections.
package ratelimit

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix (e.g., "rl:msg:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

// DefaultMessageRule allows 20 messages per 10 seconds per user.
var DefaultMessageRule = Rule{Key: "rl:msg:", Limit: 20, Window: 10 * time.Second}

// MessageRule returns the sendMessage rule with the given limits. Non-positive
// values fall back to DefaultMessageRule's.
func MessageRule(limit int, window time.Duration) Rule {
	r := DefaultMessageRule
	if limit > 0 {
		r.Limit = limit
	}
	if window > 0 {
		r.Window = window
	}
	return r
}

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client redis.UniversalClient
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client redis.UniversalClient) *Limiter {
	return &Limiter{client: client}
}

// Allow checks whether the given identifier is within the rate limit defined by
// rule. It increments the counter in Redis and sets the expiry on first access.
//
// Returns true if the request is allowed, false if rate limited. On Redis
// errors the method fails open (returns true) so that a Redis outage does not
// block legitimate traffic.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("[ratelimit] redis INCR error key=%s: %v (failing open)", key, err)
		return true, err
	}

	// On the first increment, set the expiry to define the window boundary.
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			log.Printf("[ratelimit] redis EXPIRE error key=%s: %v (failing open)", key, err)
			// Without a TTL the key would throttle the identifier forever.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	return int(count) <= rule.Limit, nil
}

// RetryAfter returns how long until the identifier's current window ends.
// It returns zero when no window is open or Redis cannot be reached.
func (l *Limiter) RetryAfter(ctx context.Context, identifier string, rule Rule) (time.Duration, error) {
	key := rule.Key + identifier

	ttl, err := l.client.PTTL(ctx, key).Result()
	if err != nil {
		log.Printf("[ratelimit] redis PTTL error key=%s: %v", key, err)
		return 0, err
	}
	// PTTL reports a missing key or a key without expiry as a negative value.
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}
