// Package ratelimit provides Redis-backed fixed-window rate limiting using
// INCR + EXPIRE. The flip bot uses it to stop a single chatter from flooding
// the channel with commands; every Redis error fails open.
package ratelimit

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix (e.g., "rl:flip:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

// RuleCommand allows 3 flip commands per 10 seconds per chatter.
var RuleCommand = Rule{Key: "rl:flip:", Limit: 3, Window: 10 * time.Second}

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Allow increments the counter for identifier under rule and reports whether
// it is still within the limit. The expiry is set on the first increment.
// On Redis errors it returns true alongside the error.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("[ratelimit] redis INCR error key=%s: %v (failing open)", key, err)
		return true, err
	}

	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			log.Printf("[ratelimit] redis EXPIRE error key=%s: %v (failing open)", key, err)
			// A key without TTL would throttle the identifier forever.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	return int(count) <= rule.Limit, nil
}

// CommandGate applies one rule to chat commands in a single channel. Keys are
// "<prefix><channel>:<lowercased user>" so several bots can share one Redis.
type CommandGate struct {
	limiter *Limiter
	channel string
	rule    Rule
	timeout time.Duration
}

// NewCommandGate binds limiter to channel and rule.
func NewCommandGate(limiter *Limiter, channel string, rule Rule) *CommandGate {
	return &CommandGate{
		limiter: limiter,
		channel: strings.ToLower(channel),
		rule:    rule,
		timeout: 250 * time.Millisecond,
	}
}

// AllowCommand reports whether user may issue another command. Redis being
// slow or down never blocks a command.
func (g *CommandGate) AllowCommand(ctx context.Context, user string) bool {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	allowed, _ := g.limiter.Allow(ctx, g.channel+":"+strings.ToLower(user), g.rule)
	return allowed
}
