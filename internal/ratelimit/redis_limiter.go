package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// AuthoritativeLimiter enforces actor-keyed fixed windows in Redis so a fresh
// session cannot reset its counters. It backs the API layer; the in-process
// Limiter remains the fast-path advisory check.
type AuthoritativeLimiter struct {
	rdb    *redis.Client
	prefix string
	log    *zap.Logger
}

func NewAuthoritative(rdb *redis.Client, prefix string, log *zap.Logger) *AuthoritativeLimiter {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &AuthoritativeLimiter{rdb: rdb, prefix: prefix, log: log}
}

// Allow atomically counts one action in the actor's current window and
// reports whether the cap is respected. Redis failures fail open with a
// warning: throttling must never take messaging down with it.
func (l *AuthoritativeLimiter) Allow(ctx context.Context, actorID, kind string, limit int64, window time.Duration) bool {
	bucket := time.Now().Unix() / int64(window.Seconds())
	key := fmt.Sprintf("%s:%s:%s:%d", l.prefix, kind, actorID, bucket)

	n, err := l.rdb.Incr(ctx, key).Result()
	if err != nil {
		l.log.Warn("rate limit counter unavailable", zap.String("actor", actorID), zap.Error(err))
		return true
	}
	if n == 1 {
		if err := l.rdb.Expire(ctx, key, window).Err(); err != nil {
			l.log.Warn("rate limit expiry not set", zap.String("key", key), zap.Error(err))
		}
	}
	return n <= limit
}

// AllowMessage and AllowConversation apply the same caps as the in-process
// windows.
func (l *AuthoritativeLimiter) AllowMessage(ctx context.Context, actorID string) bool {
	return l.Allow(ctx, actorID, "msg", MessageCap, MessageWindow)
}

func (l *AuthoritativeLimiter) AllowConversation(ctx context.Context, actorID string) bool {
	return l.Allow(ctx, actorID, "conv", ConversationCap, ConversationWindow)
}
