package presence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNoRecord means the actor has never been seen (or the record expired).
var ErrNoRecord = errors.New("presence: no record")

// Store holds per-actor last-active timestamps.
type Store interface {
	Touch(ctx context.Context, actorID string, at time.Time) error
	LastActive(ctx context.Context, actorID string) (time.Time, error)
}

// RedisStore keeps presence under presence:<actor> with a TTL of twice the
// online threshold, so stale actors age out on their own.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "presence"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) key(actorID string) string {
	return fmt.Sprintf("%s:%s", s.prefix, actorID)
}

func (s *RedisStore) Touch(ctx context.Context, actorID string, at time.Time) error {
	val := strconv.FormatInt(at.UnixMilli(), 10)
	return s.rdb.Set(ctx, s.key(actorID), val, 2*OnlineThreshold).Err()
}

func (s *RedisStore) LastActive(ctx context.Context, actorID string) (time.Time, error) {
	val, err := s.rdb.Get(ctx, s.key(actorID)).Result()
	if err == redis.Nil {
		return time.Time{}, ErrNoRecord
	}
	if err != nil {
		return time.Time{}, err
	}
	ms, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("presence: bad record for %s: %w", actorID, err)
	}
	return time.UnixMilli(ms), nil
}

// MemoryStore is the in-process Store used in tests.
type MemoryStore struct {
	mu   sync.RWMutex
	seen map[string]time.Time

	// FailReads forces LastActive errors to exercise the offline fallback.
	FailReads bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{seen: make(map[string]time.Time)}
}

func (s *MemoryStore) Touch(_ context.Context, actorID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen[actorID] = at
	return nil
}

func (s *MemoryStore) LastActive(_ context.Context, actorID string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.FailReads {
		return time.Time{}, errors.New("presence: read failed")
	}
	at, ok := s.seen[actorID]
	if !ok {
		return time.Time{}, ErrNoRecord
	}
	return at, nil
}
