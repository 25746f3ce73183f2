package ratelimit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rosey-chat/rosey-core/internal/rosylog"
)

// redisStore shares counters across replicas via a Redis client, grounded on
// the teacher's api/internal/cache/cache.go JSON-blob Get/Set pattern. state()
// reads a principal's windows through from Redis on every call so concurrent
// replicas converge on the same reset boundaries, falling back to the local
// copy when Redis has no entry or cannot be read; persist() writes the mutated windows
// back with a TTL one day past now, long enough to outlive any window.
type redisStore struct {
	client *redis.Client
	prefix string

	local *memoryStore // in-process copy, used as-is when the Redis read misses or fails
}

type redisSnapshot struct {
	Minute   window
	Hour     window
	Day      window
	Tokens   window
}

// NewRedisStore connects a Store to addr (host:port), matching the teacher's
// cache.Config shape. Returns an error if Redis cannot be reached, per spec
// §6 "ratelimit.redis_url (optional)".
func NewRedisStore(addr, password string, db int) (Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:            addr,
		Password:        password,
		DB:              db,
		PoolSize:        25,
		MinIdleConns:    5,
		DialTimeout:     5 * time.Second,
		ReadTimeout:     3 * time.Second,
		WriteTimeout:    3 * time.Second,
		MaxRetries:      3,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &redisStore{client: client, prefix: "ratelimit:", local: newMemoryStore()}, nil
}

func (s *redisStore) key(principal string) string {
	return s.prefix + principal
}

func (s *redisStore) state(principal string) *principalState {
	st := s.local.state(principal)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	raw, err := s.client.Get(ctx, s.key(principal)).Bytes()
	if err != nil {
		if err != redis.Nil {
			rosylog.RateLimit().Warn().Err(err).Str("principal", principal).Msg("redis ratelimit read-through failed")
		}
		return st
	}

	var snap redisSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		rosylog.RateLimit().Warn().Err(err).Msg("redis ratelimit snapshot corrupt")
		return st
	}

	st.mu.Lock()
	st.minute, st.hour, st.day, st.tokens = snap.Minute, snap.Hour, snap.Day, snap.Tokens
	st.mu.Unlock()
	return st
}

func (s *redisStore) persist(principal string, st *principalState) {
	st.mu.Lock()
	snap := redisSnapshot{Minute: st.minute, Hour: st.hour, Day: st.day, Tokens: st.tokens}
	st.mu.Unlock()

	raw, err := json.Marshal(snap)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.client.Set(ctx, s.key(principal), raw, 24*time.Hour).Err(); err != nil {
		rosylog.RateLimit().Warn().Err(err).Str("principal", principal).Msg("redis ratelimit write-back failed")
	}
}
