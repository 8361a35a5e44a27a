package webhooks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/platinummonkey/rentbill/pkg/errs"
)

// DefaultIdempotencyTTL bounds how long a processed event is remembered.
// Processors stop redelivering well within this window.
const DefaultIdempotencyTTL = 72 * time.Hour

// DefaultClaimTTL bounds how long an unconfirmed claim blocks redelivery.
// A process that dies mid-event leaves a claim that lapses after this.
const DefaultClaimTTL = 5 * time.Minute

// IdempotencyStore remembers which events have been claimed for processing
type IdempotencyStore interface {
	// Claim marks key as in progress for the claim TTL and reports whether
	// the caller won it
	Claim(ctx context.Context, key string) (bool, error)

	// Confirm keeps a won key for the full TTL once its event is settled
	Confirm(ctx context.Context, key string) error

	// Release forgets key so a redelivery can be processed
	Release(ctx context.Context, key string) error
}

func claimTTL(ttl time.Duration) time.Duration {
	if ttl < DefaultClaimTTL {
		return ttl
	}
	return DefaultClaimTTL
}

// RedisIdempotency shares claims across instances with SETNX
type RedisIdempotency struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisIdempotency creates a Redis-backed store
func NewRedisIdempotency(client *redis.Client, prefix string, ttl time.Duration) *RedisIdempotency {
	if prefix == "" {
		prefix = "rentbill:webhook"
	}
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &RedisIdempotency{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisIdempotency) key(k string) string {
	return fmt.Sprintf("%s:%s", s.prefix, k)
}

func (s *RedisIdempotency) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.key(key), time.Now().Unix(), claimTTL(s.ttl)).Result()
	if err != nil {
		return false, errs.Unavailable("claim webhook event", err)
	}
	return ok, nil
}

func (s *RedisIdempotency) Confirm(ctx context.Context, key string) error {
	if err := s.client.Set(ctx, s.key(key), time.Now().Unix(), s.ttl).Err(); err != nil {
		return errs.Unavailable("confirm webhook event", err)
	}
	return nil
}

func (s *RedisIdempotency) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return errs.Unavailable("release webhook event", err)
	}
	return nil
}

// MemoryIdempotency keeps claims in a bounded in-process LRU. It suits a
// single instance; claims are lost on restart. Each entry holds the time
// its claim lapses.
type MemoryIdempotency struct {
	mu    sync.Mutex
	cache *expirable.LRU[string, time.Time]
	ttl   time.Duration
	now   func() time.Time
}

// NewMemoryIdempotency creates an in-process store holding up to size keys
func NewMemoryIdempotency(size int, ttl time.Duration) *MemoryIdempotency {
	if size <= 0 {
		size = 10000
	}
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &MemoryIdempotency{
		cache: expirable.NewLRU[string, time.Time](size, nil, ttl),
		ttl:   ttl,
		now:   time.Now,
	}
}

func (s *MemoryIdempotency) Claim(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if until, ok := s.cache.Get(key); ok && now.Before(until) {
		return false, nil
	}
	s.cache.Add(key, now.Add(claimTTL(s.ttl)))
	return true, nil
}

func (s *MemoryIdempotency) Confirm(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Add(key, s.now().Add(s.ttl))
	return nil
}

func (s *MemoryIdempotency) Release(ctx context.Context, key string) error {
	s.cache.Remove(key)
	return nil
}
