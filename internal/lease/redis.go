package lease

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisOption func(*RedisManager)

// WithLeaseTTL bounds how long a crashed holder can block a resource.
func WithLeaseTTL(ttl time.Duration) RedisOption {
	return func(m *RedisManager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

func WithWaitTimeout(wait time.Duration) RedisOption {
	return func(m *RedisManager) {
		if wait > 0 {
			m.wait = wait
		}
	}
}

func WithPollInterval(interval time.Duration) RedisOption {
	return func(m *RedisManager) {
		if interval > 0 {
			m.poll = interval
		}
	}
}

// RedisManager stores the holder as "owner|token" under SET NX PX and polls
// until the key is free or the wait bound elapses.
type RedisManager struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
	wait   time.Duration
	poll   time.Duration
}

func NewRedisManager(client redis.Cmdable, prefix string, opts ...RedisOption) *RedisManager {
	normalized := strings.TrimSpace(prefix)
	if normalized == "" {
		normalized = "reservation:lease"
	}
	m := &RedisManager{
		client: client,
		prefix: normalized,
		ttl:    10 * time.Second,
		wait:   defaultWait,
		poll:   20 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *RedisManager) Acquire(ctx context.Context, resource, owner string) (Lease, error) {
	resource, owner, err := normalizeRequest(resource, owner)
	if err != nil {
		return Lease{}, err
	}

	token, err := m.client.Incr(ctx, m.seqKey(resource)).Uint64()
	if err != nil {
		return Lease{}, fmt.Errorf("lease incr token: %w", err)
	}
	value := holderValue(owner, token)

	waitCtx, cancel := context.WithTimeout(ctx, m.wait)
	defer cancel()
	ticker := time.NewTicker(m.poll)
	defer ticker.Stop()

	for {
		acquired, err := m.client.SetNX(waitCtx, m.holdKey(resource), value, m.ttl).Result()
		if err != nil {
			if waitCtx.Err() != nil {
				return Lease{}, waitError(ctx)
			}
			return Lease{}, fmt.Errorf("lease setnx: %w", err)
		}
		if acquired {
			now := time.Now().UTC()
			return Lease{
				Resource:   resource,
				Owner:      owner,
				Token:      token,
				AcquiredAt: now,
				ExpiresAt:  now.Add(m.ttl),
			}, nil
		}

		select {
		case <-waitCtx.Done():
			return Lease{}, waitError(ctx)
		case <-ticker.C:
		}
	}
}

func (m *RedisManager) Release(ctx context.Context, held Lease) error {
	resource, owner, err := normalizeRequest(held.Resource, held.Owner)
	if err != nil {
		return err
	}
	if held.Token == 0 {
		return errors.New("token is required")
	}

	released, err := releaseLeaseScript.Run(ctx, m.client, []string{m.holdKey(resource)}, holderValue(owner, held.Token)).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("lease release: %w", err)
	}
	if released == 0 {
		return ErrNotHeld
	}
	return nil
}

func (m *RedisManager) holdKey(resource string) string {
	return m.prefix + ":hold:" + resource
}

func (m *RedisManager) seqKey(resource string) string {
	return m.prefix + ":seq:" + resource
}

func holderValue(owner string, token uint64) string {
	return fmt.Sprintf("%s|%d", owner, token)
}

var releaseLeaseScript = redis.NewScript(`
local existing = redis.call("GET", KEYS[1])
if not existing then
  return 0
end
if existing == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)
