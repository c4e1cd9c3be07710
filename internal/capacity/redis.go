package capacity

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Script status codes. Non-negative results carry the counter fields.
const (
	redisOK        = 0
	redisNotFound  = -1
	redisClosed    = -2
	redisFull      = -3
	redisUnderflow = -4
	redisExists    = -5
)

// RedisStore keeps each resource in a hash and mutates it only through Lua
// scripts, which Redis runs without interleaving other commands.
type RedisStore struct {
	client redis.Cmdable
	prefix string
}

func NewRedisStore(client redis.Cmdable, prefix string) *RedisStore {
	normalized := strings.Trim(strings.TrimSpace(prefix), ":")
	if normalized == "" {
		normalized = "reservation:capacity"
	}
	return &RedisStore{
		client: client,
		prefix: normalized,
	}
}

func (s *RedisStore) Register(ctx context.Context, input RegisterInput) (Resource, error) {
	normalized, err := normalizeRegisterInput(input)
	if err != nil {
		return Resource{}, err
	}
	createdAt := time.Now().UTC()
	var closesAt int64
	if normalized.ClosesAt != nil {
		closesAt = normalized.ClosesAt.UnixMilli()
	}

	out, err := registerScript.Run(ctx, s.client,
		[]string{s.resourceKey(normalized.ID), s.indexKey()},
		normalized.ID, normalized.Capacity, closesAt, createdAt.UnixMilli(),
	).Int64Slice()
	if err != nil {
		return Resource{}, errors.Wrapf(err, "register resource %s", normalized.ID)
	}
	if len(out) > 0 && out[0] == redisExists {
		return Resource{}, ErrAlreadyExists
	}
	return Resource{
		ID:        normalized.ID,
		Capacity:  normalized.Capacity,
		ClosesAt:  normalized.ClosesAt,
		CreatedAt: createdAt.Truncate(time.Millisecond),
	}, nil
}

func (s *RedisStore) TryReserveSlot(ctx context.Context, resourceID string, now time.Time) (Availability, error) {
	return s.runCounterScript(ctx, reserveScript, resourceID, now.UTC().UnixMilli())
}

func (s *RedisStore) ReleaseSlot(ctx context.Context, resourceID string) (Availability, error) {
	return s.runCounterScript(ctx, releaseScript, resourceID)
}

func (s *RedisStore) RestoreSlot(ctx context.Context, resourceID string) (Availability, error) {
	return s.runCounterScript(ctx, restoreScript, resourceID)
}

func (s *RedisStore) GetAvailability(ctx context.Context, resourceID string) (Availability, error) {
	found, err := s.Get(ctx, resourceID)
	if err != nil {
		return Availability{}, err
	}
	return found.Availability(), nil
}

func (s *RedisStore) Get(ctx context.Context, resourceID string) (Resource, error) {
	id := strings.TrimSpace(resourceID)
	if id == "" {
		return Resource{}, ErrInvalidID
	}
	fields, err := s.client.HGetAll(ctx, s.resourceKey(id)).Result()
	if err != nil {
		return Resource{}, errors.Wrapf(err, "get resource %s", id)
	}
	if len(fields) == 0 {
		return Resource{}, ErrNotFound
	}
	return decodeResource(id, fields)
}

func (s *RedisStore) List(ctx context.Context) ([]Resource, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, errors.Wrap(err, "list resources")
	}
	items := make([]Resource, 0, len(ids))
	for _, id := range ids {
		item, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	sortResources(items)
	return items, nil
}

func (s *RedisStore) runCounterScript(ctx context.Context, script *redis.Script, resourceID string, args ...any) (Availability, error) {
	id := strings.TrimSpace(resourceID)
	if id == "" {
		return Availability{}, ErrInvalidID
	}
	out, err := script.Run(ctx, s.client, []string{s.resourceKey(id)}, args...).Int64Slice()
	if err != nil {
		return Availability{}, errors.Wrapf(err, "update counter on %s", id)
	}
	if len(out) != 4 {
		return Availability{}, errors.Errorf("unexpected counter script reply for %s: %v", id, out)
	}

	resource := Resource{ID: id, ReservedCount: int(out[1]), Capacity: int(out[2])}
	if out[3] > 0 {
		closesAt := time.UnixMilli(out[3]).UTC()
		resource.ClosesAt = &closesAt
	}

	switch out[0] {
	case redisOK:
		return resource.Availability(), nil
	case redisNotFound:
		return Availability{}, ErrNotFound
	case redisClosed:
		return Availability{}, ErrClosed
	case redisFull:
		return resource.Availability(), ErrFull
	case redisUnderflow:
		return resource.Availability(), ErrUnderflow
	default:
		return Availability{}, errors.Errorf("unknown counter script status %d for %s", out[0], id)
	}
}

func (s *RedisStore) resourceKey(id string) string {
	return s.prefix + ":resource:" + id
}

func (s *RedisStore) indexKey() string {
	return s.prefix + ":ids"
}

func decodeResource(id string, fields map[string]string) (Resource, error) {
	capacity, err := strconv.Atoi(fields["capacity"])
	if err != nil {
		return Resource{}, errors.Wrapf(err, "decode capacity of %s", id)
	}
	reserved, err := strconv.Atoi(fields["reserved"])
	if err != nil {
		return Resource{}, errors.Wrapf(err, "decode reserved count of %s", id)
	}
	out := Resource{ID: id, Capacity: capacity, ReservedCount: reserved}
	if raw := fields["closes_at"]; raw != "" && raw != "0" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Resource{}, errors.Wrapf(err, "decode closes_at of %s", id)
		}
		closesAt := time.UnixMilli(ms).UTC()
		out.ClosesAt = &closesAt
	}
	if raw := fields["created_at"]; raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Resource{}, errors.Wrapf(err, "decode created_at of %s", id)
		}
		out.CreatedAt = time.UnixMilli(ms).UTC()
	}
	return out, nil
}

var registerScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return {-5}
end
redis.call("HSET", KEYS[1], "capacity", ARGV[2], "reserved", 0, "closes_at", ARGV[3], "created_at", ARGV[4])
redis.call("SADD", KEYS[2], ARGV[1])
return {0}
`)

var reserveScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return {-1, 0, 0, 0}
end
local capacity = tonumber(redis.call("HGET", KEYS[1], "capacity"))
local reserved = tonumber(redis.call("HGET", KEYS[1], "reserved"))
local closes = tonumber(redis.call("HGET", KEYS[1], "closes_at") or "0")
if closes > 0 and tonumber(ARGV[1]) >= closes then
  return {-2, reserved, capacity, closes}
end
if reserved >= capacity then
  return {-3, reserved, capacity, closes}
end
reserved = redis.call("HINCRBY", KEYS[1], "reserved", 1)
return {0, reserved, capacity, closes}
`)

var releaseScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return {-1, 0, 0, 0}
end
local capacity = tonumber(redis.call("HGET", KEYS[1], "capacity"))
local reserved = tonumber(redis.call("HGET", KEYS[1], "reserved"))
local closes = tonumber(redis.call("HGET", KEYS[1], "closes_at") or "0")
if reserved <= 0 then
  return {-4, reserved, capacity, closes}
end
reserved = redis.call("HINCRBY", KEYS[1], "reserved", -1)
return {0, reserved, capacity, closes}
`)

var restoreScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return {-1, 0, 0, 0}
end
local capacity = tonumber(redis.call("HGET", KEYS[1], "capacity"))
local reserved = tonumber(redis.call("HGET", KEYS[1], "reserved"))
local closes = tonumber(redis.call("HGET", KEYS[1], "closes_at") or "0")
if reserved >= capacity then
  return {-3, reserved, capacity, closes}
end
reserved = redis.call("HINCRBY", KEYS[1], "reserved", 1)
return {0, reserved, capacity, closes}
`)
