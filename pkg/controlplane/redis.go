package controlplane

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisAddScript applies a bounded counter add atomically.
// KEYS[1] = counter key
// ARGV[1] = delta
// ARGV[2] = limit (<= 0 unbounded)
// ARGV[3] = ttl in milliseconds applied on creation (<= 0 none)
var redisAddScript = redis.NewScript(`
local key = KEYS[1]
local delta = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local exists = redis.call("EXISTS", key)
local current = tonumber(redis.call("GET", key) or "0")

local nextValue = current + delta
if delta > 0 and limit > 0 and nextValue > limit then
    return {0, current}
end
if nextValue < 0 then
    nextValue = 0
end

redis.call("INCRBY", key, nextValue - current)
if exists == 0 and ttl > 0 then
    redis.call("PEXPIRE", key, ttl)
end
return {1, nextValue}
`)

// redisCASScript swaps a versioned hash record. Versions are compared as
// decimal strings since Lua numbers lose precision above 2^53.
// KEYS[1] = record key
// ARGV[1] = expected version (0 = absent)
// ARGV[2] = new value
// ARGV[3] = new version
// ARGV[4] = ttl in milliseconds (<= 0 none)
var redisCASScript = redis.NewScript(`
local key = KEYS[1]
local current = redis.call("HGET", key, "ver") or "0"
if current ~= ARGV[1] then
    return 0
end

redis.call("HSET", key, "val", ARGV[2], "ver", ARGV[3])
local ttl = tonumber(ARGV[4])
if ttl > 0 then
    redis.call("PEXPIRE", key, ttl)
else
    redis.call("PERSIST", key)
end
return 1
`)

// redisCADScript deletes a versioned hash record.
// KEYS[1] = record key
// ARGV[1] = expected version
var redisCADScript = redis.NewScript(`
local current = redis.call("HGET", KEYS[1], "ver")
if not current or current ~= ARGV[1] then
    return 0
end
redis.call("DEL", KEYS[1])
return 1
`)

// RedisStore implements Store on Redis using Lua scripts for atomicity.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore creates a store backed by Redis at addr.
func NewRedisStore(addr, password string, db int) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisStore{client: rdb}
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Add(ctx context.Context, key string, delta, limit int64, ttl time.Duration) (int64, bool, error) {
	res, err := redisAddScript.Run(ctx, s.client, []string{key}, delta, limit, ttl.Milliseconds()).Result()
	if err != nil {
		return 0, false, fmt.Errorf("controlplane: redis add %s: %w", key, err)
	}
	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return 0, false, fmt.Errorf("controlplane: invalid response from add script")
	}
	applied, _ := results[0].(int64)
	value, _ := results[1].(int64)
	return value, applied == 1, nil
}

func (s *RedisStore) Counter(ctx context.Context, key string) (int64, error) {
	v, err := s.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("controlplane: redis get %s: %w", key, err)
	}
	return v, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (Record, error) {
	vals, err := s.client.HMGet(ctx, key, "val", "ver").Result()
	if err != nil {
		return Record{}, fmt.Errorf("controlplane: redis hmget %s: %w", key, err)
	}
	if len(vals) != 2 || vals[1] == nil {
		return Record{}, ErrNotFound
	}
	verStr, _ := vals[1].(string)
	version, err := strconv.ParseInt(verStr, 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("controlplane: corrupt version at %s: %w", key, err)
	}
	valStr, _ := vals[0].(string)

	rec := Record{Key: key, Value: []byte(valStr), Version: version}
	if ttl, err := s.client.PTTL(ctx, key).Result(); err == nil && ttl > 0 {
		rec.ExpiresAt = time.Now().Add(ttl)
	}
	return rec, nil
}

func (s *RedisStore) CompareAndSwap(ctx context.Context, key string, expected int64, value []byte, ttl time.Duration) (Record, bool, error) {
	version := newVersion()
	res, err := redisCASScript.Run(ctx, s.client, []string{key}, expected, value, version, ttl.Milliseconds()).Int64()
	if err != nil {
		return Record{}, false, fmt.Errorf("controlplane: redis cas %s: %w", key, err)
	}
	if res != 1 {
		return Record{}, false, nil
	}
	return Record{
		Key:       key,
		Value:     append([]byte(nil), value...),
		Version:   version,
		ExpiresAt: expiryFrom(time.Now(), ttl),
	}, true, nil
}

func (s *RedisStore) CompareAndDelete(ctx context.Context, key string, expected int64) (bool, error) {
	res, err := redisCADScript.Run(ctx, s.client, []string{key}, expected).Int64()
	if err != nil {
		return false, fmt.Errorf("controlplane: redis cad %s: %w", key, err)
	}
	return res == 1, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
