package kvstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Sliding logs are sorted sets scored by unix milliseconds. Members carry a
// random suffix so two attempts in the same millisecond are both kept.

var admitScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - window)
local count = redis.call("ZCARD", KEYS[1])
local admitted = 0
if count < limit then
  redis.call("ZADD", KEYS[1], now, ARGV[4])
  redis.call("PEXPIRE", KEYS[1], window)
  count = count + 1
  admitted = 1
end
local oldest = -1
local first = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
if #first == 2 then
  oldest = tonumber(first[2])
end
return {admitted, count, oldest}
`)

var appendScript = redis.NewScript(`
local at = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", at - ttl)
redis.call("ZADD", KEYS[1], at, ARGV[3])
redis.call("PEXPIRE", KEYS[1], ttl)
return redis.call("ZCARD", KEYS[1])
`)

// RedisStore implements Store on Redis. Admission and append run as Lua
// scripts, so they are atomic across every process sharing the server.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore wraps an existing client. All keys are namespaced by prefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "keyguard"
	}
	return &RedisStore{client: client, prefix: prefix + ":"}
}

// OpenRedis parses url, connects and pings within ctx.
func OpenRedis(ctx context.Context, url, prefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisStore(client, prefix), nil
}

func (s *RedisStore) k(key string) string { return s.prefix + key }

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, s.k(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get", err)
	}
	return val, nil
}

func (s *RedisStore) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return unavailable("set", s.client.Set(ctx, s.k(key), value, ttl).Err())
}

func (s *RedisStore) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.k(key), value, ttl).Result()
	if err != nil {
		return false, unavailable("setnx", err)
	}
	return ok, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return unavailable("delete", s.client.Del(ctx, s.k(key)).Err())
}

func (s *RedisStore) ListKeysByPrefix(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, escapeGlob(s.k(prefix))+"*", 500).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), s.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, unavailable("scan", err)
	}
	return keys, nil
}

func (s *RedisStore) AppendWithTTL(ctx context.Context, key string, at time.Time, ttl time.Duration) (int, error) {
	n, err := appendScript.Run(ctx, s.client, []string{s.k(key)},
		at.UnixMilli(), ttl.Milliseconds(), member(at)).Int64()
	if err != nil {
		return 0, unavailable("append", err)
	}
	return int(n), nil
}

func (s *RedisStore) Window(ctx context.Context, key string, since time.Time) ([]time.Time, error) {
	zs, err := s.client.ZRangeByScoreWithScores(ctx, s.k(key), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(since.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, unavailable("window", err)
	}
	out := make([]time.Time, 0, len(zs))
	for _, z := range zs {
		out = append(out, time.UnixMilli(int64(z.Score)))
	}
	return out, nil
}

func (s *RedisStore) Admit(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (Admission, error) {
	raw, err := admitScript.Run(ctx, s.client, []string{s.k(key)},
		now.UnixMilli(), window.Milliseconds(), limit, member(now)).Int64Slice()
	if err != nil {
		return Admission{}, unavailable("admit", err)
	}
	if len(raw) != 3 {
		return Admission{}, unavailable("admit", fmt.Errorf("unexpected script reply length %d", len(raw)))
	}
	adm := Admission{Admitted: raw[0] == 1, Count: int(raw[1])}
	if raw[2] >= 0 {
		adm.Oldest = time.UnixMilli(raw[2])
	}
	return adm, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return unavailable("ping", s.client.Ping(ctx).Err())
}

func (s *RedisStore) Close() error { return s.client.Close() }

func member(at time.Time) string {
	return strconv.FormatInt(at.UnixMilli(), 10) + "-" + uuid.NewString()[:8]
}

func escapeGlob(s string) string {
	r := strings.NewReplacer(`\`, `\\`, "*", `\*`, "?", `\?`, "[", `\[`, "]", `\]`)
	return r.Replace(s)
}
