// Copyright 2025 James Ross
package kvstore

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore adapts a go-redis v9 client to the Store contract. Atomicity
// for composite operations (moving due delayed jobs into the ready set) is
// provided by a Lua script, matching the "atomic list/queue semantics"
// contract in spec §6.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedis wraps an existing client. Connection lifecycle (pooling,
// timeouts, retries) is the caller's responsibility — see internal/config
// and cmd/jobqueue for how the production client is built.
func NewRedis(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, member string, score float64) error {
	return s.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (s *RedisStore) ZPopMin(ctx context.Context, key string) (Member, error) {
	res, err := s.rdb.ZPopMin(ctx, key, 1).Result()
	if err != nil {
		return Member{}, err
	}
	if len(res) == 0 {
		return Member{}, ErrNotFound
	}
	member, _ := res[0].Member.(string)
	return Member{Value: member, Score: res[0].Score}, nil
}

// moveDueScript atomically moves every member of src due by `before` into
// dst in one round trip. A Go newScore callback cannot run inside Lua, so
// the script takes the new score from the member itself: each delayed-set
// member is "<readyScore>|<job body>", and the script adds <job body> to
// dst under <readyScore>.
const moveDueScript = `
local src = KEYS[1]
local dst = KEYS[2]
local before = tonumber(ARGV[1])
local due = redis.call('ZRANGEBYSCORE', src, '-inf', before)
local moved = 0
for i, member in ipairs(due) do
  redis.call('ZREM', src, member)
  local sep = string.find(member, '|', 1, true)
  local newScore = tonumber(string.sub(member, 1, sep - 1))
  local value = string.sub(member, sep + 1)
  redis.call('ZADD', dst, newScore, value)
  moved = moved + 1
end
return moved
`

// ZMoveDue moves members of src due by `before` into dst. newScore is not
// called: the score comes from the member value itself (the queue package
// encodes "<readyScore>|<job body>" as the delayed-set member so the script
// can parse it without a round trip back into Go).
func (s *RedisStore) ZMoveDue(ctx context.Context, src, dst string, before float64, newScore func(member string) float64) (int, error) {
	res, err := s.rdb.Eval(ctx, moveDueScript, []string{src, dst}, before).Result()
	if err != nil {
		return 0, err
	}
	n, _ := res.(int64)
	return int(n), nil
}

func (s *RedisStore) ZRem(ctx context.Context, key string, member string) error {
	return s.rdb.ZRem(ctx, key, member).Err()
}

func (s *RedisStore) ZLen(ctx context.Context, key string) (int64, error) {
	return s.rdb.ZCard(ctx, key).Result()
}

func (s *RedisStore) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return s.rdb.ZRange(ctx, key, start, stop).Result()
}

func (s *RedisStore) LPush(ctx context.Context, key string, value string) error {
	return s.rdb.LPush(ctx, key, value).Err()
}

func (s *RedisStore) LTrim(ctx context.Context, key string, keep int64) error {
	if keep <= 0 {
		return nil
	}
	return s.rdb.LTrim(ctx, key, 0, keep-1).Err()
}

func (s *RedisStore) LLen(ctx context.Context, key string) (int64, error) {
	return s.rdb.LLen(ctx, key).Result()
}

func (s *RedisStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return s.rdb.LRange(ctx, key, start, stop).Result()
}

func (s *RedisStore) LRem(ctx context.Context, key string, value string) error {
	return s.rdb.LRem(ctx, key, 1, value).Err()
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return v, err
}

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, key, value, ttl).Result()
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.rdb.Del(ctx, keys...).Err()
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	return n > 0, err
}

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	return s.rdb.Incr(ctx, key).Result()
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.rdb.Expire(ctx, key, ttl).Err()
}

func (s *RedisStore) Publish(ctx context.Context, channel string, message string) error {
	return s.rdb.Publish(ctx, channel, message).Err()
}

func (s *RedisStore) Subscribe(ctx context.Context, channel string) (<-chan string, func()) {
	sub := s.rdb.Subscribe(ctx, channel)
	out := make(chan string, 32)
	done := make(chan struct{})
	go func() {
		defer close(out)
		ch := sub.Channel()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				default:
				}
			}
		}
	}()
	return out, func() {
		close(done)
		_ = sub.Close()
	}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
