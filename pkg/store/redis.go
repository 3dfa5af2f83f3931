package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis"
)

const DefaultRedisKey = "proxies:universal"

// incrementAndEvict runs ZINCRBY and the conditional ZREM as one script so
// concurrent testers never race between reading and removing a member.
// Returns {status, score}: status -1 missing, 0 kept, 1 evicted.
var incrementAndEvict = redis.NewScript(`
if redis.call('ZSCORE', KEYS[1], ARGV[1]) == false then
  return {-1, 0}
end
local score = tonumber(redis.call('ZINCRBY', KEYS[1], ARGV[2], ARGV[1]))
if score <= tonumber(ARGV[3]) then
  redis.call('ZREM', KEYS[1], ARGV[1])
  return {1, score}
end
return {0, score}
`)

type RedisOptions struct {
	Addr        string
	Password    string
	DB          int
	Key         string
	DialTimeout time.Duration
}

// RedisBackend stores the pool in a single redis sorted set.
type RedisBackend struct {
	client *redis.Client
	key    string
}

// NewRedisBackend connects and pings redis once. The returned backend owns
// the client for the life of the process.
func NewRedisBackend(opts RedisOptions) (*RedisBackend, error) {
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: opts.DialTimeout,
	})
	if err := client.Ping().Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}
	return NewRedisBackendFromClient(client, opts.Key), nil
}

// NewRedisBackendFromClient wraps an already connected client.
func NewRedisBackendFromClient(client *redis.Client, key string) *RedisBackend {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisBackend{client: client, key: key}
}

func (r *RedisBackend) c(ctx context.Context) *redis.Client {
	return r.client.WithContext(ctx)
}

func (r *RedisBackend) InsertIfAbsent(ctx context.Context, member string, score int) (bool, error) {
	n, err := r.c(ctx).ZAddNX(r.key, redis.Z{Score: float64(score), Member: member}).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *RedisBackend) Set(ctx context.Context, member string, score int) error {
	return r.c(ctx).ZAdd(r.key, redis.Z{Score: float64(score), Member: member}).Err()
}

func (r *RedisBackend) IncrementAndEvict(ctx context.Context, member string, delta, floor int) (int, bool, error) {
	res, err := incrementAndEvict.Run(r.c(ctx), []string{r.key}, member, delta, floor).Result()
	if err != nil {
		return 0, false, err
	}

	reply, ok := res.([]interface{})
	if !ok || len(reply) != 2 {
		return 0, false, fmt.Errorf("unexpected script reply %v", res)
	}
	status, err := replyInt(reply[0])
	if err != nil {
		return 0, false, err
	}
	score, err := replyInt(reply[1])
	if err != nil {
		return 0, false, err
	}

	switch status {
	case -1:
		return 0, false, ErrNotFound
	case 1:
		return int(score), true, nil
	}
	return int(score), false, nil
}

func (r *RedisBackend) Remove(ctx context.Context, member string) (bool, error) {
	n, err := r.c(ctx).ZRem(r.key, member).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *RedisBackend) ScoreOf(ctx context.Context, member string) (int, bool, error) {
	score, err := r.c(ctx).ZScore(r.key, member).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return int(score), true, nil
}

func (r *RedisBackend) Cardinality(ctx context.Context) (int64, error) {
	return r.c(ctx).ZCard(r.key).Result()
}

func (r *RedisBackend) RangeByScore(ctx context.Context, min, max int) ([]string, error) {
	return r.c(ctx).ZRangeByScore(r.key, redis.ZRangeBy{
		Min: strconv.Itoa(min),
		Max: strconv.Itoa(max),
	}).Result()
}

// Scan wraps ZSCAN. Small sets are returned in a single page regardless of
// count because redis does not split compact encodings.
func (r *RedisBackend) Scan(ctx context.Context, cursor uint64, count int64) ([]string, uint64, error) {
	pairs, next, err := r.c(ctx).ZScan(r.key, cursor, "", count).Result()
	if err != nil {
		return nil, 0, err
	}
	// ZSCAN replies with member, score, member, score...
	members := make([]string, 0, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		members = append(members, pairs[i])
	}
	return members, next, nil
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}

func replyInt(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	}
	return 0, fmt.Errorf("unexpected reply element %T", v)
}
