package cachestore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// ErrEmptyAddress is returned when the Redis address is not configured.
var ErrEmptyAddress = errors.New("redis address is required")

const redisPingTimeout = 5 * time.Second

// DialRedis connects to Redis and verifies the connection.
func DialRedis(cfg RedisConfig) (*redis.Client, error) {
	if cfg.Address == "" {
		return nil, ErrEmptyAddress
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// putIfGeneration writes field/value pairs into a generation hash only while
// the generation is still registered.
//
//	KEYS[1] generation set, KEYS[2] generation hash
//	ARGV[1] generation name, ARGV[2..] field, value, ...
var putIfGeneration = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 0 then
  return 0
end
for i = 2, #ARGV, 2 do
  redis.call('HSET', KEYS[2], ARGV[i], ARGV[i + 1])
end
return 1
`)

// Redis is a Storage where each generation is one hash and the generation
// names live in a set.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis wraps an existing client. Keys are namespaced under prefix.
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "shellcache"
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) namesKey() string {
	return r.prefix + ":generations"
}

func (r *Redis) servingKey() string {
	return r.prefix + ":serving"
}

func (r *Redis) hashKey(name string) string {
	return r.prefix + ":generation:" + name
}

func mapRedisErr(err error) error {
	if errors.Is(err, redis.ErrClosed) {
		return ErrClosed
	}
	return err
}

func (r *Redis) Open(ctx context.Context, name string) (Cache, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	if err := r.client.SAdd(ctx, r.namesKey(), name).Err(); err != nil {
		return nil, mapRedisErr(err)
	}
	return &redisCache{r: r, name: name}, nil
}

func (r *Redis) Names(ctx context.Context) ([]string, error) {
	names, err := r.client.SMembers(ctx, r.namesKey()).Result()
	if err != nil {
		return nil, mapRedisErr(err)
	}
	sort.Strings(names)
	return names, nil
}

func (r *Redis) Delete(ctx context.Context, name string) (bool, error) {
	var srem *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.hashKey(name))
		srem = pipe.SRem(ctx, r.namesKey(), name)
		return nil
	})
	if err != nil {
		return false, mapRedisErr(err)
	}
	return srem.Val() > 0, nil
}

func (r *Redis) Serving(ctx context.Context) (string, error) {
	name, err := r.client.Get(ctx, r.servingKey()).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", mapRedisErr(err)
	}
	return name, nil
}

func (r *Redis) SetServing(ctx context.Context, name string) error {
	if err := validName(name); err != nil {
		return err
	}
	return mapRedisErr(r.client.Set(ctx, r.servingKey(), name, 0).Err())
}

func (r *Redis) Close() error {
	return r.client.Close()
}

type redisCache struct {
	r    *Redis
	name string
}

func (c *redisCache) Name() string { return c.name }

func (c *redisCache) Match(ctx context.Context, key string) (Entry, bool, error) {
	b, err := c.r.client.HGet(ctx, c.r.hashKey(c.name), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, mapRedisErr(err)
	}
	var ent Entry
	if err := decodeGob(b, &ent); err != nil {
		return Entry{}, false, err
	}
	return ent, true, nil
}

func (c *redisCache) Put(ctx context.Context, key string, ent Entry) error {
	return c.PutAll(ctx, []Item{{Key: key, Entry: ent}})
}

func (c *redisCache) PutAll(ctx context.Context, items []Item) error {
	if len(items) == 0 {
		return nil
	}
	args := make([]any, 0, 1+2*len(items))
	args = append(args, c.name)
	for _, it := range items {
		b, err := encodeGob(it.Entry)
		if err != nil {
			return err
		}
		args = append(args, it.Key, b)
	}

	ok, err := putIfGeneration.Run(ctx, c.r.client, []string{c.r.namesKey(), c.r.hashKey(c.name)}, args...).Int()
	if err != nil {
		return mapRedisErr(err)
	}
	if ok == 0 {
		return ErrNoGeneration
	}
	return nil
}

func (c *redisCache) Keys(ctx context.Context) ([]string, error) {
	keys, err := c.r.client.HKeys(ctx, c.r.hashKey(c.name)).Result()
	if err != nil {
		return nil, mapRedisErr(err)
	}
	sort.Strings(keys)
	return keys, nil
}
