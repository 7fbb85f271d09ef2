package cache

import (
	"context"
	"errors"
	"time"

	rcache "github.com/go-redis/cache/v9"
	"github.com/redis/go-redis/v9"
)

// Redis is a Cache backed by redis with an optional in-process TinyLFU tier.
type Redis struct {
	client *redis.Client
	data   *rcache.Cache
	prefix string
}

var _ Cache = (*Redis)(nil)

// RedisOptions configures NewRedis.
type RedisOptions struct {
	URL string
	// LocalSize enables a local TinyLFU tier of that many keys when positive.
	LocalSize int
	// LocalTTL bounds how long the local tier may serve a key that another
	// instance has since evicted.
	LocalTTL time.Duration
	Prefix   string
}

// NewRedis connects to redis and verifies the connection with a PING.
func NewRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	opt, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	ro := &rcache.Options{Redis: rdb}
	if opts.LocalSize > 0 {
		ttl := opts.LocalTTL
		if ttl <= 0 {
			ttl = time.Minute
		}
		ro.LocalCache = rcache.NewTinyLFU(opts.LocalSize, ttl)
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "catalog/"
	}
	return &Redis{client: rdb, data: rcache.New(ro), prefix: prefix}, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		// go-redis/cache treats a negative TTL as "no expiry"
		ttl = -1
	}
	return r.data.Set(&rcache.Item{
		Ctx:   ctx,
		Key:   r.prefix + key,
		Value: value,
		TTL:   ttl,
	})
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var val []byte
	err := r.data.Get(ctx, r.prefix+key, &val)
	if errors.Is(err, rcache.ErrCacheMiss) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	err := r.data.Delete(ctx, r.prefix+key)
	if errors.Is(err, rcache.ErrCacheMiss) {
		return nil
	}
	return err
}

// Close releases the redis connection pool.
func (r *Redis) Close() error { return r.client.Close() }
