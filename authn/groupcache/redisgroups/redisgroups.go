// Package redisgroups provides a Redis-backed, TTL-bounded
// authn.GroupCache. Special-group evaluation can fan out to slow external
// collaborators (directories, revocation services) on every request;
// deployments that cannot afford that install this cache on the chain.
package redisgroups

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/openrepo/authstack/authn"
	"github.com/openrepo/authstack/identity"
)

// Config for the Redis group cache. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all cache keys. ENV: AUTHN_GROUPS_KEY_PREFIX
	KeyPrefix string `env:"AUTHN_GROUPS_KEY_PREFIX,default=authn:groups:"`
	// TTL bounds how stale a cached grant set may be. ENV: AUTHN_GROUPS_TTL
	TTL time.Duration `env:"AUTHN_GROUPS_TTL,default=60s"`
}

// Cache implements authn.GroupCache on Redis.
type Cache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ authn.GroupCache = (*Cache)(nil)

func New(cfg Config) (*Cache, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "authn:groups:"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &Cache{client: cl, prefix: prefix, ttl: ttl}, nil
}

// NewFromEnv builds a Cache using envdecode to populate Config.
func NewFromEnv() (*Cache, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// Close closes the Redis client.
func (c *Cache) Close() error { return c.client.Close() }

func (c *Cache) Get(ctx context.Context, key string) ([]identity.Group, bool, error) {
	raw, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var groups []identity.Group
	if err := json.Unmarshal(raw, &groups); err != nil {
		return nil, false, err
	}
	return groups, true, nil
}

func (c *Cache) Set(ctx context.Context, key string, groups []identity.Group) error {
	raw, err := json.Marshal(groups)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.prefix+key, raw, c.ttl).Err()
}
