// Package redisstatus reads the suspension flag from a Redis key. A missing
// key means not suspended. It has no push channel; callers poll.
package redisstatus

import (
	"context"
	"fmt"

	"github.com/go-redis/redis"

	"docfeed/internal/config"
	"docfeed/internal/suspend"
)

// DefaultKey is used when no key is configured.
const DefaultKey = "docfeed:suspend"

func init() {
	suspend.Register("redis", func(_ context.Context, opts config.Options) (suspend.Status, error) {
		return New(Config{
			Addr:     opts.String("addr", ""),
			Password: opts.String("password", ""),
			DB:       opts.Int("db", 0),
			Key:      opts.String("key", ""),
		})
	})
}

// Config selects the server and key.
type Config struct {
	Addr     string
	Password string
	DB       int
	Key      string
}

// Status is a suspend.Status backed by one Redis key.
type Status struct {
	client *redis.Client
	key    string
}

// New creates the client; it connects on first use.
func New(cfg Config) (*Status, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("suspend redis: addr is required")
	}
	if cfg.Key == "" {
		cfg.Key = DefaultKey
	}
	return NewWithClient(redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}), cfg.Key), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, key string) *Status {
	return &Status{client: client, key: key}
}

// Suspended reads the key.
func (s *Status) Suspended(ctx context.Context) (bool, error) {
	v, err := s.client.WithContext(ctx).Get(s.key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("suspend redis: get %s: %w", s.key, err)
	}
	return suspend.ParseFlag(v), nil
}

// Close closes the client.
func (s *Status) Close() error {
	return s.client.Close()
}
