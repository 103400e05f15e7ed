package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/seantiz/probe/internal/model"
)

// DefaultRedisTTL is how long a result stays readable under its key.
const DefaultRedisTTL = 24 * time.Hour

type redisClient interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Close() error
}

// RedisSink stores each terminal run under "<prefix>:<engine>/<remote id>"
// and announces it on the prefix channel.
type RedisSink struct {
	client redisClient
	prefix string
	ttl    time.Duration
}

// NewRedisSink creates a sink for the Redis server at address, a redis://
// URL.
func NewRedisSink(address, prefix string) (*RedisSink, error) {
	if address == "" {
		address = "redis://127.0.0.1:6379"
	}
	opts, err := redis.ParseURL(address)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisSink{client: redis.NewClient(opts), prefix: prefix, ttl: DefaultRedisTTL}, nil
}

// Name identifies the sink in logs.
func (s *RedisSink) Name() string { return "redis" }

// Archive stores and announces res.
func (s *RedisSink) Archive(ctx context.Context, res model.RunResult) error {
	raw, err := json.Marshal(envelopeOf(res))
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	key := s.prefix + ":" + res.Key()
	if err := s.client.Set(ctx, key, raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	if err := s.client.Publish(ctx, s.prefix, raw).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", s.prefix, err)
	}
	return nil
}

// Close closes the client.
func (s *RedisSink) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
