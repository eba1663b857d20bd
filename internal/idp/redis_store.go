package idp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTokenKey is the Redis key the shared token is stored under.
const DefaultTokenKey = "idp:token"

// RedisTokenStore shares the access token between worker processes.
type RedisTokenStore struct {
	rdb *redis.Client
	key string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Key      string
}

// NewRedisTokenStore connects to Redis. The connection is lazy; errors surface on first use.
func NewRedisTokenStore(cfg RedisConfig) *RedisTokenStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	key := cfg.Key
	if key == "" {
		key = DefaultTokenKey
	}
	return &RedisTokenStore{rdb: rdb, key: key}
}

// Get returns the stored token, or nil when absent.
func (s *RedisTokenStore) Get(ctx context.Context) (*CachedToken, error) {
	val, err := s.rdb.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("read token from redis: %w", err)
	}
	var tok CachedToken
	if err := json.Unmarshal(val, &tok); err != nil {
		return nil, fmt.Errorf("deserialize token: %w", err)
	}
	return &tok, nil
}

// Set stores tok until its expiry.
func (s *RedisTokenStore) Set(ctx context.Context, tok CachedToken) error {
	ttl := time.Until(tok.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	val, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("serialize token: %w", err)
	}
	if err := s.rdb.Set(ctx, s.key, val, ttl).Err(); err != nil {
		return fmt.Errorf("store token in redis: %w", err)
	}
	return nil
}

func (s *RedisTokenStore) Close() error {
	return s.rdb.Close()
}
