package state

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"sensmed/internal/config"
)

// RedisEpisodes shares episode flags between monitor replicas through Redis.
type RedisEpisodes struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisEpisodes connects to Redis and verifies the connection
func NewRedisEpisodes(ctx context.Context, cfg config.RedisConfig, ttl time.Duration) (*RedisEpisodes, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return NewRedisEpisodesWithClient(client, cfg.KeyPrefix, ttl), nil
}

// NewRedisEpisodesWithClient wraps an existing client
func NewRedisEpisodesWithClient(client *redis.Client, prefix string, ttl time.Duration) *RedisEpisodes {
	return &RedisEpisodes{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisEpisodes) key(key string) string {
	return r.prefix + key
}

// Arm implements EpisodeStore with SETNX
func (r *RedisEpisodes) Arm(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.key(key), time.Now().UTC().Unix(), r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to arm episode %s: %w", key, err)
	}
	return ok, nil
}

// Disarm implements EpisodeStore
func (r *RedisEpisodes) Disarm(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("failed to disarm episode %s: %w", key, err)
	}
	return nil
}

// Close implements EpisodeStore
func (r *RedisEpisodes) Close() error {
	return r.client.Close()
}
