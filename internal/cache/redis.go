package cache

import (
	"TangleRecon/internal/core"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const processedKeyPrefix = "recon:processed:"

// Connect builds a Redis client from a redis:// URL or a host:port address.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// ProcessedStore shares processed markers between replicas. Entries expire after
// ttl; an expired marker only sends the lookup on to Postgres.
type ProcessedStore struct {
	client *redis.Client
	ttl    time.Duration
}

var (
	_ core.ProcessedChecker = (*ProcessedStore)(nil)
	_ core.ProcessedMarker  = (*ProcessedStore)(nil)
)

func NewProcessedStore(client *redis.Client, ttl time.Duration) *ProcessedStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &ProcessedStore{client: client, ttl: ttl}
}

func (s *ProcessedStore) IsProcessed(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, processedKeyPrefix+key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *ProcessedStore) MarkProcessed(ctx context.Context, key string) error {
	return s.client.Set(ctx, processedKeyPrefix+key, "1", s.ttl).Err()
}

// Ping reports whether Redis is reachable, for readiness checks.
func (s *ProcessedStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
