package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"movie-notifier/pkg/notifier"

	"github.com/codeGROOVE-dev/retry"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// RedisCache stores schedule snapshots as JSON strings in Redis.
type RedisCache struct {
	rdb    *redis.Client
	logger *slog.Logger
	prefix string
}

// NewRedisClient creates a client and verifies the connection with a short ping.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return client, nil
}

// NewRedisCache creates a Redis-backed snapshot cache. Keys are "<prefix>snapshot:<movieID>".
func NewRedisCache(rdb *redis.Client, prefix string, logger *slog.Logger) *RedisCache {
	return &RedisCache{rdb: rdb, prefix: prefix, logger: logger}
}

func (c *RedisCache) key(movieID int) string {
	return fmt.Sprintf("%s%s%d", c.prefix, cacheSnapshotPrefix, movieID)
}

// Get loads the snapshot of a movie. Returns notifier.ErrSnapshotNotFound when absent.
func (c *RedisCache) Get(ctx context.Context, movieID int) (*notifier.ScheduleSnapshot, error) {
	data, err := c.rdb.Get(ctx, c.key(movieID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, notifier.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}

	var snap notifier.ScheduleSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// Put replaces the snapshot of a movie with a single SET.
func (c *RedisCache) Put(ctx context.Context, snap *notifier.ScheduleSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	key := c.key(snap.MovieID)
	err = retry.Do(
		func() error {
			return c.rdb.Set(ctx, key, data, 0).Err()
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			c.logger.Info("Retrying snapshot write after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("set snapshot: %w", err)
	}
	return nil
}
