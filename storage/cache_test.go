package storage

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
)

func TestBadgerCache(t *testing.T) {
	db, err := OpenBadger(t.TempDir())
	if err != nil {
		t.Fatalf("OpenBadger() error = %v", err)
	}
	defer db.Close()

	exerciseCache(t, NewBadgerCache(db))
}

func TestRedisCache(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	ctx := context.Background()
	rdb, err := NewRedisClient(ctx, addr, os.Getenv("REDIS_PASSWORD"), 0)
	if err != nil {
		t.Fatalf("NewRedisClient() error = %v", err)
	}
	defer rdb.Close()

	prefix := "test-" + uuid.NewString() + ":"
	t.Cleanup(func() {
		keys, err := rdb.Keys(context.Background(), prefix+"*").Result()
		if err == nil && len(keys) > 0 {
			rdb.Del(context.Background(), keys...)
		}
	})

	exerciseCache(t, NewRedisCache(rdb, prefix, testLogger()))
}

func TestCacheKeys(t *testing.T) {
	if got := string(badgerKey(42)); got != "snapshot:42" {
		t.Errorf("badgerKey(42) = %q", got)
	}
	c := NewRedisCache(nil, "movienotifier:", nil)
	if got := c.key(42); got != "movienotifier:snapshot:42" {
		t.Errorf("redis key(42) = %q", got)
	}
}
