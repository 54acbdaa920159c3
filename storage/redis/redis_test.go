package redis

import (
	"context"
	"testing"

	"github.com/ggoodman/portlink-go/storage"
	"github.com/ggoodman/portlink-go/storage/storagetest"
	"github.com/redis/go-redis/v9"
)

func TestRedisStore(t *testing.T) {
	// Skip test if Redis is not available
	client := redis.NewClient(&redis.Options{
		Addr: "127.0.0.1:6379",
		DB:   2, // Use separate DB for storage tests
	})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	_ = client.Close()

	storagetest.RunStoreTests(t, func(t *testing.T) storage.Store {
		c := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379", DB: 2})
		s, err := New(Config{Client: c, KeyPrefix: "portlink:test:" + t.Name() + ":"})
		if err != nil {
			t.Fatalf("Failed to create Redis store: %v", err)
		}
		// Cleanups run last-in first-out: flush before closing the client.
		t.Cleanup(func() { _ = s.Close() })
		t.Cleanup(func() { c.FlushDB(context.Background()) })
		return s
	})
}
