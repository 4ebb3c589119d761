package storage

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func getRedisClient(t *testing.T) *redis.Client {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	return client
}

func TestAcquire_OnlyOnce(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client)
	client.Del(ctx, idempotencyKeyPrefix+"rent:test:1")

	token, ok, err := adapter.Acquire(ctx, "rent:test:1", time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok || token == "" {
		t.Fatal("expected first acquire to succeed")
	}

	_, ok, err = adapter.Acquire(ctx, "rent:test:1", time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected second acquire to fail")
	}

	ttl := client.TTL(ctx, idempotencyKeyPrefix+"rent:test:1").Val()
	if ttl <= 0 || ttl > time.Minute {
		t.Errorf("expected ttl within a minute, got %v", ttl)
	}
}

func TestRelease_RequiresToken(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client)
	client.Del(ctx, idempotencyKeyPrefix+"rent:test:2")

	token, ok, err := adapter.Acquire(ctx, "rent:test:2", time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire failed: ok=%v err=%v", ok, err)
	}

	// a stale holder cannot free someone else's key
	if err := adapter.Release(ctx, "rent:test:2", "not-the-token"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := client.Exists(ctx, idempotencyKeyPrefix+"rent:test:2").Val(); n != 1 {
		t.Error("expected key to survive a foreign release")
	}

	if err := adapter.Release(ctx, "rent:test:2", token); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok, _ := adapter.Acquire(ctx, "rent:test:2", time.Minute); !ok {
		t.Error("expected key to be free after release")
	}
	client.Del(ctx, idempotencyKeyPrefix+"rent:test:2")
}

func TestAcquire_Concurrent(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client)
	client.Del(ctx, idempotencyKeyPrefix+"rent:concurrent")

	var successCount atomic.Int32
	var wg sync.WaitGroup
	concurrency := 100

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := adapter.Acquire(ctx, "rent:concurrent", time.Minute)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if ok {
				successCount.Add(1)
			}
		}()
	}

	wg.Wait()

	// Only one should succeed
	if successCount.Load() != 1 {
		t.Errorf("expected exactly 1 success, got %d", successCount.Load())
	}
	client.Del(ctx, idempotencyKeyPrefix+"rent:concurrent")
}
