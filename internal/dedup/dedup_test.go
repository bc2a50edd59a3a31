package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemorySetIfAbsentClaimsOnce(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(ctx, time.Hour)

	ok, err := m.SetIfAbsent(ctx, "inflight:r1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected first claim to succeed, got ok=%v err=%v", ok, err)
	}

	ok, err = m.SetIfAbsent(ctx, "inflight:r1", time.Minute)
	if err != nil || ok {
		t.Fatalf("expected second claim to fail, got ok=%v err=%v", ok, err)
	}
}

func TestMemoryExpiresEntries(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(ctx, time.Hour)

	if _, err := m.SetIfAbsent(ctx, "k", 10*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	time.Sleep(30 * time.Millisecond)

	exists, err := m.Exists(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if exists {
		t.Error("expected expired key to report not-exists")
	}
}

func TestMemoryDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(ctx, time.Hour)

	_, _ = m.SetIfAbsent(ctx, "k", time.Minute)
	if err := m.Delete(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	exists, _ := m.Exists(ctx, "k")
	if exists {
		t.Error("expected key to be gone after Delete")
	}
}

func TestRedisCacheSetIfAbsent(t *testing.T) {
	srv, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	defer srv.Close()

	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer client.Close()

	cache := NewRedisCache(client)
	ctx := context.Background()

	ok, err := cache.SetIfAbsent(ctx, ProcessedKey("r1"), time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected first claim to succeed, got ok=%v err=%v", ok, err)
	}

	ok, err = cache.SetIfAbsent(ctx, ProcessedKey("r1"), time.Minute)
	if err != nil || ok {
		t.Fatalf("expected second claim to fail, got ok=%v err=%v", ok, err)
	}

	exists, err := cache.Exists(ctx, ProcessedKey("r1"))
	if err != nil || !exists {
		t.Fatalf("expected key to exist, got exists=%v err=%v", exists, err)
	}
}
