package slotpool

import (
	"errors"
	"sync"
	"testing"

	"github.com/priorauth/browseragent/internal/apperrors"
	"github.com/priorauth/browseragent/internal/config"
)

func testConfig(size int) *config.Config {
	return &config.Config{
		SlotPoolSize: size,
		BaseDisplay:  100,
		BaseVNCPort:  5900,
		BaseWebPort:  6900,
		ProfilesDir:  "/tmp/browser_profiles",
	}
}

func TestAcquireLowestIndexFirst(t *testing.T) {
	cfg := testConfig(3)
	pool := New(cfg)

	s0, err := pool.Acquire(cfg, "sess-0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s0.Index != 0 {
		t.Errorf("expected slot 0 first, got %d", s0.Index)
	}

	s1, err := pool.Acquire(cfg, "sess-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s1.Index != 1 {
		t.Errorf("expected slot 1 second, got %d", s1.Index)
	}

	pool.Release(s0)
	s2, err := pool.Acquire(cfg, "sess-2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s2.Index != 0 {
		t.Errorf("expected released slot 0 to be reused first, got %d", s2.Index)
	}
}

func TestAcquireExhausted(t *testing.T) {
	cfg := testConfig(1)
	pool := New(cfg)

	if _, err := pool.Acquire(cfg, "sess-0"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err := pool.Acquire(cfg, "sess-1")
	if err == nil {
		t.Fatal("expected PoolExhausted error")
	}
	if !errors.Is(err, apperrors.ErrPoolExhausted) {
		t.Errorf("expected ErrPoolExhausted, got %v", err)
	}
}

func TestConcurrentAcquireDistinctSlots(t *testing.T) {
	cfg := testConfig(10)
	pool := New(cfg)

	var wg sync.WaitGroup
	results := make(chan int, cfg.SlotPoolSize)

	for i := 0; i < cfg.SlotPoolSize; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			slot, err := pool.Acquire(cfg, "sess")
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			results <- slot.Index
		}(i)
	}
	wg.Wait()
	close(results)

	seen := make(map[int]bool)
	for idx := range results {
		if seen[idx] {
			t.Fatalf("slot %d allocated twice concurrently", idx)
		}
		seen[idx] = true
	}
	if len(seen) != cfg.SlotPoolSize {
		t.Fatalf("expected %d distinct slots, got %d", cfg.SlotPoolSize, len(seen))
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	cfg := testConfig(2)
	pool := New(cfg)

	slot, _ := pool.Acquire(cfg, "sess-0")
	pool.Release(slot)
	pool.Release(slot) // second release must not double-count availability

	if pool.Available() != 2 {
		t.Errorf("expected availability to stay at pool size after double release, got %d", pool.Available())
	}
}

func TestAcquirePopulatesUserDataDir(t *testing.T) {
	cfg := testConfig(1)
	pool := New(cfg)

	slot, err := pool.Acquire(cfg, "abcd-1234-ef01-5678")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if slot.UserDataDir == "" || slot.DownloadsDir == "" {
		t.Error("expected user-data-dir and downloads-dir to be populated")
	}
}
