package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/smallbiznis/movepoint/internal/clock"
)

func TestSlidingWindowAcceptsUpToMax(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC))
	limiter := NewSlidingWindow(3, time.Minute, clk)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := limiter.Allow(ctx, "sub-1")
		if err != nil || !ok {
			t.Fatalf("request %d: expected allowed, got %v err=%v", i, ok, err)
		}
	}
	if ok, _ := limiter.Allow(ctx, "sub-1"); ok {
		t.Fatalf("expected fourth request to be rejected")
	}
	if ok, _ := limiter.Allow(ctx, "sub-2"); !ok {
		t.Fatalf("expected other identifier to be independent")
	}
}

func TestSlidingWindowPurgesExpiredHits(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC))
	limiter := NewSlidingWindow(2, time.Minute, clk)
	ctx := context.Background()

	limiter.Allow(ctx, "ip")
	clk.Advance(30 * time.Second)
	limiter.Allow(ctx, "ip")
	if ok, _ := limiter.Allow(ctx, "ip"); ok {
		t.Fatalf("expected window to be full")
	}

	clk.Advance(30 * time.Second)
	if ok, _ := limiter.Allow(ctx, "ip"); !ok {
		t.Fatalf("expected first hit to age out after one window")
	}
	if ok, _ := limiter.Allow(ctx, "ip"); ok {
		t.Fatalf("expected window to be full again")
	}
}

func TestSlidingWindowRejectedRequestsAreNotRecorded(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC))
	limiter := NewSlidingWindow(1, time.Minute, clk)
	ctx := context.Background()

	limiter.Allow(ctx, "ip")
	for i := 0; i < 10; i++ {
		clk.Advance(time.Second)
		limiter.Allow(ctx, "ip")
	}
	clk.Advance(50 * time.Second)
	if ok, _ := limiter.Allow(ctx, "ip"); !ok {
		t.Fatalf("expected rejected calls to leave no timestamps behind")
	}
}

func TestSlidingWindowCleanupDropsIdleIdentifiers(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC))
	limiter := NewSlidingWindow(5, time.Minute, clk)
	ctx := context.Background()

	limiter.Allow(ctx, "idle")
	clk.Advance(45 * time.Second)
	limiter.Allow(ctx, "busy")
	clk.Advance(30 * time.Second)

	if removed := limiter.Cleanup(clk.Now()); removed != 1 {
		t.Fatalf("expected 1 identifier removed, got %d", removed)
	}
	if tracked := limiter.Tracked(); tracked != 1 {
		t.Fatalf("expected 1 tracked identifier, got %d", tracked)
	}
	if ok, _ := limiter.Allow(ctx, "idle"); !ok {
		t.Fatalf("expected evicted identifier to start fresh")
	}
}

func TestSlidingWindowEmptyIdentifier(t *testing.T) {
	limiter := NewSlidingWindow(1, time.Minute, nil)
	if _, err := limiter.Allow(context.Background(), "  "); err != ErrEmptyIdentifier {
		t.Fatalf("expected ErrEmptyIdentifier, got %v", err)
	}
}

func TestSlidingWindowConcurrentAllowNeverExceedsMax(t *testing.T) {
	limiter := NewSlidingWindow(100, time.Minute, clock.NewFakeClock(time.Now()))
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 250; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := limiter.Allow(ctx, "shared"); ok {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if allowed != 100 {
		t.Fatalf("expected exactly 100 allowed, got %d", allowed)
	}
}
