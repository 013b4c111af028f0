package upstream

import (
	"context"
	"testing"
	"time"
)

func TestTokenBucket_StartsFull(t *testing.T) {
	b := NewTokenBucket(5, 1, time.Second)
	if got := b.Available(); got != 5 {
		t.Fatalf("expected 5 tokens at start, got %d", got)
	}
}

func TestTokenBucket_ConsumeUntilEmpty(t *testing.T) {
	b := NewTokenBucket(3, 1, time.Hour)

	for i := 0; i < 3; i++ {
		ok, _ := b.TryConsume(1)
		if !ok {
			t.Fatalf("consume %d should succeed", i+1)
		}
	}
	ok, wait := b.TryConsume(1)
	if ok {
		t.Fatal("bucket should be empty")
	}
	if wait <= 0 {
		t.Fatalf("expected positive wait hint, got %v", wait)
	}
}

func TestTokenBucket_NeverExceedsCapacity(t *testing.T) {
	b := NewTokenBucket(2, 100, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	if got := b.Available(); got > 2 {
		t.Fatalf("bucket exceeded capacity: %d > 2", got)
	}
}

func TestTokenBucket_RefillsAfterPeriod(t *testing.T) {
	b := NewTokenBucket(1, 1, 20*time.Millisecond)
	if ok, _ := b.TryConsume(1); !ok {
		t.Fatal("initial consume should succeed")
	}
	if ok, _ := b.TryConsume(1); ok {
		t.Fatal("second immediate consume should fail")
	}
	time.Sleep(30 * time.Millisecond)
	if ok, _ := b.TryConsume(1); !ok {
		t.Fatal("consume after refill period should succeed")
	}
}

func TestTokenBucket_WaitAndConsume(t *testing.T) {
	b := NewTokenBucket(1, 1, 15*time.Millisecond)
	if ok, _ := b.TryConsume(1); !ok {
		t.Fatal("drain should succeed")
	}

	waited, err := b.WaitAndConsume(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if waited <= 0 {
		t.Fatal("expected a non-zero recorded wait")
	}
}

func TestTokenBucket_WaitHonorsCancellation(t *testing.T) {
	b := NewTokenBucket(1, 1, time.Hour)
	b.TryConsume(1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := b.WaitAndConsume(ctx, 1)
	if err == nil {
		t.Fatal("expected context error when tokens cannot accrue in time")
	}
}
