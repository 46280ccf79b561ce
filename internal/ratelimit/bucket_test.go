package ratelimit

import (
	"testing"
	"time"
)

func TestTokenBucket_AllowsUpToCapacity(t *testing.T) {
	b := NewTokenBucket(5, 1)
	for i := 0; i < 5; i++ {
		if !b.Allow() {
			t.Fatalf("token %d should be available", i)
		}
	}
	if b.Allow() {
		t.Fatal("bucket should be empty after capacity consumed")
	}
}

func TestTokenBucket_RefillsOverTime(t *testing.T) {
	b := NewTokenBucket(1, 100) // 100 tokens/sec
	b.Allow()
	if b.Allow() {
		t.Fatal("bucket should be empty immediately after consuming")
	}
	time.Sleep(20 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("bucket should have refilled after 20ms at 100/sec")
	}
}

func TestTokenBucket_SetRateClampsExistingTokens(t *testing.T) {
	b := NewTokenBucket(10, 1)
	b.SetRate(2, 1)
	if tokens := b.Tokens(); tokens > 2 {
		t.Errorf("expected tokens clamped to new capacity 2, got %f", tokens)
	}
}
