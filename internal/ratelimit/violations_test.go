package ratelimit

import (
	"testing"
	"time"
)

func TestViolationCounter_AccumulatesWithinWindow(t *testing.T) {
	v := NewViolationCounter(time.Minute)
	if n := v.Record("peer-a"); n != 1 {
		t.Errorf("expected 1, got %d", n)
	}
	if n := v.Record("peer-a"); n != 2 {
		t.Errorf("expected 2, got %d", n)
	}
}

func TestViolationCounter_ExpiresOutsideWindow(t *testing.T) {
	v := NewViolationCounter(20 * time.Millisecond)
	v.Record("peer-a")
	time.Sleep(30 * time.Millisecond)
	if n := v.Count("peer-a"); n != 0 {
		t.Errorf("expected violations to expire, got %d", n)
	}
}

func TestViolationCounter_Reset(t *testing.T) {
	v := NewViolationCounter(time.Minute)
	v.Record("peer-a")
	v.Reset("peer-a")
	if n := v.Count("peer-a"); n != 0 {
		t.Errorf("expected 0 after reset, got %d", n)
	}
}

func TestViolationCounter_IndependentPeers(t *testing.T) {
	v := NewViolationCounter(time.Minute)
	v.Record("peer-a")
	if n := v.Count("peer-b"); n != 0 {
		t.Errorf("expected peer-b unaffected, got %d", n)
	}
}
