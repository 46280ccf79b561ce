package ratelimit

import (
	"testing"
	"time"
)

func TestLimiter_AllowsWithinBurst(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultBurst = 5
	cfg.DefaultRatePerSec = 60
	l := New(cfg)

	for i := 0; i < 5; i++ {
		ok, err := l.Allow("peer-a")
		if err != nil || !ok {
			t.Fatalf("request %d should be allowed, got ok=%v err=%v", i, ok, err)
		}
	}

	ok, err := l.Allow("peer-a")
	if err != nil || ok {
		t.Fatal("request after burst should be denied without error")
	}
}

func TestLimiter_PausesAfterViolationLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultBurst = 1
	cfg.DefaultRatePerSec = 0.001
	cfg.ViolationLimit = 3
	cfg.ViolationWindow = time.Minute
	cfg.PauseDuration = time.Hour
	l := New(cfg)

	l.Allow("peer-a") // consumes the only token

	for i := 0; i < 3; i++ {
		l.Allow("peer-a")
	}

	_, err := l.Allow("peer-a")
	if err != ErrPeerPaused {
		t.Fatalf("expected ErrPeerPaused after violation limit, got %v", err)
	}
}

func TestLimiter_UnblockClearsPause(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultBurst = 1
	cfg.ViolationLimit = 1
	cfg.PauseDuration = time.Hour
	l := New(cfg)

	l.Allow("peer-a")
	l.Allow("peer-a") // triggers pause

	if _, paused := l.IsPaused("peer-a"); !paused {
		t.Fatal("expected peer to be paused")
	}

	l.Unblock("peer-a")

	if _, paused := l.IsPaused("peer-a"); paused {
		t.Fatal("expected pause to be cleared after Unblock")
	}
}

func TestLimiter_SetMultiplierClampsBounds(t *testing.T) {
	cfg := DefaultConfig()
	l := New(cfg)

	l.SetMultiplier("peer-a", 100)
	state := l.stateFor("peer-a")
	if state.multiplier != maxMultiplier {
		t.Errorf("expected multiplier clamped to %v, got %v", maxMultiplier, state.multiplier)
	}

	l.SetMultiplier("peer-a", -5)
	if state.multiplier != minMultiplier {
		t.Errorf("expected multiplier clamped to %v, got %v", minMultiplier, state.multiplier)
	}
}

func TestLimiter_IndependentPeers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultBurst = 1
	l := New(cfg)

	l.Allow("peer-a")
	ok, _ := l.Allow("peer-b")
	if !ok {
		t.Error("peer-b should be unaffected by peer-a's consumption")
	}
}
