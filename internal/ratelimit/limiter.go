// Package ratelimit implements per-peer admission control: a continuous
// refill token bucket (TokenBucket), a sliding-window violation counter
// (ViolationCounter), and a RateLimiter that combines the two with a
// timed block/unblock deadline in place of a general circuit breaker —
// a peer that crosses the violation threshold is paused until a fixed
// deadline, not probed back in through a half-open state.
package ratelimit

import (
	"errors"
	"sync"
	"time"

	"github.com/ilpconnector/connector/internal/syncutil"
)

// ErrPeerPaused is returned by Allow when the peer is currently paused.
var ErrPeerPaused = errors.New("peer is paused")

// Config controls default limiter behavior. SetMultiplier scales an
// individual peer's rate and burst relative to these defaults.
type Config struct {
	DefaultRatePerSec float64
	DefaultBurst      int
	ViolationWindow   time.Duration
	ViolationLimit    int // violations within window before pausing
	PauseDuration     time.Duration
}

// DefaultConfig returns sane defaults for the rate limiter.
func DefaultConfig() Config {
	return Config{
		DefaultRatePerSec: 50,
		DefaultBurst:      100,
		ViolationWindow:   time.Minute,
		ViolationLimit:    10,
		PauseDuration:     5 * time.Minute,
	}
}

const (
	minMultiplier = 0.1
	maxMultiplier = 5.0
)

type peerState struct {
	bucket     *TokenBucket
	multiplier float64
	pausedMu   sync.Mutex
	pausedAt   time.Time
	pauseUntil time.Time
}

// RateLimiter admits or rejects packets on a per-peer basis, escalating
// from token-bucket throttling to a timed pause when a peer accumulates
// too many violations in the sliding window.
type RateLimiter struct {
	cfg        Config
	violations *ViolationCounter

	mu    sync.RWMutex
	peers map[string]*peerState
	locks syncutil.ShardedMutex
}

// New creates a RateLimiter with the given configuration.
func New(cfg Config) *RateLimiter {
	return &RateLimiter{
		cfg:        cfg,
		violations: NewViolationCounter(cfg.ViolationWindow),
		peers:      make(map[string]*peerState),
	}
}

// Allow reports whether a packet from peerID may proceed. If the peer is
// currently paused, ErrPeerPaused is returned. If the bucket is exhausted,
// a violation is recorded and (false, nil) is returned; once the
// violation count in the sliding window reaches ViolationLimit, the peer
// is paused for PauseDuration.
func (l *RateLimiter) Allow(peerID string) (bool, error) {
	state := l.stateFor(peerID)

	unlock := l.locks.Lock(peerID)
	defer unlock()

	if until, paused := state.pauseDeadline(); paused {
		if time.Now().Before(until) {
			return false, ErrPeerPaused
		}
		state.clearPause()
		l.violations.Reset(peerID)
	}

	if state.bucket.Allow() {
		return true, nil
	}

	count := l.violations.Record(peerID)
	if count >= l.cfg.ViolationLimit {
		state.pause(l.cfg.PauseDuration)
	}
	return false, nil
}

// IsPaused reports whether peerID is currently paused, and until when.
func (l *RateLimiter) IsPaused(peerID string) (time.Time, bool) {
	state := l.peek(peerID)
	if state == nil {
		return time.Time{}, false
	}
	return state.pauseDeadline()
}

// Unblock clears a peer's pause immediately, e.g. via an administrative
// operation.
func (l *RateLimiter) Unblock(peerID string) {
	state := l.peek(peerID)
	if state == nil {
		return
	}
	unlock := l.locks.Lock(peerID)
	defer unlock()
	state.clearPause()
	l.violations.Reset(peerID)
}

// SetMultiplier adjusts a peer's effective rate by a multiplier of the
// configured default, clamped to [0.1, 5.0]. Used by the fraud detector
// to throttle suspicious peers without fully pausing them.
func (l *RateLimiter) SetMultiplier(peerID string, multiplier float64) {
	if multiplier < minMultiplier {
		multiplier = minMultiplier
	}
	if multiplier > maxMultiplier {
		multiplier = maxMultiplier
	}

	state := l.stateFor(peerID)
	unlock := l.locks.Lock(peerID)
	defer unlock()

	state.multiplier = multiplier
	rate := l.cfg.DefaultRatePerSec * multiplier
	capacity := float64(l.cfg.DefaultBurst) * multiplier
	state.bucket.SetRate(capacity, rate)
}

func (l *RateLimiter) stateFor(peerID string) *peerState {
	l.mu.RLock()
	state, ok := l.peers[peerID]
	l.mu.RUnlock()
	if ok {
		return state
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if state, ok := l.peers[peerID]; ok {
		return state
	}
	state = &peerState{
		bucket:     NewTokenBucket(float64(l.cfg.DefaultBurst), l.cfg.DefaultRatePerSec),
		multiplier: 1.0,
	}
	l.peers[peerID] = state
	return state
}

func (l *RateLimiter) peek(peerID string) *peerState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.peers[peerID]
}

func (s *peerState) pause(d time.Duration) {
	s.pausedMu.Lock()
	defer s.pausedMu.Unlock()
	s.pausedAt = time.Now()
	s.pauseUntil = s.pausedAt.Add(d)
}

func (s *peerState) clearPause() {
	s.pausedMu.Lock()
	defer s.pausedMu.Unlock()
	s.pauseUntil = time.Time{}
}

func (s *peerState) pauseDeadline() (time.Time, bool) {
	s.pausedMu.Lock()
	defer s.pausedMu.Unlock()
	if s.pauseUntil.IsZero() {
		return time.Time{}, false
	}
	return s.pauseUntil, true
}
