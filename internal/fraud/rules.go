// Package fraud implements admission-time fraud rules, peer reputation
// tracking, and the detector that routes rule triggers to reputation
// penalties and automatic pausing.
package fraud

import (
	"math/big"
	"sync"
	"time"
)

// Severity classifies how serious a fraud rule trigger is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Flag is the result of a fraud rule evaluating a packet event.
type Flag struct {
	Rule      string
	Severity  Severity
	PeerID    string
	Detail    string
	Timestamp time.Time
}

// Event describes a single packet observation handed to the fraud rules.
type Event struct {
	PeerID        string
	TokenID       string
	Amount        *big.Int
	Destination   string
	CorrelationID string
	Timestamp     time.Time
}

// Rule evaluates a stream of events for one peer and returns a Flag when
// it detects a suspicious pattern. Rules keep their own per-peer state
// and must be safe for concurrent use across peers.
type Rule interface {
	Name() string
	Evaluate(e Event) *Flag
}

// peerWindow is a small ring of recent events used by several rules that
// need a sliding window rather than a single previous value.
type peerWindow struct {
	mu     sync.Mutex
	window time.Duration
	events map[string][]Event
}

func newPeerWindow(window time.Duration) *peerWindow {
	return &peerWindow{window: window, events: make(map[string][]Event)}
}

func (w *peerWindow) record(e Event) []Event {
	w.mu.Lock()
	defer w.mu.Unlock()
	cutoff := e.Timestamp.Add(-w.window)
	events := w.events[e.PeerID]
	i := 0
	for i < len(events) && events[i].Timestamp.Before(cutoff) {
		i++
	}
	events = append(append([]Event(nil), events[i:]...), e)
	w.events[e.PeerID] = events
	return events
}

// DoubleSpendRule flags when the same peer id+correlation id is
// seen more than once within the window — a replayed or duplicated
// packet attempting to spend the same value twice.
type DoubleSpendRule struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
}

// NewDoubleSpendRule creates a rule that remembers correlation ids for ttl.
func NewDoubleSpendRule(ttl time.Duration) *DoubleSpendRule {
	return &DoubleSpendRule{seen: make(map[string]time.Time), ttl: ttl}
}

func (r *DoubleSpendRule) Name() string { return "double_spend" }

func (r *DoubleSpendRule) Evaluate(e Event) *Flag {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := e.PeerID + "|" + e.CorrelationID
	if last, ok := r.seen[key]; ok && e.Timestamp.Sub(last) < r.ttl {
		return &Flag{Rule: r.Name(), Severity: SeverityCritical, PeerID: e.PeerID,
			Detail: "correlation id reused within TTL", Timestamp: e.Timestamp}
	}
	r.seen[key] = e.Timestamp
	return nil
}

// RapidChannelClosureRule flags peers that send a burst of packets and
// then abruptly stop, a pattern associated with draining credit right
// before disconnecting to avoid settlement.
type RapidChannelClosureRule struct {
	win           *peerWindow
	burstCount    int
	quietDuration time.Duration

	mu       sync.Mutex
	lastSeen map[string]time.Time
}

// NewRapidChannelClosureRule flags a peer that sent at least burstCount
// packets in window and then produced no packets for quietDuration.
func NewRapidChannelClosureRule(window time.Duration, burstCount int, quietDuration time.Duration) *RapidChannelClosureRule {
	return &RapidChannelClosureRule{
		win: newPeerWindow(window), burstCount: burstCount, quietDuration: quietDuration,
		lastSeen: make(map[string]time.Time),
	}
}

func (r *RapidChannelClosureRule) Name() string { return "rapid_channel_closure" }

func (r *RapidChannelClosureRule) Evaluate(e Event) *Flag {
	events := r.win.record(e)

	r.mu.Lock()
	prev, ok := r.lastSeen[e.PeerID]
	r.lastSeen[e.PeerID] = e.Timestamp
	r.mu.Unlock()

	if ok && len(events) >= r.burstCount && e.Timestamp.Sub(prev) > r.quietDuration {
		return &Flag{Rule: r.Name(), Severity: SeverityHigh, PeerID: e.PeerID,
			Detail: "burst followed by abrupt silence", Timestamp: e.Timestamp}
	}
	return nil
}

// UnusualSettlementAmountRule flags packets whose amount deviates sharply
// (by multiplierThreshold) from the peer's trailing average.
type UnusualSettlementAmountRule struct {
	win                *peerWindow
	multiplierThreshold float64
	minSamples         int
}

// NewUnusualSettlementAmountRule flags amounts more than multiplierThreshold
// times the peer's trailing average over window, once at least minSamples
// prior observations exist.
func NewUnusualSettlementAmountRule(window time.Duration, multiplierThreshold float64, minSamples int) *UnusualSettlementAmountRule {
	return &UnusualSettlementAmountRule{win: newPeerWindow(window), multiplierThreshold: multiplierThreshold, minSamples: minSamples}
}

func (r *UnusualSettlementAmountRule) Name() string { return "unusual_settlement_amount" }

func (r *UnusualSettlementAmountRule) Evaluate(e Event) *Flag {
	events := r.win.record(e)
	if len(events) <= r.minSamples {
		return nil
	}

	prior := events[:len(events)-1]
	sum := new(big.Float)
	for _, p := range prior {
		sum.Add(sum, new(big.Float).SetInt(p.Amount))
	}
	avg := new(big.Float).Quo(sum, big.NewFloat(float64(len(prior))))
	threshold := new(big.Float).Mul(avg, big.NewFloat(r.multiplierThreshold))

	if new(big.Float).SetInt(e.Amount).Cmp(threshold) > 0 {
		return &Flag{Rule: r.Name(), Severity: SeverityMedium, PeerID: e.PeerID,
			Detail: "amount far exceeds trailing average", Timestamp: e.Timestamp}
	}
	return nil
}

// SuddenTrafficSpikeRule flags when a peer's packet rate within window
// exceeds spikeFactor times its rate in the preceding window of equal
// length.
type SuddenTrafficSpikeRule struct {
	mu          sync.Mutex
	window      time.Duration
	spikeFactor float64
	counts      map[string][]time.Time
}

// NewSuddenTrafficSpikeRule flags a peer whose packet count in the most
// recent window exceeds spikeFactor times its count in the prior window.
func NewSuddenTrafficSpikeRule(window time.Duration, spikeFactor float64) *SuddenTrafficSpikeRule {
	return &SuddenTrafficSpikeRule{window: window, spikeFactor: spikeFactor, counts: make(map[string][]time.Time)}
}

func (r *SuddenTrafficSpikeRule) Name() string { return "sudden_traffic_spike" }

func (r *SuddenTrafficSpikeRule) Evaluate(e Event) *Flag {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := e.Timestamp.Add(-2 * r.window)
	events := r.counts[e.PeerID]
	i := 0
	for i < len(events) && events[i].Before(cutoff) {
		i++
	}
	events = append(append([]time.Time(nil), events[i:]...), e.Timestamp)
	r.counts[e.PeerID] = events

	mid := e.Timestamp.Add(-r.window)
	var recent, prior int
	for _, ts := range events {
		if ts.After(mid) {
			recent++
		} else {
			prior++
		}
	}

	if prior > 0 && float64(recent) > float64(prior)*r.spikeFactor {
		return &Flag{Rule: r.Name(), Severity: SeverityMedium, PeerID: e.PeerID,
			Detail: "packet rate spiked relative to prior window", Timestamp: e.Timestamp}
	}
	return nil
}

// BalanceManipulationRule flags negative or implausibly large amounts
// that indicate a peer is attempting to manipulate ledger balances
// through malformed packet data rather than normal traffic.
type BalanceManipulationRule struct {
	maxAmount *big.Int
}

// NewBalanceManipulationRule flags amounts that are non-positive or
// exceed maxAmount.
func NewBalanceManipulationRule(maxAmount *big.Int) *BalanceManipulationRule {
	return &BalanceManipulationRule{maxAmount: maxAmount}
}

func (r *BalanceManipulationRule) Name() string { return "balance_manipulation" }

func (r *BalanceManipulationRule) Evaluate(e Event) *Flag {
	if e.Amount == nil || e.Amount.Sign() <= 0 {
		return &Flag{Rule: r.Name(), Severity: SeverityCritical, PeerID: e.PeerID,
			Detail: "non-positive packet amount", Timestamp: e.Timestamp}
	}
	if r.maxAmount != nil && e.Amount.Cmp(r.maxAmount) > 0 {
		return &Flag{Rule: r.Name(), Severity: SeverityHigh, PeerID: e.PeerID,
			Detail: "amount exceeds configured maximum", Timestamp: e.Timestamp}
	}
	return nil
}
