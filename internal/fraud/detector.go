package fraud

import (
	"log/slog"
	"sync"
)

// Pauser is the subset of ratelimit.RateLimiter the detector needs to
// enforce an automatic pause when a peer's reputation collapses.
type Pauser interface {
	SetMultiplier(peerID string, multiplier float64)
}

// AlertSink receives fraud flags for downstream notification (see the
// alert package's Notifier).
type AlertSink interface {
	Notify(f Flag)
}

// Detector evaluates every packet event against the configured rule
// set, penalizes the triggering peer's reputation, and throttles peers
// whose score drops below autoPauseThreshold.
type Detector struct {
	rules              []Rule
	reputation         *ReputationTracker
	pauser             Pauser
	alerts             AlertSink
	autoPauseThreshold float64
	logger             *slog.Logger

	mu     sync.Mutex
	paused map[string]bool
}

// NewDetector creates a Detector that evaluates rules in order, applying
// the first match's penalty (a packet that a rule flags is not also
// re-evaluated by later rules for the same event).
func NewDetector(rules []Rule, reputation *ReputationTracker, pauser Pauser, alerts AlertSink, autoPauseThreshold float64, logger *slog.Logger) *Detector {
	return &Detector{
		rules: rules, reputation: reputation, pauser: pauser, alerts: alerts,
		autoPauseThreshold: autoPauseThreshold, logger: logger,
		paused: make(map[string]bool),
	}
}

// Evaluate runs e through every rule. It returns the first Flag raised,
// or nil if no rule fired.
func (d *Detector) Evaluate(e Event) *Flag {
	for _, rule := range d.rules {
		flag := rule.Evaluate(e)
		if flag == nil {
			continue
		}

		score := d.reputation.Penalize(flag.PeerID, flag.Severity)
		d.logger.Warn("fraud rule triggered", "rule", flag.Rule, "peer_id", flag.PeerID,
			"severity", flag.Severity, "detail", flag.Detail, "reputation", score)

		if d.alerts != nil {
			d.alerts.Notify(*flag)
		}

		if score < d.autoPauseThreshold {
			d.autoPause(flag.PeerID)
		}
		return flag
	}
	return nil
}

func (d *Detector) autoPause(peerID string) {
	d.mu.Lock()
	already := d.paused[peerID]
	d.paused[peerID] = true
	d.mu.Unlock()

	if already {
		return
	}
	d.logger.Error("peer auto-paused: reputation below threshold", "peer_id", peerID)
	d.pauser.SetMultiplier(peerID, 0.1) // throttle to minimum rather than a hard cut-off
}

// Pause throttles peerID the same way an automatic reputation-triggered
// pause would, for an administrator acting on evidence outside the
// fraud rule set.
func (d *Detector) Pause(peerID, reason string) {
	d.mu.Lock()
	d.paused[peerID] = true
	d.mu.Unlock()
	d.logger.Warn("peer paused by administrative action", "peer_id", peerID, "reason", reason)
	d.pauser.SetMultiplier(peerID, 0.1)
}

// ClearPause allows a peer through at normal rate again, e.g. after an
// administrative review.
func (d *Detector) ClearPause(peerID string) {
	d.mu.Lock()
	delete(d.paused, peerID)
	d.mu.Unlock()
	d.pauser.SetMultiplier(peerID, 1.0)
	d.reputation.Reset(peerID)
}

// IsPaused reports whether this peer is paused, whether by an automatic
// pause after a score drop or by an explicit Pause call.
func (d *Detector) IsPaused(peerID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paused[peerID]
}
