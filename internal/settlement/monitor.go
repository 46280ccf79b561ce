// Package settlement sweeps peer account balances on a timer and
// triggers out-of-band settlement transfers once a peer's net position
// strictly exceeds its configured threshold.
package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ilpconnector/connector/internal/ledger"
)

// State is where a single (peer, token) pair sits in the settlement
// lifecycle. A pair is never swept again while PENDING or IN_PROGRESS,
// preventing duplicate settlement transfers for the same balance.
type State string

const (
	StateIdle       State = "idle"
	StatePending    State = "pending"
	StateInProgress State = "in_progress"
)

// Rail executes an out-of-band settlement transfer on the underlying
// payment rail (on-chain, RTGS, whatever the token's settlement system
// is) and reports the amount actually moved.
type Rail interface {
	Settle(ctx context.Context, peerID, tokenID string, amount *big.Int) (settledAmount *big.Int, err error)
}

// AccountSource is the subset of ledger.AccountManager the monitor needs.
type AccountSource interface {
	SettlementCandidates(ctx context.Context) ([]*ledger.PeerAccountPair, error)
	RecordSettlement(ctx context.Context, peerID, tokenID string, amount *big.Int) error
}

// EventEmitter publishes telemetry observations. Calls are
// fire-and-forget: the monitor never inspects a delivery outcome.
type EventEmitter interface {
	Emit(eventType string, data map[string]any)
}

type noopEmitter struct{}

func (noopEmitter) Emit(string, map[string]any) {}

// Monitor periodically scans account pairs and settles any whose net
// position has crossed its threshold, per the §4.13 state machine:
// IDLE -> PENDING on first crossing (emitting SETTLEMENT_REQUIRED once),
// PENDING -> IN_PROGRESS when execution starts, IN_PROGRESS -> IDLE once
// recorded, and PENDING -> IDLE directly if the balance recovers on its
// own before execution ever begins.
type Monitor struct {
	accounts AccountSource
	rail     Rail
	interval time.Duration
	logger   *slog.Logger
	emitter  EventEmitter

	mu     sync.Mutex
	states map[string]State // key: peerID|tokenID

	stop chan struct{}
	done chan struct{}
}

// NewMonitor creates a Monitor that sweeps every interval. emitter may
// be nil, in which case SETTLEMENT_REQUIRED notifications are no-ops.
func NewMonitor(accounts AccountSource, rail Rail, interval time.Duration, emitter EventEmitter, logger *slog.Logger) *Monitor {
	if emitter == nil {
		emitter = noopEmitter{}
	}
	return &Monitor{
		accounts: accounts,
		rail:     rail,
		interval: interval,
		emitter:  emitter,
		logger:   logger,
		states:   make(map[string]State),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func stateKey(peerID, tokenID string) string { return peerID + "|" + tokenID }

// State reports the current lifecycle state for a (peer, token) pair.
// Pairs never swept default to StateIdle.
func (m *Monitor) State(peerID, tokenID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.states[stateKey(peerID, tokenID)]; ok {
		return s
	}
	return StateIdle
}

// Start runs an immediate sweep, then a periodic one every interval,
// until ctx is cancelled or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	defer close(m.done)

	m.sweep(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// Stop halts the sweep loop and waits for it to exit.
func (m *Monitor) Stop() {
	close(m.stop)
	<-m.done
}

func (m *Monitor) sweep(ctx context.Context) {
	candidates, err := m.accounts.SettlementCandidates(ctx)
	if err != nil {
		m.logger.Error("settlement sweep: list candidates failed", "error", err)
		return
	}

	seen := make(map[string]bool, len(candidates))
	for _, pair := range candidates {
		key := stateKey(pair.PeerID, pair.TokenID)
		seen[key] = true

		net := pair.NetPosition()
		if pair.SettlementThreshold == nil || net.Cmp(pair.SettlementThreshold) <= 0 {
			continue
		}
		m.trigger(ctx, pair, net)
	}

	m.recoverStalePending(seen)
}

// recoverStalePending transitions any PENDING pair that no longer
// appears among this sweep's candidates back to IDLE: its balance
// recovered on its own, without a settlement ever executing (§3, §4.13
// step 4).
func (m *Monitor) recoverStalePending(seen map[string]bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, state := range m.states {
		if state == StatePending && !seen[key] {
			m.states[key] = StateIdle
			m.logger.Info("settlement balance recovered without execution", "pair", key)
		}
	}
}

// trigger transitions a pair from IDLE to PENDING, emitting
// SETTLEMENT_REQUIRED exactly once for that transition, and starts
// execution in the background. A pair already PENDING or IN_PROGRESS is
// left alone so a single crossing never produces duplicate settlements.
func (m *Monitor) trigger(ctx context.Context, pair *ledger.PeerAccountPair, net *big.Int) {
	key := stateKey(pair.PeerID, pair.TokenID)

	m.mu.Lock()
	if m.states[key] == StatePending || m.states[key] == StateInProgress {
		m.mu.Unlock()
		return
	}
	m.states[key] = StatePending
	m.mu.Unlock()

	event := map[string]any{
		"peer_id":  pair.PeerID,
		"token_id": pair.TokenID,
		"balance":  net.String(),
	}
	if pair.SettlementThreshold != nil {
		event["threshold"] = pair.SettlementThreshold.String()
		event["exceeds_by"] = new(big.Int).Sub(net, pair.SettlementThreshold).String()
	}
	m.emitter.Emit("SETTLEMENT_REQUIRED", event)

	go m.settle(ctx, pair.PeerID, pair.TokenID, net)
}

// MarkSettlementInProgress transitions (peerID, tokenID) from PENDING to
// IN_PROGRESS. Exported so a caller driving execution directly — the
// orchestrator, or an admin-forced settlement — can bracket its own call
// to the rail and ledger around the same state machine the sweep loop
// uses.
func (m *Monitor) MarkSettlementInProgress(peerID, tokenID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[stateKey(peerID, tokenID)] = StateInProgress
}

// MarkSettlementCompleted returns (peerID, tokenID) to IDLE once a
// settlement attempt has been recorded, successfully or not.
func (m *Monitor) MarkSettlementCompleted(peerID, tokenID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[stateKey(peerID, tokenID)] = StateIdle
}

// settle drives one settlement attempt end to end: mark in-progress,
// call the rail, record the result on the ledger, mark completed.
func (m *Monitor) settle(ctx context.Context, peerID, tokenID string, amount *big.Int) {
	m.MarkSettlementInProgress(peerID, tokenID)
	defer m.MarkSettlementCompleted(peerID, tokenID)

	settled, err := m.rail.Settle(ctx, peerID, tokenID, amount)
	if err != nil {
		m.logger.Error("settlement transfer failed", "peer_id", peerID, "token_id", tokenID, "error", err)
		return
	}

	if err := m.accounts.RecordSettlement(ctx, peerID, tokenID, settled); err != nil {
		m.logger.Error("settlement ledger update failed", "peer_id", peerID, "token_id", tokenID, "error", err)
		return
	}

	m.logger.Info("settlement completed", "peer_id", peerID, "token_id", tokenID, "amount", settled.String())
}

// TriggerNow forces an immediate settlement attempt for one (peer,
// token) pair, used by administrative "settle now" requests.
func (m *Monitor) TriggerNow(ctx context.Context, pair *ledger.PeerAccountPair) error {
	net := pair.NetPosition()
	if net.Sign() <= 0 {
		return fmt.Errorf("settlement: no outstanding balance to settle for peer %s token %s", pair.PeerID, pair.TokenID)
	}
	m.trigger(ctx, pair, net)
	return nil
}
