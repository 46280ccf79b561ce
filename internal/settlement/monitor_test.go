package settlement

import (
	"context"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ilpconnector/connector/internal/ledger"
)

type fakeAccountSource struct {
	mu         sync.Mutex
	candidates []*ledger.PeerAccountPair
	settled    map[string]*big.Int
}

func (s *fakeAccountSource) SettlementCandidates(ctx context.Context) ([]*ledger.PeerAccountPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.candidates, nil
}

func (s *fakeAccountSource) setCandidates(pairs []*ledger.PeerAccountPair) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candidates = pairs
}

func (s *fakeAccountSource) RecordSettlement(ctx context.Context, peerID, tokenID string, amount *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settled == nil {
		s.settled = make(map[string]*big.Int)
	}
	s.settled[peerID+"|"+tokenID] = amount
	return nil
}

type fakeRail struct {
	calls int32
}

func (r *fakeRail) Settle(ctx context.Context, peerID, tokenID string, amount *big.Int) (*big.Int, error) {
	r.calls++
	return amount, nil
}

type fakeEmitter struct {
	mu     sync.Mutex
	events []string
}

func (e *fakeEmitter) Emit(eventType string, data map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, eventType)
}

func (e *fakeEmitter) count(eventType string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, evt := range e.events {
		if evt == eventType {
			n++
		}
	}
	return n
}

func pairWithNet(peerID, tokenID string, net, threshold int64) *ledger.PeerAccountPair {
	return &ledger.PeerAccountPair{
		PeerID:              peerID,
		TokenID:             tokenID,
		ReceivableBalance:   big.NewInt(net),
		PayableBalance:      big.NewInt(0),
		SettlementThreshold: big.NewInt(threshold),
	}
}

func TestMonitor_TriggersAboveThreshold(t *testing.T) {
	source := &fakeAccountSource{candidates: []*ledger.PeerAccountPair{
		pairWithNet("peer1", "usd", 150, 100),
	}}
	rail := &fakeRail{}
	emitter := &fakeEmitter{}
	m := NewMonitor(source, rail, time.Hour, emitter, slog.Default())

	m.sweep(context.Background())

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		source.mu.Lock()
		done := source.settled["peer1|usd"] != nil
		source.mu.Unlock()
		if done {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	source.mu.Lock()
	defer source.mu.Unlock()
	if source.settled["peer1|usd"] == nil {
		t.Fatal("expected settlement to be recorded")
	}
	if source.settled["peer1|usd"].Cmp(big.NewInt(150)) != 0 {
		t.Fatalf("expected settled amount 150, got %s", source.settled["peer1|usd"])
	}
	if emitter.count("SETTLEMENT_REQUIRED") != 1 {
		t.Fatalf("expected exactly one SETTLEMENT_REQUIRED event, got %d", emitter.count("SETTLEMENT_REQUIRED"))
	}
}

func TestMonitor_DoesNotTriggerAtOrBelowThreshold(t *testing.T) {
	source := &fakeAccountSource{candidates: []*ledger.PeerAccountPair{
		pairWithNet("peer1", "usd", 100, 100),
	}}
	rail := &fakeRail{}
	m := NewMonitor(source, rail, time.Hour, nil, slog.Default())

	m.sweep(context.Background())
	time.Sleep(20 * time.Millisecond)

	if rail.calls != 0 {
		t.Fatalf("expected no settlement at exactly threshold, got %d calls", rail.calls)
	}
}

func TestMonitor_DoesNotDoubleTriggerWhilePending(t *testing.T) {
	source := &fakeAccountSource{candidates: []*ledger.PeerAccountPair{
		pairWithNet("peer1", "usd", 150, 100),
	}}
	rail := &fakeRail{}
	emitter := &fakeEmitter{}
	m := NewMonitor(source, rail, time.Hour, emitter, slog.Default())

	m.sweep(context.Background())
	m.sweep(context.Background())

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) && m.State("peer1", "usd") != StateIdle {
		time.Sleep(5 * time.Millisecond)
	}

	if rail.calls > 1 {
		t.Fatalf("expected at most 1 settlement call while pending, got %d", rail.calls)
	}
	if emitter.count("SETTLEMENT_REQUIRED") != 1 {
		t.Fatalf("expected exactly one SETTLEMENT_REQUIRED event across both sweeps, got %d", emitter.count("SETTLEMENT_REQUIRED"))
	}
}

// TestMonitor_RecoversToIdleWithoutExecution exercises the PENDING ->
// IDLE transition for a balance that drops back below threshold before
// a settlement ever executes (§3, §4.13 step 4). It holds the rail
// indefinitely so no execution can complete first.
func TestMonitor_RecoversToIdleWithoutExecution(t *testing.T) {
	source := &fakeAccountSource{candidates: []*ledger.PeerAccountPair{
		pairWithNet("peer1", "usd", 150, 100),
	}}
	rail := &blockingRail{release: make(chan struct{})}
	emitter := &fakeEmitter{}
	m := NewMonitor(source, rail, time.Hour, emitter, slog.Default())

	m.sweep(context.Background())

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && m.State("peer1", "usd") != StatePending {
		time.Sleep(5 * time.Millisecond)
	}
	if m.State("peer1", "usd") != StatePending {
		t.Fatalf("expected state pending before execution starts, got %s", m.State("peer1", "usd"))
	}

	// Balance recovers on its own (e.g. the peer settled out of band)
	// before the rail call this monitor started ever returns.
	source.setCandidates(nil)
	m.sweep(context.Background())

	if m.State("peer1", "usd") != StateIdle {
		t.Fatalf("expected recovery transition to idle, got %s", m.State("peer1", "usd"))
	}

	close(rail.release)
}

type blockingRail struct {
	release chan struct{}
}

func (r *blockingRail) Settle(ctx context.Context, peerID, tokenID string, amount *big.Int) (*big.Int, error) {
	<-r.release
	return amount, nil
}

func TestMonitor_StartStop(t *testing.T) {
	source := &fakeAccountSource{}
	rail := &fakeRail{}
	m := NewMonitor(source, rail, 10*time.Millisecond, nil, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		m.Start(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	m.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected monitor loop to exit after Stop")
	}
}

func TestMonitor_StartRunsImmediateSweep(t *testing.T) {
	source := &fakeAccountSource{candidates: []*ledger.PeerAccountPair{
		pairWithNet("peer1", "usd", 150, 100),
	}}
	rail := &fakeRail{}
	m := NewMonitor(source, rail, time.Hour, nil, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		m.Start(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		m.Stop()
		<-done
	})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && m.State("peer1", "usd") == StateIdle {
		time.Sleep(5 * time.Millisecond)
	}
	if m.State("peer1", "usd") == StateIdle {
		t.Fatal("expected Start to run an immediate sweep before the first tick")
	}
}
