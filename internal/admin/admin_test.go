package admin

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"testing"

	"github.com/ilpconnector/connector/internal/ledger"
)

type fakePauser struct {
	paused  map[string]string
	resumed []string
}

func newFakePauser() *fakePauser { return &fakePauser{paused: make(map[string]string)} }

func (p *fakePauser) Pause(peerID, reason string) { p.paused[peerID] = reason }

func (p *fakePauser) ClearPause(peerID string) {
	p.resumed = append(p.resumed, peerID)
	delete(p.paused, peerID)
}

type fakeUnblocker struct{ unblocked []string }

func (u *fakeUnblocker) Unblock(peerID string) { u.unblocked = append(u.unblocked, peerID) }

type fakeLookup struct {
	pair *ledger.PeerAccountPair
	err  error
}

func (l *fakeLookup) GetBalance(ctx context.Context, peerID, tokenID string) (*ledger.PeerAccountPair, error) {
	return l.pair, l.err
}

type fakeSettler struct {
	triggered *ledger.PeerAccountPair
	err       error
}

func (s *fakeSettler) TriggerNow(ctx context.Context, pair *ledger.PeerAccountPair) error {
	s.triggered = pair
	return s.err
}

type fakeRotator struct {
	called bool
	err    error
}

func (r *fakeRotator) Rotate(ctx context.Context) error {
	r.called = true
	return r.err
}

func newTestGateway() (*Gateway, *fakePauser, *fakeUnblocker, *fakeLookup, *fakeSettler, *fakeRotator) {
	pauser := newFakePauser()
	unblocker := &fakeUnblocker{}
	lookup := &fakeLookup{pair: &ledger.PeerAccountPair{PeerID: "peer1", TokenID: "usd", ReceivableBalance: big.NewInt(500)}}
	settler := &fakeSettler{}
	rotator := &fakeRotator{}
	g := New("s3cret", pauser, unblocker, lookup, settler, rotator, slog.Default())
	return g, pauser, unblocker, lookup, settler, rotator
}

func TestGateway_MissingSecretIsUnauthorized(t *testing.T) {
	g, _, _, _, _, _ := newTestGateway()
	err := g.PausePeer("", "peer1", "test")
	var adminErr *Error
	if !errors.As(err, &adminErr) || adminErr.Code != "unauthorized" {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestGateway_WrongSecretIsForbidden(t *testing.T) {
	g, _, _, _, _, _ := newTestGateway()
	err := g.PausePeer("wrong", "peer1", "test")
	var adminErr *Error
	if !errors.As(err, &adminErr) || adminErr.Code != "forbidden" {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestGateway_PauseAndResume(t *testing.T) {
	g, pauser, _, _, _, _ := newTestGateway()

	if err := g.PausePeer("s3cret", "peer1", "suspicious activity"); err != nil {
		t.Fatalf("PausePeer: %v", err)
	}
	if pauser.paused["peer1"] != "suspicious activity" {
		t.Fatalf("expected peer1 paused with reason, got %v", pauser.paused)
	}

	if err := g.ResumePeer("s3cret", "peer1"); err != nil {
		t.Fatalf("ResumePeer: %v", err)
	}
	if len(pauser.resumed) != 1 || pauser.resumed[0] != "peer1" {
		t.Fatalf("expected peer1 resumed, got %v", pauser.resumed)
	}
}

func TestGateway_UnblockPeer(t *testing.T) {
	g, _, unblocker, _, _, _ := newTestGateway()
	if err := g.UnblockPeer("s3cret", "peer1"); err != nil {
		t.Fatalf("UnblockPeer: %v", err)
	}
	if len(unblocker.unblocked) != 1 || unblocker.unblocked[0] != "peer1" {
		t.Fatalf("expected peer1 unblocked, got %v", unblocker.unblocked)
	}
}

func TestGateway_TriggerSettlement(t *testing.T) {
	g, _, _, _, settler, _ := newTestGateway()
	if err := g.TriggerSettlement(context.Background(), "s3cret", "peer1", "usd"); err != nil {
		t.Fatalf("TriggerSettlement: %v", err)
	}
	if settler.triggered == nil || settler.triggered.PeerID != "peer1" {
		t.Fatalf("expected settlement triggered for peer1, got %v", settler.triggered)
	}
}

func TestGateway_RotateKey(t *testing.T) {
	g, _, _, _, _, rotator := newTestGateway()
	if err := g.RotateKey(context.Background(), "s3cret"); err != nil {
		t.Fatalf("RotateKey: %v", err)
	}
	if !rotator.called {
		t.Fatal("expected rotation to be invoked")
	}
}
