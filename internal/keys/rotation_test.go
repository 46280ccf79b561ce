package keys

import (
	"context"
	"encoding/hex"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

type evmKeyGenerator struct {
	backend *LocalEVMBackend
	counter int64
}

func (g *evmKeyGenerator) GenerateKey(ctx context.Context) (string, error) {
	n := atomic.AddInt64(&g.counter, 1)
	priv, err := crypto.GenerateKey()
	if err != nil {
		return "", err
	}
	keyID := "key-gen-" + string(rune('0'+n))
	if err := g.backend.AddKey(keyID, hex.EncodeToString(crypto.FromECDSA(priv))); err != nil {
		return "", err
	}
	return keyID, nil
}

func TestRotationManager_RotateAdoptsNewKey(t *testing.T) {
	m, backend := newTestManager(t)
	gen := &evmKeyGenerator{backend: backend}
	rm := NewRotationManager(m, gen, time.Hour, 50*time.Millisecond, slog.Default())

	oldID := m.ActiveKeyID()
	if err := rm.Rotate(context.Background()); err != nil {
		t.Fatalf("Rotate: %v", err)
	}

	if m.ActiveKeyID() == oldID {
		t.Fatal("expected active key to change after rotation")
	}
}

func TestRotationManager_OldKeyRetiresAfterGrace(t *testing.T) {
	m, backend := newTestManager(t)
	gen := &evmKeyGenerator{backend: backend}
	rm := NewRotationManager(m, gen, time.Hour, 30*time.Millisecond, slog.Default())

	oldID := m.ActiveKeyID()
	if err := rm.Rotate(context.Background()); err != nil {
		t.Fatalf("Rotate: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		retired := false
		for _, k := range m.Describe() {
			if k.ID == oldID && k.State == KeyStateRetired {
				retired = true
			}
		}
		if retired {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected old key to retire after grace period")
}

func TestRotationManager_StartStop(t *testing.T) {
	m, backend := newTestManager(t)
	gen := &evmKeyGenerator{backend: backend}
	rm := NewRotationManager(m, gen, 10*time.Millisecond, 5*time.Millisecond, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		rm.Start(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	rm.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected rotation loop to exit after Stop")
	}
}
