package keys

import (
	"context"
	"encoding/hex"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
)

func newTestManager(t *testing.T) (*Manager, *LocalEVMBackend) {
	t.Helper()
	priv, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	backend, err := NewLocalEVMBackend("key1", hex.EncodeToString(crypto.FromECDSA(priv)))
	if err != nil {
		t.Fatalf("NewLocalEVMBackend: %v", err)
	}
	return NewManager(backend, nil, "key1"), backend
}

func TestManager_SignUsesActiveKey(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	keyID, sig, err := m.Sign(ctx, []byte("payload"))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if keyID != "key1" {
		t.Fatalf("expected key1, got %s", keyID)
	}

	ok, err := m.Verify(ctx, keyID, []byte("payload"), sig)
	if err != nil || !ok {
		t.Fatalf("expected signature to verify, ok=%v err=%v", ok, err)
	}
}

func TestManager_VerifyUnknownKeyFails(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Verify(context.Background(), "ghost", []byte("x"), []byte("y"))
	if err == nil {
		t.Fatal("expected error for unknown key id")
	}
}

func TestManager_AdoptMarksOldKeyRetiring(t *testing.T) {
	m, backend := newTestManager(t)
	priv, _ := crypto.GenerateKey()
	if err := backend.AddKey("key2", hex.EncodeToString(crypto.FromECDSA(priv))); err != nil {
		t.Fatalf("AddKey: %v", err)
	}

	m.adopt("key2", "key1")

	if m.ActiveKeyID() != "key2" {
		t.Fatalf("expected key2 active, got %s", m.ActiveKeyID())
	}

	var found bool
	for _, k := range m.Describe() {
		if k.ID == "key1" {
			found = true
			if k.State != KeyStateRetiring {
				t.Fatalf("expected key1 retiring, got %s", k.State)
			}
		}
	}
	if !found {
		t.Fatal("expected key1 still tracked after rotation")
	}
}

func TestManager_RetireTransitionsState(t *testing.T) {
	m, backend := newTestManager(t)
	priv, _ := crypto.GenerateKey()
	_ = backend.AddKey("key2", hex.EncodeToString(crypto.FromECDSA(priv)))
	m.adopt("key2", "key1")
	m.retire("key1")

	for _, k := range m.Describe() {
		if k.ID == "key1" && k.State != KeyStateRetired {
			t.Fatalf("expected key1 retired, got %s", k.State)
		}
	}
}
