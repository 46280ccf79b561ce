// Package keys provides signing key management for the connector: a
// pluggable Backend abstraction over local EVM/XRP keys, remote KMS
// services, and HSMs, plus scheduled rotation with an overlap window so
// in-flight signatures from the outgoing key keep verifying.
package keys

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Algorithm identifies a signing scheme.
type Algorithm string

const (
	AlgorithmSecp256k1 Algorithm = "secp256k1" // EVM-style ECDSA over secp256k1, EIP-191 message hashing
	AlgorithmEd25519   Algorithm = "ed25519"   // XRP Ledger-style
)

// ErrKeyNotFound is returned when a key ID is not known to the manager.
var ErrKeyNotFound = errors.New("keys: key not found")

// Backend performs the actual cryptographic operations for one key
// family (local private key, remote KMS, HSM). Implementations must be
// safe for concurrent use.
type Backend interface {
	// Sign produces a signature over message using the key identified by
	// keyID. The message is the raw payload; backends apply their own
	// domain hashing (e.g. EIP-191 for secp256k1).
	Sign(ctx context.Context, keyID string, message []byte) ([]byte, error)
	// Verify checks a signature produced by Sign.
	Verify(ctx context.Context, keyID string, message, signature []byte) (bool, error)
	// PublicKey returns the hex-encoded public identifier for keyID (an
	// EVM address for secp256k1 keys, the raw public key for Ed25519).
	PublicKey(ctx context.Context, keyID string) (string, error)
	// Algorithm reports which scheme this backend implements.
	Algorithm() Algorithm
}

// KeyState describes a managed key's position in its rotation lifecycle.
type KeyState string

const (
	KeyStateActive   KeyState = "active"
	KeyStateRetiring KeyState = "retiring" // still valid for verification during the grace window
	KeyStateRetired  KeyState = "retired"
)

// Key is a handle to one managed signing key.
type Key struct {
	ID        string
	Algorithm Algorithm
	State     KeyState
	CreatedAt time.Time
	RetiredAt *time.Time // set when the key enters KeyStateRetiring
}

// Manager is the signing surface the rest of the connector depends on.
// It wraps a Backend with audit logging and exposes the currently active
// key alongside any keys still in their rotation grace period.
type Manager struct {
	backend Backend
	audit   AuditSink

	mu      sync.RWMutex
	keys    map[string]*Key
	activeID string
}

// AuditSink records key lifecycle and signing events. Satisfied by
// audit.Logger.
type AuditSink interface {
	RecordKeyEvent(ctx context.Context, action, keyID string, detail map[string]any)
}

type noopAudit struct{}

func (noopAudit) RecordKeyEvent(context.Context, string, string, map[string]any) {}

// NewManager creates a Manager with an initial active key already
// present in the backend (e.g. loaded from config at startup).
func NewManager(backend Backend, audit AuditSink, initialKeyID string) *Manager {
	if audit == nil {
		audit = noopAudit{}
	}
	m := &Manager{
		backend:  backend,
		audit:    audit,
		keys:     make(map[string]*Key),
		activeID: initialKeyID,
	}
	m.keys[initialKeyID] = &Key{
		ID:        initialKeyID,
		Algorithm: backend.Algorithm(),
		State:     KeyStateActive,
		CreatedAt: time.Now(),
	}
	return m
}

// ActiveKeyID returns the key ID that new signatures are produced with.
func (m *Manager) ActiveKeyID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeID
}

// Sign signs message with the active key.
func (m *Manager) Sign(ctx context.Context, message []byte) (keyID string, signature []byte, err error) {
	keyID = m.ActiveKeyID()
	sig, err := m.backend.Sign(ctx, keyID, message)
	if err != nil {
		m.audit.RecordKeyEvent(ctx, "sign_failed", keyID, map[string]any{"error": err.Error()})
		return "", nil, err
	}
	m.audit.RecordKeyEvent(ctx, "sign", keyID, nil)
	return keyID, sig, nil
}

// Verify checks a signature against a specific key ID, which may be
// active, retiring, or (if the caller retains old signatures past their
// grace window) retired — retired keys still verify, they just cannot
// sign new messages.
func (m *Manager) Verify(ctx context.Context, keyID string, message, signature []byte) (bool, error) {
	m.mu.RLock()
	_, known := m.keys[keyID]
	m.mu.RUnlock()
	if !known {
		return false, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	return m.backend.Verify(ctx, keyID, message, signature)
}

// PublicKey returns the public identifier for a managed key.
func (m *Manager) PublicKey(ctx context.Context, keyID string) (string, error) {
	return m.backend.PublicKey(ctx, keyID)
}

// Describe returns a snapshot of every key the manager knows about,
// ordered active-first.
func (m *Manager) Describe() []Key {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Key, 0, len(m.keys))
	if active, ok := m.keys[m.activeID]; ok {
		out = append(out, *active)
	}
	for id, k := range m.keys {
		if id == m.activeID {
			continue
		}
		out = append(out, *k)
	}
	return out
}

// adopt installs newKeyID as active and (if oldKeyID is non-empty) moves
// the previous active key into the retiring state. Used by
// RotationManager; unexported because rotation policy (grace period,
// scheduling) is the RotationManager's responsibility, not the caller's.
func (m *Manager) adopt(newKeyID, oldKeyID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.keys[newKeyID] = &Key{
		ID:        newKeyID,
		Algorithm: m.backend.Algorithm(),
		State:     KeyStateActive,
		CreatedAt: time.Now(),
	}
	if oldKeyID != "" {
		if old, ok := m.keys[oldKeyID]; ok {
			now := time.Now()
			old.State = KeyStateRetiring
			old.RetiredAt = &now
		}
	}
	m.activeID = newKeyID
}

// retire transitions a retiring key to fully retired once its grace
// period has elapsed.
func (m *Manager) retire(keyID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if k, ok := m.keys[keyID]; ok {
		k.State = KeyStateRetired
	}
}
