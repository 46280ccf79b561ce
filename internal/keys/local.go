package keys

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ilpconnector/connector/internal/idgen"
)

// LocalEVMBackend signs with an in-process secp256k1 private key, the
// same EIP-191-prefixed message hashing the connector uses for
// peer-facing settlement signatures.
type LocalEVMBackend struct {
	mu   sync.RWMutex
	keys map[string][]byte // keyID -> raw private key bytes
}

// NewLocalEVMBackend creates a backend with one key already loaded under
// keyID, from a hex-encoded secp256k1 private key (with or without an 0x
// prefix).
func NewLocalEVMBackend(keyID, privateKeyHex string) (*LocalEVMBackend, error) {
	raw, err := decodePrivateKeyHex(privateKeyHex)
	if err != nil {
		return nil, err
	}
	if _, err := crypto.ToECDSA(raw); err != nil {
		return nil, fmt.Errorf("keys: invalid secp256k1 private key: %w", err)
	}
	return &LocalEVMBackend{keys: map[string][]byte{keyID: raw}}, nil
}

func decodePrivateKeyHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("keys: invalid private key hex: %w", err)
	}
	return raw, nil
}

// AddKey installs another local key under keyID, used when rotation
// generates a replacement key and the manager needs the backend to know
// about it before adopting it as active.
func (b *LocalEVMBackend) AddKey(keyID, privateKeyHex string) error {
	raw, err := decodePrivateKeyHex(privateKeyHex)
	if err != nil {
		return err
	}
	if _, err := crypto.ToECDSA(raw); err != nil {
		return fmt.Errorf("keys: invalid secp256k1 private key: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.keys[keyID] = raw
	return nil
}

func hashEVMMessage(message []byte) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(message))
	return crypto.Keccak256(append([]byte(prefix), message...))
}

func (b *LocalEVMBackend) Sign(_ context.Context, keyID string, message []byte) ([]byte, error) {
	b.mu.RLock()
	raw, ok := b.keys[keyID]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	priv, err := crypto.ToECDSA(raw)
	if err != nil {
		return nil, err
	}
	return crypto.Sign(hashEVMMessage(message), priv)
}

func (b *LocalEVMBackend) Verify(_ context.Context, keyID string, message, signature []byte) (bool, error) {
	b.mu.RLock()
	raw, ok := b.keys[keyID]
	b.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	priv, err := crypto.ToECDSA(raw)
	if err != nil {
		return false, err
	}
	if len(signature) != 65 {
		return false, fmt.Errorf("keys: signature must be 65 bytes, got %d", len(signature))
	}
	sig := make([]byte, len(signature))
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pubKeyBytes, err := crypto.Ecrecover(hashEVMMessage(message), sig)
	if err != nil {
		return false, nil
	}
	pubKey, err := crypto.UnmarshalPubkey(pubKeyBytes)
	if err != nil {
		return false, nil
	}
	expected := crypto.PubkeyToAddress(priv.PublicKey)
	recovered := crypto.PubkeyToAddress(*pubKey)
	return expected == recovered, nil
}

func (b *LocalEVMBackend) PublicKey(_ context.Context, keyID string) (string, error) {
	b.mu.RLock()
	raw, ok := b.keys[keyID]
	b.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	priv, err := crypto.ToECDSA(raw)
	if err != nil {
		return "", err
	}
	return strings.ToLower(crypto.PubkeyToAddress(priv.PublicKey).Hex()), nil
}

func (b *LocalEVMBackend) Algorithm() Algorithm { return AlgorithmSecp256k1 }

// GenerateKey creates a fresh secp256k1 keypair, installs it under a new
// random key ID, and returns that ID. Satisfies KeyGenerator, so a
// LocalEVMBackend can drive its own RotationManager.
func (b *LocalEVMBackend) GenerateKey(_ context.Context) (string, error) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		return "", fmt.Errorf("keys: generate secp256k1 key: %w", err)
	}
	keyID := idgen.WithPrefix("evmkey_")
	b.mu.Lock()
	b.keys[keyID] = crypto.FromECDSA(priv)
	b.mu.Unlock()
	return keyID, nil
}

// LocalXRPBackend signs with an in-process Ed25519 key, matching the XRP
// Ledger's Ed25519 signing scheme.
type LocalXRPBackend struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PrivateKey
}

// NewLocalXRPBackend creates a backend with one key loaded under keyID,
// from a hex-encoded 64-byte Ed25519 private key.
func NewLocalXRPBackend(keyID, privateKeyHex string) (*LocalXRPBackend, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("keys: invalid private key hex: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("keys: ed25519 private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(raw))
	}
	return &LocalXRPBackend{keys: map[string]ed25519.PrivateKey{keyID: ed25519.PrivateKey(raw)}}, nil
}

// AddKey installs another local key under keyID, used when rotation
// generates a replacement key.
func (b *LocalXRPBackend) AddKey(keyID string, priv ed25519.PrivateKey) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.keys[keyID] = priv
}

func (b *LocalXRPBackend) Sign(_ context.Context, keyID string, message []byte) ([]byte, error) {
	b.mu.RLock()
	priv, ok := b.keys[keyID]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	return ed25519.Sign(priv, message), nil
}

func (b *LocalXRPBackend) Verify(_ context.Context, keyID string, message, signature []byte) (bool, error) {
	b.mu.RLock()
	priv, ok := b.keys[keyID]
	b.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	pub := priv.Public().(ed25519.PublicKey)
	return ed25519.Verify(pub, message, signature), nil
}

func (b *LocalXRPBackend) PublicKey(_ context.Context, keyID string) (string, error) {
	b.mu.RLock()
	priv, ok := b.keys[keyID]
	b.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	pub := priv.Public().(ed25519.PublicKey)
	return hex.EncodeToString(pub), nil
}

func (b *LocalXRPBackend) Algorithm() Algorithm { return AlgorithmEd25519 }

// GenerateKey creates a fresh Ed25519 keypair, installs it under a new
// random key ID, and returns that ID. Satisfies KeyGenerator.
func (b *LocalXRPBackend) GenerateKey(_ context.Context) (string, error) {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return "", fmt.Errorf("keys: generate ed25519 key: %w", err)
	}
	keyID := idgen.WithPrefix("xrpkey_")
	b.AddKey(keyID, priv)
	return keyID, nil
}
