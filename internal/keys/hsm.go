package keys

import (
	"context"
	"fmt"
)

// HSMErrorCode classifies failures reported by a hardware security
// module so callers can distinguish transient unavailability from
// permanent rejection (e.g. a revoked key slot).
type HSMErrorCode string

const (
	HSMErrorUnavailable  HSMErrorCode = "unavailable" // device busy or unreachable, safe to retry
	HSMErrorSlotNotFound HSMErrorCode = "slot_not_found"
	HSMErrorAccessDenied HSMErrorCode = "access_denied"
	HSMErrorInvalidInput HSMErrorCode = "invalid_input"
)

// HSMError wraps a device-reported failure with its classification.
type HSMError struct {
	Code HSMErrorCode
	Msg  string
}

func (e *HSMError) Error() string { return fmt.Sprintf("keys: hsm error (%s): %s", e.Code, e.Msg) }

// Retryable reports whether the caller should retry the operation.
func (e *HSMError) Retryable() bool { return e.Code == HSMErrorUnavailable }

// HSMSession is the low-level PKCS#11-style operation set a physical or
// virtual HSM exposes. A concrete implementation (vendor PKCS#11
// wrapper, cloud HSM client) satisfies this narrow interface; HSMBackend
// adapts it to the Backend contract.
type HSMSession interface {
	SignWithSlot(ctx context.Context, slot string, message []byte) ([]byte, error)
	VerifyWithSlot(ctx context.Context, slot string, message, signature []byte) (bool, error)
	SlotPublicKey(ctx context.Context, slot string) (string, error)
}

// HSMBackend signs using key material that never leaves a hardware
// security module. Key IDs map 1:1 to HSM slot identifiers.
type HSMBackend struct {
	session   HSMSession
	algorithm Algorithm
}

// NewHSMBackend wraps an HSMSession. algorithm describes the scheme the
// HSM's slots are provisioned with (the session itself is scheme-agnostic).
func NewHSMBackend(session HSMSession, algorithm Algorithm) *HSMBackend {
	return &HSMBackend{session: session, algorithm: algorithm}
}

func (b *HSMBackend) Sign(ctx context.Context, keyID string, message []byte) ([]byte, error) {
	sig, err := b.session.SignWithSlot(ctx, keyID, message)
	if err != nil {
		return nil, fmt.Errorf("keys: hsm sign failed for slot %s: %w", keyID, err)
	}
	return sig, nil
}

func (b *HSMBackend) Verify(ctx context.Context, keyID string, message, signature []byte) (bool, error) {
	ok, err := b.session.VerifyWithSlot(ctx, keyID, message, signature)
	if err != nil {
		return false, fmt.Errorf("keys: hsm verify failed for slot %s: %w", keyID, err)
	}
	return ok, nil
}

func (b *HSMBackend) PublicKey(ctx context.Context, keyID string) (string, error) {
	pub, err := b.session.SlotPublicKey(ctx, keyID)
	if err != nil {
		return "", fmt.Errorf("keys: hsm public key fetch failed for slot %s: %w", keyID, err)
	}
	return pub, nil
}

func (b *HSMBackend) Algorithm() Algorithm { return b.algorithm }
