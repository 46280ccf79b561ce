package keys

import (
	"context"
	"testing"
)

type fakeHSMSession struct {
	signErr error
}

func (s *fakeHSMSession) SignWithSlot(ctx context.Context, slot string, message []byte) ([]byte, error) {
	if s.signErr != nil {
		return nil, s.signErr
	}
	return append([]byte("sig:"+slot+":"), message...), nil
}

func (s *fakeHSMSession) VerifyWithSlot(ctx context.Context, slot string, message, signature []byte) (bool, error) {
	expected := append([]byte("sig:"+slot+":"), message...)
	return string(expected) == string(signature), nil
}

func (s *fakeHSMSession) SlotPublicKey(ctx context.Context, slot string) (string, error) {
	return "pub:" + slot, nil
}

func TestHSMBackend_SignVerifyRoundTrip(t *testing.T) {
	backend := NewHSMBackend(&fakeHSMSession{}, AlgorithmSecp256k1)
	ctx := context.Background()

	sig, err := backend.Sign(ctx, "slot-1", []byte("payload"))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	ok, err := backend.Verify(ctx, "slot-1", []byte("payload"), sig)
	if err != nil || !ok {
		t.Fatalf("expected verify to succeed, ok=%v err=%v", ok, err)
	}
}

func TestHSMBackend_WrapsSessionError(t *testing.T) {
	backend := NewHSMBackend(&fakeHSMSession{signErr: &HSMError{Code: HSMErrorUnavailable, Msg: "device busy"}}, AlgorithmSecp256k1)
	_, err := backend.Sign(context.Background(), "slot-1", []byte("payload"))
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestHSMError_Retryable(t *testing.T) {
	e := &HSMError{Code: HSMErrorUnavailable}
	if !e.Retryable() {
		t.Fatal("expected unavailable to be retryable")
	}
	e2 := &HSMError{Code: HSMErrorAccessDenied}
	if e2.Retryable() {
		t.Fatal("expected access_denied to not be retryable")
	}
}
