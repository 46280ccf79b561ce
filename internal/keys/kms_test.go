package keys

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestKMSBackend_SignDecodesBase64Response(t *testing.T) {
	wantSig := []byte("signature-bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sign" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		var req kmsSignRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.KeyID != "key1" {
			t.Errorf("expected key1, got %s", req.KeyID)
		}
		json.NewEncoder(w).Encode(kmsSignResponse{Signature: base64.StdEncoding.EncodeToString(wantSig)})
	}))
	defer srv.Close()

	backend := NewKMSBackend(KMSProviderAWS, AlgorithmSecp256k1, srv.URL, "token")
	sig, err := backend.Sign(context.Background(), "key1", []byte("msg"))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if string(sig) != string(wantSig) {
		t.Fatalf("expected %q, got %q", wantSig, sig)
	}
}

func TestKMSBackend_4xxIsNotRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	backend := NewKMSBackend(KMSProviderVault, AlgorithmEd25519, srv.URL, "bad-token")
	_, err := backend.Sign(context.Background(), "key1", []byte("msg"))
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 call for a permanent 4xx error, got %d", calls)
	}
}

func TestKMSBackend_5xxRetriesThenSucceeds(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(kmsVerifyResponse{Valid: true})
	}))
	defer srv.Close()

	backend := NewKMSBackend(KMSProviderGCP, AlgorithmSecp256k1, srv.URL, "token")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ok, err := backend.Verify(ctx, "key1", []byte("msg"), []byte("sig"))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ok {
		t.Fatal("expected verify to succeed after retries")
	}
	if calls < 3 {
		t.Fatalf("expected at least 3 calls, got %d", calls)
	}
}

func TestKMSBackend_GenerateKeyReturnsProvisionedID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/generate" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		var req kmsGenerateRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Algorithm != AlgorithmSecp256k1 {
			t.Errorf("expected secp256k1, got %s", req.Algorithm)
		}
		json.NewEncoder(w).Encode(kmsGenerateResponse{KeyID: "kms-key-42"})
	}))
	defer srv.Close()

	backend := NewKMSBackend(KMSProviderAWS, AlgorithmSecp256k1, srv.URL, "token")
	keyID, err := backend.GenerateKey(context.Background())
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if keyID != "kms-key-42" {
		t.Fatalf("expected kms-key-42, got %q", keyID)
	}
}
