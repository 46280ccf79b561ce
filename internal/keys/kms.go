package keys

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// KMSProvider distinguishes the remote key-management API a KMSBackend
// talks to. Each provider uses the same sign/verify/public-key contract
// over HTTP but differs in request shape and auth header.
type KMSProvider string

const (
	KMSProviderAWS   KMSProvider = "kms-aws"
	KMSProviderGCP   KMSProvider = "kms-gcp"
	KMSProviderVault KMSProvider = "kms-vault"
)

// KMSBackend delegates signing to a remote key-management service over
// HTTP, retrying transient failures with exponential backoff.
type KMSBackend struct {
	provider  KMSProvider
	algorithm Algorithm
	endpoint  string
	authToken string
	client    *http.Client
}

// NewKMSBackend creates a backend bound to one remote KMS. endpoint is
// the base URL of the provider's signing API; authToken is sent as a
// bearer credential.
func NewKMSBackend(provider KMSProvider, algorithm Algorithm, endpoint, authToken string) *KMSBackend {
	return &KMSBackend{
		provider:  provider,
		algorithm: algorithm,
		endpoint:  endpoint,
		authToken: authToken,
		client:    &http.Client{Timeout: 15 * time.Second},
	}
}

type kmsSignRequest struct {
	KeyID   string `json:"key_id"`
	Message string `json:"message"` // base64
}

type kmsSignResponse struct {
	Signature string `json:"signature"` // base64
}

type kmsVerifyRequest struct {
	KeyID     string `json:"key_id"`
	Message   string `json:"message"`
	Signature string `json:"signature"`
}

type kmsVerifyResponse struct {
	Valid bool `json:"valid"`
}

type kmsPublicKeyResponse struct {
	PublicKey string `json:"public_key"`
}

type kmsGenerateRequest struct {
	Algorithm Algorithm `json:"algorithm"`
}

type kmsGenerateResponse struct {
	KeyID string `json:"key_id"`
}

func (b *KMSBackend) call(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("keys: marshal kms request: %w", err)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)

	return backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint+path, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+b.authToken)
		req.Header.Set("X-KMS-Provider", string(b.provider))

		resp, err := b.client.Do(req)
		if err != nil {
			return err // retryable: network error
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return backoff.Permanent(fmt.Errorf("keys: kms request rejected: status %d", resp.StatusCode))
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("keys: kms request failed: status %d", resp.StatusCode)
		}

		return json.NewDecoder(resp.Body).Decode(out)
	}, policy)
}

func (b *KMSBackend) Sign(ctx context.Context, keyID string, message []byte) ([]byte, error) {
	var resp kmsSignResponse
	err := b.call(ctx, "/sign", kmsSignRequest{
		KeyID:   keyID,
		Message: base64.StdEncoding.EncodeToString(message),
	}, &resp)
	if err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(resp.Signature)
}

func (b *KMSBackend) Verify(ctx context.Context, keyID string, message, signature []byte) (bool, error) {
	var resp kmsVerifyResponse
	err := b.call(ctx, "/verify", kmsVerifyRequest{
		KeyID:     keyID,
		Message:   base64.StdEncoding.EncodeToString(message),
		Signature: base64.StdEncoding.EncodeToString(signature),
	}, &resp)
	if err != nil {
		return false, err
	}
	return resp.Valid, nil
}

func (b *KMSBackend) PublicKey(ctx context.Context, keyID string) (string, error) {
	var resp kmsPublicKeyResponse
	err := b.call(ctx, "/public-key/"+keyID, struct{}{}, &resp)
	if err != nil {
		return "", err
	}
	return resp.PublicKey, nil
}

func (b *KMSBackend) Algorithm() Algorithm { return b.algorithm }

// GenerateKey asks the remote KMS to provision a new key and returns its
// ID. Satisfies KeyGenerator.
func (b *KMSBackend) GenerateKey(ctx context.Context) (string, error) {
	var resp kmsGenerateResponse
	if err := b.call(ctx, "/generate", kmsGenerateRequest{Algorithm: b.algorithm}, &resp); err != nil {
		return "", err
	}
	return resp.KeyID, nil
}
