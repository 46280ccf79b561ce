package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ilpconnector/connector/internal/config"
	"github.com/ilpconnector/connector/internal/keys"
)

// loggingHSMSession is a placeholder keys.HSMSession. A real deployment
// wires in a PKCS#11 wrapper or a cloud HSM client; the spec treats the
// physical/virtual HSM as hardware this module never constructs itself.
type loggingHSMSession struct {
	logger *slog.Logger
}

func (s loggingHSMSession) SignWithSlot(_ context.Context, slot string, message []byte) ([]byte, error) {
	return nil, &keys.HSMError{Code: keys.HSMErrorUnavailable, Msg: "no hsm session wired for slot " + slot}
}

func (s loggingHSMSession) VerifyWithSlot(_ context.Context, slot string, message, signature []byte) (bool, error) {
	return false, &keys.HSMError{Code: keys.HSMErrorUnavailable, Msg: "no hsm session wired for slot " + slot}
}

func (s loggingHSMSession) SlotPublicKey(_ context.Context, slot string) (string, error) {
	return "", &keys.HSMError{Code: keys.HSMErrorUnavailable, Msg: "no hsm session wired for slot " + slot}
}

func algorithmFromConfig(cfg *config.Config) keys.Algorithm {
	if cfg.KeyAlgorithm == "ed25519" {
		return keys.AlgorithmEd25519
	}
	return keys.AlgorithmSecp256k1
}

// buildKeyBackend selects and constructs the signing backend named by
// cfg.KeyBackend, along with the key ID it should start active under.
func buildKeyBackend(cfg *config.Config, logger *slog.Logger) (keys.Backend, string, error) {
	switch cfg.KeyBackend {
	case "local-evm":
		backend, err := keys.NewLocalEVMBackend("key-0", cfg.SigningKeyHex)
		if err != nil {
			return nil, "", fmt.Errorf("build local-evm backend: %w", err)
		}
		return backend, "key-0", nil

	case "local-xrp":
		backend, err := keys.NewLocalXRPBackend("key-0", cfg.SigningKeyHex)
		if err != nil {
			return nil, "", fmt.Errorf("build local-xrp backend: %w", err)
		}
		return backend, "key-0", nil

	case "kms-aws":
		return keys.NewKMSBackend(keys.KMSProviderAWS, algorithmFromConfig(cfg), cfg.KeyBackendAddr, cfg.KMSAuthToken), "kms-initial", nil

	case "kms-gcp":
		return keys.NewKMSBackend(keys.KMSProviderGCP, algorithmFromConfig(cfg), cfg.KeyBackendAddr, cfg.KMSAuthToken), "kms-initial", nil

	case "kms-vault":
		return keys.NewKMSBackend(keys.KMSProviderVault, algorithmFromConfig(cfg), cfg.KeyBackendAddr, cfg.KMSAuthToken), "kms-initial", nil

	case "hsm":
		session := loggingHSMSession{logger: logger}
		return keys.NewHSMBackend(session, algorithmFromConfig(cfg)), cfg.KeyBackendAddr, nil

	default:
		return nil, "", fmt.Errorf("unknown KEY_BACKEND %q", cfg.KeyBackend)
	}
}
