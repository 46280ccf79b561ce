// Package config handles connector configuration from environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all connector configuration.
type Config struct {
	// Identity
	NodeID   string // this connector's peer identifier on the network
	Env      string // "development", "staging", "production"
	LogLevel string

	// Ledger storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Signing backend: "local-evm", "local-xrp", "kms-aws", "kms-gcp", "kms-vault", "hsm"
	KeyBackend     string
	KeyBackendAddr string // endpoint/region/slot for remote backends, backend-specific
	SigningKeyHex  string `json:"-"` // local backend only, hex-encoded, no 0x prefix
	KMSAuthToken   string `json:"-"` // kms-* backends, bearer credential
	KeyAlgorithm   string // "secp256k1" or "ed25519"; used by kms-* and hsm backends

	// Key rotation
	KeyRotationInterval    time.Duration
	KeyRotationGracePeriod time.Duration

	// Rate limiting defaults (applied to every peer)
	DefaultRateLimitPerSec float64
	DefaultBurstSize       int
	PeerPauseDuration      time.Duration

	// Fraud / reputation
	ReputationDecayPerDay float64
	ReputationFloor       float64
	ReputationCeiling     float64
	AutoPauseThreshold    float64

	// Settlement
	SettlementBatchSize     int
	SettlementFlushInterval time.Duration
	SettlementSweepInterval time.Duration

	// Credit / settlement hierarchy: a default tier applied to every new
	// (peer, token) account pair at creation time (empty string means
	// unlimited), a per-peer override tier (JSON object of peerID ->
	// decimal string), and a global ceiling every resolved credit limit
	// is clamped to regardless of override. See ledger.AccountManager.
	DefaultCreditLimit         string
	DefaultSettlementThreshold string
	PeerCreditLimits           string
	PeerSettlementThresholds   string
	CreditLimitCeiling         string

	// Worker pool
	WorkerPoolSize  int
	WorkerQueueSize int

	// Admin API
	AdminSecret string // bearer secret for administrative operations

	// Telemetry
	TelemetryEndpoint  string // websocket URL, empty disables external emission
	TelemetryBufferCap int

	// Observability
	OTLPEndpoint string // OpenTelemetry collector endpoint (e.g. "localhost:4317"), empty = disabled

	// Database pool settings
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	DBConnMaxIdleTime time.Duration
}

// Defaults.
const (
	DefaultEnv      = "development"
	DefaultLogLevel = "info"

	DefaultKeyBackend              = "local-evm"
	DefaultKeyRotationInterval     = 30 * 24 * time.Hour
	DefaultKeyRotationGracePeriod  = 24 * time.Hour

	DefaultRateLimitPerSec   = 50.0
	DefaultBurstSize         = 100
	DefaultPeerPauseDuration = 5 * time.Minute

	DefaultReputationDecayPerDay = 1.0
	DefaultReputationFloor       = 0.0
	DefaultReputationCeiling     = 100.0
	DefaultAutoPauseThreshold    = 20.0

	DefaultSettlementBatchSize     = 50
	DefaultSettlementFlushInterval = 2 * time.Second
	DefaultSettlementSweepInterval = 30 * time.Second

	DefaultWorkerPoolSize  = 8
	DefaultWorkerQueueSize = 256

	DefaultTelemetryBufferCap = 1024

	DefaultDBMaxOpenConns    = 25
	DefaultDBMaxIdleConns    = 5
	DefaultDBConnMaxLifetime = 5 * time.Minute
	DefaultDBConnMaxIdleTime = 3 * time.Minute
)

// Load reads configuration from environment variables.
// It loads a .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		NodeID:   os.Getenv("NODE_ID"),
		Env:      getEnv("ENV", DefaultEnv),
		LogLevel: getEnv("LOG_LEVEL", DefaultLogLevel),

		DatabaseURL: os.Getenv("DATABASE_URL"),

		KeyBackend:     getEnv("KEY_BACKEND", DefaultKeyBackend),
		KeyBackendAddr: os.Getenv("KEY_BACKEND_ADDR"),
		SigningKeyHex:  os.Getenv("SIGNING_KEY"),
		KMSAuthToken:   os.Getenv("KMS_AUTH_TOKEN"),
		KeyAlgorithm:   getEnv("KEY_ALGORITHM", "secp256k1"),

		KeyRotationInterval:    getEnvDuration("KEY_ROTATION_INTERVAL", DefaultKeyRotationInterval),
		KeyRotationGracePeriod: getEnvDuration("KEY_ROTATION_GRACE_PERIOD", DefaultKeyRotationGracePeriod),

		DefaultRateLimitPerSec: getEnvFloat("RATE_LIMIT_PER_SEC", DefaultRateLimitPerSec),
		DefaultBurstSize:       int(getEnvInt64("RATE_LIMIT_BURST", int64(DefaultBurstSize))),
		PeerPauseDuration:      getEnvDuration("PEER_PAUSE_DURATION", DefaultPeerPauseDuration),

		ReputationDecayPerDay: getEnvFloat("REPUTATION_DECAY_PER_DAY", DefaultReputationDecayPerDay),
		ReputationFloor:       getEnvFloat("REPUTATION_FLOOR", DefaultReputationFloor),
		ReputationCeiling:     getEnvFloat("REPUTATION_CEILING", DefaultReputationCeiling),
		AutoPauseThreshold:    getEnvFloat("AUTO_PAUSE_THRESHOLD", DefaultAutoPauseThreshold),

		SettlementBatchSize:     int(getEnvInt64("SETTLEMENT_BATCH_SIZE", int64(DefaultSettlementBatchSize))),
		SettlementFlushInterval: getEnvDuration("SETTLEMENT_FLUSH_INTERVAL", DefaultSettlementFlushInterval),
		SettlementSweepInterval: getEnvDuration("SETTLEMENT_SWEEP_INTERVAL", DefaultSettlementSweepInterval),

		DefaultCreditLimit:         os.Getenv("DEFAULT_CREDIT_LIMIT"),
		DefaultSettlementThreshold: os.Getenv("DEFAULT_SETTLEMENT_THRESHOLD"),
		PeerCreditLimits:           os.Getenv("PEER_CREDIT_LIMITS"),
		PeerSettlementThresholds:   os.Getenv("PEER_SETTLEMENT_THRESHOLDS"),
		CreditLimitCeiling:         os.Getenv("CREDIT_LIMIT_CEILING"),

		WorkerPoolSize:  int(getEnvInt64("WORKER_POOL_SIZE", int64(DefaultWorkerPoolSize))),
		WorkerQueueSize: int(getEnvInt64("WORKER_QUEUE_SIZE", int64(DefaultWorkerQueueSize))),

		AdminSecret: os.Getenv("ADMIN_SECRET"),

		TelemetryEndpoint:  os.Getenv("TELEMETRY_ENDPOINT"),
		TelemetryBufferCap: int(getEnvInt64("TELEMETRY_BUFFER_CAP", int64(DefaultTelemetryBufferCap))),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),

		DBMaxOpenConns:    int(getEnvInt64("POSTGRES_MAX_OPEN_CONNS", int64(DefaultDBMaxOpenConns))),
		DBMaxIdleConns:    int(getEnvInt64("POSTGRES_MAX_IDLE_CONNS", int64(DefaultDBMaxIdleConns))),
		DBConnMaxLifetime: getEnvDuration("POSTGRES_CONN_MAX_LIFETIME", DefaultDBConnMaxLifetime),
		DBConnMaxIdleTime: getEnvDuration("POSTGRES_CONN_MAX_IDLE_TIME", DefaultDBConnMaxIdleTime),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and consistent.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("NODE_ID is required")
	}

	switch c.KeyBackend {
	case "local-evm", "local-xrp", "kms-aws", "kms-gcp", "kms-vault", "hsm":
	default:
		return fmt.Errorf("KEY_BACKEND must be one of local-evm, local-xrp, kms-aws, kms-gcp, kms-vault, hsm, got %q", c.KeyBackend)
	}

	if (c.KeyBackend == "local-evm" || c.KeyBackend == "local-xrp") && c.SigningKeyHex == "" {
		return fmt.Errorf("SIGNING_KEY is required for key backend %q", c.KeyBackend)
	}

	if c.KeyBackend == "local-evm" {
		key := c.SigningKeyHex
		if len(key) == 66 && key[:2] == "0x" {
			key = key[2:]
		}
		if len(key) != 64 {
			return fmt.Errorf("SIGNING_KEY must be 64 hex characters for local-evm (with or without 0x prefix)")
		}
	}

	if c.KeyRotationGracePeriod >= c.KeyRotationInterval {
		return fmt.Errorf("KEY_ROTATION_GRACE_PERIOD (%v) must be less than KEY_ROTATION_INTERVAL (%v)", c.KeyRotationGracePeriod, c.KeyRotationInterval)
	}

	if c.DefaultRateLimitPerSec <= 0 {
		return fmt.Errorf("RATE_LIMIT_PER_SEC must be positive, got %f", c.DefaultRateLimitPerSec)
	}

	if c.ReputationFloor >= c.ReputationCeiling {
		return fmt.Errorf("REPUTATION_FLOOR (%f) must be less than REPUTATION_CEILING (%f)", c.ReputationFloor, c.ReputationCeiling)
	}

	if c.WorkerPoolSize < 1 {
		return fmt.Errorf("WORKER_POOL_SIZE must be at least 1, got %d", c.WorkerPoolSize)
	}

	if c.IsProduction() && c.AdminSecret == "" {
		slog.Warn("ADMIN_SECRET not set — admin operations reject every caller")
	}

	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
