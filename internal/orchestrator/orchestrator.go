// Package orchestrator wires every connector component together in the
// construction order the rest of the system depends on, and tears them
// down in the reverse order on shutdown.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ilpconnector/connector/internal/admin"
	"github.com/ilpconnector/connector/internal/alert"
	"github.com/ilpconnector/connector/internal/audit"
	"github.com/ilpconnector/connector/internal/config"
	"github.com/ilpconnector/connector/internal/fraud"
	"github.com/ilpconnector/connector/internal/health"
	"github.com/ilpconnector/connector/internal/keys"
	"github.com/ilpconnector/connector/internal/ledger"
	"github.com/ilpconnector/connector/internal/metrics"
	"github.com/ilpconnector/connector/internal/pipeline"
	"github.com/ilpconnector/connector/internal/ratelimit"
	"github.com/ilpconnector/connector/internal/routing"
	"github.com/ilpconnector/connector/internal/settlement"
	"github.com/ilpconnector/connector/internal/telemetry"
	"github.com/ilpconnector/connector/internal/transport"
	"github.com/ilpconnector/connector/internal/worker"
)

// Deps holds the collaborators the orchestrator cannot construct on its
// own, because the spec treats them as external boundaries: the wire
// codec, the peer transport, the settlement rail, the ledger store, and
// the audit sink (the latter two depend on a database connection
// main.go owns).
type Deps struct {
	Decoder     pipeline.Decoder
	Transport   transport.PeerTransport
	Rail        settlement.Rail
	Store       ledger.Store
	AuditLogger audit.Logger

	// KeyBackend is the signing backend selected for cfg.KeyBackend.
	// KeyGenerator is usually KeyBackend itself (every concrete backend
	// but HSMBackend also implements keys.KeyGenerator); callers that
	// configure KeyBackend: "hsm" must supply a KeyGenerator explicitly
	// or leave it nil, in which case scheduled rotation is disabled.
	KeyBackend   keys.Backend
	KeyGenerator keys.KeyGenerator
	InitialKeyID string
}

// Orchestrator owns the lifecycle of every long-lived connector
// component. Construction order: audit logger, key manager, key rotation
// manager, account manager (with its batch writer), rate limiter, fraud
// detector (with its reputation tracker and alert notifier), telemetry
// emitter, settlement monitor (after the emitter, since it emits through
// the same fan-out), routing table, worker pool, packet pipeline, admin
// gateway, health registry.
type Orchestrator struct {
	cfg    *config.Config
	logger *slog.Logger

	keyManager *keys.Manager
	rotation   *keys.RotationManager

	batch    *ledger.BatchWriter
	accounts *ledger.AccountManager

	settlementMon *settlement.Monitor

	limiter    *ratelimit.RateLimiter
	reputation *fraud.ReputationTracker
	detector   *fraud.Detector
	alerts     *alert.Notifier

	emitter *telemetry.Emitter
	Routes  *routing.Table

	pool     *worker.Pool
	Pipeline *pipeline.Pipeline

	Admin  *admin.Gateway
	Health *health.Registry

	rotationStarted bool
}

// New constructs every component in order but starts nothing; call
// Start to launch the background loops.
func New(cfg *config.Config, deps Deps, logger *slog.Logger) (*Orchestrator, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("orchestrator: ledger store is required")
	}
	if deps.Decoder == nil {
		return nil, fmt.Errorf("orchestrator: packet decoder is required")
	}
	if deps.Transport == nil {
		return nil, fmt.Errorf("orchestrator: peer transport is required")
	}
	if deps.Rail == nil {
		return nil, fmt.Errorf("orchestrator: settlement rail is required")
	}
	if deps.KeyBackend == nil {
		return nil, fmt.Errorf("orchestrator: key backend is required")
	}

	auditLogger := deps.AuditLogger
	if auditLogger == nil {
		auditLogger = audit.NewMemoryLogger()
	}

	keyManager := keys.NewManager(deps.KeyBackend, auditLogger, deps.InitialKeyID)

	generator := deps.KeyGenerator
	if generator == nil {
		if g, ok := deps.KeyBackend.(keys.KeyGenerator); ok {
			generator = g
		}
	}
	var rotation *keys.RotationManager
	if generator != nil {
		rotation = keys.NewRotationManager(keyManager, generator, cfg.KeyRotationInterval, cfg.KeyRotationGracePeriod, logger)
	} else {
		logger.Warn("key backend cannot generate keys, scheduled rotation disabled", "backend", cfg.KeyBackend)
	}

	batch := ledger.NewBatchWriter(deps.Store, cfg.SettlementBatchSize, cfg.SettlementFlushInterval, logger)
	accounts := ledger.NewAccountManager(cfg.NodeID, deps.Store, batch,
		parseBigIntOrNil(cfg.DefaultCreditLimit), parseBigIntOrNil(cfg.DefaultSettlementThreshold))
	accounts.SetCreditLimitCeiling(parseBigIntOrNil(cfg.CreditLimitCeiling))
	applyCreditHierarchyOverrides(accounts, cfg, logger)

	limiter := ratelimit.New(ratelimit.Config{
		DefaultRatePerSec: cfg.DefaultRateLimitPerSec,
		DefaultBurst:      cfg.DefaultBurstSize,
		ViolationWindow:   time.Minute,
		ViolationLimit:    10,
		PauseDuration:     cfg.PeerPauseDuration,
	})

	reputation := fraud.NewReputationTracker(cfg.ReputationFloor, cfg.ReputationCeiling, cfg.ReputationDecayPerDay)

	alerts := alert.New(
		[]alert.Channel{alert.NewLogChannel(logger)},
		[]alert.Channel{alert.NewLogChannel(logger)},
		logger, 4,
	)

	rules := defaultFraudRules()
	detector := fraud.NewDetector(rules, reputation, limiter, alerts, cfg.AutoPauseThreshold, logger)

	var emitter *telemetry.Emitter
	if cfg.TelemetryEndpoint != "" {
		emitter = telemetry.NewEmitter(cfg.NodeID, cfg.TelemetryEndpoint, logger, true, cfg.TelemetryBufferCap, cfg.SettlementFlushInterval)
	} else {
		// A disconnected emitter drops every event but still satisfies the
		// pipeline's EventEmitter contract, matching "telemetry sends must
		// never suspend the caller" when no endpoint is configured at all.
		emitter = telemetry.NewEmitter(cfg.NodeID, "", logger, false, 0, 0)
	}
	fanout := &fanoutEmitter{telemetry: emitter, detector: detector}

	settlementMon := settlement.NewMonitor(accounts, deps.Rail, cfg.SettlementSweepInterval, fanout, logger)

	routes := routing.NewTable()

	pool := worker.NewPool(cfg.WorkerPoolSize, cfg.WorkerQueueSize, logger, metrics.WorkerPoolActive, metrics.WorkerQueueDepth)

	pipe := pipeline.New(
		rateLimiterAdapter{limiter: limiter},
		detector,
		deps.Decoder,
		pool,
		routes,
		accounts,
		deps.Transport,
		fanout,
		logger,
	)

	adminGateway := admin.New(cfg.AdminSecret, detector, limiter, accounts, settlementMon, rotationOrNil(rotation), logger)

	healthRegistry := health.NewRegistry()
	healthRegistry.Register("ledger_store", func(ctx context.Context) health.Status {
		_, err := deps.Store.GetPeerAccounts(ctx, "__healthcheck__", "__healthcheck__")
		var notFound *ledger.ErrAccountNotFound
		if err != nil && !errors.As(err, &notFound) {
			return health.Status{Name: "ledger_store", Healthy: false, Detail: err.Error()}
		}
		return health.Status{Name: "ledger_store", Healthy: true}
	})
	healthRegistry.Register("telemetry", func(context.Context) health.Status {
		if cfg.TelemetryEndpoint == "" {
			return health.Status{Name: "telemetry", Healthy: true, Detail: "disabled"}
		}
		return health.Status{Name: "telemetry", Healthy: emitter.IsConnected()}
	})

	return &Orchestrator{
		cfg:           cfg,
		logger:        logger,
		keyManager:    keyManager,
		rotation:      rotation,
		batch:         batch,
		accounts:      accounts,
		settlementMon: settlementMon,
		limiter:       limiter,
		reputation:    reputation,
		detector:      detector,
		alerts:        alerts,
		emitter:       emitter,
		Routes:        routes,
		pool:          pool,
		Pipeline:      pipe,
		Admin:         adminGateway,
		Health:        healthRegistry,
	}, nil
}

// parseBigIntOrNil parses a decimal string into a *big.Int, returning
// nil (unlimited) for an empty or unparseable value.
func parseBigIntOrNil(s string) *big.Int {
	if s == "" {
		return nil
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil
	}
	return n
}

// applyCreditHierarchyOverrides installs the per-peer credit limit and
// settlement threshold overrides from cfg (JSON objects of peerID ->
// decimal string) onto accounts, filling the per-peer tier of the
// three-tier hierarchy that sits between the default and the global
// ceiling.
func applyCreditHierarchyOverrides(accounts *ledger.AccountManager, cfg *config.Config, logger *slog.Logger) {
	limits, err := decodeOverrides(cfg.PeerCreditLimits)
	if err != nil {
		logger.Error("invalid PEER_CREDIT_LIMITS, ignoring", "error", err)
	}
	for peerID, v := range limits {
		accounts.SetCreditLimit(ledger.CreditLimitConfig{PeerID: peerID, Limit: parseBigIntOrNil(v)})
	}

	thresholds, err := decodeOverrides(cfg.PeerSettlementThresholds)
	if err != nil {
		logger.Error("invalid PEER_SETTLEMENT_THRESHOLDS, ignoring", "error", err)
	}
	for peerID, v := range thresholds {
		accounts.SetSettlementThreshold(ledger.SettlementThresholdConfig{PeerID: peerID, Threshold: parseBigIntOrNil(v)})
	}
}

func decodeOverrides(raw string) (map[string]string, error) {
	if raw == "" {
		return nil, nil
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// rotationOrNil adapts a possibly-nil *keys.RotationManager to the
// admin.Rotator interface: a nil manager reports rotation as
// unavailable rather than panicking on a nil method call.
type disabledRotator struct{}

func (disabledRotator) Rotate(context.Context) error {
	return fmt.Errorf("keys: rotation is disabled for this backend")
}

func rotationOrNil(r *keys.RotationManager) admin.Rotator {
	if r == nil {
		return disabledRotator{}
	}
	return r
}

// defaultFraudRules builds the standard rule set with tuning constants
// the spec leaves to the implementation; these are not exposed via
// config, matching the fixed adaptive rate-limit bounds decision.
func defaultFraudRules() []fraud.Rule {
	return []fraud.Rule{
		fraud.NewBalanceManipulationRule(new(big.Int).Exp(big.NewInt(10), big.NewInt(24), nil)),
		fraud.NewDoubleSpendRule(10 * time.Minute),
		fraud.NewSuddenTrafficSpikeRule(time.Minute, 5.0),
		fraud.NewRapidChannelClosureRule(time.Minute, 20, 5*time.Minute),
		fraud.NewUnusualSettlementAmountRule(time.Hour, 10.0, 5),
	}
}

// Start launches every background loop: key rotation, settlement
// sweeping, the worker pool, and (if a telemetry endpoint is
// configured) the telemetry connection. Construction already happened
// in New; Start only brings the long-running goroutines up.
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.rotation != nil {
		go o.rotation.Start(ctx)
		o.rotationStarted = true
	}
	go o.settlementMon.Start(ctx)
	o.pool.Start(ctx)

	if o.cfg.TelemetryEndpoint != "" {
		if err := o.emitter.Connect(ctx); err != nil {
			o.logger.Error("telemetry connect failed, continuing without it", "error", err)
		}
	}

	o.logger.Info("orchestrator started", "node_id", o.cfg.NodeID)
	return nil
}

// Shutdown tears components down in reverse construction order, bounded
// by ctx's deadline: settlement monitor, worker pool drain, batch
// writer flush, telemetry buffer flush and disconnect. Key rotation is
// stopped first since nothing downstream depends on it mid-shutdown.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	if o.rotationStarted {
		o.rotation.Stop()
	}
	o.settlementMon.Stop()
	o.pool.Shutdown(ctx)

	if err := o.accounts.Flush(ctx); err != nil {
		o.logger.Error("shutdown: final batch flush failed", "error", err)
	}
	if err := o.emitter.Close(ctx); err != nil {
		o.logger.Error("shutdown: telemetry buffer flush failed", "error", err)
	}

	o.logger.Info("orchestrator shut down", "node_id", o.cfg.NodeID)
}
