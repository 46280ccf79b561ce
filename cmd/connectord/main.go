// Command connectord runs the Interledger-style payment connector: the
// packet pipeline, settlement sweeper, fraud/trust admission, key
// rotation, and telemetry fan-out, wired together by the orchestrator.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/ilpconnector/connector/internal/audit"
	"github.com/ilpconnector/connector/internal/config"
	"github.com/ilpconnector/connector/internal/ledger"
	"github.com/ilpconnector/connector/internal/logging"
	"github.com/ilpconnector/connector/internal/metrics"
	"github.com/ilpconnector/connector/internal/orchestrator"
	"github.com/ilpconnector/connector/internal/traces"
)

// Build info, set by ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")
	logger.Info("starting connectord", "version", Version, "commit", Commit, "build_time", BuildTime)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger = logging.New(cfg.LogLevel, "text")
	logger.Info("configuration loaded", "env", cfg.Env, "node_id", cfg.NodeID, "key_backend", cfg.KeyBackend)

	ctx := context.Background()
	shutdownTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Error("failed to init tracing", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	var db *sql.DB
	var store ledger.Store
	var auditLogger audit.Logger
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to open database", "error", err)
			os.Exit(1)
		}
		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
		db.SetMaxIdleConns(cfg.DBMaxIdleConns)
		db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
		db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)
		store = ledger.NewPostgresStore(db)
		auditLogger = audit.NewPostgresLogger(db)
		go metrics.StartDBStatsCollector(ctx, db, 15*time.Second)
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory ledger store")
		store = ledger.NewMemoryStore()
		auditLogger = audit.NewMemoryLogger()
	}
	if db != nil {
		defer db.Close()
	}

	keyBackend, initialKeyID, err := buildKeyBackend(cfg, logger)
	if err != nil {
		logger.Error("failed to build key backend", "error", err)
		os.Exit(1)
	}

	orch, err := orchestrator.New(cfg, orchestrator.Deps{
		Decoder:      jsonDecoder{},
		Transport:    loggingTransport{logger: logger},
		Rail:         loggingRail{logger: logger},
		Store:        store,
		AuditLogger:  auditLogger,
		KeyBackend:   keyBackend,
		InitialKeyID: initialKeyID,
	}, logger)
	if err != nil {
		logger.Error("failed to construct orchestrator", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		healthy, statuses := orch.Health.CheckAll(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"healthy": healthy, "subsystems": statuses})
	})
	metricsSrv := &http.Server{Addr: ":9090", Handler: mux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	if err := orch.Start(runCtx); err != nil {
		logger.Error("failed to start orchestrator", "error", err)
		cancel()
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("shutdown signal received", "signal", sig.String())
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	orch.Shutdown(shutdownCtx)

	shutdownHTTPCtx, shutdownHTTPCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownHTTPCancel()
	if err := metricsSrv.Shutdown(shutdownHTTPCtx); err != nil {
		logger.Error("metrics server shutdown error", "error", err)
	}

	fmt.Fprintln(os.Stdout, "connectord stopped")
}
