// Package metrics provides Prometheus instrumentation for the connector.
package metrics

import (
	"context"
	"database/sql"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PacketsTotal counts packets processed by the pipeline, by final outcome.
	PacketsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "connector",
			Name:      "packets_total",
			Help:      "Total packets processed by final outcome.",
		},
		[]string{"outcome"},
	)

	// PacketStageDuration observes time spent in each pipeline stage.
	PacketStageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "connector",
			Name:      "packet_stage_duration_seconds",
			Help:      "Packet pipeline stage duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	// RateLimitDecisionsTotal counts rate limiter allow/deny decisions.
	RateLimitDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "connector",
			Name:      "rate_limit_decisions_total",
			Help:      "Total rate limiter decisions by result.",
		},
		[]string{"result"},
	)

	// PeersPausedTotal counts how many times a peer has been paused by the circuit breaker.
	PeersPausedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "connector",
		Name:      "peers_paused_total",
		Help:      "Total number of peer pause events.",
	})

	// FraudFlagsTotal counts fraud rule triggers by rule name.
	FraudFlagsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "connector",
			Name:      "fraud_flags_total",
			Help:      "Total fraud rule triggers by rule.",
		},
		[]string{"rule", "severity"},
	)

	// ReputationScore tracks current reputation score per peer.
	ReputationScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "connector",
			Name:      "reputation_score",
			Help:      "Current reputation score by peer.",
		},
		[]string{"peer_id"},
	)

	// SettlementsTotal counts settlement attempts by result.
	SettlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "connector",
			Name:      "settlements_total",
			Help:      "Total settlement attempts by result.",
		},
		[]string{"result"},
	)

	// SettlementAmount observes settled amounts, in token base units, as float64.
	SettlementAmount = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "connector",
		Name:      "settlement_amount",
		Help:      "Distribution of settled amounts.",
		Buckets:   prometheus.ExponentialBuckets(1, 10, 10),
	})

	// KeyRotationsTotal counts key rotations by backend.
	KeyRotationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "connector",
			Name:      "key_rotations_total",
			Help:      "Total key rotations by backend.",
		},
		[]string{"backend"},
	)

	// TelemetryEventsTotal counts telemetry events emitted/dropped.
	TelemetryEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "connector",
			Name:      "telemetry_events_total",
			Help:      "Total telemetry events by result (emitted, dropped, buffered).",
		},
		[]string{"result"},
	)

	// WorkerPoolActive tracks the number of busy workers.
	WorkerPoolActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "connector",
		Name:      "worker_pool_active",
		Help:      "Number of workers currently processing a packet.",
	})

	// WorkerQueueDepth tracks the current pending queue depth.
	WorkerQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "connector",
		Name:      "worker_queue_depth",
		Help:      "Number of packets waiting for a worker.",
	})

	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "connector", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "connector", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "connector", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "connector", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "connector", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "connector", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		PacketsTotal,
		PacketStageDuration,
		RateLimitDecisionsTotal,
		PeersPausedTotal,
		FraudFlagsTotal,
		ReputationScore,
		SettlementsTotal,
		SettlementAmount,
		KeyRotationsTotal,
		TelemetryEventsTotal,
		WorkerPoolActive,
		WorkerQueueDepth,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitCount.Set(float64(stats.WaitCount))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Handler returns the Prometheus metrics HTTP handler for the admin /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
