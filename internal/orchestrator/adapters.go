package orchestrator

import (
	"math/big"
	"time"

	"github.com/ilpconnector/connector/internal/fraud"
	"github.com/ilpconnector/connector/internal/ratelimit"
	"github.com/ilpconnector/connector/internal/telemetry"
)

// rateLimiterAdapter narrows ratelimit.RateLimiter's (bool, error) Allow
// to the single bool the pipeline cares about: a packet is admitted
// only when the peer is neither rate-limited nor paused. The pipeline
// reports both cases as a rate_limited rejection.
type rateLimiterAdapter struct {
	limiter *ratelimit.RateLimiter
}

func (a rateLimiterAdapter) Allow(peerID string) bool {
	ok, err := a.limiter.Allow(peerID)
	return ok && err == nil
}

// fanoutEmitter is the pipeline's EventEmitter: it forwards every event
// to the telemetry emitter unconditionally, and additionally feeds
// PACKET_SENT observations into the fraud detector so admission-time
// rules see live traffic without the pipeline importing the fraud
// package directly.
type fanoutEmitter struct {
	telemetry *telemetry.Emitter
	detector  *fraud.Detector
}

func (f *fanoutEmitter) Emit(eventType string, data map[string]any) {
	f.telemetry.Emit(eventType, data)
	if eventType != "PACKET_SENT" || f.detector == nil {
		return
	}
	go f.detector.Evaluate(fraudEventFromData(data))
}

func fraudEventFromData(data map[string]any) fraud.Event {
	e := fraud.Event{Timestamp: time.Now()}
	if v, ok := data["from_peer"].(string); ok {
		e.PeerID = v
	}
	if v, ok := data["token_id"].(string); ok {
		e.TokenID = v
	}
	if v, ok := data["destination"].(string); ok {
		e.Destination = v
	}
	if v, ok := data["correlation_id"].(string); ok {
		e.CorrelationID = v
	}
	if v, ok := data["amount"].(string); ok {
		if amt, ok := new(big.Int).SetString(v, 10); ok {
			e.Amount = amt
		}
	}
	return e
}
