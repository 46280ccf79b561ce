// Package pipeline orchestrates a single packet through admission
// control, routing, credit-limit enforcement, ledger posting, and
// forwarding.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ilpconnector/connector/internal/idgen"
	"github.com/ilpconnector/connector/internal/ledger"
	"github.com/ilpconnector/connector/internal/routing"
	"github.com/ilpconnector/connector/internal/worker"
)

// RejectReason classifies why a packet did not make it to forwarding.
type RejectReason string

const (
	RejectRateLimited           RejectReason = "rate_limited"
	RejectPeerPaused            RejectReason = "peer_paused"
	RejectDecodeFailed          RejectReason = "decode_failed"
	RejectNoRoute               RejectReason = "no_route"
	RejectInsufficientLiquidity RejectReason = "insufficient_liquidity"
	RejectInternal              RejectReason = "internal"
)

// Rejection is returned when a packet does not reach forwarding.
type Rejection struct {
	Reason RejectReason
	Detail string
}

func (r *Rejection) Error() string { return fmt.Sprintf("pipeline: rejected (%s): %s", r.Reason, r.Detail) }

func reject(reason RejectReason, detail string) *Rejection {
	return &Rejection{Reason: reason, Detail: detail}
}

// DecodedPacket is the result of validating and decoding raw packet
// bytes: destination ILP address, token, and amount to move.
type DecodedPacket struct {
	Destination string
	TokenID     string
	Amount      *big.Int
}

// Decoder validates and decodes raw packet bytes. Implementations run on
// the WorkerPool, off the admission fast path.
type Decoder interface {
	Decode(ctx context.Context, packetBytes []byte) (*DecodedPacket, error)
}

// RateLimiter is the subset of ratelimit.RateLimiter the pipeline needs.
type RateLimiter interface {
	Allow(peerID string) bool
}

// PauseChecker is the subset of fraud.Detector the pipeline needs. It is
// a one-way, read-only dependency: the pipeline never holds a mutable
// reference back into the fraud detector.
type PauseChecker interface {
	IsPaused(peerID string) bool
}

// CreditChecker is the subset of ledger.AccountManager the pipeline
// needs for the admission-time credit check and transfer posting.
type CreditChecker interface {
	CheckCreditLimit(ctx context.Context, peerID, tokenID string, amount *big.Int) error
	RecordPacketTransferPair(ctx context.Context, correlationID, fromPeer, toPeer, tokenID string, inAmount, outAmount *big.Int) (fromPair, toPair *ledger.PeerAccountPair, err error)
}

// Router resolves a destination to a next-hop peer.
type Router interface {
	Resolve(destination string) (routing.Route, error)
}

// Forwarder hands a packet to the peer transport.
type Forwarder interface {
	Forward(ctx context.Context, peerID string, packetBytes []byte) error
}

// EventEmitter publishes telemetry observations. Pipeline calls are
// fire-and-forget: the pipeline never inspects a delivery outcome.
type EventEmitter interface {
	Emit(eventType string, data map[string]any)
}

type noopEmitter struct{}

func (noopEmitter) Emit(string, map[string]any) {}

// Pipeline processes packets end-to-end: admission, routing,
// credit-limit enforcement, ledger posting, and forwarding.
type Pipeline struct {
	rateLimiter   RateLimiter
	pauseChecker  PauseChecker
	decoder       Decoder
	workerPool    *worker.Pool
	router        Router
	credit        CreditChecker
	forwarder     Forwarder
	emitter       EventEmitter
	logger        *slog.Logger
	decodeTimeout time.Duration
}

// New creates a Pipeline. emitter may be nil, in which case telemetry
// calls are no-ops.
func New(rateLimiter RateLimiter, pauseChecker PauseChecker, decoder Decoder, workerPool *worker.Pool,
	router Router, credit CreditChecker, forwarder Forwarder, emitter EventEmitter, logger *slog.Logger) *Pipeline {
	if emitter == nil {
		emitter = noopEmitter{}
	}
	return &Pipeline{
		rateLimiter:   rateLimiter,
		pauseChecker:  pauseChecker,
		decoder:       decoder,
		workerPool:    workerPool,
		router:        router,
		credit:        credit,
		forwarder:     forwarder,
		emitter:       emitter,
		logger:        logger,
		decodeTimeout: 5 * time.Second,
	}
}

// decodeResult carries a decode outcome back from the worker pool.
type decodeResult struct {
	packet *DecodedPacket
	err    error
}

// ProcessPacket runs a single inbound packet through the full admission
// and forwarding pipeline, returning nil on success or a *Rejection
// describing why it did not reach forwarding.
func (p *Pipeline) ProcessPacket(ctx context.Context, fromPeer string, packetBytes []byte) error {
	correlationID := idgen.CorrelationID()
	ctx = context.WithValue(ctx, correlationIDKey{}, correlationID)

	// 1. Admission: rate limiting.
	if !p.rateLimiter.Allow(fromPeer) {
		p.emitter.Emit("PACKET_REJECTED", map[string]any{
			"peer_id": fromPeer, "reason": RejectRateLimited, "correlation_id": correlationID,
		})
		return reject(RejectRateLimited, "peer exceeded its rate limit")
	}

	// 2. Peer pause check.
	if p.pauseChecker.IsPaused(fromPeer) {
		p.emitter.Emit("PACKET_REJECTED", map[string]any{
			"peer_id": fromPeer, "reason": RejectPeerPaused, "correlation_id": correlationID,
		})
		return reject(RejectPeerPaused, "peer is paused by fraud detector")
	}

	// 3. Decode + destination lookup, off the accept path.
	decoded, err := p.decode(ctx, packetBytes)
	if err != nil {
		p.emitter.Emit("PACKET_REJECTED", map[string]any{
			"peer_id": fromPeer, "reason": RejectDecodeFailed, "correlation_id": correlationID, "error": err.Error(),
		})
		return reject(RejectDecodeFailed, err.Error())
	}

	// 4. Routing.
	route, err := p.router.Resolve(decoded.Destination)
	if err != nil {
		p.emitter.Emit("ROUTE_LOOKUP", map[string]any{
			"destination": decoded.Destination, "selected_peer": nil, "correlation_id": correlationID,
		})
		return reject(RejectNoRoute, fmt.Sprintf("no route for destination %s", decoded.Destination))
	}
	p.emitter.Emit("ROUTE_LOOKUP", map[string]any{
		"destination": decoded.Destination, "selected_peer": route.NextHopPeer, "correlation_id": correlationID,
	})

	// 5. Credit limit.
	if err := p.credit.CheckCreditLimit(ctx, fromPeer, decoded.TokenID, decoded.Amount); err != nil {
		if errors.Is(err, ledger.ErrCreditLimitExceeded) {
			p.emitter.Emit("PACKET_REJECTED", map[string]any{
				"peer_id": fromPeer, "reason": RejectInsufficientLiquidity, "correlation_id": correlationID,
			})
			return reject(RejectInsufficientLiquidity, err.Error())
		}
		p.emitter.Emit("PACKET_REJECTED", map[string]any{
			"peer_id": fromPeer, "reason": RejectInternal, "correlation_id": correlationID, "error": err.Error(),
		})
		return reject(RejectInternal, err.Error())
	}

	// 6. Ledger posting: the atomic two-transfer pair (from-peer debit
	// leg, to-peer credit leg), both-or-neither, followed by balance
	// telemetry for both sides of the pair.
	fromPair, toPair, err := p.credit.RecordPacketTransferPair(ctx, correlationID, fromPeer, route.NextHopPeer, decoded.TokenID, decoded.Amount, decoded.Amount)
	if err != nil {
		p.emitter.Emit("PACKET_REJECTED", map[string]any{
			"peer_id": fromPeer, "reason": RejectInternal, "correlation_id": correlationID, "error": err.Error(),
		})
		return reject(RejectInternal, err.Error())
	}
	p.emitter.Emit("ACCOUNT_BALANCE", map[string]any{
		"peer_id": fromPair.PeerID, "token_id": fromPair.TokenID,
		"receivable_balance": fromPair.ReceivableBalance.String(), "payable_balance": fromPair.PayableBalance.String(),
		"correlation_id": correlationID,
	})
	p.emitter.Emit("ACCOUNT_BALANCE", map[string]any{
		"peer_id": toPair.PeerID, "token_id": toPair.TokenID,
		"receivable_balance": toPair.ReceivableBalance.String(), "payable_balance": toPair.PayableBalance.String(),
		"correlation_id": correlationID,
	})

	// 7. Forward.
	if err := p.forwarder.Forward(ctx, route.NextHopPeer, packetBytes); err != nil {
		p.emitter.Emit("PACKET_REJECTED", map[string]any{
			"peer_id": fromPeer, "reason": RejectInternal, "correlation_id": correlationID, "error": err.Error(),
		})
		return reject(RejectInternal, fmt.Sprintf("forward failed: %v", err))
	}

	p.emitter.Emit("PACKET_SENT", map[string]any{
		"from_peer": fromPeer, "to_peer": route.NextHopPeer, "destination": decoded.Destination,
		"token_id": decoded.TokenID, "amount": decoded.Amount.String(), "correlation_id": correlationID,
	})
	return nil
}

// decode submits the decode work to the worker pool and waits for its
// result, keeping packet validation off the pipeline's own goroutine.
func (p *Pipeline) decode(ctx context.Context, packetBytes []byte) (*DecodedPacket, error) {
	resultCh := make(chan decodeResult, 1)

	decodeCtx, cancel := context.WithTimeout(ctx, p.decodeTimeout)
	defer cancel()

	err := p.workerPool.Submit(func(jobCtx context.Context) {
		packet, err := p.decoder.Decode(jobCtx, packetBytes)
		resultCh <- decodeResult{packet: packet, err: err}
	})
	if err != nil {
		return nil, fmt.Errorf("submit decode job: %w", err)
	}

	select {
	case res := <-resultCh:
		return res.packet, res.err
	case <-decodeCtx.Done():
		return nil, decodeCtx.Err()
	}
}

type correlationIDKey struct{}

// CorrelationIDFromContext retrieves the correlation ID the pipeline
// assigned to the in-flight packet, if any.
func CorrelationIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey{}).(string); ok {
		return id
	}
	return ""
}
