// Package admin exposes the connector's administrative operations
// (pause/resume a peer, force settlement, clear a rate-limit block,
// rotate the signing key) behind a single bearer-style shared secret.
// There is no REST surface: callers invoke Gateway methods directly
// from whatever in-process control channel the deployment wires up
// (a local socket, an operator CLI, a signal handler).
package admin

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"

	"github.com/ilpconnector/connector/internal/ledger"
)

// Error carries the taxonomy §6 requires: missing credential vs wrong
// credential get distinct outcomes.
type Error struct {
	Code    string // "unauthorized" or "forbidden"
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("admin: %s: %s", e.Code, e.Message) }

var (
	// ErrUnauthorized is returned when no secret was supplied.
	ErrUnauthorized = &Error{Code: "unauthorized", Message: "authentication required"}
	// ErrForbidden is returned when the supplied secret does not match.
	ErrForbidden = &Error{Code: "forbidden", Message: "invalid credential"}
)

// PeerPauser is the subset of fraud.Detector the gateway needs for
// manual pause/resume.
type PeerPauser interface {
	Pause(peerID, reason string)
	ClearPause(peerID string)
}

// Unblocker is the subset of ratelimit.RateLimiter the gateway needs to
// clear an administrative block.
type Unblocker interface {
	Unblock(peerID string)
}

// AccountLookup is the subset of ledger.AccountManager the gateway needs
// to resolve a peer's account pair for a forced settlement.
type AccountLookup interface {
	GetBalance(ctx context.Context, peerID, tokenID string) (*ledger.PeerAccountPair, error)
}

// Settler triggers settlement for a specific account pair regardless of
// its current threshold state.
type Settler interface {
	TriggerNow(ctx context.Context, pair *ledger.PeerAccountPair) error
}

// Rotator rotates the active signing key.
type Rotator interface {
	Rotate(ctx context.Context) error
}

// Gateway authenticates and dispatches administrative operations.
type Gateway struct {
	secret  string
	pauser  PeerPauser
	unblock Unblocker
	lookup  AccountLookup
	settler Settler
	rotator Rotator
	logger  *slog.Logger
}

// New creates a Gateway gated by secret. secret must not be empty.
func New(secret string, pauser PeerPauser, unblock Unblocker, lookup AccountLookup, settler Settler, rotator Rotator, logger *slog.Logger) *Gateway {
	return &Gateway{
		secret: secret, pauser: pauser, unblock: unblock,
		lookup: lookup, settler: settler, rotator: rotator, logger: logger,
	}
}

func (g *Gateway) authenticate(suppliedSecret string) error {
	if suppliedSecret == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(suppliedSecret), []byte(g.secret)) != 1 {
		return ErrForbidden
	}
	return nil
}

// PausePeer administratively pauses peerID, as if the fraud detector had
// auto-paused it.
func (g *Gateway) PausePeer(suppliedSecret, peerID, reason string) error {
	if err := g.authenticate(suppliedSecret); err != nil {
		return err
	}
	g.pauser.Pause(peerID, reason)
	g.logger.Info("admin: peer paused", "peer_id", peerID, "reason", reason)
	return nil
}

// ResumePeer clears an administrative or auto pause on peerID.
func (g *Gateway) ResumePeer(suppliedSecret, peerID string) error {
	if err := g.authenticate(suppliedSecret); err != nil {
		return err
	}
	g.pauser.ClearPause(peerID)
	g.logger.Info("admin: peer resumed", "peer_id", peerID)
	return nil
}

// UnblockPeer clears a rate-limiter timed block on peerID without
// waiting for it to expire.
func (g *Gateway) UnblockPeer(suppliedSecret, peerID string) error {
	if err := g.authenticate(suppliedSecret); err != nil {
		return err
	}
	g.unblock.Unblock(peerID)
	g.logger.Info("admin: peer unblocked", "peer_id", peerID)
	return nil
}

// TriggerSettlement forces settlement for (peerID, tokenID) regardless
// of whether the configured threshold has been crossed.
func (g *Gateway) TriggerSettlement(ctx context.Context, suppliedSecret, peerID, tokenID string) error {
	if err := g.authenticate(suppliedSecret); err != nil {
		return err
	}
	pair, err := g.lookup.GetBalance(ctx, peerID, tokenID)
	if err != nil {
		return fmt.Errorf("admin: resolve account pair: %w", err)
	}
	if err := g.settler.TriggerNow(ctx, pair); err != nil {
		return fmt.Errorf("admin: trigger settlement: %w", err)
	}
	g.logger.Info("admin: settlement forced", "peer_id", peerID, "token_id", tokenID)
	return nil
}

// RotateKey forces an out-of-schedule key rotation.
func (g *Gateway) RotateKey(ctx context.Context, suppliedSecret string) error {
	if err := g.authenticate(suppliedSecret); err != nil {
		return err
	}
	if err := g.rotator.Rotate(ctx); err != nil {
		return fmt.Errorf("admin: rotate key: %w", err)
	}
	g.logger.Info("admin: key rotation forced")
	return nil
}
