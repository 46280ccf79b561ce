package ledger

import (
	"context"
	"math/big"
)

// Store is the durable backing store for peer accounts and posted
// transfers. Implementations must make CreatePeerAccounts idempotent and
// PostTransfers atomic per call.
type Store interface {
	// GetPeerAccounts returns the account pair for (peerID, tokenID), or
	// ErrAccountNotFound if it has never been created.
	GetPeerAccounts(ctx context.Context, peerID, tokenID string) (*PeerAccountPair, error)

	// CreatePeerAccounts creates the account pair if it does not already
	// exist. Safe to call concurrently for the same (peerID, tokenID);
	// only one pair is ever created.
	CreatePeerAccounts(ctx context.Context, pair *PeerAccountPair) (*PeerAccountPair, error)

	// PostTransfers posts a batch of transfers and applies their balance
	// deltas atomically. On partial failure, implementations that can
	// diagnose per-item failures return a []error of the same length as
	// transfers (nil entries for items that succeeded); implementations
	// that cannot return a single generic error.
	//
	// Posting is idempotent per Transfer.ID: a duplicate submission with
	// an id that has already been committed is accepted as a non-fatal
	// no-op rather than reapplying its balance delta, so replaying the
	// same transfer id twice results in exactly one committed transfer.
	PostTransfers(ctx context.Context, transfers []*Transfer) error

	// RecordSettlement reduces the receivable balance (what this node owes
	// the peer, the side NetPosition counts positive) for (peerID, tokenID)
	// by amount after a settlement transfer has been confirmed on the
	// underlying rail.
	RecordSettlement(ctx context.Context, peerID, tokenID string, amount *big.Int) error

	// ListSettlementCandidates returns all (peerID, tokenID) pairs whose
	// net position strictly exceeds their settlement threshold.
	ListSettlementCandidates(ctx context.Context) ([]*PeerAccountPair, error)
}

// ErrAccountNotFound is returned by GetPeerAccounts when no account pair
// has been created for the given peer and token.
type ErrAccountNotFound struct {
	PeerID  string
	TokenID string
}

func (e *ErrAccountNotFound) Error() string {
	return "ledger: no account pair for peer " + e.PeerID + " token " + e.TokenID
}
