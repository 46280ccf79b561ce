// Package ledger implements double-entry accounting for packet value
// transfers between peers: per-(peer,token) balance pairs, credit limits,
// and batched posting of transfers to durable storage.
package ledger

import (
	"math/big"
	"time"
)

// AccountKind distinguishes the two legs of a peer's balance pair.
type AccountKind string

const (
	// AccountReceivable tracks value this node owes the peer (the peer
	// has sent more than it has received).
	AccountReceivable AccountKind = "receivable"
	// AccountPayable tracks value the peer owes this node.
	AccountPayable AccountKind = "payable"
)

// Peer describes a directly connected counterparty.
type Peer struct {
	ID        string
	NodeAddr  string // transport-level address (ILP address or equivalent)
	CreatedAt time.Time
	Paused    bool
}

// PeerAccountPair is the pair of ledger accounts (receivable, payable)
// maintained for one (peer, token) combination.
type PeerAccountPair struct {
	PeerID             string
	TokenID            string
	ReceivableAccount  string // deterministic account id
	PayableAccount     string // deterministic account id
	ReceivableBalance  *big.Int
	PayableBalance     *big.Int
	CreditLimit        *big.Int // ceiling on PayableBalance (debit side, §4.11), resolved at creation time
	SettlementThreshold *big.Int
	CreatedAt          time.Time
}

// NetPosition is ReceivableBalance - PayableBalance: positive means this
// node owes the peer, negative means the peer owes this node.
func (p *PeerAccountPair) NetPosition() *big.Int {
	return new(big.Int).Sub(p.ReceivableBalance, p.PayableBalance)
}

// Transfer is a single posted ledger movement, the unit written by the
// BatchWriter.
type Transfer struct {
	ID            string
	CorrelationID string
	PeerID        string
	TokenID       string
	FromAccount   string
	ToAccount     string
	Amount        *big.Int
	Reference     string
	CreatedAt     time.Time
}

// SettlementState enumerates the lifecycle of a pending settlement for a
// (peer, token) pair.
type SettlementState string

const (
	SettlementIdle       SettlementState = "idle"
	SettlementPending    SettlementState = "pending"
	SettlementInProgress SettlementState = "in_progress"
)

// CreditLimitConfig is an administrative override of the default credit
// limit for a specific (peer, token).
type CreditLimitConfig struct {
	PeerID  string
	TokenID string
	Limit   *big.Int
}

// SettlementThresholdConfig is an administrative override of the default
// settlement threshold for a specific (peer, token).
type SettlementThresholdConfig struct {
	PeerID    string
	TokenID   string
	Threshold *big.Int
}
