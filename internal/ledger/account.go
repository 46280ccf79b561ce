package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"
)

// ErrCreditLimitExceeded is returned when posting a packet transfer
// would push a peer's debit-side balance past its credit limit.
var ErrCreditLimitExceeded = errors.New("credit limit exceeded")

// AccountManager owns account creation and balance bookkeeping for every
// (peer, token) pair this node has ever seen, deriving account ids
// deterministically so restarts never need to persist the mapping
// separately from the (peer, token) configuration itself.
type AccountManager struct {
	nodeID string
	store  Store
	batch  *BatchWriter

	defaultCreditLimit        *big.Int
	defaultSettlementThreshold *big.Int

	mu                       sync.Mutex
	createLock               map[string]*sync.Mutex // dedup concurrent creates per (peer,token)
	creditLimitCeiling       *big.Int               // global cap, regardless of override
	peerCreditLimits         map[string]*big.Int     // keyed by peerID
	pairCreditLimits         map[string]*big.Int     // keyed by peerID+"|"+tokenID
	peerSettlementThresholds map[string]*big.Int     // keyed by peerID
	pairSettlementThresholds map[string]*big.Int     // keyed by peerID+"|"+tokenID
}

// NewAccountManager creates an AccountManager backed by store. Packet
// transfer pairs and settlements go to store directly; batch is only
// drained by Flush.
func NewAccountManager(nodeID string, store Store, batch *BatchWriter, defaultCreditLimit, defaultSettlementThreshold *big.Int) *AccountManager {
	return &AccountManager{
		nodeID:                     nodeID,
		store:                      store,
		batch:                      batch,
		defaultCreditLimit:         defaultCreditLimit,
		defaultSettlementThreshold: defaultSettlementThreshold,
		createLock:                 make(map[string]*sync.Mutex),
		peerCreditLimits:           make(map[string]*big.Int),
		pairCreditLimits:           make(map[string]*big.Int),
		peerSettlementThresholds:   make(map[string]*big.Int),
		pairSettlementThresholds:   make(map[string]*big.Int),
	}
}

func pairKey(peerID, tokenID string) string { return peerID + "|" + tokenID }

// SetCreditLimitCeiling installs a global cap that every resolved credit
// limit (per-pair, per-peer, or default) is clamped to. A nil ceiling
// removes the cap.
func (m *AccountManager) SetCreditLimitCeiling(ceiling *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creditLimitCeiling = ceiling
}

// SetCreditLimit installs an administrative override of the default
// credit limit. An empty cfg.TokenID scopes the override to every token
// for cfg.PeerID; a non-empty one scopes it to that single (peer,
// token) pair, which takes precedence over a peer-wide override.
func (m *AccountManager) SetCreditLimit(cfg CreditLimitConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cfg.TokenID == "" {
		m.peerCreditLimits[cfg.PeerID] = cfg.Limit
		return
	}
	m.pairCreditLimits[pairKey(cfg.PeerID, cfg.TokenID)] = cfg.Limit
}

// SetSettlementThreshold installs an administrative override of the
// default settlement threshold, following the same per-(peer,token) >
// per-peer > default hierarchy as SetCreditLimit.
func (m *AccountManager) SetSettlementThreshold(cfg SettlementThresholdConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cfg.TokenID == "" {
		m.peerSettlementThresholds[cfg.PeerID] = cfg.Threshold
		return
	}
	m.pairSettlementThresholds[pairKey(cfg.PeerID, cfg.TokenID)] = cfg.Threshold
}

// effectiveCreditLimit resolves the credit limit for (peerID, tokenID)
// through the per-(peer,token) -> per-peer -> default hierarchy, then
// clamps the result to the global ceiling if one is configured.
func (m *AccountManager) effectiveCreditLimit(peerID, tokenID string) *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit := m.defaultCreditLimit
	if v, ok := m.peerCreditLimits[peerID]; ok {
		limit = v
	}
	if v, ok := m.pairCreditLimits[pairKey(peerID, tokenID)]; ok {
		limit = v
	}
	return clampToCeiling(limit, m.creditLimitCeiling)
}

// effectiveSettlementThreshold resolves the settlement threshold for
// (peerID, tokenID) through the same three-tier hierarchy.
func (m *AccountManager) effectiveSettlementThreshold(peerID, tokenID string) *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	threshold := m.defaultSettlementThreshold
	if v, ok := m.peerSettlementThresholds[peerID]; ok {
		threshold = v
	}
	if v, ok := m.pairSettlementThresholds[pairKey(peerID, tokenID)]; ok {
		threshold = v
	}
	return threshold
}

// clampToCeiling returns the smaller of limit and ceiling. A nil ceiling
// leaves limit untouched; a nil limit (unlimited) defers entirely to the
// ceiling.
func clampToCeiling(limit, ceiling *big.Int) *big.Int {
	if ceiling == nil {
		return limit
	}
	if limit == nil || limit.Cmp(ceiling) > 0 {
		return ceiling
	}
	return limit
}

// EnsurePeerAccounts returns the existing account pair for (peerID,
// tokenID), creating it with deterministic account ids if it doesn't
// exist yet. Concurrent calls for the same pair are deduplicated so
// exactly one pair is ever created.
func (m *AccountManager) EnsurePeerAccounts(ctx context.Context, peerID, tokenID string) (*PeerAccountPair, error) {
	pair, err := m.store.GetPeerAccounts(ctx, peerID, tokenID)
	if err == nil {
		return pair, nil
	}
	var notFound *ErrAccountNotFound
	if !errors.As(err, &notFound) {
		return nil, err
	}

	lock := m.lockFor(peerID, tokenID)
	lock.Lock()
	defer lock.Unlock()

	// Re-check after acquiring the per-pair lock: another goroutine may
	// have created it while we waited.
	if pair, err := m.store.GetPeerAccounts(ctx, peerID, tokenID); err == nil {
		return pair, nil
	}

	newPair := &PeerAccountPair{
		PeerID:              peerID,
		TokenID:             tokenID,
		ReceivableAccount:   DeriveAccountID(m.nodeID, peerID, tokenID, AccountReceivable),
		PayableAccount:      DeriveAccountID(m.nodeID, peerID, tokenID, AccountPayable),
		ReceivableBalance:   big.NewInt(0),
		PayableBalance:      big.NewInt(0),
		CreditLimit:         m.effectiveCreditLimit(peerID, tokenID),
		SettlementThreshold: m.effectiveSettlementThreshold(peerID, tokenID),
		CreatedAt:           time.Now(),
	}
	return m.store.CreatePeerAccounts(ctx, newPair)
}

func (m *AccountManager) lockFor(peerID, tokenID string) *sync.Mutex {
	k := pairKey(peerID, tokenID)
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.createLock[k]
	if !ok {
		lock = &sync.Mutex{}
		m.createLock[k] = lock
	}
	return lock
}

// CheckCreditLimit reports whether accepting an incoming packet of
// amount from peerID in tokenID would push the peer's debit-side
// balance (PayableBalance: what the peer owes this node) past its
// effective credit limit (§4.11: "if debitBalance + amount > limit").
func (m *AccountManager) CheckCreditLimit(ctx context.Context, peerID, tokenID string, amount *big.Int) error {
	pair, err := m.EnsurePeerAccounts(ctx, peerID, tokenID)
	if err != nil {
		return err
	}
	limit := m.effectiveCreditLimit(peerID, tokenID)
	if limit == nil {
		return nil // no limit configured
	}
	projected := new(big.Int).Add(pair.PayableBalance, amount)
	if projected.Cmp(limit) > 0 {
		return fmt.Errorf("%w: peer %s token %s projected %s exceeds limit %s",
			ErrCreditLimitExceeded, peerID, tokenID, projected.String(), limit.String())
	}
	return nil
}

// RecordPacketTransferPair posts the two-transfer pair for one forwarded
// packet as a single atomic batch: the from-peer's debit leg (increasing
// PayableBalance, what it owes this node) and the to-peer's credit leg
// (increasing ReceivableBalance, what this node owes it). Both ids are
// unique and both transfers go to the store in one PostTransfers call,
// bypassing the coalescing BatchWriter so the pair can never be split
// across flushes — it commits both legs or neither. Returns the updated
// account pairs for both peers so the caller can emit balance telemetry.
func (m *AccountManager) RecordPacketTransferPair(ctx context.Context, correlationID, fromPeer, toPeer, tokenID string, inAmount, outAmount *big.Int) (fromPair, toPair *PeerAccountPair, err error) {
	fromPair, err = m.EnsurePeerAccounts(ctx, fromPeer, tokenID)
	if err != nil {
		return nil, nil, fmt.Errorf("record packet transfer pair: from-peer accounts: %w", err)
	}
	toPair, err = m.EnsurePeerAccounts(ctx, toPeer, tokenID)
	if err != nil {
		return nil, nil, fmt.Errorf("record packet transfer pair: to-peer accounts: %w", err)
	}

	now := time.Now()
	debitLeg := &Transfer{
		ID:            NewTransferID(),
		CorrelationID: correlationID,
		PeerID:        fromPeer,
		TokenID:       tokenID,
		ToAccount:     fromPair.PayableAccount,
		Amount:        inAmount,
		Reference:     "packet:" + correlationID + ":in",
		CreatedAt:     now,
	}
	creditLeg := &Transfer{
		ID:            NewTransferID(),
		CorrelationID: correlationID,
		PeerID:        toPeer,
		TokenID:       tokenID,
		ToAccount:     toPair.ReceivableAccount,
		Amount:        outAmount,
		Reference:     "packet:" + correlationID + ":out",
		CreatedAt:     now,
	}

	if err := m.store.PostTransfers(ctx, []*Transfer{debitLeg, creditLeg}); err != nil {
		return nil, nil, fmt.Errorf("record packet transfer pair: %w", err)
	}

	fromPair, err = m.store.GetPeerAccounts(ctx, fromPeer, tokenID)
	if err != nil {
		return nil, nil, err
	}
	toPair, err = m.store.GetPeerAccounts(ctx, toPeer, tokenID)
	if err != nil {
		return nil, nil, err
	}
	return fromPair, toPair, nil
}

// RecordSettlement reduces the peer's credit (Receivable) balance after a
// settlement transfer is confirmed on the underlying rail.
func (m *AccountManager) RecordSettlement(ctx context.Context, peerID, tokenID string, amount *big.Int) error {
	return m.store.RecordSettlement(ctx, peerID, tokenID, amount)
}

// GetBalance returns the current account pair for (peerID, tokenID).
func (m *AccountManager) GetBalance(ctx context.Context, peerID, tokenID string) (*PeerAccountPair, error) {
	return m.store.GetPeerAccounts(ctx, peerID, tokenID)
}

// SettlementCandidates lists every (peer, token) pair whose net position
// exceeds its configured settlement threshold.
func (m *AccountManager) SettlementCandidates(ctx context.Context) ([]*PeerAccountPair, error) {
	return m.store.ListSettlementCandidates(ctx)
}

// Flush forces the underlying batch writer to post any pending transfers
// immediately, bypassing its size/time thresholds. Used on shutdown and
// in tests.
func (m *AccountManager) Flush(ctx context.Context) error {
	return m.batch.Flush(ctx)
}
