package ledger

import (
	"context"
	"errors"
	"math/big"
	"sync"
)

// MemoryStore is an in-process Store implementation used when no
// DATABASE_URL is configured, and in tests.
type MemoryStore struct {
	mu        sync.Mutex
	accounts  map[string]*PeerAccountPair // keyed by peerID+"|"+tokenID
	committed map[string]bool             // transfer ids already applied, for idempotent replay
}

// NewMemoryStore creates an empty in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:  make(map[string]*PeerAccountPair),
		committed: make(map[string]bool),
	}
}

func accountKey(peerID, tokenID string) string { return peerID + "|" + tokenID }

func clonePair(p *PeerAccountPair) *PeerAccountPair {
	cp := *p
	cp.ReceivableBalance = new(big.Int).Set(p.ReceivableBalance)
	cp.PayableBalance = new(big.Int).Set(p.PayableBalance)
	if p.CreditLimit != nil {
		cp.CreditLimit = new(big.Int).Set(p.CreditLimit)
	}
	if p.SettlementThreshold != nil {
		cp.SettlementThreshold = new(big.Int).Set(p.SettlementThreshold)
	}
	return &cp
}

func (s *MemoryStore) GetPeerAccounts(ctx context.Context, peerID, tokenID string) (*PeerAccountPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pair, ok := s.accounts[accountKey(peerID, tokenID)]
	if !ok {
		return nil, &ErrAccountNotFound{PeerID: peerID, TokenID: tokenID}
	}
	return clonePair(pair), nil
}

func (s *MemoryStore) CreatePeerAccounts(ctx context.Context, pair *PeerAccountPair) (*PeerAccountPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := accountKey(pair.PeerID, pair.TokenID)
	if existing, ok := s.accounts[k]; ok {
		return clonePair(existing), nil
	}

	stored := clonePair(pair)
	if stored.ReceivableBalance == nil {
		stored.ReceivableBalance = big.NewInt(0)
	}
	if stored.PayableBalance == nil {
		stored.PayableBalance = big.NewInt(0)
	}
	s.accounts[k] = stored
	return clonePair(stored), nil
}

func (s *MemoryStore) PostTransfers(ctx context.Context, transfers []*Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	errs := make([]error, len(transfers))
	var any bool
	for i, t := range transfers {
		if _, ok := s.accounts[accountKey(t.PeerID, t.TokenID)]; !ok && !s.committed[t.ID] {
			errs[i] = &ErrAccountNotFound{PeerID: t.PeerID, TokenID: t.TokenID}
			any = true
		}
	}
	if any {
		// Nothing is applied when any item fails; the other items are
		// reported as rolled back so a BatchWriter re-queues them too.
		for i := range errs {
			if errs[i] == nil {
				errs[i] = errors.New("ledger: rolled back with a failed batch")
			}
		}
		return &BatchPostError{Errors: errs}
	}
	for _, t := range transfers {
		if s.committed[t.ID] {
			// Duplicate submission with a matching id: already applied,
			// accepted as a non-fatal idempotent success.
			continue
		}
		pair := s.accounts[accountKey(t.PeerID, t.TokenID)]
		switch t.ToAccount {
		case pair.ReceivableAccount:
			pair.ReceivableBalance.Add(pair.ReceivableBalance, t.Amount)
		case pair.PayableAccount:
			pair.PayableBalance.Add(pair.PayableBalance, t.Amount)
		}
		s.committed[t.ID] = true
	}
	return nil
}

func (s *MemoryStore) RecordSettlement(ctx context.Context, peerID, tokenID string, amount *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pair, ok := s.accounts[accountKey(peerID, tokenID)]
	if !ok {
		return &ErrAccountNotFound{PeerID: peerID, TokenID: tokenID}
	}
	pair.ReceivableBalance.Sub(pair.ReceivableBalance, amount)
	return nil
}

func (s *MemoryStore) ListSettlementCandidates(ctx context.Context) ([]*PeerAccountPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*PeerAccountPair
	for _, pair := range s.accounts {
		if pair.SettlementThreshold == nil {
			continue
		}
		if pair.NetPosition().Cmp(pair.SettlementThreshold) > 0 {
			out = append(out, clonePair(pair))
		}
	}
	return out, nil
}
