package ledger

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"testing"
	"time"
)

func newTestManager(t *testing.T) (*AccountManager, Store) {
	t.Helper()
	store := NewMemoryStore()
	batch := NewBatchWriter(store, 10, time.Hour, slog.Default())
	t.Cleanup(func() { batch.Close(context.Background()) })
	mgr := NewAccountManager("node1", store, batch, big.NewInt(1000), big.NewInt(5000))
	return mgr, store
}

func TestEnsurePeerAccounts_CreatesOnce(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	a, err := mgr.EnsurePeerAccounts(ctx, "peer1", "USD")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := mgr.EnsurePeerAccounts(ctx, "peer1", "USD")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.ReceivableAccount != b.ReceivableAccount {
		t.Error("expected idempotent account creation")
	}
}

func TestCheckCreditLimit_RejectsOverLimit(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	mgr.EnsurePeerAccounts(ctx, "peer1", "USD")

	if err := mgr.CheckCreditLimit(ctx, "peer1", "USD", big.NewInt(500)); err != nil {
		t.Fatalf("expected within-limit transfer to pass, got %v", err)
	}

	if err := mgr.CheckCreditLimit(ctx, "peer1", "USD", big.NewInt(1500)); !errors.Is(err, ErrCreditLimitExceeded) {
		t.Fatalf("expected ErrCreditLimitExceeded, got %v", err)
	}
}

// TestCheckCreditLimit_UsesDebitBalanceNotNetPosition verifies the limit
// caps the peer's debit-side (PayableBalance) exposure alone: a large
// credit-side (ReceivableBalance) balance must never mask it.
func TestCheckCreditLimit_UsesDebitBalanceNotNetPosition(t *testing.T) {
	mgr, store := newTestManager(t)
	ctx := context.Background()

	pair, err := mgr.EnsurePeerAccounts(ctx, "peer1", "USD")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Give the peer a large receivable (credit-side) balance, as if this
	// node owed it a great deal — net position would then be deeply
	// negative even though the peer has not yet accrued any debit.
	creditLeg := &Transfer{
		ID: "credit-seed", PeerID: "peer1", TokenID: "USD",
		ToAccount: pair.ReceivableAccount, Amount: big.NewInt(10_000), CreatedAt: time.Now(),
	}
	if err := store.PostTransfers(ctx, []*Transfer{creditLeg}); err != nil {
		t.Fatalf("seed transfer failed: %v", err)
	}

	// The peer's debit balance is still 0, so 500 must pass.
	if err := mgr.CheckCreditLimit(ctx, "peer1", "USD", big.NewInt(500)); err != nil {
		t.Fatalf("expected debit-only check to pass despite large credit balance, got %v", err)
	}

	// But once the debit balance itself grows past the limit, it must reject.
	debitLeg := &Transfer{
		ID: "debit-seed", PeerID: "peer1", TokenID: "USD",
		ToAccount: pair.PayableAccount, Amount: big.NewInt(900), CreatedAt: time.Now(),
	}
	if err := store.PostTransfers(ctx, []*Transfer{debitLeg}); err != nil {
		t.Fatalf("seed transfer failed: %v", err)
	}
	if err := mgr.CheckCreditLimit(ctx, "peer1", "USD", big.NewInt(200)); !errors.Is(err, ErrCreditLimitExceeded) {
		t.Fatalf("expected ErrCreditLimitExceeded once debit balance exceeds limit, got %v", err)
	}
}

// TestCreditLimitHierarchy_PerPeerOverridesDefault exercises the
// three-tier resolver: a per-peer override must take precedence over
// the default, and a subsequent per-(peer,token) override must take
// precedence over the per-peer one.
func TestCreditLimitHierarchy_PerPeerOverridesDefault(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	mgr.SetCreditLimit(CreditLimitConfig{PeerID: "peer1", Limit: big.NewInt(500)})

	if _, err := mgr.EnsurePeerAccounts(ctx, "peer1", "USD"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := mgr.CheckCreditLimit(ctx, "peer1", "USD", big.NewInt(600)); !errors.Is(err, ErrCreditLimitExceeded) {
		t.Fatalf("expected per-peer override of 500 to reject 600, got %v", err)
	}

	mgr.SetCreditLimit(CreditLimitConfig{PeerID: "peer1", TokenID: "USD", Limit: big.NewInt(1000)})
	if err := mgr.CheckCreditLimit(ctx, "peer1", "USD", big.NewInt(600)); err != nil {
		t.Fatalf("expected per-(peer,token) override of 1000 to accept 600, got %v", err)
	}

	// A different token on the same peer still sees the per-peer tier.
	if err := mgr.CheckCreditLimit(ctx, "peer1", "EUR", big.NewInt(600)); !errors.Is(err, ErrCreditLimitExceeded) {
		t.Fatalf("expected unscoped token to still use the per-peer override, got %v", err)
	}
}

func TestCreditLimitCeiling_ClampsEveryTier(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	mgr.SetCreditLimit(CreditLimitConfig{PeerID: "peer1", Limit: big.NewInt(10_000)})
	mgr.SetCreditLimitCeiling(big.NewInt(300))

	mgr.EnsurePeerAccounts(ctx, "peer1", "USD")
	if err := mgr.CheckCreditLimit(ctx, "peer1", "USD", big.NewInt(400)); !errors.Is(err, ErrCreditLimitExceeded) {
		t.Fatalf("expected global ceiling of 300 to override the 10000 per-peer limit, got %v", err)
	}
}

func TestRecordPacketTransferPair_CommitsBothLegsAtomically(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	fromPair, toPair, err := mgr.RecordPacketTransferPair(ctx, "pkt_1", "peer1", "peer2", "USD", big.NewInt(100), big.NewInt(95))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if fromPair.PayableBalance.Cmp(big.NewInt(100)) != 0 {
		t.Errorf("expected from-peer payable (debit) balance 100, got %s", fromPair.PayableBalance)
	}
	if toPair.ReceivableBalance.Cmp(big.NewInt(95)) != 0 {
		t.Errorf("expected to-peer receivable (credit) balance 95, got %s", toPair.ReceivableBalance)
	}

	updatedFrom, err := mgr.GetBalance(ctx, "peer1", "USD")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updatedFrom.PayableBalance.Cmp(big.NewInt(100)) != 0 {
		t.Errorf("expected persisted payable balance 100, got %s", updatedFrom.PayableBalance)
	}
	updatedTo, err := mgr.GetBalance(ctx, "peer2", "USD")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updatedTo.ReceivableBalance.Cmp(big.NewInt(95)) != 0 {
		t.Errorf("expected persisted receivable balance 95, got %s", updatedTo.ReceivableBalance)
	}
}

func TestPostTransfers_DuplicateIDIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	pair, err := store.CreatePeerAccounts(ctx, &PeerAccountPair{
		PeerID: "peer1", TokenID: "USD",
		ReceivableAccount: "recv1", PayableAccount: "pay1",
		ReceivableBalance: big.NewInt(0), PayableBalance: big.NewInt(0),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	transfer := &Transfer{ID: "dup-1", PeerID: "peer1", TokenID: "USD", ToAccount: pair.PayableAccount, Amount: big.NewInt(50), CreatedAt: time.Now()}
	if err := store.PostTransfers(ctx, []*Transfer{transfer}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := store.PostTransfers(ctx, []*Transfer{transfer}); err != nil {
		t.Fatalf("expected replay to be a non-fatal no-op, got %v", err)
	}

	updated, err := store.GetPeerAccounts(ctx, "peer1", "USD")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.PayableBalance.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("expected exactly one commit of the replayed transfer, got payable balance %s", updated.PayableBalance)
	}
}
