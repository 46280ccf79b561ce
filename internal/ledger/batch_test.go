package ledger

import (
	"context"
	"log/slog"
	"math/big"
	"testing"
	"time"
)

func TestBatchWriter_FlushesAtSizeThreshold(t *testing.T) {
	store := NewMemoryStore()
	store.CreatePeerAccounts(context.Background(), &PeerAccountPair{
		PeerID: "peer1", TokenID: "USD",
		ReceivableAccount: "recv1", PayableAccount: "pay1",
	})

	w := NewBatchWriter(store, 2, time.Hour, slog.Default())
	w.Enqueue(&Transfer{ID: "t1", PeerID: "peer1", TokenID: "USD", ToAccount: "recv1", Amount: big.NewInt(10)})
	w.Enqueue(&Transfer{ID: "t2", PeerID: "peer1", TokenID: "USD", ToAccount: "recv1", Amount: big.NewInt(20)})

	pair, err := store.GetPeerAccounts(context.Background(), "peer1", "USD")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pair.ReceivableBalance.Cmp(big.NewInt(30)) != 0 {
		t.Errorf("expected balance 30 after size-triggered flush, got %s", pair.ReceivableBalance)
	}
}

func TestBatchWriter_RequeuesFailedTransfers(t *testing.T) {
	store := NewMemoryStore() // peer2 account never created, so post will fail

	w := NewBatchWriter(store, 10, time.Hour, slog.Default())
	w.Enqueue(&Transfer{ID: "t1", PeerID: "peer2", TokenID: "USD", ToAccount: "recv2", Amount: big.NewInt(5)})
	w.Flush(context.Background())

	w.mu.Lock()
	pending := len(w.pending)
	w.mu.Unlock()

	if pending != 1 {
		t.Fatalf("expected failed transfer to be re-queued, pending=%d", pending)
	}
}

func TestBatchWriter_CloseFlushesPending(t *testing.T) {
	store := NewMemoryStore()
	store.CreatePeerAccounts(context.Background(), &PeerAccountPair{
		PeerID: "peer1", TokenID: "USD",
		ReceivableAccount: "recv1", PayableAccount: "pay1",
	})

	w := NewBatchWriter(store, 10, time.Hour, slog.Default())
	w.Enqueue(&Transfer{ID: "t1", PeerID: "peer1", TokenID: "USD", ToAccount: "recv1", Amount: big.NewInt(7)})
	w.Close(context.Background())

	pair, _ := store.GetPeerAccounts(context.Background(), "peer1", "USD")
	if pair.ReceivableBalance.Cmp(big.NewInt(7)) != 0 {
		t.Errorf("expected balance 7 after Close flush, got %s", pair.ReceivableBalance)
	}
}
