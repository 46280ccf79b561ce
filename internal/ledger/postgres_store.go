package ledger

import (
	"context"
	"database/sql"
	"errors"
	"math/big"

	"github.com/ilpconnector/connector/internal/amount"
	"github.com/lib/pq"
)

// tokenDecimals maps a token id to its display decimal places. Tokens
// not listed default to 0 decimals (integer base units).
var tokenDecimals = map[string]int{
	"USD": 6,
	"XRP": 6,
	"ETH": 18,
}

func decimalsFor(tokenID string) int {
	if d, ok := tokenDecimals[tokenID]; ok {
		return d
	}
	return 0
}

// PostgresStore is a Store backed by a PostgreSQL database.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open *sql.DB as a Store. Callers are
// responsible for running migrations before use.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetPeerAccounts(ctx context.Context, peerID, tokenID string) (*PeerAccountPair, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT peer_id, token_id, receivable_account, payable_account,
		       receivable_balance, payable_balance, credit_limit, settlement_threshold, created_at
		FROM peer_accounts WHERE peer_id = $1 AND token_id = $2`, peerID, tokenID)

	pair, recv, pay, limit, threshold := &PeerAccountPair{}, "", "", sql.NullString{}, sql.NullString{}
	if err := row.Scan(&pair.PeerID, &pair.TokenID, &pair.ReceivableAccount, &pair.PayableAccount,
		&recv, &pay, &limit, &threshold, &pair.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &ErrAccountNotFound{PeerID: peerID, TokenID: tokenID}
		}
		return nil, err
	}

	decimals := decimalsFor(tokenID)
	var ok bool
	if pair.ReceivableBalance, ok = amount.Parse(recv, decimals); !ok {
		return nil, errors.New("ledger: corrupt receivable balance in store")
	}
	if pair.PayableBalance, ok = amount.Parse(pay, decimals); !ok {
		return nil, errors.New("ledger: corrupt payable balance in store")
	}
	if limit.Valid {
		if pair.CreditLimit, ok = amount.Parse(limit.String, decimals); !ok {
			return nil, errors.New("ledger: corrupt credit limit in store")
		}
	}
	if threshold.Valid {
		if pair.SettlementThreshold, ok = amount.Parse(threshold.String, decimals); !ok {
			return nil, errors.New("ledger: corrupt settlement threshold in store")
		}
	}
	return pair, nil
}

func (s *PostgresStore) CreatePeerAccounts(ctx context.Context, pair *PeerAccountPair) (*PeerAccountPair, error) {
	decimals := decimalsFor(pair.TokenID)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO peer_accounts (peer_id, token_id, receivable_account, payable_account,
			receivable_balance, payable_balance, credit_limit, settlement_threshold, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		ON CONFLICT (peer_id, token_id) DO NOTHING`,
		pair.PeerID, pair.TokenID, pair.ReceivableAccount, pair.PayableAccount,
		amount.Format(big.NewInt(0), decimals), amount.Format(big.NewInt(0), decimals),
		nullableAmount(pair.CreditLimit, decimals), nullableAmount(pair.SettlementThreshold, decimals))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			// Lost the race to another connector process; fall through to read.
		} else {
			return nil, err
		}
	}
	return s.GetPeerAccounts(ctx, pair.PeerID, pair.TokenID)
}

func nullableAmount(v *big.Int, decimals int) interface{} {
	if v == nil {
		return nil
	}
	return amount.Format(v, decimals)
}

func (s *PostgresStore) PostTransfers(ctx context.Context, transfers []*Transfer) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	errs := make([]error, len(transfers))
	var any bool
	for i, t := range transfers {
		decimals := decimalsFor(t.TokenID)

		// Insert the transfer record first: ON CONFLICT (id) DO NOTHING
		// lets a replayed id fall through as a non-fatal idempotent
		// success (§3, §6) instead of double-applying its balance delta.
		ins, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_transfers (id, correlation_id, peer_id, token_id, to_account, amount, reference, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, now())
			ON CONFLICT (id) DO NOTHING`,
			t.ID, t.CorrelationID, t.PeerID, t.TokenID, t.ToAccount, amount.Format(t.Amount, decimals), t.Reference)
		if err != nil {
			errs[i] = err
			any = true
			continue
		}
		if n, _ := ins.RowsAffected(); n == 0 {
			continue // duplicate id, already committed
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE peer_accounts
			SET receivable_balance = CASE WHEN receivable_account = $3 THEN (receivable_balance::numeric + $4::numeric)::text ELSE receivable_balance END,
			    payable_balance = CASE WHEN payable_account = $3 THEN (payable_balance::numeric + $4::numeric)::text ELSE payable_balance END
			WHERE peer_id = $1 AND token_id = $2 AND (receivable_account = $3 OR payable_account = $3)`,
			t.PeerID, t.TokenID, t.ToAccount, amount.Format(t.Amount, decimals))
		if err != nil {
			errs[i] = err
			any = true
			continue
		}
		if n, _ := res.RowsAffected(); n == 0 {
			errs[i] = &ErrAccountNotFound{PeerID: t.PeerID, TokenID: t.TokenID}
			any = true
		}
	}

	if any {
		// Roll back the whole batch: partial application would make the
		// per-item diagnostics misleading about what's actually durable.
		// Items that did not fail themselves are rolled back too, so they
		// carry an error as well and a BatchWriter re-queues them.
		for i := range errs {
			if errs[i] == nil {
				errs[i] = errors.New("ledger: rolled back with a failed batch")
			}
		}
		return &BatchPostError{Errors: errs}
	}
	return tx.Commit()
}

func (s *PostgresStore) RecordSettlement(ctx context.Context, peerID, tokenID string, amt *big.Int) error {
	decimals := decimalsFor(tokenID)
	res, err := s.db.ExecContext(ctx, `
		UPDATE peer_accounts SET receivable_balance = (receivable_balance::numeric - $3::numeric)::text
		WHERE peer_id = $1 AND token_id = $2`, peerID, tokenID, amount.Format(amt, decimals))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ErrAccountNotFound{PeerID: peerID, TokenID: tokenID}
	}
	return nil
}

func (s *PostgresStore) ListSettlementCandidates(ctx context.Context) ([]*PeerAccountPair, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT peer_id, token_id FROM peer_accounts
		WHERE settlement_threshold IS NOT NULL
		  AND (receivable_balance::numeric - payable_balance::numeric) > settlement_threshold::numeric`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PeerAccountPair
	for rows.Next() {
		var peerID, tokenID string
		if err := rows.Scan(&peerID, &tokenID); err != nil {
			return nil, err
		}
		pair, err := s.GetPeerAccounts(ctx, peerID, tokenID)
		if err != nil {
			return nil, err
		}
		out = append(out, pair)
	}
	return out, rows.Err()
}
