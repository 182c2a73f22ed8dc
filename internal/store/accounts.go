package store

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/atlasindexer/atlas/internal/apperr"
	"github.com/atlasindexer/atlas/internal/decoder"
)

// accountScanLimit bounds the lamports fallback scan. A UX timeout,
// not a correctness limit.
const accountScanLimit = 10000

// AccountSummary returns first/last seen, transaction count and the
// native lamport balance for address. When no accounts row is
// persisted, the balance is computed on the fly from decoded System
// transfers over the address's recent transactions.
func (s *Store) AccountSummary(ctx context.Context, address string) (*AccountSummary, error) {
	hexAddr, ok := decoder.ResolveKeyHex(address)
	if !ok {
		return nil, apperr.Protocolf("unparseable address %q", address)
	}
	qctx, cancel := s.withTimeout(ctx)
	defer cancel()

	summary := &AccountSummary{Address: hexAddr}
	err := s.pool.QueryRow(qctx, `
		SELECT min(created_at), max(created_at), count(*)
		FROM account_participation WHERE address_hex = $1`, hexAddr).
		Scan(&summary.FirstSeen, &summary.LastSeen, &summary.TransactionCount)
	if err != nil {
		return nil, apperr.StdErr("query account participation", err)
	}

	var lamports int64
	err = s.pool.QueryRow(qctx,
		`SELECT lamports FROM accounts WHERE pubkey = $1`, hexAddr).Scan(&lamports)
	switch err {
	case nil:
		summary.Lamports = lamports
		return summary, nil
	case pgx.ErrNoRows:
	default:
		return nil, apperr.StdErr("query account", err)
	}

	computed, err := s.computeLamports(ctx, hexAddr)
	if err != nil {
		return nil, err
	}
	summary.Lamports = computed
	summary.LamportsComputed = true
	return summary, nil
}

// computeLamports replays decoded System transfers over the address's
// most recent transactions and nets the flows.
func (s *Store) computeLamports(ctx context.Context, hexAddr string) (int64, error) {
	txs, err := s.TransactionsByAddress(ctx, hexAddr, accountScanLimit)
	if err != nil {
		return 0, err
	}
	var net int64
	for _, tx := range txs {
		res := decoder.Decode(tx.Data)
		for _, action := range res.Actions {
			if action.Label != "System: Transfer" {
				continue
			}
			lamports, _ := action.Fields["lamports"].(uint64)
			source, _ := action.Fields["source"].(string)
			destination, _ := action.Fields["destination"].(string)
			if source == hexAddr {
				net -= int64(lamports)
			}
			if destination == hexAddr {
				net += int64(lamports)
			}
		}
	}
	return net, nil
}
