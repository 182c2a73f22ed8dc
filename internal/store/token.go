package store

import (
	"context"
	"math/big"

	"github.com/atlasindexer/atlas/internal/apperr"
	"github.com/atlasindexer/atlas/internal/decoder"
)

// tokenReplayLimit bounds the fallback replay. A UX timeout, not a
// correctness limit.
const tokenReplayLimit = 2000

// TokenBalances returns the persisted holdings for address. When no
// rows exist, balances are reconstructed by replaying decoded Token
// instructions over the address's recent transactions.
func (s *Store) TokenBalances(ctx context.Context, address string) ([]*TokenBalanceRow, error) {
	hexAddr, ok := decoder.ResolveKeyHex(address)
	if !ok {
		return nil, apperr.Protocolf("unparseable address %q", address)
	}
	qctx, cancel := s.withTimeout(ctx)
	defer cancel()
	rows, err := s.pool.Query(qctx, `
		SELECT account_address, mint_address, balance::text, decimals, owner_address, program_id, last_updated
		FROM token_balances WHERE account_address = $1 ORDER BY mint_address`, hexAddr)
	if err != nil {
		return nil, apperr.StdErr("query token balances", err)
	}
	defer rows.Close()
	var out []*TokenBalanceRow
	for rows.Next() {
		var (
			tb       TokenBalanceRow
			decimals *int16
			owner    *string
			program  *string
		)
		if err = rows.Scan(&tb.AccountAddress, &tb.MintAddress, &tb.Balance, &decimals, &owner, &program, &tb.LastUpdated); err != nil {
			return nil, apperr.StdErr("scan token balance", err)
		}
		if decimals != nil {
			d := uint8(*decimals)
			tb.Decimals = &d
		}
		if owner != nil {
			tb.OwnerAddress = *owner
		}
		if program != nil {
			tb.ProgramID = *program
		}
		out = append(out, &tb)
	}
	if err = rows.Err(); err != nil {
		return nil, apperr.StdErr("iterate token balances", err)
	}
	if len(out) > 0 {
		return out, nil
	}
	return s.replayTokenBalances(ctx, hexAddr)
}

// replayTokenBalances reconstructs (mint -> balance) for hexAddr by
// applying decoded token deltas over its last N transactions in
// ingestion order.
func (s *Store) replayTokenBalances(ctx context.Context, hexAddr string) ([]*TokenBalanceRow, error) {
	txs, err := s.TransactionsByAddress(ctx, hexAddr, tokenReplayLimit)
	if err != nil {
		return nil, err
	}
	return accumulateTokenBalances(hexAddr, txs), nil
}

// accumulateTokenBalances replays decoded token deltas over txs
// (newest-first, as TransactionsByAddress returns them) oldest-first,
// with the same clamp-at-zero debit semantics the persisted
// accumulator uses.
func accumulateTokenBalances(hexAddr string, txs []*TransactionRow) []*TokenBalanceRow {
	type acc struct {
		balance  *big.Int
		decimals *uint8
		owner    string
		program  string
	}
	accounts := make(map[string]*acc)       // mint -> accumulator for hexAddr
	mintByTokenAccount := make(map[string]string)
	for i := len(txs) - 1; i >= 0; i-- {
		res := decoder.Decode(txs[i].Data)
		for _, d := range res.TokenDeltas {
			if d.Mint != "" {
				mintByTokenAccount[d.Account] = d.Mint
			}
			if d.Account != hexAddr {
				continue
			}
			mint := d.Mint
			if mint == "" {
				mint = mintByTokenAccount[d.Account]
			}
			if mint == "" {
				continue
			}
			a := accounts[mint]
			if a == nil {
				a = &acc{balance: new(big.Int)}
				accounts[mint] = a
			}
			a.balance.Add(a.balance, big.NewInt(d.Delta))
			if a.balance.Sign() < 0 {
				a.balance.SetInt64(0)
			}
			if d.Decimals != nil {
				a.decimals = d.Decimals
			}
			if d.Owner != "" {
				a.owner = d.Owner
			}
			a.program = d.ProgramID
		}
	}
	out := make([]*TokenBalanceRow, 0, len(accounts))
	for mint, a := range accounts {
		out = append(out, &TokenBalanceRow{
			AccountAddress: hexAddr,
			MintAddress:    mint,
			Balance:        a.balance.String(),
			Decimals:       a.decimals,
			OwnerAddress:   a.owner,
			ProgramID:      a.program,
		})
	}
	return out
}
