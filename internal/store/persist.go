package store

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"

	"github.com/atlasindexer/atlas/internal/apperr"
	"github.com/atlasindexer/atlas/internal/decoder"
)

// PersistBlock commits one block bundle (block row, transactions and
// every derived row) in a single database transaction. Upserts are
// keyed by identity so re-ingesting the same block is a no-op beyond
// refreshing mutable columns.
func (s *Store) PersistBlock(ctx context.Context, bundle *BlockBundle) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apperr.StdErr("begin block tx", err)
	}
	defer tx.Rollback(ctx)

	if err = upsertBlock(ctx, tx, &bundle.Block); err != nil {
		return err
	}
	for i := range bundle.Txs {
		if err = persistTx(ctx, tx, &bundle.Txs[i]); err != nil {
			return err
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return apperr.StdErr("commit block tx", err)
	}
	return nil
}

// PersistBatch commits a run of block bundles, one DB transaction per
// block (batch path) or one transaction for the whole run (COPY path).
func (s *Store) PersistBatch(ctx context.Context, bundles []*BlockBundle) error {
	if s.UseCopyBulk {
		return s.persistBatchCopy(ctx, bundles)
	}
	for _, bundle := range bundles {
		if err := s.PersistBlock(ctx, bundle); err != nil {
			return err
		}
	}
	return nil
}

// PersistTransaction upserts a single transaction observed outside
// block ingestion (live transaction event, mempool promotion). Runs
// its own transaction.
func (s *Store) PersistTransaction(ctx context.Context, tb *TxBundle) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apperr.StdErr("begin tx", err)
	}
	defer tx.Rollback(ctx)
	if err = persistTx(ctx, tx, tb); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return apperr.StdErr("commit tx", err)
	}
	return nil
}

func upsertBlock(ctx context.Context, tx pgx.Tx, b *BlockRow) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO blocks (height, hash, timestamp, bitcoin_block_height, previous_block_hash, transaction_count, block_size_bytes)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (height) DO UPDATE SET
			hash = EXCLUDED.hash,
			timestamp = EXCLUDED.timestamp,
			bitcoin_block_height = EXCLUDED.bitcoin_block_height,
			previous_block_hash = COALESCE(EXCLUDED.previous_block_hash, blocks.previous_block_hash),
			transaction_count = EXCLUDED.transaction_count,
			block_size_bytes = EXCLUDED.block_size_bytes`,
		int64(b.Height), b.Hash, b.Timestamp, b.BitcoinBlockHeight, b.PreviousBlockHash,
		b.TransactionCount, b.BlockSizeBytes)
	if err != nil {
		return apperr.StdErr("upsert block "+strconv.FormatUint(b.Height, 10), err)
	}
	return nil
}

// persistTx writes one transaction and its derived rows inside the
// caller's DB transaction.
func persistTx(ctx context.Context, tx pgx.Tx, tb *TxBundle) error {
	row := &tb.Row
	_, err := tx.Exec(ctx, `
		INSERT INTO transactions (txid, block_height, data, status, bitcoin_txids, logs, created_at, compute_units_consumed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (txid) DO UPDATE SET
			block_height = GREATEST(transactions.block_height, EXCLUDED.block_height),
			data = EXCLUDED.data,
			status = EXCLUDED.status,
			bitcoin_txids = EXCLUDED.bitcoin_txids,
			logs = EXCLUDED.logs,
			compute_units_consumed = COALESCE(EXCLUDED.compute_units_consumed, transactions.compute_units_consumed)`,
		row.TxID, int64(row.BlockHeight), row.Data, nullableJSON(row.Status),
		row.BitcoinTxIDs, row.Logs, row.CreatedAt, row.ComputeUnitsConsumed)
	if err != nil {
		return apperr.StdErr("upsert transaction "+row.TxID, err)
	}

	if err = linkPrograms(ctx, tx, row.TxID, tb.ProgramIDs); err != nil {
		return err
	}
	if err = insertParticipation(ctx, tx, row, tb.Participation); err != nil {
		return err
	}
	return applyTokenDeltas(ctx, tx, tb.TokenDeltas)
}

// linkPrograms upserts program rows and (txid, program_id) links. The
// transaction_count increment is guarded by the link insert, so
// re-ingesting the same transaction never double-counts.
func linkPrograms(ctx context.Context, tx pgx.Tx, txid string, programIDs []string) error {
	for _, programID := range programIDs {
		_, err := tx.Exec(ctx, `
			INSERT INTO programs (program_id) VALUES ($1)
			ON CONFLICT (program_id) DO UPDATE SET last_seen_at = now()`,
			programID)
		if err != nil {
			return apperr.StdErr("upsert program "+programID, err)
		}
		_, err = tx.Exec(ctx, `
			WITH ins AS (
				INSERT INTO transaction_programs (txid, program_id) VALUES ($1, $2)
				ON CONFLICT DO NOTHING
				RETURNING 1
			)
			UPDATE programs
			SET transaction_count = transaction_count + (SELECT count(*) FROM ins)
			WHERE program_id = $2`,
			txid, programID)
		if err != nil {
			return apperr.StdErr("link program "+programID, err)
		}
	}
	return nil
}

func insertParticipation(ctx context.Context, tx pgx.Tx, row *TransactionRow, addresses []string) error {
	if len(addresses) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, addr := range addresses {
		batch.Queue(`
			INSERT INTO account_participation (address_hex, txid, block_height, created_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (address_hex, txid) DO NOTHING`,
			addr, row.TxID, int64(row.BlockHeight), row.CreatedAt)
	}
	results := tx.SendBatch(ctx, batch)
	defer results.Close()
	for range addresses {
		if _, err := results.Exec(); err != nil {
			return apperr.StdErr("insert participation", err)
		}
	}
	return results.Close()
}

// applyTokenDeltas runs the incremental token accumulator for one
// transaction's deltas, resolving missing mints through the persisted
// token_accounts mapping. Order matters: deltas apply in instruction
// order.
func applyTokenDeltas(ctx context.Context, tx pgx.Tx, deltas []decoder.TokenDelta) error {
	for i := range deltas {
		d := &deltas[i]
		mint := d.Mint
		if mint == "" {
			// Unchecked Transfer: the instruction doesn't name
			// the mint, look it up from the account's known mapping.
			err := tx.QueryRow(ctx,
				`SELECT mint_address FROM token_accounts WHERE token_account = $1`, d.Account).Scan(&mint)
			if err == pgx.ErrNoRows {
				mint = ""
			} else if err != nil {
				return apperr.StdErr("resolve mint for "+d.Account, err)
			}
		}

		if err := upsertTokenAccount(ctx, tx, d, mint); err != nil {
			return err
		}
		if mint != "" {
			if err := upsertTokenMint(ctx, tx, mint, d); err != nil {
				return err
			}
		}
		if err := upsertTokenBalance(ctx, tx, d, mint); err != nil {
			return err
		}
	}
	return nil
}

func upsertTokenAccount(ctx context.Context, tx pgx.Tx, d *decoder.TokenDelta, mint string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO token_accounts (token_account, mint_address, owner, program_id, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, now())
		ON CONFLICT (token_account) DO UPDATE SET
			mint_address = CASE WHEN EXCLUDED.mint_address <> '' THEN EXCLUDED.mint_address ELSE token_accounts.mint_address END,
			owner = COALESCE(EXCLUDED.owner, token_accounts.owner),
			program_id = EXCLUDED.program_id,
			updated_at = now()`,
		d.Account, mint, d.Owner, d.ProgramID)
	if err != nil {
		return apperr.StdErr("upsert token account "+d.Account, err)
	}
	return nil
}

func upsertTokenMint(ctx context.Context, tx pgx.Tx, mint string, d *decoder.TokenDelta) error {
	// decimals is set once on discovery and never downgraded.
	_, err := tx.Exec(ctx, `
		INSERT INTO token_mints (mint_address, program_id, decimals, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (mint_address) DO UPDATE SET
			decimals = COALESCE(token_mints.decimals, EXCLUDED.decimals),
			updated_at = now()`,
		mint, d.ProgramID, decimalsArg(d.Decimals))
	if err != nil {
		return apperr.StdErr("upsert token mint "+mint, err)
	}
	return nil
}

func upsertTokenBalance(ctx context.Context, tx pgx.Tx, d *decoder.TokenDelta, mint string) error {
	var err error
	switch {
	case d.Delta > 0:
		_, err = tx.Exec(ctx, `
			INSERT INTO token_balances (account_address, mint_address, balance, decimals, owner_address, program_id, last_updated)
			VALUES ($1, $2, $3::numeric, $4, NULLIF($5, ''), $6, now())
			ON CONFLICT (account_address, mint_address) DO UPDATE SET
				balance = token_balances.balance + EXCLUDED.balance,
				decimals = COALESCE(token_balances.decimals, EXCLUDED.decimals),
				owner_address = COALESCE(EXCLUDED.owner_address, token_balances.owner_address),
				last_updated = now()`,
			d.Account, mint, fmt.Sprintf("%d", d.Delta), decimalsArg(d.Decimals), d.Owner, d.ProgramID)
	case d.Delta < 0:
		// Debits clamp at zero.
		_, err = tx.Exec(ctx, `
			INSERT INTO token_balances (account_address, mint_address, balance, decimals, owner_address, program_id, last_updated)
			VALUES ($1, $2, 0, $4, NULLIF($5, ''), $6, now())
			ON CONFLICT (account_address, mint_address) DO UPDATE SET
				balance = GREATEST(token_balances.balance - $3::numeric, 0),
				decimals = COALESCE(token_balances.decimals, EXCLUDED.decimals),
				owner_address = COALESCE(EXCLUDED.owner_address, token_balances.owner_address),
				last_updated = now()`,
			d.Account, mint, fmt.Sprintf("%d", -d.Delta), decimalsArg(d.Decimals), d.Owner, d.ProgramID)
	default:
		// Zero delta seeds the row without touching an existing balance.
		_, err = tx.Exec(ctx, `
			INSERT INTO token_balances (account_address, mint_address, balance, decimals, owner_address, program_id, last_updated)
			VALUES ($1, $2, 0, $3, NULLIF($4, ''), $5, now())
			ON CONFLICT (account_address, mint_address) DO UPDATE SET
				decimals = COALESCE(token_balances.decimals, EXCLUDED.decimals),
				owner_address = COALESCE(EXCLUDED.owner_address, token_balances.owner_address)`,
			d.Account, mint, decimalsArg(d.Decimals), d.Owner, d.ProgramID)
	}
	if err != nil {
		return apperr.StdErr("apply token delta "+d.Account, err)
	}
	return nil
}

func decimalsArg(d *uint8) *int16 {
	if d == nil {
		return nil
	}
	v := int16(*d)
	return &v
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

// UpsertAccount records the latest observed state for pubkey.
func (s *Store) UpsertAccount(ctx context.Context, a *AccountRow) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO accounts (pubkey, lamports, owner, data, height, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, now())
		ON CONFLICT (pubkey) DO UPDATE SET
			lamports = EXCLUDED.lamports,
			owner = COALESCE(EXCLUDED.owner, accounts.owner),
			data = EXCLUDED.data,
			height = GREATEST(accounts.height, EXCLUDED.height),
			updated_at = now()`,
		a.Pubkey, a.Lamports, a.Owner, a.Data, int64(a.Height))
	if err != nil {
		return apperr.StdErr("upsert account "+a.Pubkey, err)
	}
	return nil
}

// DeleteAccounts removes accounts by pubkey set.
func (s *Store) DeleteAccounts(ctx context.Context, pubkeys []string) error {
	if len(pubkeys) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM accounts WHERE pubkey = ANY($1)`, pubkeys)
	if err != nil {
		return apperr.StdErr("delete accounts", err)
	}
	return nil
}
