package store

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/atlasindexer/atlas/internal/apperr"
)

// persistBatchCopy is the ATLAS_USE_COPY_BULK=1 fast path: stream the
// whole batch through binary COPY into ON COMMIT DROP temp tables,
// then merge with INSERT ... SELECT ... ON CONFLICT. COPY is stateful,
// so the entire batch runs on one dedicated pooled connection inside
// one transaction.
func (s *Store) persistBatchCopy(ctx context.Context, bundles []*BlockBundle) error {
	if len(bundles) == 0 {
		return nil
	}
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return apperr.StdErr("acquire copy conn", err)
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return apperr.StdErr("begin copy tx", err)
	}
	defer tx.Rollback(ctx)

	if err = copyBlocks(ctx, tx, bundles); err != nil {
		return err
	}
	if err = copyTransactions(ctx, tx, bundles); err != nil {
		return err
	}
	if err = copyParticipation(ctx, tx, bundles); err != nil {
		return err
	}
	if err = copyProgramLinks(ctx, tx, bundles); err != nil {
		return err
	}
	// Token effects are low cardinality per block and need per-row mint
	// resolution, so they stay on the parameterized path even in bulk.
	for _, bundle := range bundles {
		for i := range bundle.Txs {
			if err = applyTokenDeltas(ctx, tx, bundle.Txs[i].TokenDeltas); err != nil {
				return err
			}
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return apperr.StdErr("commit copy tx", err)
	}
	return nil
}

func copyBlocks(ctx context.Context, tx pgx.Tx, bundles []*BlockBundle) error {
	_, err := tx.Exec(ctx, `
		CREATE TEMP TABLE blocks_stage (LIKE blocks INCLUDING DEFAULTS) ON COMMIT DROP`)
	if err != nil {
		return apperr.StdErr("create blocks_stage", err)
	}
	rows := make([][]any, 0, len(bundles))
	for _, bundle := range bundles {
		b := &bundle.Block
		rows = append(rows, []any{
			int64(b.Height), b.Hash, b.Timestamp, b.BitcoinBlockHeight,
			b.PreviousBlockHash, b.TransactionCount, b.BlockSizeBytes,
		})
	}
	_, err = tx.CopyFrom(ctx, pgx.Identifier{"blocks_stage"},
		[]string{"height", "hash", "timestamp", "bitcoin_block_height", "previous_block_hash", "transaction_count", "block_size_bytes"},
		pgx.CopyFromRows(rows))
	if err != nil {
		return apperr.StdErr("copy blocks", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO blocks (height, hash, timestamp, bitcoin_block_height, previous_block_hash, transaction_count, block_size_bytes)
		SELECT height, hash, timestamp, bitcoin_block_height, previous_block_hash, transaction_count, block_size_bytes
		FROM blocks_stage
		ON CONFLICT (height) DO UPDATE SET
			hash = EXCLUDED.hash,
			timestamp = EXCLUDED.timestamp,
			bitcoin_block_height = EXCLUDED.bitcoin_block_height,
			previous_block_hash = COALESCE(EXCLUDED.previous_block_hash, blocks.previous_block_hash),
			transaction_count = EXCLUDED.transaction_count,
			block_size_bytes = EXCLUDED.block_size_bytes`)
	if err != nil {
		return apperr.StdErr("merge blocks_stage", err)
	}
	return nil
}

func copyTransactions(ctx context.Context, tx pgx.Tx, bundles []*BlockBundle) error {
	rows := make([][]any, 0, 256)
	for _, bundle := range bundles {
		for i := range bundle.Txs {
			r := &bundle.Txs[i].Row
			rows = append(rows, []any{
				r.TxID, int64(r.BlockHeight), r.Data, nullableJSON(r.Status),
				r.BitcoinTxIDs, r.Logs, r.CreatedAt, r.ComputeUnitsConsumed,
			})
		}
	}
	if len(rows) == 0 {
		return nil
	}
	_, err := tx.Exec(ctx, `
		CREATE TEMP TABLE transactions_stage (LIKE transactions INCLUDING DEFAULTS) ON COMMIT DROP`)
	if err != nil {
		return apperr.StdErr("create transactions_stage", err)
	}
	_, err = tx.CopyFrom(ctx, pgx.Identifier{"transactions_stage"},
		[]string{"txid", "block_height", "data", "status", "bitcoin_txids", "logs", "created_at", "compute_units_consumed"},
		pgx.CopyFromRows(rows))
	if err != nil {
		return apperr.StdErr("copy transactions", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO transactions (txid, block_height, data, status, bitcoin_txids, logs, created_at, compute_units_consumed)
		SELECT DISTINCT ON (txid) txid, block_height, data, status, bitcoin_txids, logs, created_at, compute_units_consumed
		FROM transactions_stage
		ON CONFLICT (txid) DO UPDATE SET
			block_height = GREATEST(transactions.block_height, EXCLUDED.block_height),
			data = EXCLUDED.data,
			status = EXCLUDED.status,
			bitcoin_txids = EXCLUDED.bitcoin_txids,
			logs = EXCLUDED.logs,
			compute_units_consumed = COALESCE(EXCLUDED.compute_units_consumed, transactions.compute_units_consumed)`)
	if err != nil {
		return apperr.StdErr("merge transactions_stage", err)
	}
	return nil
}

func copyParticipation(ctx context.Context, tx pgx.Tx, bundles []*BlockBundle) error {
	rows := make([][]any, 0, 512)
	for _, bundle := range bundles {
		for i := range bundle.Txs {
			tb := &bundle.Txs[i]
			for _, addr := range tb.Participation {
				rows = append(rows, []any{addr, tb.Row.TxID, int64(tb.Row.BlockHeight), tb.Row.CreatedAt})
			}
		}
	}
	if len(rows) == 0 {
		return nil
	}
	_, err := tx.Exec(ctx, `
		CREATE TEMP TABLE participation_stage (LIKE account_participation INCLUDING DEFAULTS) ON COMMIT DROP`)
	if err != nil {
		return apperr.StdErr("create participation_stage", err)
	}
	_, err = tx.CopyFrom(ctx, pgx.Identifier{"participation_stage"},
		[]string{"address_hex", "txid", "block_height", "created_at"},
		pgx.CopyFromRows(rows))
	if err != nil {
		return apperr.StdErr("copy participation", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO account_participation (address_hex, txid, block_height, created_at)
		SELECT DISTINCT ON (address_hex, txid) address_hex, txid, block_height, created_at
		FROM participation_stage
		ON CONFLICT (address_hex, txid) DO NOTHING`)
	if err != nil {
		return apperr.StdErr("merge participation_stage", err)
	}
	return nil
}

// copyProgramLinks stages (txid, program_id) pairs, merges them with
// DO NOTHING, and bumps programs.transaction_count by the number of
// links that actually landed, so bulk re-ingestion never double-counts.
func copyProgramLinks(ctx context.Context, tx pgx.Tx, bundles []*BlockBundle) error {
	rows := make([][]any, 0, 256)
	for _, bundle := range bundles {
		for i := range bundle.Txs {
			tb := &bundle.Txs[i]
			for _, programID := range tb.ProgramIDs {
				rows = append(rows, []any{tb.Row.TxID, programID})
			}
		}
	}
	if len(rows) == 0 {
		return nil
	}
	_, err := tx.Exec(ctx, `
		CREATE TEMP TABLE links_stage (LIKE transaction_programs INCLUDING DEFAULTS) ON COMMIT DROP`)
	if err != nil {
		return apperr.StdErr("create links_stage", err)
	}
	_, err = tx.CopyFrom(ctx, pgx.Identifier{"links_stage"},
		[]string{"txid", "program_id"},
		pgx.CopyFromRows(rows))
	if err != nil {
		return apperr.StdErr("copy links", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO programs (program_id)
		SELECT DISTINCT program_id FROM links_stage
		ON CONFLICT (program_id) DO UPDATE SET last_seen_at = now()`)
	if err != nil {
		return apperr.StdErr("merge programs", err)
	}
	_, err = tx.Exec(ctx, `
		WITH ins AS (
			INSERT INTO transaction_programs (txid, program_id)
			SELECT DISTINCT txid, program_id FROM links_stage
			ON CONFLICT DO NOTHING
			RETURNING program_id
		)
		UPDATE programs p
		SET transaction_count = p.transaction_count + landed.n
		FROM (SELECT program_id, count(*) AS n FROM ins GROUP BY program_id) landed
		WHERE p.program_id = landed.program_id`)
	if err != nil {
		return apperr.StdErr("merge links_stage", err)
	}
	return nil
}
