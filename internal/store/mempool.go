package store

import (
	"context"
	"time"

	"github.com/atlasindexer/atlas/internal/apperr"
)

// UpsertMempoolTx records a mempool observation.
func (s *Store) UpsertMempoolTx(ctx context.Context, m *MempoolTxRow) error {
	addedAt := m.AddedAt
	if addedAt.IsZero() {
		addedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO mempool_transactions (txid, fee_priority, size_bytes, added_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (txid) DO UPDATE SET
			fee_priority = COALESCE(EXCLUDED.fee_priority, mempool_transactions.fee_priority),
			size_bytes = COALESCE(EXCLUDED.size_bytes, mempool_transactions.size_bytes)`,
		m.TxID, m.FeePriority, m.SizeBytes, addedAt)
	if err != nil {
		return apperr.StdErr("upsert mempool tx "+m.TxID, err)
	}
	return nil
}

// ReconcileMempool drops mempool rows whose txids have been persisted
// as confirmed transactions, and any not in the node's current set.
func (s *Store) ReconcileMempool(ctx context.Context, current []string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM mempool_transactions m
		WHERE EXISTS (SELECT 1 FROM transactions t WHERE t.txid = m.txid AND t.block_height > 0)
		   OR NOT (m.txid = ANY($1))`, current)
	if err != nil {
		return apperr.StdErr("reconcile mempool", err)
	}
	return nil
}

// MempoolStats reports the transient pool size and fee spread.
type MempoolStats struct {
	Count          int64
	TotalSizeBytes int64
	MaxFeePriority *int64
	MinFeePriority *int64
}

// MempoolStatsNow aggregates the current mempool table.
func (s *Store) MempoolStatsNow(ctx context.Context) (*MempoolStats, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var stats MempoolStats
	err := s.pool.QueryRow(ctx, `
		SELECT count(*), COALESCE(sum(size_bytes), 0), max(fee_priority), min(fee_priority)
		FROM mempool_transactions`).
		Scan(&stats.Count, &stats.TotalSizeBytes, &stats.MaxFeePriority, &stats.MinFeePriority)
	if err != nil {
		return nil, apperr.StdErr("mempool stats", err)
	}
	return &stats, nil
}

// RecentMempool lists the newest mempool transactions, capped at 50.
func (s *Store) RecentMempool(ctx context.Context) ([]*MempoolTxRow, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	rows, err := s.pool.Query(ctx, `
		SELECT txid, fee_priority, size_bytes, added_at
		FROM mempool_transactions ORDER BY added_at DESC LIMIT 50`)
	if err != nil {
		return nil, apperr.StdErr("recent mempool", err)
	}
	defer rows.Close()
	var out []*MempoolTxRow
	for rows.Next() {
		var m MempoolTxRow
		if err = rows.Scan(&m.TxID, &m.FeePriority, &m.SizeBytes, &m.AddedAt); err != nil {
			return nil, apperr.StdErr("scan mempool tx", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}
