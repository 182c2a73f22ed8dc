package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/atlasindexer/atlas/internal/apperr"
	"github.com/atlasindexer/atlas/internal/store"
)

// MempoolPoller mirrors the node mempool into the transient
// mempool_transactions table and reconciles it against persisted
// transactions.
type MempoolPoller struct {
	rpc      RPC
	db       Persister
	interval time.Duration
	log      zerolog.Logger
}

// NewMempoolPoller builds a poller; interval defaults to 10s.
func NewMempoolPoller(rpc RPC, db Persister, interval time.Duration, log zerolog.Logger) *MempoolPoller {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &MempoolPoller{
		rpc:      rpc,
		db:       db,
		interval: interval,
		log:      log.With().Str("component", "mempool").Logger(),
	}
}

// Run polls until ctx is canceled. Poll failures are logged and the
// next tick retries.
func (p *MempoolPoller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.poll(ctx); err != nil {
				p.log.Warn().Err(err).Msg("mempool poll failed")
			}
		}
	}
}

func (p *MempoolPoller) poll(ctx context.Context) error {
	txids, err := p.rpc.MempoolTxIDs(ctx)
	if err != nil {
		return err
	}
	for _, txid := range txids {
		entry, err := p.rpc.MempoolEntry(ctx, txid)
		if err != nil {
			if errors.Is(err, apperr.NotFound) {
				continue // left the pool between the two calls
			}
			return err
		}
		row := &store.MempoolTxRow{TxID: txid}
		fillMempoolRow(row, entry)
		if err = p.db.UpsertMempoolTx(ctx, row); err != nil {
			return err
		}
	}
	return p.db.ReconcileMempool(ctx, txids)
}

// fillMempoolRow extracts fee/size hints from the opaque entry.
func fillMempoolRow(row *store.MempoolTxRow, entry json.RawMessage) {
	if len(entry) == 0 {
		return
	}
	var parsed struct {
		FeePriority *int64 `json:"fee_priority"`
		Fee         *int64 `json:"fee"`
		SizeBytes   *int64 `json:"size_bytes"`
		Size        *int64 `json:"size"`
	}
	if err := json.Unmarshal(entry, &parsed); err != nil {
		return
	}
	row.FeePriority = parsed.FeePriority
	if row.FeePriority == nil {
		row.FeePriority = parsed.Fee
	}
	row.SizeBytes = parsed.SizeBytes
	if row.SizeBytes == nil {
		row.SizeBytes = parsed.Size
	}
}
