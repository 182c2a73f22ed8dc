// Package ingest composes the RPC client, WS event source and the
// decoder into the two cooperating loops that fill the store: the
// backfill loop walking [start, tip] and the live loop consuming the
// node's event feed. Persistence is idempotent, so the loops never
// coordinate beyond the shared database and the Activity signal.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/atlasindexer/atlas/internal/apperr"
	"github.com/atlasindexer/atlas/internal/archnode"
	"github.com/atlasindexer/atlas/internal/decoder"
	"github.com/atlasindexer/atlas/internal/store"
)

// RPC is the node client surface the pipeline consumes.
type RPC interface {
	BlockCount(ctx context.Context) (uint64, error)
	BlockHash(ctx context.Context, height uint64) (string, error)
	Block(ctx context.Context, hash string) (*archnode.BlockRecord, error)
	ProcessedTx(ctx context.Context, txid string) (*archnode.ProcessedTx, error)
	MempoolTxIDs(ctx context.Context) ([]string, error)
	MempoolEntry(ctx context.Context, txid string) (json.RawMessage, error)
}

// Persister is the store surface the pipeline writes through.
type Persister interface {
	MaxHeight(ctx context.Context) (uint64, bool, error)
	PersistBlock(ctx context.Context, bundle *store.BlockBundle) error
	PersistBatch(ctx context.Context, bundles []*store.BlockBundle) error
	PersistTransaction(ctx context.Context, tb *store.TxBundle) error
	BlockByHeight(ctx context.Context, height uint64) (*store.BlockRow, error)
	MissingHeights(ctx context.Context, from, to uint64) ([]store.HeightRange, error)
	UpsertAccount(ctx context.Context, a *store.AccountRow) error
	UpsertMempoolTx(ctx context.Context, m *store.MempoolTxRow) error
	ReconcileMempool(ctx context.Context, current []string) error
	BlockActivity(ctx context.Context, height uint64) (int64, map[string]int64, error)
}

// Fetcher turns node RPC results into store bundles with bounded
// concurrency and a shared rate budget across both loops.
type Fetcher struct {
	rpc     RPC
	db      Persister
	sem     chan struct{}
	limiter *rate.Limiter
	log     zerolog.Logger
}

// NewFetcher builds a fetcher capped at maxConcurrency in-flight
// transaction fetches. rps <= 0 disables rate shaping.
func NewFetcher(rpc RPC, db Persister, maxConcurrency int, rps float64, log zerolog.Logger) *Fetcher {
	if maxConcurrency <= 0 {
		maxConcurrency = 64
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(rps), maxConcurrency)
	}
	return &Fetcher{
		rpc:     rpc,
		db:      db,
		sem:     make(chan struct{}, maxConcurrency),
		limiter: limiter,
		log:     log.With().Str("component", "fetcher").Logger(),
	}
}

func (f *Fetcher) acquire(ctx context.Context) error {
	if err := f.limiter.Wait(ctx); err != nil {
		return err
	}
	select {
	case f.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Fetcher) release() { <-f.sem }

// BundleByHeight fetches the block at height and all its transactions,
// decodes them and returns the persistence bundle.
func (f *Fetcher) BundleByHeight(ctx context.Context, height uint64) (*store.BlockBundle, error) {
	if err := f.acquire(ctx); err != nil {
		return nil, err
	}
	hash, err := f.rpc.BlockHash(ctx, height)
	f.release()
	if err != nil {
		return nil, err
	}
	return f.BundleByHash(ctx, hash, height)
}

// BundleByHash fetches and decodes the block with hash. heightHint is
// used when the node's block record carries no height of its own.
func (f *Fetcher) BundleByHash(ctx context.Context, hash string, heightHint uint64) (*store.BlockBundle, error) {
	if err := f.acquire(ctx); err != nil {
		return nil, err
	}
	record, err := f.rpc.Block(ctx, hash)
	f.release()
	if err != nil {
		return nil, err
	}

	height := record.Height
	if height == 0 && heightHint > 0 {
		height = heightHint
	}
	bundle := &store.BlockBundle{
		Block: store.BlockRow{
			Height:             height,
			Hash:               hash,
			Timestamp:          time.UnixMicro(record.TimestampUS).UTC(),
			BitcoinBlockHeight: record.BitcoinBlockHeight,
			TransactionCount:   len(record.Transactions),
		},
	}
	if record.PreviousBlockHash != "" {
		prev := record.PreviousBlockHash
		bundle.Block.PreviousBlockHash = &prev
	} else if height > 0 {
		f.repairPreviousHash(ctx, &bundle.Block)
	}

	createdAt := bundle.Block.Timestamp
	bundle.Txs = make([]store.TxBundle, len(record.Transactions))
	g, gctx := errgroup.WithContext(ctx)
	for i, txid := range record.Transactions {
		i, txid := i, txid
		g.Go(func() error {
			tb, err := f.TxBundle(gctx, txid, height, createdAt)
			if err != nil {
				if errors.Is(err, apperr.NotFound) {
					f.log.Warn().Str("txid", txid).Uint64("height", height).
						Msg("processed transaction not found, skipping")
					return nil
				}
				return err
			}
			bundle.Txs[i] = *tb
			return nil
		})
	}
	if err = g.Wait(); err != nil {
		return nil, err
	}
	// Compact slots left empty by skipped not-found transactions.
	kept := bundle.Txs[:0]
	var sizeBytes int64
	for i := range bundle.Txs {
		if bundle.Txs[i].Row.TxID == "" {
			continue
		}
		kept = append(kept, bundle.Txs[i])
		sizeBytes += int64(decoder.EstimateWireSize(bundle.Txs[i].Row.Data))
	}
	bundle.Txs = kept
	bundle.Block.BlockSizeBytes = sizeBytes
	return bundle, nil
}

// repairPreviousHash is best-effort: persisted predecessor first, then
// one RPC call. Never blocks ingestion on failure.
func (f *Fetcher) repairPreviousHash(ctx context.Context, b *store.BlockRow) {
	if prev, err := f.db.BlockByHeight(ctx, b.Height-1); err == nil {
		b.PreviousBlockHash = &prev.Hash
		return
	}
	if hash, err := f.rpc.BlockHash(ctx, b.Height-1); err == nil && hash != "" {
		b.PreviousBlockHash = &hash
	}
}

// TxBundle fetches one processed transaction and decodes it.
func (f *Fetcher) TxBundle(ctx context.Context, txid string, blockHeight uint64, createdAt time.Time) (*store.TxBundle, error) {
	if err := f.acquire(ctx); err != nil {
		return nil, err
	}
	ptx, err := f.rpc.ProcessedTx(ctx, txid)
	f.release()
	if err != nil {
		return nil, err
	}
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	res := decoder.Decode(ptx.RuntimeTransaction)
	logs, computeUnits := statusDetails(ptx.Status)
	return &store.TxBundle{
		Row: store.TransactionRow{
			TxID:                 txid,
			BlockHeight:          blockHeight,
			Data:                 ptx.RuntimeTransaction,
			Status:               ptx.Status,
			BitcoinTxIDs:         ptx.BitcoinTxIDs,
			Logs:                 logs,
			CreatedAt:            createdAt,
			ComputeUnitsConsumed: computeUnits,
		},
		ProgramIDs:    res.ProgramIDs,
		Participation: res.Participation,
		Actions:       res.Actions,
		TokenDeltas:   res.TokenDeltas,
	}, nil
}

// statusDetails extracts the execution log lines and compute units
// from the opaque status document, tolerating both the flat and the
// {Processed:{...}} envelope shapes.
func statusDetails(status json.RawMessage) ([]string, *uint64) {
	if len(status) == 0 {
		return nil, nil
	}
	var flat struct {
		Logs                 []string `json:"logs"`
		ComputeUnitsConsumed *uint64  `json:"compute_units_consumed"`
		Processed            *struct {
			Logs                 []string `json:"logs"`
			ComputeUnitsConsumed *uint64  `json:"compute_units_consumed"`
		} `json:"Processed"`
	}
	if err := json.Unmarshal(status, &flat); err != nil {
		return nil, nil
	}
	if flat.Processed != nil {
		return flat.Processed.Logs, flat.Processed.ComputeUnitsConsumed
	}
	return flat.Logs, flat.ComputeUnitsConsumed
}
