package ingest

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/atlasindexer/atlas/internal/checkpoint"
)

// LegacyRunner is the INDEXER_RUNTIME=legacy mode: one block at a
// time, no fan-out, no windowing. Kept as the simple reference loop
// the pipelined runtime is compared against.
type LegacyRunner struct {
	rpc     RPC
	db      Persister
	fetcher *Fetcher
	cp      Checkpointer
	log     zerolog.Logger
}

// NewLegacyRunner wires the direct loop.
func NewLegacyRunner(rpc RPC, db Persister, fetcher *Fetcher, cp Checkpointer, log zerolog.Logger) *LegacyRunner {
	return &LegacyRunner{
		rpc:     rpc,
		db:      db,
		fetcher: fetcher,
		cp:      cp,
		log:     log.With().Str("component", "legacy").Logger(),
	}
}

// Run ingests sequentially from the checkpoint to the tip, then tails
// the tip.
func (r *LegacyRunner) Run(ctx context.Context) error {
	height := uint64(0)
	if cpHeight, ok, err := r.cp.Get(checkpoint.StageBackfill); err != nil {
		return err
	} else if ok {
		height = cpHeight + 1
	}
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		tip, err := r.rpc.BlockCount(ctx)
		if err != nil {
			r.log.Warn().Err(err).Msg("tip query failed")
			sleepCtx(ctx, 2*time.Second)
			continue
		}
		if height > tip {
			sleepCtx(ctx, 2*time.Second)
			continue
		}
		bundle, err := r.fetcher.BundleByHeight(ctx, height)
		if err != nil {
			r.log.Warn().Uint64("height", height).Err(err).Msg("fetch failed, retrying")
			sleepCtx(ctx, 2*time.Second)
			continue
		}
		if err = r.db.PersistBlock(ctx, bundle); err != nil {
			r.log.Warn().Uint64("height", height).Err(err).Msg("persist failed, retrying")
			sleepCtx(ctx, 2*time.Second)
			continue
		}
		if err = r.cp.Set(checkpoint.StageBackfill, height); err != nil {
			return err
		}
		height++
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
