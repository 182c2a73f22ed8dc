package ingest

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/atlasindexer/atlas/internal/checkpoint"
	"github.com/atlasindexer/atlas/internal/progress"
	"github.com/atlasindexer/atlas/internal/store"
)

// Checkpointer is the durable stage -> height record.
type Checkpointer interface {
	Get(stage string) (uint64, bool, error)
	Set(stage string, height uint64) error
}

// BackfillOptions tunes the bulk loop.
type BackfillOptions struct {
	FetchWindowSize    int           // default 4096
	BatchEmitSize      int           // default 1000
	FastForwardWindow  uint64        // 0 = start at genesis
	MaxHeightRetries   int           // default 5
	HeightRetryBackoff time.Duration // default 2s
	IdleSleep          time.Duration // default 2s, caught up with tip
	RealtimeIdleSleep  time.Duration // default 10s, live loop covering the tip
}

func (o *BackfillOptions) defaults() {
	if o.FetchWindowSize <= 0 {
		o.FetchWindowSize = 4096
	}
	if o.BatchEmitSize <= 0 {
		o.BatchEmitSize = 1000
	}
	if o.MaxHeightRetries <= 0 {
		o.MaxHeightRetries = 5
	}
	if o.HeightRetryBackoff <= 0 {
		o.HeightRetryBackoff = 2 * time.Second
	}
	if o.IdleSleep <= 0 {
		o.IdleSleep = 2 * time.Second
	}
	if o.RealtimeIdleSleep <= 0 {
		o.RealtimeIdleSleep = 10 * time.Second
	}
}

// Backfill walks [start, tip] with bounded concurrency, persists each
// chunk through PersistBatch, and advances the durable checkpoint only
// after the chunk commits.
type Backfill struct {
	rpc      RPC
	db       Persister
	fetcher  *Fetcher
	cp       Checkpointer
	activity *Activity
	opts     BackfillOptions
	log      zerolog.Logger
}

// NewBackfill wires the bulk loop.
func NewBackfill(rpc RPC, db Persister, fetcher *Fetcher, cp Checkpointer, activity *Activity, opts BackfillOptions, log zerolog.Logger) *Backfill {
	opts.defaults()
	return &Backfill{
		rpc:      rpc,
		db:       db,
		fetcher:  fetcher,
		cp:       cp,
		activity: activity,
		opts:     opts,
		log:      log.With().Str("component", "backfill").Logger(),
	}
}

// Run is the long-running bulk loop. Returns when the initial tip or
// start height cannot be read, on ctx cancellation, or on a fatal
// checkpoint failure; a failed chunk persist is retried after
// HeightRetryBackoff.
func (b *Backfill) Run(ctx context.Context) error {
	tip, err := b.rpc.BlockCount(ctx)
	if err != nil {
		return err
	}
	start, err := b.startHeight(ctx, tip)
	if err != nil {
		return err
	}
	reporter := progress.New(start, b.log)
	b.log.Info().Uint64("start", start).Uint64("tip", tip).Msg("backfill starting")

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if start > tip {
			tip, err = b.rpc.BlockCount(ctx)
			if err != nil {
				b.log.Warn().Err(err).Msg("tip refresh failed")
			}
			if start > tip {
				sleep := b.opts.IdleSleep
				if b.activity != nil && b.activity.Active(30*time.Second) {
					// The live loop is covering the tip; back off harder.
					sleep = b.opts.RealtimeIdleSleep
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(sleep):
				}
				continue
			}
		}

		end := start + uint64(b.opts.FetchWindowSize) - 1
		if end > tip {
			end = tip
		}
		if err = b.processRange(ctx, start, end, true, reporter, tip); err != nil {
			return err
		}
		start = end + 1

		tip, err = b.rpc.BlockCount(ctx)
		if err != nil {
			b.log.Warn().Err(err).Msg("tip refresh failed")
		}
	}
}

// startHeight picks where the bulk loop begins: resume past the
// checkpoint, fast-forward an empty database, reset to 0 when the
// database is somehow ahead of the node tip.
func (b *Backfill) startHeight(ctx context.Context, tip uint64) (uint64, error) {
	maxHeight, hasBlocks, err := b.db.MaxHeight(ctx)
	if err != nil {
		return 0, err
	}
	if hasBlocks && maxHeight > tip {
		b.log.Warn().Uint64("db_height", maxHeight).Uint64("tip", tip).
			Msg("database ahead of node tip, resetting start to 0")
		return 0, nil
	}
	if cpHeight, ok, err := b.cp.Get(checkpoint.StageBackfill); err != nil {
		return 0, err
	} else if ok {
		return cpHeight + 1, nil
	}
	if !hasBlocks {
		if b.opts.FastForwardWindow > 0 && tip > b.opts.FastForwardWindow {
			start := tip - b.opts.FastForwardWindow
			b.log.Info().Uint64("start", start).Msg("empty database, fast-forwarding")
			return start, nil
		}
		return 0, nil
	}
	return maxHeight + 1, nil
}

// processRange ingests [from, to] in emit-size chunks. When advance is
// true the backfill checkpoint moves to the end of each committed
// chunk and progress is sampled.
func (b *Backfill) processRange(ctx context.Context, from, to uint64, advance bool, reporter *progress.Reporter, tip uint64) error {
	for chunkStart := from; chunkStart <= to; {
		chunkEnd := chunkStart + uint64(b.opts.BatchEmitSize) - 1
		if chunkEnd > to {
			chunkEnd = to
		}
		bundles, err := b.fetchChunk(ctx, chunkStart, chunkEnd)
		if err != nil {
			return err
		}
		for {
			if err = b.db.PersistBatch(ctx, bundles); err == nil {
				break
			}
			b.log.Warn().Uint64("from", chunkStart).Uint64("to", chunkEnd).Err(err).Msg("chunk persist failed, retrying")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(b.opts.HeightRetryBackoff):
			}
		}
		if advance {
			if err = b.cp.Set(checkpoint.StageBackfill, chunkEnd); err != nil {
				return err
			}
			maxHeight := chunkEnd
			if n := len(bundles); n > 0 && bundles[n-1].Block.Height > maxHeight {
				maxHeight = bundles[n-1].Block.Height
			}
			reporter.Sample(maxHeight, tip)
		}
		chunkStart = chunkEnd + 1
	}
	return nil
}

// fetchChunk fetches [from, to] concurrently, retrying each height up
// to the budget and skipping (with a log line for later
// reconciliation) only after it is spent.
func (b *Backfill) fetchChunk(ctx context.Context, from, to uint64) ([]*store.BlockBundle, error) {
	count := int(to - from + 1)
	results := make([]*store.BlockBundle, count)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < count; i++ {
		i := i
		height := from + uint64(i)
		g.Go(func() error {
			bundle, err := b.fetchHeight(gctx, height)
			if err != nil {
				return err
			}
			results[i] = bundle
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	bundles := make([]*store.BlockBundle, 0, count)
	for _, bundle := range results {
		if bundle != nil {
			bundles = append(bundles, bundle)
		}
	}
	sort.Slice(bundles, func(i, j int) bool { return bundles[i].Block.Height < bundles[j].Block.Height })
	return bundles, nil
}

// fetchHeight retries one height with constant backoff. A nil, nil
// return means the height was skipped after max retries.
func (b *Backfill) fetchHeight(ctx context.Context, height uint64) (*store.BlockBundle, error) {
	var lastErr error
	for attempt := 1; attempt <= b.opts.MaxHeightRetries; attempt++ {
		bundle, err := b.fetcher.BundleByHeight(ctx, height)
		if err == nil {
			return bundle, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		b.log.Warn().Uint64("height", height).Int("attempt", attempt).Err(err).
			Msg("height fetch failed, backing off")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(b.opts.HeightRetryBackoff):
		}
	}
	b.log.Error().Uint64("height", height).Err(lastErr).
		Msg("height skipped after max retries, reconcile via missing-height backfill")
	return nil, nil
}

// Range is the administrative backfill-by-range entry point. It does
// not move the checkpoint.
func (b *Backfill) Range(ctx context.Context, from, to uint64) error {
	if from > to {
		from, to = to, from
	}
	reporter := progress.New(from, b.log)
	return b.processRange(ctx, from, to, false, reporter, to)
}

// Missing finds gaps in the committed range and backfills each.
func (b *Backfill) Missing(ctx context.Context) error {
	maxHeight, ok, err := b.db.MaxHeight(ctx)
	if err != nil || !ok {
		return err
	}
	gaps, err := b.db.MissingHeights(ctx, 0, maxHeight)
	if err != nil {
		return err
	}
	for _, gap := range gaps {
		b.log.Info().Uint64("from", gap.From).Uint64("to", gap.To).Msg("backfilling gap")
		if err = b.Range(ctx, gap.From, gap.To); err != nil {
			return err
		}
	}
	return nil
}
