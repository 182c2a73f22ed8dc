// Command atlas runs the Arch chain indexer: the backfill and live
// ingestion loops, the realtime fan-out bridge and the mempool
// mirror, against a Postgres store.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/atlasindexer/atlas/internal/archnode"
	"github.com/atlasindexer/atlas/internal/archnode/wsfeed"
	"github.com/atlasindexer/atlas/internal/checkpoint"
	"github.com/atlasindexer/atlas/internal/config"
	"github.com/atlasindexer/atlas/internal/ingest"
	"github.com/atlasindexer/atlas/internal/realtime"
	"github.com/atlasindexer/atlas/internal/store"
)

func main() {
	log := newLogger()
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("configuration invalid")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil && err != context.Canceled {
		log.Fatal().Err(err).Msg("indexer exited")
	}
	log.Info().Msg("indexer stopped")
}

func newLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(envOr("LOG_LEVEL", "info"))
	if err != nil {
		level = zerolog.InfoLevel
	}
	var log zerolog.Logger
	if envOr("LOG_FORMAT", "console") == "json" {
		log = zerolog.New(os.Stdout)
	} else {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	return log.Level(level).With().Timestamp().Logger()
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func run(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	db, err := store.Open(ctx, cfg.DatabaseURL, store.Options{
		MinConns:    cfg.DBMinConns,
		MaxConns:    cfg.DBMaxConns,
		UseCopyBulk: cfg.UseCopyBulk,
	}, log)
	if err != nil {
		return err
	}
	defer db.Close()

	if cfg.ResetDB || cfg.ResetAndExit {
		if err = db.Reset(ctx); err != nil {
			return err
		}
		if cfg.ResetAndExit {
			log.Info().Msg("reset complete, exiting")
			return nil
		}
	}
	if cfg.ApplyTSTZFix {
		if err = db.ApplyTimestampTZFix(ctx); err != nil {
			return err
		}
	}
	if len(cfg.BuiltinPrograms) > 0 {
		if err = db.SeedBuiltinPrograms(ctx, cfg.BuiltinPrograms); err != nil {
			return err
		}
	}

	cp, err := checkpoint.Open(cfg.CheckpointPath)
	if err != nil {
		return err
	}
	defer cp.Close()

	rpc := archnode.NewClient(cfg.ArchNodeURL, archnode.Options{
		InitialBackoff: time.Duration(cfg.InitialBackoffMS) * time.Millisecond,
		MaxRetries:     cfg.MaxRetries,
		InsecureTLS:    cfg.ArchNodeInsecureTLS,
	}, log)

	activity := &ingest.Activity{}
	fetcher := ingest.NewFetcher(rpc, db, cfg.MaxConcurrency, 0, log)

	if cfg.Runtime == "legacy" {
		log.Info().Msg("running legacy runtime")
		return ingest.NewLegacyRunner(rpc, db, fetcher, cp, log).Run(ctx)
	}

	hub := realtime.NewHub(realtime.Options{
		DebounceInterval: cfg.DebounceInterval,
		ClientBufferSize: cfg.ClientBufferSize,
	}, log)
	feed := wsfeed.New(cfg.ArchNodeWebsocketURL, wsfeed.Options{
		ReconnectInterval:    cfg.ReconnectInterval,
		MaxReconnectAttempts: cfg.MaxReconnectTries,
		ChannelCapacity:      cfg.WSChannelCapacity,
	}, log)

	backfill := ingest.NewBackfill(rpc, db, fetcher, cp, activity, ingest.BackfillOptions{
		FetchWindowSize:   cfg.FetchWindowSize,
		BatchEmitSize:     cfg.BulkBatchSize,
		FastForwardWindow: cfg.FastForwardWindow,
		MaxHeightRetries:  cfg.MaxRetries,
	}, log)
	live := ingest.NewLive(feed.Events(), db, fetcher, cp, hub, activity, log)
	mempool := ingest.NewMempoolPoller(rpc, db, 10*time.Second, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return feed.Run(gctx) })
	g.Go(func() error { return live.Run(gctx) })
	g.Go(func() error { return backfill.Run(gctx) })
	g.Go(func() error { return mempool.Run(gctx) })

	if cfg.RealtimeAddr != "" {
		server := &http.Server{Addr: cfg.RealtimeAddr, Handler: hub.Handler()}
		g.Go(func() error {
			log.Info().Str("addr", cfg.RealtimeAddr).Msg("realtime ws bridge listening")
			err := server.ListenAndServe()
			if err == http.ErrServerClosed {
				return nil
			}
			return err
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}
