package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/atlasindexer/atlas/internal/apperr"
	"github.com/atlasindexer/atlas/internal/archnode/wsfeed"
	"github.com/atlasindexer/atlas/internal/checkpoint"
	"github.com/atlasindexer/atlas/internal/decoder"
	"github.com/atlasindexer/atlas/internal/realtime"
	"github.com/atlasindexer/atlas/internal/store"
)

// Live consumes the normalized WS event stream, fetches authoritative
// data over RPC, persists it and feeds the fan-out hub.
type Live struct {
	events   <-chan wsfeed.Event
	db       Persister
	fetcher  *Fetcher
	cp       Checkpointer
	hub      *realtime.Hub
	activity *Activity
	log      zerolog.Logger
}

// NewLive wires the live loop.
func NewLive(events <-chan wsfeed.Event, db Persister, fetcher *Fetcher, cp Checkpointer, hub *realtime.Hub, activity *Activity, log zerolog.Logger) *Live {
	return &Live{
		events:   events,
		db:       db,
		fetcher:  fetcher,
		cp:       cp,
		hub:      hub,
		activity: activity,
		log:      log.With().Str("component", "live").Logger(),
	}
}

// Run processes events until the stream closes or ctx is canceled.
// Event handling errors skip the event and are logged; they never
// stop the loop.
func (l *Live) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-l.events:
			if !ok {
				return errors.New("ws event stream closed")
			}
			l.activity.Touch()
			// The original event goes out before enrichment so
			// subscribers see node order.
			l.hub.Publish(event.Topic, json.RawMessage(event.Data))
			if err := l.handle(ctx, event); err != nil {
				l.log.Warn().Str("topic", event.Topic).Err(err).Msg("event handling failed, skipping")
			}
		}
	}
}

func (l *Live) handle(ctx context.Context, event wsfeed.Event) error {
	switch event.Topic {
	case "block":
		return l.handleBlock(ctx, event.Data)
	case "transaction":
		return l.handleTransaction(ctx, event.Data)
	case "account_update":
		return l.handleAccountUpdate(ctx, event.Data)
	case "rolledback_transactions", "reapplied_transactions", "dkg":
		// Re-broadcast only; the node does not expose enrichment for
		// these yet.
		return nil
	default:
		l.log.Debug().Str("topic", event.Topic).Msg("unhandled ws topic")
		return nil
	}
}

type blockEvent struct {
	Hash   any     `json:"hash"`
	Height *uint64 `json:"height"`
}

func (l *Live) handleBlock(ctx context.Context, data json.RawMessage) error {
	var ev blockEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return apperr.Protocolf("block event: %v", err)
	}
	hash, ok := blockHashString(ev.Hash)
	if !ok {
		return apperr.Protocolf("block event without usable hash: %s", string(data))
	}
	var heightHint uint64
	if ev.Height != nil {
		heightHint = *ev.Height
	}
	bundle, err := l.fetcher.BundleByHash(ctx, hash, heightHint)
	if err != nil {
		return err
	}
	if err = l.db.PersistBlock(ctx, bundle); err != nil {
		return err
	}
	if err = l.cp.Set(checkpoint.StageLive, bundle.Block.Height); err != nil {
		return err
	}

	// Authoritative counts from the persisted tables for the final
	// snapshot; best-effort.
	txCount, programCounts, err := l.db.BlockActivity(ctx, bundle.Block.Height)
	if err != nil {
		l.log.Debug().Err(err).Uint64("height", bundle.Block.Height).Msg("authoritative activity query failed")
		txCount, programCounts = int64(len(bundle.Txs)), nil
	}
	l.hub.OnBlockFinalized(bundle.Block.Height, txCount, programCounts)
	l.hub.Publish("block_persisted", map[string]any{
		"height":   bundle.Block.Height,
		"hash":     bundle.Block.Hash,
		"tx_count": len(bundle.Txs),
	})
	return nil
}

// blockHashString accepts a hash as a plain string or any bytes-ish
// shape.
func blockHashString(v any) (string, bool) {
	if s, ok := v.(string); ok && s != "" {
		return s, true
	}
	return decoder.ResolveKeyHex(v)
}

type transactionEvent struct {
	TxID   any     `json:"txid"`
	Hash   any     `json:"hash"`
	Height *uint64 `json:"block_height"`
}

func (l *Live) handleTransaction(ctx context.Context, data json.RawMessage) error {
	var ev transactionEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return apperr.Protocolf("transaction event: %v", err)
	}
	raw := ev.TxID
	if raw == nil {
		raw = ev.Hash
	}
	txid, ok := blockHashString(raw)
	if !ok {
		return apperr.Protocolf("transaction event without txid: %s", string(data))
	}

	height := uint64(0)
	if ev.Height != nil {
		height = *ev.Height
	} else if maxHeight, ok, err := l.db.MaxHeight(ctx); err == nil && ok {
		// Unknown height: attribute to the highest persisted block, reconciled when
		// the enclosing block arrives.
		height = maxHeight
	}

	tb, err := l.fetcher.TxBundle(ctx, txid, height, time.Now().UTC())
	if err != nil {
		return err
	}
	if err = l.db.PersistTransaction(ctx, tb); err != nil {
		return err
	}
	l.hub.OnTransaction(height, tb.ProgramIDs)
	l.hub.Publish("transaction_persisted", map[string]any{
		"txid":     txid,
		"height":   height,
		"programs": tb.ProgramIDs,
	})
	return nil
}

type accountUpdateEvent struct {
	Pubkey   any    `json:"pubkey"`
	Account  any    `json:"account"`
	Lamports int64  `json:"lamports"`
	Owner    any    `json:"owner"`
	Data     []byte `json:"data"`
	Height   uint64 `json:"height"`
}

func (l *Live) handleAccountUpdate(ctx context.Context, data json.RawMessage) error {
	var ev accountUpdateEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return apperr.Protocolf("account_update event: %v", err)
	}
	raw := ev.Pubkey
	if raw == nil {
		raw = ev.Account
	}
	pubkey, ok := decoder.ResolveKeyHex(raw)
	if !ok {
		return apperr.Protocolf("account_update without pubkey: %s", string(data))
	}
	owner, _ := decoder.ResolveKeyHex(ev.Owner)
	return l.db.UpsertAccount(ctx, &store.AccountRow{
		Pubkey:   pubkey,
		Lamports: ev.Lamports,
		Owner:    owner,
		Data:     ev.Data,
		Height:   ev.Height,
	})
}
