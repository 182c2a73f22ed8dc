package ingest

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasindexer/atlas/internal/apperr"
	"github.com/atlasindexer/atlas/internal/archnode"
	"github.com/atlasindexer/atlas/internal/archnode/wsfeed"
	"github.com/atlasindexer/atlas/internal/checkpoint"
	"github.com/atlasindexer/atlas/internal/decoder"
	"github.com/atlasindexer/atlas/internal/progress"
	"github.com/atlasindexer/atlas/internal/realtime"
	"github.com/atlasindexer/atlas/internal/store"
)

func eventOf(topic string, data json.RawMessage) wsfeed.Event {
	return wsfeed.Event{Topic: topic, Data: data, TS: time.Now()}
}

func newTestReporter() *progress.Reporter {
	return progress.New(0, zerolog.Nop())
}

func hexKey(seed byte) string {
	b := make([]byte, 32)
	for i := range b {
		b[i] = seed
	}
	return hex.EncodeToString(b)
}

// systemTransferDoc is a minimal runtime transaction containing one
// System transfer.
func systemTransferDoc(lamports uint64) json.RawMessage {
	programKey := make([]int, 32)
	raw, _ := hex.DecodeString(decoder.FromAsciiLabel(decoder.LabelSystem))
	for i, c := range raw {
		programKey[i] = int(c)
	}
	mk := func(seed int) []int {
		out := make([]int, 32)
		for i := range out {
			out[i] = seed
		}
		return out
	}
	data := make([]int, 12)
	data[0] = 2
	for i, b := range []byte{
		byte(lamports), byte(lamports >> 8), byte(lamports >> 16), byte(lamports >> 24),
		byte(lamports >> 32), byte(lamports >> 40), byte(lamports >> 48), byte(lamports >> 56),
	} {
		data[4+i] = int(b)
	}
	doc := map[string]any{
		"message": map[string]any{
			"account_keys": []any{programKey, mk(1), mk(2)},
			"instructions": []any{map[string]any{
				"program_id_index": 0,
				"accounts":         []int{1, 2},
				"data":             data,
			}},
		},
		"signatures": []any{mk(9)},
	}
	raw2, _ := json.Marshal(doc)
	return raw2
}

// fakeRPC is an in-memory node.
type fakeRPC struct {
	mu        sync.Mutex
	tip       uint64
	blockTxs  map[uint64][]string // height -> txids
	failFirst map[uint64]int      // height -> remaining BlockHash failures
	missing   map[string]bool     // txids that 404
	mempool   []string
	entries   map[string]json.RawMessage
}

func newFakeRPC(tip uint64, txsPerBlock int) *fakeRPC {
	f := &fakeRPC{
		tip:       tip,
		blockTxs:  make(map[uint64][]string),
		failFirst: make(map[uint64]int),
		missing:   make(map[string]bool),
		entries:   make(map[string]json.RawMessage),
	}
	for h := uint64(0); h <= tip; h++ {
		for i := 0; i < txsPerBlock; i++ {
			f.blockTxs[h] = append(f.blockTxs[h], fmt.Sprintf("tx-%d-%d", h, i))
		}
	}
	return f
}

func (f *fakeRPC) hashFor(height uint64) string { return fmt.Sprintf("hash-%d", height) }

func (f *fakeRPC) BlockCount(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tip, nil
}

func (f *fakeRPC) BlockHash(ctx context.Context, height uint64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if remaining := f.failFirst[height]; remaining > 0 {
		f.failFirst[height] = remaining - 1
		return "", &apperr.RPCUnavailable{Method: "get_block_hash", Cause: fmt.Errorf("injected")}
	}
	if height > f.tip {
		return "", apperr.NotFound
	}
	return f.hashFor(height), nil
}

func (f *fakeRPC) Block(ctx context.Context, hash string) (*archnode.BlockRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var height uint64
	if _, err := fmt.Sscanf(hash, "hash-%d", &height); err != nil {
		return nil, apperr.NotFound
	}
	return &archnode.BlockRecord{
		Height:       height,
		TimestampUS:  1700000000000000 + int64(height),
		Transactions: append([]string(nil), f.blockTxs[height]...),
	}, nil
}

func (f *fakeRPC) ProcessedTx(ctx context.Context, txid string) (*archnode.ProcessedTx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.missing[txid] {
		return nil, apperr.NotFound
	}
	return &archnode.ProcessedTx{
		RuntimeTransaction: systemTransferDoc(1000),
		Status:             json.RawMessage(`{"logs":["ok"],"compute_units_consumed":150}`),
	}, nil
}

func (f *fakeRPC) MempoolTxIDs(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.mempool...), nil
}

func (f *fakeRPC) MempoolEntry(ctx context.Context, txid string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.entries[txid]
	if !ok {
		return nil, apperr.NotFound
	}
	return entry, nil
}

// fakeDB is an in-memory Persister.
type fakeDB struct {
	mu       sync.Mutex
	blocks   map[uint64]*store.BlockRow
	txs      map[string]*store.TransactionRow
	accounts map[string]*store.AccountRow
	mempool  map[string]*store.MempoolTxRow
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		blocks:   make(map[uint64]*store.BlockRow),
		txs:      make(map[string]*store.TransactionRow),
		accounts: make(map[string]*store.AccountRow),
		mempool:  make(map[string]*store.MempoolTxRow),
	}
}

func (f *fakeDB) MaxHeight(ctx context.Context) (uint64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var max uint64
	found := false
	for h := range f.blocks {
		if !found || h > max {
			max = h
			found = true
		}
	}
	return max, found, nil
}

func (f *fakeDB) PersistBlock(ctx context.Context, bundle *store.BlockBundle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	block := bundle.Block
	f.blocks[block.Height] = &block
	for i := range bundle.Txs {
		row := bundle.Txs[i].Row
		f.txs[row.TxID] = &row
	}
	return nil
}

func (f *fakeDB) PersistBatch(ctx context.Context, bundles []*store.BlockBundle) error {
	for _, bundle := range bundles {
		if err := f.PersistBlock(ctx, bundle); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeDB) PersistTransaction(ctx context.Context, tb *store.TxBundle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row := tb.Row
	f.txs[row.TxID] = &row
	return nil
}

func (f *fakeDB) BlockByHeight(ctx context.Context, height uint64) (*store.BlockRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.blocks[height]; ok {
		return b, nil
	}
	return nil, apperr.NotFound
}

func (f *fakeDB) MissingHeights(ctx context.Context, from, to uint64) ([]store.HeightRange, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.HeightRange
	for h := from; h <= to; h++ {
		if _, ok := f.blocks[h]; ok {
			continue
		}
		if n := len(out); n > 0 && out[n-1].To == h-1 {
			out[n-1].To = h
		} else {
			out = append(out, store.HeightRange{From: h, To: h})
		}
	}
	return out, nil
}

func (f *fakeDB) UpsertAccount(ctx context.Context, a *store.AccountRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *a
	f.accounts[a.Pubkey] = &copied
	return nil
}

func (f *fakeDB) UpsertMempoolTx(ctx context.Context, m *store.MempoolTxRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *m
	f.mempool[m.TxID] = &copied
	return nil
}

func (f *fakeDB) ReconcileMempool(ctx context.Context, current []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	keep := make(map[string]bool, len(current))
	for _, txid := range current {
		keep[txid] = true
	}
	for txid := range f.mempool {
		if !keep[txid] {
			delete(f.mempool, txid)
		}
	}
	return nil
}

func (f *fakeDB) BlockActivity(ctx context.Context, height uint64) (int64, map[string]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var count int64
	for _, tx := range f.txs {
		if tx.BlockHeight == height {
			count++
		}
	}
	return count, nil, nil
}

// fakeCP is an in-memory Checkpointer.
type fakeCP struct {
	mu     sync.Mutex
	stages map[string]uint64
}

func newFakeCP() *fakeCP { return &fakeCP{stages: make(map[string]uint64)} }

func (f *fakeCP) Get(stage string) (uint64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.stages[stage]
	return h, ok, nil
}

func (f *fakeCP) Set(stage string, height uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stages[stage] = height
	return nil
}

func testBackfill(rpc RPC, db Persister, cp Checkpointer, opts BackfillOptions) *Backfill {
	fetcher := NewFetcher(rpc, db, 8, 0, zerolog.Nop())
	return NewBackfill(rpc, db, fetcher, cp, &Activity{}, opts, zerolog.Nop())
}

func TestStartHeightEmptyDBFastForward(t *testing.T) {
	b := testBackfill(newFakeRPC(100000, 0), newFakeDB(), newFakeCP(), BackfillOptions{FastForwardWindow: 10000})
	start, err := b.startHeight(context.Background(), 100000)
	require.NoError(t, err)
	assert.Equal(t, uint64(90000), start)
}

func TestStartHeightEmptyDBNoFastForward(t *testing.T) {
	b := testBackfill(newFakeRPC(100, 0), newFakeDB(), newFakeCP(), BackfillOptions{FastForwardWindow: 0})
	start, err := b.startHeight(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), start)
}

func TestStartHeightDBAheadResets(t *testing.T) {
	db := newFakeDB()
	db.blocks[500] = &store.BlockRow{Height: 500}
	b := testBackfill(newFakeRPC(100, 0), db, newFakeCP(), BackfillOptions{})
	start, err := b.startHeight(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), start)
}

func TestStartHeightResumesFromCheckpoint(t *testing.T) {
	cp := newFakeCP()
	require.NoError(t, cp.Set(checkpoint.StageBackfill, 49))
	db := newFakeDB()
	db.blocks[49] = &store.BlockRow{Height: 49}
	b := testBackfill(newFakeRPC(100, 0), db, cp, BackfillOptions{})
	start, err := b.startHeight(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(50), start)
}

func TestProcessRangePersistsAndCheckpoints(t *testing.T) {
	rpc := newFakeRPC(20, 2)
	db := newFakeDB()
	cp := newFakeCP()
	b := testBackfill(rpc, db, cp, BackfillOptions{BatchEmitSize: 8, HeightRetryBackoff: time.Millisecond})

	reporter := newTestReporter()
	require.NoError(t, b.processRange(context.Background(), 0, 20, true, reporter, 20))

	for h := uint64(0); h <= 20; h++ {
		block, ok := db.blocks[h]
		require.True(t, ok, "missing height %d", h)
		assert.Equal(t, rpc.hashFor(h), block.Hash)
		assert.Equal(t, 2, block.TransactionCount)
	}
	assert.Len(t, db.txs, 42)
	got, ok, err := cp.Get(checkpoint.StageBackfill)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(20), got)
}

func TestProcessRangeIdempotent(t *testing.T) {
	rpc := newFakeRPC(5, 1)
	db := newFakeDB()
	b := testBackfill(rpc, db, newFakeCP(), BackfillOptions{HeightRetryBackoff: time.Millisecond})

	require.NoError(t, b.processRange(context.Background(), 0, 5, false, newTestReporter(), 5))
	blocksOnce, txsOnce := len(db.blocks), len(db.txs)
	require.NoError(t, b.processRange(context.Background(), 0, 5, false, newTestReporter(), 5))
	assert.Equal(t, blocksOnce, len(db.blocks))
	assert.Equal(t, txsOnce, len(db.txs))
}

func TestFetchHeightRetriesThenSucceeds(t *testing.T) {
	rpc := newFakeRPC(3, 1)
	rpc.failFirst[2] = 2
	b := testBackfill(rpc, newFakeDB(), newFakeCP(), BackfillOptions{
		MaxHeightRetries:   5,
		HeightRetryBackoff: time.Millisecond,
	})
	bundle, err := b.fetchHeight(context.Background(), 2)
	require.NoError(t, err)
	require.NotNil(t, bundle)
	assert.Equal(t, uint64(2), bundle.Block.Height)
}

func TestFetchHeightSkipsAfterBudget(t *testing.T) {
	rpc := newFakeRPC(3, 1)
	rpc.failFirst[2] = 100
	b := testBackfill(rpc, newFakeDB(), newFakeCP(), BackfillOptions{
		MaxHeightRetries:   3,
		HeightRetryBackoff: time.Millisecond,
	})
	bundle, err := b.fetchHeight(context.Background(), 2)
	require.NoError(t, err)
	assert.Nil(t, bundle) // skipped, reconciled later via Missing
}

func TestMissingBackfillsGaps(t *testing.T) {
	rpc := newFakeRPC(10, 1)
	db := newFakeDB()
	b := testBackfill(rpc, db, newFakeCP(), BackfillOptions{HeightRetryBackoff: time.Millisecond})

	// Pre-seed with gaps at 3..4 and 7.
	for _, h := range []uint64{0, 1, 2, 5, 6, 8, 9, 10} {
		db.blocks[h] = &store.BlockRow{Height: h, Hash: rpc.hashFor(h)}
	}
	require.NoError(t, b.Missing(context.Background()))
	for h := uint64(0); h <= 10; h++ {
		_, ok := db.blocks[h]
		assert.True(t, ok, "height %d still missing", h)
	}
}

func TestBundleSkipsNotFoundTx(t *testing.T) {
	rpc := newFakeRPC(1, 3)
	rpc.missing["tx-1-1"] = true
	fetcher := NewFetcher(rpc, newFakeDB(), 4, 0, zerolog.Nop())
	bundle, err := fetcher.BundleByHeight(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, bundle.Txs, 2)
	for _, tb := range bundle.Txs {
		assert.NotEqual(t, "tx-1-1", tb.Row.TxID)
		assert.Equal(t, []string{"ok"}, tb.Row.Logs)
		require.NotNil(t, tb.Row.ComputeUnitsConsumed)
		assert.Equal(t, uint64(150), *tb.Row.ComputeUnitsConsumed)
		assert.NotEmpty(t, tb.ProgramIDs)
		assert.NotEmpty(t, tb.Participation)
	}
	assert.Positive(t, bundle.Block.BlockSizeBytes)
}

func TestRepairPreviousHashFromStore(t *testing.T) {
	rpc := newFakeRPC(2, 0)
	db := newFakeDB()
	db.blocks[1] = &store.BlockRow{Height: 1, Hash: "hash-1"}
	fetcher := NewFetcher(rpc, db, 4, 0, zerolog.Nop())
	bundle, err := fetcher.BundleByHeight(context.Background(), 2)
	require.NoError(t, err)
	require.NotNil(t, bundle.Block.PreviousBlockHash)
	assert.Equal(t, "hash-1", *bundle.Block.PreviousBlockHash)
}

func TestLiveHandlesBlockEvent(t *testing.T) {
	rpc := newFakeRPC(4, 2)
	db := newFakeDB()
	cp := newFakeCP()
	hub := realtime.NewHub(realtime.Options{}, zerolog.Nop())
	fetcher := NewFetcher(rpc, db, 4, 0, zerolog.Nop())
	live := NewLive(nil, db, fetcher, cp, hub, &Activity{}, zerolog.Nop())

	client := hub.Subscribe()
	defer client.Close()

	data, _ := json.Marshal(map[string]any{"hash": "hash-4", "height": 4})
	require.NoError(t, live.handle(context.Background(), eventOf("block", data)))

	_, ok := db.blocks[4]
	assert.True(t, ok)
	assert.Len(t, db.txs, 2)
	h, ok, err := cp.Get(checkpoint.StageLive)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(4), h)
}

func TestLiveHandlesTransactionEvent(t *testing.T) {
	rpc := newFakeRPC(4, 0)
	db := newFakeDB()
	db.blocks[4] = &store.BlockRow{Height: 4}
	hub := realtime.NewHub(realtime.Options{}, zerolog.Nop())
	fetcher := NewFetcher(rpc, db, 4, 0, zerolog.Nop())
	live := NewLive(nil, db, fetcher, newFakeCP(), hub, &Activity{}, zerolog.Nop())

	data, _ := json.Marshal(map[string]any{"txid": "livetx-1"})
	require.NoError(t, live.handle(context.Background(), eventOf("transaction", data)))

	row, ok := db.txs["livetx-1"]
	require.True(t, ok)
	// Unknown height attributed to current max(blocks).
	assert.Equal(t, uint64(4), row.BlockHeight)
}

func TestLiveHandlesAccountUpdate(t *testing.T) {
	db := newFakeDB()
	hub := realtime.NewHub(realtime.Options{}, zerolog.Nop())
	live := NewLive(nil, db, NewFetcher(newFakeRPC(0, 0), db, 4, 0, zerolog.Nop()), newFakeCP(), hub, &Activity{}, zerolog.Nop())

	data, _ := json.Marshal(map[string]any{
		"pubkey":   hexKey(0x07),
		"lamports": 5000,
		"owner":    hexKey(0x08),
		"height":   12,
	})
	require.NoError(t, live.handle(context.Background(), eventOf("account_update", data)))
	account, ok := db.accounts[hexKey(0x07)]
	require.True(t, ok)
	assert.Equal(t, int64(5000), account.Lamports)
	assert.Equal(t, hexKey(0x08), account.Owner)
	assert.Equal(t, uint64(12), account.Height)
}

func TestMempoolPollUpsertsAndReconciles(t *testing.T) {
	rpc := newFakeRPC(0, 0)
	rpc.mempool = []string{"m1", "m2"}
	rpc.entries["m1"] = json.RawMessage(`{"fee_priority": 7, "size_bytes": 200}`)
	rpc.entries["m2"] = json.RawMessage(`{"fee": 3, "size": 90}`)
	db := newFakeDB()
	db.mempool["stale"] = &store.MempoolTxRow{TxID: "stale"}

	poller := NewMempoolPoller(rpc, db, time.Hour, zerolog.Nop())
	require.NoError(t, poller.poll(context.Background()))

	require.Len(t, db.mempool, 2)
	require.NotNil(t, db.mempool["m1"].FeePriority)
	assert.Equal(t, int64(7), *db.mempool["m1"].FeePriority)
	require.NotNil(t, db.mempool["m2"].FeePriority)
	assert.Equal(t, int64(3), *db.mempool["m2"].FeePriority)
	_, stale := db.mempool["stale"]
	assert.False(t, stale)
}

func TestActivitySignal(t *testing.T) {
	var a Activity
	assert.False(t, a.Active(time.Minute))
	a.Touch()
	assert.True(t, a.Active(time.Minute))
	assert.False(t, a.Active(0))
}
