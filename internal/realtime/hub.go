// Package realtime is the in-process fan-out hub: it debounces
// per-height activity counters fed by the live loop and multiplexes
// enriched events to subscribed WebSocket clients with bounded
// per-client buffers.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/rs/zerolog"
)

const (
	topKPrograms = 32
	// finalized activity entries idle longer than this are dropped.
	finalizedTTL = 30 * time.Second
)

// blockActivity is the per-in-flight-height counter set.
type blockActivity struct {
	txCount       int64
	programCounts map[string]int64
	seenPrograms  mapset.Set[string]
	lastEmit      time.Time
	dirty         bool
	finalized     bool
	finalizedAt   time.Time
}

// ProgramCount is one entry of a snapshot's top-K table.
type ProgramCount struct {
	ProgramID string `json:"program_id"`
	Count     int64  `json:"count"`
}

// ActivitySnapshot is the debounced block_activity payload.
type ActivitySnapshot struct {
	Height        uint64         `json:"height"`
	TxCount       int64          `json:"tx_count"`
	ProgramCounts []ProgramCount `json:"program_counts"`
	Finalized     bool           `json:"finalized"`
	TimestampMS   int64          `json:"timestamp_ms"`
}

// Envelope is the server -> client frame shape.
type Envelope struct {
	Topic     string `json:"topic"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

// Options tunes debounce and client buffering.
type Options struct {
	DebounceInterval time.Duration // default 250ms
	ClientBufferSize int           // default 100
}

// Hub owns the aggregator state and the subscriber set.
type Hub struct {
	opts Options
	log  zerolog.Logger

	mu       sync.Mutex
	activity map[uint64]*blockActivity
	clients  map[uint64]*Client
	nextID   uint64
}

// NewHub builds an idle hub; call Run to start the debounce flusher.
func NewHub(opts Options, log zerolog.Logger) *Hub {
	if opts.DebounceInterval <= 0 {
		opts.DebounceInterval = 250 * time.Millisecond
	}
	if opts.ClientBufferSize <= 0 {
		opts.ClientBufferSize = 100
	}
	return &Hub{
		opts:     opts,
		log:      log.With().Str("component", "realtime").Logger(),
		activity: make(map[uint64]*blockActivity),
		clients:  make(map[uint64]*Client),
	}
}

// Run flushes dirty debounced snapshots and expires finalized entries
// until ctx is canceled.
func (h *Hub) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.opts.DebounceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return ctx.Err()
		case <-ticker.C:
			h.flush()
		}
	}
}

// OnTransaction advances the counters for height.
func (h *Hub) OnTransaction(height uint64, programIDs []string) {
	h.mu.Lock()
	act := h.activityLocked(height)
	act.txCount++
	for _, id := range programIDs {
		act.programCounts[id]++
		act.seenPrograms.Add(id)
	}
	emit := h.maybeSnapshotLocked(height, act)
	h.mu.Unlock()
	if emit != nil {
		h.Publish("block_activity", emit)
	}
}

// OnBlockFinalized marks height final. When authoritative counts are
// available (computed from the persisted tables) they replace the
// incremental ones before the final snapshot goes out.
func (h *Hub) OnBlockFinalized(height uint64, txCount int64, programCounts map[string]int64) {
	h.mu.Lock()
	act := h.activityLocked(height)
	act.finalized = true
	act.finalizedAt = time.Now()
	if txCount > 0 || len(programCounts) > 0 {
		act.txCount = txCount
		if len(programCounts) > 0 {
			act.programCounts = programCounts
			act.seenPrograms = mapset.NewSet[string]()
			for id := range programCounts {
				act.seenPrograms.Add(id)
			}
		}
	}
	snapshot := snapshotLocked(height, act)
	act.lastEmit = time.Now()
	act.dirty = false
	h.mu.Unlock()
	h.Publish("block_activity", snapshot)
}

func (h *Hub) activityLocked(height uint64) *blockActivity {
	act, ok := h.activity[height]
	if !ok {
		act = &blockActivity{
			programCounts: make(map[string]int64),
			seenPrograms:  mapset.NewSet[string](),
		}
		h.activity[height] = act
	}
	return act
}

// maybeSnapshotLocked applies the debounce: a snapshot goes out at
// most once per interval per height, otherwise the entry is marked
// dirty for the flusher.
func (h *Hub) maybeSnapshotLocked(height uint64, act *blockActivity) *ActivitySnapshot {
	now := time.Now()
	if now.Sub(act.lastEmit) < h.opts.DebounceInterval {
		act.dirty = true
		return nil
	}
	act.lastEmit = now
	act.dirty = false
	return snapshotLocked(height, act)
}

// flush emits dirty entries whose debounce window has elapsed and
// drops finalized entries past their idle TTL.
func (h *Hub) flush() {
	now := time.Now()
	var snapshots []*ActivitySnapshot
	h.mu.Lock()
	for height, act := range h.activity {
		if act.dirty && now.Sub(act.lastEmit) >= h.opts.DebounceInterval {
			act.lastEmit = now
			act.dirty = false
			snapshots = append(snapshots, snapshotLocked(height, act))
		}
		if act.finalized && !act.dirty && now.Sub(act.finalizedAt) > finalizedTTL {
			delete(h.activity, height)
		}
	}
	h.mu.Unlock()
	for _, snapshot := range snapshots {
		h.Publish("block_activity", snapshot)
	}
}

// snapshotLocked builds the top-K view of one height's counters.
func snapshotLocked(height uint64, act *blockActivity) *ActivitySnapshot {
	counts := make([]ProgramCount, 0, act.seenPrograms.Cardinality())
	for _, id := range act.seenPrograms.ToSlice() {
		counts = append(counts, ProgramCount{ProgramID: id, Count: act.programCounts[id]})
	}
	sort.Slice(counts, func(i, j int) bool {
		if counts[i].Count != counts[j].Count {
			return counts[i].Count > counts[j].Count
		}
		return counts[i].ProgramID < counts[j].ProgramID
	})
	if len(counts) > topKPrograms {
		counts = counts[:topKPrograms]
	}
	return &ActivitySnapshot{
		Height:        height,
		TxCount:       act.txCount,
		ProgramCounts: counts,
		Finalized:     act.finalized,
		TimestampMS:   time.Now().UnixMilli(),
	}
}

// Publish fans an enveloped message out to every subscriber. Slow
// clients (full buffer) are disconnected rather than back-pressuring
// the caller.
func (h *Hub) Publish(topic string, data any) {
	frame, err := json.Marshal(Envelope{Topic: topic, Data: data, Timestamp: time.Now().UnixMilli()})
	if err != nil {
		h.log.Error().Err(err).Str("topic", topic).Msg("marshal broadcast frame")
		return
	}
	var evicted []*Client
	h.mu.Lock()
	for _, client := range h.clients {
		select {
		case client.send <- frame:
		default:
			delete(h.clients, client.id)
			evicted = append(evicted, client)
		}
	}
	h.mu.Unlock()
	for _, client := range evicted {
		close(client.send)
		h.log.Warn().Uint64("client_id", client.id).Msg("slow client disconnected")
	}
}

// Subscribe registers a new client.
func (h *Hub) Subscribe() *Client {
	h.mu.Lock()
	h.nextID++
	client := &Client{
		id:   h.nextID,
		hub:  h,
		send: make(chan []byte, h.opts.ClientBufferSize),
	}
	h.clients[client.id] = client
	h.mu.Unlock()
	return client
}

// unsubscribe removes a client; idempotent.
func (h *Hub) unsubscribe(client *Client) {
	h.mu.Lock()
	_, present := h.clients[client.id]
	delete(h.clients, client.id)
	h.mu.Unlock()
	if present {
		close(client.send)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[uint64]*Client)
	h.mu.Unlock()
	for _, client := range clients {
		close(client.send)
	}
}

// Client is one fan-out subscriber.
type Client struct {
	id   uint64
	hub  *Hub
	send chan []byte
}

// ID is the identifier echoed by the subscribe control response.
func (c *Client) ID() uint64 { return c.id }

// Recv is the client's bounded outbound frame stream. Closed on
// disconnect.
func (c *Client) Recv() <-chan []byte { return c.send }

// Close unsubscribes the client.
func (c *Client) Close() { c.hub.unsubscribe(c) }

// controlRequest is the client -> server frame shape.
type controlRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// HandleControl answers one client control frame.
func (h *Hub) HandleControl(client *Client, raw []byte) []byte {
	var req controlRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return mustMarshal(map[string]any{"status": "error", "error": "malformed control frame"})
	}
	switch req.Method {
	case "subscribe":
		return mustMarshal(map[string]any{"status": "Subscribed", "client_id": client.ID()})
	case "ping":
		return mustMarshal(map[string]any{"status": "pong", "timestamp": time.Now().UnixMilli()})
	default:
		return mustMarshal(map[string]any{"status": "error", "error": fmt.Sprintf("Unknown method: %s", req.Method)})
	}
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err) // map[string]any over JSON-safe values cannot fail
	}
	return b
}
