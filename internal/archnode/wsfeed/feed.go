// Package wsfeed maintains the long-lived subscription to the Arch
// node's WebSocket event stream and emits a single normalized Event
// sequence. Heterogeneous server envelopes and plural topic names are
// flattened here so nothing downstream ever sees the wire shapes.
package wsfeed

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/atlasindexer/atlas/internal/apperr"
)

// Event is one normalized feed event.
type Event struct {
	Topic string
	Data  json.RawMessage
	TS    time.Time
}

// Topics the indexer subscribes to on connect.
var subscribeTopics = []string{
	"block",
	"transaction",
	"account_update",
	"rolledback_transactions",
	"reapplied_transactions",
	"dkg",
}

// topicAliases maps plural server topic names onto their canonical
// singular form.
var topicAliases = map[string]string{
	"blocks":       "block",
	"transactions": "transaction",
	"accounts":     "account_update",
}

// Options tunes the reconnect policy and channel capacity.
type Options struct {
	ReconnectInterval    time.Duration // default 5s
	MaxReconnectAttempts int           // default 10
	ChannelCapacity      int           // default 1000
}

// Feed owns the connection and the bounded output channel.
type Feed struct {
	url    string
	opts   Options
	log    zerolog.Logger
	events chan Event
}

// New builds a feed for the node WS endpoint at url.
func New(url string, opts Options, log zerolog.Logger) *Feed {
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = 5 * time.Second
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = 10
	}
	if opts.ChannelCapacity <= 0 {
		opts.ChannelCapacity = 1000
	}
	return &Feed{
		url:    url,
		opts:   opts,
		log:    log.With().Str("component", "wsfeed").Logger(),
		events: make(chan Event, opts.ChannelCapacity),
	}
}

// Events is the normalized output stream. Closed when Run returns.
func (f *Feed) Events() <-chan Event { return f.events }

// Run dials, subscribes and pumps events until ctx is canceled or the
// reconnect budget is exhausted. The reconnect interval is constant
// per attempt; the attempt counter resets after any successful read.
func (f *Feed) Run(ctx context.Context) error {
	defer close(f.events)

	attempts := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		readAny, err := f.connectAndPump(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if readAny {
			attempts = 0
		}
		attempts++
		if attempts >= f.opts.MaxReconnectAttempts {
			return apperr.StdErr("ws feed reconnect budget exhausted", err)
		}
		f.log.Warn().Err(err).Int("attempt", attempts).
			Dur("retry_in", f.opts.ReconnectInterval).Msg("ws connection lost, reconnecting")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.opts.ReconnectInterval):
		}
	}
}

// connectAndPump runs one connection lifetime. readAny reports whether
// at least one message arrived, which resets the caller's attempt
// counter; err is the dial/read error that ended the connection.
func (f *Feed) connectAndPump(ctx context.Context) (readAny bool, _ error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return false, apperr.StdErr("dial ws", err)
	}
	defer conn.Close()

	conn.SetPingHandler(func(appData string) error {
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	if err = f.subscribe(conn); err != nil {
		return false, err
	}
	f.log.Info().Str("url", f.url).Msg("ws feed connected")

	// Close the socket when ctx is canceled so the blocking ReadMessage
	// unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return readAny, apperr.StdErr("ws read", err)
		}
		readAny = true
		event, ok := parseEnvelope(raw)
		if !ok {
			f.log.Warn().Bytes("payload", raw).Msg("unrecognized ws envelope, skipping")
			continue
		}
		f.emit(event)
	}
}

func (f *Feed) subscribe(conn *websocket.Conn) error {
	req := map[string]any{
		"jsonrpc": "2.0",
		"method":  "subscribe",
		"params":  subscribeTopics,
		"id":      1,
	}
	if err := conn.WriteJSON(req); err != nil {
		return apperr.StdErr("ws subscribe", err)
	}
	return nil
}

// emit sends on the bounded channel. When full, debounced
// block_activity snapshots are dropped first; block and transaction
// events are never dropped (blocking send).
func (f *Feed) emit(event Event) {
	select {
	case f.events <- event:
		return
	default:
	}
	if event.Topic == "block_activity" {
		f.log.Debug().Str("topic", event.Topic).Msg("ws channel full, dropping activity snapshot")
		return
	}
	// Make room by evicting one queued activity snapshot, then send.
	select {
	case old := <-f.events:
		if old.Topic != "block_activity" {
			// Not droppable; put the consumer back under pressure by
			// re-queueing both (blocking).
			f.events <- old
		}
	default:
	}
	f.events <- event
}

type wireEnvelope struct {
	Topic  string          `json:"topic"`
	Data   json.RawMessage `json:"data"`
	Result json.RawMessage `json:"result"`
	Method string          `json:"method"`
	Params struct {
		Result json.RawMessage `json:"result"`
	} `json:"params"`
}

// parseEnvelope accepts the three envelope shapes the node emits:
// {topic,data}, {result:{topic,data}} and
// {method:"subscription", params:{result:{topic,data}}}.
func parseEnvelope(raw []byte) (Event, bool) {
	var env wireEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Event{}, false
	}
	if env.Topic != "" {
		return newEvent(env.Topic, env.Data), true
	}
	if len(env.Result) > 0 {
		var inner wireEnvelope
		if err := json.Unmarshal(env.Result, &inner); err == nil && inner.Topic != "" {
			return newEvent(inner.Topic, inner.Data), true
		}
	}
	if env.Method == "subscription" && len(env.Params.Result) > 0 {
		var inner wireEnvelope
		if err := json.Unmarshal(env.Params.Result, &inner); err == nil && inner.Topic != "" {
			return newEvent(inner.Topic, inner.Data), true
		}
	}
	return Event{}, false
}

func newEvent(topic string, data json.RawMessage) Event {
	if canonical, ok := topicAliases[topic]; ok {
		topic = canonical
	}
	return Event{Topic: topic, Data: data, TS: time.Now().UTC()}
}
