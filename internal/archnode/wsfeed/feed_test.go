package wsfeed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEnvelopeShapes(t *testing.T) {
	cases := []struct {
		name      string
		raw       string
		wantTopic string
		wantData  string
	}{
		{
			name:      "flat",
			raw:       `{"topic":"block","data":{"hash":"aa"}}`,
			wantTopic: "block",
			wantData:  `{"hash":"aa"}`,
		},
		{
			name:      "result wrapped",
			raw:       `{"result":{"topic":"transaction","data":{"txid":"bb"}}}`,
			wantTopic: "transaction",
			wantData:  `{"txid":"bb"}`,
		},
		{
			name:      "jsonrpc subscription",
			raw:       `{"method":"subscription","params":{"result":{"topic":"dkg","data":{"round":1}}}}`,
			wantTopic: "dkg",
			wantData:  `{"round":1}`,
		},
		{
			name:      "plural topic normalized",
			raw:       `{"topic":"blocks","data":{"hash":"cc"}}`,
			wantTopic: "block",
			wantData:  `{"hash":"cc"}`,
		},
		{
			name:      "plural transactions normalized",
			raw:       `{"result":{"topic":"transactions","data":{"txid":"dd"}}}`,
			wantTopic: "transaction",
			wantData:  `{"txid":"dd"}`,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			event, ok := parseEnvelope([]byte(tc.raw))
			require.True(t, ok)
			assert.Equal(t, tc.wantTopic, event.Topic)
			assert.JSONEq(t, tc.wantData, string(event.Data))
			assert.False(t, event.TS.IsZero())
		})
	}
}

func TestParseEnvelopeRejectsGarbage(t *testing.T) {
	for _, raw := range []string{`not json`, `{}`, `{"result":{}}`, `{"method":"subscription","params":{}}`} {
		_, ok := parseEnvelope([]byte(raw))
		assert.False(t, ok, raw)
	}
}

// wsTestServer upgrades one connection, records the subscribe request
// and plays back frames.
func wsTestServer(t *testing.T, frames []string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		// Expect the subscription request first.
		var sub map[string]any
		require.NoError(t, conn.ReadJSON(&sub))
		assert.Equal(t, "subscribe", sub["method"])

		for _, frame := range frames {
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
		}
		// Hold the connection until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func TestFeedDeliversNormalizedEvents(t *testing.T) {
	server := wsTestServer(t, []string{
		`{"topic":"blocks","data":{"hash":"aa"}}`,
		`{"method":"subscription","params":{"result":{"topic":"transaction","data":{"txid":"bb"}}}}`,
	})
	defer server.Close()

	feed := New("ws"+strings.TrimPrefix(server.URL, "http"), Options{
		ReconnectInterval:    10 * time.Millisecond,
		MaxReconnectAttempts: 2,
		ChannelCapacity:      16,
	}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go feed.Run(ctx)

	var got []Event
	timeout := time.After(5 * time.Second)
	for len(got) < 2 {
		select {
		case event := <-feed.Events():
			got = append(got, event)
		case <-timeout:
			t.Fatal("timed out waiting for events")
		}
	}
	assert.Equal(t, "block", got[0].Topic)
	assert.Equal(t, "transaction", got[1].Topic)

	var data map[string]string
	require.NoError(t, json.Unmarshal(got[1].Data, &data))
	assert.Equal(t, "bb", data["txid"])
}

func TestFeedReconnectBudget(t *testing.T) {
	// A server that refuses the upgrade exhausts the budget quickly.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusForbidden)
	}))
	defer server.Close()

	feed := New("ws"+strings.TrimPrefix(server.URL, "http"), Options{
		ReconnectInterval:    time.Millisecond,
		MaxReconnectAttempts: 3,
	}, zerolog.Nop())

	err := feed.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reconnect budget exhausted")
}

func TestEmitDropsActivitySnapshotsFirst(t *testing.T) {
	feed := New("ws://unused", Options{ChannelCapacity: 2}, zerolog.Nop())
	feed.emit(Event{Topic: "block_activity"})
	feed.emit(Event{Topic: "block_activity"})
	// Channel full: a block event must evict a snapshot, never block.
	done := make(chan struct{})
	go func() {
		feed.emit(Event{Topic: "block"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("emit blocked with droppable snapshots queued")
	}
	// A further activity snapshot on a full channel is dropped.
	feed.emit(Event{Topic: "block_activity"})

	topics := []string{(<-feed.Events()).Topic, (<-feed.Events()).Topic}
	assert.Contains(t, topics, "block")
}
