package realtime

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHub(debounce time.Duration, buffer int) *Hub {
	return NewHub(Options{DebounceInterval: debounce, ClientBufferSize: buffer}, zerolog.Nop())
}

func recvEnvelope(t *testing.T, client *Client) Envelope {
	t.Helper()
	select {
	case frame, ok := <-client.Recv():
		require.True(t, ok, "client disconnected")
		var env Envelope
		require.NoError(t, json.Unmarshal(frame, &env))
		return env
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
		return Envelope{}
	}
}

func decodeSnapshot(t *testing.T, env Envelope) ActivitySnapshot {
	t.Helper()
	raw, err := json.Marshal(env.Data)
	require.NoError(t, err)
	var snapshot ActivitySnapshot
	require.NoError(t, json.Unmarshal(raw, &snapshot))
	return snapshot
}

func TestOnTransactionEmitsSnapshot(t *testing.T) {
	hub := testHub(50*time.Millisecond, 10)
	client := hub.Subscribe()
	defer client.Close()

	hub.OnTransaction(5, []string{"aa", "bb"})

	env := recvEnvelope(t, client)
	assert.Equal(t, "block_activity", env.Topic)
	snapshot := decodeSnapshot(t, env)
	assert.Equal(t, uint64(5), snapshot.Height)
	assert.Equal(t, int64(1), snapshot.TxCount)
	assert.Len(t, snapshot.ProgramCounts, 2)
	assert.False(t, snapshot.Finalized)
}

func TestDebounceCoalesces(t *testing.T) {
	hub := testHub(time.Hour, 10) // no flusher running, huge window
	client := hub.Subscribe()
	defer client.Close()

	hub.OnTransaction(5, []string{"aa"})
	_ = recvEnvelope(t, client) // first emit goes out immediately

	// Within the window: coalesced, nothing on the wire.
	hub.OnTransaction(5, []string{"aa"})
	hub.OnTransaction(5, []string{"aa"})
	select {
	case <-client.Recv():
		t.Fatal("debounced snapshot leaked")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFinalizeUsesAuthoritativeCounts(t *testing.T) {
	hub := testHub(time.Hour, 10)
	client := hub.Subscribe()
	defer client.Close()

	hub.OnTransaction(8, []string{"aa"})
	_ = recvEnvelope(t, client)

	hub.OnBlockFinalized(8, 42, map[string]int64{"aa": 40, "bb": 2})
	snapshot := decodeSnapshot(t, recvEnvelope(t, client))
	assert.True(t, snapshot.Finalized)
	assert.Equal(t, int64(42), snapshot.TxCount)
	require.Len(t, snapshot.ProgramCounts, 2)
	assert.Equal(t, "aa", snapshot.ProgramCounts[0].ProgramID)
	assert.Equal(t, int64(40), snapshot.ProgramCounts[0].Count)
}

func TestTopKBound(t *testing.T) {
	hub := testHub(time.Hour, 10)
	client := hub.Subscribe()
	defer client.Close()

	programs := make([]string, 0, 50)
	for i := 0; i < 50; i++ {
		programs = append(programs, fmt.Sprintf("p%02d", i))
	}
	hub.OnTransaction(9, programs)
	snapshot := decodeSnapshot(t, recvEnvelope(t, client))
	assert.Len(t, snapshot.ProgramCounts, topKPrograms)
}

func TestSlowClientDisconnected(t *testing.T) {
	hub := testHub(time.Millisecond, 2)
	slow := hub.Subscribe()
	// Never read: two frames fill the buffer, the third evicts.
	hub.Publish("x", 1)
	hub.Publish("x", 2)
	hub.Publish("x", 3)

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-slow.Recv():
			if !ok {
				return // disconnected as expected
			}
		case <-deadline:
			t.Fatal("slow client was not disconnected")
		}
	}
}

func TestControlMessages(t *testing.T) {
	hub := testHub(time.Millisecond, 4)
	client := hub.Subscribe()
	defer client.Close()

	var sub map[string]any
	require.NoError(t, json.Unmarshal(hub.HandleControl(client, []byte(`{"method":"subscribe"}`)), &sub))
	assert.Equal(t, "Subscribed", sub["status"])
	assert.Equal(t, float64(client.ID()), sub["client_id"])

	var pong map[string]any
	require.NoError(t, json.Unmarshal(hub.HandleControl(client, []byte(`{"method":"ping"}`)), &pong))
	assert.Equal(t, "pong", pong["status"])
	assert.NotZero(t, pong["timestamp"])

	var unknown map[string]any
	require.NoError(t, json.Unmarshal(hub.HandleControl(client, []byte(`{"method":"nope"}`)), &unknown))
	assert.Equal(t, "error", unknown["status"])
	assert.Equal(t, "Unknown method: nope", unknown["error"])

	var malformed map[string]any
	require.NoError(t, json.Unmarshal(hub.HandleControl(client, []byte(`{{`)), &malformed))
	assert.Equal(t, "error", malformed["status"])
}

func TestUnsubscribeIdempotent(t *testing.T) {
	hub := testHub(time.Millisecond, 2)
	client := hub.Subscribe()
	client.Close()
	client.Close() // second close must not panic
	hub.Publish("x", 1)
}
