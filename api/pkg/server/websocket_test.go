package server

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dosprobe/dosprobe/api/pkg/backend"
	"github.com/dosprobe/dosprobe/api/pkg/types"
)

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(url, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendWS(t *testing.T, conn *websocket.Conn, msg map[string]any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

// readJSON reads frames until a text frame arrives, failing on timeout.
func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		messageType, payload, err := conn.ReadMessage()
		require.NoError(t, err)
		if messageType != websocket.TextMessage {
			continue
		}
		var msg map[string]any
		require.NoError(t, json.Unmarshal(payload, &msg))
		return msg
	}
}

// readBinary expects the next frame to be binary.
func readBinary(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	messageType, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, messageType)
	return payload
}

func TestWebSocketRegistersRead(t *testing.T) {
	_, ts := testServer(t, newStubBackend())
	conn := dialWS(t, ts.URL)

	sendWS(t, conn, map[string]any{"type": "registers:read", "requestId": "r1"})

	msg := readJSON(t, conn)
	assert.Equal(t, "registers:data", msg["type"])
	assert.Equal(t, "r1", msg["requestId"])
	regs := msg["registers"].(map[string]any)
	assert.Equal(t, float64(0x1234), regs["eax"])
	ts64, ok := msg["timestamp"].(float64)
	require.True(t, ok, "registers:data carries a timestamp")
	assert.Greater(t, ts64, float64(0))
}

func TestWebSocketMemoryReadBinaryPairing(t *testing.T) {
	stub := newStubBackend()
	copy(stub.memory[0x400:], []byte("PAIRED"))
	_, ts := testServer(t, stub)
	conn := dialWS(t, ts.URL)

	sendWS(t, conn, map[string]any{
		"type": "memory:read", "requestId": "m1",
		"address": "0040:0000", "size": 6,
	})

	// JSON metadata first, then exactly one binary frame with the payload.
	meta := readJSON(t, conn)
	assert.Equal(t, "memory:data", meta["type"])
	assert.Equal(t, "m1", meta["requestId"])
	assert.Equal(t, "0040:0000", meta["address"])
	assert.Equal(t, float64(6), meta["size"])

	payload := readBinary(t, conn)
	assert.Equal(t, []byte("PAIRED"), payload)
}

func TestWebSocketScreenshotBinaryPairing(t *testing.T) {
	_, ts := testServer(t, newStubBackend())
	conn := dialWS(t, ts.URL)

	sendWS(t, conn, map[string]any{"type": "screenshot:take", "requestId": "s1"})

	meta := readJSON(t, conn)
	assert.Equal(t, "screenshot:data", meta["type"])
	assert.Equal(t, "ppm", meta["format"])
	payload := readBinary(t, conn)
	assert.True(t, strings.HasPrefix(string(payload), "P6"))
}

func TestWebSocketPauseRepliesWithRegisters(t *testing.T) {
	stub := newStubBackend()
	_, ts := testServer(t, stub)
	conn := dialWS(t, ts.URL)

	sendWS(t, conn, map[string]any{"type": "exec:pause"})

	msg := readJSON(t, conn)
	assert.Equal(t, "debug:step-complete", msg["type"])
	assert.NotNil(t, msg["registers"])

	stub.mu.Lock()
	assert.True(t, stub.paused)
	stub.mu.Unlock()
}

func TestWebSocketErrorEnvelope(t *testing.T) {
	_, ts := testServer(t, nil) // no backend seated
	conn := dialWS(t, ts.URL)

	sendWS(t, conn, map[string]any{"type": "registers:read", "requestId": "e1"})

	msg := readJSON(t, conn)
	assert.Equal(t, "error", msg["type"])
	assert.Equal(t, "e1", msg["requestId"])
	assert.NotEmpty(t, msg["message"])
}

func TestWebSocketUnknownMessageType(t *testing.T) {
	_, ts := testServer(t, newStubBackend())
	conn := dialWS(t, ts.URL)

	sendWS(t, conn, map[string]any{"type": "bogus:thing"})
	msg := readJSON(t, conn)
	assert.Equal(t, "error", msg["type"])
}

func TestWebSocketUnknownChannelIgnored(t *testing.T) {
	_, ts := testServer(t, newStubBackend())
	conn := dialWS(t, ts.URL)

	// Must not produce an error envelope; follow with a request to prove
	// the connection is still healthy.
	sendWS(t, conn, map[string]any{"type": "subscribe", "channel": "nonsense"})
	sendWS(t, conn, map[string]any{"type": "registers:read", "requestId": "ok"})

	msg := readJSON(t, conn)
	assert.Equal(t, "registers:data", msg["type"])
}

func TestWebSocketStatusChannel(t *testing.T) {
	stub := newStubBackend()
	s, ts := testServer(t, stub)
	conn := dialWS(t, ts.URL)

	sendWS(t, conn, map[string]any{"type": "subscribe", "channel": ChannelStatus})

	// Subscription registration races the emit; poll until it lands.
	require.Eventually(t, func() bool {
		client := findClient(s.broker, ChannelStatus)
		return client != nil
	}, 2*time.Second, 10*time.Millisecond)

	stub.events.Emit(backend.Event{
		Kind:   backend.EventStatus,
		Status: &types.StatusInfo{Backend: types.BackendQEMU, Status: types.StatusPaused},
	})

	msg := readJSON(t, conn)
	assert.Equal(t, "status", msg["type"])
	status := msg["status"].(map[string]any)
	assert.Equal(t, "paused", status["status"])
}

func TestWebSocketMemoryWatchEmitsOnChange(t *testing.T) {
	stub := newStubBackend()
	copy(stub.memory[0x500:], []byte{1, 2, 3, 4})
	s, ts := testServer(t, stub)
	conn := dialWS(t, ts.URL)

	sendWS(t, conn, map[string]any{"type": "subscribe", "channel": ChannelMemory})
	require.Eventually(t, func() bool {
		return findClient(s.broker, ChannelMemory) != nil
	}, 2*time.Second, 10*time.Millisecond)

	sendWS(t, conn, map[string]any{
		"type": "memory:watch", "id": "w1",
		"address": "0050:0000", "size": 4, "intervalMs": 50, // clamped to 200ms
	})

	// First poll: hash differs from the empty cache, so it emits.
	meta := readJSON(t, conn)
	assert.Equal(t, "memory:update", meta["type"])
	assert.Equal(t, "w1", meta["id"])
	payload := readBinary(t, conn)
	assert.Equal(t, []byte{1, 2, 3, 4}, payload)

	// Change the memory; the next differing poll emits again.
	stub.mu.Lock()
	stub.memory[0x500] = 99
	stub.mu.Unlock()

	meta = readJSON(t, conn)
	assert.Equal(t, "memory:update", meta["type"])
	payload = readBinary(t, conn)
	assert.Equal(t, []byte{99, 2, 3, 4}, payload)

	sendWS(t, conn, map[string]any{"type": "memory:unwatch", "id": "w1"})
}

func TestWebSocketSnapshotLoadInvalidatesWatch(t *testing.T) {
	stub := newStubBackend()
	copy(stub.memory[0x600:], []byte{7, 7})
	s, ts := testServer(t, stub)
	conn := dialWS(t, ts.URL)

	sendWS(t, conn, map[string]any{"type": "subscribe", "channel": ChannelMemory})
	sendWS(t, conn, map[string]any{"type": "subscribe", "channel": ChannelStatus})
	require.Eventually(t, func() bool {
		return findClient(s.broker, ChannelStatus) != nil
	}, 2*time.Second, 10*time.Millisecond)

	sendWS(t, conn, map[string]any{
		"type": "memory:watch", "id": "w1",
		"address": "0060:0000", "size": 2, "intervalMs": 200,
	})

	// Initial emission.
	meta := readJSON(t, conn)
	require.Equal(t, "memory:update", meta["type"])
	readBinary(t, conn)

	// Snapshot load with unchanged memory: the invalidated hash cache
	// guarantees a fresh post-load emission.
	stub.events.Emit(backend.Event{Kind: backend.EventSnapshotLoading, Snapshot: "boot"})
	stub.events.Emit(backend.Event{Kind: backend.EventSnapshotLoaded, Snapshot: "boot"})

	sawUpdate := false
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && !sawUpdate {
		msg := readJSON(t, conn)
		switch msg["type"] {
		case "memory:update":
			readBinary(t, conn)
			sawUpdate = true
		case "snapshot:loading", "snapshot:loaded":
			// interleaved status traffic
		}
	}
	assert.True(t, sawUpdate, "expected a post-snapshot memory:update")
}

// findClient returns any client subscribed to the channel.
func findClient(br *Broker, channel string) *wsClient {
	var found *wsClient
	br.channels[channel].Range(func(c *wsClient, _ struct{}) bool {
		found = c
		return false
	})
	return found
}

func TestWebSocketKeysSend(t *testing.T) {
	stub := newStubBackend()
	_, ts := testServer(t, stub)
	conn := dialWS(t, ts.URL)

	sendWS(t, conn, map[string]any{"type": "keys:send", "keys": []string{"right", "enter"}})

	// keys:send has no success reply; prove the socket is healthy.
	sendWS(t, conn, map[string]any{"type": "registers:read", "requestId": "after-keys"})
	msg := readJSON(t, conn)
	assert.Equal(t, "registers:data", msg["type"])
}

func TestWatchReplaceAndDisconnectTeardown(t *testing.T) {
	stub := newStubBackend()
	s, ts := testServer(t, stub)
	conn := dialWS(t, ts.URL)

	sendWS(t, conn, map[string]any{"type": "subscribe", "channel": ChannelMemory})
	require.Eventually(t, func() bool {
		return findClient(s.broker, ChannelMemory) != nil
	}, 2*time.Second, 10*time.Millisecond)
	client := findClient(s.broker, ChannelMemory)

	sendWS(t, conn, map[string]any{"type": "memory:watch", "id": "w1", "address": "0x400", "size": 4, "intervalMs": 500})
	sendWS(t, conn, map[string]any{"type": "memory:watch", "id": "w1", "address": "0x500", "size": 4, "intervalMs": 500})

	require.Eventually(t, func() bool {
		client.watchMu.Lock()
		defer client.watchMu.Unlock()
		w, ok := client.watches["w1"]
		return ok && w.addr.Linear() == 0x500
	}, 2*time.Second, 10*time.Millisecond)

	client.watchMu.Lock()
	assert.Len(t, client.watches, 1)
	client.watchMu.Unlock()

	conn.Close()
	require.Eventually(t, func() bool {
		client.watchMu.Lock()
		defer client.watchMu.Unlock()
		return len(client.watches) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBrokerSubscribeUnsubscribe(t *testing.T) {
	br := NewBroker()
	c := &wsClient{watches: map[string]*memoryWatch{}}

	br.Subscribe(c, ChannelDebug)
	assert.True(t, br.Subscribed(c, ChannelDebug))
	assert.False(t, br.Subscribed(c, ChannelStatus))

	br.Unsubscribe(c, ChannelDebug)
	assert.False(t, br.Subscribed(c, ChannelDebug))

	// Unknown channels are ignored on both paths.
	br.Subscribe(c, "nope")
	assert.False(t, br.Subscribed(c, "nope"))
}
