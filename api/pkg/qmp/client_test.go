package qmp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dosprobe/dosprobe/api/pkg/types"
)

// fakeMonitor is a minimal scripted QMP endpoint on a unix socket.
type fakeMonitor struct {
	t        *testing.T
	listener net.Listener
	path     string
	greeting string
	// handler maps an "execute" command to the raw JSON reply line.
	handler func(cmd string, args json.RawMessage) string
	// preamble lines are written right after the capabilities response.
	preamble []string

	received chan string
}

func newFakeMonitor(t *testing.T) *fakeMonitor {
	t.Helper()
	path := filepath.Join(t.TempDir(), "qmp.sock")
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)

	m := &fakeMonitor{
		t:        t,
		listener: ln,
		path:     path,
		greeting: `{"QMP": {"version": {}, "capabilities": []}}`,
		handler: func(cmd string, _ json.RawMessage) string {
			return `{"return": {}}`
		},
		received: make(chan string, 64),
	}
	t.Cleanup(func() { _ = ln.Close() })

	go m.serve()
	return m
}

func (m *fakeMonitor) serve() {
	conn, err := m.listener.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	_, _ = conn.Write([]byte(m.greeting + "\n"))

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := scanner.Text()
		m.received <- line

		var req struct {
			Execute   string          `json:"execute"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			continue
		}
		if req.Execute == "qmp_capabilities" {
			_, _ = conn.Write([]byte(`{"return": {}}` + "\n"))
			for _, extra := range m.preamble {
				_, _ = conn.Write([]byte(extra + "\n"))
			}
			continue
		}
		_, _ = conn.Write([]byte(m.handler(req.Execute, req.Arguments) + "\n"))
	}
}

func connect(t *testing.T, m *fakeMonitor) *Client {
	t.Helper()
	client := NewClient(m.path)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx))
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestConnectRejectsBadGreeting(t *testing.T) {
	m := newFakeMonitor(t)
	m.greeting = `{"hello": "world"}`

	client := NewClient(m.path)
	err := client.Connect(context.Background())
	require.Error(t, err)
	var protoErr *types.ProtocolError
	assert.True(t, errors.As(err, &protoErr))
}

func TestExecuteReturnsResult(t *testing.T) {
	m := newFakeMonitor(t)
	m.handler = func(cmd string, _ json.RawMessage) string {
		if cmd == "query-status" {
			return `{"return": {"status": "running"}}`
		}
		return `{"return": {}}`
	}

	client := connect(t, m)
	ret, err := client.Execute(context.Background(), "query-status", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status": "running"}`, string(ret))
}

func TestExecuteSurfacesQMPError(t *testing.T) {
	m := newFakeMonitor(t)
	m.handler = func(cmd string, _ json.RawMessage) string {
		return `{"error": {"class": "DeviceNotFound", "desc": "no such snapshot"}}`
	}

	client := connect(t, m)
	_, err := client.Execute(context.Background(), "human-monitor-command", map[string]any{"command-line": "loadvm nope"})
	require.Error(t, err)

	var protoErr *types.ProtocolError
	require.True(t, errors.As(err, &protoErr))
	assert.Equal(t, "DeviceNotFound", protoErr.Class)
	assert.Equal(t, "no such snapshot", protoErr.Desc)
}

func TestEventsFlowOutOfBand(t *testing.T) {
	m := newFakeMonitor(t)
	m.preamble = []string{`{"event": "RESUME", "timestamp": {"seconds": 1}}`}

	client := connect(t, m)
	select {
	case ev := <-client.Events():
		assert.Equal(t, "RESUME", ev.Name)
	case <-time.After(5 * time.Second):
		t.Fatal("no event delivered")
	}
}

func TestEventsDoNotSatisfyPendingRequest(t *testing.T) {
	m := newFakeMonitor(t)
	m.handler = func(cmd string, _ json.RawMessage) string {
		// An event sneaks in before the response; the client must skip it.
		return `{"event": "STOP"}` + "\n" + `{"return": {}}`
	}

	client := connect(t, m)
	ret, err := client.Execute(context.Background(), "stop", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(ret))

	select {
	case ev := <-client.Events():
		assert.Equal(t, "STOP", ev.Name)
	case <-time.After(5 * time.Second):
		t.Fatal("event was swallowed")
	}
}

func TestSaveSnapshotIssuesCont(t *testing.T) {
	m := newFakeMonitor(t)
	m.handler = func(cmd string, _ json.RawMessage) string {
		if cmd == "human-monitor-command" {
			return `{"return": ""}`
		}
		return `{"return": {}}`
	}

	client := connect(t, m)
	require.NoError(t, client.SaveSnapshot(context.Background(), "level1"))

	var commands []string
	deadline := time.After(5 * time.Second)
	for len(commands) < 3 {
		select {
		case line := <-m.received:
			var req struct {
				Execute   string `json:"execute"`
				Arguments struct {
					CommandLine string `json:"command-line"`
				} `json:"arguments"`
			}
			require.NoError(t, json.Unmarshal([]byte(line), &req))
			if req.Execute == "human-monitor-command" {
				commands = append(commands, req.Arguments.CommandLine)
			} else {
				commands = append(commands, req.Execute)
			}
		case <-deadline:
			t.Fatalf("monitor only saw %v", commands)
		}
	}
	assert.Equal(t, []string{"qmp_capabilities", "savevm level1", "cont"}, commands)
}

func TestCloseIsIdempotent(t *testing.T) {
	m := newFakeMonitor(t)
	client := connect(t, m)
	require.NoError(t, client.Close())
	require.NoError(t, client.Close())

	_, err := client.Execute(context.Background(), "query-status", nil)
	var connErr *types.ConnectionError
	assert.True(t, errors.As(err, &connErr))
}
