// Package qmp implements the machine-control side of the qemu backend: a
// QMP client speaking newline-delimited JSON over a local unix socket.
package qmp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dosprobe/dosprobe/api/pkg/types"
)

// DefaultHoldMS is how long a injected key is held down.
const DefaultHoldMS = 100

// Event is an asynchronous QMP event, delivered out of band on Events().
type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data,omitempty"`
}

type qmpError struct {
	Class string `json:"class"`
	Desc  string `json:"desc"`
}

// Client is a machine-control client for one emulator process. All requests
// are serialized: QMP has no request IDs, so at most one command may be in
// flight.
type Client struct {
	path string

	mu     sync.Mutex // guards conn, pending, closed
	conn   net.Conn
	reader *bufio.Reader
	closed bool

	reqMu   sync.Mutex // serializes Execute calls
	pending chan response

	events chan Event
}

type response struct {
	Return json.RawMessage
	Err    error
}

// NewClient prepares a client for the unix socket at path. Call Connect
// before anything else.
func NewClient(path string) *Client {
	return &Client{
		path:   path,
		events: make(chan Event, 64),
	}
}

// Connect dials the socket, verifies the QMP greeting and negotiates
// capabilities. The asynchronous event stream starts flowing after Connect
// returns.
func (c *Client) Connect(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.path)
	if err != nil {
		return &types.ConnectionError{Op: "qmp connect", Err: err}
	}

	reader := bufio.NewReader(conn)

	greeting, err := readObject(reader)
	if err != nil {
		conn.Close()
		return &types.ConnectionError{Op: "qmp greeting", Err: err}
	}
	if _, ok := greeting["QMP"]; !ok {
		conn.Close()
		return &types.ProtocolError{Op: "qmp greeting", Desc: "greeting lacks QMP token"}
	}

	if err := writeObject(conn, map[string]any{"execute": "qmp_capabilities"}); err != nil {
		conn.Close()
		return &types.ConnectionError{Op: "qmp capabilities", Err: err}
	}
	// The capabilities response is discarded; anything before it that is not
	// a response would be an event, which cannot happen pre-negotiation.
	if _, err := readObject(reader); err != nil {
		conn.Close()
		return &types.ConnectionError{Op: "qmp capabilities", Err: err}
	}

	c.mu.Lock()
	c.conn = conn
	c.reader = reader
	c.closed = false
	c.mu.Unlock()

	go c.readLoop(reader)

	log.Debug().Str("socket", c.path).Msg("qmp connected")
	return nil
}

// Events exposes the asynchronous event stream. Events are dropped when the
// buffer is full; delivery is best effort.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Connected reports whether the client currently holds a live socket.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.closed
}

func (c *Client) readLoop(reader *bufio.Reader) {
	for {
		obj, err := readObject(reader)
		if err != nil {
			c.deliver(response{Err: &types.ConnectionError{Op: "qmp read", Err: err}})
			c.Close()
			return
		}

		if raw, ok := obj["return"]; ok {
			c.deliver(response{Return: raw})
			continue
		}
		if raw, ok := obj["error"]; ok {
			var qerr qmpError
			if err := json.Unmarshal(raw, &qerr); err != nil {
				qerr = qmpError{Class: "GenericError", Desc: string(raw)}
			}
			c.deliver(response{Err: &types.ProtocolError{Op: "qmp execute", Class: qerr.Class, Desc: qerr.Desc}})
			continue
		}

		// Neither return nor error: asynchronous event.
		var ev Event
		_ = json.Unmarshal(obj["event"], &ev.Name)
		ev.Data = obj["data"]
		select {
		case c.events <- ev:
		default:
			log.Debug().Str("event", ev.Name).Msg("qmp event dropped, buffer full")
		}
	}
}

func (c *Client) deliver(resp response) {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	if pending != nil {
		pending <- resp
	}
}

// Execute issues one command and waits for its response.
func (c *Client) Execute(ctx context.Context, command string, args map[string]any) (json.RawMessage, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	c.mu.Lock()
	if c.conn == nil || c.closed {
		c.mu.Unlock()
		return nil, &types.ConnectionError{Op: "qmp " + command, Err: fmt.Errorf("not connected")}
	}
	pending := make(chan response, 1)
	c.pending = pending
	conn := c.conn
	c.mu.Unlock()

	msg := map[string]any{"execute": command}
	if len(args) > 0 {
		msg["arguments"] = args
	}
	if err := writeObject(conn, msg); err != nil {
		return nil, &types.ConnectionError{Op: "qmp " + command, Err: err}
	}

	select {
	case resp := <-pending:
		return resp.Return, resp.Err
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &types.TimeoutError{Op: "qmp " + command}
		}
		return nil, ctx.Err()
	}
}

// HumanMonitorCommand runs a host human-monitor command line and returns its
// textual output.
func (c *Client) HumanMonitorCommand(ctx context.Context, commandLine string) (string, error) {
	ret, err := c.Execute(ctx, "human-monitor-command", map[string]any{
		"command-line": commandLine,
	})
	if err != nil {
		return "", err
	}
	var out string
	if err := json.Unmarshal(ret, &out); err != nil {
		// Some monitor commands return an empty object instead of a string.
		return "", nil
	}
	return out, nil
}

// SendKey injects a single keystroke by qcode name, held for holdMS
// milliseconds (DefaultHoldMS when zero).
func (c *Client) SendKey(ctx context.Context, key string, holdMS int) error {
	if holdMS <= 0 {
		holdMS = DefaultHoldMS
	}
	_, err := c.Execute(ctx, "send-key", map[string]any{
		"keys":      []map[string]any{{"type": "qcode", "data": key}},
		"hold-time": holdMS,
	})
	return err
}

// SendKeysSequence injects keys one by one, sleeping delay between them.
func (c *Client) SendKeysSequence(ctx context.Context, keys []string, delay time.Duration) error {
	for _, key := range keys {
		if err := c.SendKey(ctx, key, 0); err != nil {
			return err
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Screendump writes a PPM screenshot to path on the host.
func (c *Client) Screendump(ctx context.Context, path string) error {
	_, err := c.Execute(ctx, "screendump", map[string]any{"filename": path})
	return err
}

// SaveSnapshot saves a named internal snapshot. savevm pauses the virtual
// CPUs, so a cont is issued afterwards to resume the guest.
func (c *Client) SaveSnapshot(ctx context.Context, name string) error {
	if _, err := c.HumanMonitorCommand(ctx, "savevm "+name); err != nil {
		return err
	}
	_, err := c.Execute(ctx, "cont", nil)
	return err
}

// LoadSnapshot restores a named internal snapshot.
func (c *Client) LoadSnapshot(ctx context.Context, name string) error {
	_, err := c.HumanMonitorCommand(ctx, "loadvm "+name)
	return err
}

// PmemSave dumps size bytes of guest physical memory at addr to a host file.
func (c *Client) PmemSave(ctx context.Context, addr uint32, size int, path string) error {
	_, err := c.HumanMonitorCommand(ctx, fmt.Sprintf("pmemsave %d %d %s", addr, size, path))
	return err
}

// Quit asks the emulator to exit.
func (c *Client) Quit(ctx context.Context) error {
	_, err := c.Execute(ctx, "quit", nil)
	return err
}

// Close shuts the socket down. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// readObject reads the next newline-delimited JSON object. The terminal
// message (the quit response) may arrive without a trailing newline, so on
// EOF the remaining buffer is tried as a whole.
func readObject(reader *bufio.Reader) (map[string]json.RawMessage, error) {
	line, err := reader.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return nil, err
	}
	var obj map[string]json.RawMessage
	if jsonErr := json.Unmarshal(line, &obj); jsonErr != nil {
		if err != nil {
			return nil, fmt.Errorf("trailing bytes are not a JSON object: %w", jsonErr)
		}
		return nil, jsonErr
	}
	return obj, nil
}

func writeObject(conn net.Conn, obj map[string]any) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = conn.Write(data)
	return err
}
