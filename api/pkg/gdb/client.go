// Package gdb implements the remote-debug side of the qemu backend: a GDB
// remote serial protocol client for the emulator's debug stub.
package gdb

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dosprobe/dosprobe/api/pkg/types"
)

const (
	// DefaultReceiveTimeout bounds ordinary command replies.
	DefaultReceiveTimeout = 10 * time.Second
	// DefaultStopTimeout bounds WaitForStop when the caller passes zero.
	DefaultStopTimeout = 30 * time.Second
	// memoryChunkSize is the per-request cap for m packets; the stub has
	// packet size limits.
	memoryChunkSize = 4096

	breakByte = 0x03
)

// Client drives one GDB stub connection. The protocol has no multiplexing,
// so all commands are serialized behind a single mutex.
type Client struct {
	host string
	port int

	mu        sync.Mutex
	conn      net.Conn
	reader    *bufio.Reader
	closed    bool
	chunkSize int

	recvTimeout time.Duration
}

// NewClient prepares a client for host:port. Call Connect before use.
func NewClient(host string, port int) *Client {
	return &Client{
		host:        host,
		port:        port,
		chunkSize:   memoryChunkSize,
		recvTimeout: DefaultReceiveTimeout,
	}
}

// Connect dials the stub.
func (c *Client) Connect(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", c.host, c.port))
	if err != nil {
		return &types.ConnectionError{Op: "gdb connect", Err: err}
	}

	c.mu.Lock()
	c.conn = conn
	c.reader = bufio.NewReader(conn)
	c.closed = false
	c.mu.Unlock()

	log.Debug().Str("addr", conn.RemoteAddr().String()).Msg("gdb stub connected")
	return nil
}

// Connected reports whether the client holds a live socket.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.closed
}

// Close shuts the connection down. Safe to call more than once.
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

// ReadMemory reads length bytes of guest memory at the linear address,
// chunking requests to the stub's packet limit. A zero length returns an
// empty buffer without touching the wire.
func (c *Client) ReadMemory(ctx context.Context, addr uint32, length int) ([]byte, error) {
	if length == 0 {
		return []byte{}, nil
	}
	if length < 0 {
		return nil, &types.ArgumentError{Field: "size", Reason: "negative read size"}
	}

	result := make([]byte, 0, length)
	for offset := 0; offset < length; offset += c.chunkSize {
		remaining := length - offset
		if remaining > c.chunkSize {
			remaining = c.chunkSize
		}
		chunkAddr := addr + uint32(offset)

		reply, err := c.command(ctx, fmt.Sprintf("m%x,%x", chunkAddr, remaining))
		if err != nil {
			return nil, err
		}
		if len(reply) > 0 && reply[0] == 'E' {
			return nil, &types.ProtocolError{
				Op:   "gdb memory read",
				Desc: fmt.Sprintf("error %s at 0x%X", reply, chunkAddr),
			}
		}
		chunk, err := hex.DecodeString(reply)
		if err != nil {
			return nil, &types.ProtocolError{Op: "gdb memory read", Desc: "reply is not hex: " + reply}
		}
		result = append(result, chunk...)
	}
	return result, nil
}

// WriteMemory writes data to guest memory at the linear address.
func (c *Client) WriteMemory(ctx context.Context, addr uint32, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	reply, err := c.command(ctx, fmt.Sprintf("M%x,%x:%s", addr, len(data), hex.EncodeToString(data)))
	if err != nil {
		return err
	}
	if reply != "OK" {
		return &types.ProtocolError{Op: "gdb memory write", Desc: reply}
	}
	return nil
}

// ReadRegisters fetches the full i386 register file: 16 little-endian 32-bit
// words, the last six masked to their 16-bit segment values.
func (c *Client) ReadRegisters(ctx context.Context) (types.Registers, error) {
	reply, err := c.command(ctx, "g")
	if err != nil {
		return nil, err
	}
	if len(reply) > 0 && reply[0] == 'E' {
		return nil, &types.ProtocolError{Op: "gdb register read", Desc: reply}
	}

	raw, err := hex.DecodeString(reply)
	if err != nil {
		return nil, &types.ProtocolError{Op: "gdb register read", Desc: "reply is not hex"}
	}
	order := append(append([]string{}, types.GeneralRegisterNames...), types.SegmentRegisterNames...)
	if len(raw) < len(order)*4 {
		return nil, &types.ProtocolError{Op: "gdb register read", Desc: fmt.Sprintf("short register dump: %d bytes", len(raw))}
	}

	regs := make(types.Registers, len(order))
	for i, name := range order {
		val := binary.LittleEndian.Uint32(raw[i*4:])
		if types.IsSegmentRegister(name) {
			val &= 0xFFFF
		}
		regs[name] = val
	}
	return regs, nil
}

// SetBreakpoint plants a software execution breakpoint at the linear address.
func (c *Client) SetBreakpoint(ctx context.Context, addr uint32) error {
	reply, err := c.command(ctx, fmt.Sprintf("Z0,%x,1", addr))
	if err != nil {
		return err
	}
	if reply != "OK" {
		return &types.ProtocolError{Op: "gdb set breakpoint", Desc: fmt.Sprintf("at 0x%X: %s", addr, reply)}
	}
	return nil
}

// RemoveBreakpoint clears a software execution breakpoint.
func (c *Client) RemoveBreakpoint(ctx context.Context, addr uint32) error {
	_, err := c.command(ctx, fmt.Sprintf("z0,%x,1", addr))
	return err
}

// Continue resumes the guest. Fire and forget: the stop packet arrives later
// and is collected with WaitForStop.
func (c *Client) Continue(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkOpen(); err != nil {
		return err
	}
	c.consumePendingAck()
	return c.sendPacket("c")
}

// Stop interrupts the guest by sending the break byte.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkOpen(); err != nil {
		return err
	}
	if _, err := c.conn.Write([]byte{breakByte}); err != nil {
		return &types.ConnectionError{Op: "gdb stop", Err: err}
	}
	return nil
}

// WaitForStop blocks until the guest reports a stop (breakpoint hit, break
// acknowledged) and returns the stop packet payload. A zero timeout means
// DefaultStopTimeout.
func (c *Client) WaitForStop(ctx context.Context, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkOpen(); err != nil {
		return "", err
	}
	return c.recvPacket("gdb wait-for-stop", timeout)
}

// Step executes one guest instruction and returns the stop packet.
func (c *Client) Step(ctx context.Context) (string, error) {
	return c.command(ctx, "s")
}

// command sends one packet and returns the reply payload.
func (c *Client) command(ctx context.Context, payload string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkOpen(); err != nil {
		return "", err
	}

	c.consumePendingAck()
	if err := c.sendPacket(payload); err != nil {
		return "", err
	}

	timeout := c.recvTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}
	}
	return c.recvPacket("gdb command", timeout)
}

func (c *Client) checkOpen() error {
	if c.conn == nil || c.closed {
		return &types.ConnectionError{Op: "gdb", Err: fmt.Errorf("not connected")}
	}
	return nil
}

// consumePendingAck eats a stale "+" left over from a previous exchange.
// Anything else read by accident is pushed back.
func (c *Client) consumePendingAck() {
	_ = c.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	b, err := c.reader.ReadByte()
	_ = c.conn.SetReadDeadline(time.Time{})
	if err != nil {
		return
	}
	if b != '+' {
		_ = c.reader.UnreadByte()
	}
}

func (c *Client) sendPacket(payload string) error {
	var sum byte
	for i := 0; i < len(payload); i++ {
		sum += payload[i]
	}
	packet := fmt.Sprintf("$%s#%02x", payload, sum)
	if _, err := c.conn.Write([]byte(packet)); err != nil {
		return &types.ConnectionError{Op: "gdb send", Err: err}
	}
	return nil
}

// recvPacket reads the next complete $payload#xx packet, acks it, verifies
// the checksum and returns the payload. The timeout covers the whole packet.
func (c *Client) recvPacket(op string, timeout time.Duration) (string, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	defer c.conn.SetReadDeadline(time.Time{})

	var buf []byte
	for {
		b, err := c.reader.ReadByte()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				return "", &types.TimeoutError{Op: op, Timeout: timeout}
			}
			return "", &types.ConnectionError{Op: op, Err: err}
		}
		buf = append(buf, b)
		if len(buf) >= 4 && buf[len(buf)-3] == '#' {
			break
		}
	}

	start := -1
	for i, b := range buf {
		if b == '$' {
			start = i + 1
			break
		}
	}
	if start < 0 {
		return "", &types.ProtocolError{Op: op, Desc: "packet lacks $ marker"}
	}
	payload := string(buf[start : len(buf)-3])

	var sum byte
	for i := 0; i < len(payload); i++ {
		sum += payload[i]
	}
	wantStr := string(buf[len(buf)-2:])
	want, err := strconv.ParseUint(wantStr, 16, 8)
	if err != nil || byte(want) != sum {
		return "", &types.ProtocolError{Op: op, Desc: fmt.Sprintf("checksum mismatch: computed %02x, packet says %s", sum, wantStr)}
	}

	if _, err := c.conn.Write([]byte("+")); err != nil {
		return "", &types.ConnectionError{Op: op, Err: err}
	}
	return payload, nil
}
