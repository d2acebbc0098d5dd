package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/dosprobe/dosprobe/api/pkg/backend"
	"github.com/dosprobe/dosprobe/api/pkg/capture"
	"github.com/dosprobe/dosprobe/api/pkg/types"
)

// Broker channels. Clients opt into each independently.
const (
	ChannelStatus  = "status"
	ChannelDebug   = "debug"
	ChannelMemory  = "memory"
	ChannelCapture = "capture"
)

var websocketUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// wsClient is one connected WebSocket peer. All writes go through wsMu so
// a JSON metadata frame and its binary payload frame stay adjacent on the
// wire; clients pair them with a small state machine.
type wsClient struct {
	conn *websocket.Conn
	wsMu sync.Mutex

	watchMu sync.Mutex
	watches map[string]*memoryWatch
}

func (c *wsClient) sendJSON(v any) error {
	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	return c.conn.WriteJSON(v)
}

// sendBinaryPair writes the JSON metadata frame immediately followed by the
// binary frame whose bytes are the payload. The pair is atomic under wsMu:
// no other frame can interleave.
func (c *wsClient) sendBinaryPair(meta any, payload []byte) error {
	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	if err := c.conn.WriteJSON(meta); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, payload)
}

func (c *wsClient) sendError(message, requestID string) {
	msg := map[string]string{"type": "error", "message": message}
	if requestID != "" {
		msg["requestId"] = requestID
	}
	if err := c.sendJSON(msg); err != nil {
		log.Debug().Err(err).Msg("error envelope write failed")
	}
}

// Broker keeps the per-channel subscription sets and fans server-side
// events out to subscribed clients.
type Broker struct {
	channels map[string]*xsync.MapOf[*wsClient, struct{}]
}

// NewBroker returns a broker with the four fixed channels.
func NewBroker() *Broker {
	channels := make(map[string]*xsync.MapOf[*wsClient, struct{}])
	for _, name := range []string{ChannelStatus, ChannelDebug, ChannelMemory, ChannelCapture} {
		channels[name] = xsync.NewMapOf[*wsClient, struct{}]()
	}
	return &Broker{channels: channels}
}

// Subscribe adds the client to a channel; unknown channels are ignored.
func (br *Broker) Subscribe(c *wsClient, channel string) {
	if set, ok := br.channels[channel]; ok {
		set.Store(c, struct{}{})
	}
}

func (br *Broker) Unsubscribe(c *wsClient, channel string) {
	if set, ok := br.channels[channel]; ok {
		set.Delete(c)
	}
}

func (br *Broker) drop(c *wsClient) {
	for _, set := range br.channels {
		set.Delete(c)
	}
}

// Subscribed reports whether the client opted into the channel.
func (br *Broker) Subscribed(c *wsClient, channel string) bool {
	set, ok := br.channels[channel]
	if !ok {
		return false
	}
	_, subscribed := set.Load(c)
	return subscribed
}

// Publish sends a JSON message to every subscriber of the channel.
func (br *Broker) Publish(channel string, msg any) {
	set, ok := br.channels[channel]
	if !ok {
		return
	}
	set.Range(func(c *wsClient, _ struct{}) bool {
		if err := c.sendJSON(msg); err != nil {
			log.Debug().Err(err).Str("channel", channel).Msg("subscriber write failed")
		}
		return true
	})
}

type statusMessage struct {
	Type   string           `json:"type"`
	Status types.StatusInfo `json:"status"`
}

type debugMessage struct {
	Type      string          `json:"type"`
	Registers types.Registers `json:"registers,omitempty"`
}

type snapshotMessage struct {
	Type     string `json:"type"`
	Snapshot string `json:"snapshot"`
	Error    string `json:"error,omitempty"`
}

type captureProgressMessage struct {
	Type   string `json:"type"`
	Stage  string `json:"stage"`
	Detail string `json:"detail,omitempty"`
}

// HandleBackendEvent routes one backend event onto the wire and drives the
// memory-watch suspension protocol around snapshot loads.
func (br *Broker) HandleBackendEvent(ev backend.Event) {
	switch ev.Kind {
	case backend.EventStatus:
		if ev.Status != nil {
			br.Publish(ChannelStatus, statusMessage{Type: "status", Status: *ev.Status})
		}
	case backend.EventBreakpointHit:
		br.Publish(ChannelDebug, debugMessage{Type: "debug:breakpoint-hit", Registers: ev.Registers})
	case backend.EventStepComplete:
		br.Publish(ChannelDebug, debugMessage{Type: "debug:step-complete", Registers: ev.Registers})
	case backend.EventSnapshotLoading:
		br.forEachClient(func(c *wsClient) { c.suspendWatches() })
		br.Publish(ChannelStatus, snapshotMessage{Type: "snapshot:loading", Snapshot: ev.Snapshot})
	case backend.EventSnapshotLoaded:
		br.forEachClient(func(c *wsClient) { c.resumeWatches() })
		br.Publish(ChannelStatus, snapshotMessage{Type: "snapshot:loaded", Snapshot: ev.Snapshot})
	case backend.EventSnapshotLoadFailed:
		br.forEachClient(func(c *wsClient) { c.resumeWatches() })
		br.Publish(ChannelStatus, snapshotMessage{Type: "snapshot:load-failed", Snapshot: ev.Snapshot, Error: ev.Error})
	}
}

// forEachClient visits every client subscribed to any channel, once.
func (br *Broker) forEachClient(fn func(*wsClient)) {
	seen := make(map[*wsClient]bool)
	for _, set := range br.channels {
		set.Range(func(c *wsClient, _ struct{}) bool {
			if !seen[c] {
				seen[c] = true
				fn(c)
			}
			return true
		})
	}
}

// clientMessage is the superset of all client-to-server message schemas.
type clientMessage struct {
	Type      string `json:"type"`
	Channel   string `json:"channel,omitempty"`
	RequestID string `json:"requestId,omitempty"`

	// keys:send
	Keys  []string `json:"keys,omitempty"`
	Delay int      `json:"delay,omitempty"` // milliseconds

	// memory:watch / memory:read
	ID         string `json:"id,omitempty"`
	Address    string `json:"address,omitempty"`
	Size       int    `json:"size,omitempty"`
	IntervalMs int    `json:"intervalMs,omitempty"`
}

// handleWebSocket is the /ws endpoint: one read loop per client, watches
// torn down on disconnect.
func (s *Server) handleWebSocket(res http.ResponseWriter, req *http.Request) {
	conn, err := websocketUpgrader.Upgrade(res, req, nil)
	if err != nil {
		log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	client := &wsClient{
		conn:    conn,
		watches: make(map[string]*memoryWatch),
	}
	wsConnections.Inc()
	defer wsConnections.Dec()
	defer s.broker.drop(client)
	defer client.stopAllWatches()

	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()

	// Server-initiated pings keep the connection alive through proxies.
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				client.wsMu.Lock()
				err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(5*time.Second))
				client.wsMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	log.Debug().Str("remote", conn.RemoteAddr().String()).Msg("websocket client connected")

	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			log.Debug().Err(err).Msg("websocket client disconnected")
			return
		}
		if messageType != websocket.TextMessage {
			// The client-to-server direction is JSON only.
			continue
		}

		var msg clientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			client.sendError("invalid message: "+err.Error(), "")
			continue
		}
		wsMessages.WithLabelValues(msg.Type).Inc()
		s.dispatchClientMessage(ctx, client, msg)
	}
}

func (s *Server) dispatchClientMessage(ctx context.Context, client *wsClient, msg clientMessage) {
	switch msg.Type {
	case "subscribe":
		s.broker.Subscribe(client, msg.Channel)
	case "unsubscribe":
		s.broker.Unsubscribe(client, msg.Channel)

	case "exec:pause":
		s.execAndReply(ctx, client, msg, func(ctx context.Context, b backend.Backend) error {
			return b.Pause(ctx)
		})
	case "exec:step":
		s.execAndReply(ctx, client, msg, func(ctx context.Context, b backend.Backend) error {
			return b.Step(ctx)
		})
	case "exec:resume":
		b, err := s.current()
		if err == nil {
			err = b.Resume(ctx)
		}
		if err != nil {
			client.sendError(err.Error(), msg.RequestID)
		}

	case "keys:send":
		b, err := s.current()
		if err == nil {
			err = b.SendKeys(ctx, msg.Keys, time.Duration(msg.Delay)*time.Millisecond)
		}
		if err != nil {
			client.sendError(err.Error(), msg.RequestID)
		}

	case "memory:watch":
		s.startWatch(client, msg)
	case "memory:unwatch":
		client.stopWatch(msg.ID)

	case "memory:read":
		s.memoryReadRequest(ctx, client, msg)
	case "registers:read":
		s.registersReadRequest(ctx, client, msg)
	case "screenshot:take":
		s.screenshotRequest(ctx, client, msg)

	default:
		client.sendError("unknown message type: "+msg.Type, msg.RequestID)
	}
}

// execAndReply runs a pause or step and answers on the same socket with the
// fresh register file.
func (s *Server) execAndReply(ctx context.Context, client *wsClient, msg clientMessage, op func(context.Context, backend.Backend) error) {
	b, err := s.current()
	if err != nil {
		client.sendError(err.Error(), msg.RequestID)
		return
	}
	if err := op(ctx, b); err != nil {
		client.sendError(err.Error(), msg.RequestID)
		return
	}
	regs, err := b.ReadRegisters(ctx)
	if err != nil {
		client.sendError(err.Error(), msg.RequestID)
		return
	}
	if err := client.sendJSON(debugMessage{Type: "debug:step-complete", Registers: regs}); err != nil {
		log.Debug().Err(err).Msg("step reply write failed")
	}
}

type memoryDataMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Address   string `json:"address"`
	Size      int    `json:"size"`
	Checksum  string `json:"checksum"`
}

func (s *Server) memoryReadRequest(ctx context.Context, client *wsClient, msg clientMessage) {
	b, err := s.current()
	if err != nil {
		client.sendError(err.Error(), msg.RequestID)
		return
	}
	addr, err := types.ParseAddress(msg.Address)
	if err != nil {
		client.sendError(err.Error(), msg.RequestID)
		return
	}
	if msg.Size <= 0 || msg.Size > maxMemoryRead {
		client.sendError("size must be a positive integer", msg.RequestID)
		return
	}
	data, err := b.ReadMemory(ctx, addr, msg.Size)
	if err != nil {
		client.sendError(err.Error(), msg.RequestID)
		return
	}
	meta := memoryDataMessage{
		Type:      "memory:data",
		RequestID: msg.RequestID,
		Address:   addr.String(),
		Size:      len(data),
		Checksum:  capture.Checksum(data),
	}
	if err := client.sendBinaryPair(meta, data); err != nil {
		log.Debug().Err(err).Msg("memory:data write failed")
	}
}

type registersDataMessage struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Registers types.Registers `json:"registers"`
	Timestamp int64           `json:"timestamp"`
}

func (s *Server) registersReadRequest(ctx context.Context, client *wsClient, msg clientMessage) {
	b, err := s.current()
	if err != nil {
		client.sendError(err.Error(), msg.RequestID)
		return
	}
	regs, err := b.ReadRegisters(ctx)
	if err != nil {
		client.sendError(err.Error(), msg.RequestID)
		return
	}
	reply := registersDataMessage{
		Type:      "registers:data",
		RequestID: msg.RequestID,
		Registers: regs,
		Timestamp: time.Now().UnixMilli(),
	}
	if err := client.sendJSON(reply); err != nil {
		log.Debug().Err(err).Msg("registers:data write failed")
	}
}

type screenshotDataMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Format    string `json:"format"`
	Size      int    `json:"size"`
}

func (s *Server) screenshotRequest(ctx context.Context, client *wsClient, msg clientMessage) {
	b, err := s.current()
	if err != nil {
		client.sendError(err.Error(), msg.RequestID)
		return
	}
	data, format, err := b.Screenshot(ctx)
	if err != nil {
		client.sendError(err.Error(), msg.RequestID)
		return
	}
	meta := screenshotDataMessage{
		Type:      "screenshot:data",
		RequestID: msg.RequestID,
		Format:    string(format),
		Size:      len(data),
	}
	if err := client.sendBinaryPair(meta, data); err != nil {
		log.Debug().Err(err).Msg("screenshot:data write failed")
	}
}
