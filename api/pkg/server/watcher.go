package server

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dosprobe/dosprobe/api/pkg/capture"
	"github.com/dosprobe/dosprobe/api/pkg/types"
)

// minWatchInterval is the clamp floor for memory-watch polling.
const minWatchInterval = 200 * time.Millisecond

// memoryWatch polls one guest memory range on a timer and pushes an update
// pair (JSON metadata + binary frame) whenever the content hash changes.
type memoryWatch struct {
	id       string
	addr     types.Address
	size     int
	interval time.Duration

	cancel context.CancelFunc

	// inFlight gates one poll at a time; ticks landing during a slow poll
	// are skipped, not queued.
	inFlight atomic.Bool
	// suspended short-circuits ticks during a snapshot load.
	suspended atomic.Bool

	// lastHash is the content hash of the previous emission; cleared when a
	// snapshot load completes so the first post-load read always emits.
	hashMu   sync.Mutex
	lastHash string
}

type memoryUpdateMessage struct {
	Type     string `json:"type"`
	ID       string `json:"id"`
	Address  string `json:"address"`
	Size     int    `json:"size"`
	Checksum string `json:"checksum"`
}

// startWatch creates or replaces the watch named msg.ID on this client.
func (s *Server) startWatch(client *wsClient, msg clientMessage) {
	if msg.ID == "" {
		client.sendError("watch id is required", msg.RequestID)
		return
	}
	addr, err := types.ParseAddress(msg.Address)
	if err != nil {
		client.sendError(err.Error(), msg.RequestID)
		return
	}
	if msg.Size <= 0 || msg.Size > maxMemoryRead {
		client.sendError("watch size must be a positive integer", msg.RequestID)
		return
	}

	interval := time.Duration(msg.IntervalMs) * time.Millisecond
	if interval < minWatchInterval {
		interval = minWatchInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	watch := &memoryWatch{
		id:       msg.ID,
		addr:     addr,
		size:     msg.Size,
		interval: interval,
		cancel:   cancel,
	}

	// Replacing an existing watch of the same id stops the old one first.
	client.watchMu.Lock()
	if old, ok := client.watches[msg.ID]; ok {
		old.cancel()
	} else {
		memoryWatches.Inc()
	}
	client.watches[msg.ID] = watch
	client.watchMu.Unlock()

	go watch.run(ctx, s, client)
}

func (w *memoryWatch) run(ctx context.Context, s *Server, client *wsClient) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll(ctx, s, client)
		}
	}
}

func (w *memoryWatch) poll(ctx context.Context, s *Server, client *wsClient) {
	if w.suspended.Load() {
		return
	}
	if !w.inFlight.CompareAndSwap(false, true) {
		// Previous poll still running; skip this tick.
		return
	}
	defer w.inFlight.Store(false)

	b, err := s.current()
	if err != nil {
		return
	}
	data, err := b.ReadMemory(ctx, w.addr, w.size)
	if err != nil {
		log.Debug().Err(err).Str("id", w.id).Msg("watch poll failed")
		return
	}

	hash := capture.Checksum(data)
	w.hashMu.Lock()
	changed := hash != w.lastHash
	if changed {
		w.lastHash = hash
	}
	w.hashMu.Unlock()
	if !changed {
		return
	}

	if !s.broker.Subscribed(client, ChannelMemory) {
		return
	}
	meta := memoryUpdateMessage{
		Type:     "memory:update",
		ID:       w.id,
		Address:  w.addr.String(),
		Size:     len(data),
		Checksum: hash,
	}
	if err := client.sendBinaryPair(meta, data); err != nil {
		log.Debug().Err(err).Str("id", w.id).Msg("memory:update write failed")
	}
}

func (w *memoryWatch) invalidate() {
	w.hashMu.Lock()
	w.lastHash = ""
	w.hashMu.Unlock()
}

func (c *wsClient) stopWatch(id string) {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	if watch, ok := c.watches[id]; ok {
		watch.cancel()
		delete(c.watches, id)
		memoryWatches.Dec()
	}
}

func (c *wsClient) stopAllWatches() {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	for id, watch := range c.watches {
		watch.cancel()
		delete(c.watches, id)
		memoryWatches.Dec()
	}
}

// suspendWatches short-circuits all polls while a snapshot loads.
func (c *wsClient) suspendWatches() {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	for _, watch := range c.watches {
		watch.suspended.Store(true)
	}
}

// resumeWatches lifts the suspension and clears the hash caches so the
// first post-snapshot read is always reported.
func (c *wsClient) resumeWatches() {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	for _, watch := range c.watches {
		watch.invalidate()
		watch.suspended.Store(false)
	}
}
