package backend

import "sync"

// Holder is the process-wide single slot for the currently selected backend.
// Handlers read through it on every request so a reseat takes effect
// immediately; nothing caches the backend across requests.
type Holder struct {
	mu      sync.RWMutex
	current Backend
}

// NewHolder returns an empty holder.
func NewHolder() *Holder {
	return &Holder{}
}

// Get returns the current backend, or nil when none is attached.
func (h *Holder) Get() Backend {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// Swap installs a new backend (nil detaches) and returns the previous one so
// the caller can shut it down.
func (h *Holder) Swap(b Backend) Backend {
	h.mu.Lock()
	defer h.mu.Unlock()
	old := h.current
	h.current = b
	return old
}
