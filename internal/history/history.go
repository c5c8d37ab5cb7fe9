// Package history retains the most recent chat and system messages for
// replay when a client joins.
package history

import (
	"sync"

	"github.com/williamchildres/terminal-messenger/internal/metrics"
	"github.com/williamchildres/terminal-messenger/internal/protocol"
)

// Ring is a bounded in-memory message buffer. When full, an append evicts
// the oldest entry. All methods are safe for concurrent use; appends are
// totally ordered and every snapshot observes them in that order.
type Ring struct {
	mu    sync.Mutex
	buf   []protocol.Envelope
	head  int // index of the oldest entry
	count int
}

// NewRing creates a ring holding up to capacity envelopes.
func NewRing(capacity int) *Ring {
	return &Ring{buf: make([]protocol.Envelope, capacity)}
}

// Append records a historic envelope, evicting the oldest entry at
// capacity. Command envelopes are not historic and are ignored.
func (r *Ring) Append(e protocol.Envelope) {
	if !e.Historic() {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == len(r.buf) {
		r.buf[r.head] = e
		r.head = (r.head + 1) % len(r.buf)
	} else {
		r.buf[(r.head+r.count)%len(r.buf)] = e
		r.count++
	}
	metrics.HistorySize.Set(float64(r.count))
}

// Snapshot returns a point-in-time copy of the contents, oldest first.
func (r *Ring) Snapshot() []protocol.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]protocol.Envelope, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	return out
}

// Len returns the number of retained envelopes.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}
