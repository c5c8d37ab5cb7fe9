// Package hub tracks connected sessions and routes envelopes to them.
package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
)

// Frame is one outbound transport frame queued for a session's writer.
// Text frames carry an encoded envelope; the keeper and the ping echo path
// queue control frames through the same channel so the writer stays the
// sole transport writer.
type Frame struct {
	Op      ws.OpCode
	Payload []byte
}

// TextFrame wraps an encoded envelope payload.
func TextFrame(payload []byte) Frame {
	return Frame{Op: ws.OpText, Payload: payload}
}

// Handle is the registry's view of one connected session: its identity, its
// current username, and the outbound queue its writer drains. Any goroutine
// may enqueue; the session's writer is the sole consumer.
type Handle struct {
	id          string
	connectedAt time.Time

	mu       sync.RWMutex
	username string
	kick     func(reason string)

	outbound  chan Frame
	done      chan struct{}
	closeOnce sync.Once

	messageCount atomic.Int64
}

// NewHandle creates a handle with a bounded outbound queue.
func NewHandle(id string, buffer int) *Handle {
	return &Handle{
		id:          id,
		connectedAt: time.Now(),
		outbound:    make(chan Frame, buffer),
		done:        make(chan struct{}),
	}
}

// ID returns the connection identifier.
func (h *Handle) ID() string { return h.id }

// ConnectedAt returns when the connection was accepted.
func (h *Handle) ConnectedAt() time.Time { return h.connectedAt }

// Username returns the current username; empty until authenticated.
func (h *Handle) Username() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.username
}

// SetUsername updates the username (login or rename).
func (h *Handle) SetUsername(name string) {
	h.mu.Lock()
	h.username = name
	h.mu.Unlock()
}

// MessageCount returns the number of chat messages this session produced.
func (h *Handle) MessageCount() int64 { return h.messageCount.Load() }

// IncMessageCount bumps the produced-message counter.
func (h *Handle) IncMessageCount() { h.messageCount.Add(1) }

// OnKick registers the callback that schedules the owning session's
// teardown. Must be set before the handle enters the registry.
func (h *Handle) OnKick(f func(reason string)) {
	h.mu.Lock()
	h.kick = f
	h.mu.Unlock()
}

// Kick invokes the registered teardown callback, if any.
func (h *Handle) Kick(reason string) {
	h.mu.RLock()
	f := h.kick
	h.mu.RUnlock()
	if f != nil {
		f(reason)
	}
}

// Enqueue offers a frame to the outbound queue without blocking. It reports
// false when the session is closing or the queue is full; the caller decides
// whether that schedules a teardown.
func (h *Handle) Enqueue(f Frame) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.outbound <- f:
		return true
	case <-h.done:
		return false
	default:
		return false
	}
}

// Outbound is the writer's end of the queue.
func (h *Handle) Outbound() <-chan Frame { return h.outbound }

// Done is closed when the session starts tearing down.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Close marks the handle as closing. Enqueue fails from then on.
func (h *Handle) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}
