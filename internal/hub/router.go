package hub

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/williamchildres/terminal-messenger/internal/metrics"
	"github.com/williamchildres/terminal-messenger/internal/protocol"
)

// Router delivers envelopes to sessions: fan-out to every registered handle
// or direct to one. It encodes once per envelope and never blocks on a slow
// consumer; a failed enqueue schedules that session's teardown instead.
type Router struct {
	registry *Registry
	logger   zerolog.Logger
}

// NewRouter creates a router over the registry.
func NewRouter(registry *Registry, logger zerolog.Logger) *Router {
	return &Router{
		registry: registry,
		logger:   logger.With().Str("component", "router").Logger(),
	}
}

// FanOut enqueues the envelope to every registered session. Sessions whose
// queue rejects the frame are kicked after the loop, off this goroutine, so
// one dead consumer cannot stall the broadcast.
func (rt *Router) FanOut(e protocol.Envelope) {
	start := time.Now()

	data, err := protocol.Encode(e)
	if err != nil {
		rt.logger.Error().Err(err).Msg("encode broadcast envelope")
		return
	}
	frame := TextFrame(data)

	var failed []*Handle
	for _, h := range rt.registry.Handles() {
		if !h.Enqueue(frame) {
			metrics.MessagesDroppedTotal.Inc()
			failed = append(failed, h)
		}
	}

	metrics.BroadcastsTotal.Inc()
	metrics.BroadcastDuration.Observe(time.Since(start).Seconds())

	for _, h := range failed {
		rt.logger.Warn().
			Str("conn_id", h.ID()).
			Str("username", h.Username()).
			Msg("outbound queue rejected broadcast, kicking session")
		go h.Kick("slow_consumer")
	}
}

// Direct delivers the envelope to the first session matching the recipient
// username and reports whether a recipient was found.
func (rt *Router) Direct(recipient string, e protocol.Envelope) bool {
	h := rt.registry.FindByUsername(recipient)
	if h == nil {
		return false
	}
	rt.Send(h, e)
	return true
}

// Send enqueues one envelope to a single session, kicking it when the queue
// is full or the session is closing.
func (rt *Router) Send(h *Handle, e protocol.Envelope) {
	data, err := protocol.Encode(e)
	if err != nil {
		rt.logger.Error().Err(err).Msg("encode envelope")
		return
	}
	if !h.Enqueue(TextFrame(data)) {
		metrics.MessagesDroppedTotal.Inc()
		go h.Kick("slow_consumer")
	}
}
