package session

import (
	"time"

	"github.com/gobwas/ws"

	"github.com/williamchildres/terminal-messenger/internal/hub"
)

// keepAlive probes the peer once per ping interval and tears the session
// down when a pong does not come back in time. It starts after
// authentication, so the first probe lands one full interval into the
// active phase.
func (s *Session) keepAlive() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.handle.Done():
			return
		case <-ticker.C:
			// Drop a pong left over from a previous probe so the wait
			// below only answers to this one.
			select {
			case <-s.pongCh:
			default:
			}
			if !s.handle.Enqueue(hub.Frame{Op: ws.OpPing}) {
				s.teardown("slow_consumer")
				return
			}
			select {
			case <-s.pongCh:
			case <-time.After(s.cfg.PongTimeout):
				s.logger.Info().Msg("keep-alive timeout")
				s.teardown("ping_timeout")
				return
			case <-s.handle.Done():
				return
			}
		}
	}
}
