package session

import (
	"bufio"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/williamchildres/terminal-messenger/internal/hub"
)

// writeLoop is the only task that touches the transport's write half. It
// batches whatever is already queued behind each frame into one flush and
// closes the connection on exit, which also unblocks the reader.
func (s *Session) writeLoop() {
	defer s.wg.Done()
	defer s.conn.Close()

	writer := bufio.NewWriter(s.conn)
	for {
		select {
		case f := <-s.handle.Outbound():
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !s.writeFrame(writer, f) {
				return
			}
			n := len(s.handle.Outbound())
			for i := 0; i < n; i++ {
				if !s.writeFrame(writer, <-s.handle.Outbound()) {
					return
				}
			}
			if err := writer.Flush(); err != nil {
				s.logger.Debug().Err(err).Msg("flush failed")
				s.teardown("write_error")
				return
			}
		case <-s.handle.Done():
			s.drainAndClose(writer)
			return
		}
	}
}

func (s *Session) writeFrame(writer *bufio.Writer, f hub.Frame) bool {
	if err := wsutil.WriteServerMessage(writer, f.Op, f.Payload); err != nil {
		s.logger.Debug().Err(err).Msg("write failed")
		s.teardown("write_error")
		return false
	}
	return true
}

// drainAndClose flushes frames queued before teardown, then sends a close
// frame. Both are best effort; the peer may already be gone.
func (s *Session) drainAndClose(writer *bufio.Writer) {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	for {
		select {
		case f := <-s.handle.Outbound():
			if err := wsutil.WriteServerMessage(writer, f.Op, f.Payload); err != nil {
				return
			}
		default:
			if err := writer.Flush(); err != nil {
				return
			}
			wsutil.WriteServerMessage(s.conn, ws.OpClose, nil)
			return
		}
	}
}
