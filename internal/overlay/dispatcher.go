package overlay

import (
	"log"
	"time"

	"github.com/whisper/flipper/internal/protocol"
)

// dispatch handles a text frame from an overlay. The feed is one-way, so the
// only message understood is the application-level ping.
func (s *Server) dispatch(c *Connection, data []byte) {
	msgType, _, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("[overlay] dispatch error id=%s type=%q: %v", c.ID, msgType, err)
		if msgType == "" {
			s.sendError(c, "parse_error", "invalid message format")
		} else {
			s.sendError(c, "unsupported_type", "unsupported message type")
		}
		return
	}

	if msgType == protocol.TypePing {
		s.sendPong(c)
	}
}

// sendError sends a structured error message back to the overlay.
func (s *Server) sendError(c *Connection, code, message string) {
	data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
	if err != nil {
		log.Printf("[overlay] failed to build error message id=%s: %v", c.ID, err)
		return
	}

	if err := c.WriteMessage(data, s.config.WriteTimeout); err != nil {
		log.Printf("[overlay] failed to send error message id=%s: %v", c.ID, err)
	}
}

// sendPong answers an application-level ping.
func (s *Server) sendPong(c *Connection) {
	c.touch(time.Now())

	data, err := protocol.NewServerMessage(protocol.TypePong, protocol.PongMsg{})
	if err != nil {
		log.Printf("[overlay] failed to build pong id=%s: %v", c.ID, err)
		return
	}

	if err := c.WriteMessage(data, s.config.WriteTimeout); err != nil {
		log.Printf("[overlay] failed to send pong id=%s: %v", c.ID, err)
	}
}
