package overlay

import (
	"log"

	"github.com/whisper/flipper/internal/flip"
	"github.com/whisper/flipper/internal/protocol"
)

// PublishFlip broadcasts a resolved flip. This is the hook that starts the
// coin animation in every connected overlay.
func (s *Server) PublishFlip(o flip.Outcome) {
	s.publish(protocol.TypeFlip, protocol.FlipMsg{
		Result: o.Result.String(),
		Winner: o.Winner,
		Loser:  o.Loser,
		Wager:  o.Wager,
	})
}

// PublishOpened broadcasts a newly opened challenge.
func (s *Server) PublishOpened(creator string, wager *string) {
	s.publish(protocol.TypeOpened, protocol.FlipOpenedMsg{Creator: creator, Wager: wager})
}

// PublishExpired broadcasts an unmatched challenge timing out.
func (s *Server) PublishExpired(wager *string) {
	s.publish(protocol.TypeExpired, protocol.FlipExpiredMsg{Wager: wager})
}

func (s *Server) publish(msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("[overlay] failed to build %s: %v", msgType, err)
		return
	}
	s.Broadcast(data)
}
