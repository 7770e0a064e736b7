package messaging

import (
	"fmt"
	"strings"

	"github.com/whisper/flipper/internal/flip"
	"github.com/whisper/flipper/internal/protocol"
)

// Publisher is the part of NATSClient the event publisher needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// FlipEvents publishes flip lifecycle events for one channel. Payloads are the
// same JSON messages the overlay receives. Errors are returned to the caller
// for logging.
type FlipEvents struct {
	pub     Publisher
	channel string
}

// NewFlipEvents binds pub to channel.
func NewFlipEvents(pub Publisher, channel string) *FlipEvents {
	return &FlipEvents{pub: pub, channel: strings.ToLower(channel)}
}

// Subject returns the full subject for prefix in this channel.
func (e *FlipEvents) Subject(prefix string) string {
	return prefix + "." + e.channel
}

func (e *FlipEvents) PublishOpened(creator string, wager *string) error {
	return e.publish(SubjectFlipOpened, protocol.TypeOpened, protocol.FlipOpenedMsg{Creator: creator, Wager: wager})
}

func (e *FlipEvents) PublishOutcome(o flip.Outcome) error {
	return e.publish(SubjectFlipOutcome, protocol.TypeFlip, protocol.FlipMsg{
		Result: o.Result.String(),
		Winner: o.Winner,
		Loser:  o.Loser,
		Wager:  o.Wager,
	})
}

func (e *FlipEvents) PublishExpired(wager *string) error {
	return e.publish(SubjectFlipExpired, protocol.TypeExpired, protocol.FlipExpiredMsg{Wager: wager})
}

func (e *FlipEvents) publish(prefix, msgType string, payload interface{}) error {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		return fmt.Errorf("messaging: encode %s: %w", msgType, err)
	}
	subject := e.Subject(prefix)
	if err := e.pub.Publish(subject, data); err != nil {
		return fmt.Errorf("messaging: publish %s: %w", subject, err)
	}
	return nil
}
