// Package protocol defines the two wire formats the bot speaks: IRC lines on
// the chat connection, and JSON messages pushed to overlay clients. Overlay
// messages follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Overlay message type constants
// ---------------------------------------------------------------------------

// Overlay -> Server message types.
const (
	TypePing = "ping"
)

// Server -> Overlay message types.
const (
	TypeHello   = "hello"
	TypeOpened  = "flip_opened"
	TypeFlip    = "flip"
	TypeExpired = "flip_expired"
	TypeError   = "error"
	TypePong    = "pong"
)

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so the rest of the payload can be decoded later.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// PingMsg is an overlay-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// HelloMsg is sent when an overlay connects.
type HelloMsg struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

// FlipOpenedMsg announces a new open challenge.
type FlipOpenedMsg struct {
	Type    string  `json:"type"`
	Creator string  `json:"creator"`
	Wager   *string `json:"wager"`
}

// FlipMsg carries a resolved flip for the coin animation.
type FlipMsg struct {
	Type   string  `json:"type"`
	Result string  `json:"result"`
	Winner string  `json:"winner"`
	Loser  string  `json:"loser"`
	Wager  *string `json:"wager"`
}

// FlipExpiredMsg announces that a challenge expired unmatched.
type FlipExpiredMsg struct {
	Type  string  `json:"type"`
	Wager *string `json:"wager"`
}

// ErrorMsg is sent when an overlay message cannot be handled.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg answers an overlay ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ParseClientMessage decodes a message sent by an overlay client. Only ping is
// accepted; the overlay feed is otherwise one-way.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, err
	}

	switch env.Type {
	case TypePing:
		var m PingMsg
		if err := json.Unmarshal(env.Raw, &m); err != nil {
			return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
		}
		return env.Type, m, nil
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}
}

// NewServerMessage creates a JSON-encoded server message. The msgType is
// injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
