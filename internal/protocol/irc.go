package protocol

import (
	"errors"
	"strings"
)

// IRC commands used by the chat transport.
const (
	CmdPrivmsg = "PRIVMSG"
	CmdPing    = "PING"
	CmdPong    = "PONG"
	CmdJoin    = "JOIN"
	CmdNotice  = "NOTICE"
	CmdReconn  = "RECONNECT"
)

// Capabilities requested after connecting. Tags carry the display name
// (case-preserved handle); commands enables NOTICE and RECONNECT.
const Capabilities = "twitch.tv/tags twitch.tv/commands"

var (
	ErrEmptyLine = errors.New("protocol: empty line")
	ErrMalformed = errors.New("protocol: malformed line")
)

// Message is one parsed IRC line:
//
//	[@tags] [:source] COMMAND [params...] [:trailing]
type Message struct {
	Tags        map[string]string
	Source      string
	Command     string
	Params      []string
	Trailing    string
	HasTrailing bool
}

// ChatMessage is a single user chat line. It has no identity beyond its fields.
type ChatMessage struct {
	Speaker string
	Text    string
}

// Parse splits one raw protocol line into its IRC components.
func Parse(line string) (Message, error) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return Message{}, ErrEmptyLine
	}

	var m Message
	if strings.HasPrefix(line, "@") {
		tags, rest, ok := strings.Cut(line[1:], " ")
		if !ok {
			return Message{}, ErrMalformed
		}
		m.Tags = parseTags(tags)
		line = strings.TrimLeft(rest, " ")
	}

	if strings.HasPrefix(line, ":") {
		source, rest, ok := strings.Cut(line[1:], " ")
		if !ok || source == "" {
			return Message{}, ErrMalformed
		}
		m.Source = source
		line = strings.TrimLeft(rest, " ")
	}

	// The first " :" after the source starts the trailing parameter; channel
	// targets and middle params never contain it.
	if head, trailing, ok := strings.Cut(line, " :"); ok {
		line = head
		m.Trailing = trailing
		m.HasTrailing = true
	}

	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Message{}, ErrMalformed
	}
	m.Command = strings.ToUpper(fields[0])
	m.Params = fields[1:]
	return m, nil
}

// Nick returns the nickname from a nick!user@host source, or false when the
// source is a server name or missing.
func (m Message) Nick() (string, bool) {
	nick, host, ok := strings.Cut(m.Source, "!")
	if !ok || nick == "" || !strings.Contains(host, "@") {
		return "", false
	}
	return nick, true
}

// Target returns the first middle parameter (the channel for PRIVMSG/JOIN).
func (m Message) Target() string {
	if len(m.Params) == 0 {
		return ""
	}
	return m.Params[0]
}

// ParseLine turns one raw inbound line into a chat message. Anything that is
// not a user PRIVMSG to a channel (keepalives, join/part notices, server
// numerics, malformed input) yields false.
func ParseLine(line string) (ChatMessage, bool) {
	m, err := Parse(line)
	if err != nil || m.Command != CmdPrivmsg || !m.HasTrailing {
		return ChatMessage{}, false
	}
	if !strings.HasPrefix(m.Target(), "#") {
		return ChatMessage{}, false
	}
	nick, ok := m.Nick()
	if !ok {
		return ChatMessage{}, false
	}

	text := strings.TrimSpace(m.Trailing)
	if text == "" {
		return ChatMessage{}, false
	}

	return ChatMessage{Speaker: speakerName(nick, m.Tags), Text: text}, true
}

// speakerName prefers the display-name tag when it is only a case variant of
// the login, so the handle keeps its capitalisation for display.
func speakerName(nick string, tags map[string]string) string {
	if display := tags["display-name"]; display != "" && strings.EqualFold(display, nick) {
		return display
	}
	return nick
}

// PongFor returns the keepalive reply for a PING line. The token is echoed
// verbatim.
func PongFor(line string) (string, bool) {
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, CmdPing) {
		return "", false
	}
	return CmdPong + line[len(CmdPing):], true
}

// IsJoinAck reports whether the line acknowledges our own JOIN of channel.
func IsJoinAck(m Message, nick, channel string) bool {
	if m.Command != CmdJoin {
		return false
	}
	who, ok := m.Nick()
	if !ok || !strings.EqualFold(who, nick) {
		return false
	}
	target := m.Target()
	if target == "" && m.HasTrailing {
		target = m.Trailing
	}
	return strings.EqualFold(target, "#"+channel)
}

// IsLoginFailure reports whether a NOTICE signals rejected credentials.
func IsLoginFailure(m Message) bool {
	if m.Command != CmdNotice {
		return false
	}
	t := strings.ToLower(m.Trailing)
	return strings.Contains(t, "login authentication failed") ||
		strings.Contains(t, "improperly formatted auth")
}

// NormalizeChannel lowercases a channel name and strips the leading '#'.
func NormalizeChannel(channel string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(channel), "#"))
}

// Outbound line builders.

func Pass(secret string) string { return "PASS " + secret }

func Nick(name string) string { return "NICK " + name }

func CapReq() string { return "CAP REQ :" + Capabilities }

func Join(channel string) string { return "JOIN #" + channel }

// Privmsg formats a chat line for channel. Line terminators in text are
// replaced so a user-supplied label can never inject a second command.
func Privmsg(channel, text string) string {
	return CmdPrivmsg + " #" + channel + " :" + sanitize(text)
}

var lineBreaks = strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ")

func sanitize(text string) string {
	return lineBreaks.Replace(text)
}

// SplitFrame splits a transport frame into its non-empty lines, in order.
func SplitFrame(frame string) []string {
	parts := strings.Split(frame, "\r\n")
	lines := parts[:0]
	for _, p := range parts {
		p = strings.TrimRight(p, "\n")
		if p != "" {
			lines = append(lines, p)
		}
	}
	return lines
}

var tagEscapes = strings.NewReplacer(`\:`, ";", `\s`, " ", `\\`, `\`, `\r`, "\r", `\n`, "\n")

func parseTags(raw string) map[string]string {
	tags := make(map[string]string)
	for _, kv := range strings.Split(raw, ";") {
		if kv == "" {
			continue
		}
		k, v, _ := strings.Cut(kv, "=")
		tags[k] = tagEscapes.Replace(v)
	}
	return tags
}
