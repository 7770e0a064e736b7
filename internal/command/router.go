// Package command classifies chat messages into flip commands.
//
// Only the keyword is matched case-insensitively; the speaker and the wager
// are passed through verbatim.
package command

import (
	"strings"
	"unicode"

	"github.com/whisper/flipper/internal/protocol"
)

// Chat keywords.
const (
	KeywordFlip    = "!flip"
	KeywordFlipper = "!flipper"
)

// Command is either StartChallenge or JoinChallenge.
type Command interface{ command() }

// StartChallenge opens a new challenge. Wager is nil when the speaker gave no
// label.
type StartChallenge struct {
	By    string
	Wager *string
}

func (StartChallenge) command() {}

// JoinChallenge accepts the open challenge.
type JoinChallenge struct {
	By string
}

func (JoinChallenge) command() {}

// Route returns the command carried by msg, or false if the text is not a
// command. Unrecognised text has no side effects.
func Route(msg protocol.ChatMessage) (Command, bool) {
	text := strings.TrimLeftFunc(msg.Text, unicode.IsSpace)

	// Anything after !flipper is ignored, including letters glued to it.
	if hasPrefixFold(text, KeywordFlipper) {
		return JoinChallenge{By: msg.Speaker}, true
	}

	keyword, remainder := splitKeyword(text)
	if strings.EqualFold(keyword, KeywordFlip) {
		return StartChallenge{By: msg.Speaker, Wager: wagerLabel(remainder)}, true
	}
	return nil, false
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

// splitKeyword cuts text at the first whitespace rune.
func splitKeyword(text string) (string, string) {
	i := strings.IndexFunc(text, unicode.IsSpace)
	if i < 0 {
		return text, ""
	}
	return text[:i], text[i:]
}

func wagerLabel(remainder string) *string {
	label := strings.TrimSpace(remainder)
	if label == "" {
		return nil
	}
	return &label
}
