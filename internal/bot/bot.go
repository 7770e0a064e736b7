// Package bot connects the chat transport to the flip engine: each inbound
// line is parsed, classified, optionally throttled, and submitted.
package bot

import (
	"context"
	"log"

	"github.com/whisper/flipper/internal/command"
	"github.com/whisper/flipper/internal/metrics"
	"github.com/whisper/flipper/internal/protocol"
)

// Engine accepts classified commands.
type Engine interface {
	StartChallenge(creator string, wager *string)
	JoinChallenge(joiner string)
}

// CommandLimiter decides whether a chatter may issue another command.
type CommandLimiter interface {
	AllowCommand(ctx context.Context, user string) bool
}

// Bot routes chat lines into the engine.
type Bot struct {
	engine  Engine
	limiter CommandLimiter
}

// New creates a Bot. limiter may be nil to disable throttling.
func New(engine Engine, limiter CommandLimiter) *Bot {
	return &Bot{engine: engine, limiter: limiter}
}

// HandleLine processes one raw protocol line. Lines that are not chat, and
// chat that is not a command, are dropped without a trace.
func (b *Bot) HandleLine(line string) {
	msg, ok := protocol.ParseLine(line)
	if !ok {
		return
	}
	cmd, ok := command.Route(msg)
	if !ok {
		return
	}

	name := commandName(cmd)
	if b.limiter != nil && !b.limiter.AllowCommand(context.Background(), msg.Speaker) {
		metrics.CommandsTotal.WithLabelValues(name, "limited").Inc()
		log.Printf("[bot] %s from %s rate limited", name, msg.Speaker)
		return
	}
	metrics.CommandsTotal.WithLabelValues(name, "accepted").Inc()

	switch c := cmd.(type) {
	case command.StartChallenge:
		b.engine.StartChallenge(c.By, c.Wager)
	case command.JoinChallenge:
		b.engine.JoinChallenge(c.By)
	}
}

func commandName(cmd command.Command) string {
	if _, ok := cmd.(command.JoinChallenge); ok {
		return "join"
	}
	return "start"
}
