package main

import (
	"context"
	"log"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/whisper/flipper/internal/transport"
)

// chatConn is the part of transport.Client the supervisor drives.
type chatConn interface {
	Connect(ctx context.Context, channel string, id *transport.Identity) error
	Done() <-chan struct{}
}

// supervisor keeps the chat connection up. The engine is untouched across
// reconnects, so an open challenge survives a dropped connection.
type supervisor struct {
	conn      chatConn
	clock     clockwork.Clock
	channel   string
	identity  *transport.Identity
	reconnect bool
	wait      time.Duration
}

// run connects and, when reconnect is enabled, reconnects after each lost
// session until ctx is cancelled.
func (s *supervisor) run(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		if err := s.conn.Connect(ctx, s.channel, s.identity); err != nil {
			log.Printf("[supervisor] connect attempt %d failed: %v", attempt, err)
		} else {
			attempt = 0
			select {
			case <-ctx.Done():
				return nil
			case <-s.conn.Done():
				log.Printf("[supervisor] chat session ended")
			}
		}

		if ctx.Err() != nil {
			return nil
		}
		if !s.reconnect {
			log.Printf("[supervisor] reconnect disabled, staying offline")
			<-ctx.Done()
			return nil
		}

		log.Printf("[supervisor] reconnecting in %s", s.wait)
		select {
		case <-ctx.Done():
			return nil
		case <-s.clock.After(s.wait):
		}
	}
}
