// Package main is a small debugging client for the overlay feed. It connects
// to a running flipbot, prints every event it receives, and keeps the
// connection alive with application-level pings.
//
// Usage:
//
//	overlaytail [-url ws://localhost:8080/overlay] [-ping 20s]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/flipper/internal/protocol"
)

func main() {
	url := flag.String("url", "ws://localhost:8080/overlay", "overlay WebSocket URL")
	pingEvery := flag.Duration("ping", 20*time.Second, "application ping interval")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, br, _, err := ws.Dial(dialCtx, *url)
	cancel()
	if err != nil {
		log.Fatalf("dial %s: %v", *url, err)
	}
	defer conn.Close()

	var reader io.Reader = conn
	if br != nil {
		reader = br
	}

	t := &tail{conn: conn, reader: reader}
	go t.pingLoop(ctx, *pingEvery)

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	if err := t.readLoop(); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "connection lost: %v\n", err)
		os.Exit(1)
	}
}

type tail struct {
	conn    net.Conn
	reader  io.Reader
	writeMu sync.Mutex
}

func (t *tail) send(payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return wsutil.WriteClientMessage(t.conn, ws.OpText, data)
}

func (t *tail) pingLoop(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.send(protocol.PingMsg{Type: protocol.TypePing}); err != nil {
				return
			}
		}
	}
}

// readLoop prints each server message until the connection closes. Server
// pings are answered under the write mutex.
func (t *tail) readLoop() error {
	rw := struct {
		io.Reader
		io.Writer
	}{t.reader, lockedWriter{t}}

	for {
		data, err := wsutil.ReadServerText(rw)
		if err != nil {
			return err
		}
		fmt.Println(describe(data))
	}
}

// lockedWriter serializes control-frame replies with application writes.
type lockedWriter struct{ t *tail }

func (w lockedWriter) Write(p []byte) (int, error) {
	w.t.writeMu.Lock()
	defer w.t.writeMu.Unlock()
	return w.t.conn.Write(p)
}

func describe(data []byte) string {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Sprintf("%s ??? %s", time.Now().Format(time.TimeOnly), data)
	}

	ts := time.Now().Format(time.TimeOnly)
	switch env.Type {
	case protocol.TypeHello:
		var m protocol.HelloMsg
		_ = json.Unmarshal(env.Raw, &m)
		return fmt.Sprintf("%s connected to #%s", ts, m.Channel)
	case protocol.TypeOpened:
		var m protocol.FlipOpenedMsg
		_ = json.Unmarshal(env.Raw, &m)
		return fmt.Sprintf("%s %s opened a flip%s", ts, m.Creator, forWager(m.Wager))
	case protocol.TypeFlip:
		var m protocol.FlipMsg
		_ = json.Unmarshal(env.Raw, &m)
		return fmt.Sprintf("%s %s! %s beats %s%s", ts, m.Result, m.Winner, m.Loser, forWager(m.Wager))
	case protocol.TypeExpired:
		var m protocol.FlipExpiredMsg
		_ = json.Unmarshal(env.Raw, &m)
		return fmt.Sprintf("%s flip%s expired", ts, forWager(m.Wager))
	default:
		return fmt.Sprintf("%s %s %s", ts, env.Type, data)
	}
}

func forWager(w *string) string {
	if w == nil {
		return ""
	}
	return " for " + *w
}
