// Package transport owns the persistent chat connection. It speaks Twitch IRC
// over a WebSocket using gobwas/ws, answers keepalive probes inline on the read
// goroutine, hands every inbound line to a single handler in receipt order,
// and drains outbound chat lines through a rate-limited writer.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand/v2"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"golang.org/x/time/rate"

	"github.com/whisper/flipper/internal/metrics"
	"github.com/whisper/flipper/internal/protocol"
)

var (
	ErrNotConnected     = errors.New("transport: not connected")
	ErrAlreadyConnected = errors.New("transport: already connected")
	ErrClosed           = errors.New("transport: closed")
)

// ConnectionState is owned by the Client and driven only by transport events.
type ConnectionState int32

const (
	Disconnected ConnectionState = iota
	Connecting
	Joined
)

func (s ConnectionState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Joined:
		return "joined"
	default:
		return "disconnected"
	}
}

// Identity authenticates the bot. A nil identity connects anonymously and can
// only read.
type Identity struct {
	Name   string
	Secret string
}

// Config holds the tunable parameters for the chat client.
type Config struct {
	URL          string        // chat WebSocket endpoint
	SendBurst    int           // outbound lines allowed back to back
	SendInterval time.Duration // steady-state spacing between outbound lines
	QueueSize    int           // outbound lines buffered before Send drops
}

// DefaultConfig returns a Config with production defaults. The rate matches
// Twitch's limit for regular accounts (20 lines per 30 seconds).
func DefaultConfig() Config {
	return Config{
		URL:          "wss://irc-ws.chat.twitch.tv:443",
		SendBurst:    20,
		SendInterval: 1500 * time.Millisecond,
		QueueSize:    64,
	}
}

// LineHandler receives one raw protocol line.
type LineHandler func(line string)

// Client is a reusable chat connection. Connect may be called again after the
// previous session has ended.
type Client struct {
	cfg     Config
	limiter *rate.Limiter
	state   atomic.Int32

	handlerMu sync.RWMutex
	handler   LineHandler

	mu      sync.Mutex
	sess    *session
	dialing bool
	stopped bool
}

// session is one dialed connection.
type session struct {
	conn      net.Conn
	reader    io.Reader
	channel   string
	nick      string
	anonymous bool
	send      chan string // outbound queue; discarded with the session

	writeMu   sync.Mutex // serializes frames written to conn
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a disconnected client.
func New(cfg Config) *Client {
	def := DefaultConfig()
	if cfg.URL == "" {
		cfg.URL = def.URL
	}
	if cfg.SendBurst <= 0 {
		cfg.SendBurst = def.SendBurst
	}
	if cfg.SendInterval <= 0 {
		cfg.SendInterval = def.SendInterval
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	c := &Client{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Every(cfg.SendInterval), cfg.SendBurst),
	}
	c.setState(Disconnected)
	return c
}

// OnMessage registers the inbound line handler. There is one slot; it should
// be set before Connect so no line is missed. The handler runs on the read
// goroutine and must not block for long.
func (c *Client) OnMessage(h LineHandler) {
	c.handlerMu.Lock()
	c.handler = h
	c.handlerMu.Unlock()
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

func (c *Client) setState(s ConnectionState) {
	c.state.Store(int32(s))
	metrics.ConnectionState.Set(float64(s))
}

// Connect dials the chat endpoint, authenticates and joins channel. It returns
// once the handshake lines are written; the state becomes Joined when the
// server acknowledges the join.
func (c *Client) Connect(ctx context.Context, channel string, id *Identity) error {
	channel = protocol.NormalizeChannel(channel)
	if channel == "" {
		return fmt.Errorf("transport: connect: empty channel")
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.sess != nil || c.dialing {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.dialing = true
	c.setState(Connecting)
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.dialing = false
		c.mu.Unlock()
	}()

	conn, br, _, err := ws.Dial(ctx, c.cfg.URL)
	if err != nil {
		c.setState(Disconnected)
		return fmt.Errorf("transport: dial %s: %w", c.cfg.URL, err)
	}

	s := &session{
		conn:    conn,
		reader:  conn,
		channel: channel,
		send:    make(chan string, c.cfg.QueueSize),
		done:    make(chan struct{}),
	}
	if br != nil {
		// The handshake may have buffered the first frames.
		s.reader = br
	}

	handshake := []string{protocol.CapReq()}
	if id != nil && id.Name != "" {
		s.nick = strings.ToLower(id.Name)
		handshake = append(handshake, protocol.Pass(oauthToken(id.Secret)))
	} else {
		s.nick = AnonymousNick()
		s.anonymous = true
	}
	handshake = append(handshake, protocol.Nick(s.nick), protocol.Join(channel))

	for _, line := range handshake {
		if err := s.write(line); err != nil {
			conn.Close()
			c.setState(Disconnected)
			return fmt.Errorf("transport: handshake: %w", err)
		}
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		conn.Close()
		c.setState(Disconnected)
		return ErrClosed
	}
	if c.sess != nil {
		c.mu.Unlock()
		conn.Close()
		return ErrAlreadyConnected
	}
	c.sess = s
	c.mu.Unlock()

	log.Printf("[transport] connected to %s as %s (anonymous=%v), joining #%s", c.cfg.URL, s.nick, s.anonymous, channel)

	go c.readLoop(s)
	go c.writeLoop(s)
	return nil
}

// Send enqueues text for the joined channel without blocking. When the client
// is not joined, or is anonymous, the line is only logged locally. A full
// queue drops the line. Lines still queued when the session ends are
// discarded, never replayed into a later session.
func (c *Client) Send(text string) {
	s := c.current()
	if s == nil || c.State() != Joined {
		log.Printf("[transport] not joined, local only: %s", text)
		return
	}
	if s.anonymous {
		log.Printf("[transport] anonymous, local only: %s", text)
		return
	}

	select {
	case s.send <- text:
	default:
		metrics.LinesTotal.WithLabelValues("dropped").Inc()
		log.Printf("[transport] send queue full, dropping: %s", text)
	}
}

// Done returns a channel closed when the current session ends. With no
// session it returns an already closed channel.
func (c *Client) Done() <-chan struct{} {
	if s := c.current(); s != nil {
		return s.done
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

// Disconnect ends the current session, if any. The client can connect again.
func (c *Client) Disconnect() error {
	s := c.current()
	if s == nil {
		return ErrNotConnected
	}
	c.endSession(s, "disconnect requested")
	return nil
}

// Close ends the current session and refuses further connects.
func (c *Client) Close() error {
	c.mu.Lock()
	c.stopped = true
	s := c.sess
	c.mu.Unlock()

	if s != nil {
		c.endSession(s, "client closed")
	}
	return nil
}

func (c *Client) current() *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

func (c *Client) endSession(s *session, reason string) {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()

		if n := len(s.send); n > 0 {
			metrics.LinesTotal.WithLabelValues("dropped").Add(float64(n))
			log.Printf("[transport] discarding %d queued lines", n)
		}

		c.mu.Lock()
		if c.sess == s {
			c.sess = nil
		}
		c.mu.Unlock()
		c.setState(Disconnected)
		log.Printf("[transport] disconnected from #%s: %s", s.channel, reason)
	})
}

// readLoop reads frames until the connection drops. Each frame may carry
// several lines; they are handled one at a time in order.
func (c *Client) readLoop(s *session) {
	for {
		data, err := s.readText()
		if err != nil {
			select {
			case <-s.done:
			default:
				c.endSession(s, err.Error())
			}
			return
		}

		for _, line := range protocol.SplitFrame(string(data)) {
			metrics.LinesTotal.WithLabelValues("received").Inc()
			if !c.handleLine(s, line) {
				return
			}
		}
	}
}

// handleLine reacts to transport-level lines and then dispatches the line.
// It returns false once the session has been ended.
func (c *Client) handleLine(s *session, line string) bool {
	if pong, ok := protocol.PongFor(line); ok {
		if err := s.write(pong); err != nil {
			c.endSession(s, "keepalive reply failed: "+err.Error())
			return false
		}
	}

	if m, err := protocol.Parse(line); err == nil {
		switch {
		case protocol.IsJoinAck(m, s.nick, s.channel):
			c.setState(Joined)
			log.Printf("[transport] joined #%s", s.channel)
		case protocol.IsLoginFailure(m):
			c.dispatch(line)
			c.endSession(s, "login rejected: "+m.Trailing)
			return false
		case m.Command == protocol.CmdReconn:
			c.dispatch(line)
			c.endSession(s, "server requested reconnect")
			return false
		}
	}

	c.dispatch(line)
	return true
}

func (c *Client) dispatch(line string) {
	c.handlerMu.RLock()
	h := c.handler
	c.handlerMu.RUnlock()
	if h != nil {
		h(line)
	}
}

// writeLoop drains the outbound queue at the configured rate.
func (c *Client) writeLoop(s *session) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.done
		cancel()
	}()

	for {
		select {
		case <-s.done:
			return
		case text := <-s.send:
			if err := c.limiter.Wait(ctx); err != nil {
				return
			}
			if err := s.write(protocol.Privmsg(s.channel, text)); err != nil {
				c.endSession(s, "write failed: "+err.Error())
				return
			}
			metrics.LinesTotal.WithLabelValues("sent").Inc()
		}
	}
}

func (s *session) write(line string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return wsutil.WriteClientText(s.conn, []byte(line))
}

// readText returns the payload of the next text frame. Control frames are
// answered under the write mutex so they never interleave with chat lines.
func (s *session) readText() ([]byte, error) {
	control := wsutil.ControlFrameHandler(s.conn, ws.StateClientSide)
	onControl := func(h ws.Header, r io.Reader) error {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		return control(h, r)
	}

	rd := wsutil.Reader{
		Source:         s.reader,
		State:          ws.StateClientSide,
		CheckUTF8:      true,
		OnIntermediate: onControl,
	}
	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return nil, err
		}
		if hdr.OpCode.IsControl() {
			if err := onControl(hdr, &rd); err != nil {
				return nil, err
			}
			continue
		}
		if hdr.OpCode&ws.OpText == 0 {
			if err := rd.Discard(); err != nil {
				return nil, err
			}
			continue
		}
		return io.ReadAll(&rd)
	}
}

// AnonymousNick returns a read-only guest login.
func AnonymousNick() string {
	return fmt.Sprintf("justinfan%05d", rand.IntN(100000))
}

func oauthToken(secret string) string {
	if strings.HasPrefix(secret, "oauth:") {
		return secret
	}
	return "oauth:" + secret
}
