package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/flipper/internal/protocol"
)

// fakeChat is a minimal chat server: it records every line the client sends,
// acknowledges JOIN when ackJoin is set, and writes pushed frames verbatim.
type fakeChat struct {
	srv      *httptest.Server
	received chan string
	push     chan string
	kill     chan struct{}
	ackJoin  bool
	killOnce sync.Once
}

func newFakeChat(t *testing.T, ackJoin bool) *fakeChat {
	t.Helper()
	f := &fakeChat{
		received: make(chan string, 64),
		push:     make(chan string, 64),
		kill:     make(chan struct{}),
		ackJoin:  ackJoin,
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(func() {
		f.dropConnection()
		f.srv.Close()
	})
	return f
}

func (f *fakeChat) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeChat) dropConnection() {
	f.killOnce.Do(func() { close(f.kill) })
}

func (f *fakeChat) serve(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		return
	}
	defer conn.Close()

	go func() {
		for {
			select {
			case <-f.kill:
				conn.Close()
				return
			case frame := <-f.push:
				if err := wsutil.WriteServerText(conn, []byte(frame)); err != nil {
					return
				}
			}
		}
	}()

	var nick string
	for {
		data, err := wsutil.ReadClientText(conn)
		if err != nil {
			return
		}
		for _, line := range protocol.SplitFrame(string(data)) {
			f.received <- line
			switch {
			case strings.HasPrefix(line, "NICK "):
				nick = strings.TrimPrefix(line, "NICK ")
			case strings.HasPrefix(line, "JOIN ") && f.ackJoin:
				channel := strings.TrimPrefix(line, "JOIN ")
				f.push <- ":" + nick + "!" + nick + "@" + nick + ".tmi.twitch.tv JOIN " + channel
			}
		}
	}
}

func (f *fakeChat) expectLine(t *testing.T) string {
	t.Helper()
	select {
	case line := <-f.received:
		return line
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a line from the client")
		return ""
	}
}

func (f *fakeChat) expectNoLine(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case line := <-f.received:
		t.Fatalf("unexpected line from client: %q", line)
	case <-time.After(within):
	}
}

// lineRecorder collects dispatched lines.
type lineRecorder struct {
	mu    sync.Mutex
	lines []string
}

func (r *lineRecorder) handle(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
}

func (r *lineRecorder) getLines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]string, len(r.lines))
	copy(cp, r.lines)
	return cp
}

func connectClient(t *testing.T, f *fakeChat, id *Identity) (*Client, *lineRecorder) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.URL = f.url()
	cfg.SendInterval = time.Millisecond
	c := New(cfg)
	rec := &lineRecorder{}
	c.OnMessage(rec.handle)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx, "#StreamerChan", id))
	t.Cleanup(func() { _ = c.Close() })
	return c, rec
}

func waitState(t *testing.T, c *Client, want ConnectionState) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == want },
		2*time.Second, 5*time.Millisecond, "state never became %s", want)
}

func TestConnect_HandshakeAndJoin(t *testing.T) {
	f := newFakeChat(t, true)
	c, _ := connectClient(t, f, &Identity{Name: "FlipBot", Secret: "abc123"})

	assert.Equal(t, "CAP REQ :"+protocol.Capabilities, f.expectLine(t))
	assert.Equal(t, "PASS oauth:abc123", f.expectLine(t))
	assert.Equal(t, "NICK flipbot", f.expectLine(t))
	assert.Equal(t, "JOIN #streamerchan", f.expectLine(t))

	waitState(t, c, Joined)
}

func TestSend_DeliveredOnceJoined(t *testing.T) {
	f := newFakeChat(t, true)
	c, _ := connectClient(t, f, &Identity{Name: "flipbot", Secret: "oauth:abc"})
	for i := 0; i < 4; i++ {
		f.expectLine(t)
	}
	waitState(t, c, Joined)

	c.Send("hello\r\nJOIN #elsewhere")

	assert.Equal(t, "PRIVMSG #streamerchan :hello JOIN #elsewhere", f.expectLine(t))
}

func TestSend_NotJoinedIsLocalOnly(t *testing.T) {
	f := newFakeChat(t, false)
	c, _ := connectClient(t, f, &Identity{Name: "flipbot", Secret: "abc"})
	for i := 0; i < 4; i++ {
		f.expectLine(t)
	}
	assert.Equal(t, Connecting, c.State())

	c.Send("should not be transmitted")
	f.expectNoLine(t, 100*time.Millisecond)
}

func TestSend_AnonymousIsLocalOnly(t *testing.T) {
	f := newFakeChat(t, true)
	c, _ := connectClient(t, f, nil)

	assert.Equal(t, "CAP REQ :"+protocol.Capabilities, f.expectLine(t))
	nick := f.expectLine(t)
	assert.True(t, strings.HasPrefix(nick, "NICK justinfan"), nick)
	assert.Equal(t, "JOIN #streamerchan", f.expectLine(t))
	waitState(t, c, Joined)

	c.Send("anonymous users cannot speak")
	f.expectNoLine(t, 100*time.Millisecond)
}

func TestKeepalive_EchoesTokenVerbatim(t *testing.T) {
	f := newFakeChat(t, true)
	c, rec := connectClient(t, f, &Identity{Name: "flipbot", Secret: "abc"})
	for i := 0; i < 4; i++ {
		f.expectLine(t)
	}
	waitState(t, c, Joined)

	f.push <- "PING :tmi.twitch.tv"
	assert.Equal(t, "PONG :tmi.twitch.tv", f.expectLine(t))

	f.push <- "PING :a-different-token"
	assert.Equal(t, "PONG :a-different-token", f.expectLine(t))

	require.Eventually(t, func() bool {
		return len(rec.getLines()) >= 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, rec.getLines(), "PING :tmi.twitch.tv")
}

func TestOnMessage_SplitsFramesInOrder(t *testing.T) {
	f := newFakeChat(t, true)
	c, rec := connectClient(t, f, &Identity{Name: "flipbot", Secret: "abc"})
	waitState(t, c, Joined)

	f.push <- ":a!a@a.tmi.twitch.tv PRIVMSG #streamerchan :one\r\n" +
		":b!b@b.tmi.twitch.tv PRIVMSG #streamerchan :two\r\n" +
		":c!c@c.tmi.twitch.tv PRIVMSG #streamerchan :three\r\n"

	require.Eventually(t, func() bool {
		return len(rec.getLines()) == 4
	}, 2*time.Second, 5*time.Millisecond)

	lines := rec.getLines()
	assert.Contains(t, lines[0], " JOIN #streamerchan")
	assert.Equal(t, ":a!a@a.tmi.twitch.tv PRIVMSG #streamerchan :one", lines[1])
	assert.Equal(t, ":b!b@b.tmi.twitch.tv PRIVMSG #streamerchan :two", lines[2])
	assert.Equal(t, ":c!c@c.tmi.twitch.tv PRIVMSG #streamerchan :three", lines[3])
}

func TestConnectionLoss_BecomesDisconnected(t *testing.T) {
	f := newFakeChat(t, true)
	c, _ := connectClient(t, f, &Identity{Name: "flipbot", Secret: "abc"})
	waitState(t, c, Joined)
	done := c.Done()

	f.dropConnection()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end after the server dropped it")
	}
	waitState(t, c, Disconnected)

	c.Send("after loss")
	assert.ErrorIs(t, c.Disconnect(), ErrNotConnected)
}

func TestLoginFailure_EndsSession(t *testing.T) {
	f := newFakeChat(t, false)
	c, rec := connectClient(t, f, &Identity{Name: "flipbot", Secret: "bad"})

	f.push <- ":tmi.twitch.tv NOTICE * :Login authentication failed"

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end after login failure")
	}
	assert.Equal(t, Disconnected, c.State())
	assert.Contains(t, rec.getLines(), ":tmi.twitch.tv NOTICE * :Login authentication failed")
}

func TestConnect_Errors(t *testing.T) {
	f := newFakeChat(t, true)
	c, _ := connectClient(t, f, nil)

	err := c.Connect(context.Background(), "other", nil)
	assert.ErrorIs(t, err, ErrAlreadyConnected)

	require.NoError(t, c.Close())
	waitState(t, c, Disconnected)
	assert.ErrorIs(t, c.Connect(context.Background(), "other", nil), ErrClosed)

	fresh := New(Config{URL: f.url()})
	assert.Error(t, fresh.Connect(context.Background(), "  ", nil))
}

func TestConnect_ConcurrentCallsYieldOneSession(t *testing.T) {
	f := newFakeChat(t, true)
	c := New(Config{URL: f.url()})
	t.Cleanup(func() { _ = c.Close() })

	const callers = 8
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			errs <- c.Connect(ctx, "streamerchan", nil)
		}()
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, ErrAlreadyConnected)
	}
	assert.Equal(t, 1, succeeded)
}

func TestReconnect_DiscardsLinesQueuedInPreviousSession(t *testing.T) {
	f := newFakeChat(t, true)
	cfg := DefaultConfig()
	cfg.URL = f.url()
	cfg.SendBurst = 1
	cfg.SendInterval = time.Hour
	c := New(cfg)
	t.Cleanup(func() { _ = c.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	id := &Identity{Name: "flipbot", Secret: "abc"}
	require.NoError(t, c.Connect(ctx, "streamerchan", id))
	waitState(t, c, Joined)

	// The first line spends the only token; the next ones wait in the queue.
	c.Send("first")
	c.Send("stale one")
	c.Send("stale two")
	old := c.current()
	require.NotNil(t, old)
	require.Eventually(t, func() bool { return len(old.send) >= 1 },
		2*time.Second, 5*time.Millisecond)

	require.NoError(t, c.Disconnect())
	waitState(t, c, Disconnected)

	require.NoError(t, c.Connect(ctx, "streamerchan", id))
	fresh := c.current()
	require.NotNil(t, fresh)
	assert.NotEqual(t, old.send, fresh.send)
	assert.Zero(t, len(fresh.send))
}

func TestAnonymousNick(t *testing.T) {
	nick := AnonymousNick()
	assert.True(t, strings.HasPrefix(nick, "justinfan"))
	assert.Len(t, nick, len("justinfan")+5)
}

func TestConnectionState_String(t *testing.T) {
	assert.Equal(t, "disconnected", Disconnected.String())
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "joined", Joined.String())
}
