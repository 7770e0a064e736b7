package messaging

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/flipper/internal/flip"
)

// NATSClient is the production Publisher; it exposes nothing beyond
// publishing and Close.
var _ Publisher = (*NATSClient)(nil)

type published struct {
	subject string
	data    []byte
}

type fakePublisher struct {
	msgs []published
	err  error
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, published{subject, data})
	return nil
}

func decode(t *testing.T, data []byte) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func TestFlipEvents_Subjects(t *testing.T) {
	pub := &fakePublisher{}
	ev := NewFlipEvents(pub, "StreamerChan")
	wager := "5 bits"

	require.NoError(t, ev.PublishOpened("alice", &wager))
	require.NoError(t, ev.PublishOutcome(flip.Outcome{Result: flip.Heads, Winner: "alice", Loser: "bob", Wager: &wager}))
	require.NoError(t, ev.PublishExpired(nil))

	require.Len(t, pub.msgs, 3)
	assert.Equal(t, "flip.opened.streamerchan", pub.msgs[0].subject)
	assert.Equal(t, "flip.outcome.streamerchan", pub.msgs[1].subject)
	assert.Equal(t, "flip.expired.streamerchan", pub.msgs[2].subject)
}

func TestFlipEvents_OutcomePayload(t *testing.T) {
	pub := &fakePublisher{}
	ev := NewFlipEvents(pub, "streamerchan")

	require.NoError(t, ev.PublishOutcome(flip.Outcome{Result: flip.Tails, Winner: "bob", Loser: "alice"}))

	m := decode(t, pub.msgs[0].data)
	assert.Equal(t, "flip", m["type"])
	assert.Equal(t, "tails", m["result"])
	assert.Equal(t, "bob", m["winner"])
	assert.Equal(t, "alice", m["loser"])
	assert.Contains(t, m, "wager")
	assert.Nil(t, m["wager"])
}

func TestFlipEvents_PublishError(t *testing.T) {
	cause := errors.New("nats: connection closed")
	pub := &fakePublisher{err: cause}
	ev := NewFlipEvents(pub, "streamerchan")

	err := ev.PublishExpired(nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "flip.expired.streamerchan")
}

func TestDefaultNATSConfig(t *testing.T) {
	cfg := DefaultNATSConfig()
	assert.Equal(t, "flipper", cfg.Name)
	assert.Equal(t, -1, cfg.MaxReconnects)
	assert.Positive(t, cfg.ReconnectWait)
}
