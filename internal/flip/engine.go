package flip

import (
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/whisper/flipper/internal/metrics"
)

// --- Command types ---

type engineCmd interface{ engineCmd() }

type cmdStart struct {
	creator string
	wager   *string
}

func (cmdStart) engineCmd() {}

type cmdJoin struct {
	joiner string
}

func (cmdJoin) engineCmd() {}

type cmdExpire struct {
	id uuid.UUID
}

func (cmdExpire) engineCmd() {}

type cmdSnapshot struct {
	replyCh chan snapshot
}

func (cmdSnapshot) engineCmd() {}

type snapshot struct {
	challenge Challenge
	ok        bool
}

type cmdStats struct {
	replyCh chan Stats
}

func (cmdStats) engineCmd() {}

type cmdStop struct {
	doneCh chan struct{}
}

func (cmdStop) engineCmd() {}

// --- Engine ---

// Engine owns the challenge slot for one channel. Every transition runs on a
// single goroutine, one command at a time, in the order commands were
// submitted; the slot is never touched anywhere else.
type Engine struct {
	cmdCh    chan engineCmd
	clock    clockwork.Clock
	resolver *Resolver
	notifier Notifier
	timeout  time.Duration

	active *Challenge
	stats  Stats

	lifeMu  sync.Mutex
	started bool
	stopped bool
	stopCh  chan struct{}
}

// NewEngine creates an engine. A non-positive timeout selects DefaultTimeout.
func NewEngine(clock clockwork.Clock, resolver *Resolver, notifier Notifier, timeout time.Duration) *Engine {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Engine{
		cmdCh:    make(chan engineCmd, 256),
		clock:    clock,
		resolver: resolver,
		notifier: notifier,
		timeout:  timeout,
		stopCh:   make(chan struct{}),
	}
}

// Start runs the engine's actor loop in the background. It is a no-op on an
// engine that is already running or stopped.
func (e *Engine) Start() {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	if e.started || e.stopped {
		return
	}
	e.started = true
	go e.run()
}

func (e *Engine) run() {
	for cmd := range e.cmdCh {
		switch c := cmd.(type) {
		case cmdStart:
			e.handleStart(c)

		case cmdJoin:
			e.handleJoin(c)

		case cmdExpire:
			e.handleExpire(c)

		case cmdSnapshot:
			if e.active == nil {
				c.replyCh <- snapshot{}
				break
			}
			c.replyCh <- snapshot{challenge: *e.active, ok: true}

		case cmdStats:
			c.replyCh <- e.stats

		case cmdStop:
			close(e.stopCh)
			close(c.doneCh)
			return
		}
	}
}

func (e *Engine) handleStart(c cmdStart) {
	if e.active != nil {
		e.reject(c.creator, RejectAlreadyActive)
		return
	}

	ch := &Challenge{
		ID:        uuid.New(),
		Creator:   c.creator,
		Wager:     c.wager,
		CreatedAt: e.clock.Now(),
	}
	e.active = ch
	e.stats.Started++
	metrics.ChallengesTotal.WithLabelValues("started").Inc()
	metrics.ActiveChallenge.Set(1)

	// No cancellation on match: the timer fires into handleExpire, which
	// re-checks the slot identity.
	id := ch.ID
	e.clock.AfterFunc(e.timeout, func() {
		e.enqueue(cmdExpire{id: id})
	})

	log.Printf("[flip] opened id=%s creator=%s wager=%q", ch.ID, ch.Creator, label(ch.Wager))
	e.notifier.AnnounceOpen(ch.Creator, ch.Wager)
}

func (e *Engine) handleJoin(c cmdJoin) {
	ch := e.active
	switch {
	case ch == nil:
		e.reject(c.joiner, RejectNoActive)
		return
	case !ch.Open():
		e.reject(c.joiner, RejectAlreadyMatched)
		return
	case strings.EqualFold(c.joiner, ch.Creator):
		e.reject(c.joiner, RejectOwnFlip)
		return
	}

	opponent := c.joiner
	ch.Opponent = &opponent
	outcome := e.resolver.Resolve(ch.Creator, opponent, ch.Wager)
	e.active = nil

	e.stats.Matched++
	metrics.ChallengesTotal.WithLabelValues("matched").Inc()
	metrics.ActiveChallenge.Set(0)
	metrics.ChallengeWait.Observe(e.clock.Since(ch.CreatedAt).Seconds())

	log.Printf("[flip] resolved id=%s result=%s winner=%s loser=%s wager=%q",
		ch.ID, outcome.Result, outcome.Winner, outcome.Loser, label(outcome.Wager))
	e.notifier.AnnounceOutcome(outcome)
}

func (e *Engine) handleExpire(c cmdExpire) {
	ch := e.active
	if ch == nil || ch.ID != c.id || !ch.Open() {
		e.stats.StaleTimers++
		return
	}

	e.active = nil
	e.stats.Expired++
	metrics.ChallengesTotal.WithLabelValues("expired").Inc()
	metrics.ActiveChallenge.Set(0)

	log.Printf("[flip] expired id=%s creator=%s wager=%q", ch.ID, ch.Creator, label(ch.Wager))
	e.notifier.AnnounceExpiry(ch.Wager)
}

func (e *Engine) reject(target string, reason Rejection) {
	e.stats.Rejected++
	metrics.ChallengesTotal.WithLabelValues("rejected").Inc()
	log.Printf("[flip] rejected user=%s reason=%s", target, reason)
	e.notifier.AnnounceRejection(target, reason)
}

// enqueue submits a command unless the engine has stopped.
func (e *Engine) enqueue(cmd engineCmd) {
	select {
	case e.cmdCh <- cmd:
	case <-e.stopCh:
	}
}

// --- Public API ---

// StartChallenge submits a !flip from creator.
func (e *Engine) StartChallenge(creator string, wager *string) {
	e.enqueue(cmdStart{creator: creator, wager: wager})
}

// JoinChallenge submits a !flipper from joiner.
func (e *Engine) JoinChallenge(joiner string) {
	e.enqueue(cmdJoin{joiner: joiner})
}

// Active returns a copy of the open challenge, if any. Because it is answered
// by the actor, it observes every command submitted before it.
func (e *Engine) Active() (Challenge, bool) {
	replyCh := make(chan snapshot, 1)
	select {
	case e.cmdCh <- cmdSnapshot{replyCh: replyCh}:
	case <-e.stopCh:
		return Challenge{}, false
	}
	select {
	case s := <-replyCh:
		return s.challenge, s.ok
	case <-e.stopCh:
		return Challenge{}, false
	}
}

// Stats returns the transition counters.
func (e *Engine) Stats() Stats {
	replyCh := make(chan Stats, 1)
	select {
	case e.cmdCh <- cmdStats{replyCh: replyCh}:
	case <-e.stopCh:
		return Stats{}
	}
	select {
	case s := <-replyCh:
		return s
	case <-e.stopCh:
		return Stats{}
	}
}

// Stop terminates the actor loop. Pending timers become no-ops. Stopping an
// engine that was never started just marks it stopped.
func (e *Engine) Stop() {
	e.lifeMu.Lock()
	if e.stopped {
		e.lifeMu.Unlock()
		return
	}
	e.stopped = true
	running := e.started
	e.lifeMu.Unlock()

	if !running {
		close(e.stopCh)
		return
	}
	doneCh := make(chan struct{})
	e.cmdCh <- cmdStop{doneCh: doneCh}
	<-doneCh
}

func label(wager *string) string {
	if wager == nil {
		return ""
	}
	return *wager
}
