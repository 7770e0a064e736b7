// Package notify turns engine transitions into chat lines and presentation
// events. Chat lines go through a Sender. Presentation events are queued and
// delivered to the registered handlers by one goroutine, in the order the
// engine produced them, without the engine waiting on the handlers.
package notify

import (
	"fmt"
	"sync"

	"github.com/whisper/flipper/internal/flip"
)

// Sender is the outbound half of the chat transport.
type Sender interface {
	Send(text string)
}

// FlipHandler consumes a resolved flip (coin animation, sound, overlay feed).
type FlipHandler func(outcome flip.Outcome)

// EventKind distinguishes lifecycle events.
type EventKind int

const (
	EventOpened EventKind = iota
	EventExpired
)

// Event is a non-outcome lifecycle change forwarded to the presentation side.
type Event struct {
	Kind    EventKind
	Creator string
	Wager   *string
}

// EventHandler consumes lifecycle events.
type EventHandler func(ev Event)

// Notifier implements flip.Notifier.
type Notifier struct {
	sender Sender

	mu      sync.RWMutex
	onFlip  FlipHandler
	onEvent EventHandler

	queueMu sync.Mutex
	queue   []func()
	wake    chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

// New returns a Notifier that writes chat lines to sender and starts its
// presentation delivery goroutine. Call Close to stop it.
func New(sender Sender) *Notifier {
	n := &Notifier{
		sender: sender,
		wake:   make(chan struct{}, 1),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go n.deliverLoop()
	return n
}

// Close delivers every event already queued, then stops the delivery
// goroutine. Events raised after Close are dropped.
func (n *Notifier) Close() {
	n.closeOnce.Do(func() { close(n.closed) })
	<-n.done
}

// OnFlip registers the presentation handler. There is one slot; a second call
// replaces the first handler.
func (n *Notifier) OnFlip(h FlipHandler) {
	n.mu.Lock()
	n.onFlip = h
	n.mu.Unlock()
}

// OnEvent registers the lifecycle handler (one slot).
func (n *Notifier) OnEvent(h EventHandler) {
	n.mu.Lock()
	n.onEvent = h
	n.mu.Unlock()
}

func (n *Notifier) AnnounceOpen(creator string, wager *string) {
	if wager != nil {
		n.sender.Send(fmt.Sprintf("@%s started a coin flip for %s! Type !flipper to join!", creator, *wager))
	} else {
		n.sender.Send(fmt.Sprintf("@%s started a coin flip! Type !flipper to join!", creator))
	}
	n.raiseEvent(Event{Kind: EventOpened, Creator: creator, Wager: wager})
}

func (n *Notifier) AnnounceRejection(target string, reason flip.Rejection) {
	n.sender.Send(RejectionText(target, reason))
}

func (n *Notifier) AnnounceExpiry(wager *string) {
	if wager != nil {
		n.sender.Send(fmt.Sprintf("Coin flip for %s expired. No one joined.", *wager))
	} else {
		n.sender.Send("Coin flip expired. No one joined.")
	}
	n.raiseEvent(Event{Kind: EventExpired, Wager: wager})
}

// AnnounceOutcome raises the outcome to the flip handler and sends the result
// line. The outcome is queued before the line is sent, so it reaches the
// handler even if the transport cannot deliver the chat line.
func (n *Notifier) AnnounceOutcome(outcome flip.Outcome) {
	n.mu.RLock()
	h := n.onFlip
	n.mu.RUnlock()
	if h != nil {
		n.enqueue(func() { h(outcome) })
	}

	n.sender.Send(OutcomeText(outcome))
}

func (n *Notifier) raiseEvent(ev Event) {
	n.mu.RLock()
	h := n.onEvent
	n.mu.RUnlock()
	if h != nil {
		n.enqueue(func() { h(ev) })
	}
}

// enqueue appends a delivery without blocking. The queue is unbounded; flips
// are rare compared to how fast handlers drain it.
func (n *Notifier) enqueue(fn func()) {
	select {
	case <-n.closed:
		return
	default:
	}

	n.queueMu.Lock()
	n.queue = append(n.queue, fn)
	n.queueMu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *Notifier) deliverLoop() {
	defer close(n.done)
	for {
		select {
		case <-n.wake:
			n.drain()
		case <-n.closed:
			n.drain()
			return
		}
	}
}

// drain runs queued deliveries in FIFO order until the queue is empty.
func (n *Notifier) drain() {
	for {
		n.queueMu.Lock()
		if len(n.queue) == 0 {
			n.queueMu.Unlock()
			return
		}
		fn := n.queue[0]
		n.queue[0] = nil
		n.queue = n.queue[1:]
		n.queueMu.Unlock()

		fn()
	}
}

// RejectionText is the notice addressed to target for reason.
func RejectionText(target string, reason flip.Rejection) string {
	switch reason {
	case flip.RejectAlreadyActive:
		return fmt.Sprintf("@%s A flip is already active! Wait for it to complete.", target)
	case flip.RejectNoActive:
		return fmt.Sprintf("@%s No active flip to join! Use !flip <wager> to start one.", target)
	case flip.RejectOwnFlip:
		return fmt.Sprintf("@%s You can't join your own flip!", target)
	case flip.RejectAlreadyMatched:
		return fmt.Sprintf("@%s This flip already has 2 players!", target)
	default:
		return fmt.Sprintf("@%s That flip command can't be used right now.", target)
	}
}

// OutcomeText is the result line posted to chat.
func OutcomeText(o flip.Outcome) string {
	wagerText := ""
	if o.Wager != nil {
		wagerText = " for " + *o.Wager
	}
	return fmt.Sprintf("🪙 Coin flip complete! @%s wins%s! Better luck next time @%s!", o.Winner, wagerText, o.Loser)
}
