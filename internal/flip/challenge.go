// Package flip implements the coin-flip duel: the single-slot challenge state
// machine, its expiry timer, and the fair resolver.
//
// A channel holds at most one challenge. A challenge is open until another
// participant joins, at which point it is resolved and the slot is freed in
// the same step; unmatched challenges expire after a fixed window.
package flip

import (
	"time"

	"github.com/google/uuid"
)

// DefaultTimeout is how long a challenge stays open without an opponent.
const DefaultTimeout = 60 * time.Second

// Challenge is the single open duel. ID identifies this instance so a late
// expiry timer can tell whether the slot still holds the challenge it was
// scheduled for.
type Challenge struct {
	ID        uuid.UUID
	Creator   string
	Wager     *string
	Opponent  *string
	CreatedAt time.Time
}

// Open reports whether the challenge is still waiting for an opponent.
func (c Challenge) Open() bool {
	return c.Opponent == nil
}

// Result is the symbolic coin face.
type Result int

const (
	Heads Result = iota
	Tails
)

func (r Result) String() string {
	if r == Heads {
		return "heads"
	}
	return "tails"
}

// Outcome is produced once per matched challenge and handed to the notifier.
type Outcome struct {
	Result Result
	Winner string
	Loser  string
	Wager  *string
}

// Rejection names why a command was refused.
type Rejection int

const (
	// RejectAlreadyActive: a second !flip while one is open.
	RejectAlreadyActive Rejection = iota
	// RejectNoActive: !flipper with nothing to join.
	RejectNoActive
	// RejectOwnFlip: the creator tried to join their own challenge.
	RejectOwnFlip
	// RejectAlreadyMatched: the challenge already has two players.
	RejectAlreadyMatched
)

func (r Rejection) String() string {
	switch r {
	case RejectAlreadyActive:
		return "already_active"
	case RejectNoActive:
		return "no_active"
	case RejectOwnFlip:
		return "own_flip"
	case RejectAlreadyMatched:
		return "already_matched"
	default:
		return "unknown"
	}
}

// Notifier receives every user-visible effect of a transition.
type Notifier interface {
	AnnounceOpen(creator string, wager *string)
	AnnounceRejection(target string, reason Rejection)
	AnnounceExpiry(wager *string)
	AnnounceOutcome(outcome Outcome)
}

// Stats counts engine transitions since start.
type Stats struct {
	Started     int
	Matched     int
	Expired     int
	Rejected    int
	StaleTimers int
}
