package flip

import "math/rand/v2"

// Resolver tosses the coin. Heads means the first participant wins.
type Resolver struct {
	coin func() bool
}

// NewResolver returns a resolver backed by the runtime's random source.
func NewResolver() *Resolver {
	return &Resolver{coin: func() bool { return rand.IntN(2) == 0 }}
}

// NewResolverWithCoin returns a resolver using coin as its source; coin
// returning true means heads.
func NewResolverWithCoin(coin func() bool) *Resolver {
	return &Resolver{coin: coin}
}

// Resolve picks the winner between a and b. It has no side effects beyond
// consuming randomness.
func (r *Resolver) Resolve(a, b string, wager *string) Outcome {
	if r.coin() {
		return Outcome{Result: Heads, Winner: a, Loser: b, Wager: wager}
	}
	return Outcome{Result: Tails, Winner: b, Loser: a, Wager: wager}
}
