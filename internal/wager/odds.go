package wager

import (
	"errors"
	"math/rand/v2"
)

// ErrNoOdds is returned when the valid-odds domain is empty.
var ErrNoOdds = errors.New("valid odds domain is empty")

// PickRandomOdds draws a magnitude uniformly from domain and flips its sign
// with probability 0.5. The exchange rejects -100 as a price, so that draw
// is returned as +100.
func PickRandomOdds(rng *rand.Rand, domain []int) (int, error) {
	if len(domain) == 0 {
		return 0, ErrNoOdds
	}
	odds := abs(domain[rng.IntN(len(domain))])
	if rng.IntN(2) == 0 {
		odds = -odds
	}
	if odds == -100 {
		odds = 100
	}
	return odds, nil
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
