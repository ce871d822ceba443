// Package fault provides injectable failure predicates used to simulate
// flaky uploads and OCR runs.
package fault

import (
	"math/rand"
	"sync"
)

// Predicate reports whether the next operation should fail.
type Predicate func() bool

// Never is a Predicate that never fails.
func Never() bool { return false }

// Always is a Predicate that always fails.
func Always() bool { return true }

// Ratio fails roughly the given fraction of calls using rnd.
func Ratio(ratio float64, rnd *rand.Rand) Predicate {
	if ratio <= 0 {
		return Never
	}
	var mu sync.Mutex
	return func() bool {
		mu.Lock()
		defer mu.Unlock()
		return rnd.Float64() < ratio
	}
}

// Sequence replays outcomes in order and then stops failing.
func Sequence(outcomes ...bool) Predicate {
	var (
		mu sync.Mutex
		i  int
	)
	return func() bool {
		mu.Lock()
		defer mu.Unlock()
		if i >= len(outcomes) {
			return false
		}
		fail := outcomes[i]
		i++
		return fail
	}
}

// Check evaluates p, treating nil as Never.
func Check(p Predicate) bool {
	return p != nil && p()
}
