package rcu

import (
	"runtime"
)

// spinLimit is the number of immediate retries before a waiter starts
// yielding its P to other goroutines.
const spinLimit = 6

// backoff paces CAS retry loops. Nothing here parks: past the spin limit it
// only yields to the scheduler, so a waiter always runs again promptly.
type backoff struct {
	step int
}

func (b *backoff) spin() {
	if b.step < spinLimit {
		b.step++
		return
	}
	runtime.Gosched()
}
