// limiter.go bounds the number of exchange requests in flight at once.
//
// Every REST call runs on its own goroutine but acquires a slot here first,
// so at most maxConcurrent HTTP round-trips execute concurrently regardless
// of how many strategies, polling groups, and trackers are active.
package exchange

import "context"

const maxConcurrent = 10

// Limiter is a counting semaphore. Callers block in Acquire until a slot is
// free or the context is cancelled, and must Release exactly once per
// successful Acquire.
type Limiter struct {
	slots chan struct{}
}

// NewLimiter creates a semaphore with n slots; n <= 0 falls back to the
// default bound.
func NewLimiter(n int) *Limiter {
	if n <= 0 {
		n = maxConcurrent
	}
	return &Limiter{slots: make(chan struct{}, n)}
}

// Acquire blocks until a slot is available or ctx is cancelled.
func (l *Limiter) Acquire(ctx context.Context) error {
	select {
	case l.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a slot taken by Acquire.
func (l *Limiter) Release() {
	<-l.slots
}

// InFlight returns the number of slots currently held.
func (l *Limiter) InFlight() int {
	return len(l.slots)
}
