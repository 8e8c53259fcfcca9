// Package wakeup provides the "wake the next tick immediately" signal used
// by the reward-queue worker and the trace recorder's flush loop: a
// buffered channel a producer can non-blockingly nudge right after it
// enqueues work, short-circuiting the idle wait instead of waiting out a
// full tick interval. This stands in for the teacher's dedicated
// LISTEN/NOTIFY connection — the in-process equivalent for a single-leader
// deployment, where no cross-process notification is required.
package wakeup

// Signal is a one-slot non-blocking wakeup channel.
type Signal struct {
	ch chan struct{}
}

// New returns a ready Signal.
func New() *Signal {
	return &Signal{ch: make(chan struct{}, 1)}
}

// Notify wakes one waiter, or is a no-op if a wakeup is already pending.
func (s *Signal) Notify() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// C exposes the channel for use in a select alongside a ticker and a
// cancellation channel.
func (s *Signal) C() <-chan struct{} { return s.ch }
