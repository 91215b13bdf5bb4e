package session

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultTickInterval is how often the countdown samples remaining time.
const DefaultTickInterval = time.Second

// Tick is one remaining-time sample. The last tick of a countdown has
// Candidate set: local time reached the end time, which is a suggestion
// that the session is over, not a verdict.
type Tick struct {
	Remaining time.Duration
	Candidate bool
}

// CountdownEstimator derives remaining time from an authoritative end
// time. It never decides that a session is finished.
type CountdownEstimator struct {
	clock    clockwork.Clock
	interval time.Duration

	mu     sync.RWMutex
	offset time.Duration // server clock minus local clock
}

// NewCountdownEstimator creates an estimator ticking every interval.
func NewCountdownEstimator(clock clockwork.Clock, interval time.Duration) *CountdownEstimator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	return &CountdownEstimator{clock: clock, interval: interval}
}

// SetServerTime records how far the local clock is from the server's,
// using a server timestamp observed just now.
func (e *CountdownEstimator) SetServerTime(serverNow time.Time) {
	if serverNow.IsZero() {
		return
	}
	e.mu.Lock()
	e.offset = serverNow.Sub(e.clock.Now())
	e.mu.Unlock()
}

// Offset returns the measured server clock offset.
func (e *CountdownEstimator) Offset() time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.offset
}

// Remaining calculates the time left until endTime, never below zero.
func (e *CountdownEstimator) Remaining(endTime time.Time) time.Duration {
	if endTime.IsZero() {
		return 0
	}
	remaining := endTime.Sub(e.clock.Now().Add(e.Offset()))
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Start begins a fresh countdown to endTime. The channel closes after the
// single candidate tick or when ctx is cancelled. A sample nobody has read
// by the next interval is replaced by a fresh one, so a tick is never more
// than one interval old. Calling Start again restarts from the current time.
func (e *CountdownEstimator) Start(ctx context.Context, endTime time.Time) <-chan Tick {
	ticks := make(chan Tick)

	go func() {
		defer close(ticks)

		for {
			remaining := e.Remaining(endTime)
			if remaining == 0 {
				select {
				case ticks <- Tick{Candidate: true}:
				case <-ctx.Done():
				}
				return
			}

			wait := e.interval
			if remaining < wait {
				wait = remaining
			}
			timer := e.clock.NewTimer(wait)

			select {
			case ticks <- Tick{Remaining: remaining}:
			case <-timer.Chan():
				continue
			case <-ctx.Done():
				timer.Stop()
				return
			}

			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.Chan():
			}
		}
	}()

	return ticks
}
