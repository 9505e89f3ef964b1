// Package clock abstracts the time source used by the channel worker and
// the retry coordinator so tests can drive backoff deterministically.
package clock

import "time"

// Clock is the subset of the time package the telemetry pipeline uses.
type Clock interface {
	Now() time.Time
	// After behaves like time.After; d <= 0 fires immediately.
	After(d time.Duration) <-chan time.Time
	// NewTicker behaves like time.NewTicker and panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Ticker delivers periodic ticks on C (capacity 1, late ticks are dropped).
type Ticker struct {
	C    <-chan time.Time
	stop func()
}

// Stop turns off the ticker. C is not closed.
func (t *Ticker) Stop() { t.stop() }

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) NewTicker(d time.Duration) *Ticker {
	t := time.NewTicker(d)
	return &Ticker{C: t.C, stop: t.Stop}
}
