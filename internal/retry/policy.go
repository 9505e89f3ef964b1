package retry

import (
	"math"
	"math/rand/v2"
	"time"
)

// Rand is the random source used for jitter. *rand.Rand satisfies it.
type Rand interface {
	Float64() float64
}

type globalRand struct{}

func (globalRand) Float64() float64 { return rand.Float64() }

// DefaultRand draws from the process-wide math/rand/v2 source.
func DefaultRand() Rand { return globalRand{} }

// DefaultJitter is the fraction of the exponential delay added as jitter.
const DefaultJitter = 0.1

// Policy describes the retry budget and backoff curve.
type Policy struct {
	// MaxRetries is how many consecutive retryable failures an item may
	// suffer; the failure that reaches it drops the item.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// Jitter is the upper bound of the random extra delay as a fraction of
	// the exponential delay. Zero disables jitter.
	Jitter float64
}

// Delay returns the wait before resending a batch that has failed attempt
// times (attempt >= 1): BaseDelay*2^(attempt-1) plus up to Jitter of that,
// capped at MaxDelay.
func (p Policy) Delay(attempt int, r Rand) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			break
		}
		if d > math.MaxInt64/2 {
			break
		}
		d *= 2
	}
	if p.Jitter > 0 && r != nil {
		d += time.Duration(float64(d) * p.Jitter * r.Float64())
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Exhausted reports whether an item that has now failed attempt times
// must be dropped.
func (p Policy) Exhausted(attempt int) bool {
	return attempt >= p.MaxRetries
}
