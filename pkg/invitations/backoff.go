package invitations

import (
	"math"
	"math/rand"
	"time"
)

// Dial backoff defaults for guests waiting for a host to appear.
const (
	DefaultDialInterval    = 50 * time.Millisecond
	DefaultMaxDialInterval = 2 * time.Second

	dialBackoffBase      = 1.6
	dialBackoffThreshold = 1
	dialBackoffJitter    = 0.25
)

// randomSource provides random values for jitter calculation.
type randomSource interface {
	// Float64 returns a random float64 in [0.0, 1.0).
	Float64() float64
}

type defaultRandomSource struct{}

func (defaultRandomSource) Float64() float64 {
	return rand.Float64()
}

// dialBackoff computes the delay before the next dial attempt:
//
//	delay = base * 1.6^max(0, n-1) * (1 + random(0,1)*0.25), capped at max
//
// where n is the number of failed attempts so far. The first retry is
// linear so a host that is just coming up is found quickly.
type dialBackoff struct {
	base   time.Duration
	max    time.Duration
	random randomSource
}

func newDialBackoff(base, max time.Duration, random randomSource) *dialBackoff {
	if base <= 0 {
		base = DefaultDialInterval
	}
	if max < base {
		max = DefaultMaxDialInterval
		if max < base {
			max = base
		}
	}
	if random == nil {
		random = defaultRandomSource{}
	}
	return &dialBackoff{base: base, max: max, random: random}
}

func (b *dialBackoff) next(attempt int) time.Duration {
	exponent := attempt - dialBackoffThreshold
	if exponent < 0 {
		exponent = 0
	}
	d := float64(b.base) * math.Pow(dialBackoffBase, float64(exponent))
	d *= 1.0 + b.random.Float64()*dialBackoffJitter
	if d > float64(b.max) {
		return b.max
	}
	return time.Duration(d)
}
