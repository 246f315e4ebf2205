package router

import (
	"math/rand"
	"time"
)

// backoff produces exponentially growing reconnect delays with jitter and a
// bounded ceiling. A successful connect resets it to the initial delay.
type backoff struct {
	initial time.Duration
	max     time.Duration
	attempt int
}

func newBackoff(initial, max time.Duration) *backoff {
	if initial <= 0 {
		initial = time.Second
	}
	if max < initial {
		max = initial
	}
	return &backoff{initial: initial, max: max}
}

// Next returns the delay for the current attempt and advances the counter.
// Jitter is ±20% so a fleet of gateways does not reconnect in lockstep.
func (b *backoff) Next() time.Duration {
	d := b.initial
	for i := 0; i < b.attempt && d < b.max; i++ {
		d *= 2
	}
	if d > b.max {
		d = b.max
	}
	b.attempt++

	jitter := 1 + (rand.Float64()*0.4 - 0.2)
	jittered := time.Duration(float64(d) * jitter)
	if jittered > b.max {
		jittered = b.max
	}
	return jittered
}

// Base returns the unjittered delay for the current attempt without
// advancing the counter.
func (b *backoff) Base() time.Duration {
	d := b.initial
	for i := 0; i < b.attempt && d < b.max; i++ {
		d *= 2
	}
	if d > b.max {
		d = b.max
	}
	return d
}

func (b *backoff) Reset() {
	b.attempt = 0
}
