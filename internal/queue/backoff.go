package queue

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Backoff is an exponential retry curve with multiplicative jitter.
type Backoff struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter in [0,1] scales each delay by a uniform factor in [1-Jitter, 1].
	Jitter float64
}

func DefaultBackoff() Backoff {
	return Backoff{
		Base:       5 * time.Second,
		Max:        15 * time.Minute,
		Multiplier: 2,
		Jitter:     0.2,
	}
}

func (b Backoff) normalized() Backoff {
	d := DefaultBackoff()
	if b.Base <= 0 {
		b.Base = d.Base
	}
	if b.Max <= 0 {
		b.Max = d.Max
	}
	if b.Max < b.Base {
		b.Max = b.Base
	}
	if b.Multiplier < 1 {
		b.Multiplier = d.Multiplier
	}
	if b.Jitter < 0 {
		b.Jitter = 0
	}
	if b.Jitter > 1 {
		b.Jitter = 1
	}
	return b
}

// curve returns the un-jittered exponential schedule for b.
func (b Backoff) curve() *backoff.ExponentialBackOff {
	curve := &backoff.ExponentialBackOff{
		InitialInterval: b.Base,
		Multiplier:      b.Multiplier,
		MaxInterval:     b.Max,
		Stop:            backoff.Stop,
		Clock:           backoff.SystemClock,
	}
	curve.Reset()
	return curve
}

// Delay returns the wait before retrying after the given attempt (1-based).
// rnd must return values in [0,1). Jitter only shortens a delay, so the
// retry time of a job never moves before its previous failure.
func (b Backoff) Delay(attempt int, rnd func() float64) time.Duration {
	b = b.normalized()
	if attempt < 1 {
		attempt = 1
	}

	curve := b.curve()
	raw := curve.NextBackOff()
	for i := 1; i < attempt && raw < b.Max; i++ {
		raw = curve.NextBackOff()
	}
	if raw > b.Max {
		raw = b.Max
	}

	factor := 1.0
	if b.Jitter > 0 && rnd != nil {
		factor = 1 - b.Jitter*rnd()
	}
	delay := time.Duration(float64(raw) * factor)
	if delay < time.Millisecond {
		delay = time.Millisecond
	}
	return delay
}
