package helpers

import (
	"time"
)

// Limited exponential backoff for retry delays with random jitter.
// Zero value of current delay means "not started", see InitIfZero.
// Failure() multiplies current delay by K and caps at Max.
// Not safe for concurrent use, keep it inside one owner goroutine.
type Backoff struct {
	cur time.Duration

	Min    time.Duration
	Max    time.Duration
	K      float64       // default=2
	Jitter float64       // extra random delay as fraction of current, default=0
	Res    time.Duration // delay resolution for nice logs, default=1ms
}

func (b *Backoff) Current() time.Duration { return b.cur }
func (b *Backoff) IsZero() bool           { return b.cur == 0 }

func (b *Backoff) InitIfZero() {
	if b.cur == 0 {
		b.cur = b.limit(b.Min)
	}
}

// Reset current delay to Min.
func (b *Backoff) Reset() { b.cur = b.limit(b.Min) }

// Clear to zero, next InitIfZero or Failure starts from Min.
func (b *Backoff) Clear() { b.cur = 0 }

// Failure increases current delay and returns it with jitter.
// rnd(n) must return pseudo-random value in [0,n), nil means no jitter.
// Use scenario:
//
//	for {
//	  err := op()
//	  delay, jitter := backoff.Failure(rand.Int63n)
//	  time.Sleep(delay + jitter)
//	}
func (b *Backoff) Failure(rnd func(n int64) int64) (delay, jitter time.Duration) {
	k := b.K
	if k == 0 {
		k = 2
	}
	b.InitIfZero()
	next := time.Duration(float64(b.cur) * k)
	b.cur = b.limit(next)

	if span := int64(float64(b.cur) * b.Jitter); span > 0 && rnd != nil {
		jitter = time.Duration(rnd(span))
	}
	return b.cur, jitter
}

func (b *Backoff) limit(d time.Duration) time.Duration {
	if d < b.Min {
		d = b.Min
	}
	if b.Max != 0 && d > b.Max {
		d = b.Max
	}
	return b.round(d)
}

func (b *Backoff) round(d time.Duration) time.Duration {
	res := b.Res
	if res == 0 {
		res = 1 * time.Millisecond
	}
	return d / res * res
}
