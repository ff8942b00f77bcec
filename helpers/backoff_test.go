package helpers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDoubleCap(t *testing.T) {
	t.Parallel()
	b := Backoff{Min: 3 * time.Second, Max: 300 * time.Second, K: 2, Jitter: 0.1}
	assert.True(t, b.IsZero())
	b.InitIfZero()
	assert.Equal(t, 3*time.Second, b.Current())

	expect := []time.Duration{6, 12, 24, 48, 96, 192, 300, 300, 300}
	for i, e := range expect {
		delay, jitter := b.Failure(func(n int64) int64 { return n - 1 })
		assert.Equal(t, e*time.Second, delay, "step=%d", i)
		assert.True(t, jitter >= 0 && jitter < delay/10, "step=%d jitter=%v", i, jitter)
	}

	b.Reset()
	assert.Equal(t, 3*time.Second, b.Current())
	b.Clear()
	assert.True(t, b.IsZero())
}

func TestBackoffMonotonic(t *testing.T) {
	t.Parallel()
	rnd := RandUnix()
	b := Backoff{Min: 3 * time.Second, Max: 300 * time.Second, Jitter: 0.1}
	prev := time.Duration(0)
	for i := 0; i < 100; i++ {
		delay, jitter := b.Failure(rnd.Int63n)
		assert.True(t, delay >= prev)
		assert.True(t, delay >= b.Min && delay <= b.Max)
		assert.True(t, jitter < delay/10+1)
		prev = delay
	}
}

func TestBackoffNoJitter(t *testing.T) {
	t.Parallel()
	b := Backoff{Min: time.Second, Max: 4 * time.Second}
	delay, jitter := b.Failure(nil)
	assert.Equal(t, 2*time.Second, delay)
	assert.Equal(t, time.Duration(0), jitter)
}
