package tele

import (
	"encoding/binary"
	"math"
	"sync"
	"time"

	"github.com/juju/errors"
)

// Accumulator integrates power into energy between publishes.
type Accumulator struct {
	mu       sync.Mutex
	energyWh float64
	elapsed  time.Duration
}

// Add integrates powerW over dt. Invalid power only advances elapsed time.
func (a *Accumulator) Add(powerW float64, valid bool, dt time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if valid && !math.IsNaN(powerW) && !math.IsInf(powerW, 0) {
		a.energyWh += powerW * dt.Seconds() / 3600
	}
	a.elapsed += dt
}

func (a *Accumulator) Get() (energyWh float64, elapsed time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.energyWh, a.elapsed
}

func (a *Accumulator) Reset() {
	a.mu.Lock()
	a.energyWh, a.elapsed = 0, 0
	a.mu.Unlock()
}

const accumulatorBinaryLen = 16

func (a *Accumulator) MarshalBinary() ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b := make([]byte, accumulatorBinaryLen)
	binary.BigEndian.PutUint64(b[0:], math.Float64bits(a.energyWh))
	binary.BigEndian.PutUint64(b[8:], uint64(a.elapsed))
	return b, nil
}

func (a *Accumulator) UnmarshalBinary(b []byte) error {
	if len(b) != accumulatorBinaryLen {
		return errors.NotValidf("accumulator length=%d", len(b))
	}
	e := math.Float64frombits(binary.BigEndian.Uint64(b[0:]))
	if math.IsNaN(e) || math.IsInf(e, 0) {
		return errors.NotValidf("accumulator energy=%v", e)
	}
	a.mu.Lock()
	a.energyWh = e
	a.elapsed = time.Duration(binary.BigEndian.Uint64(b[8:]))
	a.mu.Unlock()
	return nil
}
