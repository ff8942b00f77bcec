package adc

import (
	"math"
	"sync"
	"time"
)

// SimChannel describes signal on one simulated input.
type SimChannel struct {
	Offset float64 // DC volts
	Amp    float64 // peak volts
	Noise  float64 // peak uniform noise volts
}

// Sim generates sine waves with DC offset and noise,
// honouring conversion time of selected data rate.
type Sim struct {
	Freq     float64 // Hz
	Channels map[Channel]SimChannel

	mu    sync.Mutex
	now   func() time.Time
	epoch time.Time
	start time.Time
	ch    Channel
	gain  Gain
	rate  Rate
	seed  uint32
}

var _ Device = &Sim{}

// NewSim returns 60 Hz simulator: AIN0 carries voltage at vrms
// and AIN1 current at irms, both scaled back by calibration factors.
func NewSim(vrms, vFactor, vOffset, irms, iFactor, iOffset float64) *Sim {
	return &Sim{
		Freq: 60,
		Channels: map[Channel]SimChannel{
			AIN0: {Offset: vOffset, Amp: vrms / vFactor * math.Sqrt2, Noise: 0.003},
			AIN1: {Offset: iOffset, Amp: irms / iFactor * math.Sqrt2, Noise: 0.006},
		},
		seed: 0xabcdef01,
	}
}

func (s *Sim) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

func (s *Sim) StartConversion(ch Channel, gain Gain, rate Rate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.clock()
	if s.epoch.IsZero() {
		s.epoch = t
	}
	s.start, s.ch, s.gain, s.rate = t, ch, gain, rate
	return nil
}

func (s *Sim) conversionTime() time.Duration {
	return time.Second / time.Duration(s.rate.SPS())
}

func (s *Sim) IsConversionReady() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock().Sub(s.start) >= s.conversionTime(), nil
}

func (s *Sim) ReadConversion() (int16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.Channels[s.ch]
	if !ok {
		return 0, nil
	}
	t := s.clock().Sub(s.epoch).Seconds()
	v := c.Offset + c.Amp*math.Sin(2*math.Pi*s.Freq*t)
	if c.Noise != 0 {
		v += s.noise() * c.Noise
	}
	return VoltsToCode(v, s.gain), nil
}

// noise returns value in [-1,1) from LCG.
func (s *Sim) noise() float64 {
	s.seed = 1664525*s.seed + 1013904223
	return float64(int32(s.seed&0xffff)-32768) / 32768
}
