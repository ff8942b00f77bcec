// Package sampler reads voltage and current channels in bursts,
// computes RMS values and keeps latest snapshot for other tasks.
package sampler

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/powermon/hardware/adc"
	"github.com/temoto/powermon/helpers"
	"github.com/temoto/powermon/log2"
)

const (
	DefaultSamples       = 128
	DefaultSampleRate    = 200
	DefaultCycle         = time.Second
	DefaultReadyTimeout  = 50 * time.Millisecond
	DefaultVoltageOffset = 1.50
	DefaultCurrentOffset = 1.65
	DefaultVoltageFactor = 301.15
	DefaultCurrentFactor = 54.87
	DefaultVBase         = 127.0
	readyPoll            = 100 * time.Microsecond
)

type Config struct {
	Samples        int
	SampleRate     int // per channel, Hz
	Cycle          time.Duration
	ReadyTimeout   time.Duration
	VoltageChannel adc.Channel
	CurrentChannel adc.Channel
	Gain           adc.Gain
	DataRate       adc.Rate
	VoltageOffset  float64 // volts at ADC input
	CurrentOffset  float64
	VoltageFactor  float64 // ADC volts to line volts
	CurrentFactor  float64 // ADC volts to amperes
	VBase          float64 // nominal RMS voltage for per-unit
}

func DefaultConfig() Config {
	return Config{
		Samples:        DefaultSamples,
		SampleRate:     DefaultSampleRate,
		Cycle:          DefaultCycle,
		ReadyTimeout:   DefaultReadyTimeout,
		VoltageChannel: adc.AIN0,
		CurrentChannel: adc.AIN1,
		Gain:           adc.Gain4096,
		DataRate:       adc.Rate860,
		VoltageOffset:  DefaultVoltageOffset,
		CurrentOffset:  DefaultCurrentOffset,
		VoltageFactor:  DefaultVoltageFactor,
		CurrentFactor:  DefaultCurrentFactor,
		VBase:          DefaultVBase,
	}
}

type Snapshot struct {
	VoltageRms     float64
	CurrentRms     float64
	PerUnitVoltage float64
	Power          float64
	TimestampMs    uint32 // since sampler start
	Valid          bool
}

// Store keeps latest snapshot, copied in and out under lock.
type Store struct {
	mu   sync.Mutex
	last Snapshot
}

func (s *Store) Set(snap Snapshot) {
	s.mu.Lock()
	s.last = snap
	s.mu.Unlock()
}

// Get returns false until first successful cycle.
func (s *Store) Get() (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.last.Valid
}

type Sampler struct {
	cfg   Config
	dev   adc.Device
	log   *log2.Log
	store *Store
	start time.Time
	v, i  []int16
}

func New(log *log2.Log, cfg Config, dev adc.Device, store *Store) *Sampler {
	if cfg.Samples <= 0 {
		cfg.Samples = DefaultSamples
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.Cycle == 0 {
		cfg.Cycle = DefaultCycle
	}
	if cfg.ReadyTimeout == 0 {
		cfg.ReadyTimeout = DefaultReadyTimeout
	}
	return &Sampler{
		cfg:   cfg,
		dev:   dev,
		log:   log,
		store: store,
		start: time.Now(),
		v:     make([]int16, cfg.Samples),
		i:     make([]int16, cfg.Samples),
	}
}

// Run samples every Cycle until ctx is done.
// Failed cycles are logged and leave previous snapshot in place.
func (s *Sampler) Run(ctx context.Context) error {
	tmr := time.NewTicker(s.cfg.Cycle)
	defer tmr.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tmr.C:
		}
		snap, err := s.Cycle(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Errorf("cycle err=%v", err)
			continue
		}
		s.store.Set(snap)
		s.log.Infof("V=%.2f V (PU=%.3f) | I=%.3f A | P=%.1f W | t=%d ms",
			snap.VoltageRms, snap.PerUnitVoltage, snap.CurrentRms, snap.Power, snap.TimestampMs)
	}
}

// Cycle collects one burst of sample pairs and computes snapshot.
func (s *Sampler) Cycle(ctx context.Context) (Snapshot, error) {
	period := time.Second / time.Duration(s.cfg.SampleRate)
	wake := time.Now()
	var tv, ti uint32
	var err error
	for n := 0; n < s.cfg.Samples; n++ {
		if s.v[n], tv, err = s.convert(s.cfg.VoltageChannel); err != nil {
			return Snapshot{}, err
		}
		if s.i[n], ti, err = s.convert(s.cfg.CurrentChannel); err != nil {
			return Snapshot{}, err
		}
		wake = wake.Add(period)
		if !helpers.SleepContext(ctx.Done(), time.Until(wake)) {
			return Snapshot{}, errors.Trace(ctx.Err())
		}
	}

	lsb := s.cfg.Gain.LSB()
	vrms := RMS(s.v, lsb, s.cfg.VoltageOffset) * s.cfg.VoltageFactor
	irms := RMS(s.i, lsb, s.cfg.CurrentOffset) * s.cfg.CurrentFactor
	snap := Snapshot{
		VoltageRms:  vrms,
		CurrentRms:  irms,
		Power:       vrms * irms,
		TimestampMs: tv,
		Valid:       true,
	}
	if s.cfg.VBase != 0 {
		snap.PerUnitVoltage = vrms / s.cfg.VBase
	}
	if ti > tv {
		snap.TimestampMs = ti
	}
	return snap, nil
}

func (s *Sampler) convert(ch adc.Channel) (int16, uint32, error) {
	if err := s.dev.StartConversion(ch, s.cfg.Gain, s.cfg.DataRate); err != nil {
		return 0, 0, errors.Annotatef(err, "start conversion %s", ch)
	}
	deadline := time.Now().Add(s.cfg.ReadyTimeout)
	for {
		ready, err := s.dev.IsConversionReady()
		if err != nil {
			return 0, 0, errors.Annotatef(err, "conversion ready %s", ch)
		}
		if ready {
			break
		}
		if time.Now().After(deadline) {
			return 0, 0, errors.Timeoutf("conversion %s", ch)
		}
		time.Sleep(readyPoll)
	}
	code, err := s.dev.ReadConversion()
	if err != nil {
		return 0, 0, errors.Annotatef(err, "read conversion %s", ch)
	}
	return code, uint32(time.Since(s.start).Milliseconds()), nil
}

// RMS of codes converted to volts with DC offset removed.
func RMS(codes []int16, lsb, offset float64) float64 {
	if len(codes) == 0 {
		return 0
	}
	sum := 0.0
	for _, c := range codes {
		v := float64(c)*lsb - offset
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(codes)))
}
