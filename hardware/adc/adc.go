// Package adc talks to ADS1115 style 16-bit sigma-delta converter
// in single-shot mode.
package adc

import "fmt"

// Device is single-shot converter, one conversion in flight.
type Device interface {
	StartConversion(ch Channel, gain Gain, rate Rate) error
	IsConversionReady() (bool, error)
	ReadConversion() (int16, error)
}

// Channel is MUX code, single ended inputs against GND.
type Channel uint8

const (
	AIN0 Channel = 0x4
	AIN1 Channel = 0x5
	AIN2 Channel = 0x6
	AIN3 Channel = 0x7
)

func (c Channel) String() string {
	if c >= AIN0 && c <= AIN3 {
		return fmt.Sprintf("AIN%d", c-AIN0)
	}
	return fmt.Sprintf("mux(%d)", uint8(c))
}

// Gain is PGA code selecting full scale range.
type Gain uint8

const (
	Gain6144 Gain = iota
	Gain4096
	Gain2048
	Gain1024
	Gain0512
	Gain0256
)

var fullScale = [...]float64{6.144, 4.096, 2.048, 1.024, 0.512, 0.256}

// FullScale returns positive range limit in volts.
func (g Gain) FullScale() float64 {
	if int(g) < len(fullScale) {
		return fullScale[g]
	}
	return fullScale[len(fullScale)-1]
}

// LSB is volts per code.
func (g Gain) LSB() float64 { return g.FullScale() / 32768 }

// Rate is data rate code.
type Rate uint8

const (
	Rate8 Rate = iota
	Rate16
	Rate32
	Rate64
	Rate128
	Rate250
	Rate475
	Rate860
)

var samplesPerSecond = [...]int{8, 16, 32, 64, 128, 250, 475, 860}

func (r Rate) SPS() int {
	if int(r) < len(samplesPerSecond) {
		return samplesPerSecond[r]
	}
	return samplesPerSecond[len(samplesPerSecond)-1]
}

const (
	regConversion = 0x00
	regConfig     = 0x01
	regLoThresh   = 0x02
	regHiThresh   = 0x03

	cfgOSSingle   = 1 << 15
	cfgMuxShift   = 12
	cfgPGAShift   = 9
	cfgModeSingle = 1 << 8
	cfgDRShift    = 5
	cfgCompQueOff = 0x3
)

// ConfigWord builds config register value which starts single conversion.
// rdy enables ALERT/RDY pin pulse after each conversion.
func ConfigWord(ch Channel, gain Gain, rate Rate, rdy bool) uint16 {
	w := uint16(cfgOSSingle|cfgModeSingle) |
		uint16(ch&0x7)<<cfgMuxShift |
		uint16(gain&0x7)<<cfgPGAShift |
		uint16(rate&0x7)<<cfgDRShift
	if !rdy {
		w |= cfgCompQueOff
	}
	return w
}

// VoltsToCode converts input voltage to saturated conversion code.
func VoltsToCode(v float64, gain Gain) int16 {
	fs := gain.FullScale()
	if v > fs {
		v = fs
	}
	if v < -fs {
		v = -fs
	}
	code := v / gain.LSB()
	switch {
	case code > 32767:
		return 32767
	case code < -32768:
		return -32768
	}
	if code < 0 {
		return int16(code - 0.5)
	}
	return int16(code + 0.5)
}
