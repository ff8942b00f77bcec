package adc

import (
	"encoding/binary"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/juju/errors"
	gpio "github.com/temoto/gpio-cdev-go"
	"github.com/temoto/powermon/helpers"
	"periph.io/x/periph/conn/i2c"
	"periph.io/x/periph/conn/i2c/i2creg"
	"periph.io/x/periph/host"
)

const DefaultAddr = 0x48

type Config struct {
	Bus  string // periph bus name, empty=first available
	Addr uint16
	// Optional ALERT/RDY line. Without it readiness is polled over I2C.
	ReadyPinChip string
	ReadyPinName string
}

// ADS1115 over Linux I2C.
type ADS1115 struct {
	mu    sync.Mutex
	tx    func(w, r []byte) error
	bus   i2c.BusCloser
	chip  gpio.Chiper
	ready gpio.Eventer
}

var _ Device = &ADS1115{}

func NewADS1115(c *Config) (*ADS1115, error) {
	if _, err := host.Init(); err != nil {
		return nil, errors.Annotate(err, "periph/init")
	}
	bus, err := i2creg.Open(c.Bus)
	if err != nil {
		return nil, errors.Annotatef(err, "I2C open bus=%s", c.Bus)
	}
	addr := c.Addr
	if addr == 0 {
		addr = DefaultAddr
	}
	dev := &i2c.Dev{Bus: bus, Addr: addr}
	d := &ADS1115{tx: dev.Tx, bus: bus}

	if c.ReadyPinChip != "" {
		if err = d.openReady(c); err != nil {
			_ = d.Close()
			return nil, err
		}
	}
	return d, nil
}

func (d *ADS1115) openReady(c *Config) error {
	line, err := strconv.ParseUint(c.ReadyPinName, 10, 16)
	if err != nil {
		return errors.Annotate(err, "ready pin must be number")
	}
	d.chip, err = gpio.Open(c.ReadyPinChip, "powermon")
	if err != nil {
		return errors.Annotatef(err, "ready pin open chip=%s", c.ReadyPinChip)
	}
	d.ready, err = d.chip.GetLineEvent(uint32(line), 0, gpio.GPIOEVENT_REQUEST_FALLING_EDGE, "adc-rdy")
	if err != nil {
		return errors.Annotate(err, "gpio.GetLineEvent")
	}
	// Hi_thresh MSB=1 Lo_thresh MSB=0 turns ALERT into conversion ready output.
	if err = d.writeReg(regLoThresh, 0x0000); err != nil {
		return err
	}
	return d.writeReg(regHiThresh, 0x8000)
}

func (d *ADS1115) Close() error {
	closers := []io.Closer{d.ready, d.chip, d.bus}
	errs := make([]error, 0, len(closers))
	for _, c := range closers {
		if c != nil {
			errs = append(errs, c.Close())
		}
	}
	return helpers.FoldErrors(errs)
}

func (d *ADS1115) StartConversion(ch Channel, gain Gain, rate Rate) error {
	return d.writeReg(regConfig, ConfigWord(ch, gain, rate, d.ready != nil))
}

func (d *ADS1115) IsConversionReady() (bool, error) {
	if d.ready != nil {
		_, err := d.ready.Wait(100 * time.Microsecond)
		if gpio.IsTimeout(err) {
			return false, nil
		}
		return err == nil, errors.Annotate(err, "ready pin")
	}
	v, err := d.readReg(regConfig)
	if err != nil {
		return false, err
	}
	return v&cfgOSSingle != 0, nil
}

func (d *ADS1115) ReadConversion() (int16, error) {
	v, err := d.readReg(regConversion)
	return int16(v), err
}

func (d *ADS1115) writeReg(reg byte, v uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var buf [3]byte
	buf[0] = reg
	binary.BigEndian.PutUint16(buf[1:], v)
	return errors.Annotatef(d.tx(buf[:], nil), "I2C write reg=%d", reg)
}

func (d *ADS1115) readReg(reg byte) (uint16, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var r [2]byte
	if err := d.tx([]byte{reg}, r[:]); err != nil {
		return 0, errors.Annotatef(err, "I2C read reg=%d", reg)
	}
	return binary.BigEndian.Uint16(r[:]), nil
}
