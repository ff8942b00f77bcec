package clocksync

import (
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/powermon/helpers"
	"golang.org/x/sys/unix"
)

// Clock is device wall clock which can be set from network time.
type Clock interface {
	Set(Calendar) error
}

// RTC is soft real time clock: offset over host monotonic time.
// Starts at host time, Set() moves it to synchronized time.
type RTC struct {
	mu     sync.Mutex
	offset time.Duration
	loc    *time.Location
	synced bool
}

func NewRTC() *RTC { return &RTC{loc: time.Local} }

func (r *RTC) Set(c Calendar) error {
	if c.Month < 1 || c.Month > 12 || c.Day < 1 || c.Day > 31 {
		return errors.NotValidf("calendar %s", c)
	}
	t := c.Time()
	r.mu.Lock()
	r.offset = time.Until(t)
	r.loc = t.Location()
	r.synced = true
	r.mu.Unlock()
	return nil
}

func (r *RTC) Now() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return time.Now().Add(r.offset).In(r.loc)
}

func (r *RTC) Synced() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.synced
}

// SystemClock sets CLOCK_REALTIME, requires CAP_SYS_TIME.
type SystemClock struct{}

func (SystemClock) Set(c Calendar) error {
	ts := unix.NsecToTimespec(c.Time().UnixNano())
	if err := unix.ClockSettime(unix.CLOCK_REALTIME, &ts); err != nil {
		return errors.Annotate(err, "clock_settime")
	}
	return nil
}

// MultiClock sets all clocks, returns folded errors.
type MultiClock []Clock

func (m MultiClock) Set(c Calendar) error {
	var errs []error
	for _, clk := range m {
		if err := clk.Set(c); err != nil {
			errs = append(errs, err)
		}
	}
	return helpers.FoldErrors(errs)
}
