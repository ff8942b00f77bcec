package clocksync

import (
	"fmt"
	"time"
)

// Seconds between NTP era 0 (1900-01-01) and Unix epoch.
const NTPUnixOffset = 2208988800

// Calendar is local wall clock time split into fields.
type Calendar struct {
	Year    int
	Month   int // 1..12
	Day     int // 1..31
	Hour    int
	Minute  int
	Second  int
	Weekday int   // 0=Sunday
	Offset  int32 // seconds east of UTC
}

func (c Calendar) String() string {
	return fmt.Sprintf("%04d/%02d/%02d %02d:%02d:%02d (GMT%+d)",
		c.Year, c.Month, c.Day, c.Hour, c.Minute, c.Second, c.Offset/3600)
}

// Time converts back to absolute time.
func (c Calendar) Time() time.Time {
	loc := time.FixedZone(fmt.Sprintf("GMT%+d", c.Offset/3600), int(c.Offset))
	return time.Date(c.Year, time.Month(c.Month), c.Day, c.Hour, c.Minute, c.Second, 0, loc)
}

func isLeap(y int) bool {
	return (y%4 == 0 && y%100 != 0) || y%400 == 0
}

func daysInMonth(y, m int) int {
	switch m {
	case 2:
		if isLeap(y) {
			return 29
		}
		return 28
	case 4, 6, 9, 11:
		return 30
	}
	return 31
}

// CalendarFromNTP converts seconds since 1900-01-01 plus zone offset
// into calendar fields. Negative local time is clamped to 1900-01-01 00:00:00.
// Works by year then month reduction, no dependency on host time zone data.
func CalendarFromNTP(sec uint32, offset int32) Calendar {
	local := int64(sec) + int64(offset)
	if local < 0 {
		local = 0
	}
	days := local / 86400
	sod := local % 86400

	c := Calendar{
		Hour:    int(sod / 3600),
		Minute:  int(sod % 3600 / 60),
		Second:  int(sod % 60),
		Weekday: int((days + 1) % 7), // 1900-01-01 was Monday
		Offset:  offset,
	}
	year := 1900
	for {
		dy := int64(365)
		if isLeap(year) {
			dy = 366
		}
		if days < dy {
			break
		}
		days -= dy
		year++
	}
	month := 1
	for {
		dm := int64(daysInMonth(year, month))
		if days < dm {
			break
		}
		days -= dm
		month++
	}
	c.Year = year
	c.Month = month
	c.Day = int(days) + 1
	return c
}
