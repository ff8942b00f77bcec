package tele

import (
	"expvar"
	"fmt"

	"github.com/temoto/powermon/helpers/atomic_clock"
)

type Stat struct {
	Attempt expvar.Int
	OK      expvar.Int
	Fail    expvar.Int
	Timeout expvar.Int
	Busy    expvar.Int
	Bytes   expvar.Int
	LastOK  atomic_clock.Clock
}

func (s *Stat) String() string {
	return fmt.Sprintf(`{"attempt":%d,"ok":%d,"fail":%d,"timeout":%d,"busy":%d,"bytes":%d,"last_ok":%d}`,
		s.Attempt.Value(), s.OK.Value(), s.Fail.Value(), s.Timeout.Value(),
		s.Busy.Value(), s.Bytes.Value(), s.LastOK.Unix())
}
