package netstack

// Values are read and modified atomically, but not consistently,
// i.e. it is possible to read .Count=1 .Size=0 because Size has not updated yet.

import (
	"expvar"
	"fmt"
)

type Stat struct {
	DNS  DNSStat
	TCP  Counters
	UDP  Counters
	Conn expvar.Int // TCP connections established
}

func (s *Stat) String() string {
	return fmt.Sprintf(`{"conn":%d,"dns":%s,"tcp":%s,"udp":%s}`,
		s.Conn.Value(), s.DNS.String(), s.TCP.String(), s.UDP.String())
}

type DNSStat struct {
	Query expvar.Int
	Cache expvar.Int
	Fail  expvar.Int
}

func (d *DNSStat) String() string {
	return fmt.Sprintf(`{"query":%d,"cache":%d,"fail":%d}`,
		d.Query.Value(), d.Cache.Value(), d.Fail.Value())
}

type Counters struct {
	Recv CountSizePair
	Send CountSizePair
}

func (c *Counters) String() string {
	return fmt.Sprintf(`{"recv.count":%d,"recv.size":%d,"send.count":%d,"send.size":%d}`,
		c.Recv.Count.Value(), c.Recv.Size.Value(),
		c.Send.Count.Value(), c.Send.Size.Value())
}

type CountSizePair struct {
	Count expvar.Int
	Size  expvar.Int
}

func (csp *CountSizePair) Register(size int) {
	csp.Count.Add(1)
	csp.Size.Add(int64(size))
}
