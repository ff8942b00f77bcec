// Package clocksync is one-shot SNTP client which sets device clock.
package clocksync

import (
	"encoding/binary"
	"net/netip"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/powermon/helpers"
	"github.com/temoto/powermon/log2"
	"github.com/temoto/powermon/netstack"
)

const (
	PacketLength      = 48
	DefaultPort       = 123
	DefaultTimeout    = 5 * time.Second
	DefaultDNSTimeout = 5 * time.Second
	DefaultTZOffset   = -3 * 3600
	requestMode       = 0x23 // LI=0 VN=4 Mode=3 client
	transmitOffset    = 40
)

var ErrBusy = errors.New("ntp sync in progress")

type Resolver interface {
	Resolve(host string, timeout time.Duration) (netip.Addr, error)
}

type Client struct {
	Port       uint16
	TZOffset   int32 // seconds east of UTC
	DNSTimeout time.Duration

	busy     sync.Mutex
	clock    Clock
	log      *log2.Log
	resolver Resolver
	stack    *netstack.Stack
}

func NewClient(log *log2.Log, stack *netstack.Stack, resolver Resolver, clock Clock) *Client {
	return &Client{
		Port:       DefaultPort,
		TZOffset:   DefaultTZOffset,
		DNSTimeout: DefaultDNSTimeout,
		clock:      clock,
		log:        log,
		resolver:   resolver,
		stack:      stack,
	}
}

// SyncOnce reports success, failure reason is logged.
// Never retries.
func (c *Client) SyncOnce(server string, timeout time.Duration) bool {
	cal, err := c.Sync(server, timeout)
	if err != nil {
		c.log.Errorf("sync server=%s err=%v", server, err)
		return false
	}
	c.log.Infof("clock synchronized: %s", cal)
	return true
}

// Sync asks server for time once and sets the clock.
// At most one sync in flight, concurrent call fails fast with ErrBusy.
func (c *Client) Sync(server string, timeout time.Duration) (Calendar, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if !c.busy.TryLock() {
		return Calendar{}, ErrBusy
	}
	defer c.busy.Unlock()
	addr, err := c.resolver.Resolve(server, c.DNSTimeout)
	if err != nil {
		return Calendar{}, errors.Annotate(err, "resolve")
	}
	to := netip.AddrPortFrom(addr, c.Port)

	f := helpers.NewFuture[uint32]()
	var pcb *netstack.UDP
	err = c.stack.CallError(func() error {
		var err error
		if pcb, err = c.stack.NewUDP(); err != nil {
			return err
		}
		pcb.Recv(func(data []byte, from netip.AddrPort) {
			if !sameAddrPort(from, to) {
				c.log.Debugf("ntp ignore datagram from %s", from)
				return
			}
			sec, err := ParseResponse(data)
			if err != nil {
				f.Fail(err)
				return
			}
			f.Complete(sec)
		})
		if err = pcb.SendTo(Request(), to); err != nil {
			pcb.Remove()
			return err
		}
		return nil
	})
	if err != nil {
		return Calendar{}, errors.Annotate(err, "ntp request")
	}
	c.log.Debugf("ntp request sent to %s", to)

	sec, err := f.Wait(timeout, "ntp response from "+to.String())
	_ = c.stack.Call(pcb.Remove)
	if err != nil {
		return Calendar{}, err
	}

	cal := CalendarFromNTP(sec, c.TZOffset)
	if err = c.clock.Set(cal); err != nil {
		return cal, errors.Annotate(err, "clock set")
	}
	return cal, nil
}

func sameAddrPort(a, b netip.AddrPort) bool {
	return a.Port() == b.Port() && a.Addr().Unmap() == b.Addr().Unmap()
}

func Request() []byte {
	b := make([]byte, PacketLength)
	b[0] = requestMode
	return b
}

// ParseResponse returns transmit timestamp seconds.
// Packet must be at least 48 bytes, extra bytes are ignored.
func ParseResponse(b []byte) (uint32, error) {
	if len(b) < PacketLength {
		return 0, errors.NotValidf("ntp response length=%d", len(b))
	}
	return binary.BigEndian.Uint32(b[transmitOffset:]), nil
}
