// Package resolve turns host names into IPv4 addresses with bounded wait,
// bridging synchronous callers onto asynchronous netstack DNS.
package resolve

import (
	"net/netip"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/powermon/helpers"
	"github.com/temoto/powermon/log2"
	"github.com/temoto/powermon/netstack"
)

const DefaultTimeout = 5 * time.Second

var DefaultServer = netip.MustParseAddrPort("8.8.8.8:53")

type Resolver struct {
	log    *log2.Log
	stack  *netstack.Stack
	server netip.AddrPort
}

// Resolver with zero server uses DefaultServer.
func New(log *log2.Log, stack *netstack.Stack, server netip.AddrPort) *Resolver {
	if !server.IsValid() {
		server = DefaultServer
	}
	return &Resolver{log: log, stack: stack, server: server}
}

// Resolve blocks up to timeout.
// Errors: Timeout when no answer in time from caller or engine deadline,
// NotFound when name does not resolve.
// Safe for concurrent use, each call owns its completion slot.
// A callback arriving after timeout is discarded.
func (r *Resolver) Resolve(host string, timeout time.Duration) (netip.Addr, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	f := helpers.NewFuture[netip.Addr]()
	err := r.stack.CallError(func() error {
		// upstream server is configured before every lookup
		r.stack.DNS().SetServer(0, r.server)
		addr, err := r.stack.DNS().GetHostByName(host, func(name string, addr netip.Addr, err error) {
			if err != nil {
				f.Fail(err)
				return
			}
			f.Complete(addr)
		})
		switch err {
		case nil:
			f.Complete(addr)
			return nil
		case netstack.ErrInProgress:
			return nil
		}
		return err
	})
	if err != nil {
		r.log.Errorf("resolve host=%s err=%v", host, err)
		return netip.Addr{}, errors.Annotatef(err, "resolve host=%s", host)
	}

	addr, err := f.Wait(timeout, "resolve host="+host)
	if err != nil {
		select {
		case <-f.Cancelled():
		default:
			if !errors.IsNotFound(err) && !errors.IsTimeout(err) {
				err = errors.NewNotFound(err, "resolve host="+host)
			}
		}
		r.log.Errorf("resolve host=%s err=%v", host, err)
		return netip.Addr{}, err
	}
	r.log.Debugf("resolve host=%s addr=%s", host, addr)
	return addr, nil
}
