// Package tele pushes measurements to HTTP collector with plain GET
// over raw TCP and drives periodic publishing while link is up.
package tele

import (
	"net/netip"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/powermon/helpers"
	"github.com/temoto/powermon/log2"
	"github.com/temoto/powermon/netstack"
)

const (
	DefaultPort       = 80
	DefaultTimeout    = 7 * time.Second
	DefaultDNSTimeout = 5 * time.Second
	DefaultUserAgent  = "powermon/rawtcp"
)

var ErrBusy = errors.New("publish in progress")

type Resolver interface {
	Resolve(host string, timeout time.Duration) (netip.Addr, error)
}

// Publisher contract:
// - at most one publish in flight, concurrent call fails fast with ErrBusy
// - Publish returns within DNS timeout plus timeout
// - after return no callback of the attempt touches caller state
// - peer closing connection means success, response is not parsed
type Publisher struct {
	Port       uint16
	UserAgent  string
	DNSTimeout time.Duration
	Stat       Stat

	busy     sync.Mutex
	log      *log2.Log
	resolver Resolver
	stack    *netstack.Stack
}

func NewPublisher(log *log2.Log, stack *netstack.Stack, resolver Resolver) *Publisher {
	return &Publisher{
		Port:       DefaultPort,
		UserAgent:  DefaultUserAgent,
		DNSTimeout: DefaultDNSTimeout,
		log:        log,
		resolver:   resolver,
		stack:      stack,
	}
}

// pending is state of one publish attempt, lives on engine goroutine
// except future which is shared with caller.
type pending struct {
	pcb     *netstack.TCP
	done    *helpers.Future[struct{}]
	lastErr helpers.AtomicError
	written bool
	recv    int
}

func (p *Publisher) Publish(host, apiKey string, fields Fields, timeout time.Duration) error {
	if fields.Len() < 1 || fields.Len() > MaxFields {
		return errors.NotValidf("fields count=%d", fields.Len())
	}
	if apiKey == "" {
		return errors.NotValidf("api key empty")
	}
	req, err := BuildRequest(host, p.UserAgent, fields.Query(apiKey))
	if err != nil {
		p.log.Errorf("publish %v", err)
		return err
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if !p.busy.TryLock() {
		p.Stat.Busy.Add(1)
		return ErrBusy
	}
	defer p.busy.Unlock()
	p.Stat.Attempt.Add(1)

	err = p.publish(host, req, timeout)
	switch {
	case err == nil:
		p.Stat.OK.Add(1)
		p.Stat.Bytes.Add(int64(len(req)))
		p.Stat.LastOK.SetNow()
		p.log.Infof("sent to %s (%d bytes)", host, len(req))
	case errors.IsTimeout(err):
		p.Stat.Timeout.Add(1)
		p.log.Errorf("publish %v", err)
	default:
		p.Stat.Fail.Add(1)
		p.log.Errorf("publish %v", err)
	}
	return err
}

func (p *Publisher) publish(host string, req []byte, timeout time.Duration) error {
	addr, err := p.resolver.Resolve(host, p.DNSTimeout)
	if err != nil {
		return errors.Annotatef(err, "resolve host=%s", host)
	}
	to := netip.AddrPortFrom(addr, p.Port)

	pc, err := p.dial(to, req)
	if err != nil {
		return errors.Annotatef(err, "connect %s", to)
	}

	_, err = pc.done.Wait(timeout, "publish to "+to.String())
	p.teardown(pc)
	if err != nil && errors.IsTimeout(err) {
		// callback error may lose the race with timer
		if e, ok := pc.lastErr.Load(); ok {
			err = errors.Annotatef(err, "last error=%v", e)
		}
	}
	return err
}

// dial starts connection, request is written from Connected callback.
func (p *Publisher) dial(to netip.AddrPort, req []byte) (*pending, error) {
	pc := &pending{done: helpers.NewFuture[struct{}]()}
	err := p.stack.CallError(func() error {
		pc.pcb = p.stack.NewTCP()
		pc.pcb.SetCallbacks(netstack.TCPCallbacks{
			Connected: func() { p.onConnected(pc, req) },
			Sent:      func(int) {},
			Recv:      func(data []byte) { p.onRecv(pc, data) },
			Err:       func(err error) { p.onErr(pc, err) },
		})
		if err := pc.pcb.Connect(to); err != nil {
			pc.pcb.Abort()
			return err
		}
		return nil
	})
	return pc, err
}

// teardown detaches callbacks and releases connection exactly once.
// Timed out connection is reset, finished one is closed gracefully.
func (p *Publisher) teardown(pc *pending) {
	_ = p.stack.Call(func() {
		if pc.pcb.IsClosed() {
			return
		}
		select {
		case <-pc.done.Cancelled():
			pc.pcb.Abort()
		default:
			_ = pc.pcb.Close()
		}
	})
}

func (p *Publisher) onConnected(pc *pending, req []byte) {
	if pc.written {
		return
	}
	pc.written = true
	if err := pc.pcb.Write(req); err != nil {
		err = errors.Annotate(err, "write")
		pc.lastErr.StoreOnce(err)
		pc.pcb.Abort()
		pc.done.Fail(err)
	}
}

func (p *Publisher) onRecv(pc *pending, data []byte) {
	if data == nil {
		// peer closed after response
		p.log.Debugf("response %d bytes, closed by peer", pc.recv)
		pc.done.Complete(struct{}{})
		return
	}
	pc.recv += len(data)
}

func (p *Publisher) onErr(pc *pending, err error) {
	pc.lastErr.StoreOnce(err)
	pc.done.Fail(err)
}
