// Package netstack is a small asynchronous network engine.
// All control blocks (DNS, UDP, TCP) live on one engine goroutine and
// every callback is delivered there, serially.
// Other goroutines enter the engine only through Stack.Call.
// Blocking socket I/O happens in helper goroutines which post results back.
package netstack

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/powermon/log2"
)

var (
	ErrClosed     = errors.New("netstack closed")
	ErrInProgress = errors.New("in progress")
	ErrConn       = errors.New("not connected")
	ErrBufferFull = errors.New("send buffer full")
)

const (
	DefaultDNSTimeout   = 5 * time.Second
	DefaultDNSCacheSize = 16
	DefaultDNSCacheTTL  = 10 * time.Minute
	DefaultSendQueue    = 4
	recvBufferSize      = 1500
)

type Options struct {
	DNSTimeout   time.Duration
	DNSCacheSize int
	DNSCacheTTL  time.Duration
	SendQueue    int // TCP writes in flight per block
	Dialer       *net.Dialer
}

type Stack struct {
	Stat   Stat
	alive  *alive.Alive
	calls  chan func()
	ctx    context.Context
	cancel context.CancelFunc
	dns    *DNS
	log    *log2.Log
	opt    Options

	mu    sync.Mutex
	files map[io.Closer]struct{}
}

func New(log *log2.Log, opt Options) *Stack {
	if opt.DNSTimeout == 0 {
		opt.DNSTimeout = DefaultDNSTimeout
	}
	if opt.DNSCacheSize == 0 {
		opt.DNSCacheSize = DefaultDNSCacheSize
	}
	if opt.DNSCacheTTL == 0 {
		opt.DNSCacheTTL = DefaultDNSCacheTTL
	}
	if opt.SendQueue == 0 {
		opt.SendQueue = DefaultSendQueue
	}
	if opt.Dialer == nil {
		opt.Dialer = &net.Dialer{}
	}
	s := &Stack{
		alive: alive.NewAlive(),
		calls: make(chan func()),
		files: make(map[io.Closer]struct{}),
		log:   log,
		opt:   opt,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.dns = newDNS(s)
	s.alive.Add(1)
	go s.loop()
	return s
}

// Close stops engine and waits for helper goroutines.
// Pending callbacks are dropped.
func (s *Stack) Close() error {
	s.alive.Stop()
	s.cancel()
	s.mu.Lock()
	for f := range s.files {
		_ = f.Close()
	}
	s.mu.Unlock()
	s.alive.Wait()
	return nil
}

// Call runs f on engine goroutine and waits until it returns.
// Must not be called from engine goroutine (callbacks).
func (s *Stack) Call(f func()) error {
	done := make(chan struct{})
	if !s.post(func() { f(); close(done) }) {
		return ErrClosed
	}
	<-done
	return nil
}

// CallError is Call for functions returning error.
func (s *Stack) CallError(f func() error) error {
	var err error
	if e := s.Call(func() { err = f() }); e != nil {
		return e
	}
	return err
}

func (s *Stack) DNS() *DNS { return s.dns }

// post schedules f on engine goroutine.
// Returns false if engine is stopped, f will never run.
func (s *Stack) post(f func()) bool {
	select {
	case s.calls <- f:
		return true
	case <-s.alive.StopChan():
		return false
	}
}

// spawn runs f in helper goroutine tracked by Close.
func (s *Stack) spawn(f func()) bool {
	if !s.alive.Add(1) {
		return false
	}
	go func() {
		defer s.alive.Done()
		f()
	}()
	return true
}

// track registers socket to be closed by Stack.Close.
// Returns false if stack is already stopped, caller must close f.
func (s *Stack) track(f io.Closer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.alive.IsRunning() {
		return false
	}
	s.files[f] = struct{}{}
	return true
}

func (s *Stack) untrack(f io.Closer) {
	s.mu.Lock()
	delete(s.files, f)
	s.mu.Unlock()
}

func (s *Stack) loop() {
	defer s.alive.Done()
	stopch := s.alive.StopChan()
	for {
		select {
		case f := <-s.calls:
			f()
		case <-stopch:
			return
		}
	}
}
