package link

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/powermon/helpers"
)

// SimRadio pretends to join network after JoinDelay.
// First FailAttempts associations fail with NoNetwork.
type SimRadio struct {
	JoinDelay    time.Duration
	FailAttempts int
	InitErr      error
	Address      netip.Addr

	mu       sync.Mutex
	state    State
	upAt     time.Time
	attempts int
}

var _ Radio = &SimRadio{}

func (r *SimRadio) Init() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = Down
	return r.InitErr
}

func (r *SimRadio) Status() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == Joining && !time.Now().Before(r.upAt) {
		r.state = Up
	}
	return r.state
}

func (r *SimRadio) Connect(ctx context.Context, creds Credentials, timeout time.Duration) error {
	r.mu.Lock()
	r.attempts++
	if r.attempts <= r.FailAttempts {
		r.state = NoNetwork
		r.mu.Unlock()
		return errors.NotFoundf("network ssid=%q", creds.SSID)
	}
	r.state = Joining
	r.upAt = time.Now().Add(r.JoinDelay)
	r.mu.Unlock()

	wait := r.JoinDelay
	if wait > timeout {
		wait = timeout
	}
	if !helpers.SleepContext(ctx.Done(), wait) {
		return errors.Trace(ctx.Err())
	}
	if r.JoinDelay > timeout {
		return errors.Timeoutf("association")
	}
	return nil
}

// Drop simulates link loss.
func (r *SimRadio) Drop() {
	r.mu.Lock()
	r.state = Down
	r.mu.Unlock()
}

func (r *SimRadio) Addr() netip.Addr {
	if r.Address.IsValid() {
		return r.Address
	}
	return netip.MustParseAddr("192.168.4.2")
}

func (r *SimRadio) RSSI() (int, error) { return -55, nil }
