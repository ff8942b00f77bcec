// Package link keeps wireless link up: polls radio state, retries
// association with exponential backoff and runs clock sync once per boot
// on first link up.
package link

import (
	"context"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/powermon/helpers"
	"github.com/temoto/powermon/log2"
)

const (
	DefaultTick           = 100 * time.Millisecond
	DefaultBackoffMin     = 3 * time.Second
	DefaultBackoffMax     = 300 * time.Second
	DefaultGuard          = 12 * time.Second
	DefaultConnectTimeout = 20 * time.Second
	waitPoll              = 50 * time.Millisecond
)

type Credentials struct {
	SSID     string
	Password string
}

// Radio is wireless hardware driver.
type Radio interface {
	Init() error
	Status() State
	// Connect starts association and waits up to timeout for confirmation.
	Connect(ctx context.Context, creds Credentials, timeout time.Duration) error
	Addr() netip.Addr
	RSSI() (int, error)
}

type Syncer interface {
	SyncOnce(server string, timeout time.Duration) bool
}

type Config struct {
	Tick           time.Duration
	BackoffMin     time.Duration
	BackoffMax     time.Duration
	Guard          time.Duration
	ConnectTimeout time.Duration
	NTPServer      string
	NTPTimeout     time.Duration
}

type Status struct {
	State     State
	Connected bool
	Attempt   uint32
	Backoff   time.Duration
	NextTry   time.Time
	Synced    bool
	Addr      netip.Addr
}

type Manager struct {
	cfg       Config
	log       *log2.Log
	radio     Radio
	syncer    Syncer
	connected atomic.Bool
	force     atomic.Bool
	wake      chan struct{}
	now       func() time.Time
	rand      func(n int64) int64

	// owned by ticking goroutine
	ctx     context.Context
	creds   Credentials
	radioOK bool
	prev    State
	addr    netip.Addr
	backoff helpers.Backoff
	nextTry time.Time
	attempt uint32
	synced  bool

	mu     sync.Mutex
	status Status
}

// NewManager with nil syncer skips clock sync.
func NewManager(log *log2.Log, cfg Config, radio Radio, syncer Syncer) *Manager {
	if cfg.Tick == 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.BackoffMin == 0 {
		cfg.BackoffMin = DefaultBackoffMin
	}
	if cfg.BackoffMax == 0 {
		cfg.BackoffMax = DefaultBackoffMax
	}
	if cfg.Guard == 0 {
		cfg.Guard = DefaultGuard
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	rnd := helpers.RandUnix()
	m := &Manager{
		cfg:    cfg,
		log:    log,
		radio:  radio,
		syncer: syncer,
		wake:   make(chan struct{}, 1),
		now:    time.Now,
		rand:   rnd.Int63n,
		ctx:    context.Background(),
		prev:   stateUnknown,
	}
	m.backoff = helpers.Backoff{Min: cfg.BackoffMin, Max: cfg.BackoffMax, K: 2, Jitter: 0.1}
	return m
}

// Initialize resets manager state and brings radio up in station mode.
// Radio failure is terminal: no association attempts until next successful Initialize.
// Call before Run.
func (m *Manager) Initialize(creds Credentials) error {
	m.creds = creds
	m.connected.Store(false)
	m.force.Store(false)
	m.prev = stateUnknown
	m.backoff.Clear()
	m.nextTry = time.Time{}
	m.attempt = 0
	m.synced = false
	m.radioOK = false
	m.addr = netip.Addr{}

	if creds.SSID == "" {
		m.publishStatus(stateUnknown)
		return errors.NotProvisionedf("link ssid")
	}
	m.log.Infof("radio init ssid=%q", creds.SSID)
	if err := m.radio.Init(); err != nil {
		m.publishStatus(stateUnknown)
		err = errors.Annotate(err, "radio init")
		m.log.Error(err)
		return err
	}
	m.radioOK = true
	m.publishStatus(stateUnknown)
	return nil
}

func (m *Manager) IsConnected() bool { return m.connected.Load() }

// WaitConnected polls connected flag until true or timeout.
func (m *Manager) WaitConnected(timeout time.Duration) bool {
	m.log.Debugf("waiting for connection up to %v", timeout)
	deadline := time.Now().Add(timeout)
	for !m.IsConnected() {
		if time.Now().After(deadline) {
			m.log.Infof("wait connected timeout")
			return false
		}
		time.Sleep(waitPoll)
	}
	return true
}

// ForceReconnect clears backoff and reopens retry window at next tick.
// Safe to call from any goroutine.
func (m *Manager) ForceReconnect() {
	m.log.Infof("force reconnect: clear backoff")
	m.force.Store(true)
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.status
	s.Connected = m.IsConnected()
	return s
}

// Run ticks until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	m.ctx = ctx
	tmr := time.NewTicker(m.cfg.Tick)
	defer tmr.Stop()
	for {
		m.Tick()
		select {
		case <-ctx.Done():
			return
		case <-tmr.C:
		case <-m.wake:
		}
	}
}

// Tick polls radio once and maybe makes one association attempt.
// Returns observed state change, if any.
func (m *Manager) Tick() (Transition, bool) {
	if m.force.Swap(false) {
		m.backoff.Clear()
		m.nextTry = time.Time{}
	}

	tr, changed := m.update()
	now := m.now()

	if m.IsConnected() {
		m.backoff.InitIfZero()
		if guard := now.Add(m.cfg.Guard); m.nextTry.Before(guard) {
			m.nextTry = guard
		}
	} else if m.radioOK {
		m.backoff.InitIfZero()
		if !now.Before(m.nextTry) {
			if tr2, ok := m.tryConnect(); ok {
				tr, changed = tr2, true
			}
			base := m.backoff.Current()
			delay, jitter := m.backoff.Failure(m.rand)
			m.nextTry = now.Add(m.cfg.Guard + delay + jitter)
			m.log.Debugf("backoff base=%v next=%v guard=%v jitter=%v", base, delay, m.cfg.Guard, jitter)
		}
	}
	m.publishStatus(m.prev)
	return tr, changed
}

func (m *Manager) update() (Transition, bool) {
	st := Down
	if m.radioOK {
		st = m.radio.Status()
	}
	up := st == Up
	m.connected.Store(up)
	if st == m.prev {
		return Transition{}, false
	}

	tr := Transition{From: m.prev, To: st}
	m.log.Infof("link %s", tr)
	if tr.LinkUp() {
		m.logDiagnostics()
		if !m.synced && m.syncer != nil {
			m.log.Infof("clock sync server=%s", m.cfg.NTPServer)
			if m.syncer.SyncOnce(m.cfg.NTPServer, m.cfg.NTPTimeout) {
				m.synced = true
			} else {
				m.log.Infof("clock sync failed, keep current time")
			}
		}
		m.backoff.Reset()
		m.nextTry = m.now().Add(m.cfg.Guard)
	}
	m.prev = st
	if !up {
		m.addr = netip.Addr{}
		m.backoff.InitIfZero()
	}
	return tr, true
}

func (m *Manager) tryConnect() (Transition, bool) {
	m.attempt++
	m.log.Infof("connecting attempt=%d ssid=%q", m.attempt, m.creds.SSID)
	err := m.radio.Connect(m.ctx, m.creds, m.cfg.ConnectTimeout)
	if err != nil {
		m.log.Infof("no association within timeout (%v), waiting for transitions", err)
		return Transition{}, false
	}
	m.log.Infof("association confirmed, waiting for address")
	return m.update()
}

func (m *Manager) logDiagnostics() {
	m.addr = m.radio.Addr()
	m.log.Infof("address=%s", m.addr)
	if rssi, err := m.radio.RSSI(); err == nil {
		m.log.Infof("rssi=%d dBm", rssi)
	}
}

func (m *Manager) publishStatus(st State) {
	m.mu.Lock()
	m.status = Status{
		State:   st,
		Attempt: m.attempt,
		Backoff: m.backoff.Current(),
		NextTry: m.nextTry,
		Synced:  m.synced,
		Addr:    m.addr,
	}
	m.mu.Unlock()
}
