package link

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/powermon/log2"
)

type fakeRadio struct {
	mu       sync.Mutex
	initErr  error
	state    State
	connects int
	// connect switches state to onConnect when set
	onConnect State
}

func (r *fakeRadio) Init() error { return r.initErr }
func (r *fakeRadio) Status() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}
func (r *fakeRadio) set(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}
func (r *fakeRadio) Connect(ctx context.Context, creds Credentials, timeout time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connects++
	if r.onConnect == Up {
		r.state = Up
		return nil
	}
	return errors.Timeoutf("association")
}
func (r *fakeRadio) Addr() netip.Addr   { return netip.MustParseAddr("10.0.0.5") }
func (r *fakeRadio) RSSI() (int, error) { return -60, nil }

type fakeSyncer struct {
	calls int
	ok    bool
}

func (s *fakeSyncer) SyncOnce(server string, timeout time.Duration) bool {
	s.calls++
	return s.ok
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time      { return c.t }
func (c *fakeClock) add(d time.Duration) { c.t = c.t.Add(d) }

func maxRand(n int64) int64 { return n - 1 }
func zeroRand(int64) int64  { return 0 }

func newTestManager(t testing.TB, radio Radio, syncer Syncer) (*Manager, *fakeClock) {
	clk := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewManager(log2.NewTest(t, log2.LDebug), Config{NTPServer: "pool.ntp.org"}, radio, syncer)
	m.now = clk.now
	m.rand = zeroRand
	return m, clk
}

func TestManagerBackoff(t *testing.T) {
	t.Parallel()
	radio := &fakeRadio{state: Down}
	m, clk := newTestManager(t, radio, nil)
	m.rand = maxRand
	require.NoError(t, m.Initialize(Credentials{SSID: "home", Password: "secret"}))

	tr, changed := m.Tick()
	require.True(t, changed)
	assert.Equal(t, Transition{stateUnknown, Down}, tr)
	assert.Equal(t, 1, radio.connects)
	assert.Equal(t, 6*time.Second, m.backoff.Current())
	// guard + backoff + jitter < backoff/10
	delay := m.nextTry.Sub(clk.t)
	assert.True(t, delay >= 18*time.Second && delay < 18*time.Second+600*time.Millisecond, "delay=%v", delay)

	// no attempt before window opens
	clk.add(10 * time.Second)
	_, changed = m.Tick()
	assert.False(t, changed)
	assert.Equal(t, 1, radio.connects)

	prev := m.backoff.Current()
	for i := 0; i < 10; i++ {
		clk.t = m.nextTry
		m.Tick()
		cur := m.backoff.Current()
		assert.True(t, cur >= prev)
		assert.True(t, cur <= DefaultBackoffMax)
		prev = cur
	}
	assert.Equal(t, 11, radio.connects)
	assert.Equal(t, DefaultBackoffMax, m.backoff.Current())
	assert.False(t, m.IsConnected())
}

func TestManagerLinkUpSyncOnce(t *testing.T) {
	t.Parallel()
	radio := &fakeRadio{state: Down}
	syncer := &fakeSyncer{ok: true}
	m, clk := newTestManager(t, radio, syncer)
	require.NoError(t, m.Initialize(Credentials{SSID: "home"}))

	m.Tick()
	clk.add(time.Minute)
	radio.set(Up)
	tr, changed := m.Tick()
	require.True(t, changed)
	assert.True(t, tr.LinkUp())
	assert.True(t, m.IsConnected())
	assert.Equal(t, 1, syncer.calls)
	assert.Equal(t, DefaultBackoffMin, m.backoff.Current())
	assert.Equal(t, clk.t.Add(DefaultGuard), m.nextTry)
	st := m.Status()
	assert.Equal(t, Up, st.State)
	assert.True(t, st.Synced)
	assert.Equal(t, "10.0.0.5", st.Addr.String())

	// connected: no attempts, guard keeps moving
	connects := radio.connects
	clk.add(time.Hour)
	m.Tick()
	assert.Equal(t, connects, radio.connects)
	assert.Equal(t, clk.t.Add(DefaultGuard), m.nextTry)

	// flap: second link up does not sync again
	radio.set(Down)
	m.Tick()
	assert.False(t, m.IsConnected())
	radio.set(Up)
	m.Tick()
	assert.Equal(t, 1, syncer.calls)
}

func TestManagerSyncRetriedUntilSuccess(t *testing.T) {
	t.Parallel()
	radio := &fakeRadio{state: Up}
	syncer := &fakeSyncer{ok: false}
	m, _ := newTestManager(t, radio, syncer)
	require.NoError(t, m.Initialize(Credentials{SSID: "home"}))
	m.Tick()
	assert.Equal(t, 1, syncer.calls)
	radio.set(Down)
	m.Tick()
	syncer.ok = true
	radio.set(Up)
	m.Tick()
	assert.Equal(t, 2, syncer.calls)
	radio.set(Down)
	m.Tick()
	radio.set(Up)
	m.Tick()
	assert.Equal(t, 2, syncer.calls)
}

func TestManagerConnectConfirmed(t *testing.T) {
	t.Parallel()
	radio := &fakeRadio{state: Down, onConnect: Up}
	m, _ := newTestManager(t, radio, nil)
	require.NoError(t, m.Initialize(Credentials{SSID: "home"}))
	tr, changed := m.Tick()
	require.True(t, changed)
	assert.Equal(t, Transition{Down, Up}, tr)
	assert.True(t, m.IsConnected())
}

func TestManagerRadioInitFailure(t *testing.T) {
	t.Parallel()
	radio := &fakeRadio{state: Down, initErr: errors.New("no device")}
	m, clk := newTestManager(t, radio, nil)
	require.Error(t, m.Initialize(Credentials{SSID: "home"}))
	for i := 0; i < 5; i++ {
		m.Tick()
		clk.add(time.Hour)
	}
	assert.Equal(t, 0, radio.connects)
	assert.False(t, m.IsConnected())
}

func TestManagerEmptySSID(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, &fakeRadio{}, nil)
	err := m.Initialize(Credentials{})
	assert.True(t, errors.IsNotProvisioned(err))
}

func TestManagerForceReconnect(t *testing.T) {
	t.Parallel()
	radio := &fakeRadio{state: Down}
	m, clk := newTestManager(t, radio, nil)
	require.NoError(t, m.Initialize(Credentials{SSID: "home"}))
	for i := 0; i < 4; i++ {
		clk.t = m.nextTry
		m.Tick()
	}
	assert.Equal(t, 4, radio.connects)
	assert.Equal(t, 48*time.Second, m.backoff.Current())

	clk.add(time.Second)
	m.ForceReconnect()
	m.Tick()
	assert.Equal(t, 5, radio.connects)
	assert.Equal(t, 6*time.Second, m.backoff.Current())
}

func TestWaitConnected(t *testing.T) {
	t.Parallel()
	radio := &fakeRadio{state: Down}
	m, _ := newTestManager(t, radio, nil)
	require.NoError(t, m.Initialize(Credentials{SSID: "home"}))
	assert.False(t, m.WaitConnected(60*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.cfg.Tick = 5 * time.Millisecond
	go m.Run(ctx)
	go func() {
		time.Sleep(20 * time.Millisecond)
		radio.set(Up)
	}()
	assert.True(t, m.WaitConnected(2*time.Second))
}

func TestSimRadio(t *testing.T) {
	t.Parallel()
	r := &SimRadio{JoinDelay: 10 * time.Millisecond, FailAttempts: 1}
	require.NoError(t, r.Init())
	assert.Equal(t, Down, r.Status())
	err := r.Connect(context.Background(), Credentials{SSID: "x"}, time.Second)
	assert.True(t, errors.IsNotFound(err))
	assert.Equal(t, NoNetwork, r.Status())
	require.NoError(t, r.Connect(context.Background(), Credentials{SSID: "x"}, time.Second))
	assert.Equal(t, Up, r.Status())
	r.Drop()
	assert.Equal(t, Down, r.Status())
}
