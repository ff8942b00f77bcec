// Package state wires configuration into running components
// and owns their lifecycle.
package state

import (
	"context"
	"expvar"
	"fmt"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/powermon/hardware/adc"
	"github.com/temoto/powermon/helpers"
	"github.com/temoto/powermon/internal/clocksync"
	"github.com/temoto/powermon/internal/datalog"
	"github.com/temoto/powermon/internal/link"
	"github.com/temoto/powermon/internal/resolve"
	"github.com/temoto/powermon/internal/sampler"
	"github.com/temoto/powermon/internal/state/persist"
	"github.com/temoto/powermon/internal/tele"
	"github.com/temoto/powermon/log2"
	"github.com/temoto/powermon/netstack"
)

const (
	ContextKey         = "run/state-global"
	DefaultPersistRoot = "./tmp-powermon-db"
	DefaultTeleHost    = "api.thingspeak.com"
	DefaultNTPServer   = "pool.ntp.org"
)

type Global struct {
	Alive        *alive.Alive
	BuildVersion string
	Config       *Config
	Log          *log2.Log

	ADC       adc.Device
	Datalog   *datalog.Task
	Link      *link.Manager
	NTP       *clocksync.Client
	Publisher *tele.Publisher
	Radio     link.Radio
	Resolver  *resolve.Resolver
	RTC       *clocksync.RTC
	Sampler   *sampler.Sampler
	Snapshot  *sampler.Store
	Stack     *netstack.Stack
	Tele      *tele.Task

	teleCfg    tele.TaskConfig
	accPersist persist.Persist
	linkErr    error

	_copy_guard sync.Mutex //nolint:unused
}

func NewContext(log *log2.Log) (context.Context, *Global) {
	if log == nil {
		panic("code error NewContext() log=nil")
	}
	g := &Global{
		Alive:    alive.NewAlive(),
		Log:      log,
		RTC:      clocksync.NewRTC(),
		Snapshot: new(sampler.Store),
	}
	ctx := context.Background()
	ctx = context.WithValue(ctx, log2.ContextKey, log)
	ctx = context.WithValue(ctx, ContextKey, g)
	return ctx, g
}

func GetGlobal(ctx context.Context) *Global {
	v := ctx.Value(ContextKey)
	if v == nil {
		panic(fmt.Sprintf("context['%s'] is nil", ContextKey))
	}
	if g, ok := v.(*Global); ok {
		return g
	}
	panic(fmt.Sprintf("context['%s'] expected type *Global actual=%#v", ContextKey, v))
}

// If `Init` fails, consider `Global` is in broken state.
// Missing or rejected link credentials are not Init errors:
// link stays down and the rest keeps working.
func (g *Global) Init(ctx context.Context, cfg *Config) error {
	g.Config = cfg
	g.Log.Infof("build version=%s", g.BuildVersion)
	if cfg.Log.Debug {
		g.Log.SetLevel(log2.LDebug)
	}
	if cfg.Persist.Root == "" {
		cfg.Persist.Root = DefaultPersistRoot
		g.Log.Errorf("config: persist.root=empty changed=%s", cfg.Persist.Root)
	}

	dnsServer := resolve.DefaultServer
	if cfg.DNS.Server != "" {
		ap, err := parseAddrPort(cfg.DNS.Server, 53)
		if err != nil {
			return errors.Annotate(err, "config: dns.server")
		}
		dnsServer = ap
	}
	dnsTimeout := helpers.IntSecondDefault(cfg.DNS.TimeoutSec, resolve.DefaultTimeout)
	g.Stack = netstack.New(g.Log.Tagged("net"), netstack.Options{
		DNSTimeout:   dnsTimeout,
		DNSCacheSize: cfg.DNS.CacheSize,
	})
	g.Resolver = resolve.New(g.Log.Tagged("dns"), g.Stack, dnsServer)

	var clock clocksync.Clock = g.RTC
	if cfg.NTP.SetSystem {
		clock = clocksync.MultiClock{g.RTC, clocksync.SystemClock{}}
	}
	g.NTP = clocksync.NewClient(g.Log.Tagged("ntp"), g.Stack, g.Resolver, clock)
	g.NTP.DNSTimeout = dnsTimeout
	if cfg.NTP.Port != 0 {
		g.NTP.Port = uint16(cfg.NTP.Port)
	}
	if cfg.NTP.TZOffsetSec != nil {
		g.NTP.TZOffset = int32(*cfg.NTP.TZOffsetSec)
	}

	errs := make([]error, 0, 4)
	errs = append(errs, g.initLink())
	errs = append(errs, g.initADC())
	errs = append(errs, g.initTele())
	errs = append(errs, g.initDatalog())
	return helpers.FoldErrors(errs)
}

func (g *Global) MustInit(ctx context.Context, cfg *Config) {
	err := g.Init(ctx, cfg)
	if err != nil {
		g.Fatal(err)
	}
}

func (g *Global) initLink() error {
	c := &g.Config.Link
	switch c.Driver {
	case "", "wpa":
		iface := c.Interface
		if iface == "" {
			iface = "wlan0"
		}
		g.Radio = link.NewWpaRadio(iface)
	case "sim":
		g.Radio = &link.SimRadio{JoinDelay: time.Second, Address: netip.MustParseAddr("127.0.0.1")}
	default:
		return errors.NotSupportedf("config: link.driver=%s", c.Driver)
	}
	ntpServer := g.Config.NTP.Server
	if ntpServer == "" {
		ntpServer = DefaultNTPServer
	}
	g.Link = link.NewManager(g.Log.Tagged("link"), link.Config{
		Tick:           helpers.IntMillisecondDefault(c.TickMs, link.DefaultTick),
		BackoffMin:     helpers.IntSecondDefault(c.BackoffMinSec, link.DefaultBackoffMin),
		BackoffMax:     helpers.IntSecondDefault(c.BackoffMaxSec, link.DefaultBackoffMax),
		Guard:          helpers.IntSecondDefault(c.GuardSec, link.DefaultGuard),
		ConnectTimeout: helpers.IntSecondDefault(c.ConnectTimeoutSec, link.DefaultConnectTimeout),
		NTPServer:      ntpServer,
		NTPTimeout:     helpers.IntSecondDefault(g.Config.NTP.TimeoutSec, clocksync.DefaultTimeout),
	}, g.Radio, g.NTP)
	g.linkErr = g.Link.Initialize(link.Credentials{SSID: c.SSID, Password: c.Password})
	if g.linkErr != nil {
		g.Log.Errorf("link disabled: %v", g.linkErr)
	}
	return nil
}

func (g *Global) initADC() error {
	c := &g.Config.ADC
	sc := sampler.DefaultConfig()
	s := &g.Config.Sampler
	if s.Samples != 0 {
		sc.Samples = s.Samples
	}
	if s.SampleRate != 0 {
		sc.SampleRate = s.SampleRate
	}
	sc.Cycle = helpers.IntMillisecondDefault(s.CycleMs, sampler.DefaultCycle)
	if s.VoltageChannel != 0 || s.CurrentChannel != 0 {
		if s.VoltageChannel < 0 || s.VoltageChannel > 3 || s.CurrentChannel < 0 || s.CurrentChannel > 3 {
			return errors.NotValidf("config: sampler channels voltage=%d current=%d", s.VoltageChannel, s.CurrentChannel)
		}
		sc.VoltageChannel = adc.AIN0 + adc.Channel(s.VoltageChannel)
		sc.CurrentChannel = adc.AIN0 + adc.Channel(s.CurrentChannel)
	}
	for _, x := range []struct {
		dst *float64
		v   float64
	}{
		{&sc.VoltageOffset, s.VoltageOffset},
		{&sc.CurrentOffset, s.CurrentOffset},
		{&sc.VoltageFactor, s.VoltageFactor},
		{&sc.CurrentFactor, s.CurrentFactor},
		{&sc.VBase, s.VBase},
	} {
		if x.v != 0 {
			*x.dst = x.v
		}
	}

	switch c.Driver {
	case "", "sim":
		vrms, irms := c.SimVoltage, c.SimCurrent
		if vrms == 0 {
			vrms = sc.VBase
		}
		if irms == 0 {
			irms = 1
		}
		g.ADC = adc.NewSim(vrms, sc.VoltageFactor, sc.VoltageOffset, irms, sc.CurrentFactor, sc.CurrentOffset)
	case "ads1115":
		d, err := adc.NewADS1115(&adc.Config{
			Bus:          c.Bus,
			Addr:         uint16(c.Addr),
			ReadyPinChip: c.ReadyPinChip,
			ReadyPinName: c.ReadyPin,
		})
		if err != nil {
			return errors.Annotate(err, "adc init")
		}
		g.ADC = d
	default:
		return errors.NotSupportedf("config: adc.driver=%s", c.Driver)
	}
	g.Sampler = sampler.New(g.Log.Tagged("adc"), sc, g.ADC, g.Snapshot)
	return nil
}

func (g *Global) initTele() error {
	c := &g.Config.Tele
	g.Publisher = tele.NewPublisher(g.Log.Tagged("tele"), g.Stack, g.Resolver)
	if c.Port != 0 {
		g.Publisher.Port = uint16(c.Port)
	}
	if c.UserAgent != "" {
		g.Publisher.UserAgent = c.UserAgent
	}
	host := c.Host
	if host == "" {
		host = DefaultTeleHost
	}
	g.teleCfg = tele.TaskConfig{
		Host:    host,
		APIKey:  c.APIKey,
		Tick:    helpers.IntMillisecondDefault(c.TickMs, tele.DefaultTick),
		Period:  helpers.IntSecondDefault(c.PeriodSec, tele.DefaultPeriod),
		Timeout: helpers.IntSecondDefault(c.TimeoutSec, tele.DefaultTimeout),
	}
	if !c.Enable {
		return nil
	}
	if c.APIKey == "" {
		return errors.NotProvisionedf("config: tele.api_key")
	}
	g.Tele = tele.NewTask(g.Log.Tagged("tele"), g.teleCfg, g.Link, g.Snapshot, g.Publisher, &g.accPersist)
	if err := g.accPersist.Init("energy", &g.Tele.Acc, g.Config.Persist.Root, c.Persist, g.Log); err != nil {
		return errors.Annotate(err, "tele persist")
	}
	return errors.Annotate(g.accPersist.Load(), "tele persist")
}

func (g *Global) initDatalog() error {
	c := &g.Config.Datalog
	if c.Kind == "" {
		return nil
	}
	path := c.Path
	if path == "" {
		path = filepath.Join(g.Config.Persist.Root, "datalog."+c.Kind)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Annotate(err, "datalog")
	}
	sink, err := datalog.Open(c.Kind, path)
	if err != nil {
		return err
	}
	g.Datalog = datalog.NewTask(g.Log.Tagged("datalog"), sink, g.Snapshot, g.RTC.Now)
	g.Datalog.Interval = helpers.IntSecondDefault(c.IntervalSec, datalog.DefaultInterval)
	return nil
}

// Start runs periodic tasks until Stop.
func (g *Global) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-g.Alive.StopChan()
		cancel()
	}()
	if g.Link != nil {
		g.run(func() { g.Link.Run(ctx) })
	}
	if g.Sampler != nil {
		g.run(func() {
			if err := g.Sampler.Run(ctx); err != nil {
				g.Error(err)
			}
		})
	}
	if g.Tele != nil {
		g.run(func() { g.Tele.Run(ctx) })
	}
	if g.Datalog != nil {
		g.run(func() { g.Datalog.Run(ctx) })
	}
}

func (g *Global) run(f func()) {
	if !g.Alive.Add(1) {
		return
	}
	go func() {
		defer g.Alive.Done()
		f()
	}()
}

// Publish sends current snapshot once, outside of periodic schedule.
func (g *Global) Publish() error {
	snap, ok := g.Snapshot.Get()
	if !ok {
		return errors.NotFoundf("snapshot")
	}
	e, _ := g.accumulated()
	fields, err := tele.NewFields(snap.VoltageRms, snap.CurrentRms, snap.Power, e)
	if err != nil {
		return err
	}
	return g.Publisher.Publish(g.teleCfg.Host, g.teleCfg.APIKey, fields, g.teleCfg.Timeout)
}

func (g *Global) accumulated() (float64, time.Duration) {
	if g.Tele == nil {
		return 0, 0
	}
	return g.Tele.Acc.Get()
}

// LinkError is credentials or radio init failure, nil when link is usable.
func (g *Global) LinkError() error { return g.linkErr }

// PublishExpvar exposes counters, call once per process.
func (g *Global) PublishExpvar() {
	expvar.Publish("powermon.net", &g.Stack.Stat)
	expvar.Publish("powermon.tele", &g.Publisher.Stat)
	expvar.Publish("powermon.link", expvar.Func(func() interface{} { return g.Link.Status() }))
	expvar.Publish("powermon.snapshot", expvar.Func(func() interface{} {
		snap, _ := g.Snapshot.Get()
		return snap
	}))
}

func (g *Global) Error(err error, args ...interface{}) {
	if err != nil {
		if len(args) != 0 {
			msg := args[0].(string)
			args = args[1:]
			err = errors.Annotatef(err, msg, args...)
		}
		g.Log.Error(err)
	}
}

func (g *Global) Fatal(err error, args ...interface{}) {
	if err != nil {
		g.Error(err, args...)
		g.StopWait(5 * time.Second)
		g.Log.Fatal(errors.ErrorStack(err))
		os.Exit(1)
	}
}

func (g *Global) Stop() {
	g.Alive.Stop()
}

// StopWait stops tasks then releases network and hardware.
func (g *Global) StopWait(timeout time.Duration) bool {
	g.Alive.Stop()
	ok := true
	select {
	case <-g.Alive.WaitChan():
	case <-time.After(timeout):
		ok = false
	}
	if g.Tele != nil {
		if err := g.accPersist.Store(); err != nil {
			g.Error(err)
		}
	}
	if g.Stack != nil {
		_ = g.Stack.Close()
	}
	if c, isCloser := g.ADC.(io.Closer); isCloser {
		_ = c.Close()
	}
	return ok
}

func parseAddrPort(s string, defaultPort uint16) (netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap, nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.AddrPort{}, errors.NotValidf("address=%s", s)
	}
	return netip.AddrPortFrom(addr, defaultPort), nil
}
