package tele

import (
	"context"
	"time"

	"github.com/temoto/powermon/internal/sampler"
	"github.com/temoto/powermon/log2"
)

const (
	DefaultTick            = time.Second
	DefaultPeriod          = 600 * time.Second
	DefaultPersistInterval = time.Minute
)

type TaskConfig struct {
	Host            string
	APIKey          string
	Tick            time.Duration
	Period          time.Duration
	Timeout         time.Duration
	PersistInterval time.Duration
}

type Link interface {
	IsConnected() bool
}

type SnapshotSource interface {
	Get() (sampler.Snapshot, bool)
}

type Sender interface {
	Publish(host, apiKey string, fields Fields, timeout time.Duration) error
}

type Storer interface {
	Store() error
}

// Task integrates energy every tick and publishes
// {V, I, P, E, uptime} on link up and then every Period while up.
// Accumulator is reset after every attempt, successful or not.
// Publish refused with ErrBusy is not an attempt, it is retried next tick.
type Task struct {
	Acc Accumulator

	cfg     TaskConfig
	link    Link
	log     *log2.Log
	persist Storer
	sender  Sender
	source  SnapshotSource
	now     func() time.Time

	boot        time.Time
	lastTick    time.Time
	lastPersist time.Time
	wasUp       bool
	pending     bool
	firstSent   bool
}

// NewTask with nil persist keeps accumulator in memory only.
func NewTask(log *log2.Log, cfg TaskConfig, link Link, source SnapshotSource, sender Sender, persist Storer) *Task {
	if cfg.Tick == 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.Period == 0 {
		cfg.Period = DefaultPeriod
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.PersistInterval == 0 {
		cfg.PersistInterval = DefaultPersistInterval
	}
	now := time.Now()
	return &Task{
		cfg:         cfg,
		link:        link,
		log:         log,
		persist:     persist,
		sender:      sender,
		source:      source,
		now:         time.Now,
		boot:        now,
		lastTick:    now,
		lastPersist: now,
	}
}

func (t *Task) Run(ctx context.Context) {
	t.log.Infof("task started: publish on link up then every %v", t.cfg.Period)
	tmr := time.NewTicker(t.cfg.Tick)
	defer tmr.Stop()
	for {
		select {
		case <-ctx.Done():
			t.store()
			return
		case <-tmr.C:
			t.Step()
		}
	}
}

// Step is one tick. Returns true if publish was attempted.
func (t *Task) Step() bool {
	now := t.now()
	dt := now.Sub(t.lastTick)
	t.lastTick = now
	snap, ok := t.source.Get()
	t.Acc.Add(snap.Power, ok, dt)

	up := t.link.IsConnected()
	if up && !t.wasUp {
		t.pending = true
	} else if !up {
		t.pending = false
	}
	t.wasUp = up
	published := false
	if _, elapsed := t.Acc.Get(); up && (t.pending || (t.firstSent && elapsed >= t.cfg.Period)) {
		if t.publish(now, snap, ok) {
			t.pending = false
			t.firstSent = true
			published = true
		}
	}

	if !published && now.Sub(t.lastPersist) >= t.cfg.PersistInterval {
		t.store()
		t.lastPersist = now
	}
	return published
}

// publish returns false when sender refused and nothing was sent.
func (t *Task) publish(now time.Time, snap sampler.Snapshot, ok bool) bool {
	var v, i, p float64
	if ok {
		v, i, p = snap.VoltageRms, snap.CurrentRms, snap.Power
	}
	e, _ := t.Acc.Get()
	uptime := float64(int64(now.Sub(t.boot) / time.Second))
	fields, _ := NewFields(v, i, p, e, uptime)
	err := t.sender.Publish(t.cfg.Host, t.cfg.APIKey, fields, t.cfg.Timeout)
	if err == ErrBusy {
		t.log.Debugf("publish busy, retry next tick")
		return false
	}
	if err != nil {
		t.log.Errorf("publish E=%.4f Wh dropped: %v", e, err)
	}
	t.Acc.Reset()
	t.store()
	t.lastPersist = now
	return true
}

func (t *Task) store() {
	if t.persist == nil {
		return
	}
	if err := t.persist.Store(); err != nil {
		t.log.Errorf("accumulator store: %v", err)
	}
}
