// Package datalog appends measurement snapshots to persistent storage.
package datalog

import (
	"context"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/powermon/internal/sampler"
	"github.com/temoto/powermon/log2"
)

const (
	DefaultInterval = time.Second
	TimeLayout      = "2006-01-02T15:04:05"
)

type Record struct {
	Time           time.Time
	VoltageRms     float64
	CurrentRms     float64
	PerUnitVoltage float64
	Power          float64
}

func RecordFromSnapshot(t time.Time, s sampler.Snapshot) Record {
	return Record{
		Time:           t,
		VoltageRms:     s.VoltageRms,
		CurrentRms:     s.CurrentRms,
		PerUnitVoltage: s.PerUnitVoltage,
		Power:          s.Power,
	}
}

type Sink interface {
	Append(Record) error
	Close() error
}

// Open returns sink by kind: "csv", "sqlite" or "" for none.
func Open(kind, path string) (Sink, error) {
	switch kind {
	case "":
		return nil, nil
	case "csv":
		s, err := OpenCSV(path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "sqlite":
		s, err := OpenSQLite(path)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, errors.NotSupportedf("datalog kind=%s", kind)
}

type SnapshotSource interface {
	Get() (sampler.Snapshot, bool)
}

// Task appends valid snapshot every interval. Sink errors are logged, never fatal.
type Task struct {
	Interval time.Duration

	log    *log2.Log
	now    func() time.Time
	sink   Sink
	source SnapshotSource
}

func NewTask(log *log2.Log, sink Sink, source SnapshotSource, now func() time.Time) *Task {
	if now == nil {
		now = time.Now
	}
	return &Task{
		Interval: DefaultInterval,
		log:      log,
		now:      now,
		sink:     sink,
		source:   source,
	}
}

func (t *Task) Run(ctx context.Context) {
	tmr := time.NewTicker(t.Interval)
	defer tmr.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := t.sink.Close(); err != nil {
				t.log.Errorf("close: %v", err)
			}
			return
		case <-tmr.C:
			t.Step()
		}
	}
}

// Step returns true if record was appended.
func (t *Task) Step() bool {
	snap, ok := t.source.Get()
	if !ok {
		return false
	}
	if err := t.sink.Append(RecordFromSnapshot(t.now(), snap)); err != nil {
		t.log.Errorf("append: %v", err)
		return false
	}
	return true
}
