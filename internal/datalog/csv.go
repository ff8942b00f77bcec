package datalog

import (
	"bufio"
	"fmt"
	"os"
	"sync"

	"github.com/juju/errors"
)

const csvHeader = "timestamp,voltage_rms,current_rms,per_unit_voltage,power\n"

// CSV sink writes one line per record, header only on new file.
// Each Append is flushed and synced.
type CSV struct {
	mu sync.Mutex
	f  *os.File
	w  *bufio.Writer
}

func OpenCSV(path string) (*CSV, error) {
	if path == "" {
		return nil, errors.NotValidf("datalog csv path=empty")
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, errors.Annotate(err, "datalog csv open")
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, errors.Annotate(err, "datalog csv stat")
	}
	c := &CSV{f: f, w: bufio.NewWriter(f)}
	if st.Size() == 0 {
		if _, err = c.w.WriteString(csvHeader); err == nil {
			err = c.w.Flush()
		}
		if err != nil {
			_ = f.Close()
			return nil, errors.Annotate(err, "datalog csv header")
		}
	}
	return c, nil
}

func (c *CSV) Append(r Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.f == nil {
		return errors.New("datalog csv closed")
	}
	fmt.Fprintf(c.w, "%s,%.2f,%.2f,%.2f,%.1f\n",
		r.Time.Format(TimeLayout), r.VoltageRms, r.CurrentRms, r.PerUnitVoltage, r.Power)
	if err := c.w.Flush(); err != nil {
		return errors.Annotate(err, "datalog csv write")
	}
	return errors.Annotate(c.f.Sync(), "datalog csv sync")
}

func (c *CSV) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.f == nil {
		return nil
	}
	err := c.w.Flush()
	if e := c.f.Close(); err == nil {
		err = e
	}
	c.f = nil
	return errors.Annotate(err, "datalog csv close")
}
