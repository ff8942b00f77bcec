package datalog

import (
	"context"
	"database/sql"
	"time"

	"github.com/juju/errors"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS measurements(
	ts TEXT NOT NULL,
	unix INTEGER NOT NULL,
	voltage_rms REAL,
	current_rms REAL,
	per_unit_voltage REAL,
	power REAL)`

const sqliteTimeout = 2 * time.Second

type SQLite struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLite, error) {
	if path == "" {
		return nil, errors.NotValidf("datalog sqlite path=empty")
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout=5000")
	if err != nil {
		return nil, errors.Annotate(err, "datalog sqlite open")
	}
	db.SetMaxOpenConns(1)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err = db.PingContext(ctx); err == nil {
		_, err = db.ExecContext(ctx, sqliteSchema)
	}
	if err != nil {
		_ = db.Close()
		return nil, errors.Annotate(err, "datalog sqlite init")
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Append(r Record) error {
	ctx, cancel := context.WithTimeout(context.Background(), sqliteTimeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO measurements(ts, unix, voltage_rms, current_rms, per_unit_voltage, power) VALUES(?,?,?,?,?,?)`,
		r.Time.Format(TimeLayout), r.Time.Unix(), r.VoltageRms, r.CurrentRms, r.PerUnitVoltage, r.Power)
	return errors.Annotate(err, "datalog sqlite insert")
}

// Count is number of stored records.
func (s *SQLite) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM measurements`).Scan(&n)
	return n, errors.Annotate(err, "datalog sqlite count")
}

func (s *SQLite) Close() error { return s.db.Close() }
