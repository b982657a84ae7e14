// Package store persists fusion runs to SQLite: one row per run, the
// trajectory of published estimates, and the measurements fed to the core.
package store

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/fusion/internal/fusion/state"
	"github.com/banshee-data/fusion/internal/timeutil"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrRunNotFound is returned when a run ID is unknown.
var ErrRunNotFound = errors.New("run not found")

type Store struct {
	*sql.DB

	// Clock stamps run start and finish times.
	Clock timeutil.Clock
}

// Open opens (creating if needed) the database at path and applies all
// pending migrations.
func Open(path string) (*Store, error) {
	// Pragmas in the DSN apply to every connection the pool opens.
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	s := &Store{DB: db, Clock: timeutil.RealClock{}}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// MigrateUp runs all pending migrations. It is a no-op at the latest version.
func (s *Store) MigrateUp() error {
	m, err := s.newMigrate()
	if err != nil {
		return err
	}
	// Closing m would close the shared connection.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// MigrateVersion returns the current schema version, 0 before any migration.
func (s *Store) MigrateVersion() (uint, bool, error) {
	m, err := s.newMigrate()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func (s *Store) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.DB, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrateLogger{}
	return m, nil
}

type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) {
	log.Printf("[migrate] "+format, v...)
}

func (migrateLogger) Verbose() bool { return false }

// Run describes one pass of the filter over a stream.
type Run struct {
	ID       string
	Label    string
	Source   string
	Config   json.RawMessage
	Started  time.Time
	Finished *time.Time
	Stats    json.RawMessage
}

// CreateRun starts a run and returns its ID. config is stored verbatim and
// may be nil.
func (s *Store) CreateRun(label, source string, config any) (string, error) {
	cfg := []byte("{}")
	if config != nil {
		b, err := json.Marshal(config)
		if err != nil {
			return "", fmt.Errorf("failed to encode run config: %w", err)
		}
		cfg = b
	}
	id := uuid.NewString()
	_, err := s.Exec(
		`INSERT INTO runs (run_id, label, source, config_json, started_unix) VALUES (?, ?, ?, ?, ?)`,
		id, label, source, string(cfg), unixSeconds(s.Clock.Now()),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create run: %w", err)
	}
	return id, nil
}

// FinishRun stamps the end time and the final counters of a run.
func (s *Store) FinishRun(id string, stats any) error {
	b, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("failed to encode run stats: %w", err)
	}
	res, err := s.Exec(
		`UPDATE runs SET finished_unix = ?, stats_json = ? WHERE run_id = ?`,
		unixSeconds(s.Clock.Now()), string(b), id,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return nil
}

// GetRun loads a run by ID.
func (s *Store) GetRun(id string) (*Run, error) {
	var (
		r        Run
		cfg      string
		started  float64
		finished sql.NullFloat64
		stats    sql.NullString
	)
	err := s.QueryRow(
		`SELECT run_id, label, source, config_json, started_unix, finished_unix, stats_json
		   FROM runs WHERE run_id = ?`, id,
	).Scan(&r.ID, &r.Label, &r.Source, &cfg, &started, &finished, &stats)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run: %w", err)
	}
	r.Config = json.RawMessage(cfg)
	r.Started = fromUnixSeconds(started)
	if finished.Valid {
		t := fromUnixSeconds(finished.Float64)
		r.Finished = &t
	}
	if stats.Valid {
		r.Stats = json.RawMessage(stats.String)
	}
	return &r, nil
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromUnixSeconds(s float64) time.Time {
	return time.Unix(0, int64(s*1e9))
}

// Phase says which core event published an estimate.
type Phase string

const (
	PhaseInit        Phase = "init"
	PhasePropagation Phase = "propagation"
	PhaseUpdate      Phase = "update"
)

// Estimate is one published filter state, flattened for storage.
type Estimate struct {
	Time  float64
	Seq   uint64
	Phase Phase

	P, V   [3]float64
	Q      [4]float64 // w x y z
	Bw     [3]float64
	Ba     [3]float64
	// PosVar is the trace of the position covariance block.
	PosVar float64
}

// EstimateFromState flattens s.
func EstimateFromState(s *state.State, phase Phase) Estimate {
	p, v := s.Position(), s.Velocity()
	q := s.Attitude()
	bw, ba := s.GyroBias(), s.AccelBias()
	e := Estimate{
		Time:  s.Time,
		Seq:   s.Seq,
		Phase: phase,
		P:     [3]float64{p.X, p.Y, p.Z},
		V:     [3]float64{v.X, v.Y, v.Z},
		Q:     [4]float64{q.Real, q.Imag, q.Jmag, q.Kmag},
		Bw:    [3]float64{bw.X, bw.Y, bw.Z},
		Ba:    [3]float64{ba.X, ba.Y, ba.Z},
	}
	if s.Cov != nil {
		off := s.Layout().ErrorOffset(state.Position)
		for k := 0; k < 3; k++ {
			e.PosVar += s.Cov.At(off+k, off+k)
		}
	}
	return e
}

// RecordEstimates appends estimates to a run in one transaction.
func (s *Store) RecordEstimates(runID string, estimates []Estimate) error {
	if len(estimates) == 0 {
		return nil
	}
	tx, err := s.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO estimates (
		run_id, t, seq, phase,
		px, py, pz, vx, vy, vz,
		qw, qx, qy, qz,
		bwx, bwy, bwz, bax, bay, baz,
		pos_var
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare estimate insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range estimates {
		_, err := stmt.Exec(
			runID, e.Time, int64(e.Seq), string(e.Phase),
			e.P[0], e.P[1], e.P[2], e.V[0], e.V[1], e.V[2],
			e.Q[0], e.Q[1], e.Q[2], e.Q[3],
			e.Bw[0], e.Bw[1], e.Bw[2], e.Ba[0], e.Ba[1], e.Ba[2],
			e.PosVar,
		)
		if err != nil {
			return fmt.Errorf("failed to insert estimate at t=%f: %w", e.Time, err)
		}
	}
	return tx.Commit()
}

// ListEstimates returns a run's estimates in insertion order. A phase of ""
// returns every phase.
func (s *Store) ListEstimates(runID string, phase Phase) ([]Estimate, error) {
	rows, err := s.Query(`SELECT t, seq, phase,
		px, py, pz, vx, vy, vz,
		qw, qx, qy, qz,
		bwx, bwy, bwz, bax, bay, baz,
		pos_var
		FROM estimates
		WHERE run_id = ? AND (? = '' OR phase = ?)
		ORDER BY rowid`, runID, string(phase), string(phase))
	if err != nil {
		return nil, fmt.Errorf("failed to query estimates: %w", err)
	}
	defer rows.Close()

	var out []Estimate
	for rows.Next() {
		var (
			e   Estimate
			seq int64
			ph  string
		)
		if err := rows.Scan(&e.Time, &seq, &ph,
			&e.P[0], &e.P[1], &e.P[2], &e.V[0], &e.V[1], &e.V[2],
			&e.Q[0], &e.Q[1], &e.Q[2], &e.Q[3],
			&e.Bw[0], &e.Bw[1], &e.Bw[2], &e.Ba[0], &e.Ba[1], &e.Ba[2],
			&e.PosVar,
		); err != nil {
			return nil, fmt.Errorf("failed to scan estimate: %w", err)
		}
		e.Seq = uint64(seq)
		e.Phase = Phase(ph)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Measurement is a measurement fed to the core during a run.
type Measurement struct {
	Time   float64
	Sensor int
	Kind   string
	Z      [3]float64
	Sigma  float64
}

// RecordMeasurement appends one measurement to a run.
func (s *Store) RecordMeasurement(runID string, m Measurement) error {
	_, err := s.Exec(
		`INSERT INTO measurements (run_id, t, sensor_id, kind, x, y, z, sigma) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, m.Time, m.Sensor, m.Kind, m.Z[0], m.Z[1], m.Z[2], m.Sigma,
	)
	if err != nil {
		return fmt.Errorf("failed to insert measurement: %w", err)
	}
	return nil
}

// ListMeasurements returns a run's measurements ordered by time.
func (s *Store) ListMeasurements(runID string) ([]Measurement, error) {
	rows, err := s.Query(
		`SELECT t, sensor_id, kind, x, y, z, sigma FROM measurements WHERE run_id = ? ORDER BY t, rowid`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query measurements: %w", err)
	}
	defer rows.Close()

	var out []Measurement
	for rows.Next() {
		var m Measurement
		if err := rows.Scan(&m.Time, &m.Sensor, &m.Kind, &m.Z[0], &m.Z[1], &m.Z[2], &m.Sigma); err != nil {
			return nil, fmt.Errorf("failed to scan measurement: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
