package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"sdn-rl-controller/internal/controller"
	"sdn-rl-controller/internal/database"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id         TEXT PRIMARY KEY,
	name           TEXT NOT NULL,
	description    TEXT,
	started_at     TEXT NOT NULL,
	hostname       TEXT,
	os_info        TEXT,
	kernel_version TEXT,
	cpu_model      TEXT,
	cpu_cores      INTEGER,
	links          INTEGER NOT NULL,
	routes         INTEGER NOT NULL,
	state_size     INTEGER NOT NULL,
	action_size    INTEGER NOT NULL,
	config         TEXT
);

CREATE TABLE IF NOT EXISTS ticks (
	run_id   TEXT NOT NULL,
	tick     INTEGER NOT NULL,
	at       TEXT NOT NULL,
	action   INTEGER NOT NULL,
	reward   REAL NOT NULL,
	done     INTEGER NOT NULL,
	epsilon  REAL NOT NULL,
	flows    INTEGER NOT NULL,
	status   TEXT NOT NULL,
	error    TEXT,
	PRIMARY KEY (run_id, tick, status),
	FOREIGN KEY (run_id) REFERENCES runs(run_id)
);

CREATE TABLE IF NOT EXISTS trainings (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id      TEXT NOT NULL,
	tick        INTEGER NOT NULL,
	at          TEXT NOT NULL,
	trained     INTEGER NOT NULL,
	buffer_len  INTEGER NOT NULL,
	epsilon     REAL NOT NULL,
	duration_ms INTEGER NOT NULL,
	FOREIGN KEY (run_id) REFERENCES runs(run_id)
);
`

// Journal stores runs, ticks and trainings in SQLite.
type Journal struct {
	db *sql.DB
}

var _ controller.Recorder = (*Journal)(nil)

// Run is a row of the runs table with its tick count.
type Run struct {
	RunID     string    `json:"run_id"`
	Name      string    `json:"name"`
	StartedAt time.Time `json:"started_at"`
	Hostname  string    `json:"hostname"`
	Links     int       `json:"links"`
	Routes    int       `json:"routes"`
	Ticks     int       `json:"ticks"`
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.New().String()
}

// Open opens a SQLite database and runs migrations.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Pragmas are per connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// StartRun inserts the run row. Ticks can only be recorded for started runs.
func (j *Journal) StartRun(ctx context.Context, meta *database.RunMetadata) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, name, description, started_at, hostname, os_info, kernel_version,
		 cpu_model, cpu_cores, links, routes, state_size, action_size, config)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		meta.RunID, meta.Name, meta.Description, meta.StartedAt.UTC().Format(time.RFC3339Nano),
		meta.Hostname, meta.OSInfo, meta.KernelVersion, meta.CPUModel, meta.CPUCores,
		meta.Links, meta.Routes, meta.StateSize, meta.ActionSize, meta.ConfigFile,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (j *Journal) RecordTick(ctx context.Context, r controller.TickRecord) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO ticks (run_id, tick, at, action, reward, done, epsilon, flows, status, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.Tick, r.At.UTC().Format(time.RFC3339Nano), r.Action, r.Reward,
		boolToInt(r.Done), r.Epsilon, r.Flows, r.Status, nullString(r.Error),
	)
	if err != nil {
		return fmt.Errorf("insert tick: %w", err)
	}
	return nil
}

func (j *Journal) RecordTraining(ctx context.Context, r controller.TrainingRecord) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO trainings (run_id, tick, at, trained, buffer_len, epsilon, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.Tick, r.At.UTC().Format(time.RFC3339Nano), boolToInt(r.Trained),
		r.BufferLen, r.Epsilon, r.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert training: %w", err)
	}
	return nil
}

// Ticks returns the ticks of a run in tick order.
func (j *Journal) Ticks(ctx context.Context, runID string) ([]controller.TickRecord, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT tick, at, action, reward, done, epsilon, flows, status, error
		 FROM ticks WHERE run_id = ? ORDER BY tick, status`, runID)
	if err != nil {
		return nil, fmt.Errorf("query ticks: %w", err)
	}
	defer rows.Close()

	var out []controller.TickRecord
	for rows.Next() {
		var (
			r      controller.TickRecord
			at     string
			done   int
			errMsg sql.NullString
		)
		if err := rows.Scan(&r.Tick, &at, &r.Action, &r.Reward, &done, &r.Epsilon, &r.Flows, &r.Status, &errMsg); err != nil {
			return nil, fmt.Errorf("scan tick: %w", err)
		}
		r.RunID = runID
		r.At, _ = time.Parse(time.RFC3339Nano, at)
		r.Done = done != 0
		r.Error = errMsg.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// Trainings returns the training records of a run in insertion order.
func (j *Journal) Trainings(ctx context.Context, runID string) ([]controller.TrainingRecord, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT tick, at, trained, buffer_len, epsilon, duration_ms
		 FROM trainings WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("query trainings: %w", err)
	}
	defer rows.Close()

	var out []controller.TrainingRecord
	for rows.Next() {
		var (
			r       controller.TrainingRecord
			at      string
			trained int
			ms      int64
		)
		if err := rows.Scan(&r.Tick, &at, &trained, &r.BufferLen, &r.Epsilon, &ms); err != nil {
			return nil, fmt.Errorf("scan training: %w", err)
		}
		r.RunID = runID
		r.At, _ = time.Parse(time.RFC3339Nano, at)
		r.Trained = trained != 0
		r.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, r)
	}
	return out, rows.Err()
}

// Runs lists all runs, newest first.
func (j *Journal) Runs(ctx context.Context) ([]Run, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT r.run_id, r.name, r.started_at, COALESCE(r.hostname, ''), r.links, r.routes,
		        (SELECT COUNT(*) FROM ticks t WHERE t.run_id = r.run_id)
		 FROM runs r ORDER BY r.started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var (
			r  Run
			at string
		)
		if err := rows.Scan(&r.RunID, &r.Name, &at, &r.Hostname, &r.Links, &r.Routes, &r.Ticks); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, r)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
