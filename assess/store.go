package assess

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// RunRecord is one persisted assessment run
type RunRecord struct {
	RunID       string    `json:"run_id"`
	ConfigPath  string    `json:"config_path"`
	ToleranceM  float64   `json:"tolerance_in_meters"`
	BufferSizeM float64   `json:"gt_sectors_buffer_size_in_meters"`
	MatchPolicy string    `json:"match_policy"`
	CRS         string    `json:"crs"`
	GTCount     int       `json:"gt_count"`
	DetCount    int       `json:"det_count"`
	CreatedAt   int64     `json:"created_at"`
	Metrics     []Metrics `json:"metrics"`
}

// Overall returns the ALL row, or a zero row when none was stored
func (r *RunRecord) Overall() Metrics {
	for _, m := range r.Metrics {
		if m.Sector == AllSectors {
			return m
		}
	}
	return Metrics{Sector: AllSectors}
}

const runStoreSchema = `
CREATE TABLE IF NOT EXISTS assessment_runs (
	run_id        TEXT PRIMARY KEY,
	config_path   TEXT NOT NULL,
	tolerance_m   REAL NOT NULL,
	buffer_m      REAL NOT NULL,
	match_policy  TEXT NOT NULL,
	crs           TEXT NOT NULL,
	gt_count      INTEGER NOT NULL,
	det_count     INTEGER NOT NULL,
	created_at    INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS assessment_metrics (
	run_id     TEXT NOT NULL,
	sector     TEXT NOT NULL,
	tp         INTEGER NOT NULL,
	fp         INTEGER NOT NULL,
	fn         INTEGER NOT NULL,
	precision  REAL NOT NULL,
	recall     REAL NOT NULL,
	f1         REAL NOT NULL,
	PRIMARY KEY (run_id, sector),
	FOREIGN KEY (run_id) REFERENCES assessment_runs(run_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_assessment_runs_created ON assessment_runs(created_at);
`

// RunStore persists assessment runs in a SQLite file
type RunStore struct {
	db *sql.DB
}

// OpenRunStore opens (creating if needed) the run history database
func OpenRunStore(path string) (*RunStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open run store: %w", err)
	}
	// A single connection keeps ":memory:" databases alive across calls
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(runStoreSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create run store schema: %w", err)
	}
	return &RunStore{db: db}, nil
}

// Close releases the database handle
func (s *RunStore) Close() error {
	return s.db.Close()
}

// Insert persists a run and its metrics rows. If RunID is empty, a UUID is generated.
func (s *RunStore) Insert(ctx context.Context, run *RunRecord) error {
	if run.RunID == "" {
		run.RunID = uuid.New().String()
	}
	if run.CreatedAt == 0 {
		run.CreatedAt = time.Now().UnixNano()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO assessment_runs (
			run_id, config_path, tolerance_m, buffer_m, match_policy, crs,
			gt_count, det_count, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.ConfigPath, run.ToleranceM, run.BufferSizeM, run.MatchPolicy, run.CRS,
		run.GTCount, run.DetCount, run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for _, m := range run.Metrics {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO assessment_metrics (run_id, sector, tp, fp, fn, precision, recall, f1)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			run.RunID, m.Sector, m.TP, m.FP, m.FN, m.Precision, m.Recall, m.F1,
		)
		if err != nil {
			return fmt.Errorf("insert metrics for sector %s: %w", m.Sector, err)
		}
	}

	return tx.Commit()
}

// Recent returns up to limit runs, newest first, with their metrics
func (s *RunStore) Recent(ctx context.Context, limit int) ([]*RunRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, config_path, tolerance_m, buffer_m, match_policy, crs,
		       gt_count, det_count, created_at
		FROM assessment_runs
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}

	var runs []*RunRecord
	for rows.Next() {
		var r RunRecord
		if err := rows.Scan(&r.RunID, &r.ConfigPath, &r.ToleranceM, &r.BufferSizeM, &r.MatchPolicy,
			&r.CRS, &r.GTCount, &r.DetCount, &r.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, &r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, r := range runs {
		metrics, err := s.metrics(ctx, r.RunID)
		if err != nil {
			return nil, err
		}
		r.Metrics = metrics
	}
	return runs, nil
}

// metrics loads a run's rows, ALL first then sectors in label order
func (s *RunStore) metrics(ctx context.Context, runID string) ([]Metrics, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sector, tp, fp, fn, precision, recall, f1
		FROM assessment_metrics
		WHERE run_id = ?
		ORDER BY CASE WHEN sector = ? THEN 0 ELSE 1 END, sector`, runID, AllSectors)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	var out []Metrics
	for rows.Next() {
		var m Metrics
		if err := rows.Scan(&m.Sector, &m.TP, &m.FP, &m.FN, &m.Precision, &m.Recall, &m.F1); err != nil {
			return nil, fmt.Errorf("scan metrics: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarshalRuns renders runs as indented JSON for the -history command
func MarshalRuns(runs []*RunRecord) ([]byte, error) {
	return json.MarshalIndent(runs, "", "  ")
}
