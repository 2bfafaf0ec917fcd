package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Driver names accepted by Open.
const (
	DriverModernc = "sqlite"  // pure Go
	DriverMattn   = "sqlite3" // cgo
)

const timeLayout = time.RFC3339Nano

// Store wraps SQLite-backed persistence for jobs and the master calibration registry.
type Store struct {
	DB     *sql.DB // Export for direct database access
	driver string
}

// New opens (or creates) the database at path with the pure Go driver.
func New(path string) (*Store, error) {
	return Open(DriverModernc, path)
}

// Open opens the database at path with the named driver and ensures schema.
func Open(driver, path string) (*Store, error) {
	switch driver {
	case DriverModernc, DriverMattn:
	default:
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	// Transactions take the write lock at BEGIN.
	db, err := sql.Open(driver, fmt.Sprintf("file:%s?_txlock=immediate", path))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	s := &Store{DB: db, driver: driver}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Driver reports the driver the store was opened with.
func (s *Store) Driver() string { return s.driver }

func (s *Store) ensureSchema() error {
	stmts := []string{
		`PRAGMA busy_timeout = 5000;`,
		`CREATE TABLE IF NOT EXISTS processing_jobs (
            id TEXT PRIMARY KEY,
            job_type TEXT NOT NULL,
            status TEXT NOT NULL,
            observation_type TEXT,
            frame_ids_json TEXT,
            options_json TEXT,
            created_at TEXT NOT NULL,
            started_at TEXT,
            completed_at TEXT,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS job_results (
            job_id TEXT,
            meta_json TEXT,
            created_at TEXT NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS masters (
            id TEXT PRIMARY KEY,
            kind TEXT NOT NULL,
            fingerprint TEXT NOT NULL,
            epoch TEXT NOT NULL,
            observed_at TEXT NOT NULL,
            valid_from TEXT NOT NULL,
            valid_until TEXT NOT NULL,
            explicit_window INTEGER NOT NULL DEFAULT 0,
            created_at TEXT NOT NULL,
            location TEXT NOT NULL,
            n_inputs INTEGER NOT NULL,
            low_confidence INTEGER NOT NULL DEFAULT 0,
            current INTEGER NOT NULL DEFAULT 1
        );`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_masters_current ON masters(kind, fingerprint, epoch) WHERE current = 1;`,
		`CREATE INDEX IF NOT EXISTS idx_masters_lookup ON masters(kind, fingerprint, current);`,
		`CREATE INDEX IF NOT EXISTS idx_job_results_job ON job_results(job_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// JobRecord captures persisted job info.
type JobRecord struct {
	ID              string     `json:"id"`
	JobType         string     `json:"job_type"`
	Status          string     `json:"status"`
	ObservationType string     `json:"observation_type,omitempty"`
	FrameIDs        []string   `json:"frame_ids"`
	OptionsJSON     string     `json:"options_json,omitempty"`
	Error           string     `json:"error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// RecordJobQueued inserts a pending job.
func (s *Store) RecordJobQueued(rec JobRecord) error {
	if s == nil {
		return nil
	}
	ids, _ := json.Marshal(rec.FrameIDs)
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO processing_jobs (id, job_type, status, observation_type, frame_ids_json, options_json, created_at) VALUES (?, ?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.JobType, rec.Status, rec.ObservationType, string(ids), rec.OptionsJSON, now())
	return err
}

// RecordJobStart marks a job as running.
func (s *Store) RecordJobStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE processing_jobs SET status='running', started_at=? WHERE id=?;`, now(), id)
	return err
}

// RecordJobResult finalizes a job with status and meta.
func (s *Store) RecordJobResult(id string, status string, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	ts := now()
	if _, err := s.DB.Exec(`UPDATE processing_jobs SET status=?, completed_at=?, error_message=? WHERE id=?;`, status, ts, errMsg, id); err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT INTO job_results (job_id, meta_json, created_at) VALUES (?, ?, ?);`, id, string(metaJSON), ts)
	return err
}

// RecentJobs returns the latest jobs up to limit.
func (s *Store) RecentJobs(limit int) ([]JobRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, job_type, status, observation_type, frame_ids_json, options_json, created_at, started_at, completed_at, error_message FROM processing_jobs ORDER BY created_at DESC, id DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []JobRecord
	for rows.Next() {
		var rec JobRecord
		var obsType, frameIDs, opts, created, started, completed, errorMsg sql.NullString
		if err := rows.Scan(&rec.ID, &rec.JobType, &rec.Status, &obsType, &frameIDs, &opts, &created, &started, &completed, &errorMsg); err != nil {
			return nil, err
		}
		rec.ObservationType = obsType.String
		rec.OptionsJSON = opts.String
		rec.Error = errorMsg.String
		if frameIDs.Valid && frameIDs.String != "" {
			if err := json.Unmarshal([]byte(frameIDs.String), &rec.FrameIDs); err != nil {
				return nil, fmt.Errorf("job %s frame ids: %w", rec.ID, err)
			}
		}
		if rec.CreatedAt, err = parseTime(created.String); err != nil {
			return nil, err
		}
		if rec.StartedAt, err = parseOptionalTime(started); err != nil {
			return nil, err
		}
		if rec.CompletedAt, err = parseOptionalTime(completed); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// JobMeta fetches the last meta blob for a job.
func (s *Store) JobMeta(id string) (map[string]any, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var metaJSON string
	err := s.DB.QueryRow(`SELECT meta_json FROM job_results WHERE job_id=? ORDER BY created_at DESC, rowid DESC LIMIT 1;`, id).Scan(&metaJSON)
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}

func now() string { return time.Now().UTC().Format(timeLayout) }

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseOptionalTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ctxOrBackground lets callers without a context use the ctx-aware methods.
func ctxOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
