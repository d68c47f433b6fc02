// Package store provides SQLite-backed persistence for samples, rollouts,
// and verification records.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"patchpilot/internal/transcript"
	"patchpilot/internal/verify"
)

// ErrNotFound is returned when a sample id has no row.
var ErrNotFound = errors.New("not found")

type Store struct {
	db *sql.DB
}

// Sample is one pipeline unit: a target file and seed with two rollouts and
// at most one verification.
type Sample struct {
	ID         string
	TargetFile string
	Seed       int64
	Status     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Sample statuses.
const (
	StatusPending  = "pending"
	StatusRunning  = "running"
	StatusAccepted = "accepted"
	StatusRejected = "rejected"
	StatusFailed   = "failed"
)

// RolloutRecord summarizes one rollout for reporting; the full transcript
// lives in the sample's artifact directory.
type RolloutRecord struct {
	ID       string
	SampleID string
	Ordinal  int
	Reason   transcript.Reason
	Steps    int
	Patch    string
}

// New opens (creating if needed) the database at dbPath and runs migrations.
func New(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS samples (
		id TEXT PRIMARY KEY,
		target_file TEXT NOT NULL,
		seed INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS rollouts (
		id TEXT PRIMARY KEY,
		sample_id TEXT NOT NULL,
		ordinal INTEGER NOT NULL,
		reason TEXT NOT NULL,
		steps INTEGER NOT NULL,
		patch TEXT,
		created_at DATETIME NOT NULL,
		UNIQUE(sample_id, ordinal),
		FOREIGN KEY (sample_id) REFERENCES samples(id)
	);

	CREATE TABLE IF NOT EXISTS verifications (
		sample_id TEXT PRIMARY KEY,
		recall REAL NOT NULL,
		threshold REAL NOT NULL,
		accepted INTEGER NOT NULL,
		reject_reason TEXT,
		gates_json TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (sample_id) REFERENCES samples(id)
	);

	CREATE INDEX IF NOT EXISTS idx_samples_status ON samples(status);
	CREATE INDEX IF NOT EXISTS idx_rollouts_sample ON rollouts(sample_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateSample inserts a pending sample. Re-creating an existing id resets
// it to pending so a batch can be re-executed after a partial failure; its
// rollouts and verification are then replaced as the rerun progresses.
func (s *Store) CreateSample(id, targetFile string, seed int64) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(
		`INSERT INTO samples (id, target_file, seed, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			target_file = excluded.target_file, seed = excluded.seed,
			status = excluded.status, updated_at = excluded.updated_at`,
		id, targetFile, seed, StatusPending, now, now,
	)
	return err
}

// SetSampleStatus moves a sample through its lifecycle.
func (s *Store) SetSampleStatus(id, status string) error {
	res, err := s.db.Exec(
		`UPDATE samples SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("sample %s: %w", id, ErrNotFound)
	}
	return nil
}

// SaveRollout records one rollout's summary. Re-running a sample replaces
// the rollout at the same ordinal.
func (s *Store) SaveRollout(r RolloutRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO rollouts (id, sample_id, ordinal, reason, steps, patch, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(sample_id, ordinal) DO UPDATE SET
			id = excluded.id, reason = excluded.reason, steps = excluded.steps,
			patch = excluded.patch, created_at = excluded.created_at`,
		r.ID, r.SampleID, r.Ordinal, string(r.Reason), r.Steps, r.Patch, time.Now().UTC(),
	)
	return err
}

// SaveVerification records the sample's verification result, replacing any
// previous one (the result is idempotently recomputable).
func (s *Store) SaveVerification(sampleID string, res verify.Result) error {
	gates, err := json.Marshal(res.Gates)
	if err != nil {
		return err
	}
	accepted := 0
	if res.Accepted {
		accepted = 1
	}
	_, err = s.db.Exec(
		`INSERT INTO verifications (sample_id, recall, threshold, accepted, reject_reason, gates_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(sample_id) DO UPDATE SET
			recall = excluded.recall, threshold = excluded.threshold,
			accepted = excluded.accepted, reject_reason = excluded.reject_reason,
			gates_json = excluded.gates_json, created_at = excluded.created_at`,
		sampleID, res.Recall, res.Threshold, accepted, res.RejectReason, string(gates), time.Now().UTC(),
	)
	return err
}

// GetVerification loads a sample's verification result.
func (s *Store) GetVerification(sampleID string) (verify.Result, error) {
	var res verify.Result
	var accepted int
	var gates string
	err := s.db.QueryRow(
		`SELECT recall, threshold, accepted, reject_reason, gates_json FROM verifications WHERE sample_id = ?`,
		sampleID,
	).Scan(&res.Recall, &res.Threshold, &accepted, &res.RejectReason, &gates)
	if errors.Is(err, sql.ErrNoRows) {
		return res, fmt.Errorf("verification for %s: %w", sampleID, ErrNotFound)
	}
	if err != nil {
		return res, err
	}
	res.Accepted = accepted == 1
	if err := json.Unmarshal([]byte(gates), &res.Gates); err != nil {
		return res, err
	}
	return res, nil
}

// ListSamples returns samples ordered newest first. limit <= 0 lists all.
func (s *Store) ListSamples(limit int) ([]Sample, error) {
	q := `SELECT id, target_file, seed, status, created_at, updated_at FROM samples ORDER BY created_at DESC`
	args := []interface{}{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Sample
	for rows.Next() {
		var sm Sample
		if err := rows.Scan(&sm.ID, &sm.TargetFile, &sm.Seed, &sm.Status, &sm.CreatedAt, &sm.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, sm)
	}
	return out, rows.Err()
}

// GetRollouts returns a sample's rollouts ordered by ordinal.
func (s *Store) GetRollouts(sampleID string) ([]RolloutRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, sample_id, ordinal, reason, steps, COALESCE(patch, '') FROM rollouts WHERE sample_id = ? ORDER BY ordinal`,
		sampleID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RolloutRecord
	for rows.Next() {
		var r RolloutRecord
		var reason string
		if err := rows.Scan(&r.ID, &r.SampleID, &r.Ordinal, &reason, &r.Steps, &r.Patch); err != nil {
			return nil, err
		}
		r.Reason = transcript.Reason(reason)
		out = append(out, r)
	}
	return out, rows.Err()
}
