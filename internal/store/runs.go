// Package store persists task runs and healing provenance to sqlite.
package store

import (
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/dritter/webmender/internal/plan"
)

type RunStore struct {
	DB *sql.DB
}

func NewRunStore(dbPath string) (*RunStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// Create tables if not exist
	queries := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT,
			plan_id TEXT,
			success INTEGER,
			status TEXT,
			total_steps INTEGER,
			successful_steps INTEGER,
			failed_steps INTEGER,
			retried_steps INTEGER,
			finished_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS step_results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT,
			step_id TEXT,
			seq INTEGER,
			success INTEGER,
			attempts INTEGER,
			duration_ms INTEGER,
			error TEXT,
			evidence TEXT,
			validations TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS healings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT,
			step_id TEXT,
			healed_step_id TEXT,
			strategy TEXT,
			confidence REAL,
			explanation TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, q := range queries {
		if _, err = db.Exec(q); err != nil {
			return nil, err
		}
	}

	return &RunStore{DB: db}, nil
}

func (s *RunStore) Close() error {
	return s.DB.Close()
}

// RecordRun persists a finished task result with all its step results.
func (s *RunStore) RecordRun(result *plan.TaskResult) error {
	_, err := s.DB.Exec(
		`INSERT INTO runs (task_id, plan_id, success, status, total_steps, successful_steps, failed_steps, retried_steps)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		result.TaskID, result.PlanID, boolInt(result.Success), string(result.Status),
		result.Stats.TotalSteps, result.Stats.SuccessfulSteps, result.Stats.FailedSteps, result.Stats.RetriedSteps,
	)
	if err != nil {
		return err
	}

	for _, sr := range result.StepResults {
		validations, _ := json.Marshal(sr.Validations)
		_, err = s.DB.Exec(
			`INSERT INTO step_results (task_id, step_id, seq, success, attempts, duration_ms, error, evidence, validations)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			result.TaskID, sr.StepID, sr.Seq, boolInt(sr.Success), sr.Attempts,
			sr.Duration.Milliseconds(), sr.Error, sr.Evidence, string(validations),
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// RecordHealing persists one healing application for later inspection.
func (s *RunStore) RecordHealing(taskID, stepID, healedStepID, strategy string, confidence float64, explanation string) error {
	_, err := s.DB.Exec(
		`INSERT INTO healings (task_id, step_id, healed_step_id, strategy, confidence, explanation)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		taskID, stepID, healedStepID, strategy, confidence, explanation,
	)
	return err
}

// RunSummary is one row of the run log.
type RunSummary struct {
	TaskID     string
	PlanID     string
	Success    bool
	Status     string
	TotalSteps int
	FinishedAt time.Time
}

// ListRuns returns the most recent runs, newest first.
func (s *RunStore) ListRuns(limit int) ([]RunSummary, error) {
	rows, err := s.DB.Query(
		`SELECT task_id, plan_id, success, status, total_steps, finished_at
		 FROM runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var r RunSummary
		var success int
		if err := rows.Scan(&r.TaskID, &r.PlanID, &success, &r.Status, &r.TotalSteps, &r.FinishedAt); err != nil {
			return nil, err
		}
		r.Success = success == 1
		out = append(out, r)
	}
	return out, rows.Err()
}

// StepResultsForTask returns the recorded step results for one task in
// sequence order.
func (s *RunStore) StepResultsForTask(taskID string) ([]plan.StepResult, error) {
	rows, err := s.DB.Query(
		`SELECT step_id, seq, success, attempts, duration_ms, error, evidence
		 FROM step_results WHERE task_id = ? ORDER BY seq ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []plan.StepResult
	for rows.Next() {
		var sr plan.StepResult
		var success int
		var durationMs int64
		if err := rows.Scan(&sr.StepID, &sr.Seq, &success, &sr.Attempts, &durationMs, &sr.Error, &sr.Evidence); err != nil {
			return nil, err
		}
		sr.Success = success == 1
		sr.Duration = time.Duration(durationMs) * time.Millisecond
		out = append(out, sr)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
