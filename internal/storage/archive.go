package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"forgeci/internal/core"
)

// ErrNotArchived means no terminal result exists for the job ID.
var ErrNotArchived = errors.New("job not archived")

// Archive is the SQLite-backed record of finished jobs and their
// stage-level results. Live state drops a job once it lands here.
type Archive struct {
	db *sql.DB
}

// OpenArchive opens (creating if needed) the archive database and runs
// migrations.
func OpenArchive(dbPath string) (*Archive, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	a := &Archive{db: db}
	if err := a.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate archive: %w", err)
	}
	return a, nil
}

func (a *Archive) Close() error { return a.db.Close() }

func (a *Archive) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		name TEXT,
		state TEXT NOT NULL,
		reason TEXT,
		terminal_stage TEXT,
		priority INTEGER NOT NULL DEFAULT 0,
		labels TEXT,
		lock_name TEXT,
		agent_id TEXT,
		submitted_at DATETIME NOT NULL,
		finished_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS stage_results (
		job_id TEXT NOT NULL,
		idx INTEGER NOT NULL,
		stage TEXT NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL,
		output TEXT,
		log_path TEXT,
		log_hash TEXT,
		error TEXT,
		PRIMARY KEY (job_id, idx),
		FOREIGN KEY (job_id) REFERENCES jobs(id)
	);
	`
	_, err := a.db.Exec(schema)
	return err
}

// SaveResult records a terminal job and its stage results atomically.
func (a *Archive) SaveResult(ctx context.Context, job core.Job) error {
	if job.Outcome == nil || !job.State.Terminal() {
		return fmt.Errorf("job %s has no terminal outcome", job.ID)
	}

	labels, err := json.Marshal(job.Definition.Labels)
	if err != nil {
		return err
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO jobs
		(id, name, state, reason, terminal_stage, priority, labels, lock_name, agent_id, submitted_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Definition.Name, string(job.State), string(job.Outcome.Reason),
		job.Outcome.TerminalStage, job.Definition.Priority, string(labels),
		job.Definition.Lock, job.AgentID, job.CreatedAt, job.Outcome.FinishedAt,
	)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM stage_results WHERE job_id = ?`, job.ID); err != nil {
		return err
	}
	for i, res := range job.Outcome.Stages {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO stage_results
			(job_id, idx, stage, status, attempts, output, log_path, log_hash, error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			job.ID, i, res.Stage, string(res.Status), res.Attempts,
			res.Output, res.Ref.Path, res.Ref.Hash, res.Error,
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Get loads an archived job. Returns ErrNotArchived when absent.
func (a *Archive) Get(ctx context.Context, jobID string) (core.Job, error) {
	var (
		job       core.Job
		outcome   core.Outcome
		labelsRaw string
		state     string
		reason    string
	)
	row := a.db.QueryRowContext(ctx, `
		SELECT id, name, state, reason, terminal_stage, priority, labels, lock_name, agent_id, submitted_at, finished_at
		FROM jobs WHERE id = ?`, jobID)
	err := row.Scan(&job.ID, &job.Definition.Name, &state, &reason,
		&outcome.TerminalStage, &job.Definition.Priority, &labelsRaw,
		&job.Definition.Lock, &job.AgentID, &job.CreatedAt, &outcome.FinishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Job{}, ErrNotArchived
	}
	if err != nil {
		return core.Job{}, err
	}

	job.State = core.JobState(state)
	outcome.State = job.State
	outcome.Reason = core.Reason(reason)
	if labelsRaw != "" {
		if err := json.Unmarshal([]byte(labelsRaw), &job.Definition.Labels); err != nil {
			return core.Job{}, err
		}
	}

	rows, err := a.db.QueryContext(ctx, `
		SELECT stage, status, attempts, output, log_path, log_hash, error
		FROM stage_results WHERE job_id = ? ORDER BY idx`, jobID)
	if err != nil {
		return core.Job{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var res core.StageResult
		var status string
		if err := rows.Scan(&res.Stage, &status, &res.Attempts, &res.Output,
			&res.Ref.Path, &res.Ref.Hash, &res.Error); err != nil {
			return core.Job{}, err
		}
		res.Status = core.StageStatus(status)
		outcome.Stages = append(outcome.Stages, res)
	}
	if err := rows.Err(); err != nil {
		return core.Job{}, err
	}

	job.Outcome = &outcome
	return job, nil
}
