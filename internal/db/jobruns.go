package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Job result values stored in job_runs.
const (
	JobResultSuccess  = "success"
	JobResultPartial  = "partial"
	JobResultFail     = "fail"
	JobResultNeverRun = "never_run"
)

// JobRun is the stored record of a scheduled job's most recent execution.
type JobRun struct {
	JobName   string          `json:"job_name"`
	LastRunAt *time.Time      `json:"last_run_at,omitempty"`
	Result    string          `json:"result"`
	Summary   json.RawMessage `json:"summary,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// RecordJobRun upserts the latest result and summary for a named job.
func (db *DB) RecordJobRun(ctx context.Context, jobName, result string, summary any) error {
	payload, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to serialise job summary: %w", err)
	}

	_, err = db.client.ExecContext(ctx, `
		INSERT INTO job_runs (job_name, last_run_at, last_result, summary, updated_at)
		VALUES ($1, NOW(), $2, $3, NOW())
		ON CONFLICT (job_name) DO UPDATE SET
			last_run_at = NOW(),
			last_result = EXCLUDED.last_result,
			summary = EXCLUDED.summary,
			updated_at = NOW()
	`, jobName, result, payload)
	if err != nil {
		log.Error().Err(err).Str("job_name", jobName).Msg("Failed to record job run")
		return fmt.Errorf("failed to record job run: %w", err)
	}

	return nil
}

// GetJobRun returns the stored record for a job, or a never_run placeholder
// when the job has not executed yet.
func (db *DB) GetJobRun(ctx context.Context, jobName string) (*JobRun, error) {
	run := &JobRun{JobName: jobName}
	var summary sql.NullString

	err := db.client.QueryRowContext(ctx, `
		SELECT last_run_at, last_result, summary, updated_at
		FROM job_runs
		WHERE job_name = $1
	`, jobName).Scan(&run.LastRunAt, &run.Result, &summary, &run.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			run.Result = JobResultNeverRun
			return run, nil
		}
		return nil, fmt.Errorf("failed to get job run: %w", err)
	}

	if summary.Valid {
		run.Summary = json.RawMessage(summary.String)
	}

	return run, nil
}
