package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const (
	defaultExecutionLimit = 20
	maxExecutionLimit     = 200
)

// Execution records one cron job run. Rows are inserted once after the
// run settles and never updated. ExitCode and CostUSD are nil when the
// backend produced none (API mode, spawn failures).
type Execution struct {
	ID                int64     `json:"id"`
	JobName           string    `json:"job_name"`
	StartedAt         time.Time `json:"started_at"`
	FinishedAt        time.Time `json:"finished_at,omitempty"`
	ExitCode          *int      `json:"exit_code,omitempty"`
	TimedOut          bool      `json:"timed_out"`
	OutputDestination string    `json:"output_destination,omitempty"`
	ResponsePreview   string    `json:"response_preview,omitempty"`
	Error             string    `json:"error,omitempty"`
	CostUSD           *float64  `json:"cost_usd,omitempty"`
}

// LogExecution inserts an execution record.
func (s *Store) LogExecution(ctx context.Context, e *Execution) error {
	var finished any
	if !e.FinishedAt.IsZero() {
		finished = e.FinishedAt.Unix()
	}
	var exitCode any
	if e.ExitCode != nil {
		exitCode = *e.ExitCode
	}
	var cost any
	if e.CostUSD != nil {
		cost = *e.CostUSD
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cron_executions (job_name, started_at, finished_at, exit_code,
			timed_out, output_destination, response_preview, error, cost_usd)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.JobName, e.StartedAt.Unix(), finished, exitCode, boolToInt(e.TimedOut),
		nullStr(e.OutputDestination), nullStr(e.ResponsePreview), nullStr(e.Error), cost,
	)
	if err != nil {
		s.logger.Error("log execution failed", "job", e.JobName, "error", err)
		return fmt.Errorf("log execution: %w", err)
	}
	s.logger.Debug("execution logged", "job", e.JobName, "timed_out", e.TimedOut)
	return nil
}

// RecentExecutions returns execution records most-recent first. An empty
// jobName spans all jobs. limit <= 0 falls back to 20, capped at 200.
func (s *Store) RecentExecutions(ctx context.Context, jobName string, limit int) ([]*Execution, error) {
	if limit <= 0 {
		limit = defaultExecutionLimit
	}
	if limit > maxExecutionLimit {
		limit = maxExecutionLimit
	}

	query := `SELECT id, job_name, started_at, finished_at, exit_code, timed_out,
		output_destination, response_preview, error, cost_usd
		FROM cron_executions`
	var args []any
	if jobName != "" {
		query += ` WHERE job_name = ?`
		args = append(args, jobName)
	}
	query += ` ORDER BY started_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("recent executions: %w", err)
	}
	defer rows.Close()

	var execs []*Execution
	for rows.Next() {
		var e Execution
		var started int64
		var finished, exitCode sql.NullInt64
		var timedOut int
		var dest, preview, errText sql.NullString
		var cost sql.NullFloat64

		if err := rows.Scan(&e.ID, &e.JobName, &started, &finished, &exitCode,
			&timedOut, &dest, &preview, &errText, &cost); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		e.StartedAt = time.Unix(started, 0)
		if finished.Valid {
			e.FinishedAt = time.Unix(finished.Int64, 0)
		}
		if exitCode.Valid {
			v := int(exitCode.Int64)
			e.ExitCode = &v
		}
		e.TimedOut = timedOut != 0
		if dest.Valid {
			e.OutputDestination = dest.String
		}
		if preview.Valid {
			e.ResponsePreview = preview.String
		}
		if errText.Valid {
			e.Error = errText.String
		}
		if cost.Valid {
			v := cost.Float64
			e.CostUSD = &v
		}
		execs = append(execs, &e)
	}
	return execs, rows.Err()
}
