package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// CronJob is a scheduled agent task. MaxTurns 0, Model "", and a nil
// AllowedTools mean "unset" and map to NULL columns.
type CronJob struct {
	ID            int64     `json:"id"`
	Name          string    `json:"name"`
	Schedule      string    `json:"schedule"`
	Prompt        string    `json:"prompt"`
	Output        string    `json:"output"`         // telegram|log|silent|webhook
	Enabled       bool      `json:"enabled"`
	Timezone      string    `json:"timezone"`
	MaxTurns      int       `json:"max_turns,omitempty"`
	Model         string    `json:"model,omitempty"`
	ExecutionMode string    `json:"execution_mode"` // cli|api
	AllowedTools  []string  `json:"allowed_tools,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// JobPatch is a field mask for UpdateJob. Nil fields stay untouched;
// Name is immutable.
type JobPatch struct {
	Schedule      *string   `json:"schedule,omitempty"`
	Prompt        *string   `json:"prompt,omitempty"`
	Output        *string   `json:"output,omitempty"`
	Enabled       *bool     `json:"enabled,omitempty"`
	Timezone      *string   `json:"timezone,omitempty"`
	MaxTurns      *int      `json:"max_turns,omitempty"`
	Model         *string   `json:"model,omitempty"`
	ExecutionMode *string   `json:"execution_mode,omitempty"`
	AllowedTools  *[]string `json:"allowed_tools,omitempty"`
}

const jobColumns = `id, name, schedule, prompt, output, enabled, timezone,
	max_turns, model, execution_mode, allowed_tools, created_at, updated_at`

// CreateJob inserts a new cron job and returns the stored row.
// A taken name yields ErrJobExists.
func (s *Store) CreateJob(ctx context.Context, job *CronJob) (*CronJob, error) {
	now := time.Now().Unix()
	if job.Output == "" {
		job.Output = "telegram"
	}
	if job.Timezone == "" {
		job.Timezone = "America/Chicago"
	}
	if job.ExecutionMode == "" {
		job.ExecutionMode = "cli"
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cron_jobs (name, schedule, prompt, output, enabled, timezone,
			max_turns, model, execution_mode, allowed_tools, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.Name, job.Schedule, job.Prompt, job.Output, boolToInt(job.Enabled),
		job.Timezone, nullInt(job.MaxTurns), nullStr(job.Model),
		job.ExecutionMode, toolsJSON(job.AllowedTools), now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrJobExists
		}
		s.logger.Error("create job failed", "name", job.Name, "error", err)
		return nil, fmt.Errorf("create job: %w", err)
	}
	s.logger.Debug("job created", "name", job.Name, "schedule", job.Schedule)
	return s.GetJob(ctx, job.Name)
}

// GetJob returns the job with the given name, or ErrJobNotFound.
func (s *Store) GetJob(ctx context.Context, name string) (*CronJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM cron_jobs WHERE name = ?`, name)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ListJobs returns all jobs ordered by name.
func (s *Store) ListJobs(ctx context.Context) ([]*CronJob, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM cron_jobs ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*CronJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// UpdateJob applies the non-nil patch fields to the named job, refreshes
// updated_at, and returns the fresh row.
func (s *Store) UpdateJob(ctx context.Context, name string, patch JobPatch) (*CronJob, error) {
	var sets []string
	var args []any

	if patch.Schedule != nil {
		sets = append(sets, "schedule = ?")
		args = append(args, *patch.Schedule)
	}
	if patch.Prompt != nil {
		sets = append(sets, "prompt = ?")
		args = append(args, *patch.Prompt)
	}
	if patch.Output != nil {
		sets = append(sets, "output = ?")
		args = append(args, *patch.Output)
	}
	if patch.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolToInt(*patch.Enabled))
	}
	if patch.Timezone != nil {
		sets = append(sets, "timezone = ?")
		args = append(args, *patch.Timezone)
	}
	if patch.MaxTurns != nil {
		sets = append(sets, "max_turns = ?")
		args = append(args, nullInt(*patch.MaxTurns))
	}
	if patch.Model != nil {
		sets = append(sets, "model = ?")
		args = append(args, nullStr(*patch.Model))
	}
	if patch.ExecutionMode != nil {
		sets = append(sets, "execution_mode = ?")
		args = append(args, *patch.ExecutionMode)
	}
	if patch.AllowedTools != nil {
		sets = append(sets, "allowed_tools = ?")
		args = append(args, toolsJSON(*patch.AllowedTools))
	}

	if len(sets) == 0 {
		// nothing to change, still confirm the job exists
		return s.GetJob(ctx, name)
	}

	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().Unix(), name)

	query := "UPDATE cron_jobs SET " + strings.Join(sets, ", ") + " WHERE name = ?"
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		s.logger.Error("update job failed", "name", name, "error", err)
		return nil, fmt.Errorf("update job: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil, ErrJobNotFound
	}
	s.logger.Debug("job updated", "name", name, "fields", len(sets)-1)
	return s.GetJob(ctx, name)
}

// DeleteJob removes the named job. Returns false when it did not exist.
func (s *Store) DeleteJob(ctx context.Context, name string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cron_jobs WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("delete job: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Debug("job deleted", "name", name)
	}
	return n > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*CronJob, error) {
	var j CronJob
	var enabled int
	var maxTurns sql.NullInt64
	var model, tools sql.NullString
	var created, updated int64

	err := row.Scan(&j.ID, &j.Name, &j.Schedule, &j.Prompt, &j.Output, &enabled,
		&j.Timezone, &maxTurns, &model, &j.ExecutionMode, &tools, &created, &updated)
	if err != nil {
		return nil, err
	}
	j.Enabled = enabled != 0
	if maxTurns.Valid {
		j.MaxTurns = int(maxTurns.Int64)
	}
	if model.Valid {
		j.Model = model.String
	}
	if tools.Valid && tools.String != "" {
		if err := json.Unmarshal([]byte(tools.String), &j.AllowedTools); err != nil {
			return nil, fmt.Errorf("parse allowed_tools: %w", err)
		}
	}
	j.CreatedAt = time.Unix(created, 0)
	j.UpdatedAt = time.Unix(updated, 0)
	return &j, nil
}

// toolsJSON serializes the allow list to a JSON array string, NULL when empty.
func toolsJSON(tools []string) any {
	if len(tools) == 0 {
		return nil
	}
	data, _ := json.Marshal(tools)
	return string(data)
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}
