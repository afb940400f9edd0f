package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"sceneforge/internal/dispatch"
	"sceneforge/internal/telemetry"
)

// RunStatus is the lifecycle state of a recorded run.
type RunStatus string

const (
	RunRunning  RunStatus = "running"
	RunFinished RunStatus = "finished"
	RunFailed   RunStatus = "failed"
)

// Run is one row of the runs table.
type Run struct {
	ID          string
	StoryID     string
	RunDir      string
	Status      RunStatus
	SceneCount  int
	TotalFrames int
	Validation  string
	StartedAt   time.Time
	FinishedAt  time.Time
}

// AttemptRecord is one row of the scene_attempts table.
type AttemptRecord struct {
	ID              int64
	RunID           string
	SceneID         string
	Attempt         int
	JobID           string
	Status          dispatch.Status
	ExitReason      telemetry.ExitReason
	Error           string
	DurationSeconds float64
	Telemetry       telemetry.Telemetry
	CreatedAt       time.Time
}

// ErrNotFound is returned when a run id is unknown.
var ErrNotFound = errors.New("run not found")

// BeginRun inserts a run in the running state.
func (s *Store) BeginRun(ctx context.Context, run Run) error {
	if run.ID == "" {
		return errors.New("run id is required")
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	return s.exec(ctx,
		`INSERT INTO runs (id, story_id, run_dir, status, scene_count, started_at) VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.StoryID, run.RunDir, string(RunRunning), run.SceneCount, run.StartedAt.UTC().Format(time.RFC3339Nano),
	)
}

// FinishRun records the final state of a run.
func (s *Store) FinishRun(ctx context.Context, id string, status RunStatus, totalFrames int, validation string, finishedAt time.Time) error {
	var affected int64
	err := withBusyRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE runs SET status = ?, total_frames = ?, validation = ?, finished_at = ? WHERE id = ?`,
			string(status), totalFrames, nullableString(validation), nullableTime(finishedAt), id,
		)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("finish run %s: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("finish run %s: %w", id, ErrNotFound)
	}
	return nil
}

// RecordAttempts stores every attempt of one scene in a single transaction.
func (s *Store) RecordAttempts(ctx context.Context, runID, sceneID string, attempts []dispatch.Attempt) error {
	if len(attempts) == 0 {
		return nil
	}
	return withBusyRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		now := time.Now().UTC().Format(time.RFC3339Nano)
		for _, attempt := range attempts {
			payload, err := json.Marshal(attempt.Telemetry)
			if err != nil {
				return fmt.Errorf("encode telemetry: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO scene_attempts (run_id, scene_id, attempt, job_id, status, exit_reason, error_message, duration_seconds, telemetry_json, created_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				 ON CONFLICT(run_id, scene_id, attempt) DO UPDATE SET
				   job_id = excluded.job_id, status = excluded.status, exit_reason = excluded.exit_reason,
				   error_message = excluded.error_message, duration_seconds = excluded.duration_seconds,
				   telemetry_json = excluded.telemetry_json`,
				runID, sceneID, attempt.Number, nullableString(attempt.JobID), string(attempt.Status),
				string(attempt.Telemetry.HistoryExitReason), nullableString(attempt.Error),
				attempt.Telemetry.DurationSeconds, string(payload), now,
			); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

const runColumns = "id, story_id, run_dir, status, scene_count, total_frames, validation, started_at, finished_at"

func scanRun(scanner interface{ Scan(dest ...any) error }) (*Run, error) {
	var (
		run         Run
		status      string
		validation  sql.NullString
		startedRaw  string
		finishedRaw sql.NullString
	)
	if err := scanner.Scan(&run.ID, &run.StoryID, &run.RunDir, &status, &run.SceneCount, &run.TotalFrames, &validation, &startedRaw, &finishedRaw); err != nil {
		return nil, err
	}
	run.Status = RunStatus(status)
	run.Validation = validation.String
	if started, err := parseTime(startedRaw); err == nil {
		run.StartedAt = started
	}
	if finished, err := parseTime(finishedRaw.String); err == nil {
		run.FinishedAt = finished
	}
	return &run, nil
}

// GetRun returns one run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE id = ?", id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return run, err
}

// ListRuns returns the most recent runs first. A limit <= 0 returns all.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	query := "SELECT " + runColumns + " FROM runs ORDER BY started_at DESC, id"
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// ListAttempts returns a run's attempts ordered by scene and attempt number.
func (s *Store) ListAttempts(ctx context.Context, runID string) ([]AttemptRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, scene_id, attempt, job_id, status, exit_reason, error_message, duration_seconds, telemetry_json, created_at
		 FROM scene_attempts WHERE run_id = ? ORDER BY scene_id, attempt`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []AttemptRecord
	for rows.Next() {
		var (
			rec        AttemptRecord
			jobID      sql.NullString
			status     string
			exitReason string
			errMsg     sql.NullString
			payload    string
			createdRaw string
		)
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.SceneID, &rec.Attempt, &jobID, &status, &exitReason, &errMsg, &rec.DurationSeconds, &payload, &createdRaw); err != nil {
			return nil, err
		}
		rec.JobID = jobID.String
		rec.Status = dispatch.Status(status)
		rec.ExitReason = telemetry.ExitReason(exitReason)
		rec.Error = errMsg.String
		if err := json.Unmarshal([]byte(payload), &rec.Telemetry); err != nil {
			return nil, fmt.Errorf("decode telemetry for %s/%s#%d: %w", rec.RunID, rec.SceneID, rec.Attempt, err)
		}
		if created, err := parseTime(createdRaw); err == nil {
			rec.CreatedAt = created
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
