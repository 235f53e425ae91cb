package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrTaskNotFound = errors.New("task not found")

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether a status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// JSONMap is an opaque JSON object column (task input and result
// payloads).
type JSONMap map[string]interface{}

// Task is the persistent lifecycle record of one asynchronous job.
// The orchestrator owns all writes to it.
type Task struct {
	ID             int64
	JobID          string
	Kind           string
	Status         TaskStatus
	Progress       float64
	StartedAt      *time.Time
	CompletedAt    *time.Time
	UserID         int64
	AgencyID       *int64
	InputData      JSONMap
	ResultData     JSONMap
	ErrorMessage   string
	ErrorTraceback string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func encodeJSONMap(m JSONMap) (interface{}, error) {
	if len(m) == 0 {
		return nil, nil
	}
	buf, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding json column: %w", err)
	}
	return string(buf), nil
}

func decodeJSONMap(raw sql.NullString) (JSONMap, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	m := JSONMap{}
	if err := json.Unmarshal([]byte(raw.String), &m); err != nil {
		return nil, fmt.Errorf("decoding json column: %w", err)
	}
	return m, nil
}

func (q *queries) CreateTask(ctx context.Context, t *Task) (int64, error) {
	input, err := encodeJSONMap(t.InputData)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = TaskPending
	}

	id, err := q.insertReturningID(ctx, `
INSERT INTO tasks (job_id, kind, status, progress, user_id, agency_id, input_data, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		t.JobID, t.Kind, string(t.Status), t.Progress, t.UserID, t.AgencyID, input, now, now)
	if err != nil {
		return 0, fmt.Errorf("inserting task: %w", err)
	}
	t.ID = id
	return id, nil
}

const taskSelect = `
SELECT id, job_id, kind, status, progress, started_at, completed_at, user_id,
       agency_id, input_data, result_data, error_message, error_traceback,
       created_at, updated_at
FROM tasks`

func scanTask(row interface {
	Scan(dest ...interface{}) error
}) (*Task, error) {
	t := &Task{}
	var status string
	var startedAt, completedAt sql.NullTime
	var agencyID sql.NullInt64
	var input, result sql.NullString

	err := row.Scan(&t.ID, &t.JobID, &t.Kind, &status, &t.Progress,
		&startedAt, &completedAt, &t.UserID, &agencyID, &input, &result,
		&t.ErrorMessage, &t.ErrorTraceback, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}

	t.Status = TaskStatus(status)
	if startedAt.Valid {
		v := startedAt.Time
		t.StartedAt = &v
	}
	if completedAt.Valid {
		v := completedAt.Time
		t.CompletedAt = &v
	}
	if agencyID.Valid {
		v := agencyID.Int64
		t.AgencyID = &v
	}
	if t.InputData, err = decodeJSONMap(input); err != nil {
		return nil, err
	}
	if t.ResultData, err = decodeJSONMap(result); err != nil {
		return nil, err
	}

	return t, nil
}

func (q *queries) GetTask(ctx context.Context, id int64) (*Task, error) {
	t, err := scanTask(q.r.QueryRowContext(ctx, taskSelect+` WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying task: %w", err)
	}
	return t, nil
}

func (q *queries) GetTaskByJobID(ctx context.Context, jobID string) (*Task, error) {
	t, err := scanTask(q.r.QueryRowContext(ctx, taskSelect+` WHERE job_id = $1`, jobID))
	if err == sql.ErrNoRows {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying task by job id: %w", err)
	}
	return t, nil
}

// UpdateTaskJobID rewrites the external job id after dispatch, once
// the dispatcher-returned handle is known.
func (q *queries) UpdateTaskJobID(ctx context.Context, id int64, jobID string) error {
	_, err := q.r.ExecContext(ctx, `
UPDATE tasks SET job_id = $1, updated_at = $2 WHERE id = $3`,
		jobID, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("updating task job id: %w", err)
	}
	return nil
}

func (q *queries) SetTaskStatus(ctx context.Context, id int64, status TaskStatus) error {
	_, err := q.r.ExecContext(ctx, `
UPDATE tasks SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("updating task status: %w", err)
	}
	return nil
}

func (q *queries) MarkTaskRunning(ctx context.Context, id int64) error {
	now := time.Now().UTC()
	_, err := q.r.ExecContext(ctx, `
UPDATE tasks SET status = $1, started_at = $2, updated_at = $2 WHERE id = $3`,
		string(TaskRunning), now, id)
	if err != nil {
		return fmt.Errorf("marking task running: %w", err)
	}
	return nil
}

func (q *queries) UpdateTaskProgress(ctx context.Context, id int64, progress float64, result JSONMap) error {
	encoded, err := encodeJSONMap(result)
	if err != nil {
		return err
	}
	_, err = q.r.ExecContext(ctx, `
UPDATE tasks SET progress = $1, result_data = $2, updated_at = $3 WHERE id = $4`,
		progress, encoded, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("updating task progress: %w", err)
	}
	return nil
}

func (q *queries) FinishTask(ctx context.Context, t *Task) error {
	result, err := encodeJSONMap(t.ResultData)
	if err != nil {
		return err
	}
	input, err := encodeJSONMap(t.InputData)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = q.r.ExecContext(ctx, `
UPDATE tasks
SET status = $1, progress = $2, completed_at = $3, result_data = $4,
    input_data = $5, error_message = $6, error_traceback = $7, updated_at = $3
WHERE id = $8`,
		string(t.Status), t.Progress, now, result, input,
		t.ErrorMessage, t.ErrorTraceback, t.ID)
	if err != nil {
		return fmt.Errorf("finishing task: %w", err)
	}
	return nil
}

// StaleRunningTasks lists running tasks untouched since the cutoff
// (worker presumed crashed).
func (q *queries) StaleRunningTasks(ctx context.Context, cutoff time.Time) ([]*Task, error) {
	return q.listTasks(ctx, taskSelect+` WHERE status = $1 AND updated_at < $2`, string(TaskRunning), cutoff)
}

// StalePendingTasks lists pending tasks created before the cutoff
// (dispatch presumed lost).
func (q *queries) StalePendingTasks(ctx context.Context, cutoff time.Time) ([]*Task, error) {
	return q.listTasks(ctx, taskSelect+` WHERE status = $1 AND created_at < $2`, string(TaskPending), cutoff)
}

func (q *queries) listTasks(ctx context.Context, query string, args ...interface{}) ([]*Task, error) {
	rows, err := q.r.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// DeleteTerminalTasksBefore removes terminal tasks whose completion
// predates the cutoff. Returns the number removed.
func (q *queries) DeleteTerminalTasksBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := q.r.ExecContext(ctx, `
DELETE FROM tasks
WHERE status IN ($1, $2, $3) AND updated_at < $4`,
		string(TaskCompleted), string(TaskFailed), string(TaskCancelled), cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting old tasks: %w", err)
	}
	return res.RowsAffected()
}
