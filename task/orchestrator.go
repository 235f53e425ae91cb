package task

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"transitdepot.dev/depot/storage"
)

// Orchestrator mediates between job producers, workers and the
// persistent task table. Workers never touch task rows directly.
type Orchestrator struct {
	store      *storage.Store
	dispatcher Dispatcher
	log        zerolog.Logger

	mu           sync.Mutex
	lastProgress map[int64]float64
}

func NewOrchestrator(store *storage.Store, dispatcher Dispatcher, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		store:        store,
		dispatcher:   dispatcher,
		log:          log,
		lastProgress: map[int64]float64{},
	}
}

// Enqueue creates a pending task row and dispatches the matching
// job. The row exists before dispatch so a lost job is later
// reconciled by the orphan sweeper; after dispatch the external job
// id is rewritten to the dispatcher-returned handle.
func (o *Orchestrator) Enqueue(ctx context.Context, kind string, input storage.JSONMap, userID int64, agencyID *int64) (int64, error) {
	t := &storage.Task{
		JobID:     uuid.NewString(),
		Kind:      kind,
		Status:    storage.TaskPending,
		UserID:    userID,
		AgencyID:  agencyID,
		InputData: input,
	}

	taskID, err := o.store.CreateTask(ctx, t)
	if err != nil {
		return 0, fmt.Errorf("creating task: %w", err)
	}

	payload := storage.JSONMap{"task_db_id": taskID}
	for k, v := range input {
		payload[k] = v
	}

	handle, err := o.dispatcher.Dispatch(ctx, Job{Kind: kind, TaskID: taskID, Payload: payload})
	if err != nil {
		// Task-setup error: dispatch never happened, fail the
		// row immediately.
		o.Fail(ctx, taskID, fmt.Sprintf("dispatching job: %v", err), "", true)
		return 0, fmt.Errorf("dispatching job: %w", err)
	}

	if err := o.store.UpdateTaskJobID(ctx, taskID, handle); err != nil {
		return 0, fmt.Errorf("recording job handle: %w", err)
	}

	o.log.Info().Int64("task_id", taskID).Str("kind", kind).Str("job_id", handle).
		Msg("task enqueued")

	return taskID, nil
}

// BeginRun is the worker entry point: it transitions the task to
// running, or reports ErrAlreadyCancelled.
func (o *Orchestrator) BeginRun(ctx context.Context, taskID int64) (*storage.Task, error) {
	t, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status == storage.TaskCancelled {
		return nil, ErrAlreadyCancelled
	}

	if err := o.store.MarkTaskRunning(ctx, taskID); err != nil {
		return nil, err
	}
	t.Status = storage.TaskRunning

	return t, nil
}

// ReportProgress writes progress and an optional current-step string
// into result_data. The step is merged into the existing result map
// so earlier entries survive. Updates are throttled to one per 1%
// increment.
func (o *Orchestrator) ReportProgress(ctx context.Context, taskID int64, percent float64, message string) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	o.mu.Lock()
	last, seen := o.lastProgress[taskID]
	if seen && percent-last < 1 && percent < 100 {
		o.mu.Unlock()
		return nil
	}
	o.lastProgress[taskID] = percent
	o.mu.Unlock()

	t, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	result := t.ResultData
	if message != "" {
		if result == nil {
			result = storage.JSONMap{}
		}
		result["current_step"] = message
	}
	return o.store.UpdateTaskProgress(ctx, taskID, percent, result)
}

// CheckCancelled reads the task's current status. Workers call this
// at batch boundaries.
func (o *Orchestrator) CheckCancelled(ctx context.Context, taskID int64) (bool, error) {
	t, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	return t.Status == storage.TaskCancelled, nil
}

// Complete marks the task completed with progress 100.
func (o *Orchestrator) Complete(ctx context.Context, taskID int64, result storage.JSONMap) error {
	t, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	t.Status = storage.TaskCompleted
	t.Progress = 100
	t.ResultData = result

	o.forgetProgress(taskID)
	return o.store.FinishTask(ctx, t)
}

// Fail marks the task failed. When retryable, can_retry=true is set
// in result_data and the inputs are preserved for replay.
func (o *Orchestrator) Fail(ctx context.Context, taskID int64, message, traceback string, retryable bool) error {
	t, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	t.Status = storage.TaskFailed
	t.ErrorMessage = message
	t.ErrorTraceback = traceback
	if retryable {
		if t.ResultData == nil {
			t.ResultData = storage.JSONMap{}
		}
		t.ResultData["can_retry"] = true
	}

	o.forgetProgress(taskID)
	return o.store.FinishTask(ctx, t)
}

// Cancel requests cooperative cancellation. The worker observes it at
// its next checkpoint and rolls back.
func (o *Orchestrator) Cancel(ctx context.Context, taskID int64) error {
	t, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status.Terminal() {
		return fmt.Errorf("task %d is already %s", taskID, t.Status)
	}

	o.forgetProgress(taskID)
	return o.store.SetTaskStatus(ctx, taskID, storage.TaskCancelled)
}

func (o *Orchestrator) forgetProgress(taskID int64) {
	o.mu.Lock()
	delete(o.lastProgress, taskID)
	o.mu.Unlock()
}

// Run is one task-checkpointing handle passed to worker bodies.
type Run struct {
	o      *Orchestrator
	TaskID int64
}

// Progress reports progress for this run.
func (r *Run) Progress(ctx context.Context, percent float64, message string) error {
	return r.o.ReportProgress(ctx, r.TaskID, percent, message)
}

// Checkpoint observes cancellation: it returns ErrCancelled when the
// task has been cancelled, nil otherwise. Callers place it before
// batch flushes and between file steps.
func (r *Run) Checkpoint(ctx context.Context) error {
	cancelled, err := r.o.CheckCancelled(ctx, r.TaskID)
	if err != nil {
		return err
	}
	if cancelled {
		return ErrCancelled
	}
	return nil
}

// Run wraps a worker body with the full lifecycle: BeginRun, panic
// capture, cancellation and terminal-state bookkeeping. The body's
// open transaction must be rolled back by the body itself (its defers
// run before Run regains control).
func (o *Orchestrator) Run(ctx context.Context, taskID int64, body func(ctx context.Context, run *Run) (storage.JSONMap, error)) error {
	if _, err := o.BeginRun(ctx, taskID); err != nil {
		if err == ErrAlreadyCancelled {
			o.log.Info().Int64("task_id", taskID).Msg("task cancelled before start")
			return nil
		}
		return err
	}

	start := time.Now()
	run := &Run{o: o, TaskID: taskID}

	var result storage.JSONMap
	var traceback string
	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("panic: %v", p)
				traceback = string(debug.Stack())
			}
		}()
		result, err = body(ctx, run)
		return err
	}()

	switch {
	case err == nil:
		if cErr := o.Complete(ctx, taskID, result); cErr != nil {
			return cErr
		}
		o.log.Info().Int64("task_id", taskID).Dur("duration", time.Since(start)).
			Msg("task completed")
		return nil

	case errors.Is(err, ErrCancelled):
		// The row is already cancelled; stamp the completion time.
		o.forgetProgress(taskID)
		if t, gErr := o.store.GetTask(ctx, taskID); gErr == nil {
			t.Status = storage.TaskCancelled
			if fErr := o.store.FinishTask(ctx, t); fErr != nil {
				o.log.Error().Err(fErr).Int64("task_id", taskID).Msg("recording cancellation")
			}
		}
		o.log.Info().Int64("task_id", taskID).Msg("task cancelled")
		return nil

	default:
		retryable := IsRetryable(err)
		if fErr := o.Fail(ctx, taskID, err.Error(), traceback, retryable); fErr != nil {
			o.log.Error().Err(fErr).Int64("task_id", taskID).Msg("recording failure")
		}
		o.log.Error().Err(err).Int64("task_id", taskID).Bool("retryable", retryable).
			Dur("duration", time.Since(start)).Msg("task failed")
		return err
	}
}
