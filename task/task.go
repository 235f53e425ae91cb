package task

import (
	"context"
	"errors"
	"fmt"

	"transitdepot.dev/depot/storage"
)

// Job kinds. Each kind maps to one worker handler; payload keys are
// the JSON-serializable keyword arguments of the kind.
const (
	KindImportGTFS           = "import_gtfs"
	KindExportGTFS           = "export_gtfs"
	KindValidateGTFS         = "validate_gtfs"
	KindValidateMobility     = "validate_gtfs_mobilitydata"
	KindValidateMobilityFile = "validate_gtfs_file_mobilitydata"
	KindMergeAgencies        = "merge_agencies"
	KindSplitAgency          = "split_agency"
	KindCloneFeed            = "clone_feed"
	KindDeleteFeed           = "delete_feed"
	KindDeleteAgency         = "delete_agency"
)

var (
	// ErrCancelled is raised inside a worker when a cancellation
	// request is observed at a checkpoint. The runner rolls back
	// and marks the task cancelled; it is not a failure.
	ErrCancelled = errors.New("task cancelled")

	// ErrAlreadyCancelled is returned by BeginRun when the task
	// was cancelled before the worker picked it up.
	ErrAlreadyCancelled = errors.New("task already cancelled")
)

// RetryableError marks a failure as safe to replay (the operation is
// idempotent, or the cause is transient like an upstream 429).
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable wraps err so the runner records can_retry=true.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err carries the retryable marker.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// Job is one unit of dispatchable work.
type Job struct {
	Kind    string
	TaskID  int64
	Payload storage.JSONMap
}

// Dispatcher hands jobs to the worker runtime. It is treated as a
// reliable at-least-once transport; the returned handle becomes the
// task's external job id.
type Dispatcher interface {
	Dispatch(ctx context.Context, job Job) (handle string, err error)
}

// Handler executes one job kind. Implementations wrap their body in
// Orchestrator.Run for lifecycle bookkeeping.
type Handler func(ctx context.Context, taskID int64, payload storage.JSONMap) error

func payloadInt64(payload storage.JSONMap, key string) (int64, error) {
	v, ok := payload[key]
	if !ok {
		return 0, fmt.Errorf("payload missing %q", key)
	}
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case float64:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("payload key %q is %T, not a number", key, v)
	}
}

// PayloadInt64 extracts a numeric payload key. JSON round-trips turn
// integers into float64, so both are accepted.
func PayloadInt64(payload storage.JSONMap, key string) (int64, error) {
	return payloadInt64(payload, key)
}

// PayloadString extracts a string payload key, or "".
func PayloadString(payload storage.JSONMap, key string) string {
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}

// PayloadBool extracts a boolean payload key, or false.
func PayloadBool(payload storage.JSONMap, key string) bool {
	if v, ok := payload[key].(bool); ok {
		return v
	}
	return false
}
