package batch

import "errors"

var (
	// ErrBatchAborted is returned by Handle.Wait when the batch stopped
	// before every task was terminal. The cause is wrapped alongside.
	ErrBatchAborted = errors.New("batch aborted")

	// ErrNothingToResume is returned by Resume for a batch with no records.
	ErrNothingToResume = errors.New("no checkpoint records to resume")

	// ErrNoTasks is returned by Submit for an empty batch.
	ErrNoTasks = errors.New("batch has no tasks")
)
