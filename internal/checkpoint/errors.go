package checkpoint

import "errors"

var (
	// ErrTaskNotFound is returned for a task id that was never planned.
	ErrTaskNotFound = errors.New("task not found")

	// ErrNotOwner is returned when completing a task that is not Running
	// under this store's owner.
	ErrNotOwner = errors.New("task not owned by this coordinator")

	// ErrBatchLocked is returned when another process holds the batch.
	ErrBatchLocked = errors.New("batch is locked by another process")

	// ErrInvalidID is returned for batch or task ids that cannot be used
	// as file names or KV keys.
	ErrInvalidID = errors.New("invalid id")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("checkpoint store is closed")
)
