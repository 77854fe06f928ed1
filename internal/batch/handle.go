package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fyrsmithlabs/batchd/internal/checkpoint"
)

var errCancelled = errors.New("cancelled")

// Handle observes and controls a running batch.
type Handle struct {
	id      string
	store   checkpoint.Store
	cancel  context.CancelCauseFunc
	done    chan struct{}
	started time.Time

	mu       sync.Mutex
	cause    error
	final    checkpoint.BatchState
	finished bool
}

func newHandle(id string, store checkpoint.Store, cancel context.CancelCauseFunc) *Handle {
	return &Handle{
		id:      id,
		store:   store,
		cancel:  cancel,
		done:    make(chan struct{}),
		started: time.Now(),
	}
}

// ID returns the batch id.
func (h *Handle) ID() string { return h.id }

// Started returns when the batch began running.
func (h *Handle) Started() time.Time { return h.started }

// Done is closed once every task goroutine has returned.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Cancel stops issuing new claims. Attempts already running finish and
// are recorded.
func (h *Handle) Cancel() {
	h.cancel(errCancelled)
}

// abort records the first fatal error and stops the batch.
func (h *Handle) abort(err error) {
	h.mu.Lock()
	if h.cause == nil {
		h.cause = err
	}
	h.mu.Unlock()
	h.cancel(err)
}

// Snapshot returns the current BatchState, recomputed from the store.
func (h *Handle) Snapshot(ctx context.Context) (checkpoint.BatchState, error) {
	h.mu.Lock()
	if h.finished {
		st := h.final
		h.mu.Unlock()
		return st, nil
	}
	aborted := h.cause != nil
	h.mu.Unlock()

	st, err := h.store.Snapshot(ctx)
	if err != nil {
		return checkpoint.BatchState{}, err
	}
	if aborted {
		st.Outcome = checkpoint.OutcomeAborted
	}
	return st, nil
}

// Records returns every task record of the batch.
func (h *Handle) Records(ctx context.Context) ([]checkpoint.Record, error) {
	return h.store.List(ctx)
}

// Wait blocks until the batch finishes or ctx ends. An aborted batch
// returns its final state with an error wrapping ErrBatchAborted and the
// cause.
func (h *Handle) Wait(ctx context.Context) (checkpoint.BatchState, error) {
	select {
	case <-ctx.Done():
		return checkpoint.BatchState{}, ctx.Err()
	case <-h.done:
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.final, h.errLocked()
}

// Err returns the abort error, if any.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.errLocked()
}

func (h *Handle) errLocked() error {
	if h.cause == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrBatchAborted, h.cause)
}

// finish derives the final state. A batch that stopped with work left is
// Aborted; if nothing else recorded a cause, the context's is used.
func (h *Handle) finish(st checkpoint.BatchState, snapErr error, ctxCause error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if snapErr != nil && h.cause == nil {
		h.cause = fmt.Errorf("final snapshot: %w", snapErr)
	}
	if !st.Done() && h.cause == nil {
		h.cause = ctxCause
		if h.cause == nil {
			h.cause = errors.New("tasks left unfinished")
		}
	}
	if h.cause != nil {
		st.Outcome = checkpoint.OutcomeAborted
	}
	h.final = st
	h.finished = true
	close(h.done)
}
