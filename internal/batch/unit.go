package batch

import (
	"context"

	"github.com/fyrsmithlabs/batchd/internal/checkpoint"
	"github.com/fyrsmithlabs/batchd/internal/credential"
)

// Attempt describes one execution of a task.
type Attempt struct {
	BatchID    string
	TaskID     string
	Number     int // 1-based, counts every execution including requeues
	Credential credential.Ref
}

// Report is what a Unit returns. The runner never inspects Err beyond its
// message; Outcome alone decides what happens to the credential and task.
type Report struct {
	Outcome   credential.Outcome
	ResultRef string
	Err       error
}

// Unit executes one task. It must be safe to run again after a failed or
// interrupted attempt. Its own call timeouts are its responsibility and
// should be reported as TransientExhausted.
type Unit interface {
	Run(ctx context.Context, a Attempt) Report
}

// UnitFunc adapts a function to Unit.
type UnitFunc func(ctx context.Context, a Attempt) Report

func (f UnitFunc) Run(ctx context.Context, a Attempt) Report { return f(ctx, a) }

// Factory builds the Unit for a task id.
type Factory interface {
	Unit(taskID string) (Unit, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(taskID string) (Unit, error)

func (f FactoryFunc) Unit(taskID string) (Unit, error) { return f(taskID) }

// Spec is one batch submission.
type Spec struct {
	// BatchID must match the store's batch.
	BatchID string
	// Tasks lists task ids. Resume may leave it empty to run every
	// non-terminal task already recorded.
	Tasks   []string
	Factory Factory
	// Store persists task state; its location is the caller's choice.
	Store checkpoint.Store
}

// checkpointResult maps a unit outcome onto the checkpoint transition.
// RateLimited, TransientExhausted and HardFailure each charge an attempt
// and are retried while attempts remain. TaskFailed is final.
func checkpointResult(r Report) checkpoint.Result {
	res := checkpoint.Result{ErrorKind: r.Outcome.String()}
	if r.Err != nil {
		res.Message = r.Err.Error()
	}
	switch r.Outcome {
	case credential.OutcomeSuccess:
		return checkpoint.Result{OK: true, ResultRef: r.ResultRef}
	case credential.OutcomeRateLimited, credential.OutcomeTransientExhausted, credential.OutcomeHardFailure:
		res.Retryable = true
	}
	return res
}
