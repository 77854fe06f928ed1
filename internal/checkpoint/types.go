package checkpoint

import (
	"fmt"
	"regexp"
	"slices"
	"time"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Record is the durable state of one task. It is the checkpoint format
// written to disk and to the KV bucket.
type Record struct {
	BatchID       string    `json:"batch_id"`
	TaskID        string    `json:"task_id"`
	Status        Status    `json:"status"`
	Attempts      int       `json:"attempts"`
	Requeues      int       `json:"requeues,omitempty"`
	LastErrorKind string    `json:"last_error_kind,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	ResultRef     string    `json:"result_ref,omitempty"`
	Owner         string    `json:"owner,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	FinishedAt    time.Time `json:"finished_at,omitzero"`
}

// Result is the outcome of one attempt, as reported to Complete.
type Result struct {
	// OK marks the attempt as successful; ResultRef is stored.
	OK        bool
	ResultRef string

	// ErrorKind classifies a failed attempt, e.g. "rate_limited".
	ErrorKind string
	// Message is a short human-readable error. It must not contain secrets.
	Message string
	// Retryable sends the task back to Pending while attempts remain.
	Retryable bool
	// Requeue sends the task back to Pending without charging an attempt.
	// It is only for attempts that never reached the task unit.
	Requeue bool
}

// Outcome is the overall result of a batch.
type Outcome string

const (
	OutcomeRunning   Outcome = "running"
	OutcomeSucceeded Outcome = "succeeded"
	OutcomePartial   Outcome = "partial"
	OutcomeAborted   Outcome = "aborted"
)

// BatchState is the aggregate view over every record of a batch.
type BatchState struct {
	BatchID   string  `json:"batch_id"`
	Total     int     `json:"total"`
	Pending   int     `json:"pending"`
	Running   int     `json:"running"`
	Succeeded int     `json:"succeeded"`
	Failed    int     `json:"failed"`
	Attempts  int     `json:"attempts"`
	Outcome   Outcome `json:"outcome"`
}

// Terminal returns the number of tasks that reached a final status.
func (b BatchState) Terminal() int {
	return b.Succeeded + b.Failed
}

// Done reports whether every task is terminal.
func (b BatchState) Done() bool {
	return b.Total > 0 && b.Terminal() == b.Total
}

// Summarize derives a BatchState from records. The outcome is Running
// while any task is non-terminal, Succeeded when every task succeeded and
// Partial otherwise.
func Summarize(batchID string, records []Record) BatchState {
	st := BatchState{BatchID: batchID, Total: len(records)}
	for _, r := range records {
		st.Attempts += r.Attempts
		switch r.Status {
		case StatusPending:
			st.Pending++
		case StatusRunning:
			st.Running++
		case StatusSucceeded:
			st.Succeeded++
		case StatusFailed:
			st.Failed++
		}
	}
	switch {
	case st.Pending+st.Running > 0:
		st.Outcome = OutcomeRunning
	case st.Failed == 0:
		st.Outcome = OutcomeSucceeded
	default:
		st.Outcome = OutcomePartial
	}
	return st
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidateID checks that id is usable as a file name and a KV key token.
func ValidateID(id string) error {
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

func sortRecords(rs []Record) {
	slices.SortFunc(rs, func(a, b Record) int {
		if a.TaskID < b.TaskID {
			return -1
		}
		if a.TaskID > b.TaskID {
			return 1
		}
		return 0
	})
}
