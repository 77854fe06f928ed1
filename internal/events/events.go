// Package events publishes batch progress for external observers.
//
// Subjects:
//
//	<prefix>.<batch>.task.<status>         one per task transition
//	<prefix>.<batch>.credential.<kind>     quarantine, promotion, revocation
//
// Payloads are JSON and carry credential refs only.
package events

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/batchd/internal/checkpoint"
	"github.com/fyrsmithlabs/batchd/internal/credential"
)

// TaskEvent reports a task status change.
type TaskEvent struct {
	BatchID    string            `json:"batch_id"`
	TaskID     string            `json:"task_id"`
	Status     checkpoint.Status `json:"status"`
	Attempts   int               `json:"attempts"`
	Outcome    string            `json:"outcome,omitempty"`
	Credential credential.Ref    `json:"cred_ref,omitempty"`
	ResultRef  string            `json:"result_ref,omitempty"`
	At         time.Time         `json:"at"`
}

// CredentialEvent reports a credential lifecycle change within a batch.
type CredentialEvent struct {
	BatchID string              `json:"batch_id"`
	Kind    credential.EventKind `json:"kind"`
	Ref     credential.Ref      `json:"cred_ref"`
	Reason  string              `json:"reason,omitempty"`
	Until   time.Time           `json:"until,omitzero"`
	At      time.Time           `json:"at"`
}

// Publisher delivers events. Implementations must be safe for concurrent
// use; publish failures never affect the batch.
type Publisher interface {
	PublishTask(ctx context.Context, ev TaskEvent) error
	PublishCredential(ctx context.Context, ev CredentialEvent) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) PublishTask(context.Context, TaskEvent) error             { return nil }
func (Nop) PublishCredential(context.Context, CredentialEvent) error { return nil }
func (Nop) Close() error                                             { return nil }

// CredentialObserver adapts p into a credential.Observer for batchID.
func CredentialObserver(p Publisher, batchID string) credential.Observer {
	return func(ev credential.Event) {
		_ = p.PublishCredential(context.Background(), CredentialEvent{
			BatchID: batchID,
			Kind:    ev.Kind,
			Ref:     ev.Ref,
			Reason:  ev.Reason,
			Until:   ev.Until,
			At:      ev.At,
		})
	}
}
