package checkpoint

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/batchd/internal/logging"
)

const instrumentationName = "github.com/fyrsmithlabs/batchd/internal/checkpoint"

// DefaultMaxAttempts is used when Options.MaxAttempts is unset.
const DefaultMaxAttempts = 3

// Store is the durable task ledger for one batch.
type Store interface {
	// BatchID returns the batch this store is scoped to.
	BatchID() string

	// Owner returns the identity this store claims tasks under.
	Owner() string

	// Plan creates Pending records for task ids that have none yet.
	// Existing records are left untouched.
	Plan(ctx context.Context, taskIDs []string) error

	// Claim moves a task to Running under this owner. It returns true for
	// exactly one concurrent caller. Running records held by a different
	// owner are reclaimed once they are StaleAfter old.
	Claim(ctx context.Context, taskID string) (bool, error)

	// Complete records the outcome of the current attempt and returns the
	// updated record.
	Complete(ctx context.Context, taskID string, res Result) (Record, error)

	// Get returns one record.
	Get(ctx context.Context, taskID string) (Record, error)

	// List returns every record of the batch ordered by task id.
	List(ctx context.Context) ([]Record, error)

	// Snapshot derives the current BatchState.
	Snapshot(ctx context.Context) (BatchState, error)

	// Close releases resources. It does not delete any record.
	Close() error
}

// Options are shared by every backend.
type Options struct {
	// BatchID scopes the store. Required.
	BatchID string

	// Owner identifies this coordinator. A random id is used when empty,
	// so a restarted process can reclaim its predecessor's Running tasks.
	Owner string

	// MaxAttempts bounds charged attempts per task.
	MaxAttempts int

	// StaleAfter is how old a foreign Running record must be before it
	// can be reclaimed.
	StaleAfter time.Duration

	Logger *logging.Logger
	Tracer trace.Tracer

	// Now replaces time.Now.
	Now func() time.Time
}

func (o Options) withDefaults() (Options, error) {
	if err := ValidateID(o.BatchID); err != nil {
		return o, fmt.Errorf("batch id: %w", err)
	}
	if o.Owner == "" {
		o.Owner = uuid.NewString()
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.StaleAfter < 0 {
		o.StaleAfter = 0
	}
	if o.Logger == nil {
		o.Logger = logging.NewNop()
	}
	if o.Tracer == nil {
		o.Tracer = otel.Tracer(instrumentationName)
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o, nil
}

// base carries the transition rules and instrumentation shared by the
// backends.
type base struct {
	opts   Options
	logger *logging.Logger
}

func newBase(opts Options, name string) (base, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return base{}, err
	}
	return base{opts: opts, logger: opts.Logger.Named(name)}, nil
}

func (b *base) BatchID() string { return b.opts.BatchID }
func (b *base) Owner() string   { return b.opts.Owner }

func (b *base) start(ctx context.Context, op, taskID string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{attribute.String("batch.id", b.opts.BatchID)}
	if taskID != "" {
		attrs = append(attrs, attribute.String("task.id", taskID))
	}
	ctx, span := b.opts.Tracer.Start(ctx, "checkpoint."+op, trace.WithAttributes(attrs...))
	return logging.WithTaskID(logging.WithBatchID(ctx, b.opts.BatchID), taskID), span
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func (b *base) newRecord(taskID string) Record {
	now := b.opts.Now()
	return Record{
		BatchID:   b.opts.BatchID,
		TaskID:    taskID,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// claim applies the claim transition to r in place.
func (b *base) claim(ctx context.Context, r *Record) bool {
	now := b.opts.Now()
	switch r.Status {
	case StatusPending:
	case StatusRunning:
		if r.Owner == b.opts.Owner || now.Sub(r.UpdatedAt) < b.opts.StaleAfter {
			return false
		}
		b.logger.Warn(ctx, "reclaiming stale task",
			zap.String("previous_owner", r.Owner),
			zap.Duration("age", now.Sub(r.UpdatedAt)),
		)
	default:
		return false
	}
	r.Status = StatusRunning
	r.Owner = b.opts.Owner
	r.UpdatedAt = now
	return true
}

// complete applies the completion transition to r in place.
func (b *base) complete(r *Record, res Result) error {
	if r.Status != StatusRunning || r.Owner != b.opts.Owner {
		return fmt.Errorf("complete %s (status %s): %w", r.TaskID, r.Status, ErrNotOwner)
	}
	now := b.opts.Now()
	r.UpdatedAt = now

	if res.OK {
		r.Attempts++
		r.Status = StatusSucceeded
		r.ResultRef = res.ResultRef
		r.LastErrorKind = ""
		r.LastError = ""
		r.FinishedAt = now
		return nil
	}

	r.LastErrorKind = res.ErrorKind
	r.LastError = res.Message
	if res.Requeue {
		r.Requeues++
		r.Status = StatusPending
		r.Owner = ""
		return nil
	}

	r.Attempts++
	if res.Retryable && r.Attempts < b.opts.MaxAttempts {
		r.Status = StatusPending
		r.Owner = ""
		return nil
	}
	r.Status = StatusFailed
	r.FinishedAt = now
	return nil
}
