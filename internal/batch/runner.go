package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/batchd/internal/checkpoint"
	"github.com/fyrsmithlabs/batchd/internal/credential"
	"github.com/fyrsmithlabs/batchd/internal/events"
	"github.com/fyrsmithlabs/batchd/internal/logging"
	"github.com/fyrsmithlabs/batchd/internal/scheduler"
)

const instrumentationName = "github.com/fyrsmithlabs/batchd/internal/batch"

// DefaultAcquireTimeout bounds a single Acquire call. Shortages are
// retried, so this only sets how often the runner re-checks.
const DefaultAcquireTimeout = time.Minute

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithTracer sets the tracer for batch.task spans.
func WithTracer(t trace.Tracer) Option {
	return func(r *Runner) {
		if t != nil {
			r.tracer = t
		}
	}
}

// WithMeter sets the meter for task metrics.
func WithMeter(m metric.Meter) Option {
	return func(r *Runner) {
		if m != nil {
			r.meter = m
		}
	}
}

// WithPublisher sets where task transitions are published.
func WithPublisher(p events.Publisher) Option {
	return func(r *Runner) {
		if p != nil {
			r.publisher = p
		}
	}
}

// WithAcquireTimeout sets the per-call Acquire timeout.
func WithAcquireTimeout(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.acquireTimeout = d
		}
	}
}

// Runner executes batches. One Runner may run several batches at once;
// they share its credential coordinator and slot scheduler.
type Runner struct {
	coord          *credential.Coordinator
	sched          *scheduler.Scheduler
	acquireTimeout time.Duration
	logger         *logging.Logger
	tracer         trace.Tracer
	meter          metric.Meter
	publisher      events.Publisher

	attempts metric.Int64Counter
	duration metric.Float64Histogram
}

// NewRunner creates a Runner.
func NewRunner(coord *credential.Coordinator, sched *scheduler.Scheduler, opts ...Option) (*Runner, error) {
	if coord == nil {
		return nil, errors.New("credential coordinator is required")
	}
	if sched == nil {
		return nil, errors.New("scheduler is required")
	}
	r := &Runner{
		coord:          coord,
		sched:          sched,
		acquireTimeout: DefaultAcquireTimeout,
		logger:         logging.NewNop(),
		tracer:         otel.Tracer(instrumentationName),
		meter:          otel.Meter(instrumentationName),
		publisher:      events.Nop{},
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.Named("batch")
	r.initMetrics()
	return r, nil
}

func (r *Runner) initMetrics() {
	var err error
	r.attempts, err = r.meter.Int64Counter(
		"batchd.task.attempts",
		metric.WithDescription("Task attempts executed, by outcome"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		r.logger.Warn(context.Background(), "failed to create attempts counter", zap.Error(err))
	}
	r.duration, err = r.meter.Float64Histogram(
		"batchd.task.duration",
		metric.WithDescription("Time spent in the task unit per attempt"),
		metric.WithUnit("s"),
	)
	if err != nil {
		r.logger.Warn(context.Background(), "failed to create duration histogram", zap.Error(err))
	}
}

// Submit plans the batch's tasks and starts running them. The batch stops
// claiming new work when ctx is cancelled or Handle.Cancel is called.
func (r *Runner) Submit(ctx context.Context, spec Spec) (*Handle, error) {
	if err := r.validate(spec); err != nil {
		return nil, err
	}
	if len(spec.Tasks) == 0 {
		return nil, ErrNoTasks
	}
	if err := spec.Store.Plan(ctx, spec.Tasks); err != nil {
		return nil, fmt.Errorf("plan batch %s: %w", spec.BatchID, err)
	}
	return r.start(ctx, spec)
}

// Resume continues a batch from its checkpoint records. New ids in
// spec.Tasks are planned; an empty list runs what is recorded.
func (r *Runner) Resume(ctx context.Context, spec Spec) (*Handle, error) {
	if err := r.validate(spec); err != nil {
		return nil, err
	}
	records, err := spec.Store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("load batch %s: %w", spec.BatchID, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("batch %s: %w", spec.BatchID, ErrNothingToResume)
	}
	if len(spec.Tasks) > 0 {
		if err := spec.Store.Plan(ctx, spec.Tasks); err != nil {
			return nil, fmt.Errorf("plan batch %s: %w", spec.BatchID, err)
		}
	}

	st := checkpoint.Summarize(spec.BatchID, records)
	r.logger.Info(logging.WithBatchID(ctx, spec.BatchID), "resuming batch",
		zap.Int("succeeded", st.Succeeded),
		zap.Int("failed", st.Failed),
		zap.Int("remaining", st.Pending+st.Running),
	)
	return r.start(ctx, spec)
}

func (r *Runner) validate(spec Spec) error {
	if spec.Store == nil {
		return errors.New("checkpoint store is required")
	}
	if spec.Factory == nil {
		return errors.New("task factory is required")
	}
	if spec.BatchID != spec.Store.BatchID() {
		return fmt.Errorf("batch id %q does not match store batch %q", spec.BatchID, spec.Store.BatchID())
	}
	seen := make(map[string]bool, len(spec.Tasks))
	for _, id := range spec.Tasks {
		if seen[id] {
			return fmt.Errorf("duplicate task id %q", id)
		}
		seen[id] = true
	}
	return nil
}

// start runs every non-terminal task recorded for the batch.
func (r *Runner) start(ctx context.Context, spec Spec) (*Handle, error) {
	records, err := spec.Store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("load batch %s: %w", spec.BatchID, err)
	}

	type job struct {
		id   string
		unit Unit
	}
	jobs := make([]job, 0, len(records))
	for _, rec := range records {
		if rec.Status.Terminal() {
			continue
		}
		unit, err := spec.Factory.Unit(rec.TaskID)
		if err != nil {
			return nil, fmt.Errorf("build task %s: %w", rec.TaskID, err)
		}
		jobs = append(jobs, job{id: rec.TaskID, unit: unit})
	}

	bctx, cancel := context.WithCancelCause(logging.WithBatchID(ctx, spec.BatchID))
	h := newHandle(spec.BatchID, spec.Store, cancel)

	r.logger.Info(bctx, "batch started",
		zap.Int("tasks", len(records)),
		zap.Int("runnable", len(jobs)),
		zap.Int("slots", r.sched.Capacity()),
	)

	go func() {
		defer cancel(nil)

		var g errgroup.Group
		g.SetLimit(r.sched.Capacity())
		for _, j := range jobs {
			if bctx.Err() != nil {
				break
			}
			g.Go(func() error {
				r.runTask(bctx, h, spec.Store, j.id, j.unit)
				return nil
			})
		}
		_ = g.Wait()

		st, err := spec.Store.Snapshot(context.WithoutCancel(bctx))
		var cause error
		if bctx.Err() != nil {
			cause = context.Cause(bctx)
		}
		h.finish(st, err, cause)

		final, ferr := h.Snapshot(context.WithoutCancel(bctx))
		fields := []zap.Field{
			zap.String("outcome", string(final.Outcome)),
			zap.Int("succeeded", final.Succeeded),
			zap.Int("failed", final.Failed),
			zap.Duration("elapsed", time.Since(h.Started())),
		}
		if err := h.Err(); err != nil || ferr != nil {
			r.logger.Error(bctx, "batch aborted", append(fields, zap.Error(errors.Join(err, ferr)))...)
			return
		}
		r.logger.Info(bctx, "batch finished", fields...)
	}()

	return h, nil
}

// runTask repeats attempts while the store returns the task to Pending.
func (r *Runner) runTask(ctx context.Context, h *Handle, store checkpoint.Store, taskID string, unit Unit) {
	ctx = logging.WithTaskID(ctx, taskID)
	for n := 1; ctx.Err() == nil; n++ {
		var again bool
		err := r.sched.WithSlot(ctx, func(ctx context.Context) error {
			var err error
			again, err = r.attempt(ctx, h, store, taskID, n, unit)
			return err
		})
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return
			}
			r.logger.Error(ctx, "aborting batch", zap.Error(err))
			h.abort(err)
			return
		}
		if !again {
			return
		}
	}
}

// attempt claims the task and runs it once. It reports whether the task
// went back to Pending.
func (r *Runner) attempt(ctx context.Context, h *Handle, store checkpoint.Store, taskID string, n int, unit Unit) (bool, error) {
	ctx, span := r.tracer.Start(ctx, "batch.task", trace.WithAttributes(
		attribute.String("batch.id", h.ID()),
		attribute.String("task.id", taskID),
		attribute.Int("attempt", n),
	))
	defer span.End()

	claimed, err := store.Claim(ctx, taskID)
	if err != nil {
		return false, recordErr(span, fmt.Errorf("claim %s: %w", taskID, err))
	}
	if !claimed {
		r.logger.Debug(ctx, "task already claimed or terminal")
		return false, nil
	}
	r.publish(ctx, events.TaskEvent{BatchID: h.ID(), TaskID: taskID, Status: checkpoint.StatusRunning})

	lease, err := r.acquire(ctx)
	if err != nil {
		// Hand the claim back so a resume picks the task up immediately.
		_, cerr := store.Complete(context.WithoutCancel(ctx), taskID, checkpoint.Result{
			ErrorKind: "interrupted",
			Requeue:   true,
		})
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return false, cerr
		}
		return false, recordErr(span, errors.Join(err, cerr))
	}
	span.SetAttributes(attribute.String("cred_ref", string(lease.Ref)))

	// The attempt runs to completion even if the batch is cancelled.
	actx := context.WithoutCancel(ctx)
	start := time.Now()
	report := runUnit(actx, unit, Attempt{BatchID: h.ID(), TaskID: taskID, Number: n, Credential: lease.Ref})
	r.record(actx, report.Outcome, time.Since(start))
	span.SetAttributes(attribute.String("outcome", report.Outcome.String()))

	var fatal error
	if err := r.coord.Release(actx, lease, report.Outcome); err != nil {
		var revoked *credential.RevokedError
		if errors.As(err, &revoked) {
			r.logger.Error(actx, "credential revoked, operator attention required",
				logging.CredentialRef(string(revoked.Ref)),
				zap.NamedError("cause", report.Err),
			)
		} else {
			fatal = fmt.Errorf("release %s: %w", lease.Ref, err)
		}
	}

	rec, err := store.Complete(actx, taskID, checkpointResult(report))
	if err != nil {
		return false, recordErr(span, errors.Join(fatal, fmt.Errorf("complete %s: %w", taskID, err)))
	}
	if fatal != nil {
		return false, recordErr(span, fatal)
	}

	r.publish(actx, events.TaskEvent{
		BatchID:    h.ID(),
		TaskID:     taskID,
		Status:     rec.Status,
		Attempts:   rec.Attempts,
		Outcome:    report.Outcome.String(),
		Credential: lease.Ref,
		ResultRef:  rec.ResultRef,
		At:         rec.UpdatedAt,
	})
	r.logTransition(actx, rec, report, lease.Ref)
	return rec.Status == checkpoint.StatusPending, nil
}

// acquire waits out credential shortages; anything else is returned.
func (r *Runner) acquire(ctx context.Context) (credential.Lease, error) {
	for {
		lease, err := r.coord.Acquire(ctx, r.acquireTimeout)
		if err == nil {
			return lease, nil
		}
		switch {
		case errors.Is(err, credential.ErrQuotaExhausted):
			next, _ := r.coord.NextExpiry()
			r.logger.Info(ctx, "all credentials exhausted, waiting for quarantine to expire", zap.Time("next_expiry", next))
		case errors.Is(err, credential.ErrNoCredentialsAvailable):
			r.logger.Debug(ctx, "no credential available, still waiting")
		default:
			return credential.Lease{}, err
		}
	}
}

// runUnit executes unit, turning a panic into a TaskFailed report.
func runUnit(ctx context.Context, unit Unit, a Attempt) (report Report) {
	defer func() {
		if p := recover(); p != nil {
			report = Report{
				Outcome: credential.OutcomeTaskFailed,
				Err:     fmt.Errorf("%w: %v", scheduler.ErrTaskPanicked, p),
			}
		}
	}()
	return unit.Run(ctx, a)
}

func (r *Runner) record(ctx context.Context, outcome credential.Outcome, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome.String()))
	if r.attempts != nil {
		r.attempts.Add(ctx, 1, attrs)
	}
	if r.duration != nil {
		r.duration.Record(ctx, d.Seconds(), attrs)
	}
}

func (r *Runner) publish(ctx context.Context, ev events.TaskEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	if err := r.publisher.PublishTask(ctx, ev); err != nil {
		r.logger.Debug(ctx, "task event not published", zap.Error(err))
	}
}

func (r *Runner) logTransition(ctx context.Context, rec checkpoint.Record, report Report, ref credential.Ref) {
	fields := []zap.Field{
		zap.String("status", string(rec.Status)),
		zap.Stringer("outcome", report.Outcome),
		zap.Int("attempts", rec.Attempts),
		logging.CredentialRef(string(ref)),
	}
	switch rec.Status {
	case checkpoint.StatusSucceeded:
		r.logger.Info(ctx, "task succeeded", append(fields, zap.String("result_ref", rec.ResultRef))...)
	case checkpoint.StatusFailed:
		r.logger.Warn(ctx, "task failed", append(fields, zap.NamedError("cause", report.Err))...)
	default:
		r.logger.Debug(ctx, "task requeued", append(fields, zap.NamedError("cause", report.Err))...)
	}
}

func recordErr(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
