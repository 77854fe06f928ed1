package credential

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/batchd/internal/logging"
)

const instrumentationName = "github.com/fyrsmithlabs/batchd/internal/credential"

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger. Only refs are ever logged.
func WithLogger(l *logging.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMeter sets the meter used for credential metrics.
func WithMeter(m metric.Meter) Option {
	return func(c *Coordinator) {
		if m != nil {
			c.meter = m
		}
	}
}

// WithTracer sets the tracer used for acquire and release spans.
func WithTracer(t trace.Tracer) Option {
	return func(c *Coordinator) {
		if t != nil {
			c.tracer = t
		}
	}
}

// WithLedgerConfig overrides the quarantine backoff policy.
func WithLedgerConfig(cfg LedgerConfig) Option {
	return func(c *Coordinator) {
		c.ledger = NewLedger(cfg)
	}
}

// WithClock replaces time.Now for quarantine bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithObserver registers a lifecycle observer.
func WithObserver(o Observer) Option {
	return func(c *Coordinator) {
		if o != nil {
			c.observers = append(c.observers, o)
		}
	}
}

// Coordinator is the only component that changes credential status.
// All transitions happen under one mutex; no lock is held while a
// caller uses a leased credential.
type Coordinator struct {
	pool      *Pool
	ledger    *Ledger
	now       func() time.Time
	logger    *logging.Logger
	tracer    trace.Tracer
	meter     metric.Meter
	metrics   *metrics
	observers []Observer

	mu          sync.Mutex
	leases      map[string]Ref
	leaseCount  map[Ref]int64
	quarantines map[Ref]int64
	cursor      int
	// changed is closed and replaced whenever status changes, waking
	// blocked Acquire calls.
	changed chan struct{}
}

// NewCoordinator creates a coordinator over refs. Duplicate or empty
// refs fail with ErrUnknownCredential.
func NewCoordinator(refs []Ref, opts ...Option) (*Coordinator, error) {
	pool, err := NewPool(refs)
	if err != nil {
		return nil, fmt.Errorf("invalid credential configuration: %w", err)
	}

	c := &Coordinator{
		pool:        pool,
		ledger:      NewLedger(DefaultLedgerConfig()),
		now:         time.Now,
		logger:      logging.NewNop(),
		tracer:      otel.Tracer(instrumentationName),
		meter:       otel.Meter(instrumentationName),
		leases:      make(map[string]Ref),
		leaseCount:  make(map[Ref]int64, len(refs)),
		quarantines: make(map[Ref]int64, len(refs)),
		changed:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("credential")
	c.metrics = initMetrics(c.meter, c)

	return c, nil
}

// Refs returns the configured refs in order.
func (c *Coordinator) Refs() []Ref {
	return c.pool.Refs()
}

// LedgerConfig returns the effective backoff policy.
func (c *Coordinator) LedgerConfig() LedgerConfig {
	return c.ledger.Config()
}

// Acquire leases a credential, waiting up to timeout. Expired
// quarantines are promoted before every attempt. A timeout of zero makes
// a single non-blocking attempt.
//
// On timeout the error is classified atomically with the last attempt:
// ErrQuotaExhausted, ErrNoCredentialsAvailable or ErrPoolDrained.
// ErrPoolDrained is returned immediately since it cannot clear.
func (c *Coordinator) Acquire(ctx context.Context, timeout time.Duration) (Lease, error) {
	ctx, span := c.tracer.Start(ctx, "credential.acquire")
	defer span.End()

	if err := ctx.Err(); err != nil {
		return Lease{}, err
	}

	start := time.Now()
	deadline := start.Add(timeout)

	for {
		lease, wake, next, err := c.tryAcquire(ctx)
		if err == nil {
			span.SetAttributes(attribute.String("cred_ref", string(lease.Ref)))
			c.metrics.leased(ctx, time.Since(start).Seconds(), "leased")
			c.logger.Debug(ctx, "credential leased", logging.CredentialRef(string(lease.Ref)))
			return lease, nil
		}

		remaining := time.Until(deadline)
		if errors.Is(err, ErrPoolDrained) || remaining <= 0 {
			c.metrics.leased(ctx, time.Since(start).Seconds(), resultName(err))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return Lease{}, fmt.Errorf("acquire credential (timeout %s): %w", timeout, err)
		}

		wait := remaining
		if !next.IsZero() {
			if d := next.Sub(c.now()); d < wait {
				wait = max(d, time.Millisecond)
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			span.RecordError(ctx.Err())
			return Lease{}, ctx.Err()
		case <-wake:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// tryAcquire sweeps, then leases the next Available credential in
// round-robin order. On failure it returns the classification plus the
// channel and instant at which retrying could succeed.
func (c *Coordinator) tryAcquire(ctx context.Context) (Lease, <-chan struct{}, time.Time, error) {
	now := c.now()

	c.mu.Lock()
	promoted := c.sweepLocked(now)

	refs := c.pool.order
	for i := 0; i < len(refs); i++ {
		ref := refs[(c.cursor+i)%len(refs)]
		if err := c.pool.MarkLeased(ref); err != nil {
			continue
		}
		c.cursor = (c.cursor + i + 1) % len(refs)
		lease := Lease{Token: uuid.NewString(), Ref: ref, AcquiredAt: now}
		c.leases[lease.Token] = ref
		c.leaseCount[ref]++
		c.mu.Unlock()

		c.afterPromotion(ctx, promoted)
		return lease, nil, time.Time{}, nil
	}

	err := classify(c.pool.Counts())
	wake := c.changed
	next, _ := c.ledger.NextExpiry()
	c.mu.Unlock()

	c.afterPromotion(ctx, promoted)
	return Lease{}, wake, next, err
}

// classify explains why nothing could be leased.
func classify(counts map[Status]int) error {
	avail, leased, quarantined := counts[StatusAvailable], counts[StatusLeased], counts[StatusQuarantined]
	switch {
	case avail+leased+quarantined == 0:
		return ErrPoolDrained
	case avail == 0 && quarantined > 0:
		return ErrQuotaExhausted
	default:
		return ErrNoCredentialsAvailable
	}
}

func resultName(err error) string {
	switch {
	case errors.Is(err, ErrPoolDrained):
		return "drained"
	case errors.Is(err, ErrQuotaExhausted):
		return "quota_exhausted"
	default:
		return "timeout"
	}
}

func reasonFor(o Outcome) Reason {
	if o == OutcomeTransientExhausted {
		return ReasonTransientExhausted
	}
	return ReasonRateLimited
}

// Release returns a lease with the classified outcome of the attempt.
//
// Success and TaskFailed make the credential Available again and clear
// its strike count. RateLimited and TransientExhausted quarantine it.
// HardFailure revokes it and returns a *RevokedError. A token that was
// never issued or was already released fails with ErrInvalidLease.
func (c *Coordinator) Release(ctx context.Context, lease Lease, outcome Outcome) error {
	ctx, span := c.tracer.Start(ctx, "credential.release", trace.WithAttributes(
		attribute.String("cred_ref", string(lease.Ref)),
		attribute.String("outcome", outcome.String()),
	))
	defer span.End()

	if !outcome.valid() {
		return fmt.Errorf("release %s: unknown outcome %d", lease.Ref, int(outcome))
	}

	now := c.now()

	c.mu.Lock()
	ref, ok := c.leases[lease.Token]
	if !ok || ref != lease.Ref {
		c.mu.Unlock()
		err := fmt.Errorf("release %s: %w", lease.Ref, ErrInvalidLease)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	delete(c.leases, lease.Token)

	var (
		transErr error
		result   error
		entry    Entry
	)
	switch outcome {
	case OutcomeSuccess, OutcomeTaskFailed:
		transErr = c.pool.MarkAvailable(ref)
		c.ledger.Forgive(ref)
	case OutcomeRateLimited, OutcomeTransientExhausted:
		entry = c.ledger.Quarantine(ref, reasonFor(outcome), now)
		transErr = c.pool.MarkQuarantined(ref)
		c.quarantines[ref]++
	case OutcomeHardFailure:
		transErr = c.pool.Revoke(ref)
		c.ledger.Remove(ref)
		result = &RevokedError{Ref: ref}
	}
	c.broadcastLocked()
	c.mu.Unlock()

	if transErr != nil {
		span.RecordError(transErr)
		return fmt.Errorf("release %s: %w", ref, transErr)
	}

	c.metrics.released(ctx, outcome)
	refField := logging.CredentialRef(string(ref))

	switch outcome {
	case OutcomeRateLimited, OutcomeTransientExhausted:
		c.logger.Warn(ctx, "credential quarantined",
			refField,
			zap.Stringer("reason", entry.Reason),
			zap.Duration("backoff", entry.Backoff),
			zap.Time("until", entry.Expiry()),
			zap.Int("strike", entry.Strike),
		)
		c.emit(Event{Kind: EventQuarantined, Ref: ref, Reason: entry.Reason.String(), Until: entry.Expiry(), At: now})
	case OutcomeHardFailure:
		c.logger.Error(ctx, "credential revoked after hard failure", refField)
		c.emit(Event{Kind: EventRevoked, Ref: ref, Reason: outcome.String(), At: now})
		span.SetStatus(codes.Error, result.Error())
	default:
		c.logger.Debug(ctx, "credential released", refField, zap.Stringer("outcome", outcome))
	}

	return result
}

// Reinstate returns a quarantined credential to the pool ahead of its
// expiry. Exactly one of Reinstate and a sweep wins for any entry.
func (c *Coordinator) Reinstate(ctx context.Context, ref Ref) error {
	c.mu.Lock()
	status, err := c.pool.Status(ref)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if status != StatusQuarantined {
		c.mu.Unlock()
		return fmt.Errorf("%s is %s: %w", ref, status, ErrNotQuarantined)
	}
	if _, ok := c.ledger.Remove(ref); !ok {
		c.mu.Unlock()
		return fmt.Errorf("%s: %w", ref, ErrNotQuarantined)
	}
	err = c.pool.MarkAvailable(ref)
	c.broadcastLocked()
	c.mu.Unlock()

	if err != nil {
		return fmt.Errorf("reinstate %s: %w", ref, err)
	}

	c.logger.Info(ctx, "credential reinstated manually", logging.CredentialRef(string(ref)))
	c.emit(Event{Kind: EventReinstated, Ref: ref, At: c.now()})
	return nil
}

// Sweep promotes every credential whose quarantine expired at or before
// now and returns their refs.
func (c *Coordinator) Sweep(now time.Time) []Ref {
	c.mu.Lock()
	promoted := c.sweepLocked(now)
	c.mu.Unlock()

	c.afterPromotion(context.Background(), promoted)

	refs := make([]Ref, len(promoted))
	for i, e := range promoted {
		refs[i] = e.Ref
	}
	return refs
}

func (c *Coordinator) sweepLocked(now time.Time) []Entry {
	expired := c.ledger.SweepExpired(now)
	if len(expired) == 0 {
		return nil
	}
	promoted := expired[:0]
	for _, e := range expired {
		if err := c.pool.MarkAvailable(e.Ref); err == nil {
			promoted = append(promoted, e)
		}
	}
	c.broadcastLocked()
	return promoted
}

func (c *Coordinator) afterPromotion(ctx context.Context, promoted []Entry) {
	for _, e := range promoted {
		c.logger.Info(ctx, "credential returned from quarantine",
			logging.CredentialRef(string(e.Ref)),
			zap.Stringer("reason", e.Reason),
		)
		c.emit(Event{Kind: EventPromoted, Ref: e.Ref, Reason: e.Reason.String(), At: e.Expiry()})
	}
}

// Run sweeps every interval until ctx is done.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.Sweep(c.now())
		}
	}
}

// AllExhausted reports whether the pool is held down by quarantine:
// nothing Available, at least one usable credential, and at least one
// of them Quarantined. It is false when every credential is merely
// Leased; that is ordinary contention and Acquire reports it as
// ErrNoCredentialsAvailable. AllExhausted is true exactly when a timed
// out Acquire would return ErrQuotaExhausted.
func (c *Coordinator) AllExhausted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return errors.Is(classify(c.pool.Counts()), ErrQuotaExhausted)
}

// NextExpiry returns the earliest pending quarantine expiry.
func (c *Coordinator) NextExpiry() (time.Time, bool) {
	return c.ledger.NextExpiry()
}

// Status returns a snapshot of every credential in configuration order.
func (c *Coordinator) Status() []Info {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Info, 0, len(c.pool.order))
	for _, ref := range c.pool.order {
		st, _ := c.pool.Status(ref)
		info := Info{
			Ref:         ref,
			Status:      st,
			Leases:      c.leaseCount[ref],
			Quarantines: c.quarantines[ref],
		}
		if e, ok := c.ledger.Get(ref); ok {
			info.QuarantineReason = e.Reason.String()
			info.QuarantinedUntil = e.Expiry()
		}
		out = append(out, info)
	}
	return out
}

// broadcastLocked wakes every waiter. Callers hold c.mu.
func (c *Coordinator) broadcastLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *Coordinator) emit(ev Event) {
	for _, o := range c.observers {
		o(ev)
	}
}
