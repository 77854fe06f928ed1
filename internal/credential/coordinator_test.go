package credential

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/batchd/internal/logging"
	"github.com/fyrsmithlabs/batchd/internal/telemetry"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: t0} }

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

func newTestCoordinator(t *testing.T, n int, opts ...Option) *Coordinator {
	t.Helper()
	c, err := NewCoordinator(RefsFor(n), opts...)
	require.NoError(t, err)
	return c
}

func TestNewCoordinator_Duplicate(t *testing.T) {
	_, err := NewCoordinator([]Ref{"x", "x"})
	assert.ErrorIs(t, err, ErrUnknownCredential)
}

func TestCoordinator_AcquireRelease(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t, 2)

	l1, err := c.Acquire(ctx, 0)
	require.NoError(t, err)
	l2, err := c.Acquire(ctx, 0)
	require.NoError(t, err)
	assert.NotEqual(t, l1.Ref, l2.Ref)
	assert.NotEqual(t, l1.Token, l2.Token)

	_, err = c.Acquire(ctx, 0)
	assert.ErrorIs(t, err, ErrNoCredentialsAvailable)

	require.NoError(t, c.Release(ctx, l1, OutcomeSuccess))
	l3, err := c.Acquire(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, l1.Ref, l3.Ref)
}

func TestCoordinator_DoubleReleaseIsInvalid(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t, 1)

	l, err := c.Acquire(ctx, 0)
	require.NoError(t, err)
	require.NoError(t, c.Release(ctx, l, OutcomeSuccess))
	assert.ErrorIs(t, c.Release(ctx, l, OutcomeSuccess), ErrInvalidLease)

	assert.ErrorIs(t, c.Release(ctx, Lease{Token: "never-issued", Ref: "cred-0"}, OutcomeSuccess), ErrInvalidLease)
}

func TestCoordinator_ReleaseMismatchedRef(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t, 2)

	l, err := c.Acquire(ctx, 0)
	require.NoError(t, err)
	forged := l
	forged.Ref = "cred-1"
	assert.ErrorIs(t, c.Release(ctx, forged, OutcomeSuccess), ErrInvalidLease)
	assert.NoError(t, c.Release(ctx, l, OutcomeSuccess))
}

func TestCoordinator_ReleaseUnknownOutcomeKeepsLease(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t, 1)

	l, err := c.Acquire(ctx, 0)
	require.NoError(t, err)
	assert.Error(t, c.Release(ctx, l, Outcome(42)))
	assert.NoError(t, c.Release(ctx, l, OutcomeSuccess))
}

func TestCoordinator_NeverDoubleLeased(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t, 3, WithLedgerConfig(LedgerConfig{
		RateLimitBase: time.Millisecond,
		TransientBase: time.Millisecond,
		MaxBackoff:    4 * time.Millisecond,
	}))

	var (
		holders sync.Map
		overlap atomic.Int32
		wg      sync.WaitGroup
	)
	outcomes := []Outcome{OutcomeSuccess, OutcomeRateLimited, OutcomeTaskFailed, OutcomeTransientExhausted}

	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				l, err := c.Acquire(ctx, time.Second)
				if err != nil {
					continue
				}
				if _, loaded := holders.LoadOrStore(l.Ref, l.Token); loaded {
					overlap.Add(1)
				}
				time.Sleep(50 * time.Microsecond)
				holders.Delete(l.Ref)
				assert.NoError(t, c.Release(ctx, l, outcomes[(w+i)%len(outcomes)]))
			}
		}(w)
	}
	wg.Wait()

	assert.Zero(t, overlap.Load())
}

func TestCoordinator_QuarantineBoundary(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := newTestCoordinator(t, 1, WithClock(clock.Now))

	l, err := c.Acquire(ctx, 0)
	require.NoError(t, err)
	require.NoError(t, c.Release(ctx, l, OutcomeRateLimited))

	expiry := t0.Add(30 * time.Second)
	clock.Set(expiry.Add(-time.Nanosecond))
	_, err = c.Acquire(ctx, 0)
	assert.ErrorIs(t, err, ErrQuotaExhausted)

	clock.Set(expiry)
	l, err = c.Acquire(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, Ref("cred-0"), l.Ref)
}

func TestCoordinator_AllQuarantinedIsQuotaExhausted(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := newTestCoordinator(t, 3, WithClock(clock.Now))

	for i := 0; i < 3; i++ {
		l, err := c.Acquire(ctx, 0)
		require.NoError(t, err)
		require.NoError(t, c.Release(ctx, l, OutcomeRateLimited))
	}
	assert.True(t, c.AllExhausted())

	for _, timeout := range []time.Duration{0, 20 * time.Millisecond} {
		_, err := c.Acquire(ctx, timeout)
		assert.ErrorIs(t, err, ErrQuotaExhausted)
		assert.NotErrorIs(t, err, ErrNoCredentialsAvailable)
	}
}

func TestCoordinator_LeasedAndQuarantinedIsQuotaExhausted(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t, 2, WithClock(newFakeClock().Now))

	held, err := c.Acquire(ctx, 0)
	require.NoError(t, err)
	l, err := c.Acquire(ctx, 0)
	require.NoError(t, err)
	require.NoError(t, c.Release(ctx, l, OutcomeTransientExhausted))

	assert.True(t, c.AllExhausted())
	_, err = c.Acquire(ctx, 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrQuotaExhausted)

	require.NoError(t, c.Release(ctx, held, OutcomeSuccess))
	assert.False(t, c.AllExhausted())
}

func TestCoordinator_ContentionIsNoCredentialsAvailable(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t, 1)

	_, err := c.Acquire(ctx, 0)
	require.NoError(t, err)
	assert.False(t, c.AllExhausted(), "all leased, none quarantined")

	start := time.Now()
	_, err = c.Acquire(ctx, 30*time.Millisecond)
	assert.ErrorIs(t, err, ErrNoCredentialsAvailable)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestCoordinator_HardFailureRevokes(t *testing.T) {
	ctx := context.Background()
	tl := logging.NewTestLogger()
	c := newTestCoordinator(t, 2, WithLogger(tl.Logger))

	l, err := c.Acquire(ctx, 0)
	require.NoError(t, err)
	bad := l.Ref

	err = c.Release(ctx, l, OutcomeHardFailure)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCredentialRevoked)
	var revoked *RevokedError
	require.True(t, errors.As(err, &revoked))
	assert.Equal(t, bad, revoked.Ref)

	for i := 0; i < 10; i++ {
		l, err := c.Acquire(ctx, 0)
		require.NoError(t, err)
		assert.NotEqual(t, bad, l.Ref)
		require.NoError(t, c.Release(ctx, l, OutcomeSuccess))
	}

	tl.AssertLogged(t, zapcore.ErrorLevel, "credential revoked")
	tl.AssertField(t, "credential revoked", "cred_ref", string(bad))
}

func TestCoordinator_PoolDrainedFailsFast(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t, 1)

	l, err := c.Acquire(ctx, 0)
	require.NoError(t, err)
	require.Error(t, c.Release(ctx, l, OutcomeHardFailure))

	start := time.Now()
	_, err = c.Acquire(ctx, 10*time.Second)
	assert.ErrorIs(t, err, ErrPoolDrained)
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, c.AllExhausted())
}

func TestCoordinator_DrainWakesWaiters(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t, 1)

	l, err := c.Acquire(ctx, 0)
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := c.Acquire(ctx, 10*time.Second)
		errc <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.Error(t, c.Release(ctx, l, OutcomeHardFailure))

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrPoolDrained)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not woken by revocation")
	}
}

func TestCoordinator_TaskFailedKeepsCredential(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t, 1)

	l, err := c.Acquire(ctx, 0)
	require.NoError(t, err)
	require.NoError(t, c.Release(ctx, l, OutcomeTaskFailed))

	info := c.Status()
	require.Len(t, info, 1)
	assert.Equal(t, StatusAvailable, info[0].Status)
}

func TestCoordinator_AcquireWakesOnRelease(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t, 1)

	held, err := c.Acquire(ctx, 0)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = c.Release(ctx, held, OutcomeSuccess)
	}()

	start := time.Now()
	l, err := c.Acquire(ctx, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, held.Ref, l.Ref)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestCoordinator_AcquireWakesOnExpiry(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t, 1, WithLedgerConfig(LedgerConfig{RateLimitBase: 40 * time.Millisecond}))

	l, err := c.Acquire(ctx, 0)
	require.NoError(t, err)
	require.NoError(t, c.Release(ctx, l, OutcomeRateLimited))

	start := time.Now()
	l, err = c.Acquire(ctx, 5*time.Second)
	require.NoError(t, err)
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 30*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
	assert.NoError(t, c.Release(ctx, l, OutcomeSuccess))
}

func TestCoordinator_AcquireHonoursContext(t *testing.T) {
	c := newTestCoordinator(t, 1)
	_, err := c.Acquire(context.Background(), 0)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Acquire(ctx, time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	cancelled, cancel2 := context.WithCancel(context.Background())
	cancel2()
	_, err = c.Acquire(cancelled, 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCoordinator_Reinstate(t *testing.T) {
	ctx := context.Background()
	var events []Event
	var mu sync.Mutex
	c := newTestCoordinator(t, 1, WithClock(newFakeClock().Now), WithObserver(func(e Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}))

	assert.ErrorIs(t, c.Reinstate(ctx, "cred-0"), ErrNotQuarantined)
	assert.ErrorIs(t, c.Reinstate(ctx, "cred-9"), ErrUnknownCredential)

	l, err := c.Acquire(ctx, 0)
	require.NoError(t, err)
	require.NoError(t, c.Release(ctx, l, OutcomeRateLimited))

	require.NoError(t, c.Reinstate(ctx, "cred-0"))
	assert.ErrorIs(t, c.Reinstate(ctx, "cred-0"), ErrNotQuarantined)
	assert.Empty(t, c.Sweep(t0.Add(time.Hour)))

	_, err = c.Acquire(ctx, 0)
	assert.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 2)
	assert.Equal(t, EventQuarantined, events[0].Kind)
	assert.Equal(t, "rate_limited", events[0].Reason)
	assert.Equal(t, t0.Add(30*time.Second), events[0].Until)
	assert.Equal(t, EventReinstated, events[1].Kind)
}

func TestCoordinator_SweepPromotes(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := newTestCoordinator(t, 2, WithClock(clock.Now))

	l, err := c.Acquire(ctx, 0)
	require.NoError(t, err)
	require.NoError(t, c.Release(ctx, l, OutcomeRateLimited))

	assert.Empty(t, c.Sweep(t0.Add(29*time.Second)))
	assert.Equal(t, []Ref{l.Ref}, c.Sweep(t0.Add(30*time.Second)))

	for _, info := range c.Status() {
		assert.Equal(t, StatusAvailable, info.Status)
	}
}

func TestCoordinator_RunSweepsPeriodically(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := newTestCoordinator(t, 1, WithLedgerConfig(LedgerConfig{RateLimitBase: 10 * time.Millisecond}))

	l, err := c.Acquire(ctx, 0)
	require.NoError(t, err)
	require.NoError(t, c.Release(ctx, l, OutcomeRateLimited))

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, 5*time.Millisecond) }()

	require.Eventually(t, func() bool {
		return c.Status()[0].Status == StatusAvailable
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestCoordinator_Status(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t, 3, WithClock(newFakeClock().Now))

	l0, _ := c.Acquire(ctx, 0)
	l1, _ := c.Acquire(ctx, 0)
	require.NoError(t, c.Release(ctx, l1, OutcomeTransientExhausted))

	info := c.Status()
	require.Len(t, info, 3)
	byRef := map[Ref]Info{}
	for _, i := range info {
		byRef[i.Ref] = i
	}
	assert.Equal(t, StatusLeased, byRef[l0.Ref].Status)
	assert.Equal(t, StatusQuarantined, byRef[l1.Ref].Status)
	assert.Equal(t, "transient_exhausted", byRef[l1.Ref].QuarantineReason)
	assert.Equal(t, t0.Add(30*time.Second), byRef[l1.Ref].QuarantinedUntil)
	assert.Equal(t, int64(1), byRef[l1.Ref].Quarantines)
	assert.Equal(t, int64(1), byRef[l0.Ref].Leases)
}

func TestCoordinator_StrikesForgivenAfterCleanCycle(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := newTestCoordinator(t, 1, WithClock(clock.Now))

	l, _ := c.Acquire(ctx, 0)
	require.NoError(t, c.Release(ctx, l, OutcomeRateLimited))
	clock.Set(t0.Add(30 * time.Second))

	l, err := c.Acquire(ctx, 0)
	require.NoError(t, err)
	require.NoError(t, c.Release(ctx, l, OutcomeRateLimited))
	assert.Equal(t, t0.Add(90*time.Second), c.Status()[0].QuarantinedUntil, "second strike doubles")

	clock.Set(t0.Add(90 * time.Second))
	l, err = c.Acquire(ctx, 0)
	require.NoError(t, err)
	require.NoError(t, c.Release(ctx, l, OutcomeSuccess))

	l, err = c.Acquire(ctx, 0)
	require.NoError(t, err)
	require.NoError(t, c.Release(ctx, l, OutcomeRateLimited))
	assert.Equal(t, t0.Add(120*time.Second), c.Status()[0].QuarantinedUntil, "clean cycle resets to base")
}

func TestCoordinator_Metrics(t *testing.T) {
	ctx := context.Background()
	tt := telemetry.NewTestTelemetry()
	c := newTestCoordinator(t, 2, WithMeter(tt.Meter("test")), WithTracer(tt.Tracer("test")))

	l, err := c.Acquire(ctx, 0)
	require.NoError(t, err)
	require.NoError(t, c.Release(ctx, l, OutcomeRateLimited))
	l, err = c.Acquire(ctx, 0)
	require.NoError(t, err)
	require.Error(t, c.Release(ctx, l, OutcomeHardFailure))

	assert.Equal(t, int64(2), tt.Int64Sum(t, "batchd.credential.leases"))
	assert.Equal(t, int64(1), tt.Int64Sum(t, "batchd.credential.quarantines", attribute.String("reason", "rate_limited")))
	assert.Equal(t, int64(1), tt.Int64Sum(t, "batchd.credential.revocations"))
	assert.Equal(t, int64(1), tt.Int64Sum(t, "batchd.credential.releases", attribute.String("outcome", "hard_failure")))
	tt.AssertSpanExists(t, "credential.acquire")
	tt.AssertSpanAttribute(t, "credential.release", "cred_ref", "cred-0")
	tt.AssertSpanAttribute(t, "credential.release", "outcome", "rate_limited")
}

func TestCoordinator_LogsOnlyRefs(t *testing.T) {
	ctx := context.Background()
	tl := logging.NewTestLogger()
	c := newTestCoordinator(t, 1, WithLogger(tl.Logger))

	l, err := c.Acquire(ctx, 0)
	require.NoError(t, err)
	require.NoError(t, c.Release(ctx, l, OutcomeRateLimited))

	tl.AssertLogged(t, zapcore.WarnLevel, "credential quarantined")
	tl.AssertField(t, "credential quarantined", "cred_ref", "cred-0")
	tl.AssertNoSecrets(t)
}
