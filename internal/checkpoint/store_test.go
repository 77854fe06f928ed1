package checkpoint

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storeFactory func(t *testing.T, opts Options) Store

// runStoreContract exercises the transition rules every backend shares.
func runStoreContract(t *testing.T, open storeFactory) {
	ctx := context.Background()

	t.Run("plan is idempotent", func(t *testing.T) {
		s := open(t, Options{BatchID: "plan"})
		require.NoError(t, s.Plan(ctx, []string{"a", "b"}))
		ok, err := s.Claim(ctx, "a")
		require.NoError(t, err)
		require.True(t, ok)

		require.NoError(t, s.Plan(ctx, []string{"a", "b", "c"}))
		r, err := s.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, StatusRunning, r.Status, "existing record untouched")

		recs, err := s.List(ctx)
		require.NoError(t, err)
		require.Len(t, recs, 3)
		assert.Equal(t, []string{"a", "b", "c"}, []string{recs[0].TaskID, recs[1].TaskID, recs[2].TaskID})
	})

	t.Run("invalid and unknown ids", func(t *testing.T) {
		s := open(t, Options{BatchID: "ids"})
		assert.ErrorIs(t, s.Plan(ctx, []string{"ok", "../escape"}), ErrInvalidID)
		_, err := s.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrTaskNotFound)
		_, err = s.Claim(ctx, "missing")
		assert.ErrorIs(t, err, ErrTaskNotFound)
	})

	t.Run("claim is exclusive", func(t *testing.T) {
		s := open(t, Options{BatchID: "claim"})
		require.NoError(t, s.Plan(ctx, []string{"t1"}))

		var (
			wins atomic.Int32
			wg   sync.WaitGroup
		)
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.Claim(ctx, "t1")
				assert.NoError(t, err)
				if ok {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())

		r, err := s.Get(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, StatusRunning, r.Status)
		assert.Equal(t, s.Owner(), r.Owner)
	})

	t.Run("success is terminal", func(t *testing.T) {
		s := open(t, Options{BatchID: "success"})
		require.NoError(t, s.Plan(ctx, []string{"t"}))
		ok, err := s.Claim(ctx, "t")
		require.NoError(t, err)
		require.True(t, ok)

		r, err := s.Complete(ctx, "t", Result{OK: true, ResultRef: "results/t.md"})
		require.NoError(t, err)
		assert.Equal(t, StatusSucceeded, r.Status)
		assert.Equal(t, 1, r.Attempts)
		assert.Equal(t, "results/t.md", r.ResultRef)
		assert.False(t, r.FinishedAt.IsZero())

		ok, err = s.Claim(ctx, "t")
		require.NoError(t, err)
		assert.False(t, ok)
		_, err = s.Complete(ctx, "t", Result{OK: true})
		assert.ErrorIs(t, err, ErrNotOwner)
	})

	t.Run("complete requires ownership", func(t *testing.T) {
		s := open(t, Options{BatchID: "owner"})
		require.NoError(t, s.Plan(ctx, []string{"t"}))
		_, err := s.Complete(ctx, "t", Result{OK: true})
		assert.ErrorIs(t, err, ErrNotOwner)
	})

	t.Run("retryable failures until max attempts", func(t *testing.T) {
		s := open(t, Options{BatchID: "retry", MaxAttempts: 2})
		require.NoError(t, s.Plan(ctx, []string{"t"}))

		ok, _ := s.Claim(ctx, "t")
		require.True(t, ok)
		r, err := s.Complete(ctx, "t", Result{ErrorKind: "transient_exhausted", Retryable: true})
		require.NoError(t, err)
		assert.Equal(t, StatusPending, r.Status)
		assert.Equal(t, 1, r.Attempts)
		assert.Empty(t, r.Owner)

		ok, _ = s.Claim(ctx, "t")
		require.True(t, ok)
		r, err = s.Complete(ctx, "t", Result{ErrorKind: "transient_exhausted", Retryable: true})
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, r.Status)
		assert.Equal(t, 2, r.Attempts)
		assert.Equal(t, "transient_exhausted", r.LastErrorKind)
	})

	t.Run("interrupted requeue does not charge an attempt", func(t *testing.T) {
		s := open(t, Options{BatchID: "requeue", MaxAttempts: 1})
		require.NoError(t, s.Plan(ctx, []string{"t"}))

		for i := 0; i < 3; i++ {
			ok, _ := s.Claim(ctx, "t")
			require.True(t, ok)
			r, err := s.Complete(ctx, "t", Result{ErrorKind: "interrupted", Requeue: true})
			require.NoError(t, err)
			assert.Equal(t, StatusPending, r.Status)
			assert.Zero(t, r.Attempts)
			assert.Equal(t, i+1, r.Requeues)
		}
	})

	t.Run("non-retryable failure is terminal", func(t *testing.T) {
		s := open(t, Options{BatchID: "fatal", MaxAttempts: 5})
		require.NoError(t, s.Plan(ctx, []string{"t"}))
		ok, _ := s.Claim(ctx, "t")
		require.True(t, ok)
		r, err := s.Complete(ctx, "t", Result{ErrorKind: "task_failed", Message: "bad request"})
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, r.Status)
		assert.Equal(t, "bad request", r.LastError)
	})

	t.Run("snapshot", func(t *testing.T) {
		s := open(t, Options{BatchID: "snap", MaxAttempts: 1})
		require.NoError(t, s.Plan(ctx, []string{"a", "b", "c", "d"}))

		st, err := s.Snapshot(ctx)
		require.NoError(t, err)
		assert.Equal(t, BatchState{BatchID: "snap", Total: 4, Pending: 4, Outcome: OutcomeRunning}, st)

		for _, id := range []string{"a", "b", "c"} {
			ok, _ := s.Claim(ctx, id)
			require.True(t, ok)
		}
		_, err = s.Complete(ctx, "a", Result{OK: true})
		require.NoError(t, err)
		_, err = s.Complete(ctx, "b", Result{ErrorKind: "task_failed"})
		require.NoError(t, err)

		st, err = s.Snapshot(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, st.Pending)
		assert.Equal(t, 1, st.Running)
		assert.Equal(t, 1, st.Succeeded)
		assert.Equal(t, 1, st.Failed)
		assert.Equal(t, OutcomeRunning, st.Outcome)
		assert.False(t, st.Done())
	})
}

func TestSummarize(t *testing.T) {
	tests := []struct {
		name     string
		statuses []Status
		want     Outcome
	}{
		{"all succeeded", []Status{StatusSucceeded, StatusSucceeded}, OutcomeSucceeded},
		{"some failed", []Status{StatusSucceeded, StatusFailed}, OutcomePartial},
		{"in flight", []Status{StatusSucceeded, StatusRunning}, OutcomeRunning},
		{"pending", []Status{StatusPending}, OutcomeRunning},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs := make([]Record, len(tt.statuses))
			for i, s := range tt.statuses {
				recs[i] = Record{Status: s}
			}
			st := Summarize("b", recs)
			assert.Equal(t, tt.want, st.Outcome)
			assert.Equal(t, len(tt.statuses), st.Total)
		})
	}
}

func TestValidateID(t *testing.T) {
	for _, ok := range []string{"a", "task-01", "LLD_3"} {
		assert.NoError(t, ValidateID(ok), ok)
	}
	for _, bad := range []string{"", ".", "..", "a/b", "a.b", "a b", string(make([]byte, 129))} {
		assert.ErrorIs(t, ValidateID(bad), ErrInvalidID, "%q", bad)
	}
}

func TestOptions_Defaults(t *testing.T) {
	_, err := Options{}.withDefaults()
	assert.ErrorIs(t, err, ErrInvalidID)

	o, err := Options{BatchID: "b", StaleAfter: -time.Second}.withDefaults()
	require.NoError(t, err)
	assert.NotEmpty(t, o.Owner)
	assert.Equal(t, DefaultMaxAttempts, o.MaxAttempts)
	assert.Zero(t, o.StaleAfter)
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T, opts Options) Store {
		s, err := NewMemoryStore(opts)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestMemoryStore_Closed(t *testing.T) {
	s, err := NewMemoryStore(Options{BatchID: "b"})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Plan(context.Background(), []string{"a"}), ErrClosed)
	_, err = s.List(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}
