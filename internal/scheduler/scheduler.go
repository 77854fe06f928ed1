package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/fyrsmithlabs/batchd/internal/logging"
)

// HardCap is the largest number of slots a Scheduler will ever hand out.
const HardCap = 10

// ErrTaskPanicked is returned by WithSlot when fn panics.
var ErrTaskPanicked = errors.New("task panicked")

// PanicError carries the recovered value and stack of a panicking task.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("%v: %v", ErrTaskPanicked, e.Value)
}

func (e *PanicError) Unwrap() error { return ErrTaskPanicked }

// DefaultSlots returns GOMAXPROCS capped at HardCap.
func DefaultSlots() int {
	return clamp(runtime.GOMAXPROCS(0))
}

func clamp(n int) int {
	if n < 1 {
		n = 1
	}
	return min(n, HardCap)
}

// Scheduler is a bounded slot gate.
type Scheduler struct {
	sem      *semaphore.Weighted
	capacity int
	ids      chan int
	inUse    atomic.Int64
	logger   *logging.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger used to report recovered panics.
func WithLogger(l *logging.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a Scheduler with max slots. Values <= 0 use DefaultSlots;
// values above HardCap are clamped.
func New(max int, opts ...Option) *Scheduler {
	n := DefaultSlots()
	if max > 0 {
		n = clamp(max)
	}
	s := &Scheduler{
		sem:      semaphore.NewWeighted(int64(n)),
		capacity: n,
		ids:      make(chan int, n),
		logger:   logging.NewNop(),
	}
	for i := 0; i < n; i++ {
		s.ids <- i
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("scheduler")
	return s
}

// Capacity returns the number of slots.
func (s *Scheduler) Capacity() int {
	return s.capacity
}

// InUse returns the number of slots currently held.
func (s *Scheduler) InUse() int {
	return int(s.inUse.Load())
}

// WithSlot runs fn while holding a slot. It returns ctx.Err() if the
// context ends before a slot frees up. A panic in fn is recovered and
// returned as a *PanicError wrapping ErrTaskPanicked.
func (s *Scheduler) WithSlot(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("wait for worker slot: %w", err)
	}
	slot := <-s.ids
	s.inUse.Add(1)
	defer func() {
		s.inUse.Add(-1)
		s.ids <- slot
		s.sem.Release(1)
	}()

	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			s.logger.Error(ctx, "task panicked in worker slot",
				zap.Any("panic", r),
				zap.ByteString("stack", stack),
			)
			err = &PanicError{Value: r, Stack: stack}
		}
	}()

	return fn(logging.WithSlot(ctx, slot))
}
