package checkpoint

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore keeps records in a map. Nothing survives the process.
type MemoryStore struct {
	base

	mu      sync.Mutex
	records map[string]Record
	closed  bool
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts Options) (*MemoryStore, error) {
	b, err := newBase(opts, "checkpoint.memory")
	if err != nil {
		return nil, err
	}
	return &MemoryStore{base: b, records: make(map[string]Record)}, nil
}

// Plan implements Store.
func (s *MemoryStore) Plan(ctx context.Context, taskIDs []string) error {
	_, span := s.start(ctx, "plan", "")
	defer span.End()

	for _, id := range taskIDs {
		if err := ValidateID(id); err != nil {
			return fail(span, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fail(span, ErrClosed)
	}
	for _, id := range taskIDs {
		if _, ok := s.records[id]; !ok {
			s.records[id] = s.newRecord(id)
		}
	}
	return nil
}

// Claim implements Store.
func (s *MemoryStore) Claim(ctx context.Context, taskID string) (bool, error) {
	ctx, span := s.start(ctx, "claim", taskID)
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.lookupLocked(taskID)
	if err != nil {
		return false, fail(span, err)
	}
	if !s.claim(ctx, &r) {
		return false, nil
	}
	s.records[taskID] = r
	return true, nil
}

// Complete implements Store.
func (s *MemoryStore) Complete(ctx context.Context, taskID string, res Result) (Record, error) {
	_, span := s.start(ctx, "complete", taskID)
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.lookupLocked(taskID)
	if err != nil {
		return Record{}, fail(span, err)
	}
	if err := s.complete(&r, res); err != nil {
		return Record{}, fail(span, err)
	}
	s.records[taskID] = r
	return r, nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, taskID string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookupLocked(taskID)
}

// List implements Store.
func (s *MemoryStore) List(ctx context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	sortRecords(out)
	return out, nil
}

// Snapshot implements Store.
func (s *MemoryStore) Snapshot(ctx context.Context) (BatchState, error) {
	records, err := s.List(ctx)
	if err != nil {
		return BatchState{}, err
	}
	return Summarize(s.opts.BatchID, records), nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) lookupLocked(taskID string) (Record, error) {
	if s.closed {
		return Record{}, ErrClosed
	}
	r, ok := s.records[taskID]
	if !ok {
		return Record{}, fmt.Errorf("%s/%s: %w", s.opts.BatchID, taskID, ErrTaskNotFound)
	}
	return r, nil
}
