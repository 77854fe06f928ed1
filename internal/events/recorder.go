package events

import (
	"context"
	"sync"
)

// Recorder keeps every event in memory. It backs tests and the status
// server's recent-activity view.
type Recorder struct {
	mu          sync.Mutex
	tasks       []TaskEvent
	credentials []CredentialEvent
}

var _ Publisher = (*Recorder)(nil)

// PublishTask implements Publisher.
func (r *Recorder) PublishTask(_ context.Context, ev TaskEvent) error {
	r.mu.Lock()
	r.tasks = append(r.tasks, ev)
	r.mu.Unlock()
	return nil
}

// PublishCredential implements Publisher.
func (r *Recorder) PublishCredential(_ context.Context, ev CredentialEvent) error {
	r.mu.Lock()
	r.credentials = append(r.credentials, ev)
	r.mu.Unlock()
	return nil
}

// Close implements Publisher.
func (r *Recorder) Close() error { return nil }

// Tasks returns a copy of the recorded task events.
func (r *Recorder) Tasks() []TaskEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TaskEvent(nil), r.tasks...)
}

// Credentials returns a copy of the recorded credential events.
func (r *Recorder) Credentials() []CredentialEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]CredentialEvent(nil), r.credentials...)
}

// Fanout publishes to every publisher and returns the first error.
type Fanout []Publisher

var _ Publisher = Fanout(nil)

// PublishTask implements Publisher.
func (f Fanout) PublishTask(ctx context.Context, ev TaskEvent) error {
	var first error
	for _, p := range f {
		if err := p.PublishTask(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// PublishCredential implements Publisher.
func (f Fanout) PublishCredential(ctx context.Context, ev CredentialEvent) error {
	var first error
	for _, p := range f {
		if err := p.PublishCredential(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Close implements Publisher.
func (f Fanout) Close() error {
	var first error
	for _, p := range f {
		if err := p.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
