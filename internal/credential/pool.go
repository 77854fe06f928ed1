package credential

import (
	"fmt"
	"sync"
)

// Pool holds the configured credentials and their status. Every method
// is atomic; MarkLeased is a compare-and-swap so two callers can never
// both lease the same credential.
type Pool struct {
	mu     sync.Mutex
	order  []Ref
	status map[Ref]Status
}

// NewPool creates a pool with every credential Available.
func NewPool(refs []Ref) (*Pool, error) {
	if len(refs) == 0 {
		return nil, fmt.Errorf("empty credential set: %w", ErrUnknownCredential)
	}
	p := &Pool{
		order:  make([]Ref, 0, len(refs)),
		status: make(map[Ref]Status, len(refs)),
	}
	for _, ref := range refs {
		if ref == "" {
			return nil, fmt.Errorf("empty credential ref: %w", ErrUnknownCredential)
		}
		if _, dup := p.status[ref]; dup {
			return nil, fmt.Errorf("duplicate credential %s: %w", ref, ErrUnknownCredential)
		}
		p.order = append(p.order, ref)
		p.status[ref] = StatusAvailable
	}
	return p, nil
}

// Refs returns every configured ref in configuration order.
func (p *Pool) Refs() []Ref {
	return append([]Ref(nil), p.order...)
}

// ListAvailable returns a snapshot of Available refs in configuration order.
func (p *Pool) ListAvailable() []Ref {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Ref, 0, len(p.order))
	for _, ref := range p.order {
		if p.status[ref] == StatusAvailable {
			out = append(out, ref)
		}
	}
	return out
}

// Status returns the current status of ref.
func (p *Pool) Status(ref Ref) (Status, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.status[ref]
	if !ok {
		return 0, fmt.Errorf("%s: %w", ref, ErrUnknownCredential)
	}
	return s, nil
}

// Counts returns the number of credentials per status.
func (p *Pool) Counts() map[Status]int {
	p.mu.Lock()
	defer p.mu.Unlock()

	counts := make(map[Status]int, 4)
	for _, s := range p.status {
		counts[s]++
	}
	return counts
}

// MarkLeased moves ref from Available to Leased.
func (p *Pool) MarkLeased(ref Ref) error {
	return p.transition(ref, StatusLeased, StatusAvailable)
}

// MarkAvailable moves ref from Leased or Quarantined to Available.
func (p *Pool) MarkAvailable(ref Ref) error {
	return p.transition(ref, StatusAvailable, StatusLeased, StatusQuarantined)
}

// MarkQuarantined moves ref from Leased or Available to Quarantined.
func (p *Pool) MarkQuarantined(ref Ref) error {
	return p.transition(ref, StatusQuarantined, StatusLeased, StatusAvailable)
}

// Revoke removes ref from the usable set. Revoking twice is a no-op.
func (p *Pool) Revoke(ref Ref) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.status[ref]; !ok {
		return fmt.Errorf("%s: %w", ref, ErrUnknownCredential)
	}
	p.status[ref] = StatusRevoked
	return nil
}

func (p *Pool) transition(ref Ref, to Status, from ...Status) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	cur, ok := p.status[ref]
	if !ok {
		return fmt.Errorf("%s: %w", ref, ErrUnknownCredential)
	}
	if cur == StatusRevoked {
		return &RevokedError{Ref: ref}
	}
	for _, f := range from {
		if cur == f {
			p.status[ref] = to
			return nil
		}
	}
	return fmt.Errorf("%s is %s, cannot become %s: %w", ref, cur, to, ErrNotAvailable)
}
