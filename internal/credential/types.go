package credential

import (
	"fmt"
	"time"
)

// Ref is the opaque reference used for a credential everywhere outside
// the Keyring. It is safe to log and persist.
type Ref string

// RefFor returns the ref of the credential at position i of the
// configured list.
func RefFor(i int) Ref {
	return Ref(fmt.Sprintf("cred-%d", i))
}

// RefsFor returns refs for n configured credentials.
func RefsFor(n int) []Ref {
	refs := make([]Ref, n)
	for i := range refs {
		refs[i] = RefFor(i)
	}
	return refs
}

// Status is the runtime status of a credential.
type Status int

const (
	StatusAvailable Status = iota
	StatusLeased
	StatusQuarantined
	// StatusRevoked is terminal: the credential left the usable set.
	StatusRevoked
)

var statusNames = [...]string{"available", "leased", "quarantined", "revoked"}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return statusNames[s]
}

// MarshalText renders the status name for JSON and YAML.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a status name.
func (s *Status) UnmarshalText(b []byte) error {
	for i, name := range statusNames {
		if name == string(b) {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("unknown credential status %q", b)
}

// Usable reports whether the credential is still part of the pool.
func (s Status) Usable() bool {
	return s != StatusRevoked
}

// Reason explains why a credential was quarantined.
type Reason int

const (
	ReasonRateLimited Reason = iota
	ReasonTransientExhausted
)

func (r Reason) String() string {
	switch r {
	case ReasonRateLimited:
		return "rate_limited"
	case ReasonTransientExhausted:
		return "transient_exhausted"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// MarshalText renders the reason name.
func (r Reason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// Outcome is the classified result of one attempt made with a leased
// credential. The coordinator acts on the classification only.
type Outcome int

const (
	// OutcomeSuccess returns the credential to the pool.
	OutcomeSuccess Outcome = iota
	// OutcomeRateLimited quarantines the credential.
	OutcomeRateLimited
	// OutcomeTransientExhausted quarantines the credential (overload,
	// timeouts, 5xx).
	OutcomeTransientExhausted
	// OutcomeHardFailure revokes the credential for the rest of the run.
	OutcomeHardFailure
	// OutcomeTaskFailed means the task failed on its own merits; the
	// credential is returned unharmed.
	OutcomeTaskFailed
)

var outcomeNames = [...]string{"success", "rate_limited", "transient_exhausted", "hard_failure", "task_failed"}

func (o Outcome) String() string {
	if o < 0 || int(o) >= len(outcomeNames) {
		return fmt.Sprintf("outcome(%d)", int(o))
	}
	return outcomeNames[o]
}

// MarshalText renders the outcome name.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// ParseOutcome parses an outcome name as produced by String.
func ParseOutcome(s string) (Outcome, error) {
	for i, name := range outcomeNames {
		if name == s {
			return Outcome(i), nil
		}
	}
	return 0, fmt.Errorf("unknown outcome %q", s)
}

func (o Outcome) valid() bool {
	return o >= OutcomeSuccess && o <= OutcomeTaskFailed
}

// Lease binds one credential to one attempt. It is returned by Acquire
// and must be handed back to Release exactly once.
type Lease struct {
	Token      string
	Ref        Ref
	AcquiredAt time.Time
}

// Entry is a quarantine ledger entry.
type Entry struct {
	Ref           Ref
	QuarantinedAt time.Time
	Backoff       time.Duration
	Reason        Reason
	// Strike is the 1-based position of this quarantine within the
	// rolling window.
	Strike int
}

// Expiry is the instant the credential becomes eligible again.
func (e Entry) Expiry() time.Time {
	return e.QuarantinedAt.Add(e.Backoff)
}

// Info is a point-in-time view of one credential for inspection surfaces.
type Info struct {
	Ref              Ref       `json:"ref"`
	Status           Status    `json:"status"`
	Leases           int64     `json:"leases"`
	Quarantines      int64     `json:"quarantines"`
	QuarantineReason string    `json:"quarantine_reason,omitempty"`
	QuarantinedUntil time.Time `json:"quarantined_until,omitzero"`
}

// EventKind names a credential lifecycle event.
type EventKind string

const (
	EventQuarantined EventKind = "quarantined"
	EventPromoted    EventKind = "promoted"
	EventReinstated  EventKind = "reinstated"
	EventRevoked     EventKind = "revoked"
)

// Event describes a credential lifecycle change.
type Event struct {
	Kind   EventKind
	Ref    Ref
	Reason string
	Until  time.Time
	At     time.Time
}

// Observer receives lifecycle events. It is called without any
// coordinator lock held and must not block for long.
type Observer func(Event)
