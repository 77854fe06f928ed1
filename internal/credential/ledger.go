package credential

import (
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// LedgerConfig controls quarantine backoff.
type LedgerConfig struct {
	// RateLimitBase is the first backoff after a rate-limit signal.
	RateLimitBase time.Duration
	// TransientBase is the first backoff after an overload or timeout.
	TransientBase time.Duration
	// MaxBackoff caps every backoff window.
	MaxBackoff time.Duration
	// Window is how long a strike is remembered. A quarantine older than
	// Window no longer escalates the next one.
	Window time.Duration
}

// DefaultLedgerConfig returns 30s doubling to 15m, remembered for an hour.
func DefaultLedgerConfig() LedgerConfig {
	return LedgerConfig{
		RateLimitBase: 30 * time.Second,
		TransientBase: 30 * time.Second,
		MaxBackoff:    15 * time.Minute,
		Window:        time.Hour,
	}
}

func (c LedgerConfig) withDefaults() LedgerConfig {
	d := DefaultLedgerConfig()
	if c.RateLimitBase <= 0 {
		c.RateLimitBase = d.RateLimitBase
	}
	if c.TransientBase <= 0 {
		c.TransientBase = d.TransientBase
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	return c
}

type strikes struct {
	count int
	last  time.Time
}

// Ledger tracks quarantined credentials. Each key is updated atomically
// through sync.Map; there is no lock spanning a sweep. Callers serialize
// operations on the same ref.
type Ledger struct {
	cfg     LedgerConfig
	entries sync.Map // Ref -> *Entry
	history sync.Map // Ref -> strikes
}

// NewLedger creates an empty ledger. Zero config fields take defaults.
func NewLedger(cfg LedgerConfig) *Ledger {
	return &Ledger{cfg: cfg.withDefaults()}
}

// Config returns the effective configuration.
func (l *Ledger) Config() LedgerConfig {
	return l.cfg
}

// Quarantine records ref as quarantined at now, replacing any existing
// entry, and returns the new entry.
func (l *Ledger) Quarantine(ref Ref, reason Reason, now time.Time) Entry {
	prior := 0
	if v, ok := l.history.Load(ref); ok {
		s := v.(strikes)
		if now.Sub(s.last) < l.cfg.Window {
			prior = s.count
		}
	}

	e := &Entry{
		Ref:           ref,
		QuarantinedAt: now,
		Backoff:       l.Backoff(reason, prior),
		Reason:        reason,
		Strike:        prior + 1,
	}
	l.entries.Store(ref, e)
	l.history.Store(ref, strikes{count: prior + 1, last: now})
	return *e
}

// Backoff returns the window for a quarantine following prior strikes
// within the rolling window.
func (l *Ledger) Backoff(reason Reason, prior int) time.Duration {
	base := l.cfg.RateLimitBase
	if reason == ReasonTransientExhausted {
		base = l.cfg.TransientBase
	}

	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(base),
		backoff.WithRandomizationFactor(0),
		backoff.WithMultiplier(2),
		backoff.WithMaxInterval(l.cfg.MaxBackoff),
		backoff.WithMaxElapsedTime(0),
	)
	d := b.NextBackOff()
	for i := 0; i < prior && d < l.cfg.MaxBackoff; i++ {
		d = b.NextBackOff()
	}
	if d > l.cfg.MaxBackoff {
		d = l.cfg.MaxBackoff
	}
	return d
}

// SweepExpired removes and returns entries whose expiry is at or before
// now, earliest first.
func (l *Ledger) SweepExpired(now time.Time) []Entry {
	var out []Entry
	l.entries.Range(func(k, v any) bool {
		e := v.(*Entry)
		if !now.Before(e.Expiry()) && l.entries.CompareAndDelete(k, e) {
			out = append(out, *e)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		return out[i].Expiry().Before(out[j].Expiry())
	})
	return out
}

// Remove deletes ref's entry ahead of expiry. It reports false when no
// entry existed or a concurrent sweep removed it first.
func (l *Ledger) Remove(ref Ref) (Entry, bool) {
	v, ok := l.entries.Load(ref)
	if !ok {
		return Entry{}, false
	}
	if !l.entries.CompareAndDelete(ref, v) {
		return Entry{}, false
	}
	return *v.(*Entry), true
}

// Forgive clears ref's strike count after a clean lease cycle.
func (l *Ledger) Forgive(ref Ref) {
	l.history.Delete(ref)
}

// Get returns ref's entry if it is quarantined.
func (l *Ledger) Get(ref Ref) (Entry, bool) {
	v, ok := l.entries.Load(ref)
	if !ok {
		return Entry{}, false
	}
	return *v.(*Entry), true
}

// NextExpiry returns the earliest pending expiry.
func (l *Ledger) NextExpiry() (time.Time, bool) {
	var (
		next  time.Time
		found bool
	)
	l.entries.Range(func(_, v any) bool {
		exp := v.(*Entry).Expiry()
		if !found || exp.Before(next) {
			next, found = exp, true
		}
		return true
	})
	return next, found
}

// Len returns the number of quarantined credentials.
func (l *Ledger) Len() int {
	n := 0
	l.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
