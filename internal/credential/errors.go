package credential

import (
	"errors"
	"fmt"
)

var (
	// ErrNoCredentialsAvailable means Acquire timed out while every usable
	// credential was leased. Retry the acquire.
	ErrNoCredentialsAvailable = errors.New("no credentials available")

	// ErrQuotaExhausted means Acquire timed out while the pool was held
	// down by quarantine: nothing Available, at least one Quarantined.
	ErrQuotaExhausted = errors.New("credential quota exhausted")

	// ErrCredentialRevoked means a credential was permanently removed
	// after a hard failure and needs operator attention.
	ErrCredentialRevoked = errors.New("credential revoked")

	// ErrInvalidLease means a lease was released twice or never issued.
	ErrInvalidLease = errors.New("invalid lease")

	// ErrUnknownCredential means a ref is not part of the configured set,
	// or the configured set itself is malformed.
	ErrUnknownCredential = errors.New("unknown credential")

	// ErrPoolDrained means no usable credential is left.
	ErrPoolDrained = errors.New("credential pool drained")

	// ErrNotAvailable means a status transition was attempted from the
	// wrong state.
	ErrNotAvailable = errors.New("credential not available")

	// ErrNotQuarantined means Reinstate was called on a credential that
	// is not in quarantine.
	ErrNotQuarantined = errors.New("credential not quarantined")
)

// RevokedError is returned by Release when a hard failure revoked the
// leased credential. It matches ErrCredentialRevoked.
type RevokedError struct {
	Ref Ref
}

func (e *RevokedError) Error() string {
	return fmt.Sprintf("credential %s revoked", e.Ref)
}

func (e *RevokedError) Unwrap() error {
	return ErrCredentialRevoked
}
