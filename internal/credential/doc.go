// Package credential leases a fixed set of interchangeable API credentials
// to concurrent workers.
//
// Three pieces cooperate:
//
//   - Pool holds every configured credential and its status
//     (Available, Leased, Quarantined or Revoked).
//   - Ledger records quarantined credentials and computes their backoff
//     windows with an exponential policy (30s doubling to 15m by default).
//   - Coordinator is the only API workers use. Acquire leases a credential,
//     Release returns it with a classified Outcome, Sweep promotes
//     credentials whose quarantine expired.
//
// A credential is identified by an opaque Ref such as "cred-0". Secrets
// never enter this package's state; a Keyring maps refs back to secrets
// for the code that actually calls the API.
//
// When Acquire times out the failure is classified: ErrQuotaExhausted when
// every usable credential is leased or quarantined and at least one is
// quarantined, ErrNoCredentialsAvailable under plain contention, and
// ErrPoolDrained when every credential has been revoked.
package credential
