package http

import (
	"time"

	"github.com/fyrsmithlabs/batchd/internal/checkpoint"
	"github.com/fyrsmithlabs/batchd/internal/credential"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// StatusResponse is the response body for GET /api/v1/status.
type StatusResponse struct {
	Status      string           `json:"status"` // idle, running, succeeded, partial or aborted
	Version     string           `json:"version,omitempty"`
	Batch       *BatchSummary    `json:"batch,omitempty"`
	Credentials CredentialCounts `json:"credentials"`
	Slots       SlotStatus       `json:"slots"`
}

// BatchSummary is a BatchState plus timing.
type BatchSummary struct {
	checkpoint.BatchState
	StartedAt      time.Time `json:"started_at"`
	ElapsedSeconds float64   `json:"elapsed_seconds"`
}

// BatchResponse is the response body for GET /api/v1/batch.
type BatchResponse struct {
	Batch BatchSummary        `json:"batch"`
	Tasks []checkpoint.Record `json:"tasks"`
}

// CredentialsResponse is the response body for GET /api/v1/credentials.
type CredentialsResponse struct {
	Credentials  []credential.Info `json:"credentials"`
	AllExhausted bool              `json:"all_exhausted"`
	NextExpiry   *time.Time        `json:"next_expiry,omitempty"`
}

// SlotStatus reports worker slot usage.
type SlotStatus struct {
	Capacity int `json:"capacity"`
	InUse    int `json:"in_use"`
}

// CredentialCounts counts credentials by status.
type CredentialCounts struct {
	Available   int        `json:"available"`
	Leased      int        `json:"leased"`
	Quarantined int        `json:"quarantined"`
	Revoked     int        `json:"revoked"`
	NextExpiry  *time.Time `json:"next_expiry,omitempty"`
}

// AllExhausted reports whether nothing is Available and at least one
// credential waits out a quarantine.
func (c CredentialCounts) AllExhausted() bool {
	return c.Available == 0 && c.Quarantined > 0
}

// CountCredentials tallies infos by status. expiry may be nil.
func CountCredentials(infos []credential.Info, expiry interface{ NextExpiry() (time.Time, bool) }) CredentialCounts {
	var c CredentialCounts
	for _, info := range infos {
		switch info.Status {
		case credential.StatusAvailable:
			c.Available++
		case credential.StatusLeased:
			c.Leased++
		case credential.StatusQuarantined:
			c.Quarantined++
		case credential.StatusRevoked:
			c.Revoked++
		}
	}
	if expiry != nil {
		if t, ok := expiry.NextExpiry(); ok {
			c.NextExpiry = &t
		}
	}
	return c
}
