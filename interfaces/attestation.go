package interfaces

import (
	"context"
	"time"
)

// AttestationStatus is the outcome of a measurement request.
type AttestationStatus string

const (
	AttestationSuccess AttestationStatus = "SUCCESS"
	AttestationNotRun  AttestationStatus = "NOT_RUN"
	AttestationFailed  AttestationStatus = "FAILED"
)

// AttestationResponse carries an opaque measurement token.
// Token is empty unless Status is AttestationSuccess.
type AttestationResponse struct {
	Token     []byte            `json:"token,omitempty"`
	Status    AttestationStatus `json:"status"`
	ExpiresAt time.Time         `json:"expires_at,omitempty"`
}

// AttestationClient supplies measurement tokens bound to arbitrary content.
type AttestationClient interface {
	RequestMeasurementWithContentBinding(ctx context.Context, contentBinding string) (AttestationResponse, error)
}

// AttestationProvider produces raw attestation quotes over 64 bytes of report data.
type AttestationProvider interface {
	Attest(reportData [64]byte) ([]byte, error)
}
