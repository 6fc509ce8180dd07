// Package attestation produces measurement tokens bound to request content.
// A token is a hardware quote over the digest of the binding and the token
// expiry.
package attestation

import (
	"context"
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/ruteri/tee-vm-provisioning/interfaces"
	"github.com/ruteri/tee-vm-provisioning/metrics"
)

// MeasurementTTL is how long a measurement token is valid.
const MeasurementTTL = 10 * time.Minute

// ReportData derives the quote report data from the content binding and
// the token expiry: SHA-512(binding || uint64be(expiry unix seconds)).
func ReportData(contentBinding string, expiresAt time.Time) [64]byte {
	h := sha512.New()
	h.Write([]byte(contentBinding))
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(expiresAt.Unix()))
	h.Write(ts[:])

	var out [64]byte
	copy(out[:], h.Sum(nil))
	return out
}

type contextProvider interface {
	AttestContext(ctx context.Context, reportData [64]byte) ([]byte, error)
}

// Client requests measurements from an AttestationProvider.
type Client struct {
	provider interfaces.AttestationProvider
	log      *slog.Logger
	now      func() time.Time
}

// NewClient creates a client using provider.
func NewClient(provider interfaces.AttestationProvider, log *slog.Logger) *Client {
	return &Client{provider: provider, log: log, now: time.Now}
}

// RequestMeasurementWithContentBinding returns a token bound to
// contentBinding. A provider failure yields a FAILED response together
// with the error.
func (c *Client) RequestMeasurementWithContentBinding(ctx context.Context, contentBinding string) (interfaces.AttestationResponse, error) {
	if err := ctx.Err(); err != nil {
		return interfaces.AttestationResponse{Status: interfaces.AttestationFailed}, err
	}

	expiresAt := c.now().Add(MeasurementTTL).UTC().Truncate(time.Second)
	reportData := ReportData(contentBinding, expiresAt)

	var (
		token []byte
		err   error
	)
	if p, ok := c.provider.(contextProvider); ok {
		token, err = p.AttestContext(ctx, reportData)
	} else {
		token, err = c.provider.Attest(reportData)
	}
	if err != nil {
		metrics.RecordAttestation(string(interfaces.AttestationFailed))
		c.log.Error("Failed to obtain measurement", "err", err)
		return interfaces.AttestationResponse{Status: interfaces.AttestationFailed}, fmt.Errorf("failed to attest: %w", err)
	}

	metrics.RecordAttestation(string(interfaces.AttestationSuccess))
	return interfaces.AttestationResponse{
		Token:     token,
		Status:    interfaces.AttestationSuccess,
		ExpiresAt: expiresAt,
	}, nil
}

// NoopClient is used when attestation is disabled.
type NoopClient struct{}

func (NoopClient) RequestMeasurementWithContentBinding(context.Context, string) (interfaces.AttestationResponse, error) {
	metrics.RecordAttestation(string(interfaces.AttestationNotRun))
	return interfaces.AttestationResponse{Status: interfaces.AttestationNotRun}, nil
}
