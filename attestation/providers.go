package attestation

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	tdx_client "github.com/google/go-tdx-guest/client"
	"github.com/ruteri/tee-vm-provisioning/interfaces"
)

// Provider kinds accepted by ProviderFor.
const (
	KindTDX    = "qemu-tdx"
	KindRemote = "remote"
	KindDummy  = "dummy"
)

// ErrUnknownProvider is returned by ProviderFor for unknown kinds.
var ErrUnknownProvider = errors.New("unknown attestation provider")

// ProviderFor builds a provider by kind. address is only used by KindRemote.
func ProviderFor(kind, address string) (interfaces.AttestationProvider, error) {
	switch kind {
	case KindTDX:
		return &DCAPProvider{}, nil
	case KindRemote:
		if address == "" {
			return nil, fmt.Errorf("remote attestation provider requires an address")
		}
		return NewRemoteProvider(address), nil
	case KindDummy:
		return DummyProvider{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, kind)
	}
}

// DCAPProvider produces TDX quotes through configfs-tsm, falling back to
// the TDX guest device.
type DCAPProvider struct{}

func (DCAPProvider) Attest(reportData [64]byte) ([]byte, error) {
	qp := &tdx_client.LinuxConfigFsQuoteProvider{}
	if qp.IsSupported() == nil {
		return qp.GetRawQuote(reportData)
	}

	qd, err := tdx_client.OpenDevice()
	if err != nil {
		return nil, fmt.Errorf("failed to open tdx guest device: %w", err)
	}
	defer qd.Close()

	return tdx_client.GetRawQuote(qd, reportData)
}

// RemoteProvider fetches quotes from a quote provider service at
// <address>/attest/<hex report data>.
type RemoteProvider struct {
	Address string
	Client  *http.Client
}

// NewRemoteProvider creates a provider for the service at address.
func NewRemoteProvider(address string) *RemoteProvider {
	return &RemoteProvider{
		Address: strings.TrimSuffix(address, "/"),
		Client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *RemoteProvider) Attest(reportData [64]byte) ([]byte, error) {
	return p.AttestContext(context.Background(), reportData)
}

// AttestContext is Attest bounded by ctx.
func (p *RemoteProvider) AttestContext(ctx context.Context, reportData [64]byte) ([]byte, error) {
	url := fmt.Sprintf("%s/attest/%s", p.Address, hex.EncodeToString(reportData[:]))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling remote quote provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("remote quote provider returned status %d: %s", resp.StatusCode, string(body))
	}

	rawQuote, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading quote from response: %w", err)
	}
	return rawQuote, nil
}

// DummyProvider returns a fixed-format token. For development only.
type DummyProvider struct{}

func (DummyProvider) Attest(reportData [64]byte) ([]byte, error) {
	return []byte(fmt.Sprintf("dummy attestation for %x", reportData)), nil
}
