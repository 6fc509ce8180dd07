package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ruteri/tee-vm-provisioning/interfaces"
	"github.com/ruteri/tee-vm-provisioning/vm"
)

// Client calls the provisioning API.
type Client struct {
	BaseURL string
	Client  *http.Client
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{BaseURL: strings.TrimSuffix(baseURL, "/"), Client: http.DefaultClient}
}

// StatusError is returned for non-200 responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, strings.TrimSpace(e.Body))
}

// Provision provisions the VM and returns its descriptor.
func (c *Client) Provision(ctx context.Context, req vm.ProvisionRequest) (*interfaces.VMDescriptor, error) {
	var desc interfaces.VMDescriptor
	if err := c.do(ctx, http.MethodPost, "/api/v1/vm/provision", req, &desc); err != nil {
		return nil, err
	}
	return &desc, nil
}

// Delete deletes the named VM.
func (c *Client) Delete(ctx context.Context, req vm.DeleteRequest) error {
	return c.do(ctx, http.MethodPost, "/api/v1/vm/delete", req, nil)
}

// PublicKey returns the public keyset persisted for the VM.
func (c *Client) PublicKey(ctx context.Context) (*PublicKeyResponse, error) {
	var resp PublicKeyResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/vm/public_key", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Attest requests a measurement bound to contentBinding.
func (c *Client) Attest(ctx context.Context, contentBinding string) (*interfaces.AttestationResponse, error) {
	var resp interfaces.AttestationResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/attest", AttestRequest{ContentBinding: contentBinding}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("could not encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("could not initialize request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	httpClient := c.Client
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("could not request provisioning server: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("could not read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("could not parse response: %w", err)
	}
	return nil
}
