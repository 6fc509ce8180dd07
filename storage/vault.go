package storage

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/ruteri/tee-vm-provisioning/interfaces"
)

// VaultBackend implements a state backend on a HashiCorp Vault KV v2 mount.
// Values are stored base64 encoded under the "content" key of each secret.
type VaultBackend struct {
	client      *api.Client
	mountPath   string
	dataPath    string
	log         *slog.Logger
	locationURI string
}

// NewVaultClient creates a Vault API client. The token falls back to the
// VAULT_TOKEN environment variable. A client certificate is optional.
func NewVaultClient(address, token string, clientCert *tls.Certificate) (*api.Client, error) {
	config := api.DefaultConfig()
	config.Address = address

	transport := &http.Transport{}
	if clientCert != nil {
		transport.TLSClientConfig = &tls.Config{
			Certificates: []tls.Certificate{*clientCert},
		}
	}
	config.HttpClient = &http.Client{
		Transport: transport,
		Timeout:   30 * time.Second,
	}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if token != "" {
		client.SetToken(token)
	}

	return client, nil
}

// NewVaultBackend creates a new Vault state backend.
//
// Parameters:
//   - client: Vault API client, see NewVaultClient
//   - mountPath: KV v2 mount path (e.g. "secret")
//   - dataPath: Path within the mount (e.g. "pd/state")
//   - log: Structured logger for operational insights
func NewVaultBackend(client *api.Client, mountPath, dataPath string, log *slog.Logger) *VaultBackend {
	// Ensure paths are properly formatted
	mountPath = strings.Trim(mountPath, "/")
	dataPath = strings.Trim(dataPath, "/")

	return &VaultBackend{
		client:      client,
		mountPath:   mountPath,
		dataPath:    dataPath,
		log:         log,
		locationURI: fmt.Sprintf("vault://%s/%s/%s", client.Address(), mountPath, dataPath),
	}
}

// Get reads the value stored under key from the latest secret version.
func (b *VaultBackend) Get(ctx context.Context, key interfaces.StateKey) ([]byte, error) {
	start := time.Now()
	path := b.secretPath("data", key)

	secret, err := b.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		b.log.Error("Failed to read from Vault",
			slog.String("path", path),
			"err", err)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}

	if secret == nil || secret.Data == nil || secret.Data["data"] == nil {
		b.log.Debug("State not found in Vault", slog.String("path", path))
		return nil, interfaces.ErrContentNotFound
	}

	// Extract data from the response (KV v2 format)
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid data format in Vault response")
	}

	content, ok := data["content"].(string)
	if !ok {
		return nil, fmt.Errorf("content key not found in Vault data")
	}

	value, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return nil, fmt.Errorf("invalid content encoding in Vault data: %w", err)
	}

	b.log.Debug("Read state from Vault",
		slog.String("path", path),
		slog.Duration("duration", time.Since(start)))

	return value, nil
}

// Put writes a new secret version under key.
func (b *VaultBackend) Put(ctx context.Context, key interfaces.StateKey, value []byte) error {
	start := time.Now()
	path := b.secretPath("data", key)

	secretData := map[string]interface{}{
		"data": map[string]interface{}{
			"content": base64.StdEncoding.EncodeToString(value),
		},
	}

	if _, err := b.client.Logical().WriteWithContext(ctx, path, secretData); err != nil {
		b.log.Error("Failed to write to Vault",
			slog.String("path", path),
			"err", err)
		return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}

	b.log.Debug("Wrote state to Vault",
		slog.String("path", path),
		slog.Duration("duration", time.Since(start)))

	return nil
}

// Delete removes all versions of the secret under key.
func (b *VaultBackend) Delete(ctx context.Context, key interfaces.StateKey) error {
	path := b.secretPath("metadata", key)

	if _, err := b.client.Logical().DeleteWithContext(ctx, path); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	return nil
}

// Available checks if the Vault backend is accessible.
// It uses the health endpoint to verify that Vault is initialized and unsealed.
func (b *VaultBackend) Available(ctx context.Context) bool {
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := b.client.Sys().HealthWithContext(healthCtx)
	if err != nil {
		b.log.Debug("Vault health check failed", "err", err)
		return false
	}

	// Check if Vault is initialized and unsealed
	if !health.Initialized || health.Sealed {
		b.log.Debug("Vault is not available",
			slog.Bool("initialized", health.Initialized),
			slog.Bool("sealed", health.Sealed))
		return false
	}

	return true
}

// Name returns a unique identifier for this storage backend.
func (b *VaultBackend) Name() string {
	return fmt.Sprintf("vault-%s-%s", b.mountPath, b.dataPath)
}

// LocationURI returns the URI that identifies this storage backend.
func (b *VaultBackend) LocationURI() string {
	return b.locationURI
}

// secretPath builds a KV v2 path; kind is "data" or "metadata".
func (b *VaultBackend) secretPath(kind string, key interfaces.StateKey) string {
	if b.dataPath == "" {
		return fmt.Sprintf("%s/%s/%s", b.mountPath, kind, key.String())
	}
	return fmt.Sprintf("%s/%s/%s/%s", b.mountPath, kind, b.dataPath, key.String())
}
