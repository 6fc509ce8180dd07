package storage

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/ruteri/tee-vm-provisioning/interfaces"
)

// StorageBackendFactory creates state backends from location URIs and
// combines them into mirrored backends.
type StorageBackendFactory struct {
	log *slog.Logger
}

// NewStorageBackendFactory creates a new factory instance.
func NewStorageBackendFactory(logger *slog.Logger) *StorageBackendFactory {
	return &StorageBackendFactory{
		log: logger,
	}
}

// StorageBackendFor creates a state backend from a location URI.
// The URI format should be [scheme]://[auth@]host[:port][/path][?params]
//
// Supported schemes:
//   - file:// - Local filesystem storage
//   - memory:// - Process memory, lost on restart
//   - s3:// - Amazon S3 or compatible object storage
//   - vault:// - HashiCorp Vault KV v2
//
// Returns an error if the scheme is unsupported.
func (sf *StorageBackendFactory) StorageBackendFor(location interfaces.StorageBackendLocation) (interfaces.StateBackend, error) {
	switch location.Scheme {
	case "file":
		return sf.createFileBackend(location)
	case "memory":
		return NewMemoryBackend(location.Host), nil
	case "s3":
		return sf.createS3Backend(location)
	case "vault":
		return sf.createVaultBackend(location)
	default:
		return nil, fmt.Errorf("%w: unsupported backend scheme %q", interfaces.ErrInvalidLocationURI, location.Scheme)
	}
}

// CreateMultiBackend creates a mirrored backend from a list of location URIs.
// A single location yields that backend unwrapped. Any location that cannot
// be turned into a backend fails the whole call, since writes have to reach
// every configured location.
func (sf *StorageBackendFactory) CreateMultiBackend(locations []interfaces.StorageBackendLocation) (interfaces.StateBackend, error) {
	if len(locations) == 0 {
		return nil, fmt.Errorf("no storage locations configured")
	}

	backends := make([]interfaces.StateBackend, 0, len(locations))
	for _, location := range locations {
		backend, err := sf.StorageBackendFor(location)
		if err != nil {
			sf.log.Error("Failed to create storage backend",
				"err", err,
				slog.String("locationURI", location.String()))
			return nil, fmt.Errorf("failed to create backend for %s: %w", location.String(), err)
		}
		backends = append(backends, backend)
	}

	if len(backends) == 1 {
		return backends[0], nil
	}
	return NewMultiStorageBackend(backends, sf.log), nil
}

// createS3Backend creates an S3 or S3-compatible backend.
// URI format: s3://[ACCESS_KEY:SECRET_KEY@]bucket-name/path/?region=us-west-2&endpoint=custom.s3.com
func (sf *StorageBackendFactory) createS3Backend(location interfaces.StorageBackendLocation) (interfaces.StateBackend, error) {
	sf.log.Debug("Creating S3 backend", slog.String("uri", location.String()))

	region := location.GetParam("region")
	if region == "" {
		region = "us-east-1"
	}

	var accessKey, secretKey string
	if location.Auth != "" {
		accessKey, secretKey, _ = strings.Cut(location.Auth, ":")
	}

	return NewS3Backend(location.Host, strings.TrimPrefix(location.Path, "/"), region,
		location.GetParam("endpoint"), accessKey, secretKey, sf.log)
}

// createVaultBackend creates a Vault KV v2 backend.
// URI format: vault://[token@]host:port/mount/path?insecure=true
// The first path segment is the mount, the rest is the data path. Without
// a token in the URI the VAULT_TOKEN environment variable is used.
func (sf *StorageBackendFactory) createVaultBackend(location interfaces.StorageBackendLocation) (interfaces.StateBackend, error) {
	sf.log.Debug("Creating Vault backend", slog.String("host", location.Host))

	mount, dataPath, _ := strings.Cut(strings.Trim(location.Path, "/"), "/")
	if mount == "" {
		return nil, fmt.Errorf("%w: missing mount path in vault URI", interfaces.ErrInvalidLocationURI)
	}

	scheme := "https"
	if location.GetParamBool("insecure") {
		scheme = "http"
	}

	client, err := NewVaultClient(fmt.Sprintf("%s://%s", scheme, location.Host), location.Auth, nil)
	if err != nil {
		return nil, err
	}

	return NewVaultBackend(client, mount, dataPath, sf.log), nil
}

// createFileBackend creates a file system backend.
// URI format: file:///absolute/path/ or file://./relative/path/
func (sf *StorageBackendFactory) createFileBackend(location interfaces.StorageBackendLocation) (interfaces.StateBackend, error) {
	sf.log.Debug("Creating file backend", slog.String("uri", location.String()))

	path := location.Path
	if location.Host != "" {
		path = location.Host + "/" + strings.TrimPrefix(path, "/")
	}

	if path == "" {
		return nil, fmt.Errorf("%w: empty path in file URI %s", interfaces.ErrInvalidLocationURI, location.String())
	}

	return NewFileBackend(path, sf.log)
}
