package kms

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/ruteri/tee-vm-provisioning/interfaces"
	"github.com/ruteri/tee-vm-provisioning/metrics"
	"github.com/tink-crypto/tink-go/v2/aead/subtle"
	"github.com/tink-crypto/tink-go/v2/tink"
)

// MasterKeySize is the length of every master key in bytes.
const MasterKeySize = 32

// MasterKeyStateKey is the backend key the master key is stored under.
var MasterKeyStateKey = interfaces.NewStateKey("PD_MASTER_KEY")

// ErrInvalidMasterKey is returned when a stored master key has the wrong size.
var ErrInvalidMasterKey = errors.New("invalid master key")

// FileMasterKeyProvider keeps the master key in a file readable only by the owner.
// The key is generated on first use.
type FileMasterKeyProvider struct {
	path string
	log  *slog.Logger

	mu  sync.Mutex
	key []byte
}

// NewFileMasterKeyProvider creates a provider backed by the file at path.
func NewFileMasterKeyProvider(path string, log *slog.Logger) *FileMasterKeyProvider {
	return &FileMasterKeyProvider{path: path, log: log}
}

// ReadOrGenerateMasterKey returns the stored key, creating it if the file does not exist.
func (p *FileMasterKeyProvider) ReadOrGenerateMasterKey(ctx context.Context) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.key != nil {
		return append([]byte(nil), p.key...), nil
	}

	key, err := os.ReadFile(p.path)
	switch {
	case err == nil:
		if len(key) != MasterKeySize {
			return nil, fmt.Errorf("%w: %s holds %d bytes", ErrInvalidMasterKey, p.path, len(key))
		}
	case errors.Is(err, os.ErrNotExist):
		key, err = p.generate()
		if err != nil {
			return nil, err
		}
		p.log.Info("Generated new master key", slog.String("path", p.path))
	default:
		return nil, fmt.Errorf("failed to read master key: %w", err)
	}

	p.key = key
	return append([]byte(nil), key...), nil
}

func (p *FileMasterKeyProvider) generate() ([]byte, error) {
	key := make([]byte, MasterKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate master key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(p.path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create master key directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p.path), ".master-key-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create master key file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(key); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("failed to write master key: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("failed to sync master key: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("failed to close master key file: %w", err)
	}

	// Link fails if another process created the key first; that key wins.
	err = os.Link(tmp.Name(), p.path)
	if errors.Is(err, os.ErrExist) {
		existing, err := os.ReadFile(p.path)
		if err != nil {
			return nil, fmt.Errorf("failed to read master key: %w", err)
		}
		if len(existing) != MasterKeySize {
			return nil, fmt.Errorf("%w: %s holds %d bytes", ErrInvalidMasterKey, p.path, len(existing))
		}
		return existing, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to install master key: %w", err)
	}

	return key, nil
}

// BackendMasterKeyProvider keeps the master key in a state backend, typically
// Vault. The key is generated on first use.
type BackendMasterKeyProvider struct {
	backend interfaces.StateBackend
	log     *slog.Logger

	mu  sync.Mutex
	key []byte
}

// NewBackendMasterKeyProvider creates a provider storing its key in backend.
func NewBackendMasterKeyProvider(backend interfaces.StateBackend, log *slog.Logger) *BackendMasterKeyProvider {
	return &BackendMasterKeyProvider{backend: backend, log: log}
}

// ReadOrGenerateMasterKey returns the stored key, creating it if the backend has none.
func (p *BackendMasterKeyProvider) ReadOrGenerateMasterKey(ctx context.Context) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.key != nil {
		return append([]byte(nil), p.key...), nil
	}

	key, err := p.backend.Get(ctx, MasterKeyStateKey)
	switch {
	case err == nil:
		if len(key) != MasterKeySize {
			return nil, fmt.Errorf("%w: %s holds %d bytes", ErrInvalidMasterKey, p.backend.Name(), len(key))
		}
	case errors.Is(err, interfaces.ErrContentNotFound):
		key = make([]byte, MasterKeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("failed to generate master key: %w", err)
		}
		if err := p.backend.Put(ctx, MasterKeyStateKey, key); err != nil {
			return nil, fmt.Errorf("failed to store master key: %w", err)
		}
		p.log.Info("Generated new master key", slog.String("backend", p.backend.Name()))
	default:
		return nil, fmt.Errorf("failed to read master key: %w", err)
	}

	p.key = key
	return append([]byte(nil), key...), nil
}

// MasterAEAD returns an AES-256-GCM AEAD keyed with the provider's master key.
func MasterAEAD(ctx context.Context, provider interfaces.MasterKeyProvider) (tink.AEAD, error) {
	key, err := provider.ReadOrGenerateMasterKey(ctx)
	if err != nil {
		metrics.RecordError(metrics.OpMasterKeyLoad, "unavailable")
		return nil, fmt.Errorf("failed to load master key: %w", err)
	}

	aead, err := subtle.NewAESGCM(key)
	if err != nil {
		return nil, &interfaces.SecurityError{Op: metrics.OpMasterKeyLoad, Err: err}
	}
	return aead, nil
}
