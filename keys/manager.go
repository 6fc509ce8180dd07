// Package keys manages the hybrid encryption keysets bound to the
// provisioning VM: generation, wrapping under the master key, public export
// and the stable key hash.
package keys

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/ruteri/tee-vm-provisioning/interfaces"
	"github.com/ruteri/tee-vm-provisioning/kms"
	"github.com/ruteri/tee-vm-provisioning/metrics"
	"github.com/tink-crypto/tink-go/v2/hybrid"
	"github.com/tink-crypto/tink-go/v2/keyset"
	tinkpb "github.com/tink-crypto/tink-go/v2/proto/tink_go_proto"
	"go.uber.org/atomic"
)

// DefaultKeyTemplate is ECIES over P-256 with HKDF-HMAC-SHA256 and AES-128-GCM.
func DefaultKeyTemplate() *tinkpb.KeyTemplate {
	return hybrid.ECIESHKDFAES128GCMKeyTemplate()
}

// Manager creates and (un)wraps keysets.
type Manager struct {
	masterKeys interfaces.MasterKeyProvider
	log        *slog.Logger

	templateFn func() *tinkpb.KeyTemplate
	template   atomic.Pointer[tinkpb.KeyTemplate]
}

// Option configures a Manager.
type Option func(*Manager)

// WithKeyTemplate replaces the template used by Generate.
func WithKeyTemplate(fn func() *tinkpb.KeyTemplate) Option {
	return func(m *Manager) {
		m.templateFn = fn
	}
}

// NewManager creates a manager wrapping keysets with keys from masterKeys.
func NewManager(masterKeys interfaces.MasterKeyProvider, log *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		masterKeys: masterKeys,
		log:        log,
		templateFn: DefaultKeyTemplate,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// keyTemplate resolves the template on first use. Concurrent first calls may
// each build it; they store equal values.
func (m *Manager) keyTemplate() *tinkpb.KeyTemplate {
	if t := m.template.Load(); t != nil {
		return t
	}
	t := m.templateFn()
	m.template.Store(t)
	return t
}

// Generate creates a fresh private keyset.
func (m *Manager) Generate() (*Keyset, error) {
	handle, err := keyset.NewHandle(m.keyTemplate())
	if err != nil {
		metrics.RecordKeysetOperation(metrics.OpGenerate, metrics.StatusError)
		return nil, &interfaces.SecurityError{Op: metrics.OpGenerate, Err: err}
	}

	metrics.RecordKeysetOperation(metrics.OpGenerate, metrics.StatusSuccess)
	return &Keyset{handle: handle, private: true}, nil
}

// LoadFromEncrypted unwraps a keyset produced by ExportEncrypted. A keyset
// that cannot be decrypted with the current master key yields a
// *StorageError wrapping ErrKeysetUnwrap; the caller has to regenerate it.
func (m *Manager) LoadFromEncrypted(ctx context.Context, data []byte) (*Keyset, error) {
	aead, err := kms.MasterAEAD(ctx, m.masterKeys)
	if err != nil {
		metrics.RecordKeysetOperation(metrics.OpUnwrap, metrics.StatusError)
		return nil, &interfaces.StorageError{Op: metrics.OpUnwrap, Err: err}
	}

	handle, err := keyset.Read(keyset.NewBinaryReader(bytes.NewReader(data)), aead)
	if err != nil {
		metrics.RecordKeysetOperation(metrics.OpUnwrap, metrics.StatusError)
		m.log.Warn("Failed to unwrap keyset, it has to be regenerated", "err", err)
		return nil, &interfaces.StorageError{Op: metrics.OpUnwrap, Err: fmt.Errorf("%w: %v", interfaces.ErrKeysetUnwrap, err)}
	}

	k, err := newKeyset(handle)
	if err != nil {
		metrics.RecordKeysetOperation(metrics.OpUnwrap, metrics.StatusError)
		return nil, &interfaces.SecurityError{Op: metrics.OpUnwrap, Err: err}
	}
	if !k.private {
		metrics.RecordKeysetOperation(metrics.OpUnwrap, metrics.StatusError)
		return nil, &interfaces.SecurityError{Op: metrics.OpUnwrap, Err: interfaces.ErrNoPrivateKey}
	}

	metrics.RecordKeysetOperation(metrics.OpUnwrap, metrics.StatusSuccess)
	return k, nil
}

// LoadPublic builds a public-only keyset from bytes produced by
// ExportPublic. Material containing secrets is rejected.
func (m *Manager) LoadPublic(data []byte) (*Keyset, error) {
	handle, err := keyset.ReadWithNoSecrets(keyset.NewBinaryReader(bytes.NewReader(data)))
	if err != nil {
		return nil, &interfaces.SecurityError{Op: "load_public", Err: fmt.Errorf("failed to parse public keyset: %w", err)}
	}

	k, err := newKeyset(handle)
	if err != nil {
		return nil, &interfaces.SecurityError{Op: "load_public", Err: err}
	}
	if k.private {
		return nil, &interfaces.SecurityError{Op: "load_public", Err: fmt.Errorf("keyset contains private keys")}
	}

	if _, err := hybrid.NewHybridEncrypt(handle); err != nil {
		return nil, &interfaces.SecurityError{Op: "load_public", Err: fmt.Errorf("keyset is not a hybrid encryption keyset: %w", err)}
	}

	return k, nil
}

// ExportEncrypted serializes a private keyset wrapped under the master key.
func (m *Manager) ExportEncrypted(ctx context.Context, k *Keyset) ([]byte, error) {
	if !k.private {
		return nil, k.fail(metrics.OpWrap, interfaces.ErrNoPrivateKey)
	}

	aead, err := kms.MasterAEAD(ctx, m.masterKeys)
	if err != nil {
		metrics.RecordKeysetOperation(metrics.OpWrap, metrics.StatusError)
		return nil, &interfaces.StorageError{Op: metrics.OpWrap, Err: err}
	}

	buf := new(bytes.Buffer)
	if err := k.handle.Write(keyset.NewBinaryWriter(buf), aead); err != nil {
		return nil, k.fail(metrics.OpWrap, fmt.Errorf("failed to wrap keyset: %w", err))
	}

	metrics.RecordKeysetOperation(metrics.OpWrap, metrics.StatusSuccess)
	return buf.Bytes(), nil
}
