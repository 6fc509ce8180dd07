package kms

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/crypto/argon2"
)

// SeedMasterKeyProvider derives the master key deterministically from a seed.
// The same seed and label always give the same key, suitable for development,
// testing and hosts that receive their seed from an external KMS.
type SeedMasterKeyProvider struct {
	seed  []byte
	label string

	once sync.Once
	key  []byte
}

// NewSeedMasterKeyProvider creates a provider for seed. The seed must be at
// least 32 bytes long. label separates keys derived from a shared seed.
func NewSeedMasterKeyProvider(seed []byte, label string) (*SeedMasterKeyProvider, error) {
	if len(seed) < 32 {
		return nil, errors.New("master key seed must be at least 32 bytes")
	}

	return &SeedMasterKeyProvider{
		seed:  append([]byte(nil), seed...),
		label: label,
	}, nil
}

// ReadOrGenerateMasterKey returns the derived key. Derivation runs once.
func (p *SeedMasterKeyProvider) ReadOrGenerateMasterKey(ctx context.Context) ([]byte, error) {
	p.once.Do(func() {
		p.key = DeriveMasterKey(p.seed, p.label)
	})
	return append([]byte(nil), p.key...), nil
}

// DeriveMasterKey derives a 32-byte master key from a seed using Argon2id.
//
// Parameters:
//   - seed: Secret material for key derivation
//   - label: Domain separation label, appended to the salt
func DeriveMasterKey(seed []byte, label string) []byte {
	salt := append([]byte("PD-MASTER-KEY-"), label...)

	// Parameters: time=1, memory=64*1024, threads=4, keyLen=32
	return argon2.IDKey(seed, salt, 1, 64*1024, 4, MasterKeySize)
}
