// Package kms provides master key providers for wrapping keysets at rest.
//
// Every provider implements interfaces.MasterKeyProvider:
//
//	type MasterKeyProvider interface {
//	    // ReadOrGenerateMasterKey returns the wrapping key, creating it on first use.
//	    ReadOrGenerateMasterKey(ctx context.Context) ([]byte, error)
//	}
//
// The package includes these implementations:
//
// # FileMasterKeyProvider
//
// Keeps a random 32-byte key in a file with 0600 permissions. The key is
// created on first use and never rotated.
//
// # SeedMasterKeyProvider
//
// Derives the key from a seed with Argon2id. Suitable for development and
// for hosts that receive their seed from elsewhere:
//
//	provider, err := kms.NewSeedMasterKeyProvider(seed, "pd")
//
// # BackendMasterKeyProvider
//
// Keeps a random key in any interfaces.StateBackend, typically Vault:
//
//	backend, _ := factory.StorageBackendFor(vaultLocation)
//	provider := kms.NewBackendMasterKeyProvider(backend, logger)
//
// # Rotation
//
// None of the providers rotate keys. A keyset wrapped under a different key
// fails to unwrap with interfaces.ErrKeysetUnwrap and has to be regenerated.
//
// MasterAEAD turns a provider into the AES-256-GCM AEAD used for wrapping.
package kms
