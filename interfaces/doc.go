// Package interfaces defines core interfaces and types for the protected
// download VM provisioning pipeline, separating interface definitions from
// implementations.
//
// # State Interfaces
//
// StateStore: per-client durable state. Reading an id that was never written
// yields nil without an error.
//
// StateBackend: durable key to opaque bytes store behind a StateStore
// (file, memory, S3, Vault or a mirrored combination).
//
// # VM Interfaces
//
// VMHost: the hypervisor facility owning named VM slots. It creates, configures,
// runs, deletes and exports VMs.
//
// VM: a handle to one slot. VMCallback receives its lifecycle notifications.
//
// # Collaborators
//
// MasterKeyProvider supplies the wrapping key for keysets at rest.
// AttestationClient supplies measurement tokens bound to content.
//
// # Errors
//
// ErrUnsupported, *VMLifecycleError, *SecurityError and *StorageError form the
// error taxonomy surfaced to callers. ErrConfigConflict is internal to VM
// provisioning. All of them work with errors.Is and errors.As.
package interfaces
