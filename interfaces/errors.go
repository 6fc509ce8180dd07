package interfaces

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupported is returned when the host lacks protected VM support or no
	// VM facility is available. Retrying does not help.
	ErrUnsupported = errors.New("protected VMs are not supported on this host")

	// ErrConfigConflict is returned by a VM host when an existing VM was created
	// with a configuration that cannot be changed in place.
	ErrConfigConflict = errors.New("vm config conflicts with existing vm")

	// ErrNoPrivateKey is returned when decrypting or exporting secrets of a public-only keyset.
	ErrNoPrivateKey = errors.New("keyset has no private key")

	// ErrUnsupportedKeyType is returned when a key cannot be reduced to a stable hash input.
	ErrUnsupportedKeyType = errors.New("unsupported key type")

	// ErrStateCorrupted is returned when persisted state bytes fail to decode.
	ErrStateCorrupted = errors.New("persisted state is corrupted")

	// ErrKeysetUnwrap is returned when a wrapped keyset cannot be decrypted with the
	// current master key. The keyset has to be regenerated.
	ErrKeysetUnwrap = errors.New("failed to unwrap keyset with master key")

	// ErrVMNotStopped is returned when a descriptor is requested for a running VM.
	ErrVMNotStopped = errors.New("vm is not stopped")
)

// VMLifecycleError reports a failure at a given provisioning stage.
// Code carries the exit or error code reported by the VM when there is one.
type VMLifecycleError struct {
	Stage string
	Code  int
	Err   error
}

func (e *VMLifecycleError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("vm lifecycle failed at %s (code %d): %v", e.Stage, e.Code, e.Err)
	}
	return fmt.Sprintf("vm lifecycle failed at %s: %v", e.Stage, e.Err)
}

func (e *VMLifecycleError) Unwrap() error {
	return e.Err
}

// SecurityError reports a failed cryptographic operation.
type SecurityError struct {
	Op  string
	Err error
}

func (e *SecurityError) Error() string {
	return fmt.Sprintf("security error in %s: %v", e.Op, e.Err)
}

func (e *SecurityError) Unwrap() error {
	return e.Err
}

// StorageError reports a failed persisted state read, write or decode.
type StorageError struct {
	Op       string
	ClientID ClientID
	Err      error
}

func (e *StorageError) Error() string {
	if e.ClientID != "" {
		return fmt.Sprintf("storage %s failed for client %q: %v", e.Op, string(e.ClientID), e.Err)
	}
	return fmt.Sprintf("storage %s failed: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
