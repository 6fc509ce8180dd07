package interfaces

import (
	"context"
	"net"
	"time"
)

// Capabilities is the bitset of VM kinds a host can run.
type Capabilities uint32

const (
	// CapabilityProtectedVM is set when the host can run confidential guests.
	CapabilityProtectedVM Capabilities = 1 << iota
	// CapabilityNonProtectedVM is set when the host can run regular guests.
	CapabilityNonProtectedVM
)

// Has reports whether all bits of flag are set.
func (c Capabilities) Has(flag Capabilities) bool {
	return c&flag == flag
}

// VMConfig describes a VM. APKPath, PayloadPath and Protected are fixed at
// creation; CPUs and MemoryMiB can be changed on an existing VM.
type VMConfig struct {
	APKPath     string `json:"apk_path"`
	PayloadPath string `json:"payload_path"`
	Protected   bool   `json:"protected"`
	Debug       bool   `json:"debug,omitempty"`
	CPUs        int    `json:"cpus,omitempty"`
	MemoryMiB   int    `json:"memory_mib,omitempty"`
}

// CompatibleWith reports whether other differs only in mutable fields.
func (c VMConfig) CompatibleWith(other VMConfig) bool {
	return c.APKPath == other.APKPath &&
		c.PayloadPath == other.PayloadPath &&
		c.Protected == other.Protected
}

// VMDescriptor is a transferable handle to a stopped, configured VM.
type VMDescriptor struct {
	Name       string    `json:"name"`
	Config     VMConfig  `json:"config"`
	BundlePath string    `json:"bundle_path"`
	GuestCID   uint32    `json:"guest_cid"`
	CreatedAt  time.Time `json:"created_at"`
}

// VMCallback receives lifecycle notifications of a running VM.
// OnPayloadStarted is informational; each of the other methods is terminal.
type VMCallback interface {
	OnPayloadStarted(vm VM)
	OnPayloadReady(vm VM)
	OnPayloadFinished(vm VM, exitCode int)
	OnError(vm VM, code int, message string)
	OnStopped(vm VM, reason string)
}

// VM is a handle to one named VM slot. Close stops the VM if it is running
// and releases the handle; it is safe to call more than once.
type VM interface {
	// Name returns the slot name.
	Name() string

	// Config returns the config the handle was opened with.
	Config() VMConfig

	// ConnectVsock opens a stream to a port inside the running guest.
	ConnectVsock(ctx context.Context, port uint32) (net.Conn, error)

	// ClearCallback detaches the callback registered by VMHost.Run.
	ClearCallback()

	// Close stops the VM and releases the handle.
	Close() error
}

// VMHost is the hypervisor facility that owns named VM slots.
type VMHost interface {
	// Capabilities returns what the host can run.
	Capabilities() Capabilities

	// GetOrCreate opens the named VM, creating it with cfg if it does not exist.
	GetOrCreate(ctx context.Context, name string, cfg VMConfig) (VM, error)

	// SetConfig applies cfg to an existing VM. Returns ErrConfigConflict when
	// immutable fields differ.
	SetConfig(ctx context.Context, vm VM, cfg VMConfig) error

	// Run starts the VM and reports lifecycle events to cb.
	Run(ctx context.Context, vm VM, cb VMCallback) error

	// Delete removes the named VM. Deleting an unknown name is not an error.
	Delete(ctx context.Context, name string) error

	// ToDescriptor exports a stopped VM. Returns ErrVMNotStopped if it still runs.
	ToDescriptor(ctx context.Context, vm VM) (*VMDescriptor, error)
}
