package common

// ProtectedDownloadConfig holds the feature switches of protected downloads.
type ProtectedDownloadConfig struct {
	// Enabled turns protected download support on.
	Enabled bool

	// EnableAttestation turns measurement requests on. When off, callers get a NOT_RUN response.
	EnableAttestation bool

	// EnableVirtualMachines turns VM provisioning on. When off, provisioning is unsupported.
	EnableVirtualMachines bool
}

// VirtualMachinesEnabled reports whether VM provisioning may run.
func (c ProtectedDownloadConfig) VirtualMachinesEnabled() bool {
	return c.Enabled && c.EnableVirtualMachines
}

// AttestationEnabled reports whether measurement requests may run.
func (c ProtectedDownloadConfig) AttestationEnabled() bool {
	return c.Enabled && c.EnableAttestation
}
