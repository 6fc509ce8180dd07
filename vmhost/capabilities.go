package vmhost

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/ruteri/tee-vm-provisioning/interfaces"
)

// ConfidentialTechnology names the hardware used for protected guests.
type ConfidentialTechnology string

const (
	TechnologyNone   ConfidentialTechnology = ""
	TechnologyTDX    ConfidentialTechnology = "tdx"
	TechnologySEVSNP ConfidentialTechnology = "sev-snp"
)

// DefaultQemuBinary returns the system emulator matching the host architecture.
func DefaultQemuBinary() string {
	if runtime.GOARCH == "arm64" {
		return "qemu-system-aarch64"
	}
	return "qemu-system-x86_64"
}

// hostInspector inspects the host below root. root is "/" outside of tests.
type hostInspector struct {
	root     string
	qemuPath func(string) (string, error)
}

func (p hostInspector) path(elem ...string) string {
	return filepath.Join(append([]string{p.root}, elem...)...)
}

func (p hostInspector) checkKVM() error {
	if _, err := os.Stat(p.path("dev", "kvm")); err != nil {
		return fmt.Errorf("kvm is not available: %w", err)
	}
	return nil
}

func (p hostInspector) checkQemu(bin string) error {
	lookPath := p.qemuPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	if _, err := lookPath(bin); err != nil {
		return fmt.Errorf("emulator %q not found: %w", bin, err)
	}
	return nil
}

func (p hostInspector) technology() ConfidentialTechnology {
	if moduleParamEnabled(p.path("sys", "module", "kvm_intel", "parameters", "tdx")) {
		return TechnologyTDX
	}
	if moduleParamEnabled(p.path("sys", "module", "kvm_amd", "parameters", "sev_snp")) {
		return TechnologySEVSNP
	}
	return TechnologyNone
}

// capabilities returns no capabilities and the reason when VMs cannot run at all.
func (p hostInspector) capabilities(bin string) (interfaces.Capabilities, ConfidentialTechnology, error) {
	if err := p.checkKVM(); err != nil {
		return 0, TechnologyNone, err
	}
	if err := p.checkQemu(bin); err != nil {
		return 0, TechnologyNone, err
	}

	caps := interfaces.CapabilityNonProtectedVM
	tech := p.technology()
	if tech != TechnologyNone {
		caps |= interfaces.CapabilityProtectedVM
	}
	return caps, tech, nil
}

func moduleParamEnabled(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	v := bytes.TrimSpace(data)
	return bytes.Equal(v, []byte("Y")) || bytes.Equal(v, []byte("1"))
}
