package vmhost

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/ruteri/tee-vm-provisioning/interfaces"
)

const (
	bundleConfigFile = "config.json"
	consoleLogFile   = "console.log"

	// Guest CIDs 0-2 are reserved by the vsock address family.
	firstGuestCID uint32 = 3
)

var (
	// ErrInvalidVMName is returned for names that cannot be used as a bundle directory.
	ErrInvalidVMName = errors.New("invalid vm name")

	// ErrVMNotFound is returned when a bundle does not exist.
	ErrVMNotFound = errors.New("vm not found")

	vmNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,63}$`)
)

// bundle is the on-disk record of a named VM.
type bundle struct {
	Config    interfaces.VMConfig `json:"config"`
	GuestCID  uint32              `json:"guest_cid"`
	CreatedAt time.Time           `json:"created_at"`
}

func validateName(name string) error {
	if !vmNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidVMName, name)
	}
	return nil
}

func (h *QemuHost) bundleDir(name string) string {
	return filepath.Join(h.baseDir, name)
}

func (h *QemuHost) readBundle(name string) (*bundle, error) {
	data, err := os.ReadFile(filepath.Join(h.bundleDir(name), bundleConfigFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrVMNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read vm bundle: %w", err)
	}

	var b bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to parse vm bundle %s: %w", name, err)
	}
	return &b, nil
}

func (h *QemuHost) writeBundle(name string, b *bundle) error {
	dir := h.bundleDir(name)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create vm bundle: %w", err)
	}

	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal vm bundle: %w", err)
	}

	tmp := filepath.Join(dir, bundleConfigFile+".tmp")
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write vm bundle: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, bundleConfigFile)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to install vm bundle: %w", err)
	}
	return nil
}

// nextGuestCID returns the lowest CID not used by an existing bundle.
func (h *QemuHost) nextGuestCID() (uint32, error) {
	entries, err := os.ReadDir(h.baseDir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("failed to list vm bundles: %w", err)
	}

	used := make(map[uint32]bool)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		b, err := h.readBundle(e.Name())
		if err != nil {
			continue
		}
		used[b.GuestCID] = true
	}

	cid := firstGuestCID
	for used[cid] {
		cid++
	}
	return cid, nil
}
