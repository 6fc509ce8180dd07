package vmhost

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/ruteri/tee-vm-provisioning/interfaces"
)

const (
	// DefaultReadyPort is the host vsock port guests report lifecycle events to.
	DefaultReadyPort uint32 = 5700

	// DefaultStopGrace is how long Close waits after SIGTERM before killing qemu.
	DefaultStopGrace = 10 * time.Second

	defaultCPUs      = 2
	defaultMemoryMiB = 2048
)

var (
	// ErrAlreadyRunning is returned by Run for a VM that has a live process.
	ErrAlreadyRunning = errors.New("vm is already running")

	// ErrHandleClosed is returned when a closed handle is used.
	ErrHandleClosed = errors.New("vm handle is closed")

	errForeignHandle = errors.New("vm handle was not created by this host")
)

// QemuHost runs named VMs with qemu on KVM. Each VM is a bundle directory
// below the base directory holding its config and console log.
type QemuHost struct {
	baseDir   string
	qemuBin   string
	readyPort uint32
	stopGrace time.Duration
	log       *slog.Logger

	inspect hostInspector
	launch  Launcher
	dial    Dialer
	listen  ListenFunc

	mu      sync.Mutex
	running map[string]*qemuVM
}

// Option configures a QemuHost.
type Option func(*QemuHost)

// WithQemuBinary overrides the emulator binary.
func WithQemuBinary(bin string) Option {
	return func(h *QemuHost) { h.qemuBin = bin }
}

// WithReadyPort overrides the host vsock port for guest notifications.
func WithReadyPort(port uint32) Option {
	return func(h *QemuHost) { h.readyPort = port }
}

// WithStopGrace overrides the SIGTERM grace period.
func WithStopGrace(d time.Duration) Option {
	return func(h *QemuHost) { h.stopGrace = d }
}

// WithSysRoot reads /dev and /sys below root instead of "/".
func WithSysRoot(root string) Option {
	return func(h *QemuHost) { h.inspect.root = root }
}

// WithBinaryLookup replaces the PATH lookup of the emulator binary.
func WithBinaryLookup(fn func(string) (string, error)) Option {
	return func(h *QemuHost) { h.inspect.qemuPath = fn }
}

// WithLauncher replaces process creation.
func WithLauncher(l Launcher) Option {
	return func(h *QemuHost) { h.launch = l }
}

// WithDialer replaces the vsock dialer used by VM.ConnectVsock.
func WithDialer(d Dialer) Option {
	return func(h *QemuHost) { h.dial = d }
}

// WithListener replaces the vsock listener for guest notifications.
func WithListener(l ListenFunc) Option {
	return func(h *QemuHost) { h.listen = l }
}

// NewQemuHost creates a host keeping VM bundles below baseDir.
func NewQemuHost(baseDir string, log *slog.Logger, opts ...Option) *QemuHost {
	h := &QemuHost{
		baseDir:   baseDir,
		qemuBin:   DefaultQemuBinary(),
		readyPort: DefaultReadyPort,
		stopGrace: DefaultStopGrace,
		log:       log,
		inspect:   hostInspector{root: "/"},
		launch:    execLauncher,
		dial:      vsockDialer,
		listen:    vsockListen,
		running:   make(map[string]*qemuVM),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Capabilities checks KVM, the emulator binary and confidential guest support.
func (h *QemuHost) Capabilities() interfaces.Capabilities {
	caps, _, err := h.inspect.capabilities(h.qemuBin)
	if err != nil {
		h.log.Warn("Virtual machines are not supported on this host", "err", err)
	}
	return caps
}

// GetOrCreate opens the named VM, creating its bundle with cfg if absent.
// An existing VM keeps its stored config; use SetConfig to reconcile.
func (h *QemuHost) GetOrCreate(ctx context.Context, name string, cfg interfaces.VMConfig) (interfaces.VM, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	b, err := h.readBundle(name)
	if errors.Is(err, ErrVMNotFound) {
		cid, err := h.nextGuestCID()
		if err != nil {
			return nil, err
		}
		b = &bundle{Config: cfg, GuestCID: cid, CreatedAt: time.Now().UTC()}
		if err := h.writeBundle(name, b); err != nil {
			return nil, err
		}
		h.log.Info("Created vm", slog.String("name", name), slog.Uint64("cid", uint64(cid)))
	} else if err != nil {
		return nil, err
	}

	return h.newVM(name, b), nil
}

// SetConfig rewrites the mutable fields of the VM config. Immutable fields
// that differ yield ErrConfigConflict.
func (h *QemuHost) SetConfig(ctx context.Context, vm interfaces.VM, cfg interfaces.VMConfig) error {
	v, err := h.own(vm)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	b, err := h.readBundle(v.name)
	if err != nil {
		return err
	}
	if !b.Config.CompatibleWith(cfg) {
		return fmt.Errorf("%w: %s was created for %s (protected=%t)",
			interfaces.ErrConfigConflict, v.name, b.Config.APKPath, b.Config.Protected)
	}

	b.Config = cfg
	if err := h.writeBundle(v.name, b); err != nil {
		return err
	}

	v.mu.Lock()
	v.cfg = cfg
	v.mu.Unlock()
	return nil
}

// Run starts qemu for the VM and reports guest notifications and process
// exit to cb. It returns once the process is started.
func (h *QemuHost) Run(ctx context.Context, vm interfaces.VM, cb interfaces.VMCallback) error {
	v, err := h.own(vm)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	_, tech, _ := h.inspect.capabilities(h.qemuBin)

	v.mu.Lock()
	proc, err := h.start(v, tech, cb)
	v.mu.Unlock()
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.running[v.name] = v
	h.mu.Unlock()

	go func() {
		err := proc.Wait()
		h.mu.Lock()
		if h.running[v.name] == v {
			delete(h.running, v.name)
		}
		h.mu.Unlock()
		v.markStopped(err)
	}()

	h.log.Info("Started vm", slog.String("name", v.name), slog.Bool("protected", v.Config().Protected), slog.String("technology", string(tech)))
	return nil
}

// start launches qemu for v. v.mu must be held.
func (h *QemuHost) start(v *qemuVM, tech ConfidentialTechnology, cb interfaces.VMCallback) (process, error) {
	if v.closed {
		return nil, ErrHandleClosed
	}
	if v.proc != nil {
		return nil, ErrAlreadyRunning
	}
	if v.cfg.Protected && tech == TechnologyNone {
		return nil, fmt.Errorf("%w: no confidential guest support", interfaces.ErrUnsupported)
	}

	ln, err := h.listen(h.readyPort)
	if err != nil {
		return nil, fmt.Errorf("failed to listen for guest notifications: %w", err)
	}

	console, err := os.OpenFile(filepath.Join(h.bundleDir(v.name), consoleLogFile), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("failed to open console log: %w", err)
	}

	args := h.qemuArgs(v.name, v.cid, v.cfg, tech)
	h.log.Debug("Starting qemu", slog.String("name", v.name), slog.Any("args", args))

	proc, err := h.launch(h.qemuBin, args, console)
	if err != nil {
		ln.Close()
		console.Close()
		return nil, fmt.Errorf("failed to start qemu: %w", err)
	}

	v.proc = &trackedProcess{process: proc, release: func() {
		ln.Close()
		console.Close()
	}}
	v.cb = cb
	v.stopped = make(chan struct{})

	go v.acceptNotifications(ln, v.cid, v.deliver)
	return v.proc, nil
}

// Delete stops a running instance of the VM and removes its bundle.
// Unknown names are ignored.
func (h *QemuHost) Delete(ctx context.Context, name string) error {
	if err := validateName(name); err != nil {
		return err
	}

	h.mu.Lock()
	live := h.running[name]
	h.mu.Unlock()

	if live != nil {
		if err := live.Close(); err != nil {
			return fmt.Errorf("failed to stop vm before deletion: %w", err)
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := os.RemoveAll(h.bundleDir(name)); err != nil {
		return fmt.Errorf("failed to remove vm bundle: %w", err)
	}
	h.log.Info("Deleted vm", slog.String("name", name))
	return nil
}

// ToDescriptor waits for the VM to stop and exports it. Returns
// ErrVMNotStopped when ctx ends first.
func (h *QemuHost) ToDescriptor(ctx context.Context, vm interfaces.VM) (*interfaces.VMDescriptor, error) {
	v, err := h.own(vm)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	stopped := v.stopped
	v.mu.Unlock()

	if stopped != nil {
		select {
		case <-stopped:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", interfaces.ErrVMNotStopped, ctx.Err())
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	return &interfaces.VMDescriptor{
		Name:       v.name,
		Config:     v.cfg,
		BundlePath: h.bundleDir(v.name),
		GuestCID:   v.cid,
		CreatedAt:  v.createdAt,
	}, nil
}

func (h *QemuHost) own(vm interfaces.VM) (*qemuVM, error) {
	v, ok := vm.(*qemuVM)
	if !ok || v.host != h {
		return nil, errForeignHandle
	}
	return v, nil
}

func (h *QemuHost) qemuArgs(name string, cid uint32, cfg interfaces.VMConfig, tech ConfidentialTechnology) []string {
	cpus := cfg.CPUs
	if cpus <= 0 {
		cpus = defaultCPUs
	}
	mem := cfg.MemoryMiB
	if mem <= 0 {
		mem = defaultMemoryMiB
	}

	machine := "q35"
	var args []string
	if cfg.Protected {
		switch tech {
		case TechnologyTDX:
			machine += ",kernel-irqchip=split,confidential-guest-support=cgs"
			args = append(args, "-object", "tdx-guest,id=cgs")
		case TechnologySEVSNP:
			machine += ",confidential-guest-support=cgs"
			args = append(args, "-object", "sev-snp-guest,id=cgs,cbitpos=51,reduced-phys-bits=1")
		}
	}

	args = append(args,
		"-name", name,
		"-machine", machine,
		"-enable-kvm",
		"-cpu", "host",
		"-smp", strconv.Itoa(cpus),
		"-m", strconv.Itoa(mem)+"M",
		"-nodefaults",
		"-no-user-config",
		"-no-reboot",
		"-display", "none",
		"-vga", "none",
		"-drive", "file="+cfg.APKPath+",format=raw,if=virtio,readonly=on",
		"-device", "vhost-vsock-pci,guest-cid="+strconv.FormatUint(uint64(cid), 10),
		"-fw_cfg", "name=opt/pd/payload,string="+cfg.PayloadPath,
		"-fw_cfg", "name=opt/pd/ready_port,string="+strconv.FormatUint(uint64(h.readyPort), 10),
	)

	if cfg.Debug {
		args = append(args, "-serial", "stdio")
	} else {
		args = append(args, "-serial", "none")
	}
	return args
}
