// Package vm provisions the protected download VM: it brings the named VM up,
// waits for its payload, fetches the payload's public key, persists it and
// exports the stopped VM as a descriptor.
package vm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ruteri/tee-vm-provisioning/common"
	"github.com/ruteri/tee-vm-provisioning/interfaces"
	"github.com/ruteri/tee-vm-provisioning/keys"
	"github.com/ruteri/tee-vm-provisioning/metrics"
	"github.com/ruteri/tee-vm-provisioning/secureservice"
)

// DefaultVMName is the single VM slot used for protected downloads.
const DefaultVMName = "pd_vm"

// ErrInvalidRequest is returned for requests missing required fields.
var ErrInvalidRequest = errors.New("invalid request")

// ProvisionRequest selects the image and payload to run.
type ProvisionRequest struct {
	APKPath     string `json:"apk_path"`
	PayloadPath string `json:"payload_path"`
}

// DeleteRequest names the VM to delete. An empty name means the manager's VM.
type DeleteRequest struct {
	Name string `json:"name,omitempty"`
}

// Resources are the mutable VM settings applied on every provisioning.
type Resources struct {
	CPUs      int
	MemoryMiB int
	Debug     bool
}

// Manager runs the provisioning state machine against a VM host.
type Manager struct {
	host    interfaces.VMHost
	states  interfaces.StateStore
	flags   common.ProtectedDownloadConfig
	log     *slog.Logger
	locks   *common.NamedLocks
	keyMgr  *keys.Manager
	vmName  string
	port    uint32
	res     Resources
	timeout time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithVMName overrides DefaultVMName.
func WithVMName(name string) Option {
	return func(m *Manager) { m.vmName = name }
}

// WithSecureServicePort overrides secureservice.DefaultPort.
func WithSecureServicePort(port uint32) Option {
	return func(m *Manager) { m.port = port }
}

// WithResources sets CPUs, memory and debug mode of the VM.
func WithResources(res Resources) Option {
	return func(m *Manager) { m.res = res }
}

// WithKeyValidation checks that the key returned by the VM is a public
// hybrid keyset before it is persisted, and logs its stable hash.
func WithKeyValidation(keyMgr *keys.Manager) Option {
	return func(m *Manager) { m.keyMgr = keyMgr }
}

// WithReadyTimeout bounds the wait for the payload to become ready.
// Zero waits until the caller's context is done.
func WithReadyTimeout(d time.Duration) Option {
	return func(m *Manager) { m.timeout = d }
}

// NewManager creates a manager. host may be nil on machines without a VM
// facility, in which case every operation fails with ErrUnsupported.
func NewManager(host interfaces.VMHost, states interfaces.StateStore, flags common.ProtectedDownloadConfig, log *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		host:   host,
		states: states,
		flags:  flags,
		log:    log,
		locks:  common.NewNamedLocks(),
		vmName: DefaultVMName,
		port:   secureservice.DefaultPort,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// VMName returns the name of the managed VM slot.
func (m *Manager) VMName() string {
	return m.vmName
}

func (m *Manager) checkSupported() error {
	if !m.flags.VirtualMachinesEnabled() {
		return fmt.Errorf("%w: virtual machines are disabled", interfaces.ErrUnsupported)
	}
	if m.host == nil {
		return fmt.Errorf("%w: no vm host", interfaces.ErrUnsupported)
	}
	if !m.host.Capabilities().Has(interfaces.CapabilityProtectedVM) {
		return interfaces.ErrUnsupported
	}
	return nil
}

// handle closes the underlying VM at most once.
type handle struct {
	vm   interfaces.VM
	once sync.Once
	err  error
}

func (h *handle) Close() error {
	h.once.Do(func() {
		h.err = h.vm.Close()
	})
	return h.err
}

// provisioning tracks one Provision call.
type provisioning struct {
	m     *Manager
	log   *slog.Logger
	stage Stage
	vm    *handle
}

func (p *provisioning) enter(stage Stage) {
	p.log.Debug("Provisioning stage", slog.String("from", p.stage.String()), slog.String("to", stage.String()))
	p.stage = stage
}

func (p *provisioning) fail(err error) error {
	var lifecycleErr *interfaces.VMLifecycleError
	if errors.As(err, &lifecycleErr) {
		return err
	}
	return &interfaces.VMLifecycleError{Stage: p.stage.String(), Err: err}
}

func (p *provisioning) release() {
	if p.vm == nil {
		return
	}
	if err := p.vm.Close(); err != nil {
		p.log.Warn("Failed to close vm", "err", err)
	}
}

// Provision brings up the VM, stores the public key of its secure service
// under interfaces.VMClientID and returns the descriptor of the stopped VM.
// The VM handle is closed on every return path.
func (m *Manager) Provision(ctx context.Context, req ProvisionRequest) (desc *interfaces.VMDescriptor, err error) {
	start := time.Now()
	p := &provisioning{m: m, log: m.log.With(slog.String("vm", m.vmName)), stage: StageIdle}

	defer func() {
		p.release()
		stage := p.stage
		if err != nil {
			metrics.RecordProvisioning(stage.String(), metrics.StatusError, time.Since(start).Seconds())
			p.enter(StageFailed)
			p.log.Error("Provisioning failed", slog.String("stage", stage.String()), "err", err)
			return
		}
		metrics.RecordProvisioning(stage.String(), metrics.StatusSuccess, time.Since(start).Seconds())
	}()

	if err := m.checkSupported(); err != nil {
		return nil, err
	}
	if req.APKPath == "" || req.PayloadPath == "" {
		return nil, p.fail(fmt.Errorf("%w: apk_path and payload_path are required", ErrInvalidRequest))
	}

	unlock, err := m.locks.Lock(ctx, m.vmName)
	if err != nil {
		return nil, p.fail(fmt.Errorf("failed to acquire vm lock: %w", err))
	}
	defer func() {
		p.release()
		unlock()
	}()

	cfg := interfaces.VMConfig{
		APKPath:     req.APKPath,
		PayloadPath: req.PayloadPath,
		Protected:   true,
		Debug:       m.res.Debug,
		CPUs:        m.res.CPUs,
		MemoryMiB:   m.res.MemoryMiB,
	}

	if err := p.resolve(ctx, cfg); err != nil {
		return nil, p.fail(err)
	}

	if err := p.awaitReady(ctx); err != nil {
		return nil, p.fail(err)
	}

	if err := p.exchangeKeys(ctx); err != nil {
		return nil, p.fail(err)
	}

	p.enter(StageStopping)
	if err := p.vm.Close(); err != nil {
		return nil, p.fail(fmt.Errorf("failed to stop vm: %w", err))
	}

	desc, err = m.host.ToDescriptor(ctx, p.vm.vm)
	if err != nil {
		return nil, p.fail(fmt.Errorf("failed to export vm descriptor: %w", err))
	}
	p.enter(StageDescriptorReady)

	p.log.Info("Provisioned vm", slog.Uint64("cid", uint64(desc.GuestCID)), slog.Duration("duration", time.Since(start)))
	return desc, nil
}

// resolve opens the VM and applies cfg. A VM that rejects cfg is deleted
// and created again, once.
func (p *provisioning) resolve(ctx context.Context, cfg interfaces.VMConfig) error {
	host := p.m.host

	p.enter(StageResolving)
	vm, err := host.GetOrCreate(ctx, p.m.vmName, cfg)
	if err != nil {
		return fmt.Errorf("failed to open vm: %w", err)
	}
	p.vm = &handle{vm: vm}

	p.enter(StageConfigApplying)
	setErr := host.SetConfig(ctx, vm, cfg)
	if setErr == nil {
		return nil
	}

	p.enter(StageConfigConflictRecovery)
	p.log.Warn("Failed to apply vm config, recreating vm", "err", setErr,
		slog.Bool("conflict", errors.Is(setErr, interfaces.ErrConfigConflict)))
	metrics.RecordConfigConflictRecovery()

	if err := p.vm.Close(); err != nil {
		p.log.Warn("Failed to close vm before recreation", "err", err)
	}
	p.vm = nil

	if err := host.Delete(ctx, p.m.vmName); err != nil {
		return errors.Join(setErr, fmt.Errorf("failed to delete vm: %w", err))
	}

	vm, err = host.GetOrCreate(ctx, p.m.vmName, cfg)
	if err != nil {
		return errors.Join(setErr, fmt.Errorf("failed to recreate vm: %w", err))
	}
	p.vm = &handle{vm: vm}
	return nil
}

func (p *provisioning) awaitReady(ctx context.Context) error {
	waiter := newLifecycleWaiter(p.log)

	p.enter(StageStarting)
	if err := p.m.host.Run(ctx, p.vm.vm, waiter); err != nil {
		return fmt.Errorf("failed to start vm: %w", err)
	}

	p.enter(StageAwaitingPayloadReady)
	waitCtx := ctx
	if p.m.timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, p.m.timeout)
		defer cancel()
	}

	if err := waiter.wait(waitCtx); err != nil {
		p.vm.vm.ClearCallback()
		return err
	}
	return nil
}

// exchangeKeys fetches the secure service key and persists it. The write
// has completed when it returns nil.
func (p *provisioning) exchangeKeys(ctx context.Context) error {
	p.enter(StageKeyExchanging)

	state, err := p.m.states.ReadState(ctx, interfaces.VMClientID)
	if err != nil {
		return fmt.Errorf("failed to read vm state: %w", err)
	}
	if state == nil {
		def := interfaces.DefaultClientPersistentState()
		state = &def
	}

	key, err := p.fetchPublicKey(ctx)
	if err != nil {
		metrics.RecordError(metrics.OpKeyExchange, "secure_service")
		return err
	}

	if p.m.keyMgr != nil {
		pub, err := p.m.keyMgr.LoadPublic(key)
		if err != nil {
			return fmt.Errorf("vm returned an invalid public keyset: %w", err)
		}
		hash, err := keys.StableHash(pub)
		if err != nil {
			return err
		}
		p.log.Info("Received vm public key", slog.String("stable_hash", hash.String()))
	}

	p.enter(StagePersistingState)
	if err := p.m.states.WriteState(ctx, interfaces.VMClientID, state.WithExternalKeyset(key)); err != nil {
		return fmt.Errorf("failed to persist vm public key: %w", err)
	}
	return nil
}

func (p *provisioning) fetchPublicKey(ctx context.Context) ([]byte, error) {
	conn, err := p.vm.vm.ConnectVsock(ctx, p.m.port)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to secure service: %w", err)
	}

	client := secureservice.NewClient(conn, p.log)
	defer client.Close()

	key, err := client.GetSerializedPublicKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get public key: %w", err)
	}
	return key, nil
}

// Delete removes the named VM.
func (m *Manager) Delete(ctx context.Context, req DeleteRequest) (err error) {
	start := time.Now()
	defer func() {
		metrics.RecordProvisioning(StageDeleting.String(), metrics.Status(err), time.Since(start).Seconds())
	}()

	if err := m.checkSupported(); err != nil {
		return err
	}

	name := req.Name
	if name == "" {
		name = m.vmName
	}

	unlock, err := m.locks.Lock(ctx, name)
	if err != nil {
		return &interfaces.VMLifecycleError{Stage: StageDeleting.String(), Err: err}
	}
	defer unlock()

	if err := m.host.Delete(ctx, name); err != nil {
		m.log.Error("Failed to delete vm", slog.String("vm", name), "err", err)
		return &interfaces.VMLifecycleError{Stage: StageDeleting.String(), Err: err}
	}

	m.log.Info("Deleted vm", slog.String("vm", name))
	return nil
}
