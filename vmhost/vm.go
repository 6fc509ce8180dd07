package vmhost

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/ruteri/tee-vm-provisioning/interfaces"
	"github.com/ruteri/tee-vm-provisioning/metrics"
)

type qemuVM struct {
	name      string
	cid       uint32
	createdAt time.Time
	host      *QemuHost
	log       *slog.Logger

	mu      sync.Mutex
	cfg     interfaces.VMConfig
	cb      interfaces.VMCallback
	proc    process
	stopped chan struct{}
	exitErr error
	closed  bool

	closeOnce sync.Once
	closeErr  error
}

func (h *QemuHost) newVM(name string, b *bundle) *qemuVM {
	return &qemuVM{
		name:      name,
		cid:       b.GuestCID,
		createdAt: b.CreatedAt,
		host:      h,
		log:       h.log.With(slog.String("vm", name)),
		cfg:       b.Config,
	}
}

func (v *qemuVM) Name() string { return v.name }

func (v *qemuVM) Config() interfaces.VMConfig {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cfg
}

func (v *qemuVM) ConnectVsock(ctx context.Context, port uint32) (net.Conn, error) {
	v.mu.Lock()
	closed := v.closed
	v.mu.Unlock()
	if closed {
		return nil, ErrHandleClosed
	}

	conn, err := v.host.dial(ctx, v.cid, port)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to guest %d port %d: %w", v.cid, port, err)
	}
	return conn, nil
}

func (v *qemuVM) ClearCallback() {
	v.mu.Lock()
	v.cb = nil
	v.mu.Unlock()
}

// Close detaches the callback and stops the process, escalating to SIGKILL
// after the grace period.
func (v *qemuVM) Close() error {
	v.closeOnce.Do(func() {
		v.mu.Lock()
		v.closed = true
		v.cb = nil
		proc, stopped := v.proc, v.stopped
		v.mu.Unlock()

		if proc == nil {
			return
		}

		select {
		case <-stopped:
			return
		default:
		}

		if err := proc.Signal(syscall.SIGTERM); err != nil {
			v.log.Debug("Failed to signal qemu", "err", err)
		}

		select {
		case <-stopped:
		case <-time.After(v.host.stopGrace):
			v.log.Warn("qemu did not stop in time, killing it")
			if err := proc.Kill(); err != nil {
				v.closeErr = fmt.Errorf("failed to kill qemu: %w", err)
				return
			}
			<-stopped
		}
		v.log.Info("Stopped vm")
	})
	return v.closeErr
}

func (v *qemuVM) callback() interfaces.VMCallback {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cb
}

func (v *qemuVM) deliver(n Notification) {
	metrics.RecordVMEvent(n.Event)

	cb := v.callback()
	if cb == nil {
		return
	}

	switch n.Event {
	case EventPayloadStarted:
		cb.OnPayloadStarted(v)
	case EventPayloadReady:
		cb.OnPayloadReady(v)
	case EventPayloadFinished:
		cb.OnPayloadFinished(v, n.ExitCode)
	case EventError:
		cb.OnError(v, n.Code, n.Message)
	default:
		v.log.Warn("Ignoring unknown guest notification", slog.String("event", n.Event))
	}
}

func (v *qemuVM) markStopped(err error) {
	v.mu.Lock()
	v.exitErr = err
	close(v.stopped)
	cb := v.cb
	v.mu.Unlock()

	reason := "qemu exited"
	if err != nil {
		reason = fmt.Sprintf("qemu exited: %v", err)
	}
	metrics.RecordVMEvent("stopped")
	v.log.Info("vm process exited", slog.String("reason", reason))

	if cb != nil {
		cb.OnStopped(v, reason)
	}
}
