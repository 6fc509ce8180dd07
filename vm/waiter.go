package vm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ruteri/tee-vm-provisioning/interfaces"
)

// lifecycleWaiter resolves exactly once, on the first terminal notification.
// The callback is detached from the VM as part of resolving so later
// notifications are never delivered.
type lifecycleWaiter struct {
	log *slog.Logger

	once sync.Once
	done chan struct{}
	err  error
}

func newLifecycleWaiter(log *slog.Logger) *lifecycleWaiter {
	return &lifecycleWaiter{log: log, done: make(chan struct{})}
}

func (w *lifecycleWaiter) resolve(vm interfaces.VM, event string, err error) {
	w.once.Do(func() {
		vm.ClearCallback()
		w.log.Debug("VM lifecycle resolved", "event", event)
		w.err = err
		close(w.done)
	})
}

func (w *lifecycleWaiter) OnPayloadStarted(vm interfaces.VM) {
	w.log.Info("VM payload started")
}

func (w *lifecycleWaiter) OnPayloadReady(vm interfaces.VM) {
	w.log.Info("VM payload ready")
	w.resolve(vm, "payload_ready", nil)
}

func (w *lifecycleWaiter) OnPayloadFinished(vm interfaces.VM, exitCode int) {
	w.resolve(vm, "payload_finished", &interfaces.VMLifecycleError{
		Stage: string(StageAwaitingPayloadReady),
		Code:  exitCode,
		Err:   fmt.Errorf("payload finished before it was ready"),
	})
}

func (w *lifecycleWaiter) OnError(vm interfaces.VM, code int, message string) {
	w.resolve(vm, "error", &interfaces.VMLifecycleError{
		Stage: string(StageAwaitingPayloadReady),
		Code:  code,
		Err:   fmt.Errorf("vm reported error: %s", message),
	})
}

func (w *lifecycleWaiter) OnStopped(vm interfaces.VM, reason string) {
	w.resolve(vm, "stopped", &interfaces.VMLifecycleError{
		Stage: string(StageAwaitingPayloadReady),
		Err:   fmt.Errorf("vm stopped: %s", reason),
	})
}

// wait blocks until the waiter resolved or ctx is done.
func (w *lifecycleWaiter) wait(ctx context.Context) error {
	select {
	case <-w.done:
		return w.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
