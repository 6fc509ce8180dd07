package vmhost

import (
	"context"
	"io"
	"net"
	"os"
	"os/exec"
	"syscall"

	"github.com/mdlayher/vsock"
)

// process is a running hypervisor process.
type process interface {
	Signal(sig os.Signal) error
	Kill() error
	Wait() error
}

// Launcher starts the hypervisor binary with args, sending its output to out.
type Launcher func(bin string, args []string, out io.Writer) (process, error)

// Dialer opens a stream to port inside the guest identified by cid.
type Dialer func(ctx context.Context, cid, port uint32) (net.Conn, error)

// ListenFunc opens the host side listener for guest notifications.
type ListenFunc func(port uint32) (net.Listener, error)

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Signal(sig os.Signal) error { return p.cmd.Process.Signal(sig) }
func (p *execProcess) Kill() error                { return p.cmd.Process.Kill() }
func (p *execProcess) Wait() error                { return p.cmd.Wait() }

func execLauncher(bin string, args []string, out io.Writer) (process, error) {
	cmd := exec.Command(bin, args...)
	cmd.Stdout = out
	cmd.Stderr = out
	// Keep qemu out of the provisioner's process group so terminal signals
	// reach it only through Close.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execProcess{cmd: cmd}, nil
}

func vsockDialer(ctx context.Context, cid, port uint32) (net.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return vsock.Dial(cid, port, nil)
}

func vsockListen(port uint32) (net.Listener, error) {
	return vsock.Listen(port, nil)
}

// trackedProcess releases the resources tied to a process once it exited.
type trackedProcess struct {
	process
	release func()
}

func (p *trackedProcess) Wait() error {
	err := p.process.Wait()
	p.release()
	return err
}
