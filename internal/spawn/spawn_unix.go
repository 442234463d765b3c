//go:build unix

package spawn

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// channelFD is the file descriptor a worker finds its end of the
// process channel on. It is fd 3: stdin/stdout/stderr occupy 0-2, and
// cmd.ExtraFiles places its first entry at 3 in the child.
const channelFD = 3

// Process is a spawned worker process and the supervisor's end of its
// process channel.
type Process struct {
	Cmd     *exec.Cmd
	Channel *net.UnixConn
}

// Spawn starts a worker process per opts, handing it one end of a fresh
// AF_UNIX socketpair as fd 3. The returned Process's Channel is the
// other end, already wrapped as a *net.UnixConn.
func Spawn(ctx context.Context, opts Options) (*Process, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("spawn: socketpair: %w", err)
	}

	parentFile := os.NewFile(uintptr(fds[0]), "bracken-channel-parent")
	childFile := os.NewFile(uintptr(fds[1]), "bracken-channel-child")
	defer childFile.Close()

	execPath := opts.Exec
	if execPath == "" {
		p, err := os.Executable()
		if err != nil {
			parentFile.Close()
			return nil, fmt.Errorf("spawn: resolve executable: %w", err)
		}
		execPath = p
	}

	args := make([]string, 0, len(opts.ExecArgv)+len(opts.Args))
	args = append(args, opts.ExecArgv...)
	args = append(args, opts.Args...)

	cmd := exec.CommandContext(ctx, execPath, args...)
	cmd.Env = append(append([]string{}, os.Environ()...), opts.Env...)
	cmd.ExtraFiles = []*os.File{childFile}

	if opts.Silent {
		cmd.Stdout = nil
		cmd.Stderr = nil
	} else {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	}

	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	setPdeathsig(cmd.SysProcAttr)

	if err := cmd.Start(); err != nil {
		parentFile.Close()
		return nil, fmt.Errorf("spawn: start: %w", err)
	}

	conn, err := net.FileConn(parentFile)
	parentFile.Close()
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("spawn: wrap channel: %w", err)
	}
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("spawn: unexpected channel type %T", conn)
	}

	return &Process{Cmd: cmd, Channel: unixConn}, nil
}

// ChildChannel returns the current process's end of the process
// channel, assuming it was started by Spawn. It must be called at most
// once per process.
func ChildChannel() (*net.UnixConn, error) {
	f := os.NewFile(channelFD, "bracken-channel-child")
	if f == nil {
		return nil, fmt.Errorf("spawn: channel fd %d not available", channelFD)
	}
	conn, err := net.FileConn(f)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("spawn: wrap channel: %w", err)
	}
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("spawn: unexpected channel type %T", conn)
	}
	return unixConn, nil
}

// Signal sends sig to the spawned process.
func (p *Process) Signal(sig os.Signal) error {
	if p.Cmd.Process == nil {
		return fmt.Errorf("spawn: process not started")
	}
	return p.Cmd.Process.Signal(sig)
}

// Wait blocks until the process exits, returning its exit error (nil
// on a clean exit).
func (p *Process) Wait() error {
	return p.Cmd.Wait()
}

// PID returns the spawned process's pid.
func (p *Process) PID() int {
	if p.Cmd.Process == nil {
		return 0
	}
	return p.Cmd.Process.Pid
}
