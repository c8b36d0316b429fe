// Package proc spawns the supervisor's child processes and guarantees
// each one is torn down exactly once.
//
// Every child gets its own process group so termination reaches anything
// it forked. Terminate is safe to call from any exit path, any number of
// times, against a child in any state.
package proc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultGrace is how long Terminate waits between SIGTERM and SIGKILL.
const DefaultGrace = 5 * time.Second

// Spec describes one child process. Env is the full environment snapshot
// for the child; later changes to the supervisor's own environment do not
// reach an already-spawned child.
type Spec struct {
	Command []string
	Dir     string
	Env     []string
	Stdin   *os.File
	Stdout  *os.File
	Stderr  *os.File
	// Grace overrides DefaultGrace when positive.
	Grace time.Duration
}

// Handle owns one spawned child process. Create with Spawn only.
type Handle struct {
	cmd   *exec.Cmd
	grace time.Duration

	termOnce sync.Once
	done     chan struct{}

	mu       sync.Mutex
	exitCode int
	exitErr  error
}

// Spawn starts the child and returns immediately. The caller owns the
// returned Handle and must eventually call Wait or Terminate.
func Spawn(spec Spec) (*Handle, error) {
	if len(spec.Command) == 0 {
		return nil, errors.New("empty command")
	}

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.Stdin = spec.Stdin
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	cmd.SysProcAttr = sysProcAttr()

	grace := spec.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}

	h := &Handle{
		cmd:   cmd,
		grace: grace,
		done:  make(chan struct{}),
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", spec.Command[0], err)
	}
	go h.reap()
	return h, nil
}

func (h *Handle) reap() {
	code, err := exitStatus(h.cmd.Wait())

	h.mu.Lock()
	h.exitCode = code
	h.exitErr = err
	h.mu.Unlock()
	close(h.done)
}

// exitStatus turns a Wait error into an exit code. A nonzero exit is a
// result, not a failure; children killed by a signal report 128+signal.
func exitStatus(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var ee *exec.ExitError
	if !errors.As(err, &ee) {
		return 1, err
	}
	if status, ok := ee.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return 128 + int(status.Signal()), nil
	}
	return ee.ExitCode(), nil
}

// PID returns the child's process ID, or 0 before it started.
func (h *Handle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Done is closed once the child has exited and been reaped.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Exited reports whether the child has exited.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the child exits and returns its exit code. Children
// killed by a signal report 128+signal. The error is non-nil only for
// failures other than a nonzero exit.
func (h *Handle) Wait() (int, error) {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode, h.exitErr
}

// Terminate tears the child down: SIGTERM to its process group, a grace
// period, then SIGKILL. It runs at most once; later calls and calls
// against an already-exited child are no-ops, and it never fails.
func (h *Handle) Terminate() {
	h.termOnce.Do(h.terminate)
}

func (h *Handle) terminate() {
	if h.Exited() {
		return
	}
	h.signal(unix.SIGTERM)
	select {
	case <-h.done:
	case <-time.After(h.grace):
		h.signal(unix.SIGKILL)
		<-h.done
	}
}

// signal delivers sig to the child's process group, falling back to the
// process itself. "Already exited" errors are swallowed.
func (h *Handle) signal(sig unix.Signal) {
	if h.cmd.Process == nil {
		return
	}
	if pid := h.cmd.Process.Pid; pid > 0 {
		_ = unix.Kill(-pid, sig)
	}
	_ = h.cmd.Process.Signal(sig)
}

// WaitContext blocks until the child exits or ctx is cancelled.
// Cancellation terminates the child and reports 130, the shell convention
// for an interrupted foreground job.
func (h *Handle) WaitContext(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		h.Terminate()
		<-h.done
		return 130, ctx.Err()
	case <-h.done:
		return h.Wait()
	}
}
