//go:build unix

package proc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// RunPTY runs the foreground child under a pseudo-terminal, mirroring the
// caller's window size and putting the caller's terminal into raw mode for
// keystroke passthrough. Like Run, cancellation terminates the child and
// reports 130.
func RunPTY(ctx context.Context, spec Spec) (int, error) {
	if len(spec.Command) == 0 {
		return 0, errors.New("empty command")
	}

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return 0, fmt.Errorf("starting %s under a pty: %w", spec.Command[0], err)
	}
	defer ptmx.Close()

	// Mirror the caller's window size, now and on every SIGWINCH.
	winch := make(chan os.Signal, 1)
	signal.Notify(winch, unix.SIGWINCH)
	defer signal.Stop(winch)
	go func() {
		for range winch {
			_ = pty.InheritSize(os.Stdin, ptmx)
		}
	}()
	winch <- unix.SIGWINCH

	if term.IsTerminal(int(os.Stdin.Fd())) {
		oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			return 0, fmt.Errorf("setting raw mode: %w", err)
		}
		defer term.Restore(int(os.Stdin.Fd()), oldState)
	}

	go func() { _, _ = io.Copy(ptmx, os.Stdin) }()
	go func() { _, _ = io.Copy(os.Stdout, ptmx) }()

	waited := make(chan error, 1)
	go func() { waited <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		if cmd.Process != nil {
			_ = cmd.Process.Signal(unix.SIGTERM)
		}
		<-waited
		return 130, ctx.Err()
	case err := <-waited:
		return exitStatus(err)
	}
}
