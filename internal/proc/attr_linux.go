//go:build linux

package proc

import "golang.org/x/sys/unix"

// Children get their own process group so Terminate can signal the whole
// tree, and a parent-death signal so they cannot outlive a SIGKILLed
// supervisor.
func sysProcAttr() *unix.SysProcAttr {
	return &unix.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: unix.SIGKILL,
	}
}
