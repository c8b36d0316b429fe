//go:build unix && !linux

package proc

import "golang.org/x/sys/unix"

// Children get their own process group so Terminate can signal the whole
// tree. Pdeathsig is Linux-only.
func sysProcAttr() *unix.SysProcAttr {
	return &unix.SysProcAttr{Setpgid: true}
}
