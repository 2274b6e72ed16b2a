//go:build !windows

package driver

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

const (
	sigTerm = unix.SIGTERM
	sigKill = unix.SIGKILL
)

// setProcAttr puts the backend in its own process group so that helper
// processes it spawns are signalled with it.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup signals pid's process group, or pid alone if it has none.
func signalGroup(pid int, sig syscall.Signal) error {
	if pgid, err := unix.Getpgid(pid); err == nil && pgid > 0 {
		return unix.Kill(-pgid, sig)
	}
	return unix.Kill(pid, sig)
}
