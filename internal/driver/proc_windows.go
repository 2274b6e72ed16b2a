//go:build windows

package driver

import (
	"os"
	"os/exec"
	"syscall"
)

type signal int

const (
	sigTerm signal = iota
	sigKill
)

func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}

// signalGroup has no graceful variant on Windows; both signals kill.
func signalGroup(pid int, _ signal) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}
