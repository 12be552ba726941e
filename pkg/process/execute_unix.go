//go:build !windows

package process

import (
	"errors"
	"os/exec"
	"syscall"
)

func shellArgs(command string) (string, []string) {
	return "/bin/sh", []string{"-c", command}
}

// setupProcessAttributes puts the child in a new process group
// so that signalling -pid reaches the shell and everything it spawned
func setupProcessAttributes(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}

func terminateProcessGroup(pid int) error {
	return signalGroup(pid, syscall.SIGTERM)
}

func killProcessGroup(pid int) error {
	return signalGroup(pid, syscall.SIGKILL)
}

// signalGroup falls back to the single pid when it does not lead a group,
// which is the case for pids read from a service's own pid file
func signalGroup(pid int, sig syscall.Signal) error {
	err := syscall.Kill(-pid, sig)
	if err == nil {
		return nil
	}
	if errors.Is(err, syscall.ESRCH) || errors.Is(err, syscall.EPERM) {
		err = syscall.Kill(pid, sig)
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
	}
	return err
}
