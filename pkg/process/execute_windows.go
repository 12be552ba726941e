//go:build windows

package process

import (
	"os"
	"os/exec"
	"syscall"
)

func shellArgs(command string) (string, []string) {
	return "cmd", []string{"/C", command}
}

func setupProcessAttributes(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}

// Windows has no portable graceful signal for detached groups
func terminateProcessGroup(pid int) error {
	return killProcessGroup(pid)
}

func killProcessGroup(pid int) error {
	process, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	return process.Kill()
}
