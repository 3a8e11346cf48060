//go:build !windows

package worker

import (
	"errors"
	"os/exec"
	"syscall"
)

func killProcess(cmd *exec.Cmd, sig syscall.Signal) error {
	pid := cmd.Process.Pid

	if pgid, err := syscall.Getpgid(pid); err == nil {
		// negative pid signals every process in the group
		err = syscall.Kill(-pgid, sig)
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return err
	}

	return cmd.Process.Signal(sig)
}

func initCmd(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}
