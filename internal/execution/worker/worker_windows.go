package worker

import (
	"os/exec"
	"syscall"
)

// Windows has no process groups or SIGTERM, every signal kills.
func killProcess(cmd *exec.Cmd, _ syscall.Signal) error {
	return cmd.Process.Kill()
}

func initCmd(cmd *exec.Cmd) {
	// no-op on windows
}
