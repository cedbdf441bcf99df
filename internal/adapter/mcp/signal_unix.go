//go:build unix

package mcp

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup signals every process in the group led by proc. ESRCH from a
// group that already exited is harmless.
func signalGroup(proc *os.Process, kill bool) error {
	sig := unix.SIGTERM
	if kill {
		sig = unix.SIGKILL
	}
	if err := unix.Kill(-proc.Pid, sig); err != nil && err != unix.ESRCH {
		return proc.Signal(sig)
	}
	return nil
}
