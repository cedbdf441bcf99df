//go:build !unix

package mcp

import (
	"os"
	"os/exec"
)

func setProcessGroup(*exec.Cmd) {}

// signalGroup has no process groups to target here; both steps kill.
func signalGroup(proc *os.Process, _ bool) error {
	return proc.Kill()
}
