//go:build windows

package proc

import "os/exec"

// Windows has no POSIX process groups; signal the direct child and rely on
// WaitDelay for cleanup.

func setupProcessGroup(cmd *exec.Cmd) {}

func terminateGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

func killGroup(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}
