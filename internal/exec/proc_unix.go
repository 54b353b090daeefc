//go:build !windows

package exec

import (
	"os/exec"
	"syscall"
)

// killGroupOnCancel starts cmd in its own process group and makes
// cancellation kill the whole group, so children of "sh -c" die with it.
func killGroupOnCancel(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
			return cmd.Process.Kill()
		}
		return nil
	}
}
