//go:build unix

package toolchain

import (
	"os/exec"
	"syscall"
)

// configureProcessGroup runs the shell in its own process group so a deadline
// kills make, the compiler, and every other descendant with it.
func configureProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
