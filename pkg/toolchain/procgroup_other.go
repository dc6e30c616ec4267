//go:build !unix

package toolchain

import "os/exec"

func configureProcessGroup(cmd *exec.Cmd) {}
