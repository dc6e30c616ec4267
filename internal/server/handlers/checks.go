package handlers

import (
	"context"
	"fmt"
	"os"

	"github.com/3leaps/stanwasm/pkg/toolchain"
)

// DirectoryChecker verifies that Path is a writable directory.
type DirectoryChecker struct {
	Path string
}

func (c DirectoryChecker) CheckHealth(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	info, err := os.Stat(c.Path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", c.Path)
	}
	f, err := os.CreateTemp(c.Path, ".health-*")
	if err != nil {
		return fmt.Errorf("%s is not writable: %w", c.Path, err)
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

// ToolchainChecker verifies the toolchain installation at Dir.
type ToolchainChecker struct {
	Dir string
}

func (c ToolchainChecker) CheckHealth(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return toolchain.Validate(c.Dir)
}
