package toolchain

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Validate checks that dir looks like a tinystan installation: a Makefile and
// a stan/ source tree.
func Validate(dir string) error {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return fmt.Errorf("toolchain directory is not configured")
	}

	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("toolchain directory %s: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("toolchain path %s is not a directory", dir)
	}

	makefile, err := os.Stat(filepath.Join(dir, "Makefile"))
	stanDir, serr := os.Stat(filepath.Join(dir, "stan"))
	if err != nil || !makefile.Mode().IsRegular() || serr != nil || !stanDir.IsDir() {
		return fmt.Errorf("toolchain path %s does not appear to contain a working installation (need Makefile and stan/)", dir)
	}
	return nil
}
