package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

const succeed = `printf 'loader' > "$STANWASM_JS" && printf 'module' > "$STANWASM_WASM"`

type env struct {
	jobsDir      string
	cacheDir     string
	toolchainDir string
}

// setupEnv points every configured directory into a temp tree and keeps the
// developer's config files out of the search path.
func setupEnv(t *testing.T, command string) env {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	root := t.TempDir()
	t.Chdir(root)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(root, "xdg"))
	t.Setenv("HOME", root)

	e := env{
		jobsDir:      filepath.Join(root, "jobs"),
		cacheDir:     filepath.Join(root, "compiled_models"),
		toolchainDir: filepath.Join(root, "tinystan"),
	}
	require.NoError(t, os.MkdirAll(filepath.Join(e.toolchainDir, "stan"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(e.toolchainDir, "Makefile"), []byte("all:\n"), 0o644))

	t.Setenv("STANWASM_JOBS_DIR", e.jobsDir)
	t.Setenv("STANWASM_CACHE_DIR", e.cacheDir)
	t.Setenv("STANWASM_TOOLCHAIN_DIR", e.toolchainDir)
	t.Setenv("STANWASM_TOOLCHAIN_COMMAND", command)
	t.Setenv("STANWASM_CACHE_POLL_INTERVAL", "10ms")
	t.Setenv("STANWASM_LOGGING_LEVEL", "error")
	return e
}

// execute runs the root command with args and returns combined output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	defer func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
		resetFlags(rootCmd)
	}()
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

// resetFlags restores every flag in the tree to its default so global
// command state does not leak between tests.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}
