// Package toolchain runs the external Stan-to-WebAssembly compiler.
//
// The toolchain is treated as an opaque process: given a source file it either
// produces the two artifact files next to it or fails. Invoker enforces a hard
// wall-clock deadline and captures diagnostics.
package toolchain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/stanwasm/pkg/errkind"
)

// Artifact names produced by a successful compile of main.stan.
const (
	ArtifactJS   = "main.js"
	ArtifactWasm = "main.wasm"
)

// Artifacts lists the outputs in publish order: the module before its loader.
var Artifacts = []string{ArtifactWasm, ArtifactJS}

// IsArtifact reports whether name is one of the two servable artifacts.
func IsArtifact(name string) bool {
	for _, a := range Artifacts {
		if a == name {
			return true
		}
	}
	return false
}

// DefaultCommand builds the JS loader target, then strips the wasm module.
const DefaultCommand = `emmake make "$STANWASM_JS" && emstrip "$STANWASM_WASM"`

// DefaultTimeout bounds a single compile.
const DefaultTimeout = 5 * time.Minute

// waitDelay bounds how long Wait lingers on inherited pipes after a kill.
const waitDelay = 5 * time.Second

// Environment variables exported to the toolchain command.
const (
	EnvSource = "STANWASM_SOURCE"
	EnvJS     = "STANWASM_JS"
	EnvWasm   = "STANWASM_WASM"
)

// Compiler is the contract the compilation cache depends on.
type Compiler interface {
	Invoke(ctx context.Context, sourceFile string) (*Result, error)
}

// Invoker runs Command through sh with the toolchain installation as its
// working directory.
type Invoker struct {
	// Dir is the toolchain installation (tinystan checkout).
	Dir string

	// Command is the shell command line. Empty means DefaultCommand.
	Command string

	// Timeout is the wall-clock limit. Zero means DefaultTimeout.
	Timeout time.Duration

	// Logger receives invocation events. Nil disables logging.
	Logger *zap.Logger
}

// Result describes a successful invocation.
type Result struct {
	Duration time.Duration
	ExitCode int
	Stdout   []byte
	Stderr   []byte

	// Artifacts maps artifact name to its path in the workspace.
	Artifacts map[string]string
}

// Targets returns the artifact paths the toolchain must produce for sourceFile.
func Targets(sourceFile string) (js, wasm string) {
	base := strings.TrimSuffix(sourceFile, filepath.Ext(sourceFile))
	return base + ".js", base + ".wasm"
}

// Invoke compiles sourceFile. The returned error classifies as
// CompilationTimedOut, CompilationFailed, or ArtifactNotFound.
func (i *Invoker) Invoke(ctx context.Context, sourceFile string) (*Result, error) {
	log := i.Logger
	if log == nil {
		log = zap.NewNop()
	}

	timeout := i.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	command := i.Command
	if strings.TrimSpace(command) == "" {
		command = DefaultCommand
	}

	absSource, err := filepath.Abs(sourceFile)
	if err != nil {
		return nil, fmt.Errorf("resolve source path: %w", err)
	}
	jsTarget, wasmTarget := Targets(absSource)
	workDir := filepath.Dir(absSource)

	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(tctx, "sh", "-c", command)
	cmd.Dir = i.Dir
	cmd.Env = append(os.Environ(),
		EnvSource+"="+absSource,
		EnvJS+"="+jsTarget,
		EnvWasm+"="+wasmTarget,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay
	configureProcessGroup(cmd)

	log.Info("Launching toolchain",
		zap.String("source", absSource),
		zap.String("toolchain_dir", i.Dir),
		zap.Duration("timeout", timeout))

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}

	if ctxErr := tctx.Err(); ctxErr != nil && runErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			log.Warn("Toolchain exceeded deadline",
				zap.String("source", absSource),
				zap.Duration("timeout", timeout),
				zap.Duration("elapsed", elapsed))
			return nil, &errkind.TimeoutError{
				Timeout:     timeout,
				Diagnostics: diagnostics(workDir, stdout.Bytes(), stderr.Bytes(), nil),
			}
		}
		return nil, fmt.Errorf("compilation cancelled: %w", ctxErr)
	}

	if runErr != nil || exitCode != 0 {
		diag := diagnostics(workDir, stdout.Bytes(), stderr.Bytes(), runErr)
		log.Info("Toolchain exited with failure",
			zap.String("source", absSource),
			zap.Int("exit_code", exitCode),
			zap.Duration("elapsed", elapsed),
			zap.String("stderr", strings.TrimSpace(stderr.String())))
		return nil, &errkind.CompileError{ExitCode: exitCode, Diagnostics: diag}
	}

	artifacts := map[string]string{
		filepath.Base(jsTarget):   jsTarget,
		filepath.Base(wasmTarget): wasmTarget,
	}
	for name, path := range artifacts {
		if info, err := os.Stat(path); err != nil || !info.Mode().IsRegular() {
			log.Error("Toolchain reported success without producing artifact",
				zap.String("source", absSource),
				zap.String("artifact", name))
			return nil, errkind.Wrap(errkind.KindArtifactNotFound, "compile", name,
				errors.New("toolchain exited 0 but did not produce the artifact"))
		}
	}

	log.Info("Toolchain completed",
		zap.String("source", absSource),
		zap.Duration("elapsed", elapsed))

	return &Result{
		Duration:  elapsed,
		ExitCode:  exitCode,
		Stdout:    stdout.Bytes(),
		Stderr:    stderr.Bytes(),
		Artifacts: artifacts,
	}, nil
}

// diagnostics picks the most useful captured stream and drops workspace
// paths so server-side locations are not reported to clients.
func diagnostics(workDir string, stdout, stderr []byte, runErr error) string {
	out := stderr
	if len(bytes.TrimSpace(out)) == 0 {
		out = stdout
	}
	out = bytes.ReplaceAll(out, []byte(workDir+string(filepath.Separator)), nil)
	text := strings.TrimSpace(string(out))
	if text == "" && runErr != nil {
		text = runErr.Error()
	}
	return text
}
