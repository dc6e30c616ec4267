package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/stanwasm/internal/observability"
	"github.com/3leaps/stanwasm/pkg/errkind"
	"github.com/3leaps/stanwasm/pkg/toolchain"
)

var compileCmd = &cobra.Command{
	Use:   "compile <file.stan>",
	Short: "Compile a Stan program through the local cache",
	Long: `Compile a Stan program with the configured toolchain and publish the
result into the cache, exactly as the HTTP service would. A program that is
already cached is not recompiled.

Examples:
  stanwasm compile model.stan
  stanwasm compile model.stan --json`,
	Args: cobra.ExactArgs(1),
	RunE: runCompile,
}

func init() {
	rootCmd.AddCommand(compileCmd)
	compileCmd.Flags().Bool("json", false, "Output as JSON")
	compileCmd.Flags().String("toolchain-dir", "", "TinyStan installation directory")
	bindFlag(compileCmd.Flags(), "toolchain-dir", "toolchain.dir")
}

type compileResult struct {
	ModelID   string            `json:"model_id"`
	Outcome   string            `json:"outcome"`
	Artifacts map[string]string `json:"artifacts"`
}

func runCompile(cmd *cobra.Command, args []string) error {
	cfg, err := loadedConfig()
	if err != nil {
		return exitError(exitConfigError, "Configuration unavailable", err)
	}
	if err := cfg.Validate(); err != nil {
		return exitError(exitConfigError, "Invalid configuration", err)
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read source", err)
	}

	svc := newService(cfg, observability.CLILogger)
	defer func() { _ = svc.Close(cmd.Context()) }()

	key, outcome, err := svc.CompileSource(cmd.Context(), data)
	if err != nil {
		if diag := errkind.Diagnostics(err); diag != "" {
			_, _ = fmt.Fprintln(cmd.ErrOrStderr(), diag)
		}
		return exitError(compileExitCode(err), "Compilation failed", err)
	}

	res := compileResult{
		ModelID:   key.String(),
		Outcome:   outcome.String(),
		Artifacts: make(map[string]string, len(toolchain.Artifacts)),
	}
	for _, name := range toolchain.Artifacts {
		res.Artifacts[name] = filepath.Join(svc.Cache().RootDir(), key.String(), name)
	}

	observability.CLILogger.Debug("Compile finished",
		zap.String("model_id", res.ModelID),
		zap.String("outcome", res.Outcome))

	out := cmd.OutOrStdout()
	if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	_, _ = fmt.Fprintf(out, "%s\t%s\n", res.ModelID, res.Outcome)
	return nil
}
