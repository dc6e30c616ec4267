package cmd

import (
	"context"
	"fmt"
	"runtime"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/stanwasm/internal/config"
	"github.com/3leaps/stanwasm/internal/observability"
	"github.com/3leaps/stanwasm/internal/server/handlers"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the configuration, data directories, and
toolchain installation.

Examples:
  stanwasm doctor
  STANWASM_TOOLCHAIN_DIR=/tinystan stanwasm doctor`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

type doctorCheck struct {
	name string
	run  func(ctx context.Context) (string, error)
}

func doctorChecks(cfg *config.Config) []doctorCheck {
	return []doctorCheck{
		{"Go version", func(context.Context) (string, error) {
			return runtime.Version(), nil
		}},
		{"configuration", func(context.Context) (string, error) {
			if err := cfg.Validate(); err != nil {
				return "", err
			}
			return "valid", nil
		}},
		{"passcode", func(context.Context) (string, error) {
			if cfg.Auth.Passcode == "" {
				return "", fmt.Errorf("auth.passcode is empty; serve will refuse to start")
			}
			return "set", nil
		}},
		{"jobs directory", func(ctx context.Context) (string, error) {
			return cfg.Jobs.Dir, handlers.DirectoryChecker{Path: cfg.Jobs.Dir}.CheckHealth(ctx)
		}},
		{"cache directory", func(ctx context.Context) (string, error) {
			return cfg.Cache.Dir, handlers.DirectoryChecker{Path: cfg.Cache.Dir}.CheckHealth(ctx)
		}},
		{"toolchain", func(ctx context.Context) (string, error) {
			return cfg.Toolchain.Dir, handlers.ToolchainChecker{Dir: cfg.Toolchain.Dir}.CheckHealth(ctx)
		}},
	}
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	cfg, err := loadedConfig()
	if err != nil {
		return exitError(exitConfigError, "Configuration unavailable", err)
	}

	bannerName := "doctor"
	if identity := GetAppIdentity(); identity != nil && identity.BinaryName != "" {
		bannerName = identity.BinaryName + " doctor"
	}
	log := observability.CLILogger
	log.Info("=== " + bannerName + " ===")
	log.Info("Running diagnostic checks...")

	checks := doctorChecks(cfg)
	failed := 0
	for i, c := range checks {
		detail, err := c.run(cmd.Context())
		label := fmt.Sprintf("[%d/%d] Checking %s...", i+1, len(checks), c.name)
		if err != nil {
			failed++
			log.Error(label+" ❌", zap.Error(err))
			continue
		}
		log.Info(fmt.Sprintf("%s ✅ %s", label, detail))
	}

	if failed > 0 {
		log.Warn("⚠️  Some checks failed. Review the output above for details.", zap.Int("failed", failed))
		return exitError(foundry.ExitExternalServiceUnavailable, "Diagnostics failed", fmt.Errorf("%d of %d checks failed", failed, len(checks)))
	}
	log.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", bannerName))
	return nil
}
