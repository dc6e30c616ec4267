// Package cmd implements the stanwasm command line.
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/3leaps/stanwasm/internal/config"
	"github.com/3leaps/stanwasm/internal/observability"
	"github.com/3leaps/stanwasm/internal/server/handlers"
)

// configKeyAnnotation marks a flag whose value overrides a config key.
const configKeyAnnotation = "stanwasm/config-key"

// AppIdentity names the binary and its configuration surface.
type AppIdentity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

var (
	cfgFile string

	versionInfo = handlers.VersionInfo{
		Version:   "dev",
		Commit:    "unknown",
		BuildDate: "unknown",
	}

	appIdentity *AppIdentity
)

var rootCmd = &cobra.Command{
	Use:   "stanwasm",
	Short: "Compile Stan models to WebAssembly",
	Long: `stanwasm compiles Stan programs into browser-loadable WebAssembly
modules and caches the results by content hash.

Run 'stanwasm serve' for the HTTP service used by the playground, or
'stanwasm compile model.stan' for a one-shot local compile.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentPreRunE = initConfig
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: ./stanwasm.yaml or $XDG_CONFIG_HOME/stanwasm/stanwasm.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
	bindFlag(rootCmd.PersistentFlags(), "log-level", "logging.level")
}

// bindFlag makes a changed flag override key in the loaded configuration.
func bindFlag(flags *pflag.FlagSet, name, key string) {
	_ = flags.SetAnnotation(name, configKeyAnnotation, []string{key})
}

// flagOverrides collects config overrides from the flags the user set.
func flagOverrides(cmd *cobra.Command) map[string]any {
	out := map[string]any{}
	cmd.Flags().Visit(func(f *pflag.Flag) {
		keys := f.Annotations[configKeyAnnotation]
		if len(keys) == 0 {
			return
		}
		out[keys[0]] = f.Value.String()
	})
	return out
}

func initConfig(cmd *cobra.Command, _ []string) error {
	appIdentity = &AppIdentity{
		BinaryName: cmd.Root().Name(),
		EnvPrefix:  config.EnvPrefix,
		ConfigName: config.ConfigName,
	}

	cfg, err := config.Load(cmd.Context(), config.Options{
		ConfigFile: cfgFile,
		Overrides:  flagOverrides(cmd),
	})
	if err != nil {
		return exitError(exitConfigError, "Failed to load configuration", err)
	}
	if err := observability.Init(cfg.Logging.Level, cfg.Logging.Profile); err != nil {
		return exitError(exitConfigError, "Failed to initialize logging", err)
	}
	observability.CLILogger.Debug("Configuration loaded",
		zap.String("jobs_dir", cfg.Jobs.Dir),
		zap.String("cache_dir", cfg.Cache.Dir),
		zap.String("toolchain_dir", cfg.Toolchain.Dir))
	return nil
}

// loadedConfig returns the configuration resolved by initConfig.
func loadedConfig() (*config.Config, error) {
	cfg := config.GetConfig()
	if cfg == nil {
		return nil, errors.New("configuration not loaded")
	}
	return cfg, nil
}

// SetVersionInfo records build metadata injected by the linker.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// GetAppIdentity returns the identity set during command initialization,
// or nil before any command has run.
func GetAppIdentity() *AppIdentity {
	return appIdentity
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	err := rootCmd.Execute()
	defer observability.Sync()
	if err == nil {
		return 0
	}
	_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
	return ExitCode(err)
}
