package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/stanwasm/internal/config"
	"github.com/3leaps/stanwasm/internal/observability"
	"github.com/3leaps/stanwasm/internal/server"
	"github.com/3leaps/stanwasm/internal/server/handlers"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the compile HTTP service",
	Long: `Run the HTTP service that compiles Stan programs for the playground.

The service shuts down gracefully on SIGINT, SIGTERM, or an authorized
POST /restart (when auth.restart_token is set). Compile routes require
the bearer passcode from auth.passcode.

Examples:
  STANWASM_AUTH_PASSCODE=secret stanwasm serve --toolchain-dir /tinystan
  stanwasm serve --config stanwasm.yaml --port 8083`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("host", "", "Listen host")
	serveCmd.Flags().Int("port", 0, "Listen port")
	serveCmd.Flags().String("toolchain-dir", "", "TinyStan installation directory")
	bindFlag(serveCmd.Flags(), "host", "server.host")
	bindFlag(serveCmd.Flags(), "port", "server.port")
	bindFlag(serveCmd.Flags(), "toolchain-dir", "toolchain.dir")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadedConfig()
	if err != nil {
		return exitError(exitConfigError, "Configuration unavailable", err)
	}
	if err := cfg.ValidateServe(); err != nil {
		return exitError(exitConfigError, "Invalid configuration", err)
	}
	for _, dir := range []string{cfg.Jobs.Dir, cfg.Cache.Dir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to create data directory", err)
		}
	}

	logger := observability.ServerLogger
	svc := newService(cfg, logger)
	health := newHealthManager(cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, restart := context.WithCancel(ctx)
	defer restart()

	srv := server.New(cfg.Server.Host, cfg.Server.Port, serverOptions(cfg, svc, health, restart, logger)...)

	logger.Info("Starting stanwasm",
		zap.String("version", versionInfo.Version),
		zap.String("addr", srv.Addr()),
		zap.String("jobs_dir", svc.Workspaces().RootDir()),
		zap.String("cache_dir", svc.Cache().RootDir()),
		zap.String("toolchain_dir", cfg.Toolchain.Dir),
		zap.Duration("compile_timeout", cfg.Toolchain.Timeout))

	serveErr := srv.ListenAndServe(ctx)

	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := svc.Close(closeCtx); err != nil {
		logger.Warn("Workspace teardown did not finish", zap.Error(err))
	}

	if serveErr != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "HTTP server failed", serveErr)
	}
	logger.Info("Server stopped")
	return nil
}

func newHealthManager(cfg *config.Config) *handlers.HealthManager {
	health := handlers.InitHealthManager(versionInfo.Version)
	health.RegisterChecker("jobs_dir", handlers.DirectoryChecker{Path: cfg.Jobs.Dir})
	health.RegisterChecker("cache_dir", handlers.DirectoryChecker{Path: cfg.Cache.Dir})
	health.RegisterChecker("toolchain", handlers.ToolchainChecker{Dir: cfg.Toolchain.Dir})
	return health
}

func serverOptions(cfg *config.Config, svc handlers.CompileService, health *handlers.HealthManager, restart func(), logger *zap.Logger) []server.Option {
	return []server.Option{
		server.WithService(svc, cfg.Auth.Passcode),
		server.WithRestart(cfg.Auth.RestartToken, restart),
		server.WithAllowedOrigins(cfg.Server.AllowedOrigins),
		server.WithCompileRateLimit(cfg.Server.CompileRate, cfg.Server.CompileBurst),
		server.WithVersion(versionInfo),
		server.WithHealthManager(health),
		server.WithLogger(logger),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout, cfg.Server.ShutdownTimeout),
	}
}
