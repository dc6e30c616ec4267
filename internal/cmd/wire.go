package cmd

import (
	"go.uber.org/zap"

	"github.com/3leaps/stanwasm/internal/config"
	"github.com/3leaps/stanwasm/pkg/modelcache"
	"github.com/3leaps/stanwasm/pkg/service"
	"github.com/3leaps/stanwasm/pkg/toolchain"
	"github.com/3leaps/stanwasm/pkg/workspace"
)

// newService assembles the compile service from cfg.
func newService(cfg *config.Config, logger *zap.Logger) *service.Service {
	invoker := &toolchain.Invoker{
		Dir:     cfg.Toolchain.Dir,
		Command: cfg.Toolchain.Command,
		Timeout: cfg.Toolchain.Timeout,
		Logger:  logger,
	}
	cache := modelcache.New(cfg.Cache.Dir, invoker,
		modelcache.WithPollInterval(cfg.Cache.PollInterval),
		modelcache.WithLogger(logger))
	return service.New(workspace.NewStore(cfg.Jobs.Dir), cache, logger)
}

// newCacheReader opens the cache root for inspection only.
func newCacheReader(cfg *config.Config) *modelcache.Cache {
	return modelcache.New(cfg.Cache.Dir, nil)
}
