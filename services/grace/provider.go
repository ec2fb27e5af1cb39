package grace

import (
	"github.com/quantgrid-labs/authcore/config"
	"github.com/quantgrid-labs/authcore/services/logging"
	"go.uber.org/fx"
)

func ProvideGraceCache(cfg *config.Config, logger *logging.Service) *Cache {
	cache := NewCache(cfg.Grace.Window, logger.Named("grace"))

	if cfg.Grace.SweepInterval > 0 {
		cache.StartSweeper(cfg.Grace.SweepInterval)
	}

	return cache
}

var Options = fx.Options(
	fx.Provide(ProvideGraceCache),
)
