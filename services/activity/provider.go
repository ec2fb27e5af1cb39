package activity

import (
	"github.com/quantgrid-labs/authcore/config"
	"github.com/quantgrid-labs/authcore/services/logging"
	"go.uber.org/fx"
)

func ProvideTracker(cfg *config.Config, logger *logging.Service) *Tracker {
	tracker := NewTracker(cfg, logger.Named("activity"))

	if cfg.Activity.PruneInterval > 0 {
		tracker.StartPruner(cfg.Activity.PruneInterval)
	}

	return tracker
}

var Options = fx.Options(
	fx.Provide(ProvideTracker),
)
