package refresh

import (
	"github.com/quantgrid-labs/authcore/config"
	"github.com/quantgrid-labs/authcore/services/activity"
	"github.com/quantgrid-labs/authcore/services/grace"
	"github.com/quantgrid-labs/authcore/services/jwt"
	"github.com/quantgrid-labs/authcore/services/logging"
	"github.com/quantgrid-labs/authcore/services/refreshtoken"
	"github.com/quantgrid-labs/authcore/services/userstore"
	"go.uber.org/fx"
)

func ProvideCoordinator(store refreshtoken.TokenStore, users userstore.Store, codec *jwt.Service, graceCache *grace.Cache, tracker *activity.Tracker, cfg *config.Config, logger *logging.Service) *Coordinator {
	return NewCoordinator(store, users, codec, graceCache, tracker, cfg, logger.Named("refresh"))
}

var Options = fx.Options(
	fx.Provide(ProvideCoordinator),
)
