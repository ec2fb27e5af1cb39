package auth

import (
	"github.com/quantgrid-labs/authcore/config"
	"github.com/quantgrid-labs/authcore/services/activity"
	"github.com/quantgrid-labs/authcore/services/jwt"
	"github.com/quantgrid-labs/authcore/services/logging"
	"github.com/quantgrid-labs/authcore/services/refresh"
	"github.com/quantgrid-labs/authcore/services/refreshtoken"
	"github.com/quantgrid-labs/authcore/services/userstore"
	"github.com/quantgrid-labs/authcore/services/validation"
	"go.uber.org/fx"
)

func ProvideAuthService(cfg *config.Config, users userstore.Store, tokens refreshtoken.TokenStore, codec *jwt.Service, validator *validation.Service, coordinator *refresh.Coordinator, tracker *activity.Tracker, logger *logging.Service) *Service {
	return NewService(cfg, users, tokens, codec, validator, coordinator, tracker, logger.Named("auth"))
}

var Options = fx.Options(
	fx.Provide(ProvideAuthService),
)
