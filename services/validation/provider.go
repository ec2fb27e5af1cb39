package validation

import (
	"github.com/quantgrid-labs/authcore/config"
	"github.com/quantgrid-labs/authcore/services/jwt"
	"github.com/quantgrid-labs/authcore/services/logging"
	"github.com/quantgrid-labs/authcore/services/userstore"
	"go.uber.org/fx"
)

func ProvideValidationService(codec *jwt.Service, users userstore.Store, cfg *config.Config, logger *logging.Service) *Service {
	return NewService(codec, users, cfg, logger.Named("validation"))
}

var Options = fx.Options(
	fx.Provide(ProvideValidationService),
)
