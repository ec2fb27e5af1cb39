package userstore

import (
	"github.com/quantgrid-labs/authcore/services/logging"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

func ProvideUserStore(db *gorm.DB, logger *logging.Service) Store {
	return NewService(db, logger.Named("userstore"))
}

var Options = fx.Options(
	fx.Provide(ProvideUserStore),
)
