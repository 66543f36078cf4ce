package redemption

import (
	"questledger/pkg/httpapi"

	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("redemption.service",
	fx.Provide(NewService),
	fx.Invoke(Migrate),
)

var HTTP = fx.Module("redemption.http",
	fx.Provide(httpapi.AsRoutes(NewHandler)),
)

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Redemption{})
}
