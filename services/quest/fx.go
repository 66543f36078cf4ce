package quest

import (
	"questledger/pkg/httpapi"

	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("quest.service",
	fx.Provide(NewService),
	fx.Invoke(Migrate),
)

var HTTP = fx.Module("quest.http",
	fx.Provide(httpapi.AsRoutes(NewHandler)),
)

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Quest{}, &Submission{}, &Archive{})
}
