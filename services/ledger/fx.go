package ledger

import (
	"questledger/pkg/httpapi"

	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("ledger.service",
	fx.Provide(NewService),
	fx.Invoke(Migrate),
)

var HTTP = fx.Module("ledger.http",
	fx.Provide(httpapi.AsRoutes(NewHandler)),
)

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Account{}, &Transaction{})
}
