package settlement

import (
	"questledger/pkg/httpapi"

	"go.uber.org/fx"
)

var Module = fx.Module("settlement.service",
	fx.Provide(NewService),
)

var HTTP = fx.Module("settlement.http",
	fx.Provide(httpapi.AsRoutes(NewHandler)),
)
