package main

import (
	"log"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"questledger/pkg/config"
	"questledger/pkg/db"
	"questledger/pkg/featureflags"
	"questledger/pkg/gen"
	"questledger/pkg/hashistack/secretmanager"
	"questledger/pkg/hashistack/servicediscover"
	"questledger/pkg/health"
	"questledger/pkg/httpapi"
	"questledger/pkg/logger"
	"questledger/pkg/minio"
	"questledger/pkg/otelcol"
	"questledger/pkg/profiling"
	"questledger/pkg/redis"
	"questledger/pkg/sequence"
	"questledger/pkg/server"
	"questledger/pkg/task"
	"questledger/services/eventbus"
	"questledger/services/ledger"
	"questledger/services/oracle"
	"questledger/services/quest"
	"questledger/services/redemption"
	"questledger/services/scheduler"
	"questledger/services/settlement"
)

func main() {
	opts := []fx.Option{
		secretmanager.Module,
		config.Module,
		logger.Module,
		otelcol.Module,
		profiling.Module,
		db.Module,
		redis.Module,
		gen.Module,
		task.Client,
		sequence.Module,
		featureflags.Module,
		minio.Client,
		health.Module,
		httpapi.Module,

		eventbus.Module,
		eventbus.HTTP,
		ledger.Module,
		ledger.HTTP,
		quest.Module,
		quest.HTTP,
		oracle.Module,
		oracle.HTTP,
		settlement.Module,
		settlement.HTTP,
		redemption.Module,
		redemption.HTTP,
		scheduler.Module,

		server.ProvideGRPCServer,
		health.GRPCModule,
		server.ProvideHTTPServer,
		servicediscover.Module,
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	if cfg.AppEnv == "development" {
		return &fxevent.ZapLogger{Logger: logger}
	}
	return fxevent.NopLogger
})
