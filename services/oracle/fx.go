package oracle

import (
	"questledger/pkg/httpapi"
	"questledger/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("oracle",
	fx.Provide(NewRecorder, NewDispatcher, NewService),
	fx.Invoke(Migrate),
)

var HTTP = fx.Module("oracle.http",
	fx.Provide(httpapi.AsRoutes(NewHandler)),
)

var WorkerModule = fx.Module("oracle.worker",
	fx.Provide(ProvideChain, NewWorker),
	fx.Invoke(RegisterHandlers),
)

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&MirrorRecord{})
}

func RegisterHandlers(mux *asynq.ServeMux, w *Worker) {
	mux.HandleFunc(taskname.OracleMirror, w.HandleMirrorTask)
}
