package scheduler

import (
	"questledger/services/oracle"
	"questledger/services/quest"

	"go.uber.org/fx"
)

var Module = fx.Module("scheduler",
	fx.Provide(
		func(s *quest.Service) Archiver { return s },
		func(s *oracle.Service) Reconciler { return s },
		Provide,
	),
	fx.Invoke(func(*Scheduler) {}),
)
