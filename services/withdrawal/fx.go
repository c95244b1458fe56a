package withdrawal

import "go.uber.org/fx"

var Module = fx.Module("withdrawal.service",
	fx.Provide(NewService),
)

var HTTP = fx.Module("withdrawal.http",
	fx.Invoke(RegisterRoutes),
)

var Scheduler = fx.Module("withdrawal.scheduler",
	fx.Invoke(NewStaleSweep),
)
