package notification

import (
	"rental-payouts/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
)

var Module = fx.Module("notification.service",
	fx.Provide(NewService),
)

var HTTP = fx.Module("notification.http",
	fx.Invoke(RegisterRoutes),
)

var Worker = fx.Module("notification.worker",
	fx.Invoke(registerHandlers),
)

func registerHandlers(mux *asynq.ServeMux, svc *Service) {
	mux.HandleFunc(taskname.NotificationWithdrawal, svc.HandleWithdrawalNotification)
}
