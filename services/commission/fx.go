package commission

import (
	"rental-payouts/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
)

var Module = fx.Module("commission.service",
	fx.Provide(NewService),
)

var HTTP = fx.Module("commission.http",
	fx.Invoke(RegisterRoutes),
)

var Worker = fx.Module("commission.worker",
	fx.Invoke(registerHandlers),
)

func registerHandlers(mux *asynq.ServeMux, svc *Service) {
	mux.HandleFunc(taskname.BookingPaid, svc.HandleBookingPaid)
	mux.HandleFunc(taskname.BookingRefunded, svc.HandleBookingRefunded)
}
