package main

import (
	"log"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"rental-payouts/pkg/accesscontrol"
	"rental-payouts/pkg/config"
	"rental-payouts/pkg/db"
	"rental-payouts/pkg/events"
	"rental-payouts/pkg/featureflags"
	"rental-payouts/pkg/gen"
	"rental-payouts/pkg/hashistack/secretmanager"
	"rental-payouts/pkg/health"
	"rental-payouts/pkg/logger"
	"rental-payouts/pkg/otelcol"
	"rental-payouts/pkg/profiling"
	"rental-payouts/pkg/redis"
	"rental-payouts/pkg/sequence"
	"rental-payouts/pkg/server"
	"rental-payouts/pkg/task"
	"rental-payouts/services/commission"
	"rental-payouts/services/ledger"
	"rental-payouts/services/notification"
	"rental-payouts/services/withdrawal"
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
		sequence.Module,
		events.Module,
		task.Client,
		featureflags.Module,
		accesscontrol.Module,
		health.Module,

		ledger.Module,
		withdrawal.Module,
		commission.Module,
		notification.Module,

		server.ProvideHTTPServer,
		ledger.HTTP,
		withdrawal.HTTP,
		commission.HTTP,
		notification.HTTP,
		server.ProvideGRPCServer,
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})
