package withdrawal

import (
	"context"
	"time"

	"rental-payouts/pkg/config"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// NewStaleSweep schedules FlagStaleProcessing at the configured interval.
// The sweep only reports; it never changes a request.
func NewStaleSweep(lc fx.Lifecycle, cfg *config.Config, svc *Service) (gocron.Scheduler, error) {
	sched, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, err
	}

	interval := cfg.Payout.SweepInterval
	if interval <= 0 {
		interval = time.Hour
	}

	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()

			stale, err := svc.FlagStaleProcessing(ctx)
			if err != nil {
				zap.L().Error("stale withdrawal sweep failed", zap.Error(err))
				return
			}
			if len(stale) > 0 {
				zap.L().Warn("stale withdrawal sweep finished", zap.Int("stale", len(stale)))
			}
		}),
		gocron.WithName("withdrawal-stale-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			zap.L().Info("starting stale withdrawal sweep", zap.Duration("interval", interval))
			sched.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return sched.Shutdown()
		},
	})

	return sched, nil
}
