package events

//go:generate mockgen -source=publisher.go -destination=mock/publisher.go -package=mock

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"rental-payouts/pkg/config"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	SubjectWithdrawalPrefix = "payouts.withdrawal"
	SubjectWithdrawalStale  = "payouts.withdrawal.stale"
	SubjectEarningAccrued   = "payouts.earning.accrued"
	SubjectEarningReversed  = "payouts.earning.reversed"
	SubjectLedgerIntegrity  = "payouts.ledger.integrity"
)

// WithdrawalSubject returns "payouts.withdrawal.{status}".
func WithdrawalSubject(status string) string {
	return fmt.Sprintf("%s.%s", SubjectWithdrawalPrefix, status)
}

// Publisher emits fire-and-forget domain events.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload any) error
}

var Module = fx.Module("events",
	fx.Provide(NewPublisher),
)

type natsPublisher struct {
	nc *nats.Conn
}

// NewPublisher connects to NATS. Without NATS.URL every event is dropped.
func NewPublisher(lc fx.Lifecycle, cfg *config.Config) (Publisher, error) {
	if cfg.Nats.URL == "" {
		zap.L().Warn("[NATS] NATS.URL not set, domain events are discarded")
		return Nop{}, nil
	}

	nc, err := nats.Connect(cfg.Nats.URL,
		nats.Name(cfg.AppName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			zap.L().Warn("[NATS] disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			zap.L().Info("[NATS] reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		zap.L().Error("[NATS] failed to connect", zap.String("url", cfg.Nats.URL), zap.Error(err))
		return nil, err
	}

	zap.L().Info("[NATS] Connected to NATS", zap.String("url", cfg.Nats.URL))

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return nc.Drain()
		},
	})

	return &natsPublisher{nc: nc}, nil
}

func (p *natsPublisher) Publish(ctx context.Context, subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", subject, err)
	}

	msg := nats.NewMsg(subject)
	msg.Data = data
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		msg.Header.Set("Trace-Id", sc.TraceID().String())
	}

	return p.nc.PublishMsg(msg)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, string, any) error { return nil }
