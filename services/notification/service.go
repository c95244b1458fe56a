package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"rental-payouts/pkg/db/pagination"
	"rental-payouts/pkg/errutil"
	"rental-payouts/pkg/repository"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrNotFound = errors.New("notification not found")

type Service struct {
	db   *gorm.DB
	node *snowflake.Node
	now  func() time.Time

	notifications repository.Repository[Notification]
}

type ServiceParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:   p.DB,
		node: p.Node,
		now:  time.Now,

		notifications: repository.ProvideStore[Notification](p.DB),
	}
}

// FormatAmount renders minor units as a major-unit string, e.g. 500050 NGN -> "NGN 5000.50".
func FormatAmount(amount int64, currency string) string {
	return fmt.Sprintf("%s %s", currency, decimal.New(amount, -2).StringFixed(2))
}

func withdrawalMessage(p WithdrawalPayload) (string, string) {
	amount := FormatAmount(p.Amount, p.Currency)
	switch p.Status {
	case "pending":
		return "Withdrawal requested", fmt.Sprintf("Your withdrawal %s of %s has been received and is awaiting review.", p.Code, amount)
	case "processing":
		return "Withdrawal in progress", fmt.Sprintf("Your withdrawal %s of %s is being processed.", p.Code, amount)
	case "completed":
		return "Withdrawal completed", fmt.Sprintf("Your withdrawal %s of %s has been paid. Reference: %s.", p.Code, amount, p.TransactionReference)
	case "rejected":
		return "Withdrawal rejected", fmt.Sprintf("Your withdrawal %s of %s was rejected: %s. The funds are back in your balance.", p.Code, amount, p.RejectionReason)
	default:
		return "Withdrawal updated", fmt.Sprintf("Your withdrawal %s of %s is now %s.", p.Code, amount, p.Status)
	}
}

// NotifyWithdrawal stores the in-app notification for one withdrawal
// transition. Repeated deliveries of the same transition are ignored.
func (s *Service) NotifyWithdrawal(ctx context.Context, p WithdrawalPayload) (*Notification, error) {
	if p.UserID == "" || p.WithdrawalID == "" || p.Status == "" {
		return nil, errutil.BadRequest("withdrawal notification is incomplete", nil, errutil.WithReason("invalid_input"))
	}

	title, body := withdrawalMessage(p)
	meta, _ := json.Marshal(map[string]any{
		"withdrawal_id": p.WithdrawalID,
		"code":          p.Code,
		"status":        p.Status,
		"amount":        p.Amount,
		"currency":      p.Currency,
	})

	n := &Notification{
		ID:        s.node.Generate().String(),
		UserID:    p.UserID,
		Kind:      KindWithdrawal,
		DedupeKey: fmt.Sprintf("%s:%s:%s", KindWithdrawal, p.WithdrawalID, p.Status),
		Title:     title,
		Body:      body,
		Metadata:  meta,
		CreatedAt: s.now().UTC(),
	}

	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(n)
	if res.Error != nil {
		zap.L().Error("failed to store notification", zap.String("withdrawal_id", p.WithdrawalID), zap.Error(res.Error))
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return s.notifications.FindOne(ctx, &Notification{DedupeKey: n.DedupeKey})
	}

	return n, nil
}

func (s *Service) HandleWithdrawalNotification(ctx context.Context, t *asynq.Task) error {
	var payload WithdrawalPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid payload: %v: %w", err, asynq.SkipRetry)
	}

	zapLog := zap.L().With(
		zap.String("task_type", t.Type()),
		zap.String("withdrawal_id", payload.WithdrawalID),
		zap.String("status", payload.Status),
		zap.String("trace_id", payload.TraceID),
	)

	if _, err := s.NotifyWithdrawal(ctx, payload); err != nil {
		var be errutil.BaseError
		if errors.As(err, &be) && be.Code == errutil.StatusBadRequest {
			zapLog.Warn("dropping malformed notification task", zap.Error(err))
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		zapLog.Error("failed to notify withdrawal", zap.Error(err))
		return err
	}

	zapLog.Info("withdrawal notification stored")
	return nil
}

func (s *Service) List(ctx context.Context, userID string, page pagination.Pagination) ([]*Notification, *pagination.PageInfo, error) {
	opts, err := pagination.Query(page)
	if err != nil {
		return nil, nil, errutil.BadRequest("invalid cursor", err, errutil.WithReason("invalid_input"))
	}

	rows, err := s.notifications.Find(ctx, &Notification{UserID: userID}, opts...)
	if err != nil {
		return nil, nil, err
	}

	rows, info := pagination.BuildCursorPageInfo(rows, page.Normalize().Limit, func(n *Notification) pagination.Cursor {
		return pagination.Cursor{CreatedAt: n.CreatedAt, ID: n.ID}
	})
	return rows, info, nil
}

// MarkRead sets read_at once; reading again keeps the first timestamp.
func (s *Service) MarkRead(ctx context.Context, userID, id string) (*Notification, error) {
	n, err := s.notifications.FindOne(ctx, &Notification{ID: id, UserID: userID})
	if err != nil {
		return nil, err
	}
	if n == nil {
		return nil, errutil.NotFound("notification not found", ErrNotFound, errutil.WithReason("not_found"))
	}
	if n.ReadAt != nil {
		return n, nil
	}

	now := s.now().UTC()
	if err := s.notifications.Update(ctx, n.ID, map[string]any{"read_at": now}); err != nil {
		return nil, err
	}
	n.ReadAt = &now
	return n, nil
}
