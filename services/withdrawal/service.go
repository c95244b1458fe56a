package withdrawal

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"rental-payouts/pkg/config"
	"rental-payouts/pkg/db/option"
	"rental-payouts/pkg/db/pagination"
	"rental-payouts/pkg/errutil"
	"rental-payouts/pkg/events"
	"rental-payouts/pkg/featureflags"
	"rental-payouts/pkg/repository"
	"rental-payouts/pkg/sequence"
	"rental-payouts/pkg/task"
	"rental-payouts/services/ledger"
	"rental-payouts/services/notification"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var transitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "payouts_withdrawal_transitions_total",
	Help: "Committed withdrawal status changes.",
}, []string{"status"})

// Ledger is the part of the balance ledger the state machine writes through.
type Ledger interface {
	Currency() string
	LockAccount(ctx context.Context, tx *gorm.DB, userID string, userType ledger.BeneficiaryType) (*ledger.PayoutAccount, error)
	AvailableBalanceTx(ctx context.Context, tx *gorm.DB, userID string, userType ledger.BeneficiaryType) (int64, error)
	ConsumeEarningsTx(ctx context.Context, tx *gorm.DB, userID string, userType ledger.BeneficiaryType) error
	SettleReversalsTx(ctx context.Context, tx *gorm.DB, userID string, userType ledger.BeneficiaryType) ([]*ledger.Earning, error)
}

type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	ledger   Ledger
	codes    sequence.Generator
	events   events.Publisher
	enqueuer task.Enqueuer
	flags    featureflags.FeatureFlag
	cfg      config.PayoutConfig
	now      func() time.Time

	withdrawals repository.Repository[ledger.WithdrawalRequest]
}

type ServiceParams struct {
	fx.In
	DB       *gorm.DB
	Node     *snowflake.Node
	Config   *config.Config
	Ledger   *ledger.Service
	Codes    sequence.Generator
	Events   events.Publisher
	Enqueuer task.Enqueuer
	Flags    featureflags.FeatureFlag
}

func NewService(p ServiceParams) *Service {
	return newService(p.DB, p.Node, p.Ledger, p.Codes, p.Events, p.Enqueuer, p.Flags, p.Config.Payout)
}

func newService(db *gorm.DB, node *snowflake.Node, l Ledger, codes sequence.Generator, pub events.Publisher, enq task.Enqueuer, flags featureflags.FeatureFlag, cfg config.PayoutConfig) *Service {
	return &Service{
		db:       db,
		node:     node,
		ledger:   l,
		codes:    codes,
		events:   pub,
		enqueuer: enq,
		flags:    flags,
		cfg:      cfg,
		now:      time.Now,

		withdrawals: repository.ProvideStore[ledger.WithdrawalRequest](db),
	}
}

func traceFields(ctx context.Context) []zap.Field {
	sc := trace.SpanContextFromContext(ctx)
	return []zap.Field{
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	}
}

// RequestWithdrawal reserves amount from the caller's available balance as a
// pending request.
func (s *Service) RequestWithdrawal(ctx context.Context, p RequestParams) (*ledger.WithdrawalRequest, error) {
	zapLog := zap.L().With(traceFields(ctx)...).With(
		zap.String("user_id", p.UserID),
		zap.String("user_type", string(p.UserType)),
		zap.Int64("amount", p.Amount),
	)

	if p.UserID == "" || !p.UserType.Valid() {
		return nil, invalidInput("user_id and a valid user_type are required", ledger.ErrInvalidBeneficiary)
	}
	if !s.flags.IsEnabled(ctx, p.UserID, featureflags.WithdrawalsEnabled, true) {
		zapLog.Info("withdrawal rejected, withdrawals paused")
		return nil, errutil.ServiceUnavailable("withdrawals are temporarily paused", ErrWithdrawalsPaused,
			errutil.WithReason(ReasonWithdrawalsPaused))
	}
	if p.Amount <= 0 {
		return nil, invalidInput("amount must be greater than zero", ErrInvalidAmount)
	}

	method, details, err := NormalizePayment(p.Method, p.Details)
	if err != nil {
		return nil, err
	}
	rawDetails, err := json.Marshal(details)
	if err != nil {
		return nil, err
	}

	code, err := s.codes.NextWithdrawalCode(ctx)
	if err != nil {
		zapLog.Warn("sequence unavailable, falling back to snowflake code", zap.Error(err))
		code = "WDR-" + s.node.Generate().String()
	}

	now := s.now().UTC()
	w := &ledger.WithdrawalRequest{
		ID:             s.node.Generate().String(),
		Code:           code,
		UserID:         p.UserID,
		UserType:       p.UserType,
		Amount:         p.Amount,
		Currency:       s.ledger.Currency(),
		PaymentMethod:  string(method),
		PaymentDetails: rawDetails,
		Status:         ledger.WithdrawalPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.ledger.LockAccount(ctx, tx, p.UserID, p.UserType); err != nil {
			return err
		}

		available, err := s.ledger.AvailableBalanceTx(ctx, tx, p.UserID, p.UserType)
		if err != nil {
			return err
		}
		if p.Amount > available {
			return errutil.UnprocessableEntity("amount exceeds the available balance", ErrInsufficientBalance,
				errutil.WithReason(ReasonInsufficientBalance))
		}
		// the minimum applies once the balance covers the amount
		if p.Amount < s.cfg.MinimumWithdrawal {
			return errutil.UnprocessableEntity("amount is below the minimum withdrawal", ErrBelowMinimum,
				errutil.WithReason(ReasonBelowMinimum),
				errutil.WithDetails(errutil.Detail{Field: "amount", Message: "minimum is " + notification.FormatAmount(s.cfg.MinimumWithdrawal, w.Currency)}))
		}

		return s.withdrawals.WithTrx(tx).Create(ctx, w)
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientBalance) || errors.Is(err, ErrBelowMinimum) {
			zapLog.Info("withdrawal rejected", zap.Error(err))
		} else {
			zapLog.Error("failed to request withdrawal", zap.Error(err))
		}
		return nil, err
	}

	zapLog.Info("withdrawal requested", zap.String("withdrawal_id", w.ID), zap.String("code", w.Code))
	s.notify(ctx, w)
	return w, nil
}

// MarkProcessing records that a reviewer has started paying out a pending request.
func (s *Service) MarkProcessing(ctx context.Context, id, reviewerID string) (*ledger.WithdrawalRequest, error) {
	if reviewerID == "" {
		return nil, invalidInput("reviewer is required", ErrReviewerRequired)
	}

	now := s.now().UTC()
	return s.transition(ctx, id, []ledger.WithdrawalStatus{ledger.WithdrawalPending}, map[string]any{
		"status":        ledger.WithdrawalProcessing,
		"processing_at": now,
		"processing_by": reviewerID,
		"updated_at":    now,
	}, nil)
}

// ApproveWithdrawal completes a pending or processing request and marks the
// earnings it covers as withdrawn.
func (s *Service) ApproveWithdrawal(ctx context.Context, id, reviewerID, transactionReference string) (*ledger.WithdrawalRequest, error) {
	if reviewerID == "" {
		return nil, invalidInput("reviewer is required", ErrReviewerRequired)
	}
	if transactionReference == "" {
		return nil, invalidInput("transaction_reference is required", ErrReferenceRequired)
	}

	now := s.now().UTC()
	return s.transition(ctx, id, []ledger.WithdrawalStatus{ledger.WithdrawalPending, ledger.WithdrawalProcessing}, map[string]any{
		"status":                ledger.WithdrawalCompleted,
		"processed_at":          now,
		"processed_by":          reviewerID,
		"transaction_reference": transactionReference,
		"updated_at":            now,
	}, func(tx *gorm.DB, w *ledger.WithdrawalRequest) error {
		return s.ledger.ConsumeEarningsTx(ctx, tx, w.UserID, w.UserType)
	})
}

// RejectWithdrawal releases the reservation of a pending or processing request.
// Refunded earnings the reservation was holding back are reversed in the same
// transaction.
func (s *Service) RejectWithdrawal(ctx context.Context, id, reviewerID, reason string) (*ledger.WithdrawalRequest, error) {
	if reviewerID == "" {
		return nil, invalidInput("reviewer is required", ErrReviewerRequired)
	}
	if reason == "" {
		return nil, invalidInput("reason is required", ErrReasonRequired)
	}

	now := s.now().UTC()
	return s.transition(ctx, id, []ledger.WithdrawalStatus{ledger.WithdrawalPending, ledger.WithdrawalProcessing}, map[string]any{
		"status":           ledger.WithdrawalRejected,
		"processed_at":     now,
		"processed_by":     reviewerID,
		"rejection_reason": reason,
		"updated_at":       now,
	}, func(tx *gorm.DB, w *ledger.WithdrawalRequest) error {
		_, err := s.ledger.SettleReversalsTx(ctx, tx, w.UserID, w.UserType)
		return err
	})
}

// transition applies updates only while the request is still in one of from.
// after runs in the same transaction once the row has moved.
func (s *Service) transition(ctx context.Context, id string, from []ledger.WithdrawalStatus, updates map[string]any, after func(tx *gorm.DB, w *ledger.WithdrawalRequest) error) (*ledger.WithdrawalRequest, error) {
	zapLog := zap.L().With(traceFields(ctx)...).With(
		zap.String("withdrawal_id", id),
		zap.Any("to", updates["status"]),
	)

	var w *ledger.WithdrawalRequest
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.withdrawals.WithTrx(tx).FindOne(ctx, &ledger.WithdrawalRequest{ID: id})
		if err != nil {
			return err
		}
		if current == nil {
			return notFound(id)
		}

		if _, err := s.ledger.LockAccount(ctx, tx, current.UserID, current.UserType); err != nil {
			return err
		}

		res := tx.WithContext(ctx).Model(&ledger.WithdrawalRequest{}).
			Where("id = ? AND status IN ?", id, from).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return alreadyProcessed(id)
		}

		w, err = s.withdrawals.WithTrx(tx).FindOne(ctx, &ledger.WithdrawalRequest{ID: id})
		if err != nil {
			return err
		}

		if after != nil {
			return after(tx, w)
		}
		return nil
	})
	if err != nil {
		var be errutil.BaseError
		if errors.As(err, &be) && be.Code != errutil.StatusInternal {
			zapLog.Info("withdrawal transition refused", zap.String("reason", be.Reason))
		} else {
			zapLog.Error("failed to transition withdrawal", zap.Error(err))
		}
		return nil, err
	}

	zapLog.Info("withdrawal transitioned", zap.String("user_id", w.UserID))
	s.notify(ctx, w)
	return w, nil
}

// notify fans a committed transition out to the event bus and the
// notification queue. Failures are logged and never reach the caller.
func (s *Service) notify(ctx context.Context, w *ledger.WithdrawalRequest) {
	transitions.WithLabelValues(string(w.Status)).Inc()

	zapLog := zap.L().With(traceFields(ctx)...).With(
		zap.String("withdrawal_id", w.ID),
		zap.String("status", string(w.Status)),
	)

	var g errgroup.Group
	g.Go(func() error {
		if err := s.events.Publish(ctx, events.WithdrawalSubject(string(w.Status)), newEvent(w, s.now().UTC())); err != nil {
			zapLog.Warn("failed to publish withdrawal event", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		t, err := notification.NewWithdrawalTask(notification.WithdrawalPayload{
			WithdrawalID:         w.ID,
			Code:                 w.Code,
			UserID:               w.UserID,
			Amount:               w.Amount,
			Currency:             w.Currency,
			Status:               string(w.Status),
			TransactionReference: w.TransactionReference,
			RejectionReason:      w.RejectionReason,
			TraceID:              trace.SpanContextFromContext(ctx).TraceID().String(),
		})
		if err != nil {
			zapLog.Warn("failed to build notification task", zap.Error(err))
			return nil
		}
		if _, err := s.enqueuer.Enqueue(ctx, t); err != nil {
			zapLog.Warn("failed to enqueue notification", zap.Error(err))
		}
		return nil
	})
	_ = g.Wait()
}

func (s *Service) GetWithdrawal(ctx context.Context, id string) (*ledger.WithdrawalRequest, error) {
	w, err := s.withdrawals.FindOne(ctx, &ledger.WithdrawalRequest{ID: id})
	if err != nil {
		zap.L().With(traceFields(ctx)...).Error("failed to get withdrawal", zap.String("withdrawal_id", id), zap.Error(err))
		return nil, err
	}
	if w == nil {
		return nil, notFound(id)
	}
	return w, nil
}

func (s *Service) ListWithdrawals(ctx context.Context, p ListParams) ([]*ledger.WithdrawalRequest, *pagination.PageInfo, error) {
	if p.Status != "" && !p.Status.Valid() {
		return nil, nil, errutil.BadRequest("unknown status "+string(p.Status), nil, errutil.WithReason(ReasonInvalidInput))
	}

	opts, err := pagination.Query(p.Page)
	if err != nil {
		return nil, nil, errutil.BadRequest("invalid cursor", err, errutil.WithReason(ReasonInvalidInput))
	}

	filter := &ledger.WithdrawalRequest{UserID: p.UserID, UserType: p.UserType, Status: p.Status}
	rows, err := s.withdrawals.Find(ctx, filter, opts...)
	if err != nil {
		zap.L().With(traceFields(ctx)...).Error("failed to list withdrawals", zap.String("user_id", p.UserID), zap.Error(err))
		return nil, nil, err
	}

	rows, info := pagination.BuildCursorPageInfo(rows, p.Page.Normalize().Limit, func(w *ledger.WithdrawalRequest) pagination.Cursor {
		return pagination.Cursor{CreatedAt: w.CreatedAt, ID: w.ID}
	})
	return rows, info, nil
}

// FlagStaleProcessing reports requests stuck in processing beyond the
// configured threshold. They are left in processing for a reviewer to resolve.
func (s *Service) FlagStaleProcessing(ctx context.Context) ([]*ledger.WithdrawalRequest, error) {
	if s.cfg.ProcessingStaleAfter <= 0 {
		return nil, nil
	}

	now := s.now().UTC()
	cutoff := now.Add(-s.cfg.ProcessingStaleAfter)
	stale, err := s.withdrawals.Find(ctx, &ledger.WithdrawalRequest{Status: ledger.WithdrawalProcessing},
		option.ApplyOperator(option.Condition{Field: "processing_at", Operator: option.LT, Value: cutoff}),
		option.WithSortBy(option.QuerySortBy{SortBy: "processing_at", OrderBy: "asc", Allow: map[string]bool{"processing_at": true}}),
	)
	if err != nil {
		zap.L().Error("failed to scan stale withdrawals", zap.Error(err))
		return nil, err
	}

	for _, w := range stale {
		zap.L().Warn("withdrawal stuck in processing",
			zap.String("withdrawal_id", w.ID),
			zap.String("code", w.Code),
			zap.String("processing_by", w.ProcessingBy),
			zap.Timep("processing_at", w.ProcessingAt),
		)
		if err := s.events.Publish(ctx, events.SubjectWithdrawalStale, newEvent(w, now)); err != nil {
			zap.L().Warn("failed to publish stale withdrawal", zap.String("withdrawal_id", w.ID), zap.Error(err))
		}
	}

	return stale, nil
}
