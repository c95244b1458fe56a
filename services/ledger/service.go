package ledger

import (
	"context"
	"sort"
	"time"

	"rental-payouts/pkg/config"
	"rental-payouts/pkg/db/option"
	"rental-payouts/pkg/db/pagination"
	"rental-payouts/pkg/errutil"
	"rental-payouts/pkg/events"
	"rental-payouts/pkg/repository"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var integrityErrors = promauto.NewCounter(prometheus.CounterOpts{
	Name: "payouts_ledger_integrity_errors_total",
	Help: "Number of negative available balances detected.",
})

type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	events   events.Publisher
	currency string
	now      func() time.Time

	earnings    repository.Repository[Earning]
	accounts    repository.Repository[PayoutAccount]
	withdrawals repository.Repository[WithdrawalRequest]
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	Node   *snowflake.Node
	Config *config.Config
	Events events.Publisher
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:       p.DB,
		node:     p.Node,
		events:   p.Events,
		currency: p.Config.Payout.Currency,
		now:      time.Now,

		earnings:    repository.ProvideStore[Earning](p.DB),
		accounts:    repository.ProvideStore[PayoutAccount](p.DB),
		withdrawals: repository.ProvideStore[WithdrawalRequest](p.DB),
	}
}

func (s *Service) Currency() string {
	return s.currency
}

func logFields(ctx context.Context, userID string, userType BeneficiaryType) []zap.Field {
	sc := trace.SpanContextFromContext(ctx)
	return []zap.Field{
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
		zap.String("user_id", userID),
		zap.String("user_type", string(userType)),
	}
}

// GetAvailableBalance derives the withdrawable amount from earnings and
// withdrawals. A negative result is reported as ErrLedgerIntegrity, never clamped.
func (s *Service) GetAvailableBalance(ctx context.Context, userID string, userType BeneficiaryType) (int64, error) {
	if userID == "" || !userType.Valid() {
		return 0, invalidBeneficiary(userID, userType)
	}
	return s.AvailableBalanceTx(ctx, s.db, userID, userType)
}

// AvailableBalanceTx is GetAvailableBalance evaluated on tx, so callers holding
// the account lock see the same snapshot they write to.
func (s *Service) AvailableBalanceTx(ctx context.Context, tx *gorm.DB, userID string, userType BeneficiaryType) (int64, error) {
	summary, err := s.summarize(ctx, tx, userID, userType)
	if err != nil {
		return 0, err
	}
	return summary.Available, nil
}

func (s *Service) GetBalanceSummary(ctx context.Context, userID string, userType BeneficiaryType) (*BalanceSummary, error) {
	if userID == "" || !userType.Valid() {
		return nil, invalidBeneficiary(userID, userType)
	}
	return s.summarize(ctx, s.db, userID, userType)
}

func (s *Service) summarize(ctx context.Context, tx *gorm.DB, userID string, userType BeneficiaryType) (*BalanceSummary, error) {
	zapLog := zap.L().With(logFields(ctx, userID, userType)...)

	var earned []statusTotal
	if err := tx.WithContext(ctx).Model(&Earning{}).
		Select("status, COALESCE(SUM(amount), 0) AS total").
		Where("beneficiary_id = ? AND beneficiary_type = ?", userID, userType).
		Group("status").
		Scan(&earned).Error; err != nil {
		zapLog.Error("failed to sum earnings", zap.Error(err))
		return nil, err
	}

	var withdrawn []statusTotal
	if err := tx.WithContext(ctx).Model(&WithdrawalRequest{}).
		Select("status, COALESCE(SUM(amount), 0) AS total").
		Where("user_id = ? AND user_type = ?", userID, userType).
		Group("status").
		Scan(&withdrawn).Error; err != nil {
		zapLog.Error("failed to sum withdrawals", zap.Error(err))
		return nil, err
	}

	var flagged int64
	if err := tx.WithContext(ctx).Model(&Earning{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("beneficiary_id = ? AND beneficiary_type = ? AND reconciliation_required = ?", userID, userType, true).
		Scan(&flagged).Error; err != nil {
		zapLog.Error("failed to sum flagged earnings", zap.Error(err))
		return nil, err
	}

	summary := &BalanceSummary{
		UserID:                userID,
		UserType:              userType,
		Currency:              s.currency,
		PendingReconciliation: flagged,
	}

	for _, t := range earned {
		switch EarningStatus(t.Status) {
		case EarningAccrued, EarningWithdrawn:
			summary.Earned += t.Total
		case EarningReversed:
			summary.Reversed += t.Total
		}
	}

	for _, t := range withdrawn {
		switch WithdrawalStatus(t.Status) {
		case WithdrawalPending, WithdrawalProcessing:
			summary.Reserved += t.Total
		case WithdrawalCompleted:
			summary.Withdrawn += t.Total
		}
	}

	summary.Available = summary.Earned - summary.Reserved - summary.Withdrawn
	if summary.Available < 0 {
		s.reportIntegrity(ctx, summary)
		return nil, integrityError(userID, userType, summary.Available)
	}

	return summary, nil
}

func (s *Service) reportIntegrity(ctx context.Context, summary *BalanceSummary) {
	integrityErrors.Inc()

	zap.L().With(logFields(ctx, summary.UserID, summary.UserType)...).Error("ledger integrity violation: negative available balance",
		zap.Int64("earned", summary.Earned),
		zap.Int64("reserved", summary.Reserved),
		zap.Int64("withdrawn", summary.Withdrawn),
		zap.Int64("available", summary.Available),
	)

	if err := s.events.Publish(ctx, events.SubjectLedgerIntegrity, IntegrityEvent{
		UserID:    summary.UserID,
		UserType:  summary.UserType,
		Earned:    summary.Earned,
		Reserved:  summary.Reserved + summary.Withdrawn,
		Available: summary.Available,
		At:        s.now().UTC(),
	}); err != nil {
		zap.L().Warn("failed to publish integrity event", zap.Error(err))
	}
}

// LockAccount creates the beneficiary's account row on first use and takes a
// row lock on it for the rest of tx.
func (s *Service) LockAccount(ctx context.Context, tx *gorm.DB, userID string, userType BeneficiaryType) (*PayoutAccount, error) {
	if userID == "" || !userType.Valid() {
		return nil, invalidBeneficiary(userID, userType)
	}

	now := s.now().UTC()
	account := &PayoutAccount{
		ID:        s.node.Generate().String(),
		UserID:    userID,
		UserType:  userType,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := tx.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(account).Error; err != nil {
		zap.L().With(logFields(ctx, userID, userType)...).Error("failed to ensure payout account", zap.Error(err))
		return nil, err
	}

	locked, err := s.accounts.WithTrx(tx).FindOne(ctx, &PayoutAccount{UserID: userID, UserType: userType}, option.WithLockingUpdate())
	if err != nil {
		zap.L().With(logFields(ctx, userID, userType)...).Error("failed to lock payout account", zap.Error(err))
		return nil, err
	}
	if locked == nil {
		return nil, gorm.ErrRecordNotFound
	}

	return locked, nil
}

// Beneficiary identifies one ledger account.
type Beneficiary struct {
	UserID   string
	UserType BeneficiaryType
}

// LockAccounts locks several accounts in a fixed order so concurrent callers
// cannot deadlock on each other.
func (s *Service) LockAccounts(ctx context.Context, tx *gorm.DB, bs ...Beneficiary) error {
	sorted := make([]Beneficiary, 0, len(bs))
	seen := map[Beneficiary]bool{}
	for _, b := range bs {
		if !seen[b] {
			seen[b] = true
			sorted = append(sorted, b)
		}
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].UserType != sorted[j].UserType {
			return sorted[i].UserType < sorted[j].UserType
		}
		return sorted[i].UserID < sorted[j].UserID
	})

	for _, b := range sorted {
		if _, err := s.LockAccount(ctx, tx, b.UserID, b.UserType); err != nil {
			return err
		}
	}
	return nil
}

// ConsumeEarningsTx marks earnings withdrawn, oldest first, while the running
// total stays within the beneficiary's completed withdrawals.
func (s *Service) ConsumeEarningsTx(ctx context.Context, tx *gorm.DB, userID string, userType BeneficiaryType) error {
	var completed int64
	if err := tx.WithContext(ctx).Model(&WithdrawalRequest{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("user_id = ? AND user_type = ? AND status = ?", userID, userType, WithdrawalCompleted).
		Scan(&completed).Error; err != nil {
		return err
	}

	earnings, err := s.earnings.WithTrx(tx).Find(ctx, &Earning{BeneficiaryID: userID, BeneficiaryType: userType},
		option.ApplyOperator(option.Condition{Field: "status", Operator: option.IN, Value: CountedEarningStatuses}),
		option.WithSortBy(option.QuerySortBy{SortBy: "created_at", OrderBy: "asc", Allow: map[string]bool{"created_at": true}}),
	)
	if err != nil {
		return err
	}

	var covered int64
	ids := make([]string, 0)
	for _, e := range earnings {
		if covered+e.Amount > completed {
			break
		}
		covered += e.Amount
		if e.Status == EarningAccrued {
			ids = append(ids, e.ID)
		}
	}

	if len(ids) == 0 {
		return nil
	}

	return tx.WithContext(ctx).Model(&Earning{}).
		Where("id IN ? AND status = ?", ids, EarningAccrued).
		Updates(map[string]any{"status": EarningWithdrawn, "updated_at": s.now().UTC()}).Error
}

// SettleReversalsTx reverses refunded earnings that were only flagged because
// a withdrawal reserved them. Oldest first, each one is reversed while the
// available balance still covers it. The caller holds the account lock.
func (s *Service) SettleReversalsTx(ctx context.Context, tx *gorm.DB, userID string, userType BeneficiaryType) ([]*Earning, error) {
	flagged, err := s.earnings.WithTrx(tx).Find(ctx, &Earning{
		BeneficiaryID:          userID,
		BeneficiaryType:        userType,
		Status:                 EarningAccrued,
		ReconciliationRequired: true,
	}, option.WithSortBy(option.QuerySortBy{SortBy: "created_at", OrderBy: "asc", Allow: map[string]bool{"created_at": true}}))
	if err != nil || len(flagged) == 0 {
		return nil, err
	}

	available, err := s.AvailableBalanceTx(ctx, tx, userID, userType)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	settled := make([]*Earning, 0, len(flagged))
	for _, e := range flagged {
		if e.Amount > available {
			break
		}
		if err := tx.WithContext(ctx).Model(&Earning{}).
			Where("id = ? AND status = ?", e.ID, EarningAccrued).
			Updates(map[string]any{
				"status":                  EarningReversed,
				"reconciliation_required": false,
				"reversed_at":             gorm.Expr("COALESCE(reversed_at, ?)", now),
				"updated_at":              now,
			}).Error; err != nil {
			return nil, err
		}
		available -= e.Amount
		e.Status, e.ReconciliationRequired = EarningReversed, false
		if e.ReversedAt == nil {
			e.ReversedAt = &now
		}
		settled = append(settled, e)
	}

	if len(settled) > 0 {
		zap.L().With(logFields(ctx, userID, userType)...).Info("settled pending reversals", zap.Int("count", len(settled)))
	}
	return settled, nil
}

func (s *Service) ListEarnings(ctx context.Context, userID string, userType BeneficiaryType, page pagination.Pagination) ([]*Earning, *pagination.PageInfo, error) {
	if userID == "" || !userType.Valid() {
		return nil, nil, invalidBeneficiary(userID, userType)
	}

	opts, err := pagination.Query(page)
	if err != nil {
		return nil, nil, errutil.BadRequest("invalid cursor", err, errutil.WithReason("invalid_input"))
	}

	rows, err := s.earnings.Find(ctx, &Earning{BeneficiaryID: userID, BeneficiaryType: userType}, opts...)
	if err != nil {
		zap.L().With(logFields(ctx, userID, userType)...).Error("failed to list earnings", zap.Error(err))
		return nil, nil, err
	}

	rows, info := pagination.BuildCursorPageInfo(rows, page.Normalize().Limit, func(e *Earning) pagination.Cursor {
		return pagination.Cursor{CreatedAt: e.CreatedAt, ID: e.ID}
	})
	return rows, info, nil
}
