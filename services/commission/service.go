package commission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"rental-payouts/pkg/celengine"
	"rental-payouts/pkg/config"
	"rental-payouts/pkg/db/option"
	"rental-payouts/pkg/errutil"
	"rental-payouts/pkg/events"
	"rental-payouts/pkg/repository"
	"rental-payouts/services/ledger"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	accrued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payouts_earnings_accrued_total",
		Help: "Earnings recorded from settled bookings.",
	}, []string{"beneficiary_type"})

	reversals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payouts_earnings_reversals_total",
		Help: "Earnings touched by booking refunds, by outcome.",
	}, []string{"outcome"})
)

var hundred = decimal.NewFromInt(100)

// Ledger is the part of the balance ledger accrual writes through.
type Ledger interface {
	Currency() string
	LockAccounts(ctx context.Context, tx *gorm.DB, bs ...ledger.Beneficiary) error
	AvailableBalanceTx(ctx context.Context, tx *gorm.DB, userID string, userType ledger.BeneficiaryType) (int64, error)
}

type Service struct {
	db          *gorm.DB
	node        *snowflake.Node
	ledger      Ledger
	events      events.Publisher
	eligibility *celengine.Program
	feePercent  decimal.Decimal
	tiers       []Tier
	now         func() time.Time

	earnings  repository.Repository[ledger.Earning]
	referrals repository.Repository[Referral]
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	Node   *snowflake.Node
	Config *config.Config
	Ledger *ledger.Service
	Events events.Publisher
}

func NewService(p ServiceParams) (*Service, error) {
	return newService(p.DB, p.Node, p.Ledger, p.Events, p.Config.Commission)
}

func newService(db *gorm.DB, node *snowflake.Node, l Ledger, pub events.Publisher, cfg config.CommissionConfig) (*Service, error) {
	expr := cfg.EligibilityExpr
	if expr == "" {
		expr = config.DefaultEligibilityExpr
	}
	prg, err := celengine.Compile(expr, "booking")
	if err != nil {
		return nil, fmt.Errorf("commission eligibility: %w", err)
	}

	tiers := make([]Tier, 0, len(cfg.AffiliateTiers))
	for _, t := range cfg.AffiliateTiers {
		tiers = append(tiers, Tier{
			Name:                t.Name,
			MinLifetimeEarnings: t.MinLifetimeEarnings,
			RatePercent:         decimal.NewFromFloat(t.RatePercent),
		})
	}

	return &Service{
		db:          db,
		node:        node,
		ledger:      l,
		events:      pub,
		eligibility: prg,
		feePercent:  decimal.NewFromFloat(cfg.PlatformFeePercent),
		tiers:       tiers,
		now:         time.Now,

		earnings:  repository.ProvideStore[ledger.Earning](db),
		referrals: repository.ProvideStore[Referral](db),
	}, nil
}

func traceFields(ctx context.Context) []zap.Field {
	sc := trace.SpanContextFromContext(ctx)
	return []zap.Field{
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	}
}

// ResolveRate returns the highest tier whose threshold lifetime has reached.
// Below the first threshold the rate is zero.
func (s *Service) ResolveRate(lifetime int64) Tier {
	resolved := Tier{Name: "none", RatePercent: decimal.Zero}
	for _, t := range s.tiers {
		if lifetime < t.MinLifetimeEarnings {
			break
		}
		resolved = t
	}
	return resolved
}

// OwnerShare is total minus the platform fee, the fee rounded half-up.
func (s *Service) OwnerShare(total int64) (amount, feeBps int64) {
	fee := decimal.NewFromInt(total).Mul(s.feePercent).Div(hundred).Round(0)
	return total - fee.IntPart(), s.feePercent.Mul(hundred).Round(0).IntPart()
}

// AffiliateShare is total times the tier rate, rounded down.
func AffiliateShare(total int64, t Tier) int64 {
	return decimal.NewFromInt(total).Mul(t.RatePercent).Div(hundred).Floor().IntPart()
}

func (s *Service) validateBooking(b Booking) error {
	switch {
	case b.ID == "":
		return invalidBooking("booking id is required")
	case b.OwnerID == "" || b.RenterID == "":
		return invalidBooking("booking owner and renter are required")
	case b.TotalAmount <= 0:
		return invalidBooking("booking total must be greater than zero")
	case b.Currency != "" && b.Currency != s.ledger.Currency():
		return invalidBooking("booking currency " + b.Currency + " is not settled by this ledger")
	}
	return nil
}

// earliestReferral returns the renter's first referral, or nil.
func (s *Service) earliestReferral(ctx context.Context, renterID string) (*Referral, error) {
	rows, err := s.referrals.Find(ctx, &Referral{RenterID: renterID},
		option.WithSortBy(option.QuerySortBy{SortBy: "created_at", OrderBy: "asc", Allow: map[string]bool{"created_at": true}}),
		option.WithLimit(1),
	)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0], nil
}

func (s *Service) existing(ctx context.Context, bookingID string) (*AccrualResult, error) {
	rows, err := s.earnings.Find(ctx, &ledger.Earning{SourceEventID: bookingID})
	if err != nil || len(rows) == 0 {
		return nil, err
	}

	res := &AccrualResult{BookingID: bookingID, Eligible: true, Duplicate: true}
	for _, e := range rows {
		switch e.BeneficiaryType {
		case ledger.BeneficiaryOwner:
			res.Owner = e
		case ledger.BeneficiaryAffiliate:
			res.Affiliate = e
		}
	}
	return res, nil
}

// AccrueBooking records the owner's and, for referred renters, the
// affiliate's earning for a settled booking. Replaying a booking returns the
// earnings already recorded.
func (s *Service) AccrueBooking(ctx context.Context, b Booking) (*AccrualResult, error) {
	zapLog := zap.L().With(traceFields(ctx)...).With(
		zap.String("booking_id", b.ID),
		zap.String("owner_id", b.OwnerID),
		zap.String("renter_id", b.RenterID),
	)

	if err := s.validateBooking(b); err != nil {
		return nil, err
	}

	eligible, err := s.eligibility.Eval(map[string]any{"booking": celengine.StructToMap(b)})
	if err != nil {
		zapLog.Warn("eligibility expression failed", zap.String("expr", s.eligibility.String()), zap.Error(err))
		return nil, invalidBooking("booking cannot be evaluated for commission: " + err.Error())
	}
	if !eligible {
		zapLog.Info("booking not eligible for commission", zap.String("status", b.Status), zap.String("payment_status", b.PaymentStatus))
		return &AccrualResult{BookingID: b.ID}, nil
	}

	if res, err := s.existing(ctx, b.ID); err != nil || res != nil {
		if res != nil {
			zapLog.Info("booking already accrued")
		}
		return res, err
	}

	referral, err := s.earliestReferral(ctx, b.RenterID)
	if err != nil {
		zapLog.Error("failed to load referral", zap.Error(err))
		return nil, err
	}
	if referral != nil && (referral.AffiliateID == b.RenterID || referral.AffiliateID == b.OwnerID) {
		zapLog.Info("self referral earns nothing", zap.String("affiliate_id", referral.AffiliateID))
		referral = nil
	}

	res := &AccrualResult{BookingID: b.ID, Eligible: true}
	currency := s.ledger.Currency()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		owner := ledger.Beneficiary{UserID: b.OwnerID, UserType: ledger.BeneficiaryOwner}
		locks := []ledger.Beneficiary{owner}
		if referral != nil {
			locks = append(locks, ledger.Beneficiary{UserID: referral.AffiliateID, UserType: ledger.BeneficiaryAffiliate})
		}
		if err := s.ledger.LockAccounts(ctx, tx, locks...); err != nil {
			return err
		}

		now := s.now().UTC()
		ownerAmount, feeBps := s.OwnerShare(b.TotalAmount)
		if ownerAmount > 0 {
			e := &ledger.Earning{
				ID:              s.node.Generate().String(),
				BeneficiaryID:   b.OwnerID,
				BeneficiaryType: ledger.BeneficiaryOwner,
				SourceEventID:   b.ID,
				BookingID:       b.ID,
				GrossAmount:     b.TotalAmount,
				RateBps:         10_000 - feeBps,
				Amount:          ownerAmount,
				Currency:        currency,
				Status:          ledger.EarningAccrued,
				Metadata:        metadata(map[string]any{"renter_id": b.RenterID, "platform_fee": b.TotalAmount - ownerAmount}),
				CreatedAt:       now,
				UpdatedAt:       now,
			}
			if err := insertOnce(ctx, tx, e); err != nil {
				return err
			}
			res.Owner = e
		}

		if referral == nil {
			return nil
		}

		var lifetime int64
		if err := tx.WithContext(ctx).Model(&ledger.Earning{}).
			Select("COALESCE(SUM(amount), 0)").
			Where("beneficiary_id = ? AND beneficiary_type = ? AND status <> ?", referral.AffiliateID, ledger.BeneficiaryAffiliate, ledger.EarningReversed).
			Scan(&lifetime).Error; err != nil {
			return err
		}

		tier := s.ResolveRate(lifetime)
		res.Tier = &tier
		amount := AffiliateShare(b.TotalAmount, tier)
		if amount <= 0 {
			return nil
		}

		e := &ledger.Earning{
			ID:              s.node.Generate().String(),
			BeneficiaryID:   referral.AffiliateID,
			BeneficiaryType: ledger.BeneficiaryAffiliate,
			SourceEventID:   b.ID,
			BookingID:       b.ID,
			GrossAmount:     b.TotalAmount,
			RateBps:         tier.Bps(),
			Amount:          amount,
			Currency:        currency,
			Status:          ledger.EarningAccrued,
			Metadata:        metadata(map[string]any{"renter_id": b.RenterID, "referral_id": referral.ID, "tier": tier.Name, "lifetime_before": lifetime}),
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := insertOnce(ctx, tx, e); err != nil {
			return err
		}
		res.Affiliate = e
		return nil
	})
	if errors.Is(err, errAlreadyAccrued) {
		zapLog.Info("booking accrued concurrently")
		return s.existing(ctx, b.ID)
	}
	if err != nil {
		zapLog.Error("failed to accrue booking", zap.Error(err))
		return nil, err
	}

	for _, e := range []*ledger.Earning{res.Owner, res.Affiliate} {
		if e == nil {
			continue
		}
		accrued.WithLabelValues(string(e.BeneficiaryType)).Inc()
		if err := s.events.Publish(ctx, events.SubjectEarningAccrued, e); err != nil {
			zapLog.Warn("failed to publish accrual", zap.String("earning_id", e.ID), zap.Error(err))
		}
	}

	zapLog.Info("booking accrued", zap.Bool("affiliate", res.Affiliate != nil))
	return res, nil
}

// insertOnce relies on the (source_event_id, beneficiary_type) unique key.
func insertOnce(ctx context.Context, tx *gorm.DB, e *ledger.Earning) error {
	r := tx.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(e)
	if r.Error != nil {
		return r.Error
	}
	if r.RowsAffected == 0 {
		return errAlreadyAccrued
	}
	return nil
}

func metadata(m map[string]any) []byte {
	b, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return b
}

// ReverseBooking undoes a refunded booking's earnings where the money is
// still unspent. Earnings already withdrawn or reserved are flagged for
// reconciliation and keep their amount. Calling it again reverses flagged
// earnings whose reservation has since been released.
func (s *Service) ReverseBooking(ctx context.Context, bookingID string) (*ReversalResult, error) {
	zapLog := zap.L().With(traceFields(ctx)...).With(zap.String("booking_id", bookingID))

	if bookingID == "" {
		return nil, invalidBooking("booking id is required")
	}

	rows, err := s.earnings.Find(ctx, &ledger.Earning{BookingID: bookingID})
	if err != nil {
		zapLog.Error("failed to load booking earnings", zap.Error(err))
		return nil, err
	}

	res := &ReversalResult{BookingID: bookingID, Reversed: []*ledger.Earning{}, Flagged: []*ledger.Earning{}}
	if len(rows) == 0 {
		zapLog.Info("refunded booking has no earnings")
		return res, nil
	}

	locks := make([]ledger.Beneficiary, 0, len(rows))
	for _, e := range rows {
		locks = append(locks, ledger.Beneficiary{UserID: e.BeneficiaryID, UserType: e.BeneficiaryType})
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.ledger.LockAccounts(ctx, tx, locks...); err != nil {
			return err
		}

		current, err := s.earnings.WithTrx(tx).Find(ctx, &ledger.Earning{BookingID: bookingID},
			option.WithSortBy(option.QuerySortBy{SortBy: "beneficiary_type", OrderBy: "asc", Allow: map[string]bool{"beneficiary_type": true}}),
		)
		if err != nil {
			return err
		}

		now := s.now().UTC()
		for _, e := range current {
			if e.Status == ledger.EarningReversed {
				continue
			}

			if e.Status == ledger.EarningAccrued {
				available, err := s.ledger.AvailableBalanceTx(ctx, tx, e.BeneficiaryID, e.BeneficiaryType)
				if err != nil {
					return err
				}
				if available >= e.Amount {
					reversedAt := now
					if e.ReversedAt != nil {
						reversedAt = *e.ReversedAt
					}
					if err := s.earnings.WithTrx(tx).Update(ctx, e.ID, map[string]any{
						"status":                  ledger.EarningReversed,
						"reconciliation_required": false,
						"reversed_at":             reversedAt,
						"updated_at":              now,
					}); err != nil {
						return err
					}
					e.Status, e.ReconciliationRequired, e.ReversedAt = ledger.EarningReversed, false, &reversedAt
					res.Reversed = append(res.Reversed, e)
					continue
				}
			}

			// already flagged by an earlier delivery and still not coverable
			if e.ReconciliationRequired {
				continue
			}

			if err := s.earnings.WithTrx(tx).Update(ctx, e.ID, map[string]any{
				"reconciliation_required": true,
				"reversed_at":             now,
				"updated_at":              now,
			}); err != nil {
				return err
			}
			e.ReconciliationRequired, e.ReversedAt = true, &now
			res.Flagged = append(res.Flagged, e)
		}
		return nil
	})
	if err != nil {
		var be errutil.BaseError
		if errors.As(err, &be) {
			zapLog.Warn("booking reversal refused", zap.Error(err))
		} else {
			zapLog.Error("failed to reverse booking", zap.Error(err))
		}
		return nil, err
	}

	reversals.WithLabelValues("reversed").Add(float64(len(res.Reversed)))
	reversals.WithLabelValues("reconciliation").Add(float64(len(res.Flagged)))
	for _, e := range res.Flagged {
		zapLog.Warn("earning needs reconciliation",
			zap.String("earning_id", e.ID),
			zap.String("beneficiary_id", e.BeneficiaryID),
			zap.String("beneficiary_type", string(e.BeneficiaryType)),
			zap.Int64("amount", e.Amount),
			zap.String("status", string(e.Status)),
		)
	}
	if len(res.Reversed)+len(res.Flagged) > 0 {
		if err := s.events.Publish(ctx, events.SubjectEarningReversed, res); err != nil {
			zapLog.Warn("failed to publish reversal", zap.Error(err))
		}
	}

	zapLog.Info("booking reversed", zap.Int("reversed", len(res.Reversed)), zap.Int("flagged", len(res.Flagged)))
	return res, nil
}

// RecordReferral stores that affiliateID referred renterID. Recording the same
// pair again returns the first record.
func (s *Service) RecordReferral(ctx context.Context, renterID, affiliateID, code string) (*Referral, error) {
	if renterID == "" || affiliateID == "" {
		return nil, errutil.BadRequest("renter_id and affiliate_id are required", ErrInvalidReferral, errutil.WithReason(ReasonInvalidInput))
	}
	if renterID == affiliateID {
		return nil, errutil.BadRequest("an affiliate cannot refer themselves", ErrSelfReferral, errutil.WithReason(ReasonInvalidInput))
	}

	ref := &Referral{
		ID:           s.node.Generate().String(),
		RenterID:     renterID,
		AffiliateID:  affiliateID,
		ReferralCode: code,
		CreatedAt:    s.now().UTC(),
	}

	r := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(ref)
	if r.Error != nil {
		zap.L().With(traceFields(ctx)...).Error("failed to record referral", zap.String("renter_id", renterID), zap.Error(r.Error))
		return nil, r.Error
	}
	if r.RowsAffected == 0 {
		return s.referrals.FindOne(ctx, &Referral{RenterID: renterID, AffiliateID: affiliateID})
	}

	zap.L().With(traceFields(ctx)...).Info("referral recorded", zap.String("renter_id", renterID), zap.String("affiliate_id", affiliateID))
	return ref, nil
}
