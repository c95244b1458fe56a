package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"rental-payouts/pkg/accesscontrol"
	"rental-payouts/pkg/config"
	"rental-payouts/pkg/db/pagination"
	"rental-payouts/pkg/errutil"
	"rental-payouts/pkg/events"
	eventsmock "rental-payouts/pkg/events/mock"
	"rental-payouts/pkg/middleware"
	"rental-payouts/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
	gin.SetMode(gin.TestMode)
}

var base = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, publisher events.Publisher) (*Service, *gorm.DB) {
	t.Helper()
	db := testutil.NewTestDB(t, Models()...)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Payout.Currency = "NGN"
	if publisher == nil {
		publisher = events.Nop{}
	}

	return NewService(ServiceParams{DB: db, Node: node, Config: cfg, Events: publisher}), db
}

func seedEarning(t *testing.T, db *gorm.DB, id, userID string, userType BeneficiaryType, amount int64, status EarningStatus, at time.Time) *Earning {
	t.Helper()
	e := &Earning{
		ID:              id,
		BeneficiaryID:   userID,
		BeneficiaryType: userType,
		SourceEventID:   "booking-" + id,
		BookingID:       "booking-" + id,
		GrossAmount:     amount,
		RateBps:         10_000,
		Amount:          amount,
		Currency:        "NGN",
		Status:          status,
		CreatedAt:       at,
		UpdatedAt:       at,
	}
	require.NoError(t, db.Create(e).Error)
	return e
}

func seedWithdrawal(t *testing.T, db *gorm.DB, id, userID string, userType BeneficiaryType, amount int64, status WithdrawalStatus) {
	t.Helper()
	require.NoError(t, db.Create(&WithdrawalRequest{
		ID:             id,
		Code:           "WDR-" + id,
		UserID:         userID,
		UserType:       userType,
		Amount:         amount,
		Currency:       "NGN",
		PaymentMethod:  "mobile_money",
		PaymentDetails: []byte(`{"phone":"+254700000000"}`),
		Status:         status,
		CreatedAt:      base,
		UpdatedAt:      base,
	}).Error)
}

func TestGetAvailableBalance(t *testing.T) {
	svc, db := newTestService(t, nil)
	ctx := context.Background()

	seedEarning(t, db, "e1", "u1", BeneficiaryOwner, 3000, EarningAccrued, base)
	seedEarning(t, db, "e2", "u1", BeneficiaryOwner, 2000, EarningWithdrawn, base.Add(time.Minute))
	seedEarning(t, db, "e3", "u1", BeneficiaryOwner, 700, EarningReversed, base.Add(2*time.Minute))
	// same user, other role: separate ledger
	seedEarning(t, db, "e4", "u1", BeneficiaryAffiliate, 900, EarningAccrued, base)

	seedWithdrawal(t, db, "w1", "u1", BeneficiaryOwner, 2000, WithdrawalCompleted)
	seedWithdrawal(t, db, "w2", "u1", BeneficiaryOwner, 500, WithdrawalPending)
	seedWithdrawal(t, db, "w3", "u1", BeneficiaryOwner, 400, WithdrawalProcessing)
	seedWithdrawal(t, db, "w4", "u1", BeneficiaryOwner, 1000, WithdrawalRejected)

	available, err := svc.GetAvailableBalance(ctx, "u1", BeneficiaryOwner)
	require.NoError(t, err)
	require.Equal(t, int64(5000-2000-500-400), available)

	available, err = svc.GetAvailableBalance(ctx, "u1", BeneficiaryAffiliate)
	require.NoError(t, err)
	require.Equal(t, int64(900), available)

	available, err = svc.GetAvailableBalance(ctx, "nobody", BeneficiaryOwner)
	require.NoError(t, err)
	require.Zero(t, available)
}

func TestGetBalanceSummary(t *testing.T) {
	svc, db := newTestService(t, nil)

	seedEarning(t, db, "e1", "u1", BeneficiaryAffiliate, 1000, EarningAccrued, base)
	flagged := seedEarning(t, db, "e2", "u1", BeneficiaryAffiliate, 250, EarningWithdrawn, base)
	require.NoError(t, db.Model(flagged).Update("reconciliation_required", true).Error)
	seedEarning(t, db, "e3", "u1", BeneficiaryAffiliate, 300, EarningReversed, base)
	seedWithdrawal(t, db, "w1", "u1", BeneficiaryAffiliate, 250, WithdrawalCompleted)
	seedWithdrawal(t, db, "w2", "u1", BeneficiaryAffiliate, 100, WithdrawalPending)

	summary, err := svc.GetBalanceSummary(context.Background(), "u1", BeneficiaryAffiliate)
	require.NoError(t, err)
	require.Equal(t, &BalanceSummary{
		UserID:                "u1",
		UserType:              BeneficiaryAffiliate,
		Currency:              "NGN",
		Earned:                1250,
		Reserved:              100,
		Withdrawn:             250,
		Reversed:              300,
		Available:             900,
		PendingReconciliation: 250,
	}, summary)
}

func TestNegativeBalanceIsIntegrityError(t *testing.T) {
	ctrl := gomock.NewController(t)
	publisher := eventsmock.NewMockPublisher(ctrl)
	publisher.EXPECT().
		Publish(gomock.Any(), events.SubjectLedgerIntegrity, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, payload any) error {
			ev, ok := payload.(IntegrityEvent)
			require.True(t, ok)
			require.Equal(t, int64(-100), ev.Available)
			return nil
		})

	svc, db := newTestService(t, publisher)
	seedEarning(t, db, "e1", "u1", BeneficiaryOwner, 100, EarningAccrued, base)
	seedWithdrawal(t, db, "w1", "u1", BeneficiaryOwner, 200, WithdrawalPending)

	_, err := svc.GetAvailableBalance(context.Background(), "u1", BeneficiaryOwner)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrLedgerIntegrity)

	var be errutil.BaseError
	require.True(t, errors.As(err, &be))
	require.Equal(t, errutil.StatusInternal, be.Status())
	require.Equal(t, ReasonLedgerIntegrity, be.Reason)
}

func TestInvalidBeneficiary(t *testing.T) {
	svc, _ := newTestService(t, nil)

	_, err := svc.GetAvailableBalance(context.Background(), "u1", BeneficiaryType("renter"))
	require.ErrorIs(t, err, ErrInvalidBeneficiary)

	_, err = svc.GetBalanceSummary(context.Background(), "", BeneficiaryOwner)
	require.ErrorIs(t, err, ErrInvalidBeneficiary)
}

func TestLockAccountCreatesOnce(t *testing.T) {
	svc, db := newTestService(t, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := db.Transaction(func(tx *gorm.DB) error {
			acct, err := svc.LockAccount(ctx, tx, "u1", BeneficiaryOwner)
			if err != nil {
				return err
			}
			require.Equal(t, "u1", acct.UserID)
			return nil
		})
		require.NoError(t, err)
	}

	var count int64
	require.NoError(t, db.Model(&PayoutAccount{}).Count(&count).Error)
	require.Equal(t, int64(1), count)

	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return svc.LockAccounts(ctx, tx,
			Beneficiary{UserID: "u2", UserType: BeneficiaryAffiliate},
			Beneficiary{UserID: "u1", UserType: BeneficiaryOwner},
			Beneficiary{UserID: "u2", UserType: BeneficiaryAffiliate},
		)
	}))
	require.NoError(t, db.Model(&PayoutAccount{}).Count(&count).Error)
	require.Equal(t, int64(2), count)
}

func TestConsumeEarningsOldestFirst(t *testing.T) {
	svc, db := newTestService(t, nil)
	ctx := context.Background()

	seedEarning(t, db, "e1", "u1", BeneficiaryOwner, 300, EarningAccrued, base)
	seedEarning(t, db, "e2", "u1", BeneficiaryOwner, 500, EarningAccrued, base.Add(time.Hour))
	seedEarning(t, db, "e3", "u1", BeneficiaryOwner, 200, EarningAccrued, base.Add(2*time.Hour))
	seedEarning(t, db, "e4", "u1", BeneficiaryOwner, 50, EarningReversed, base.Add(-time.Hour))
	seedWithdrawal(t, db, "w1", "u1", BeneficiaryOwner, 900, WithdrawalCompleted)

	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return svc.ConsumeEarningsTx(ctx, tx, "u1", BeneficiaryOwner)
	}))

	statuses := map[string]EarningStatus{}
	var rows []Earning
	require.NoError(t, db.Find(&rows).Error)
	for _, r := range rows {
		statuses[r.ID] = r.Status
	}

	require.Equal(t, EarningWithdrawn, statuses["e1"])
	require.Equal(t, EarningWithdrawn, statuses["e2"])
	require.Equal(t, EarningAccrued, statuses["e3"])
	require.Equal(t, EarningReversed, statuses["e4"])

	// consuming does not move the balance
	available, err := svc.GetAvailableBalance(ctx, "u1", BeneficiaryOwner)
	require.NoError(t, err)
	require.Equal(t, int64(100), available)
}

func TestConsumeEarningsBreaksTiesByID(t *testing.T) {
	svc, db := newTestService(t, nil)
	ctx := context.Background()

	seedEarning(t, db, "e-b", "u1", BeneficiaryOwner, 300, EarningAccrued, base)
	seedEarning(t, db, "e-a", "u1", BeneficiaryOwner, 300, EarningAccrued, base)
	seedWithdrawal(t, db, "w1", "u1", BeneficiaryOwner, 300, WithdrawalCompleted)

	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return svc.ConsumeEarningsTx(ctx, tx, "u1", BeneficiaryOwner)
	}))

	var a, b Earning
	require.NoError(t, db.First(&a, "id = ?", "e-a").Error)
	require.NoError(t, db.First(&b, "id = ?", "e-b").Error)
	require.Equal(t, EarningWithdrawn, a.Status)
	require.Equal(t, EarningAccrued, b.Status)
}

func TestSettleReversalsOldestFirst(t *testing.T) {
	svc, db := newTestService(t, nil)
	ctx := context.Background()

	flaggedAt := base.Add(24 * time.Hour)
	for _, id := range []string{"f1", "f2"} {
		at := base
		amount := int64(300)
		if id == "f2" {
			at, amount = base.Add(time.Hour), 500
		}
		seedEarning(t, db, id, "u1", BeneficiaryOwner, amount, EarningAccrued, at)
		require.NoError(t, db.Model(&Earning{}).Where("id = ?", id).
			Updates(map[string]any{"reconciliation_required": true, "reversed_at": flaggedAt}).Error)
	}
	seedEarning(t, db, "e3", "u1", BeneficiaryOwner, 200, EarningAccrued, base.Add(2*time.Hour))
	seedWithdrawal(t, db, "w1", "u1", BeneficiaryOwner, 400, WithdrawalPending)

	var settled []*Earning
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		if _, err := svc.LockAccount(ctx, tx, "u1", BeneficiaryOwner); err != nil {
			return err
		}
		var err error
		settled, err = svc.SettleReversalsTx(ctx, tx, "u1", BeneficiaryOwner)
		return err
	}))

	require.Len(t, settled, 1)
	require.Equal(t, "f1", settled[0].ID)

	var f1, f2 Earning
	require.NoError(t, db.First(&f1, "id = ?", "f1").Error)
	require.NoError(t, db.First(&f2, "id = ?", "f2").Error)
	require.Equal(t, EarningReversed, f1.Status)
	require.False(t, f1.ReconciliationRequired)
	require.NotNil(t, f1.ReversedAt)
	require.WithinDuration(t, flaggedAt, *f1.ReversedAt, time.Second)
	require.Equal(t, EarningAccrued, f2.Status)
	require.True(t, f2.ReconciliationRequired)

	available, err := svc.GetAvailableBalance(ctx, "u1", BeneficiaryOwner)
	require.NoError(t, err)
	require.Equal(t, int64(300), available)
}

func TestListEarningsPaginates(t *testing.T) {
	svc, db := newTestService(t, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		seedEarning(t, db, fmt.Sprintf("e%d", i), "u1", BeneficiaryOwner, int64(100+i), EarningAccrued, base.Add(time.Duration(i)*time.Minute))
	}

	page1, info, err := svc.ListEarnings(ctx, "u1", BeneficiaryOwner, pagination.Pagination{Limit: 3})
	require.NoError(t, err)
	require.Len(t, page1, 3)
	require.True(t, info.HasMore)
	require.Equal(t, "e4", page1[0].ID)

	page2, info, err := svc.ListEarnings(ctx, "u1", BeneficiaryOwner, pagination.Pagination{Limit: 3, Cursor: info.NextCursor})
	require.NoError(t, err)
	require.Len(t, page2, 2)
	require.False(t, info.HasMore)
	require.Equal(t, "e1", page2[0].ID)
	require.Equal(t, "e0", page2[1].ID)

	_, _, err = svc.ListEarnings(ctx, "u1", BeneficiaryOwner, pagination.Pagination{Cursor: "!!"})
	require.ErrorIs(t, err, pagination.ErrInvalidCursor)
}

func TestBalanceEndpoint(t *testing.T) {
	svc, db := newTestService(t, nil)
	seedEarning(t, db, "e1", "owner-1", BeneficiaryOwner, 5000, EarningAccrued, base)

	enforcer, err := accesscontrol.NewDefault()
	require.NoError(t, err)

	r := gin.New()
	r.Use(middleware.Error())
	RegisterRoutes(r, enforcer, svc)

	req := httptest.NewRequest(http.MethodGet, "/v1/balance", nil)
	req.Header.Set(middleware.HeaderUserID, "owner-1")
	req.Header.Set(middleware.HeaderUserRole, "owner")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var summary BalanceSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summary))
	require.Equal(t, int64(5000), summary.Available)

	req = httptest.NewRequest(http.MethodGet, "/v1/balance", nil)
	req.Header.Set(middleware.HeaderUserID, "admin-1")
	req.Header.Set(middleware.HeaderUserRole, "admin")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusForbidden, w.Code)
}
