package withdrawal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"rental-payouts/pkg/accesscontrol"
	"rental-payouts/pkg/config"
	"rental-payouts/pkg/errutil"
	"rental-payouts/pkg/events"
	eventsmock "rental-payouts/pkg/events/mock"
	"rental-payouts/pkg/featureflags"
	"rental-payouts/pkg/middleware"
	"rental-payouts/pkg/task"
	"rental-payouts/pkg/taskname"
	"rental-payouts/services/ledger"
	"rental-payouts/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
	gin.SetMode(gin.TestMode)
}

var base = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeCodes struct {
	mu  sync.Mutex
	n   int
	err error
}

func (f *fakeCodes) NextWithdrawalCode(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.n++
	return fmt.Sprintf("WDR-260101-%03d", f.n), nil
}

type recordedTasks struct {
	mu    sync.Mutex
	types []string
}

func (r *recordedTasks) enqueuer() task.Enqueuer {
	return task.EnqueueFunc(func(_ context.Context, t *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.types = append(r.types, t.Type())
		return &asynq.TaskInfo{Type: t.Type()}, nil
	})
}

func (r *recordedTasks) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.types)
}

type fixture struct {
	svc    *Service
	ledger *ledger.Service
	db     *gorm.DB
	codes  *fakeCodes
	tasks  *recordedTasks
}

type fixtureOption func(*fixtureConfig)

type fixtureConfig struct {
	publisher events.Publisher
	flags     featureflags.FeatureFlag
	payout    config.PayoutConfig
	openDB    func(t *testing.T) *gorm.DB
	wrap      func(Ledger) Ledger
}

func withPublisher(p events.Publisher) fixtureOption {
	return func(c *fixtureConfig) { c.publisher = p }
}

func withFlags(f featureflags.FeatureFlag) fixtureOption {
	return func(c *fixtureConfig) { c.flags = f }
}

// withConcurrentDB gives every transaction its own connection.
func withConcurrentDB() fixtureOption {
	return func(c *fixtureConfig) {
		c.openDB = func(t *testing.T) *gorm.DB {
			return testutil.NewConcurrentTestDB(t, 4, ledger.Models()...)
		}
	}
}

func withLedger(wrap func(Ledger) Ledger) fixtureOption {
	return func(c *fixtureConfig) { c.wrap = wrap }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()

	fc := fixtureConfig{
		publisher: events.Nop{},
		flags:     featureflags.Static{},
		payout: config.PayoutConfig{
			Currency:             "NGN",
			MinimumWithdrawal:    100,
			ProcessingStaleAfter: 72 * time.Hour,
		},
	}
	for _, opt := range opts {
		opt(&fc)
	}

	var db *gorm.DB
	if fc.openDB != nil {
		db = fc.openDB(t)
	} else {
		db = testutil.NewTestDB(t, ledger.Models()...)
	}
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg := &config.Config{Payout: fc.payout}
	ledgerSvc := ledger.NewService(ledger.ServiceParams{DB: db, Node: node, Config: cfg, Events: fc.publisher})

	codes := &fakeCodes{}
	tasks := &recordedTasks{}
	var l Ledger = ledgerSvc
	if fc.wrap != nil {
		l = fc.wrap(ledgerSvc)
	}
	svc := newService(db, node, l, codes, fc.publisher, tasks.enqueuer(), fc.flags, fc.payout)

	return &fixture{svc: svc, ledger: ledgerSvc, db: db, codes: codes, tasks: tasks}
}

func (f *fixture) earn(t *testing.T, id, userID string, userType ledger.BeneficiaryType, amount int64, at time.Time) {
	t.Helper()
	require.NoError(t, f.db.Create(&ledger.Earning{
		ID:              id,
		BeneficiaryID:   userID,
		BeneficiaryType: userType,
		SourceEventID:   "booking-" + id,
		BookingID:       "booking-" + id,
		GrossAmount:     amount,
		RateBps:         10_000,
		Amount:          amount,
		Currency:        "NGN",
		Status:          ledger.EarningAccrued,
		CreatedAt:       at,
		UpdatedAt:       at,
	}).Error)
}

func (f *fixture) balance(t *testing.T, userID string, userType ledger.BeneficiaryType) int64 {
	t.Helper()
	available, err := f.ledger.GetAvailableBalance(context.Background(), userID, userType)
	require.NoError(t, err)
	return available
}

func mpesa(userID string, amount int64) RequestParams {
	return RequestParams{
		UserID:   userID,
		UserType: ledger.BeneficiaryOwner,
		Amount:   amount,
		Method:   "mpesa",
		Details:  PaymentDetails{Phone: "+254700000000"},
	}
}

func requireReason(t *testing.T, err error, code errutil.CoreStatus, reason string) {
	t.Helper()
	var be errutil.BaseError
	require.True(t, errors.As(err, &be), "expected BaseError, got %v", err)
	require.Equal(t, code, be.Code)
	require.Equal(t, reason, be.Reason)
}

func TestRequestRejectRestoresBalance(t *testing.T) {
	ctrl := gomock.NewController(t)
	publisher := eventsmock.NewMockPublisher(ctrl)
	gomock.InOrder(
		publisher.EXPECT().Publish(gomock.Any(), "payouts.withdrawal.pending", gomock.Any()).Return(nil),
		publisher.EXPECT().Publish(gomock.Any(), "payouts.withdrawal.rejected", gomock.Any()).
			DoAndReturn(func(_ context.Context, _ string, payload any) error {
				ev, ok := payload.(Event)
				require.True(t, ok)
				require.Equal(t, "wrong phone number", ev.RejectionReason)
				require.Equal(t, "admin-1", ev.ReviewerID)
				return nil
			}),
	)

	f := newFixture(t, withPublisher(publisher))
	ctx := context.Background()
	f.earn(t, "e1", "owner-1", ledger.BeneficiaryOwner, 5000, base)

	w, err := f.svc.RequestWithdrawal(ctx, mpesa("owner-1", 5000))
	require.NoError(t, err)
	require.Equal(t, ledger.WithdrawalPending, w.Status)
	require.Equal(t, string(MethodMobileMoney), w.PaymentMethod)
	require.Equal(t, "WDR-260101-001", w.Code)
	require.Equal(t, "NGN", w.Currency)
	require.JSONEq(t, `{"provider":"mpesa","phone":"+254700000000"}`, string(w.PaymentDetails))
	require.Zero(t, f.balance(t, "owner-1", ledger.BeneficiaryOwner))

	_, err = f.svc.RequestWithdrawal(ctx, mpesa("owner-1", 1))
	require.ErrorIs(t, err, ErrInsufficientBalance)
	requireReason(t, err, errutil.StatusUnprocessableEntity, ReasonInsufficientBalance)

	rejected, err := f.svc.RejectWithdrawal(ctx, w.ID, "admin-1", "wrong phone number")
	require.NoError(t, err)
	require.Equal(t, ledger.WithdrawalRejected, rejected.Status)
	require.Equal(t, "admin-1", rejected.ProcessedBy)
	require.NotNil(t, rejected.ProcessedAt)
	require.Equal(t, int64(5000), f.balance(t, "owner-1", ledger.BeneficiaryOwner))

	require.Equal(t, 2, f.tasks.count())
	require.Equal(t, taskname.NotificationWithdrawal, f.tasks.types[0])
}

func TestRequestWithdrawalValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.earn(t, "e1", "owner-1", ledger.BeneficiaryOwner, 5000, base)

	_, err := f.svc.RequestWithdrawal(ctx, mpesa("owner-1", 0))
	require.ErrorIs(t, err, ErrInvalidAmount)
	requireReason(t, err, errutil.StatusBadRequest, ReasonInvalidInput)

	_, err = f.svc.RequestWithdrawal(ctx, mpesa("owner-1", 99))
	require.ErrorIs(t, err, ErrBelowMinimum)
	requireReason(t, err, errutil.StatusUnprocessableEntity, ReasonBelowMinimum)

	bad := mpesa("owner-1", 500)
	bad.Details.Phone = "12ab"
	_, err = f.svc.RequestWithdrawal(ctx, bad)
	require.ErrorIs(t, err, ErrInvalidPaymentDetails)
	requireReason(t, err, errutil.StatusValidationFailed, ReasonInvalidPaymentDetails)

	_, err = f.svc.RequestWithdrawal(ctx, RequestParams{
		UserID: "owner-1", UserType: ledger.BeneficiaryOwner, Amount: 500, Method: "bank",
		Details: PaymentDetails{AccountNumber: "12"},
	})
	require.ErrorIs(t, err, ErrInvalidPaymentDetails)
	var be errutil.BaseError
	require.True(t, errors.As(err, &be))
	require.Len(t, be.Details, 3)

	_, err = f.svc.RequestWithdrawal(ctx, RequestParams{UserID: "owner-1", UserType: "renter", Amount: 500, Method: "mpesa"})
	require.ErrorIs(t, err, ledger.ErrInvalidBeneficiary)

	// nothing was reserved by the failed attempts
	require.Equal(t, int64(5000), f.balance(t, "owner-1", ledger.BeneficiaryOwner))
	require.Zero(t, f.tasks.count())
}

func TestNormalizePayment(t *testing.T) {
	cases := []struct {
		name     string
		method   string
		details  PaymentDetails
		want     PaymentMethod
		provider string
		wantErr  bool
	}{
		{name: "mpesa alias", method: "mpesa", details: PaymentDetails{Phone: "+254 700-000-000"}, want: MethodMobileMoney, provider: "mpesa"},
		{name: "momo alias", method: "MoMo", details: PaymentDetails{Phone: "233240000000"}, want: MethodMobileMoney, provider: "momo"},
		{name: "explicit provider wins", method: "mobile-money", details: PaymentDetails{Phone: "+254700000000", Provider: "Airtel"}, want: MethodMobileMoney, provider: "airtel"},
		{name: "bank alias", method: "bank-transfer", details: PaymentDetails{BankName: "GTB", AccountNumber: "0123 456789", AccountName: "Ada"}, want: MethodBankTransfer},
		{name: "short phone", method: "mpesa", details: PaymentDetails{Phone: "+2547"}, wantErr: true},
		{name: "unknown method", method: "cheque", details: PaymentDetails{}, wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			method, details, err := NormalizePayment(tc.method, tc.details)
			if tc.wantErr {
				require.ErrorIs(t, err, ErrInvalidPaymentDetails)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, method)
			require.Equal(t, tc.provider, details.Provider)
			if method == MethodBankTransfer {
				require.Equal(t, "0123456789", details.AccountNumber)
			} else {
				require.NotContains(t, details.Phone, " ")
			}
		})
	}
}

func TestNormalizePaymentDetails(t *testing.T) {
	_, details, err := NormalizePayment("momo", PaymentDetails{Phone: "(233) 240-000-000"})
	require.NoError(t, err)
	require.Equal(t, "+233240000000", details.Phone)

	_, _, err = NormalizePayment("bank", PaymentDetails{BankName: " ", AccountNumber: "12-34-56", AccountName: "Ada"})
	var be errutil.BaseError
	require.True(t, errors.As(err, &be))
	require.Equal(t, []errutil.Detail{
		{Field: "bank_name", Message: "is required"},
		{Field: "account_number", Message: "must be 6 to 20 digits"},
	}, be.Details)

	_, _, err = NormalizePayment("mpesa", PaymentDetails{})
	require.True(t, errors.As(err, &be))
	require.Equal(t, []errutil.Detail{{Field: "phone", Message: "is required"}}, be.Details)
}

// racingLedger holds every balance read until all parties have read or the
// wait runs out, and records the ledger calls made by each transaction.
type racingLedger struct {
	Ledger
	parties int
	wait    time.Duration

	mu    sync.Mutex
	reads int
	all   chan struct{}
	calls map[*gorm.DB][]string
}

func newRacingLedger(l Ledger, parties int, wait time.Duration) *racingLedger {
	return &racingLedger{Ledger: l, parties: parties, wait: wait, all: make(chan struct{}), calls: map[*gorm.DB][]string{}}
}

func (l *racingLedger) record(tx *gorm.DB, call string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls[tx] = append(l.calls[tx], call)
}

func (l *racingLedger) LockAccount(ctx context.Context, tx *gorm.DB, userID string, userType ledger.BeneficiaryType) (*ledger.PayoutAccount, error) {
	l.record(tx, "lock")
	return l.Ledger.LockAccount(ctx, tx, userID, userType)
}

func (l *racingLedger) AvailableBalanceTx(ctx context.Context, tx *gorm.DB, userID string, userType ledger.BeneficiaryType) (int64, error) {
	l.record(tx, "balance")
	available, err := l.Ledger.AvailableBalanceTx(ctx, tx, userID, userType)

	l.mu.Lock()
	l.reads++
	if l.reads == l.parties {
		close(l.all)
	}
	l.mu.Unlock()

	select {
	case <-l.all:
	case <-time.After(l.wait):
	}
	return available, err
}

func (l *racingLedger) sequences() [][]string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([][]string, 0, len(l.calls))
	for _, c := range l.calls {
		out = append(out, c)
	}
	return out
}

func TestConcurrentRequestsReserveOnce(t *testing.T) {
	var racing *racingLedger
	f := newFixture(t, withConcurrentDB(), withLedger(func(l Ledger) Ledger {
		racing = newRacingLedger(l, 2, 300*time.Millisecond)
		return racing
	}))
	f.earn(t, "e1", "owner-1", ledger.BeneficiaryOwner, 100, base)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.RequestWithdrawal(context.Background(), mpesa("owner-1", 100))
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}()
	}
	wg.Wait()

	var ok, insufficient int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrInsufficientBalance):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, 1, insufficient)
	require.Zero(t, f.balance(t, "owner-1", ledger.BeneficiaryOwner))

	var reserved int64
	require.NoError(t, f.db.Model(&ledger.WithdrawalRequest{}).Where("user_id = ?", "owner-1").Count(&reserved).Error)
	require.Equal(t, int64(1), reserved)

	// the account lock is taken before the balance is read
	seqs := racing.sequences()
	require.Len(t, seqs, 2)
	for _, calls := range seqs {
		require.Equal(t, []string{"lock", "balance"}, calls)
	}
}

func TestApproveConsumesEarnings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.earn(t, "e1", "owner-1", ledger.BeneficiaryOwner, 300, base)
	f.earn(t, "e2", "owner-1", ledger.BeneficiaryOwner, 500, base.Add(time.Hour))

	w, err := f.svc.RequestWithdrawal(ctx, mpesa("owner-1", 300))
	require.NoError(t, err)

	_, err = f.svc.ApproveWithdrawal(ctx, w.ID, "admin-1", "")
	require.ErrorIs(t, err, ErrReferenceRequired)

	_, err = f.svc.ApproveWithdrawal(ctx, w.ID, "", "MPESA-REF")
	require.ErrorIs(t, err, ErrReviewerRequired)

	done, err := f.svc.ApproveWithdrawal(ctx, w.ID, "admin-1", "MPESA-REF")
	require.NoError(t, err)
	require.Equal(t, ledger.WithdrawalCompleted, done.Status)
	require.Equal(t, "MPESA-REF", done.TransactionReference)
	require.Equal(t, int64(500), f.balance(t, "owner-1", ledger.BeneficiaryOwner))

	var e1, e2 ledger.Earning
	require.NoError(t, f.db.First(&e1, "id = ?", "e1").Error)
	require.NoError(t, f.db.First(&e2, "id = ?", "e2").Error)
	require.Equal(t, ledger.EarningWithdrawn, e1.Status)
	require.Equal(t, ledger.EarningAccrued, e2.Status)

	// terminal states do not move
	_, err = f.svc.ApproveWithdrawal(ctx, w.ID, "admin-2", "OTHER-REF")
	require.ErrorIs(t, err, ErrAlreadyProcessed)
	requireReason(t, err, errutil.StatusConflict, ReasonAlreadyProcessed)

	_, err = f.svc.RejectWithdrawal(ctx, w.ID, "admin-2", "duplicate")
	require.ErrorIs(t, err, ErrAlreadyProcessed)

	_, err = f.svc.MarkProcessing(ctx, w.ID, "admin-2")
	require.ErrorIs(t, err, ErrAlreadyProcessed)

	again, err := f.svc.GetWithdrawal(ctx, w.ID)
	require.NoError(t, err)
	require.Equal(t, "MPESA-REF", again.TransactionReference)
	require.Equal(t, "admin-1", again.ProcessedBy)
}

func TestProcessingThenReject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.earn(t, "e1", "owner-1", ledger.BeneficiaryOwner, 1000, base)

	w, err := f.svc.RequestWithdrawal(ctx, mpesa("owner-1", 400))
	require.NoError(t, err)

	processing, err := f.svc.MarkProcessing(ctx, w.ID, "admin-1")
	require.NoError(t, err)
	require.Equal(t, ledger.WithdrawalProcessing, processing.Status)
	require.Equal(t, "admin-1", processing.ProcessingBy)
	require.NotNil(t, processing.ProcessingAt)
	require.Equal(t, int64(600), f.balance(t, "owner-1", ledger.BeneficiaryOwner))

	_, err = f.svc.MarkProcessing(ctx, w.ID, "admin-1")
	require.ErrorIs(t, err, ErrAlreadyProcessed)

	_, err = f.svc.RejectWithdrawal(ctx, w.ID, "admin-1", "")
	require.ErrorIs(t, err, ErrReasonRequired)

	_, err = f.svc.RejectWithdrawal(ctx, w.ID, "admin-1", "account closed")
	require.NoError(t, err)
	require.Equal(t, int64(1000), f.balance(t, "owner-1", ledger.BeneficiaryOwner))
}

func TestRejectedIsTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.earn(t, "e1", "owner-1", ledger.BeneficiaryOwner, 1000, base)

	w, err := f.svc.RequestWithdrawal(ctx, mpesa("owner-1", 400))
	require.NoError(t, err)
	rejected, err := f.svc.RejectWithdrawal(ctx, w.ID, "admin-1", "wrong number")
	require.NoError(t, err)

	_, err = f.svc.ApproveWithdrawal(ctx, w.ID, "admin-2", "MPESA-REF")
	require.ErrorIs(t, err, ErrAlreadyProcessed)
	requireReason(t, err, errutil.StatusConflict, ReasonAlreadyProcessed)

	_, err = f.svc.MarkProcessing(ctx, w.ID, "admin-2")
	require.ErrorIs(t, err, ErrAlreadyProcessed)

	_, err = f.svc.RejectWithdrawal(ctx, w.ID, "admin-2", "again")
	require.ErrorIs(t, err, ErrAlreadyProcessed)

	again, err := f.svc.GetWithdrawal(ctx, w.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.WithdrawalRejected, again.Status)
	require.Equal(t, "admin-1", again.ProcessedBy)
	require.Equal(t, "wrong number", again.RejectionReason)
	require.Empty(t, again.TransactionReference)
	require.Empty(t, again.ProcessingBy)
	require.Nil(t, again.ProcessingAt)
	require.Equal(t, rejected.UpdatedAt.Unix(), again.UpdatedAt.Unix())

	var e1 ledger.Earning
	require.NoError(t, f.db.First(&e1, "id = ?", "e1").Error)
	require.Equal(t, ledger.EarningAccrued, e1.Status)
	require.Equal(t, int64(1000), f.balance(t, "owner-1", ledger.BeneficiaryOwner))
}

func TestRejectSettlesRefundedEarnings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.earn(t, "e1", "owner-1", ledger.BeneficiaryOwner, 9000, base)
	f.earn(t, "e2", "owner-1", ledger.BeneficiaryOwner, 500, base.Add(time.Hour))

	w, err := f.svc.RequestWithdrawal(ctx, mpesa("owner-1", 9000))
	require.NoError(t, err)

	// booking behind e1 refunded while the request held it
	flaggedAt := base.Add(48 * time.Hour)
	require.NoError(t, f.db.Model(&ledger.Earning{}).Where("id = ?", "e1").
		Updates(map[string]any{"reconciliation_required": true, "reversed_at": flaggedAt}).Error)
	require.Equal(t, int64(500), f.balance(t, "owner-1", ledger.BeneficiaryOwner))

	_, err = f.svc.RejectWithdrawal(ctx, w.ID, "admin-1", "booking refunded")
	require.NoError(t, err)

	var e1, e2 ledger.Earning
	require.NoError(t, f.db.First(&e1, "id = ?", "e1").Error)
	require.NoError(t, f.db.First(&e2, "id = ?", "e2").Error)
	require.Equal(t, ledger.EarningReversed, e1.Status)
	require.False(t, e1.ReconciliationRequired)
	require.NotNil(t, e1.ReversedAt)
	require.Equal(t, ledger.EarningAccrued, e2.Status)
	require.Equal(t, int64(500), f.balance(t, "owner-1", ledger.BeneficiaryOwner))

	_, err = f.svc.RequestWithdrawal(ctx, mpesa("owner-1", 9000))
	require.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestTransitionUnknownWithdrawal(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.ApproveWithdrawal(context.Background(), "missing", "admin-1", "REF")
	require.ErrorIs(t, err, ErrNotFound)
	requireReason(t, err, errutil.StatusNotFound, ReasonNotFound)

	_, err = f.svc.GetWithdrawal(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestWithdrawalsPaused(t *testing.T) {
	f := newFixture(t, withFlags(featureflags.Static{featureflags.WithdrawalsEnabled: false}))
	f.earn(t, "e1", "owner-1", ledger.BeneficiaryOwner, 1000, base)

	_, err := f.svc.RequestWithdrawal(context.Background(), mpesa("owner-1", 500))
	require.ErrorIs(t, err, ErrWithdrawalsPaused)
	requireReason(t, err, errutil.StatusServiceUnavailable, ReasonWithdrawalsPaused)
}

func TestSequenceFallback(t *testing.T) {
	f := newFixture(t)
	f.codes.err = errors.New("redis down")
	f.earn(t, "e1", "owner-1", ledger.BeneficiaryOwner, 1000, base)

	w, err := f.svc.RequestWithdrawal(context.Background(), mpesa("owner-1", 500))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(w.Code, "WDR-"))
	require.NotEqual(t, "WDR-260101-001", w.Code)
}

func TestListWithdrawals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.earn(t, "e1", "owner-1", ledger.BeneficiaryOwner, 10_000, base)
	f.earn(t, "e2", "owner-2", ledger.BeneficiaryOwner, 10_000, base)

	for i := 0; i < 3; i++ {
		f.svc.now = func() time.Time { return base.Add(time.Duration(i) * time.Minute) }
		_, err := f.svc.RequestWithdrawal(ctx, mpesa("owner-1", 100))
		require.NoError(t, err)
	}
	other, err := f.svc.RequestWithdrawal(ctx, mpesa("owner-2", 100))
	require.NoError(t, err)
	_, err = f.svc.RejectWithdrawal(ctx, other.ID, "admin-1", "duplicate")
	require.NoError(t, err)

	own, info, err := f.svc.ListWithdrawals(ctx, ListParams{UserID: "owner-1", UserType: ledger.BeneficiaryOwner})
	require.NoError(t, err)
	require.Len(t, own, 3)
	require.False(t, info.HasMore)

	rejected, _, err := f.svc.ListWithdrawals(ctx, ListParams{Status: ledger.WithdrawalRejected})
	require.NoError(t, err)
	require.Len(t, rejected, 1)
	require.Equal(t, other.ID, rejected[0].ID)

	_, _, err = f.svc.ListWithdrawals(ctx, ListParams{Status: "cancelled"})
	requireReason(t, err, errutil.StatusBadRequest, ReasonInvalidInput)
}

func TestFlagStaleProcessing(t *testing.T) {
	ctrl := gomock.NewController(t)
	publisher := eventsmock.NewMockPublisher(ctrl)
	publisher.EXPECT().Publish(gomock.Any(), "payouts.withdrawal.pending", gomock.Any()).Return(nil).Times(2)
	publisher.EXPECT().Publish(gomock.Any(), "payouts.withdrawal.processing", gomock.Any()).Return(nil).Times(2)

	f := newFixture(t, withPublisher(publisher))
	ctx := context.Background()
	f.earn(t, "e1", "owner-1", ledger.BeneficiaryOwner, 1000, base)

	f.svc.now = func() time.Time { return base }
	old, err := f.svc.RequestWithdrawal(ctx, mpesa("owner-1", 200))
	require.NoError(t, err)
	_, err = f.svc.MarkProcessing(ctx, old.ID, "admin-1")
	require.NoError(t, err)

	f.svc.now = func() time.Time { return base.Add(90 * time.Hour) }
	fresh, err := f.svc.RequestWithdrawal(ctx, mpesa("owner-1", 200))
	require.NoError(t, err)
	_, err = f.svc.MarkProcessing(ctx, fresh.ID, "admin-1")
	require.NoError(t, err)

	publisher.EXPECT().Publish(gomock.Any(), events.SubjectWithdrawalStale, gomock.Any()).Return(nil).Times(1)

	f.svc.now = func() time.Time { return base.Add(100 * time.Hour) }
	stale, err := f.svc.FlagStaleProcessing(ctx)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, old.ID, stale[0].ID)

	// flagged, not reverted
	again, err := f.svc.GetWithdrawal(ctx, old.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.WithdrawalProcessing, again.Status)
}

func serve(r http.Handler, method, path, userID, role string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.HeaderUserID, userID)
	req.Header.Set(middleware.HeaderUserRole, role)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestWithdrawalEndpoints(t *testing.T) {
	f := newFixture(t)
	f.earn(t, "e1", "owner-1", ledger.BeneficiaryOwner, 5000, base)

	enforcer, err := accesscontrol.NewDefault()
	require.NoError(t, err)

	r := gin.New()
	r.Use(middleware.Error())
	RegisterRoutes(r, enforcer, f.svc)

	w := serve(r, http.MethodPost, "/v1/withdrawals", "owner-1", "owner", gin.H{
		"amount":          2000,
		"payment_method":  "bank",
		"payment_details": gin.H{"bank_name": "GTB", "account_number": "0123456789", "account_name": "Ada"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created ledger.WithdrawalRequest
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.Equal(t, string(MethodBankTransfer), created.PaymentMethod)

	w = serve(r, http.MethodPost, "/v1/withdrawals", "owner-1", "owner", gin.H{
		"amount": 9000, "payment_method": "mpesa", "payment_details": gin.H{"phone": "+254700000000"},
	})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	require.Contains(t, w.Body.String(), ReasonInsufficientBalance)

	w = serve(r, http.MethodGet, "/v1/withdrawals/"+created.ID, "owner-2", "owner", nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = serve(r, http.MethodGet, "/v1/withdrawals/"+created.ID, "owner-1", "owner", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = serve(r, http.MethodPost, "/v1/admin/withdrawals/"+created.ID+"/approve", "owner-1", "owner", gin.H{"transaction_reference": "X"})
	require.Equal(t, http.StatusForbidden, w.Code)

	w = serve(r, http.MethodPost, "/v1/admin/withdrawals/"+created.ID+"/reject", "admin-1", "admin", gin.H{})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = serve(r, http.MethodPost, "/v1/admin/withdrawals/"+created.ID+"/approve", "admin-1", "admin", gin.H{"transaction_reference": "BANK-REF-1"})
	require.Equal(t, http.StatusOK, w.Code)

	w = serve(r, http.MethodPost, "/v1/admin/withdrawals/"+created.ID+"/approve", "admin-1", "admin", gin.H{"transaction_reference": "BANK-REF-1"})
	require.Equal(t, http.StatusConflict, w.Code)

	w = serve(r, http.MethodGet, "/v1/admin/withdrawals?status=completed", "admin-1", "admin", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "BANK-REF-1")
}
