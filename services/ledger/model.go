package ledger

import (
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// BeneficiaryType tags who an earning or withdrawal belongs to.
type BeneficiaryType string

const (
	BeneficiaryOwner     BeneficiaryType = "owner"
	BeneficiaryAffiliate BeneficiaryType = "affiliate"
)

func (t BeneficiaryType) Valid() bool {
	return t == BeneficiaryOwner || t == BeneficiaryAffiliate
}

func ParseBeneficiaryType(s string) (BeneficiaryType, error) {
	t := BeneficiaryType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown beneficiary type %q", s)
	}
	return t, nil
}

type EarningStatus string

const (
	EarningAccrued   EarningStatus = "accrued"
	EarningWithdrawn EarningStatus = "withdrawn"
	EarningReversed  EarningStatus = "reversed"
)

// Earning is a write-once credit for one beneficiary from one source event.
type Earning struct {
	ID                     string          `gorm:"column:id;primaryKey" json:"id"`
	BeneficiaryID          string          `gorm:"column:beneficiary_id;index:idx_earnings_beneficiary" json:"beneficiary_id"`
	BeneficiaryType        BeneficiaryType `gorm:"column:beneficiary_type;uniqueIndex:uq_earnings_source_beneficiary;index:idx_earnings_beneficiary" json:"beneficiary_type"`
	SourceEventID          string          `gorm:"column:source_event_id;uniqueIndex:uq_earnings_source_beneficiary" json:"source_event_id"`
	BookingID              string          `gorm:"column:booking_id;index:idx_earnings_booking" json:"booking_id"`
	GrossAmount            int64           `gorm:"column:gross_amount" json:"gross_amount"`
	RateBps                int64           `gorm:"column:rate_bps" json:"rate_bps"`
	Amount                 int64           `gorm:"column:amount" json:"amount"`
	Currency               string          `gorm:"column:currency" json:"currency"`
	Status                 EarningStatus   `gorm:"column:status" json:"status"`
	ReversedAt             *time.Time      `gorm:"column:reversed_at" json:"reversed_at,omitempty"`
	ReconciliationRequired bool            `gorm:"column:reconciliation_required" json:"reconciliation_required"`
	Metadata               datatypes.JSON  `gorm:"column:metadata" json:"metadata,omitempty"`
	CreatedAt              time.Time       `gorm:"column:created_at" json:"created_at"`
	UpdatedAt              time.Time       `gorm:"column:updated_at" json:"updated_at"`
}

func (Earning) TableName() string { return "earnings" }

// PayoutAccount exists only to be row-locked; it serializes every ledger
// mutation of one beneficiary.
type PayoutAccount struct {
	ID        string          `gorm:"column:id;primaryKey"`
	UserID    string          `gorm:"column:user_id;uniqueIndex:uq_payout_accounts_user"`
	UserType  BeneficiaryType `gorm:"column:user_type;uniqueIndex:uq_payout_accounts_user"`
	CreatedAt time.Time       `gorm:"column:created_at"`
	UpdatedAt time.Time       `gorm:"column:updated_at"`
}

func (PayoutAccount) TableName() string { return "payout_accounts" }

type WithdrawalStatus string

const (
	WithdrawalPending    WithdrawalStatus = "pending"
	WithdrawalProcessing WithdrawalStatus = "processing"
	WithdrawalCompleted  WithdrawalStatus = "completed"
	WithdrawalRejected   WithdrawalStatus = "rejected"
)

func (s WithdrawalStatus) Valid() bool {
	switch s {
	case WithdrawalPending, WithdrawalProcessing, WithdrawalCompleted, WithdrawalRejected:
		return true
	}
	return false
}

func (s WithdrawalStatus) Terminal() bool {
	return s == WithdrawalCompleted || s == WithdrawalRejected
}

// ReservingStatuses are the withdrawal states whose amounts are excluded from
// the available balance.
var ReservingStatuses = []WithdrawalStatus{WithdrawalPending, WithdrawalProcessing, WithdrawalCompleted}

// CountedEarningStatuses are the earning states that make up gross earnings.
var CountedEarningStatuses = []EarningStatus{EarningAccrued, EarningWithdrawn}

type WithdrawalRequest struct {
	ID                   string           `gorm:"column:id;primaryKey" json:"id"`
	Code                 string           `gorm:"column:code;uniqueIndex:uq_withdrawal_requests_code" json:"code"`
	UserID               string           `gorm:"column:user_id;index:idx_withdrawal_requests_user" json:"user_id"`
	UserType             BeneficiaryType  `gorm:"column:user_type;index:idx_withdrawal_requests_user" json:"user_type"`
	Amount               int64            `gorm:"column:amount" json:"amount"`
	Currency             string           `gorm:"column:currency" json:"currency"`
	PaymentMethod        string           `gorm:"column:payment_method" json:"payment_method"`
	PaymentDetails       datatypes.JSON   `gorm:"column:payment_details" json:"payment_details"`
	Status               WithdrawalStatus `gorm:"column:status;index:idx_withdrawal_requests_user" json:"status"`
	ProcessingAt         *time.Time       `gorm:"column:processing_at" json:"processing_at,omitempty"`
	ProcessingBy         string           `gorm:"column:processing_by" json:"processing_by,omitempty"`
	ProcessedAt          *time.Time       `gorm:"column:processed_at" json:"processed_at,omitempty"`
	ProcessedBy          string           `gorm:"column:processed_by" json:"processed_by,omitempty"`
	TransactionReference string           `gorm:"column:transaction_reference" json:"transaction_reference,omitempty"`
	RejectionReason      string           `gorm:"column:rejection_reason" json:"rejection_reason,omitempty"`
	CreatedAt            time.Time        `gorm:"column:created_at" json:"created_at"`
	UpdatedAt            time.Time        `gorm:"column:updated_at" json:"updated_at"`
}

func (WithdrawalRequest) TableName() string { return "withdrawal_requests" }

// Models lists every ledger table, in creation order.
func Models() []any {
	return []any{&PayoutAccount{}, &Earning{}, &WithdrawalRequest{}}
}

// BalanceSummary breaks the available balance into its parts. All amounts are
// in minor units of Currency.
type BalanceSummary struct {
	UserID   string          `json:"user_id"`
	UserType BeneficiaryType `json:"user_type"`
	Currency string          `json:"currency"`

	Earned    int64 `json:"earned"`
	Reserved  int64 `json:"reserved"`
	Withdrawn int64 `json:"withdrawn"`
	Reversed  int64 `json:"reversed"`
	Available int64 `json:"available"`

	// PendingReconciliation sums earnings whose booking was refunded after
	// the funds were reserved or paid out.
	PendingReconciliation int64 `json:"pending_reconciliation"`
}

type statusTotal struct {
	Status string `gorm:"column:status"`
	Total  int64  `gorm:"column:total"`
}

// IntegrityEvent is published when a computed balance goes negative.
type IntegrityEvent struct {
	UserID    string          `json:"user_id"`
	UserType  BeneficiaryType `json:"user_type"`
	Earned    int64           `json:"earned"`
	Reserved  int64           `json:"reserved"`
	Available int64           `json:"available"`
	At        time.Time       `json:"at"`
}
