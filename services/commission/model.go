package commission

import (
	"time"

	"rental-payouts/services/ledger"

	"github.com/shopspring/decimal"
)

// Booking is the settled rental a commission is computed from. TotalAmount is
// in minor units.
type Booking struct {
	ID            string    `json:"id"`
	OwnerID       string    `json:"owner_id"`
	RenterID      string    `json:"renter_id"`
	TotalAmount   int64     `json:"total_amount"`
	Currency      string    `json:"currency"`
	Status        string    `json:"status"`
	PaymentStatus string    `json:"payment_status"`
	CompletedAt   time.Time `json:"completed_at"`
}

// Referral links a renter to the affiliate that signed them up.
type Referral struct {
	ID           string    `gorm:"column:id;primaryKey" json:"id"`
	RenterID     string    `gorm:"column:renter_id;uniqueIndex:uq_referrals_pair;index:idx_referrals_renter" json:"renter_id"`
	AffiliateID  string    `gorm:"column:affiliate_id;uniqueIndex:uq_referrals_pair" json:"affiliate_id"`
	ReferralCode string    `gorm:"column:referral_code" json:"referral_code,omitempty"`
	CreatedAt    time.Time `gorm:"column:created_at;index:idx_referrals_renter" json:"created_at"`
}

func (Referral) TableName() string { return "referrals" }

// Tier is one step of the affiliate rate schedule.
type Tier struct {
	Name                string          `json:"name"`
	MinLifetimeEarnings int64           `json:"min_lifetime_earnings"`
	RatePercent         decimal.Decimal `json:"rate_percent"`
}

// Bps is the rate in basis points.
func (t Tier) Bps() int64 {
	return t.RatePercent.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

type AccrualResult struct {
	BookingID string          `json:"booking_id"`
	Eligible  bool            `json:"eligible"`
	Duplicate bool            `json:"duplicate"`
	Owner     *ledger.Earning `json:"owner,omitempty"`
	Affiliate *ledger.Earning `json:"affiliate,omitempty"`
	Tier      *Tier           `json:"tier,omitempty"`
}

type ReversalResult struct {
	BookingID string `json:"booking_id"`
	// Reversed earnings left the balance.
	Reversed []*ledger.Earning `json:"reversed"`
	// Flagged earnings were already paid out or reserved and keep their
	// amount until reconciled by hand.
	Flagged []*ledger.Earning `json:"flagged"`
}
