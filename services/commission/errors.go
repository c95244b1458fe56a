package commission

import (
	"errors"

	"rental-payouts/pkg/errutil"
)

var (
	ErrInvalidBooking  = errors.New("invalid booking")
	ErrInvalidReferral = errors.New("invalid referral")
	ErrSelfReferral    = errors.New("self referral")

	errAlreadyAccrued = errors.New("booking already accrued")
)

const ReasonInvalidInput = "invalid_input"

func invalidBooking(msg string) error {
	return errutil.BadRequest(msg, ErrInvalidBooking, errutil.WithReason(ReasonInvalidInput))
}
