package withdrawal

import (
	"errors"

	"rental-payouts/pkg/errutil"
)

var (
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrBelowMinimum          = errors.New("below minimum withdrawal")
	ErrInvalidPaymentDetails = errors.New("invalid payment details")
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrReasonRequired        = errors.New("rejection reason required")
	ErrReferenceRequired     = errors.New("transaction reference required")
	ErrReviewerRequired      = errors.New("reviewer required")
	ErrAlreadyProcessed      = errors.New("withdrawal already processed")
	ErrNotFound              = errors.New("withdrawal not found")
	ErrWithdrawalsPaused     = errors.New("withdrawals paused")
)

const (
	ReasonInsufficientBalance   = "insufficient_balance"
	ReasonBelowMinimum          = "below_minimum"
	ReasonInvalidPaymentDetails = "invalid_payment_details"
	ReasonInvalidInput          = "invalid_input"
	ReasonAlreadyProcessed      = "already_processed"
	ReasonNotFound              = "not_found"
	ReasonWithdrawalsPaused     = "withdrawals_paused"
)

func invalidPaymentDetails(details ...errutil.Detail) error {
	return errutil.ValidationFailed("payment details are missing or malformed", ErrInvalidPaymentDetails,
		errutil.WithReason(ReasonInvalidPaymentDetails), errutil.WithDetails(details...))
}

func invalidInput(msg string, sentinel error) error {
	return errutil.BadRequest(msg, sentinel, errutil.WithReason(ReasonInvalidInput))
}

func alreadyProcessed(id string) error {
	return errutil.Conflict("withdrawal "+id+" was already processed, refresh and try again", ErrAlreadyProcessed,
		errutil.WithReason(ReasonAlreadyProcessed))
}

func notFound(id string) error {
	return errutil.NotFound("withdrawal "+id+" not found", ErrNotFound, errutil.WithReason(ReasonNotFound))
}
