package ledger

import (
	"errors"
	"fmt"

	"rental-payouts/pkg/errutil"
)

var (
	// ErrLedgerIntegrity marks a broken ledger invariant. It is fatal for the
	// operation that detected it.
	ErrLedgerIntegrity = errors.New("ledger integrity violation")

	ErrInvalidBeneficiary = errors.New("invalid beneficiary")
)

const ReasonLedgerIntegrity = "ledger_integrity"

func integrityError(userID string, userType BeneficiaryType, available int64) error {
	return errutil.Internal(
		fmt.Sprintf("computed balance %d for %s %s is negative", available, userType, userID),
		ErrLedgerIntegrity,
		errutil.WithReason(ReasonLedgerIntegrity),
	)
}

func invalidBeneficiary(userID string, userType BeneficiaryType) error {
	if userID == "" {
		return errutil.BadRequest("user id is required", ErrInvalidBeneficiary, errutil.WithReason("invalid_input"))
	}
	return errutil.BadRequest(fmt.Sprintf("unknown beneficiary type %q", userType), ErrInvalidBeneficiary, errutil.WithReason("invalid_input"))
}
