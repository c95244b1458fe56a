package withdrawal

import (
	"errors"
	"reflect"
	"strings"
	"time"

	"rental-payouts/pkg/db/pagination"
	"rental-payouts/pkg/errutil"
	"rental-payouts/services/ledger"

	"github.com/go-playground/validator/v10"
)

type PaymentMethod string

const (
	MethodMobileMoney  PaymentMethod = "mobile_money"
	MethodBankTransfer PaymentMethod = "bank_transfer"
)

// methodAliases maps the names clients send to a canonical method and, for
// mobile money, the provider the alias implies.
var methodAliases = map[string]struct {
	method   PaymentMethod
	provider string
}{
	"mobile_money":  {MethodMobileMoney, ""},
	"mobile-money":  {MethodMobileMoney, ""},
	"mpesa":         {MethodMobileMoney, "mpesa"},
	"m-pesa":        {MethodMobileMoney, "mpesa"},
	"momo":          {MethodMobileMoney, "momo"},
	"bank_transfer": {MethodBankTransfer, ""},
	"bank-transfer": {MethodBankTransfer, ""},
	"bank":          {MethodBankTransfer, ""},
}

// PaymentDetails is the method-specific payout destination.
type PaymentDetails struct {
	Provider      string `json:"provider,omitempty"`
	Phone         string `json:"phone,omitempty"`
	BankName      string `json:"bank_name,omitempty"`
	AccountNumber string `json:"account_number,omitempty"`
	AccountName   string `json:"account_name,omitempty"`
}

type mobileMoneyDetails struct {
	Phone string `json:"phone" validate:"required,e164,min=10,max=16"`
}

type bankTransferDetails struct {
	BankName      string `json:"bank_name" validate:"required"`
	AccountNumber string `json:"account_number" validate:"required,number,min=6,max=20"`
	AccountName   string `json:"account_name" validate:"required"`
}

var (
	validate    = newValidator()
	phoneNoise  = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "")
	formatHints = map[string]string{
		"phone":          "must be 9 to 15 digits with an optional leading +",
		"account_number": "must be 6 to 20 digits",
	}
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// NormalizePayment resolves method aliases and validates the details the
// resolved method needs.
func NormalizePayment(method string, d PaymentDetails) (PaymentMethod, PaymentDetails, error) {
	alias, ok := methodAliases[strings.ToLower(strings.TrimSpace(method))]
	if !ok {
		return "", d, invalidPaymentDetails(errutil.Detail{Field: "payment_method", Message: "must be mobile_money or bank_transfer"})
	}

	switch alias.method {
	case MethodMobileMoney:
		phone := phoneNoise.Replace(strings.TrimSpace(d.Phone))
		if phone != "" && !strings.HasPrefix(phone, "+") {
			phone = "+" + phone
		}
		if err := validate.Struct(mobileMoneyDetails{Phone: phone}); err != nil {
			return "", d, invalidPaymentDetails(validationDetails(err)...)
		}
		provider := strings.ToLower(strings.TrimSpace(d.Provider))
		if provider == "" {
			provider = alias.provider
		}
		return MethodMobileMoney, PaymentDetails{Provider: provider, Phone: phone}, nil

	default:
		bank := bankTransferDetails{
			BankName:      strings.TrimSpace(d.BankName),
			AccountNumber: strings.ReplaceAll(strings.TrimSpace(d.AccountNumber), " ", ""),
			AccountName:   strings.TrimSpace(d.AccountName),
		}
		if err := validate.Struct(bank); err != nil {
			return "", d, invalidPaymentDetails(validationDetails(err)...)
		}
		return MethodBankTransfer, PaymentDetails{
			BankName:      bank.BankName,
			AccountNumber: bank.AccountNumber,
			AccountName:   bank.AccountName,
		}, nil
	}
}

func validationDetails(err error) []errutil.Detail {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []errutil.Detail{{Field: "payment_details", Message: err.Error()}}
	}

	details := make([]errutil.Detail, 0, len(verrs))
	for _, fe := range verrs {
		msg := "is required"
		if fe.Tag() != "required" {
			msg = formatHints[fe.Field()]
		}
		details = append(details, errutil.Detail{Field: fe.Field(), Message: msg})
	}
	return details
}

type RequestParams struct {
	UserID   string
	UserType ledger.BeneficiaryType
	Amount   int64
	Method   string
	Details  PaymentDetails
}

type ListParams struct {
	// UserID and UserType scope the listing to one beneficiary; both empty
	// lists every request (reviewer view).
	UserID   string
	UserType ledger.BeneficiaryType
	Status   ledger.WithdrawalStatus
	Page     pagination.Pagination
}

// Event is published on every committed status change.
type Event struct {
	WithdrawalID         string                  `json:"withdrawal_id"`
	Code                 string                  `json:"code"`
	UserID               string                  `json:"user_id"`
	UserType             ledger.BeneficiaryType  `json:"user_type"`
	Amount               int64                   `json:"amount"`
	Currency             string                  `json:"currency"`
	Status               ledger.WithdrawalStatus `json:"status"`
	ReviewerID           string                  `json:"reviewer_id,omitempty"`
	TransactionReference string                  `json:"transaction_reference,omitempty"`
	RejectionReason      string                  `json:"rejection_reason,omitempty"`
	At                   time.Time               `json:"at"`
}

func newEvent(w *ledger.WithdrawalRequest, at time.Time) Event {
	reviewer := w.ProcessedBy
	if reviewer == "" {
		reviewer = w.ProcessingBy
	}
	return Event{
		WithdrawalID:         w.ID,
		Code:                 w.Code,
		UserID:               w.UserID,
		UserType:             w.UserType,
		Amount:               w.Amount,
		Currency:             w.Currency,
		Status:               w.Status,
		ReviewerID:           reviewer,
		TransactionReference: w.TransactionReference,
		RejectionReason:      w.RejectionReason,
		At:                   at,
	}
}
