package lending

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// LOAN TERMS
// =============================================================================

type RepaymentMethod string

const (
	// RepayFixedInstallment repays an explicit amount per period; the number
	// of periods is derived.
	RepayFixedInstallment RepaymentMethod = "fixed_installment"
	// RepayOverPeriods amortizes over a fixed number of periods (annuity).
	RepayOverPeriods RepaymentMethod = "fixed_period_count"
	// RepayInterestOnly bills interest each period and principal at the end.
	RepayInterestOnly RepaymentMethod = "interest_only"
)

type PeriodUnit string

const PeriodMonthly PeriodUnit = "monthly"

type MoratoriumType string

const (
	MoratoriumNone      MoratoriumType = ""
	MoratoriumPrincipal MoratoriumType = "principal"
	MoratoriumEMI       MoratoriumType = "emi"
)

// LoanTerms are immutable for the schedule version built from them.
type LoanTerms struct {
	LoanID    LoanID
	CompanyID string

	Principal   decimal.Decimal
	AnnualRate  decimal.Decimal // percent, 10 = 10% p.a.
	Tenure      int             // periods; derived for fixed installment
	Method      RepaymentMethod
	Installment decimal.Decimal // fixed installment only
	PeriodUnit  PeriodUnit

	MoratoriumPeriods int
	MoratoriumType    MoratoriumType

	DisbursementDate Date
	FirstPaymentDate Date
	// PaymentDay pins the day of month rows fall due on. Zero means the
	// day of FirstPaymentDate.
	PaymentDay int

	// Overdue principal and interest accrue PenaltyRate (percent p.a.) once
	// GracePeriodDays have passed after the due date.
	PenaltyRate     decimal.Decimal
	GracePeriodDays int

	// SecurityDeposit is withheld from the disbursement and can later be
	// consumed by security deposit adjustments.
	SecurityDeposit decimal.Decimal
}

// PeriodRate is annualRate/12/100.
func (t LoanTerms) PeriodRate() decimal.Decimal {
	return t.AnnualRate.Div(decimal.NewFromInt(12)).Div(hundred)
}

// HasMoratorium reports whether the terms defer anything.
func (t LoanTerms) HasMoratorium() bool {
	return t.MoratoriumPeriods > 0 && t.MoratoriumType != MoratoriumNone
}

// DueDate is the due date of the row n periods after the first payment.
func (t LoanTerms) DueDate(n int) Date {
	d := t.FirstPaymentDate.AddMonths(n)
	if t.PaymentDay > 0 {
		return d.WithDay(t.PaymentDay)
	}
	return d
}

func (t LoanTerms) paymentDay() int {
	if t.PaymentDay > 0 {
		return t.PaymentDay
	}
	return t.FirstPaymentDate.Time.Day()
}

// Validate rejects terms that cannot produce a schedule. It runs before any
// state is touched.
func (t LoanTerms) Validate() error { return t.validate(true) }

// validate skips the installment-versus-principal check when strict is false:
// a restructured balance may be smaller than the agreed installment.
func (t LoanTerms) validate(strict bool) error {
	if !t.Principal.IsPositive() {
		return &InvalidTermsError{Field: "principal", Message: "must be positive"}
	}
	if t.AnnualRate.IsNegative() {
		return &InvalidTermsError{Field: "annual_rate", Message: "must not be negative"}
	}
	if t.PenaltyRate.IsNegative() {
		return &InvalidTermsError{Field: "penalty_rate", Message: "must not be negative"}
	}
	if t.GracePeriodDays < 0 {
		return &InvalidTermsError{Field: "grace_period_days", Message: "must not be negative"}
	}
	if t.SecurityDeposit.IsNegative() || t.SecurityDeposit.GreaterThan(t.Principal) {
		return &InvalidTermsError{Field: "security_deposit", Message: "must be between zero and the principal"}
	}
	if t.PeriodUnit != "" && t.PeriodUnit != PeriodMonthly {
		return &InvalidTermsError{Field: "period_unit", Message: fmt.Sprintf("unsupported period unit %q", t.PeriodUnit)}
	}
	if t.DisbursementDate.IsZero() {
		return &InvalidTermsError{Field: "disbursement_date", Message: "is required"}
	}
	if t.FirstPaymentDate.IsZero() {
		return &InvalidTermsError{Field: "first_payment_date", Message: "is required"}
	}
	if !t.FirstPaymentDate.After(t.DisbursementDate) {
		return &InvalidTermsError{Field: "first_payment_date", Message: "must be after the disbursement date"}
	}
	if t.PaymentDay < 0 || t.PaymentDay > 31 {
		return &InvalidTermsError{Field: "payment_day", Message: "must be between 1 and 31"}
	}
	if t.MoratoriumPeriods < 0 {
		return &InvalidTermsError{Field: "moratorium_periods", Message: "must not be negative"}
	}
	if t.MoratoriumPeriods > 0 && t.MoratoriumType != MoratoriumPrincipal && t.MoratoriumType != MoratoriumEMI {
		return &InvalidTermsError{Field: "moratorium_type", Message: "must be principal or emi"}
	}

	switch t.Method {
	case RepayOverPeriods, RepayInterestOnly:
		if t.Tenure < 1 {
			return &InvalidTermsError{Field: "tenure", Message: "must be at least one period"}
		}
		if strict && t.MoratoriumPeriods >= t.Tenure {
			return &InvalidTermsError{Field: "moratorium_periods", Message: "must be shorter than the tenure"}
		}
	case RepayFixedInstallment:
		if !t.Installment.IsPositive() {
			return &InvalidTermsError{Field: "installment", Message: "is required for fixed installment loans"}
		}
		if strict && t.Installment.GreaterThan(t.Principal) {
			return &InvalidTermsError{Field: "installment", Message: "cannot be greater than the loan amount"}
		}
		return t.checkAmortizes(t.Principal)
	default:
		return &InvalidTermsError{Field: "method", Message: fmt.Sprintf("unknown repayment method %q", t.Method)}
	}
	return nil
}

// checkAmortizes reproduces the minimum repayment check: an installment
// that does not exceed one period of interest never amortizes.
func (t LoanTerms) checkAmortizes(balance decimal.Decimal) error {
	if t.Installment.Sub(balance.Mul(t.PeriodRate())).LessThanOrEqual(decimal.Zero) {
		return &InvalidTermsError{
			Field:   "installment",
			Message: fmt.Sprintf("installment %s does not cover one period of interest on %s", t.Installment, balance),
		}
	}
	return nil
}

// =============================================================================
// COMPANY CONFIGURATION
// =============================================================================

// AccrualFrequency controls batching of accrual records only; the daily rate
// is the same for every frequency.
type AccrualFrequency string

const (
	FreqDaily   AccrualFrequency = "daily"
	FreqWeekly  AccrualFrequency = "weekly"
	FreqMonthly AccrualFrequency = "monthly"
)

type DayCountConvention string

const (
	DayCountActual365 DayCountConvention = "actual_365"
	DayCountActual360 DayCountConvention = "actual_360"
)

// DayBasis is the denominator of the daily rate.
func (c DayCountConvention) DayBasis() decimal.Decimal {
	if c == DayCountActual360 {
		return decimal.NewFromInt(360)
	}
	return decimal.NewFromInt(365)
}

// CompanyConfig is passed explicitly into every engine call.
type CompanyConfig struct {
	AccrualFrequency   AccrualFrequency
	DayCountConvention DayCountConvention
}

func DefaultCompanyConfig() CompanyConfig {
	return CompanyConfig{AccrualFrequency: FreqDaily, DayCountConvention: DayCountActual365}
}

func (c CompanyConfig) Validate() error {
	switch c.AccrualFrequency {
	case FreqDaily, FreqWeekly, FreqMonthly:
	default:
		return &ValidationError{Field: "accrual_frequency", Message: fmt.Sprintf("unknown frequency %q", c.AccrualFrequency)}
	}
	switch c.DayCountConvention {
	case DayCountActual365, DayCountActual360:
	default:
		return &ValidationError{Field: "day_count_convention", Message: fmt.Sprintf("unknown convention %q", c.DayCountConvention)}
	}
	return nil
}
