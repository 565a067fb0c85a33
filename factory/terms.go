/*
Package factory provides JSON to Go loan terms conversion.

PURPOSE:
  Converts JSON loan applications into lending.LoanTerms. A loan can name a
  product preset; any field it sets explicitly overrides the product.

JSON SCHEMA:
  {
    "loan_id": "loan-42",
    "company_id": "acme",
    "product": "personal",
    "principal": "10000",
    "annual_rate": "10",
    "tenure": 2,
    "method": "fixed_period_count",
    "disbursement_date": "2025-01-25",
    "first_payment_date": "2025-02-15",
    "moratorium": {"periods": 3, "type": "principal"},
    "penalty_rate": "24",
    "grace_period_days": 3,
    "security_deposit": "500"
  }

  Amounts are strings or JSON numbers. Dates are YYYY-MM-DD. When
  first_payment_date is omitted it defaults to one month after disbursement.

PRODUCTS:
  personal:    annuity over the tenure, 24% penalty after 3 days of grace
  msme:        annuity with a 3 period principal moratorium
  bullet:      interest only, principal at the end
  installment: fixed installment, tenure derived

USAGE:
  f := NewTermsFactory()
  terms, err := f.ParseTerms(jsonString)
  loan, err := svc.Disburse(ctx, terms, lending.DisburseOptions{})

SEE ALSO:
  - lending/terms.go: LoanTerms and validation
  - api/handlers.go: CreateLoan and PreviewSchedule use this factory
*/
package factory

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/warp/lending-engine/lending"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// TermsJSON is the JSON representation of a loan application.
type TermsJSON struct {
	LoanID           string           `json:"loan_id,omitempty"`
	CompanyID        string           `json:"company_id,omitempty"`
	Product          string           `json:"product,omitempty"`
	Principal        *decimal.Decimal `json:"principal"`
	AnnualRate       *decimal.Decimal `json:"annual_rate,omitempty"`
	Tenure           *int             `json:"tenure,omitempty"`
	Method           string           `json:"method,omitempty"`
	Installment      *decimal.Decimal `json:"installment,omitempty"`
	DisbursementDate string           `json:"disbursement_date"`
	FirstPaymentDate string           `json:"first_payment_date,omitempty"`
	Moratorium       *MoratoriumJSON  `json:"moratorium,omitempty"`
	PenaltyRate      *decimal.Decimal `json:"penalty_rate,omitempty"`
	GracePeriodDays  *int             `json:"grace_period_days,omitempty"`
	SecurityDeposit  *decimal.Decimal `json:"security_deposit,omitempty"`
}

// MoratoriumJSON represents a repayment holiday at the start of the loan.
type MoratoriumJSON struct {
	Periods int    `json:"periods"`
	Type    string `json:"type"` // principal, emi
}

// ProductJSON holds the defaults of a loan product.
type ProductJSON struct {
	Name            string          `json:"name"`
	Description     string          `json:"description"`
	AnnualRate      decimal.Decimal `json:"annual_rate"`
	Tenure          int             `json:"tenure,omitempty"`
	Method          string          `json:"method"`
	Moratorium      *MoratoriumJSON `json:"moratorium,omitempty"`
	PenaltyRate     decimal.Decimal `json:"penalty_rate"`
	GracePeriodDays int             `json:"grace_period_days"`
}

// =============================================================================
// TERMS FACTORY
// =============================================================================

// TermsFactory converts JSON applications to lending.LoanTerms.
type TermsFactory struct {
	products map[string]ProductJSON
}

// NewTermsFactory creates a factory with the built-in products.
func NewTermsFactory() *TermsFactory {
	f := &TermsFactory{products: make(map[string]ProductJSON)}
	for _, p := range DefaultProducts() {
		f.products[p.Name] = p
	}
	return f
}

// DefaultProducts returns the built-in product presets.
func DefaultProducts() []ProductJSON {
	return []ProductJSON{
		{
			Name:            "personal",
			Description:     "Monthly annuity",
			AnnualRate:      decimal.NewFromInt(10),
			Tenure:          12,
			Method:          string(lending.RepayOverPeriods),
			PenaltyRate:     decimal.NewFromInt(24),
			GracePeriodDays: 3,
		},
		{
			Name:            "msme",
			Description:     "Monthly annuity after a principal moratorium",
			AnnualRate:      decimal.NewFromInt(17),
			Tenure:          12,
			Method:          string(lending.RepayOverPeriods),
			Moratorium:      &MoratoriumJSON{Periods: 3, Type: string(lending.MoratoriumPrincipal)},
			PenaltyRate:     decimal.NewFromInt(24),
			GracePeriodDays: 5,
		},
		{
			Name:        "bullet",
			Description: "Monthly interest, principal at maturity",
			AnnualRate:  decimal.NewFromInt(12),
			Tenure:      6,
			Method:      string(lending.RepayInterestOnly),
			PenaltyRate: decimal.NewFromInt(18),
		},
		{
			Name:        "installment",
			Description: "Fixed monthly amount, tenure derived",
			AnnualRate:  decimal.NewFromInt(15),
			Method:      string(lending.RepayFixedInstallment),
			PenaltyRate: decimal.NewFromInt(24),
		},
	}
}

// RegisterProduct adds or replaces a product preset.
func (f *TermsFactory) RegisterProduct(p ProductJSON) error {
	if p.Name == "" {
		return &lending.ValidationError{Field: "name", Message: "product name is required"}
	}
	if _, err := parseMethod(p.Method); err != nil {
		return err
	}
	f.products[p.Name] = p
	return nil
}

// Products lists the registered products by name.
func (f *TermsFactory) Products() []ProductJSON {
	out := make([]ProductJSON, 0, len(f.products))
	for _, p := range f.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ParseTerms parses a JSON string into validated loan terms.
func (f *TermsFactory) ParseTerms(jsonStr string) (lending.LoanTerms, error) {
	var tj TermsJSON
	if err := json.Unmarshal([]byte(jsonStr), &tj); err != nil {
		return lending.LoanTerms{}, &lending.ValidationError{Message: fmt.Sprintf("failed to parse terms JSON: %v", err)}
	}
	return f.FromJSON(tj)
}

// FromJSON applies the product defaults, then the explicit fields, and
// validates the result.
func (f *TermsFactory) FromJSON(tj TermsJSON) (lending.LoanTerms, error) {
	terms := lending.LoanTerms{
		LoanID:     lending.LoanID(tj.LoanID),
		CompanyID:  tj.CompanyID,
		PeriodUnit: lending.PeriodMonthly,
		AnnualRate: decimal.Zero,
		Method:     lending.RepayOverPeriods,
	}

	if tj.Product != "" {
		p, ok := f.products[tj.Product]
		if !ok {
			return lending.LoanTerms{}, &lending.ValidationError{Field: "product", Message: fmt.Sprintf("unknown product %q", tj.Product)}
		}
		terms.AnnualRate = p.AnnualRate
		terms.Tenure = p.Tenure
		terms.Method = lending.RepaymentMethod(p.Method)
		terms.PenaltyRate = p.PenaltyRate
		terms.GracePeriodDays = p.GracePeriodDays
		if p.Moratorium != nil {
			terms.MoratoriumPeriods = p.Moratorium.Periods
			terms.MoratoriumType = lending.MoratoriumType(p.Moratorium.Type)
		}
	}

	if tj.Principal == nil {
		return lending.LoanTerms{}, &lending.InvalidTermsError{Field: "principal", Message: "is required"}
	}
	terms.Principal = *tj.Principal
	if tj.AnnualRate != nil {
		terms.AnnualRate = *tj.AnnualRate
	}
	if tj.Tenure != nil {
		terms.Tenure = *tj.Tenure
	}
	if tj.Method != "" {
		method, err := parseMethod(tj.Method)
		if err != nil {
			return lending.LoanTerms{}, err
		}
		terms.Method = method
	}
	if tj.Installment != nil {
		terms.Installment = *tj.Installment
	}
	if tj.Moratorium != nil {
		terms.MoratoriumPeriods = tj.Moratorium.Periods
		terms.MoratoriumType = lending.MoratoriumType(tj.Moratorium.Type)
	}
	if tj.PenaltyRate != nil {
		terms.PenaltyRate = *tj.PenaltyRate
	}
	if tj.GracePeriodDays != nil {
		terms.GracePeriodDays = *tj.GracePeriodDays
	}
	if tj.SecurityDeposit != nil {
		terms.SecurityDeposit = *tj.SecurityDeposit
	}

	disbursed, err := parseDate("disbursement_date", tj.DisbursementDate)
	if err != nil {
		return lending.LoanTerms{}, err
	}
	terms.DisbursementDate = disbursed
	terms.FirstPaymentDate = disbursed.AddMonths(1)
	if tj.FirstPaymentDate != "" {
		first, err := parseDate("first_payment_date", tj.FirstPaymentDate)
		if err != nil {
			return lending.LoanTerms{}, err
		}
		terms.FirstPaymentDate = first
	}

	if err := terms.Validate(); err != nil {
		return lending.LoanTerms{}, err
	}
	return terms, nil
}

func parseMethod(s string) (lending.RepaymentMethod, error) {
	switch m := lending.RepaymentMethod(s); m {
	case lending.RepayOverPeriods, lending.RepayFixedInstallment, lending.RepayInterestOnly:
		return m, nil
	}
	return "", &lending.InvalidTermsError{Field: "method", Message: fmt.Sprintf("unknown repayment method %q", s)}
}

func parseDate(field, s string) (lending.Date, error) {
	if s == "" {
		return lending.Date{}, &lending.InvalidTermsError{Field: field, Message: "is required"}
	}
	d, err := lending.ParseDate(s)
	if err != nil {
		return lending.Date{}, &lending.InvalidTermsError{Field: field, Message: fmt.Sprintf("invalid date %q", s)}
	}
	return d, nil
}
