/*
Package lending provides the loan servicing core.

PURPOSE:
  Turns loan terms, elapsed time and payments into money owed and money paid.
  The engine builds amortization schedules, accrues interest day by day,
  bills due amounts as demands, allocates repayments across those demands
  through a fixed waterfall, and recomputes history ("repost") whenever an
  event arrives out of chronological order.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: decimal.Decimal rounded to 2 places at every computation step
  - Component: explicit waterfall ordering penalty -> charge -> interest -> principal
  - EventType: normal, prepayment, advance payment, deposit adjustment, waiver...
  - Typed IDs: LoanID, EventID, DemandID... to prevent mixing references

DESIGN PRINCIPLES:
  1. Append-mostly: records are voided, cancelled or reversed, never edited
  2. Precision: decimal.Decimal everywhere, rounding is part of the contract
  3. Determinism: same inputs and same ordered events give the same balances
  4. Explicit configuration: company settings are passed in, never read globally

USAGE:
  svc := lending.NewService(store, lending.StaticConfig{Config: lending.DefaultCompanyConfig()})
  loan, _ := svc.Disburse(ctx, terms, lending.DisburseOptions{})
  _, _ = svc.GenerateDemands(ctx, loan.ID, lending.NewDate(2025, 2, 15))
  result, _ := svc.SubmitRepayment(ctx, lending.RepaymentRequest{...})

SEE ALSO:
  - schedule.go: Amortization Engine
  - accrual.go: Accrual Engine
  - demand.go: Demand Generator
  - allocation.go: Repayment Allocator
  - repost.go: Reposting Controller
  - service.go: API surface with per-loan locking
*/
package lending

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type (
	LoanID            string
	ScheduleVersionID string
	AccrualID         string
	DemandID          string
	EventID           string
	AllocationID      string
)

// =============================================================================
// MONEY
// =============================================================================

// MoneyPlaces is the precision every component is rounded to.
const MoneyPlaces = 2

var hundred = decimal.NewFromInt(100)

// Round2 rounds half away from zero to MoneyPlaces.
func Round2(d decimal.Decimal) decimal.Decimal { return d.Round(MoneyPlaces) }

func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Money is shorthand for decimal.RequireFromString in fixtures.
func Money(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func sumDecimals(values ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}

// =============================================================================
// COMPONENT - Waterfall ordering
// =============================================================================

// Component is the kind of money a demand bills. The numeric value is the
// waterfall priority: lower values are paid first.
type Component int

const (
	ComponentPenalty Component = iota
	ComponentCharge
	ComponentInterest
	ComponentPrincipal
)

// Waterfall lists components in allocation order.
var Waterfall = []Component{ComponentPenalty, ComponentCharge, ComponentInterest, ComponentPrincipal}

var componentNames = map[Component]string{
	ComponentPenalty:   "penalty",
	ComponentCharge:    "charge",
	ComponentInterest:  "interest",
	ComponentPrincipal: "principal",
}

func (c Component) String() string {
	if name, ok := componentNames[c]; ok {
		return name
	}
	return "unknown"
}

// ParseComponent is the inverse of Component.String.
func ParseComponent(s string) (Component, error) {
	for c, name := range componentNames {
		if name == s {
			return c, nil
		}
	}
	return 0, &ValidationError{Field: "component", Message: "unknown component " + s}
}

func (c Component) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *Component) UnmarshalText(b []byte) error {
	parsed, err := ParseComponent(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// =============================================================================
// EVENT TYPES
// =============================================================================

type EventType string

const (
	EventNormal                    EventType = "normal"
	EventPrepayment                EventType = "prepayment"
	EventForeclosure               EventType = "foreclosure"
	EventAdvancePayment            EventType = "advance_payment"
	EventSecurityDepositAdjustment EventType = "security_deposit_adjustment"
	EventWaiver                    EventType = "waiver"
	EventRestructure               EventType = "restructure"
	EventCharge                    EventType = "charge"
)

// IsRepayment reports whether the event brings money (cash, deposit or waiver)
// that the allocator spreads over demands.
func (t EventType) IsRepayment() bool {
	switch t {
	case EventNormal, EventPrepayment, EventForeclosure, EventAdvancePayment,
		EventSecurityDepositAdjustment, EventWaiver:
		return true
	}
	return false
}

// PaysFuturePrincipal reports whether the type may settle principal that is
// not yet billed.
func (t EventType) PaysFuturePrincipal() bool {
	return t == EventPrepayment || t == EventForeclosure
}

func (t EventType) Valid() bool {
	return t.IsRepayment() || t == EventRestructure || t == EventCharge
}

// =============================================================================
// STATUSES
// =============================================================================

type DemandStatus string

const (
	DemandPending          DemandStatus = "pending"
	DemandPartiallySettled DemandStatus = "partially_settled"
	DemandSettled          DemandStatus = "settled"
	DemandCancelled        DemandStatus = "cancelled"
)

type LoanStatus string

const (
	LoanActive LoanStatus = "active"
	LoanClosed LoanStatus = "closed"
)

// AllocationKind records how an allocation entry was funded.
type AllocationKind string

const (
	AllocationPayment        AllocationKind = "payment"
	AllocationDeposit        AllocationKind = "deposit"
	AllocationWaiver         AllocationKind = "waiver"
	AllocationCapitalization AllocationKind = "capitalization"
)

// AccrualKind separates regular interest from penalty interest accruals.
type AccrualKind string

const (
	AccrualInterest AccrualKind = "interest"
	AccrualPenalty  AccrualKind = "penalty"
)
