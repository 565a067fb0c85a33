/*
allocation.go - Repayment Allocator

PURPOSE:
  Spreads an event's amount over outstanding demands in a strict waterfall
  and records one allocation entry per demand touched.

WATERFALL:
  1. Component priority: penalty, charge, interest, principal
  2. Due date, then demand date (oldest first)
  3. Row index or event sequence, then key (stable tie-breaks)

REMAINDER BY EVENT TYPE:
  normal                      -> excess
  prepayment / foreclosure    -> unbilled principal, then a new schedule version
  advance_payment             -> next unbilled rows billed early, then excess
  security_deposit_adjustment -> funded from the available deposit only
  waiver                      -> only the named component; rest is unapplied

INVARIANT:
  For every demand, outstanding = amount - sum(non-reversed entries) >= 0.
  A violation is a ConsistencyError and aborts the operation.
*/
package lending

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ALLOCATION RECORDS
// =============================================================================

// AllocationEntry links an amount of one event to one demand.
type AllocationEntry struct {
	ID        AllocationID
	LoanID    LoanID
	EventID   EventID
	DemandID  DemandID
	Component Component
	Kind      AllocationKind
	Amount    decimal.Decimal
	ValueDate Date
	Reversed  bool
	CreatedAt time.Time
}

// AllocationResult summarizes how one event was applied.
type AllocationResult struct {
	LoanID      LoanID
	EventID     EventID
	Type        EventType
	ValueDate   Date
	PostingDate Date
	Amount      decimal.Decimal

	PenaltyPaid   decimal.Decimal
	ChargesPaid   decimal.Decimal
	InterestPaid  decimal.Decimal
	PrincipalPaid decimal.Decimal
	Capitalized   decimal.Decimal

	Excess      decimal.Decimal // cash left after the waterfall
	Unapplied   decimal.Decimal // waiver or deposit amount that found nothing to settle
	DepositUsed decimal.Decimal

	Entries []AllocationEntry

	// PayableAfter is the amount still payable on the value date.
	PayableAfter decimal.Decimal

	ScheduleVersionID ScheduleVersionID // set when the event created a version
	Reposted          bool
	Reversal          bool
}

// Applied is the part of the amount that settled demands.
func (r *AllocationResult) Applied() decimal.Decimal {
	return sumDecimals(r.PenaltyPaid, r.ChargesPaid, r.InterestPaid, r.PrincipalPaid)
}

// Reversed returns the result that undoes r in a ledger.
func (r AllocationResult) Reversed() AllocationResult {
	r.Reversal = true
	return r
}

// =============================================================================
// ALLOCATOR
// =============================================================================

type Allocator struct{}

// Allocate applies a repayment event to the book. The book must already be
// caught up to the event's value date.
func (a Allocator) Allocate(b *Book, e *Event) error {
	kind := allocationKind(e.Type)
	remaining := e.Amount
	if e.Type == EventSecurityDepositAdjustment {
		remaining = decimal.Min(remaining, b.availableDeposit())
	}

	eligible := a.eligible(b, e)
	for _, d := range eligible {
		if !remaining.IsPositive() {
			break
		}
		if d.Outstanding.IsNegative() {
			return newConsistencyError(b.Loan.ID, "negative outstanding", d)
		}
		pay := decimal.Min(remaining, d.Outstanding)
		if !pay.IsPositive() {
			continue
		}
		if _, err := b.allocate(e, d, pay, kind); err != nil {
			return err
		}
		remaining = remaining.Sub(pay)
	}

	switch {
	case e.Type.PaysFuturePrincipal():
		return b.prepay(e, remaining)
	case e.Type == EventAdvancePayment:
		return b.payAhead(e, remaining)
	}
	return nil
}

// eligible returns the demands e may settle, in waterfall order.
func (a Allocator) eligible(b *Book, e *Event) []*Demand {
	var out []*Demand
	for _, d := range b.Demands {
		if d.Status == DemandCancelled || !d.Outstanding.IsPositive() {
			continue
		}
		if d.DemandDate.After(e.ValueDate) {
			continue
		}
		if e.Type == EventWaiver && d.Component != e.WaiverComponent {
			continue
		}
		out = append(out, d)
	}
	SortWaterfall(out)
	return out
}

// SortWaterfall orders demands by allocation priority.
func SortWaterfall(demands []*Demand) {
	sort.SliceStable(demands, func(i, j int) bool {
		x, y := demands[i], demands[j]
		if x.Component != y.Component {
			return x.Component < y.Component
		}
		if !x.DueDate.Equal(y.DueDate) {
			return x.DueDate.Before(y.DueDate)
		}
		if !x.DemandDate.Equal(y.DemandDate) {
			return x.DemandDate.Before(y.DemandDate)
		}
		if x.Order != y.Order {
			return x.Order < y.Order
		}
		return x.Key < y.Key
	})
}

func allocationKind(t EventType) AllocationKind {
	switch t {
	case EventSecurityDepositAdjustment:
		return AllocationDeposit
	case EventWaiver:
		return AllocationWaiver
	default:
		return AllocationPayment
	}
}

// =============================================================================
// RESULTS
// =============================================================================

// resultFor rebuilds the allocation result of e from its live entries.
func (b *Book) resultFor(e *Event) *AllocationResult {
	r := &AllocationResult{
		LoanID:        b.Loan.ID,
		EventID:       e.ID,
		Type:          e.Type,
		ValueDate:     e.ValueDate,
		PostingDate:   e.PostingDate,
		Amount:        e.Amount,
		PenaltyPaid:   decimal.Zero,
		ChargesPaid:   decimal.Zero,
		InterestPaid:  decimal.Zero,
		PrincipalPaid: decimal.Zero,
		Capitalized:   decimal.Zero,
		Excess:        decimal.Zero,
		Unapplied:     decimal.Zero,
		DepositUsed:   decimal.Zero,
	}
	for _, entry := range b.entriesFor(e.ID) {
		r.Entries = append(r.Entries, *entry)
		if entry.Kind == AllocationCapitalization {
			r.Capitalized = r.Capitalized.Add(entry.Amount)
			continue
		}
		if entry.Kind == AllocationDeposit {
			r.DepositUsed = r.DepositUsed.Add(entry.Amount)
		}
		switch entry.Component {
		case ComponentPenalty:
			r.PenaltyPaid = r.PenaltyPaid.Add(entry.Amount)
		case ComponentCharge:
			r.ChargesPaid = r.ChargesPaid.Add(entry.Amount)
		case ComponentInterest:
			r.InterestPaid = r.InterestPaid.Add(entry.Amount)
		case ComponentPrincipal:
			r.PrincipalPaid = r.PrincipalPaid.Add(entry.Amount)
		}
	}

	left := e.Amount.Sub(r.Applied())
	switch e.Type {
	case EventWaiver, EventSecurityDepositAdjustment:
		r.Unapplied = left
	case EventRestructure, EventCharge:
	default:
		r.Excess = left
	}
	for _, v := range b.Schedules.Live() {
		if v.CreatedBy == e.ID {
			r.ScheduleVersionID = v.ID
		}
	}
	r.PayableAfter = b.payable(e.ValueDate)
	return r
}

// =============================================================================
// AMOUNTS
// =============================================================================

// Amounts is a quote of what a loan owes on a date.
type Amounts struct {
	LoanID LoanID
	AsOf   Date

	PenaltyDue   decimal.Decimal
	ChargesDue   decimal.Decimal
	InterestDue  decimal.Decimal
	PrincipalDue decimal.Decimal

	// UnbilledInterest accrued since the last due date and not yet demanded.
	UnbilledInterest decimal.Decimal
	// UnbilledPrincipal is the schedule principal not yet demanded.
	UnbilledPrincipal decimal.Decimal

	PayableAmount     decimal.Decimal
	ForeclosureAmount decimal.Decimal
	AvailableDeposit  decimal.Decimal
	ExcessPaid        decimal.Decimal

	Demands []Demand
}

// amounts totals a book that is already caught up to asOf.
func (b *Book) amounts(asOf Date) *Amounts {
	a := &Amounts{
		LoanID:            b.Loan.ID,
		AsOf:              asOf,
		PenaltyDue:        decimal.Zero,
		ChargesDue:        decimal.Zero,
		InterestDue:       decimal.Zero,
		PrincipalDue:      decimal.Zero,
		UnbilledInterest:  b.unbilledInterest(asOf),
		UnbilledPrincipal: b.unbilledPrincipal(asOf),
		AvailableDeposit:  b.availableDeposit(),
		ExcessPaid:        decimal.Zero,
	}
	due := b.demandsDue(asOf)
	SortWaterfall(due)
	for _, d := range due {
		if !d.Outstanding.IsPositive() {
			continue
		}
		a.Demands = append(a.Demands, *d)
		switch d.Component {
		case ComponentPenalty:
			a.PenaltyDue = a.PenaltyDue.Add(d.Outstanding)
		case ComponentCharge:
			a.ChargesDue = a.ChargesDue.Add(d.Outstanding)
		case ComponentInterest:
			a.InterestDue = a.InterestDue.Add(d.Outstanding)
		case ComponentPrincipal:
			a.PrincipalDue = a.PrincipalDue.Add(d.Outstanding)
		}
	}
	a.PayableAmount = sumDecimals(a.PenaltyDue, a.ChargesDue, a.InterestDue, a.PrincipalDue, a.UnbilledInterest)
	a.ForeclosureAmount = a.PayableAmount.Add(a.UnbilledPrincipal)
	for _, e := range b.liveEvents() {
		if !e.ValueDate.After(asOf) {
			a.ExcessPaid = a.ExcessPaid.Add(b.resultFor(e).Excess)
		}
	}
	return a
}

func (b *Book) payable(asOf Date) decimal.Decimal {
	total := b.unbilledInterest(asOf)
	for _, d := range b.demandsDue(asOf) {
		total = total.Add(d.Outstanding)
	}
	return total
}

// unbilledInterest is the in-schedule interest accrued since the latest due
// date on or before asOf. Beyond the schedule accruals are billed as they
// close, so nothing is pending there.
func (b *Book) unbilledInterest(asOf Date) decimal.Decimal {
	since := b.Loan.Terms.DisbursementDate
	if due, ok := b.Schedules.LastDueOnOrBefore(asOf); ok {
		since = due
	}
	total := decimal.Zero
	for _, r := range b.Accruals {
		if r.Voided || r.Kind != AccrualInterest || r.BeyondSchedule {
			continue
		}
		if !r.Period.Start.Before(since) && !r.Period.End.After(asOf) {
			total = total.Add(r.Amount)
		}
	}
	return total
}
