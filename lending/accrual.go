package lending

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ACCRUAL RECORDS
// =============================================================================

// AccrualRecord is interest earned over a half-open period [Start, End).
type AccrualRecord struct {
	ID            AccrualID
	LoanID        LoanID
	Kind          AccrualKind
	Period        Period
	PrincipalBase decimal.Decimal
	Amount        decimal.Decimal
	AccrualDate   Date

	// BeyondSchedule records are billed directly as interest demands; inside
	// the schedule the row interest is billed instead.
	BeyondSchedule bool
	Voided         bool
	CreatedAt      time.Time
}

// =============================================================================
// ACCRUAL ENGINE
// =============================================================================

// AccrualEngine produces interest accrual records for a book.
//
// Periods run from the last checkpoint to asOf and are split at frequency
// ticks and at every effective due date, so a record never straddles a due
// date. The base of each period is the principal still owed on its first
// day; payments valued inside a period only affect the next one.
type AccrualEngine struct{}

// Accrue advances interest accruals of the book to asOf. Already covered
// periods are skipped, so repeated calls are idempotent.
func (AccrualEngine) Accrue(b *Book, asOf Date) []*AccrualRecord {
	var created []*AccrualRecord
	checkpoint := b.accrualCheckpoint(AccrualInterest)
	lastDue := b.Schedules.LastDueDate()
	basis := b.Config.DayCountConvention.DayBasis()

	for checkpoint.Before(asOf) {
		end := nextTick(checkpoint, b.Config.AccrualFrequency)
		if due, ok := b.Schedules.NextDueAfter(checkpoint); ok && due.Before(end) {
			end = due
		}
		if asOf.Before(end) {
			end = asOf
		}
		period := Period{Start: checkpoint, End: end}
		base := b.pendingPrincipal(checkpoint)
		rate := b.Loan.Terms.AnnualRate
		if v := b.Schedules.VersionAt(checkpoint); v != nil {
			rate = v.Terms.AnnualRate
		}
		amount := dailyInterest(base, rate, basis, period.Days())
		beyond := !lastDue.IsZero() && checkpoint.AfterOrEqual(lastDue)
		created = append(created, b.addAccrual(AccrualInterest, period, base, amount, beyond))
		checkpoint = end
	}
	return created
}

// AccruePenalty charges penalty interest for overdue principal and interest
// demands over [checkpoint, asOf). A demand becomes overdue on the first day
// after its grace period; outstanding amounts cannot change inside the window
// because every event catches penalties up to its own date first.
func (AccrualEngine) AccruePenalty(b *Book, asOf Date) *AccrualRecord {
	terms := b.Loan.Terms
	if !terms.PenaltyRate.IsPositive() {
		return nil
	}
	start := b.accrualCheckpoint(AccrualPenalty)
	if !start.Before(asOf) {
		return nil
	}

	amountDays := decimal.Zero
	base := decimal.Zero
	for _, d := range b.Demands {
		if d.Status == DemandCancelled || !d.Outstanding.IsPositive() {
			continue
		}
		if d.Component != ComponentPrincipal && d.Component != ComponentInterest {
			continue
		}
		overdueFrom := d.DueDate.AddDays(terms.GracePeriodDays + 1)
		days := DaysBetween(MaxDate(start, overdueFrom), asOf)
		if days <= 0 {
			continue
		}
		amountDays = amountDays.Add(d.Outstanding.Mul(decimal.NewFromInt(int64(days))))
		base = base.Add(d.Outstanding)
	}

	basis := b.Config.DayCountConvention.DayBasis()
	amount := Round2(amountDays.Mul(terms.PenaltyRate).Div(hundred).Div(basis))
	return b.addAccrual(AccrualPenalty, Period{Start: start, End: asOf}, base, amount, false)
}

// dailyInterest is base * rate% * days / basis, rounded once per record.
func dailyInterest(base, annualRate, basis decimal.Decimal, days int) decimal.Decimal {
	if days <= 0 || !base.IsPositive() {
		return decimal.Zero
	}
	return Round2(base.Mul(annualRate).Mul(decimal.NewFromInt(int64(days))).Div(hundred).Div(basis))
}

func nextTick(d Date, freq AccrualFrequency) Date {
	switch freq {
	case FreqWeekly:
		return d.AddDays(7)
	case FreqMonthly:
		return d.AddMonths(1)
	default:
		return d.AddDays(1)
	}
}

// InterestAccrued sums non-voided interest accruals with End in (from, to].
func (b *Book) InterestAccrued(from, to Date) decimal.Decimal {
	total := decimal.Zero
	for _, r := range b.Accruals {
		if r.Voided || r.Kind != AccrualInterest {
			continue
		}
		if r.Period.End.After(from) && !r.Period.End.After(to) {
			total = total.Add(r.Amount)
		}
	}
	return total
}
