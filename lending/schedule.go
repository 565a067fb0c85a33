/*
schedule.go - Amortization Engine and the per-loan schedule arena

PURPOSE:
  Turns LoanTerms into an ordered list of installments and keeps every
  schedule a loan ever had. A restructure or qualifying prepayment never edits
  a schedule: it appends a new version and moves the active pointer.

KEY CONCEPTS:
  Rounding:
    Interest and principal are rounded to 2 places when each row is computed
    and the next balance starts from the rounded values. The resulting drift
    is part of the contract.

  Installment (fixed period count):
    Annuity P*r*(1+r)^n / ((1+r)^n - 1) with r = rate/12/100, rounded up to
    the whole currency unit. The last row absorbs whatever balance is left.

  Moratorium:
    principal: interest-only rows before the tenure rows.
    emi:       nothing is due; each period's interest is deferred and
               capitalized into principal when the moratorium ends.

  Arena:
    Versions are appended in order. Only the Voided flag is ever set on a
    stored version (by a repost that rolls back the event that created it).
    The active pointer names the version currently billed.

SEE ALSO:
  - terms.go: LoanTerms validation
  - demand.go: Bills rows once they fall due
  - events.go: Restructure and prepayment build new versions
*/
package lending

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// maxInstallments bounds derived tenures.
const maxInstallments = 1200

var rateDivisor = decimal.NewFromInt(1200)

// =============================================================================
// SCHEDULE TYPES
// =============================================================================

// InstallmentRow is one due date of a schedule.
type InstallmentRow struct {
	Index            int
	DueDate          Date
	OpeningBalance   decimal.Decimal
	Interest         decimal.Decimal
	Principal        decimal.Decimal
	TotalDue         decimal.Decimal
	ClosingBalance   decimal.Decimal
	Moratorium       bool
	DeferredInterest decimal.Decimal
	Paid             bool // derived by readers from settled demands, never stored
}

// Capitalization adds to the principal owed from Date on.
type Capitalization struct {
	Date   Date
	Amount decimal.Decimal
	Reason string
}

const (
	CapitalizeMoratorium  = "moratorium"
	CapitalizeRestructure = "restructure"
)

// ScheduleVersion is one immutable amortization schedule.
type ScheduleVersion struct {
	ID              ScheduleVersionID
	LoanID          LoanID
	Number          int
	EffectiveFrom   Date
	Terms           LoanTerms
	CreatedBy       EventID
	Capitalizations []Capitalization
	Rows            []InstallmentRow
	Voided          bool
	CreatedAt       time.Time
}

// Installment is the regular amount due once any moratorium is over.
func (v *ScheduleVersion) Installment() decimal.Decimal {
	for _, row := range v.Rows {
		if !row.Moratorium {
			return row.TotalDue
		}
	}
	return decimal.Zero
}

// TotalPrincipal sums the principal components.
func (v *ScheduleVersion) TotalPrincipal() decimal.Decimal {
	total := decimal.Zero
	for _, row := range v.Rows {
		total = total.Add(row.Principal)
	}
	return total
}

func (v *ScheduleVersion) capitalized(reason string) decimal.Decimal {
	total := decimal.Zero
	for _, c := range v.Capitalizations {
		if reason == "" || c.Reason == reason {
			total = total.Add(c.Amount)
		}
	}
	return total
}

// CheckInvariants verifies the row invariants of a freshly built version.
func (v *ScheduleVersion) CheckInvariants() error {
	expected := v.Terms.Principal.Add(v.capitalized(CapitalizeMoratorium))
	if !v.TotalPrincipal().Equal(expected) {
		return newConsistencyError(v.LoanID,
			fmt.Sprintf("schedule principal %s does not match %s", v.TotalPrincipal(), expected), v.Rows)
	}
	for i := 1; i < len(v.Rows); i++ {
		if !v.Rows[i].DueDate.After(v.Rows[i-1].DueDate) {
			return newConsistencyError(v.LoanID, "due dates must be strictly increasing", v.Rows[i])
		}
	}
	if n := len(v.Rows); n > 0 && !v.Rows[n-1].ClosingBalance.IsZero() {
		return newConsistencyError(v.LoanID, "last row must close the balance", v.Rows[n-1])
	}
	return nil
}

// =============================================================================
// AMORTIZATION ENGINE
// =============================================================================

// BuildSchedule validates the terms and produces the first schedule version.
func BuildSchedule(terms LoanTerms) (*ScheduleVersion, error) {
	if err := terms.Validate(); err != nil {
		return nil, err
	}
	return buildSchedule(terms)
}

// rebuildSchedule is BuildSchedule for restructured balances, where the
// installment may exceed the (reduced) opening balance.
func rebuildSchedule(terms LoanTerms) (*ScheduleVersion, error) {
	if err := terms.validate(false); err != nil {
		return nil, err
	}
	return buildSchedule(terms)
}

func buildSchedule(terms LoanTerms) (*ScheduleVersion, error) {
	v := &ScheduleVersion{
		ID:            ScheduleVersionID(uuid.NewString()),
		LoanID:        terms.LoanID,
		EffectiveFrom: terms.DisbursementDate,
		Terms:         terms,
		CreatedAt:     time.Now().UTC(),
	}

	balance := terms.Principal
	index := 0
	if terms.HasMoratorium() {
		deferred := decimal.Zero
		for ; index < terms.MoratoriumPeriods; index++ {
			interest := periodInterest(balance, terms.AnnualRate)
			row := InstallmentRow{
				Index:          index + 1,
				DueDate:        terms.DueDate(index),
				OpeningBalance: balance,
				Principal:      decimal.Zero,
				ClosingBalance: balance,
				Moratorium:     true,
			}
			if terms.MoratoriumType == MoratoriumEMI {
				row.DeferredInterest = interest
				row.Interest = decimal.Zero
				deferred = deferred.Add(interest)
			} else {
				row.Interest = interest
			}
			row.TotalDue = row.Interest
			v.Rows = append(v.Rows, row)
		}
		if deferred.IsPositive() {
			v.Capitalizations = append(v.Capitalizations, Capitalization{
				Date:   v.Rows[len(v.Rows)-1].DueDate,
				Amount: deferred,
				Reason: CapitalizeMoratorium,
			})
			balance = balance.Add(deferred)
			v.Rows[len(v.Rows)-1].ClosingBalance = balance
		}
	}

	var err error
	switch terms.Method {
	case RepayOverPeriods:
		installment := AnnuityInstallment(balance, terms.AnnualRate, terms.Tenure)
		err = v.amortize(balance, installment, index, terms.Tenure, true)
	case RepayFixedInstallment:
		if err := terms.checkAmortizes(balance); err != nil {
			return nil, err
		}
		err = v.amortize(balance, terms.Installment, index, maxInstallments, false)
	case RepayInterestOnly:
		v.interestOnly(balance, index, terms.Tenure)
	}
	if err != nil {
		return nil, err
	}
	if err := v.CheckInvariants(); err != nil {
		return nil, err
	}
	return v, nil
}

// amortize appends rows paying `installment` until the balance is zero. With
// closeAtLimit the row number `limit` takes the remaining balance; otherwise
// reaching `limit` rows is an error.
func (v *ScheduleVersion) amortize(balance, installment decimal.Decimal, index, limit int, closeAtLimit bool) error {
	for n := 0; balance.IsPositive(); n++ {
		if n >= limit {
			return &InvalidTermsError{Field: "installment", Message: fmt.Sprintf("loan does not amortize within %d periods", limit)}
		}
		interest := periodInterest(balance, v.Terms.AnnualRate)
		principal := installment.Sub(interest)
		if (closeAtLimit && n == limit-1) || principal.GreaterThanOrEqual(balance) {
			principal = balance
		}
		if !principal.IsPositive() {
			return &InvalidTermsError{Field: "installment", Message: "installment does not cover the period interest"}
		}
		closing := balance.Sub(principal)
		v.Rows = append(v.Rows, InstallmentRow{
			Index:          index + n + 1,
			DueDate:        v.Terms.DueDate(index + n),
			OpeningBalance: balance,
			Interest:       interest,
			Principal:      principal,
			TotalDue:       interest.Add(principal),
			ClosingBalance: closing,
		})
		balance = closing
	}
	return nil
}

func (v *ScheduleVersion) interestOnly(balance decimal.Decimal, index, tenure int) {
	for n := 0; n < tenure; n++ {
		interest := periodInterest(balance, v.Terms.AnnualRate)
		principal := decimal.Zero
		if n == tenure-1 {
			principal = balance
		}
		v.Rows = append(v.Rows, InstallmentRow{
			Index:          index + n + 1,
			DueDate:        v.Terms.DueDate(index + n),
			OpeningBalance: balance,
			Interest:       interest,
			Principal:      principal,
			TotalDue:       interest.Add(principal),
			ClosingBalance: balance.Sub(principal),
		})
	}
}

// periodInterest is one month of interest on balance, rounded.
func periodInterest(balance, annualRate decimal.Decimal) decimal.Decimal {
	return Round2(balance.Mul(annualRate).Div(rateDivisor))
}

// AnnuityInstallment returns the level installment for n monthly periods,
// rounded up to the whole currency unit.
func AnnuityInstallment(principal, annualRate decimal.Decimal, n int) decimal.Decimal {
	if n <= 0 {
		return principal
	}
	if annualRate.IsZero() {
		return principal.Div(decimal.NewFromInt(int64(n))).Ceil()
	}
	r := annualRate.InexactFloat64() / 1200
	p := principal.InexactFloat64()
	factor := math.Pow(1+r, float64(n))
	return decimal.NewFromFloat(p * r * factor / (factor - 1)).Ceil()
}

// DerivedTenure is the number of periods a fixed installment needs:
// ceil((ln A - ln(A - P*r)) / ln(1+r)).
func DerivedTenure(terms LoanTerms) (int, error) {
	if err := terms.checkAmortizes(terms.Principal); err != nil {
		return 0, err
	}
	if terms.AnnualRate.IsZero() {
		return int(terms.Principal.Div(terms.Installment).Ceil().IntPart()), nil
	}
	r := terms.AnnualRate.InexactFloat64() / 1200
	a := terms.Installment.InexactFloat64()
	p := terms.Principal.InexactFloat64()
	periods := (math.Log(a) - math.Log(a-p*r)) / math.Log(1+r)
	return int(math.Ceil(periods)), nil
}

// =============================================================================
// SCHEDULE ARENA
// =============================================================================

// ScheduleArena holds every schedule version of one loan.
type ScheduleArena struct {
	LoanID   LoanID
	Versions []*ScheduleVersion
	ActiveID ScheduleVersionID
}

type VersionStatus string

const (
	VersionActive     VersionStatus = "active"
	VersionSuperseded VersionStatus = "superseded"
	VersionVoided     VersionStatus = "voided"
)

// NewScheduleArena rebuilds an arena from stored versions.
func NewScheduleArena(loanID LoanID, versions []*ScheduleVersion, activeID ScheduleVersionID) *ScheduleArena {
	sorted := append([]*ScheduleVersion(nil), versions...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].CreatedAt.Before(sorted[j].CreatedAt) })
	return &ScheduleArena{LoanID: loanID, Versions: sorted, ActiveID: activeID}
}

func (a *ScheduleArena) Active() *ScheduleVersion {
	for _, v := range a.Versions {
		if v.ID == a.ActiveID {
			return v
		}
	}
	return nil
}

func (a *ScheduleArena) Status(v *ScheduleVersion) VersionStatus {
	switch {
	case v.Voided:
		return VersionVoided
	case v.ID == a.ActiveID:
		return VersionActive
	default:
		return VersionSuperseded
	}
}

// Live returns non-voided versions in the order they took effect.
func (a *ScheduleArena) Live() []*ScheduleVersion {
	var live []*ScheduleVersion
	for _, v := range a.Versions {
		if !v.Voided {
			live = append(live, v)
		}
	}
	return live
}

// Append supersedes the active version with v.
func (a *ScheduleArena) Append(v *ScheduleVersion) {
	v.Number = len(a.Live()) + 1
	a.Versions = append(a.Versions, v)
	a.ActiveID = v.ID
}

// VoidFrom voids every version (except the first) that took effect on or
// after `from` and points the arena back at the latest surviving one.
func (a *ScheduleArena) VoidFrom(from Date) []*ScheduleVersion {
	var voided []*ScheduleVersion
	live := a.Live()
	for i, v := range live {
		if i == 0 || v.EffectiveFrom.Before(from) {
			continue
		}
		v.Voided = true
		voided = append(voided, v)
	}
	if live = a.Live(); len(live) > 0 {
		a.ActiveID = live[len(live)-1].ID
	}
	return voided
}

// EffectiveRow is a row together with the version that bills it.
type EffectiveRow struct {
	Version *ScheduleVersion
	Row     InstallmentRow
}

// DemandKey identifies the demand billing one component of this row.
func (er EffectiveRow) DemandKey(c Component) string {
	return fmt.Sprintf("row:%d:%d:%s", er.Version.Number, er.Row.Index, c)
}

// windowEnd is the date up to which version i's rows stay authoritative.
func windowEnd(live []*ScheduleVersion, i int) (Date, bool) {
	if i+1 < len(live) {
		return live[i+1].EffectiveFrom, true
	}
	return Date{}, false
}

// EffectiveRows returns, in due date order, the rows that are (or were)
// billable: each version's rows up to the date its successor took effect.
func (a *ScheduleArena) EffectiveRows() []EffectiveRow {
	var rows []EffectiveRow
	live := a.Live()
	for i, v := range live {
		end, bounded := windowEnd(live, i)
		for _, row := range v.Rows {
			if bounded && row.DueDate.After(end) {
				break
			}
			rows = append(rows, EffectiveRow{Version: v, Row: row})
		}
	}
	return rows
}

// Capitalizations returns every capitalization that took effect.
func (a *ScheduleArena) Capitalizations() []Capitalization {
	var caps []Capitalization
	live := a.Live()
	for i, v := range live {
		end, bounded := windowEnd(live, i)
		for _, c := range v.Capitalizations {
			if c.Date.Before(v.EffectiveFrom) || (bounded && c.Date.After(end)) {
				continue
			}
			caps = append(caps, c)
		}
	}
	return caps
}

// LastDueDate is the due date of the final effective row.
func (a *ScheduleArena) LastDueDate() Date {
	rows := a.EffectiveRows()
	if len(rows) == 0 {
		return Date{}
	}
	return rows[len(rows)-1].Row.DueDate
}

// NextDueAfter is the first effective due date strictly after d.
func (a *ScheduleArena) NextDueAfter(d Date) (Date, bool) {
	for _, er := range a.EffectiveRows() {
		if er.Row.DueDate.After(d) {
			return er.Row.DueDate, true
		}
	}
	return Date{}, false
}

// VersionAt is the live version in effect on d.
func (a *ScheduleArena) VersionAt(d Date) *ScheduleVersion {
	var current *ScheduleVersion
	for _, v := range a.Live() {
		if v.EffectiveFrom.After(d) {
			break
		}
		current = v
	}
	if current == nil {
		if live := a.Live(); len(live) > 0 {
			return live[0]
		}
	}
	return current
}

// LastDueOnOrBefore is the latest effective due date not after d.
func (a *ScheduleArena) LastDueOnOrBefore(d Date) (Date, bool) {
	last, found := Date{}, false
	for _, er := range a.EffectiveRows() {
		if er.Row.DueDate.After(d) {
			break
		}
		last, found = er.Row.DueDate, true
	}
	return last, found
}
