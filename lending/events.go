package lending

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// EVENTS
// =============================================================================

// Event is anything that changes what a loan owes: repayments, waivers,
// charges and restructures. Events are never edited; a cancelled event stays
// on the book with Cancelled set.
type Event struct {
	ID          EventID
	LoanID      LoanID
	Seq         int64 // per-loan submission order, the replay tie-break
	Type        EventType
	ValueDate   Date
	PostingDate Date
	Amount      decimal.Decimal

	WaiverComponent Component // waiver events only
	Description     string    // charge events
	Restructure     *RestructureOptions

	Cancelled   bool
	CancelledAt time.Time
	CreatedAt   time.Time
}

// Treatment decides what a restructure does with an outstanding component.
type Treatment string

const (
	TreatCarryForward Treatment = "carry_forward"
	TreatCapitalize   Treatment = "capitalize"
)

// RestructureOptions are the parameters of a restructure event.
type RestructureOptions struct {
	Waivers    map[Component]decimal.Decimal `json:"waivers,omitempty"`
	Treatments map[Component]Treatment       `json:"treatments,omitempty"`
	NewTenure  int                           `json:"new_tenure,omitempty"`
	NewRate    *decimal.Decimal              `json:"new_rate,omitempty"`
}

func (o *RestructureOptions) validate() error {
	for c, amount := range o.Waivers {
		if c == ComponentPrincipal {
			return &ValidationError{Field: "waivers", Message: "principal cannot be waived"}
		}
		if amount.IsNegative() {
			return &ValidationError{Field: "waivers", Message: "amounts must not be negative"}
		}
	}
	for c, t := range o.Treatments {
		if c == ComponentPrincipal {
			return &ValidationError{Field: "treatments", Message: "principal has no treatment"}
		}
		if t != TreatCarryForward && t != TreatCapitalize {
			return &ValidationError{Field: "treatments", Message: fmt.Sprintf("unknown treatment %q", t)}
		}
	}
	if o.NewTenure < 0 {
		return &ValidationError{Field: "new_tenure", Message: "must not be negative"}
	}
	if o.NewRate != nil && o.NewRate.IsNegative() {
		return &ValidationError{Field: "new_rate", Message: "must not be negative"}
	}
	return nil
}

func (o *RestructureOptions) totalWaived() decimal.Decimal {
	total := decimal.Zero
	for _, amount := range o.Waivers {
		total = total.Add(amount)
	}
	return total
}

// RepaymentRequest is the input of SubmitRepayment.
type RepaymentRequest struct {
	LoanID          LoanID
	Type            EventType
	Amount          decimal.Decimal
	ValueDate       Date
	PostingDate     Date // defaults to ValueDate
	WaiverComponent Component
}

func (r RepaymentRequest) validate() error {
	if r.LoanID == "" {
		return &ValidationError{Field: "loan_id", Message: "is required"}
	}
	if !r.Type.IsRepayment() {
		return &ValidationError{Field: "type", Message: fmt.Sprintf("%q is not a repayment type", r.Type)}
	}
	if !r.Amount.IsPositive() {
		return &ValidationError{Field: "amount", Message: "must be positive"}
	}
	if r.ValueDate.IsZero() {
		return &ValidationError{Field: "value_date", Message: "is required"}
	}
	if r.Type == EventWaiver && r.WaiverComponent == ComponentPrincipal {
		return &ValidationError{Field: "waiver_component", Message: "principal cannot be waived"}
	}
	return nil
}

func sortEvents(events []*Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].ValueDate.Equal(events[j].ValueDate) {
			return events[i].ValueDate.Before(events[j].ValueDate)
		}
		return events[i].Seq < events[j].Seq
	})
}

// =============================================================================
// EVENT APPLICATION
// =============================================================================

// catchUp accrues and bills everything up to d.
func (b *Book) catchUp(d Date) {
	accruals := AccrualEngine{}
	accruals.Accrue(b, d)
	DemandGenerator{Accruals: accruals}.Generate(b, d)
}

// applyEvent applies e on a book caught up to e.ValueDate.
func (b *Book) applyEvent(e *Event) error {
	var err error
	switch e.Type {
	case EventCharge:
		b.addDemand(Demand{
			EventID:     e.ID,
			Key:         "charge:" + string(e.ID),
			Component:   ComponentCharge,
			DemandDate:  e.ValueDate,
			DueDate:     e.ValueDate,
			Amount:      e.Amount,
			Order:       int(e.Seq),
			Description: e.Description,
		})
	case EventRestructure:
		err = b.restructure(e)
	default:
		err = Allocator{}.Allocate(b, e)
	}
	if err != nil {
		return err
	}
	b.refreshStatus()
	return nil
}

// prepay settles unbilled principal with what is left of e and re-amortizes
// the remaining balance over the remaining periods.
func (b *Book) prepay(e *Event, remaining decimal.Decimal) error {
	unbilled := b.unbilledPrincipal(e.ValueDate)
	if !remaining.IsPositive() || !unbilled.IsPositive() {
		return nil
	}
	pay := decimal.Min(remaining, unbilled)
	d := b.addDemand(Demand{
		EventID:    e.ID,
		Key:        "prepayment:" + string(e.ID),
		Component:  ComponentPrincipal,
		DemandDate: e.ValueDate,
		DueDate:    e.ValueDate,
		Amount:     pay,
		Order:      int(e.Seq),
	})
	if _, err := b.allocate(e, d, pay, AllocationPayment); err != nil {
		return err
	}
	_, err := b.reschedule(e, unbilled.Sub(pay), decimal.Zero, nil)
	return err
}

// payAhead bills the next unbilled rows early and settles them.
func (b *Book) payAhead(e *Event, remaining decimal.Decimal) error {
	existing := b.liveDemandKeys()
	for _, er := range b.Schedules.EffectiveRows() {
		if !remaining.IsPositive() {
			return nil
		}
		if !er.Row.DueDate.After(e.ValueDate) {
			continue
		}
		for _, c := range []Component{ComponentInterest, ComponentPrincipal} {
			if !remaining.IsPositive() {
				return nil
			}
			d, ok := existing[er.DemandKey(c)]
			if !ok {
				fresh := rowDemand(er, c, e.ValueDate)
				if !fresh.Amount.IsPositive() {
					continue
				}
				d = b.addDemand(fresh)
				existing[d.Key] = d
			}
			pay := decimal.Min(remaining, d.Outstanding)
			if !pay.IsPositive() {
				continue
			}
			if _, err := b.allocate(e, d, pay, AllocationPayment); err != nil {
				return err
			}
			remaining = remaining.Sub(pay)
		}
	}
	return nil
}

// restructure waives, capitalizes and re-amortizes as of e.ValueDate.
func (b *Book) restructure(e *Event) error {
	opts := e.Restructure
	if opts == nil {
		opts = &RestructureOptions{}
	}
	for _, c := range Waterfall {
		amount, ok := opts.Waivers[c]
		if !ok || !amount.IsPositive() {
			continue
		}
		waiver := &Event{ID: e.ID, Type: EventWaiver, ValueDate: e.ValueDate, Amount: amount, WaiverComponent: c}
		if err := (Allocator{}).Allocate(b, waiver); err != nil {
			return err
		}
	}

	capitalized := decimal.Zero
	due := b.demandsDue(e.ValueDate)
	SortWaterfall(due)
	for _, d := range due {
		if opts.Treatments[d.Component] != TreatCapitalize || !d.Outstanding.IsPositive() {
			continue
		}
		amount := d.Outstanding
		if _, err := b.allocate(e, d, amount, AllocationCapitalization); err != nil {
			return err
		}
		capitalized = capitalized.Add(amount)
	}

	opening := b.unbilledPrincipal(e.ValueDate).Add(capitalized)
	_, err := b.reschedule(e, opening, capitalized, opts)
	return err
}

// reschedule appends a version effective on e.ValueDate that amortizes
// opening over the periods the active version had not billed yet.
func (b *Book) reschedule(e *Event, opening, capitalized decimal.Decimal, opts *RestructureOptions) (*ScheduleVersion, error) {
	d := e.ValueDate
	active := b.Schedules.Active()
	if active == nil {
		return nil, newConsistencyError(b.Loan.ID, "loan has no active schedule", b.Schedules)
	}

	// Rows billed ahead of their due date keep their demands; the new
	// version starts after the last of them.
	live := b.liveDemandKeys()
	var remaining []InstallmentRow
	var billedAhead Date
	for _, er := range b.Schedules.EffectiveRows() {
		if !er.Row.DueDate.After(d) {
			continue
		}
		if hasRowDemand(er, live) {
			billedAhead = er.Row.DueDate
			continue
		}
		remaining = append(remaining, er.Row)
	}
	moratorium, regular := 0, 0
	for _, row := range remaining {
		if row.Moratorium {
			moratorium++
		} else {
			regular++
		}
	}

	terms := active.Terms
	terms.Principal = opening
	terms.DisbursementDate = d
	terms.SecurityDeposit = decimal.Zero
	terms.MoratoriumPeriods = moratorium
	if moratorium == 0 {
		terms.MoratoriumType = MoratoriumNone
	}
	terms.PaymentDay = active.Terms.paymentDay()
	switch {
	case len(remaining) > 0:
		terms.FirstPaymentDate = remaining[0].DueDate
	case !billedAhead.IsZero():
		terms.FirstPaymentDate = billedAhead.AddMonths(1).WithDay(terms.PaymentDay)
	default:
		terms.FirstPaymentDate = d.AddMonths(1)
	}
	terms.Tenure = max(regular, 1)
	if opts != nil {
		if opts.NewTenure > 0 {
			terms.Tenure = opts.NewTenure
		}
		if opts.NewRate != nil {
			terms.AnnualRate = *opts.NewRate
		}
	}

	var v *ScheduleVersion
	if opening.IsPositive() {
		var err error
		if v, err = rebuildSchedule(terms); err != nil {
			return nil, err
		}
	} else {
		v = &ScheduleVersion{ID: ScheduleVersionID(uuid.NewString()), Terms: terms}
	}
	v.EffectiveFrom = d
	v.CreatedBy = e.ID
	if capitalized.IsPositive() {
		v.Capitalizations = append(v.Capitalizations,
			Capitalization{Date: d, Amount: capitalized, Reason: CapitalizeRestructure})
	}
	b.addVersion(v)
	return v, nil
}

func hasRowDemand(er EffectiveRow, live map[string]*Demand) bool {
	for _, c := range []Component{ComponentInterest, ComponentPrincipal} {
		if _, ok := live[er.DemandKey(c)]; ok {
			return true
		}
	}
	return false
}
