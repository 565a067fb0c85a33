package lending

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// DEMANDS
// =============================================================================

// Demand is one billed amount of one component. Outstanding always equals
// Amount minus the non-reversed allocations against it.
type Demand struct {
	ID                DemandID
	LoanID            LoanID
	ScheduleVersionID ScheduleVersionID
	EventID           EventID // source event for prepayment and charge demands
	Key               string
	Component         Component
	DemandDate        Date // when it became billable
	DueDate           Date // drives penalty and waterfall order
	Amount            decimal.Decimal
	Outstanding       decimal.Decimal
	Status            DemandStatus
	Order             int // row index or event sequence, the last waterfall tie-break
	Description       string
	CreatedAt         time.Time
}

func (d *Demand) apply(amount decimal.Decimal) error {
	if d.Status == DemandCancelled {
		return newConsistencyError(d.LoanID, "allocation against a cancelled demand", d)
	}
	if amount.GreaterThan(d.Outstanding) {
		return newConsistencyError(d.LoanID,
			fmt.Sprintf("allocation %s exceeds outstanding %s", amount, d.Outstanding), d)
	}
	d.Outstanding = d.Outstanding.Sub(amount)
	d.refreshStatus()
	return nil
}

func (d *Demand) restore(amount decimal.Decimal) error {
	if d.Outstanding.Add(amount).GreaterThan(d.Amount) {
		return newConsistencyError(d.LoanID,
			fmt.Sprintf("reversal %s would exceed demand amount %s", amount, d.Amount), d)
	}
	d.Outstanding = d.Outstanding.Add(amount)
	d.refreshStatus()
	return nil
}

func (d *Demand) refreshStatus() {
	if d.Status == DemandCancelled {
		return
	}
	switch {
	case d.Outstanding.IsZero():
		d.Status = DemandSettled
	case d.Outstanding.Equal(d.Amount):
		d.Status = DemandPending
	default:
		d.Status = DemandPartiallySettled
	}
}

// Paid is the amount settled so far.
func (d *Demand) Paid() decimal.Decimal { return d.Amount.Sub(d.Outstanding) }

// =============================================================================
// DEMAND GENERATOR
// =============================================================================

// DemandGenerator bills everything due up to a posting date: schedule rows,
// accruals beyond the last due date and penalty interest. Each demand has a
// deterministic key, and a key with a live demand is never billed twice.
type DemandGenerator struct {
	Accruals AccrualEngine
}

// Generate returns the demands created by this call.
func (g DemandGenerator) Generate(b *Book, postingDate Date) []*Demand {
	if postingDate.Before(b.Loan.Terms.DisbursementDate) {
		return nil
	}
	var created []*Demand
	existing := b.liveDemandKeys()
	bill := func(d Demand) {
		if _, ok := existing[d.Key]; ok || !d.Amount.IsPositive() {
			return
		}
		demand := b.addDemand(d)
		existing[d.Key] = demand
		created = append(created, demand)
	}

	for _, er := range b.Schedules.EffectiveRows() {
		if er.Row.DueDate.After(postingDate) {
			break
		}
		for _, c := range []Component{ComponentInterest, ComponentPrincipal} {
			bill(rowDemand(er, c, er.Row.DueDate))
		}
	}

	for _, rec := range b.Accruals {
		if rec.Voided || rec.Kind != AccrualInterest || !rec.BeyondSchedule || rec.Period.End.After(postingDate) {
			continue
		}
		bill(Demand{
			Key:        "accrual:" + rec.Period.Key(),
			Component:  ComponentInterest,
			DemandDate: rec.Period.End,
			DueDate:    rec.Period.End,
			Amount:     rec.Amount,
		})
	}

	if rec := g.Accruals.AccruePenalty(b, postingDate); rec != nil {
		bill(Demand{
			Key:        "penalty:" + rec.Period.Key(),
			Component:  ComponentPenalty,
			DemandDate: rec.Period.End,
			DueDate:    rec.Period.End,
			Amount:     rec.Amount,
		})
	}
	return created
}

func rowDemand(er EffectiveRow, c Component, demandDate Date) Demand {
	amount := er.Row.Principal
	if c == ComponentInterest {
		amount = er.Row.Interest
	}
	return Demand{
		ScheduleVersionID: er.Version.ID,
		Key:               er.DemandKey(c),
		Component:         c,
		DemandDate:        demandDate,
		DueDate:           er.Row.DueDate,
		Amount:            amount,
		Order:             er.Row.Index,
	}
}

// demandsDue returns live demands billable on or before d.
func (b *Book) demandsDue(d Date) []*Demand {
	var due []*Demand
	for _, dm := range b.Demands {
		if dm.Status != DemandCancelled && !dm.DemandDate.After(d) {
			due = append(due, dm)
		}
	}
	return due
}
