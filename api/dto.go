/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the lending domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

FORMATS:
  Amounts are decimal strings ("5063.00"). Dates are YYYY-MM-DD.
  Timestamps are RFC3339.

TYPES:
  Loans:       LoanDTO, ScheduleDTO, InstallmentDTO
  Servicing:   DemandDTO, AccrualDTO, EventDTO, AllocationDTO, AmountsDTO
  Requests:    RepaymentRequest, ChargeRequest, RestructureRequest, AsOfRequest
  Admin:       BatchReportDTO, CompanyConfigDTO, JournalLineDTO
  Scenarios:   ScenarioDTO, LoadScenarioRequest

VALIDATION:
  Validation is done in handlers and the lending service, not in DTOs.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/terms.go: TermsJSON, the loan creation body
*/
package api

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/lending-engine/lending"
)

// =============================================================================
// LOANS AND SCHEDULES
// =============================================================================

// LoanDTO represents a loan in API responses.
type LoanDTO struct {
	ID               string          `json:"id"`
	CompanyID        string          `json:"company_id,omitempty"`
	Status           string          `json:"status"`
	RepostState      string          `json:"repost_state"`
	DirtyFrom        string          `json:"dirty_from,omitempty"`
	AccrualHorizon   string          `json:"accrual_horizon,omitempty"`
	DemandHorizon    string          `json:"demand_horizon,omitempty"`
	ActiveScheduleID string          `json:"active_schedule_id"`
	Principal        decimal.Decimal `json:"principal"`
	AnnualRate       decimal.Decimal `json:"annual_rate"`
	Method           string          `json:"method"`
	Tenure           int             `json:"tenure"`
	DisbursementDate string          `json:"disbursement_date"`
	FirstPaymentDate string          `json:"first_payment_date"`
	SecurityDeposit  decimal.Decimal `json:"security_deposit"`
	Version          int64           `json:"version"`
	CreatedAt        string          `json:"created_at,omitempty"`
}

// ScheduleDTO represents one schedule version.
type ScheduleDTO struct {
	ID              string              `json:"id"`
	Number          int                 `json:"number"`
	Status          string              `json:"status,omitempty"`
	EffectiveFrom   string              `json:"effective_from"`
	CreatedBy       string              `json:"created_by,omitempty"`
	Installment     decimal.Decimal     `json:"installment"`
	Capitalizations []CapitalizationDTO `json:"capitalizations,omitempty"`
	Rows            []InstallmentDTO    `json:"rows"`
}

// CapitalizationDTO is an amount added to principal.
type CapitalizationDTO struct {
	Date   string          `json:"date"`
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason"`
}

// InstallmentDTO is one schedule row.
type InstallmentDTO struct {
	Index            int             `json:"index"`
	DueDate          string          `json:"due_date"`
	OpeningBalance   decimal.Decimal `json:"opening_balance"`
	Interest         decimal.Decimal `json:"interest"`
	Principal        decimal.Decimal `json:"principal"`
	TotalDue         decimal.Decimal `json:"total_due"`
	ClosingBalance   decimal.Decimal `json:"closing_balance"`
	Moratorium       bool            `json:"moratorium,omitempty"`
	DeferredInterest decimal.Decimal `json:"deferred_interest"`
	Paid             bool            `json:"paid"`
}

// ScheduleViewDTO is the active schedule plus its history.
type ScheduleViewDTO struct {
	Active   *ScheduleDTO  `json:"active"`
	Versions []ScheduleDTO `json:"versions"`
}

// =============================================================================
// SERVICING RECORDS
// =============================================================================

// DemandDTO represents a billed amount.
type DemandDTO struct {
	ID          string          `json:"id"`
	Key         string          `json:"key"`
	Component   string          `json:"component"`
	DemandDate  string          `json:"demand_date"`
	DueDate     string          `json:"due_date"`
	Amount      decimal.Decimal `json:"amount"`
	Outstanding decimal.Decimal `json:"outstanding"`
	Paid        decimal.Decimal `json:"paid"`
	Status      string          `json:"status"`
	Description string          `json:"description,omitempty"`
}

// AccrualDTO represents an accrual record.
type AccrualDTO struct {
	ID             string          `json:"id"`
	Kind           string          `json:"kind"`
	PeriodStart    string          `json:"period_start"`
	PeriodEnd      string          `json:"period_end"`
	PrincipalBase  decimal.Decimal `json:"principal_base"`
	Amount         decimal.Decimal `json:"amount"`
	BeyondSchedule bool            `json:"beyond_schedule,omitempty"`
}

// EventDTO represents a loan event.
type EventDTO struct {
	ID              string          `json:"id"`
	Seq             int64           `json:"seq"`
	Type            string          `json:"type"`
	ValueDate       string          `json:"value_date"`
	PostingDate     string          `json:"posting_date"`
	Amount          decimal.Decimal `json:"amount"`
	WaiverComponent string          `json:"waiver_component,omitempty"`
	Description     string          `json:"description,omitempty"`
	Cancelled       bool            `json:"cancelled"`
	CreatedAt       string          `json:"created_at,omitempty"`
}

// AllocationEntryDTO links part of an event to a demand.
type AllocationEntryDTO struct {
	DemandID  string          `json:"demand_id"`
	Component string          `json:"component"`
	Kind      string          `json:"kind"`
	Amount    decimal.Decimal `json:"amount"`
}

// AllocationDTO is the outcome of applying an event.
type AllocationDTO struct {
	LoanID            string               `json:"loan_id"`
	EventID           string               `json:"event_id"`
	Type              string               `json:"type"`
	ValueDate         string               `json:"value_date"`
	Amount            decimal.Decimal      `json:"amount"`
	PenaltyPaid       decimal.Decimal      `json:"penalty_paid"`
	ChargesPaid       decimal.Decimal      `json:"charges_paid"`
	InterestPaid      decimal.Decimal      `json:"interest_paid"`
	PrincipalPaid     decimal.Decimal      `json:"principal_paid"`
	Capitalized       decimal.Decimal      `json:"capitalized"`
	Excess            decimal.Decimal      `json:"excess"`
	Unapplied         decimal.Decimal      `json:"unapplied"`
	PayableAfter      decimal.Decimal      `json:"payable_after"`
	ScheduleVersionID string               `json:"schedule_version_id,omitempty"`
	Reposted          bool                 `json:"reposted"`
	Entries           []AllocationEntryDTO `json:"entries"`
}

// AmountsDTO is a quote of what a loan owes.
type AmountsDTO struct {
	LoanID            string          `json:"loan_id"`
	AsOf              string          `json:"as_of"`
	PenaltyDue        decimal.Decimal `json:"penalty_due"`
	ChargesDue        decimal.Decimal `json:"charges_due"`
	InterestDue       decimal.Decimal `json:"interest_due"`
	PrincipalDue      decimal.Decimal `json:"principal_due"`
	UnbilledInterest  decimal.Decimal `json:"unbilled_interest"`
	UnbilledPrincipal decimal.Decimal `json:"unbilled_principal"`
	PayableAmount     decimal.Decimal `json:"payable_amount"`
	ForeclosureAmount decimal.Decimal `json:"foreclosure_amount"`
	AvailableDeposit  decimal.Decimal `json:"available_deposit"`
	ExcessPaid        decimal.Decimal `json:"excess_paid"`
	Demands           []DemandDTO     `json:"demands"`
}

// =============================================================================
// REQUESTS
// =============================================================================

// RepaymentRequest is the body of POST /api/loans/{id}/repayments.
type RepaymentRequest struct {
	Type            string          `json:"type"`
	Amount          decimal.Decimal `json:"amount"`
	ValueDate       string          `json:"value_date"`
	PostingDate     string          `json:"posting_date,omitempty"`
	WaiverComponent string          `json:"waiver_component,omitempty"`
}

// ChargeRequest is the body of POST /api/loans/{id}/charges.
type ChargeRequest struct {
	Date        string          `json:"date"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
}

// RestructureRequest is the body of POST /api/loans/{id}/restructure.
type RestructureRequest struct {
	AsOf       string                     `json:"as_of"`
	Waivers    map[string]decimal.Decimal `json:"waivers,omitempty"`
	Treatments map[string]string          `json:"treatments,omitempty"`
	NewTenure  int                        `json:"new_tenure,omitempty"`
	NewRate    *decimal.Decimal           `json:"new_rate,omitempty"`
}

// AsOfRequest carries the date of accrual, billing and batch runs.
type AsOfRequest struct {
	AsOf string `json:"as_of"`
}

// =============================================================================
// ADMIN
// =============================================================================

// BatchReportDTO summarizes a batch run.
type BatchReportDTO struct {
	AsOf      string            `json:"as_of"`
	Processed int               `json:"processed"`
	Skipped   int               `json:"skipped"`
	Accrued   int               `json:"accrued"`
	Billed    int               `json:"billed"`
	Failures  map[string]string `json:"failures,omitempty"`
}

// CompanyConfigDTO is a company's accrual configuration.
type CompanyConfigDTO struct {
	CompanyID          string `json:"company_id"`
	AccrualFrequency   string `json:"accrual_frequency"`
	DayCountConvention string `json:"day_count_convention"`
}

// JournalLineDTO is one ledger line.
type JournalLineDTO struct {
	EventID     string          `json:"event_id"`
	Account     string          `json:"account"`
	Debit       decimal.Decimal `json:"debit"`
	Credit      decimal.Decimal `json:"credit"`
	PostingDate string          `json:"posting_date"`
	Reversal    bool            `json:"reversal,omitempty"`
}

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

// LoadScenarioRequest selects a scenario to load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the body of every error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func toLoanDTO(l *lending.Loan) LoanDTO {
	dto := LoanDTO{
		ID:               string(l.ID),
		CompanyID:        l.CompanyID,
		Status:           string(l.Status),
		RepostState:      string(l.RepostState),
		DirtyFrom:        l.DirtyFrom.String(),
		AccrualHorizon:   l.AccrualHorizon.String(),
		DemandHorizon:    l.DemandHorizon.String(),
		ActiveScheduleID: string(l.ActiveScheduleID),
		Principal:        l.Terms.Principal,
		AnnualRate:       l.Terms.AnnualRate,
		Method:           string(l.Terms.Method),
		Tenure:           l.Terms.Tenure,
		DisbursementDate: l.Terms.DisbursementDate.String(),
		FirstPaymentDate: l.Terms.FirstPaymentDate.String(),
		SecurityDeposit:  l.Terms.SecurityDeposit,
		Version:          l.Version,
	}
	if !l.CreatedAt.IsZero() {
		dto.CreatedAt = l.CreatedAt.Format(time.RFC3339)
	}
	return dto
}

func toScheduleDTO(v *lending.ScheduleVersion, status lending.VersionStatus) ScheduleDTO {
	dto := ScheduleDTO{
		ID:            string(v.ID),
		Number:        v.Number,
		Status:        string(status),
		EffectiveFrom: v.EffectiveFrom.String(),
		CreatedBy:     string(v.CreatedBy),
		Installment:   v.Installment(),
		Rows:          make([]InstallmentDTO, len(v.Rows)),
	}
	for _, c := range v.Capitalizations {
		dto.Capitalizations = append(dto.Capitalizations, CapitalizationDTO{
			Date: c.Date.String(), Amount: c.Amount, Reason: c.Reason,
		})
	}
	for i, r := range v.Rows {
		dto.Rows[i] = InstallmentDTO{
			Index:            r.Index,
			DueDate:          r.DueDate.String(),
			OpeningBalance:   r.OpeningBalance,
			Interest:         r.Interest,
			Principal:        r.Principal,
			TotalDue:         r.TotalDue,
			ClosingBalance:   r.ClosingBalance,
			Moratorium:       r.Moratorium,
			DeferredInterest: r.DeferredInterest,
			Paid:             r.Paid,
		}
	}
	return dto
}

func toScheduleViewDTO(view *lending.ScheduleView) ScheduleViewDTO {
	dto := ScheduleViewDTO{Versions: make([]ScheduleDTO, len(view.Versions))}
	for i, v := range view.Versions {
		dto.Versions[i] = toScheduleDTO(v, view.Statuses[v.ID])
	}
	if view.Active != nil {
		active := toScheduleDTO(view.Active, lending.VersionActive)
		dto.Active = &active
	}
	return dto
}

func toDemandDTO(d lending.Demand) DemandDTO {
	return DemandDTO{
		ID:          string(d.ID),
		Key:         d.Key,
		Component:   d.Component.String(),
		DemandDate:  d.DemandDate.String(),
		DueDate:     d.DueDate.String(),
		Amount:      d.Amount,
		Outstanding: d.Outstanding,
		Paid:        d.Paid(),
		Status:      string(d.Status),
		Description: d.Description,
	}
}

func toDemandDTOs(demands []lending.Demand) []DemandDTO {
	dtos := make([]DemandDTO, len(demands))
	for i, d := range demands {
		dtos[i] = toDemandDTO(d)
	}
	return dtos
}

func toAccrualDTOs(records []lending.AccrualRecord) []AccrualDTO {
	dtos := make([]AccrualDTO, len(records))
	for i, r := range records {
		dtos[i] = AccrualDTO{
			ID:             string(r.ID),
			Kind:           string(r.Kind),
			PeriodStart:    r.Period.Start.String(),
			PeriodEnd:      r.Period.End.String(),
			PrincipalBase:  r.PrincipalBase,
			Amount:         r.Amount,
			BeyondSchedule: r.BeyondSchedule,
		}
	}
	return dtos
}

func toEventDTOs(events []lending.Event) []EventDTO {
	dtos := make([]EventDTO, len(events))
	for i, e := range events {
		dtos[i] = EventDTO{
			ID:          string(e.ID),
			Seq:         e.Seq,
			Type:        string(e.Type),
			ValueDate:   e.ValueDate.String(),
			PostingDate: e.PostingDate.String(),
			Amount:      e.Amount,
			Description: e.Description,
			Cancelled:   e.Cancelled,
			CreatedAt:   e.CreatedAt.Format(time.RFC3339),
		}
		if e.Type == lending.EventWaiver {
			dtos[i].WaiverComponent = e.WaiverComponent.String()
		}
	}
	return dtos
}

func toAllocationDTO(r *lending.AllocationResult) AllocationDTO {
	dto := AllocationDTO{
		LoanID:            string(r.LoanID),
		EventID:           string(r.EventID),
		Type:              string(r.Type),
		ValueDate:         r.ValueDate.String(),
		Amount:            r.Amount,
		PenaltyPaid:       r.PenaltyPaid,
		ChargesPaid:       r.ChargesPaid,
		InterestPaid:      r.InterestPaid,
		PrincipalPaid:     r.PrincipalPaid,
		Capitalized:       r.Capitalized,
		Excess:            r.Excess,
		Unapplied:         r.Unapplied,
		PayableAfter:      r.PayableAfter,
		ScheduleVersionID: string(r.ScheduleVersionID),
		Reposted:          r.Reposted,
		Entries:           make([]AllocationEntryDTO, len(r.Entries)),
	}
	for i, e := range r.Entries {
		dto.Entries[i] = AllocationEntryDTO{
			DemandID:  string(e.DemandID),
			Component: e.Component.String(),
			Kind:      string(e.Kind),
			Amount:    e.Amount,
		}
	}
	return dto
}

func toAmountsDTO(a *lending.Amounts) AmountsDTO {
	return AmountsDTO{
		LoanID:            string(a.LoanID),
		AsOf:              a.AsOf.String(),
		PenaltyDue:        a.PenaltyDue,
		ChargesDue:        a.ChargesDue,
		InterestDue:       a.InterestDue,
		PrincipalDue:      a.PrincipalDue,
		UnbilledInterest:  a.UnbilledInterest,
		UnbilledPrincipal: a.UnbilledPrincipal,
		PayableAmount:     a.PayableAmount,
		ForeclosureAmount: a.ForeclosureAmount,
		AvailableDeposit:  a.AvailableDeposit,
		ExcessPaid:        a.ExcessPaid,
		Demands:           toDemandDTOs(a.Demands),
	}
}

func toBatchReportDTO(r *lending.BatchReport) BatchReportDTO {
	dto := BatchReportDTO{
		AsOf:      r.AsOf.String(),
		Processed: r.Processed,
		Skipped:   r.Skipped,
		Accrued:   r.Accrued,
		Billed:    r.Billed,
	}
	if len(r.Failures) > 0 {
		dto.Failures = make(map[string]string, len(r.Failures))
		for id, err := range r.Failures {
			dto.Failures[string(id)] = err.Error()
		}
	}
	return dto
}

func toJournalLineDTOs(lines []lending.JournalLine) []JournalLineDTO {
	dtos := make([]JournalLineDTO, len(lines))
	for i, l := range lines {
		dtos[i] = JournalLineDTO{
			EventID:     string(l.EventID),
			Account:     l.Account,
			Debit:       l.Debit,
			Credit:      l.Credit,
			PostingDate: l.PostingDate.String(),
			Reversal:    l.Reversal,
		}
	}
	return dtos
}

// toRestructureOptions converts component names to the lending enumeration.
func (req RestructureRequest) toOptions() (lending.RestructureOptions, error) {
	opts := lending.RestructureOptions{NewTenure: req.NewTenure, NewRate: req.NewRate}
	if len(req.Waivers) > 0 {
		opts.Waivers = make(map[lending.Component]decimal.Decimal, len(req.Waivers))
		for _, name := range sortedKeys(req.Waivers) {
			c, err := lending.ParseComponent(name)
			if err != nil {
				return opts, err
			}
			opts.Waivers[c] = req.Waivers[name]
		}
	}
	if len(req.Treatments) > 0 {
		opts.Treatments = make(map[lending.Component]lending.Treatment, len(req.Treatments))
		for _, name := range sortedKeys(req.Treatments) {
			c, err := lending.ParseComponent(name)
			if err != nil {
				return opts, err
			}
			opts.Treatments[c] = lending.Treatment(req.Treatments[name])
		}
	}
	return opts, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
