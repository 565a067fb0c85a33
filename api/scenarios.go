/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with loans in
	interesting servicing states. Each scenario disburses loans from JSON
	terms, runs accrual and billing, and submits events.

AVAILABLE SCENARIOS:

	standard-loan:      Two-installment loan, first installment paid
	backdated-payment:  Two halves submitted out of order, loan reposted
	moratorium:         Principal moratorium ahead of twelve installments
	prepayment:         Part prepayment creating a new schedule version
	restructure:        Overdue loan restructured with a waiver
	security-deposit:   Deposit consumed against an overdue installment

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Parse loan terms via the terms factory
 3. Disburse
 4. Run accrual and billing up to a date
 5. Submit repayments, charges or restructures

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "backdated-payment"}

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: ResetDatabase
  - factory/terms.go: Terms JSON and products
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/warp/lending-engine/lending"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "standard-loan",
		Name:        "Standard Loan",
		Description: "10000 at 10% over two months, first installment paid on time",
		Category:    "repayment",
	},
	{
		ID:          "backdated-payment",
		Name:        "Backdated Payment",
		Description: "Two halves of the payoff submitted out of order; the loan reposts and closes",
		Category:    "repost",
	},
	{
		ID:          "moratorium",
		Name:        "Principal Moratorium",
		Description: "285000 at 17% with three interest-only months ahead of twelve installments",
		Category:    "schedule",
	},
	{
		ID:          "prepayment",
		Name:        "Part Prepayment",
		Description: "Prepayment re-amortizes the balance and keeps the next due date",
		Category:    "schedule",
	},
	{
		ID:          "restructure",
		Name:        "Restructure",
		Description: "Overdue loan with a fee: fee waived, interest capitalized, balance rescheduled",
		Category:    "restructure",
	},
	{
		ID:          "security-deposit",
		Name:        "Security Deposit",
		Description: "Withheld deposit consumed against an overdue installment",
		Category:    "repayment",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	current := h.scenario()
	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current, Description: "Currently loaded scenario"})
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	loaders := map[string]func(context.Context) error{
		"standard-loan":     h.loadStandardLoanScenario,
		"backdated-payment": h.loadBackdatedPaymentScenario,
		"moratorium":        h.loadMoratoriumScenario,
		"prepayment":        h.loadPrepaymentScenario,
		"restructure":       h.loadRestructureScenario,
		"security-deposit":  h.loadSecurityDepositScenario,
	}
	load, ok := loaders[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	ctx := r.Context()
	if err := h.Store.Reset(ctx); err != nil {
		h.writeServiceError(w, r, "Failed to reset database", err)
		return
	}
	h.setScenario("")

	if err := load(ctx); err != nil {
		h.writeServiceError(w, r, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}

	h.setScenario(req.ScenarioID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

func (h *Handler) scenario() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.currentScenario
}

func (h *Handler) setScenario(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.currentScenario = id
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

const twoMonthLoanJSON = `{
	"loan_id": %q,
	"company_id": "demo",
	"principal": "10000",
	"annual_rate": "10",
	"tenure": 2,
	"method": "fixed_period_count",
	"disbursement_date": "2025-01-25",
	"first_payment_date": "2025-02-15"
}`

func (h *Handler) loadStandardLoanScenario(ctx context.Context) error {
	id, err := h.disburseJSON(ctx, fmt.Sprintf(twoMonthLoanJSON, "standard-loan"))
	if err != nil {
		return err
	}
	if err := h.bill(ctx, id, "2025-02-15"); err != nil {
		return err
	}
	return h.payDue(ctx, id, "2025-02-15", lending.EventNormal)
}

func (h *Handler) loadBackdatedPaymentScenario(ctx context.Context) error {
	id, err := h.disburseJSON(ctx, fmt.Sprintf(twoMonthLoanJSON, "backdated-payment"))
	if err != nil {
		return err
	}
	if err := h.bill(ctx, id, "2025-02-15"); err != nil {
		return err
	}
	if err := h.payDue(ctx, id, "2025-02-15", lending.EventNormal); err != nil {
		return err
	}
	if err := h.bill(ctx, id, "2025-03-15"); err != nil {
		return err
	}
	amounts, err := h.Service.CalculateAmounts(ctx, id, lending.MustParseDate("2025-03-20"))
	if err != nil {
		return err
	}
	half := lending.Round2(amounts.PayableAmount.Div(decimal.NewFromInt(2)))

	// The later half arrives first; the earlier one triggers a repost.
	for _, date := range []string{"2025-03-20", "2025-03-16"} {
		if _, err := h.Service.SubmitRepayment(ctx, lending.RepaymentRequest{
			LoanID:    id,
			Type:      lending.EventNormal,
			Amount:    half,
			ValueDate: lending.MustParseDate(date),
		}); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) loadMoratoriumScenario(ctx context.Context) error {
	id, err := h.disburseJSON(ctx, `{
		"loan_id": "moratorium",
		"company_id": "demo",
		"product": "msme",
		"principal": "285000",
		"disbursement_date": "2025-01-10",
		"first_payment_date": "2025-02-10"
	}`)
	if err != nil {
		return err
	}
	if err := h.bill(ctx, id, "2025-04-10"); err != nil {
		return err
	}
	for _, date := range []string{"2025-02-10", "2025-03-10", "2025-04-10"} {
		if err := h.payDue(ctx, id, date, lending.EventNormal); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) loadPrepaymentScenario(ctx context.Context) error {
	id, err := h.disburseJSON(ctx, `{
		"loan_id": "prepayment",
		"company_id": "demo",
		"product": "personal",
		"principal": "100000",
		"disbursement_date": "2025-01-01",
		"first_payment_date": "2025-02-01"
	}`)
	if err != nil {
		return err
	}
	if err := h.bill(ctx, id, "2025-02-01"); err != nil {
		return err
	}
	if err := h.payDue(ctx, id, "2025-02-01", lending.EventNormal); err != nil {
		return err
	}
	_, err = h.Service.SubmitRepayment(ctx, lending.RepaymentRequest{
		LoanID:    id,
		Type:      lending.EventPrepayment,
		Amount:    lending.Money("30000"),
		ValueDate: lending.MustParseDate("2025-02-15"),
	})
	return err
}

func (h *Handler) loadRestructureScenario(ctx context.Context) error {
	id, err := h.disburseJSON(ctx, `{
		"loan_id": "restructure",
		"company_id": "demo",
		"product": "personal",
		"principal": "50000",
		"tenure": 6,
		"disbursement_date": "2025-01-05",
		"first_payment_date": "2025-02-05"
	}`)
	if err != nil {
		return err
	}
	if err := h.bill(ctx, id, "2025-03-05"); err != nil {
		return err
	}
	if _, err := h.Service.AddCharge(ctx, id, lending.MustParseDate("2025-03-06"),
		lending.Money("500"), "Late payment fee"); err != nil {
		return err
	}
	_, err = h.Service.Restructure(ctx, id, lending.MustParseDate("2025-03-10"), lending.RestructureOptions{
		Waivers: map[lending.Component]decimal.Decimal{lending.ComponentCharge: lending.Money("500")},
		Treatments: map[lending.Component]lending.Treatment{
			lending.ComponentInterest: lending.TreatCapitalize,
			lending.ComponentPenalty:  lending.TreatCapitalize,
		},
		NewTenure: 8,
	})
	return err
}

func (h *Handler) loadSecurityDepositScenario(ctx context.Context) error {
	id, err := h.disburseJSON(ctx, `{
		"loan_id": "security-deposit",
		"company_id": "demo",
		"product": "personal",
		"principal": "20000",
		"tenure": 4,
		"security_deposit": "2000",
		"disbursement_date": "2025-01-15",
		"first_payment_date": "2025-02-15"
	}`)
	if err != nil {
		return err
	}
	if err := h.bill(ctx, id, "2025-02-20"); err != nil {
		return err
	}
	_, err = h.Service.SubmitRepayment(ctx, lending.RepaymentRequest{
		LoanID:    id,
		Type:      lending.EventSecurityDepositAdjustment,
		Amount:    lending.Money("2000"),
		ValueDate: lending.MustParseDate("2025-02-20"),
	})
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) disburseJSON(ctx context.Context, jsonStr string) (lending.LoanID, error) {
	terms, err := h.Terms.ParseTerms(jsonStr)
	if err != nil {
		return "", err
	}
	loan, err := h.Service.Disburse(ctx, terms, lending.DisburseOptions{})
	if err != nil {
		return "", err
	}
	return loan.ID, nil
}

// bill accrues and generates demands up to date.
func (h *Handler) bill(ctx context.Context, id lending.LoanID, date string) error {
	asOf := lending.MustParseDate(date)
	if _, err := h.Service.AccrueInterest(ctx, id, asOf); err != nil {
		return err
	}
	_, err := h.Service.GenerateDemands(ctx, id, asOf)
	return err
}

// payDue pays everything payable on date, if anything.
func (h *Handler) payDue(ctx context.Context, id lending.LoanID, date string, t lending.EventType) error {
	valueDate := lending.MustParseDate(date)
	amounts, err := h.Service.CalculateAmounts(ctx, id, valueDate)
	if err != nil {
		return err
	}
	if !amounts.PayableAmount.IsPositive() {
		return nil
	}
	_, err = h.Service.SubmitRepayment(ctx, lending.RepaymentRequest{
		LoanID:    id,
		Type:      t,
		Amount:    amounts.PayableAmount,
		ValueDate: valueDate,
	})
	return err
}
