/*
handlers.go - HTTP API handlers for the loan servicing engine

PURPOSE:
  Exposes lending.Service via REST API. Handles HTTP request/response, JSON
  serialization, and delegates every rule to the service.

ENDPOINTS:
  Schedules:
    POST   /api/schedules/preview          Build a schedule without saving
    GET    /api/products                   List loan products

  Loans:
    GET    /api/loans                      List loans
    POST   /api/loans                      Disburse a loan (factory.TermsJSON)
    GET    /api/loans/{id}                 Loan state
    GET    /api/loans/{id}/schedule        Active schedule with paid flags
    GET    /api/loans/{id}/schedules       Every schedule version
    GET    /api/loans/{id}/demands         Demands (?include_cancelled=true)
    POST   /api/loans/{id}/demands         Bill up to as_of
    GET    /api/loans/{id}/accruals        Accrual records
    POST   /api/loans/{id}/accruals        Accrue up to as_of
    GET    /api/loans/{id}/amounts         Quote (?as_of=YYYY-MM-DD)
    GET    /api/loans/{id}/events          Events in replay order
    GET    /api/loans/{id}/journal         Ledger lines
    POST   /api/loans/{id}/repayments      Submit a repayment
    POST   /api/loans/{id}/charges         Bill a fee
    POST   /api/loans/{id}/restructure     Waive, capitalize and reschedule
    POST   /api/loans/{id}/repost          Rebuild a dirty loan

  Events:
    GET    /api/events/{id}/allocation     Current allocation of an event
    POST   /api/events/{id}/cancel         Cancel an event and repost

  Admin:
    POST   /api/batch/run                  Accrue and bill every loan
    GET    /api/companies/{id}/config      Company accrual configuration
    PUT    /api/companies/{id}/config      Set company accrual configuration

ERROR HANDLING:
  Errors are returned as JSON with an HTTP status chosen by category:
  - 400: Validation errors, invalid input
  - 404: Loan or event not found
  - 409: Concurrent modification, loan closed
  - 500: Consistency violations and internal errors (sent to Sentry)

SECURITY NOTE:
  No authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi/v5"

	"github.com/warp/lending-engine/factory"
	"github.com/warp/lending-engine/lending"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// AdminStore is the part of the store the handlers use directly.
type AdminStore interface {
	lending.Journal
	SetCompanyConfig(ctx context.Context, companyID string, cfg lending.CompanyConfig) error
	GetCompanyConfig(ctx context.Context, companyID string) (lending.CompanyConfig, error)
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service *lending.Service
	Store   AdminStore
	Terms   *factory.TermsFactory

	// Today is the business date used when a request omits one.
	Today func() lending.Date

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler.
func NewHandler(svc *lending.Service, store AdminStore) *Handler {
	return &Handler{
		Service: svc,
		Store:   store,
		Terms:   factory.NewTermsFactory(),
		Today:   lending.Today,
	}
}

// =============================================================================
// SCHEDULE HANDLERS
// =============================================================================

// PreviewSchedule builds a schedule from terms without creating a loan.
func (h *Handler) PreviewSchedule(w http.ResponseWriter, r *http.Request) {
	terms, ok := h.decodeTerms(w, r)
	if !ok {
		return
	}
	v, err := h.Service.BuildSchedule(terms)
	if err != nil {
		h.writeServiceError(w, r, "Failed to build schedule", err)
		return
	}
	writeJSON(w, http.StatusOK, toScheduleDTO(v, ""))
}

// ListProducts returns the loan products known to the terms factory.
func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Terms.Products())
}

// =============================================================================
// LOAN HANDLERS
// =============================================================================

// ListLoans returns every loan.
func (h *Handler) ListLoans(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ids, err := h.Service.LoanIDs(ctx)
	if err != nil {
		h.writeServiceError(w, r, "Failed to list loans", err)
		return
	}
	dtos := make([]LoanDTO, 0, len(ids))
	for _, id := range ids {
		loan, err := h.Service.Loan(ctx, id)
		if err != nil {
			h.writeServiceError(w, r, "Failed to load loan", err)
			return
		}
		dtos = append(dtos, toLoanDTO(loan))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateLoan disburses a loan.
func (h *Handler) CreateLoan(w http.ResponseWriter, r *http.Request) {
	terms, ok := h.decodeTerms(w, r)
	if !ok {
		return
	}
	loan, err := h.Service.Disburse(r.Context(), terms, lending.DisburseOptions{})
	if err != nil {
		h.writeServiceError(w, r, "Failed to disburse loan", err)
		return
	}
	writeJSON(w, http.StatusCreated, toLoanDTO(loan))
}

// GetLoan returns a loan's servicing state.
func (h *Handler) GetLoan(w http.ResponseWriter, r *http.Request) {
	loan, err := h.Service.Loan(r.Context(), loanID(r))
	if err != nil {
		h.writeServiceError(w, r, "Failed to get loan", err)
		return
	}
	writeJSON(w, http.StatusOK, toLoanDTO(loan))
}

// GetSchedule returns the active schedule and its history.
func (h *Handler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	view, err := h.Service.Schedule(r.Context(), loanID(r))
	if err != nil {
		h.writeServiceError(w, r, "Failed to get schedule", err)
		return
	}
	writeJSON(w, http.StatusOK, toScheduleViewDTO(view))
}

// ListSchedules returns every schedule version, voided ones included.
func (h *Handler) ListSchedules(w http.ResponseWriter, r *http.Request) {
	view, err := h.Service.Schedule(r.Context(), loanID(r))
	if err != nil {
		h.writeServiceError(w, r, "Failed to list schedules", err)
		return
	}
	writeJSON(w, http.StatusOK, toScheduleViewDTO(view).Versions)
}

// ListDemands returns a loan's demands in waterfall order.
func (h *Handler) ListDemands(w http.ResponseWriter, r *http.Request) {
	includeCancelled, _ := strconv.ParseBool(r.URL.Query().Get("include_cancelled"))
	demands, err := h.Service.Demands(r.Context(), loanID(r), includeCancelled)
	if err != nil {
		h.writeServiceError(w, r, "Failed to list demands", err)
		return
	}
	writeJSON(w, http.StatusOK, toDemandDTOs(demands))
}

// GenerateDemands bills everything due up to as_of.
func (h *Handler) GenerateDemands(w http.ResponseWriter, r *http.Request) {
	asOf, ok := h.decodeAsOf(w, r)
	if !ok {
		return
	}
	demands, err := h.Service.GenerateDemands(r.Context(), loanID(r), asOf)
	if err != nil {
		h.writeServiceError(w, r, "Failed to generate demands", err)
		return
	}
	writeJSON(w, http.StatusOK, toDemandDTOs(demands))
}

// ListAccruals returns a loan's accrual records.
func (h *Handler) ListAccruals(w http.ResponseWriter, r *http.Request) {
	records, err := h.Service.Accruals(r.Context(), loanID(r))
	if err != nil {
		h.writeServiceError(w, r, "Failed to list accruals", err)
		return
	}
	writeJSON(w, http.StatusOK, toAccrualDTOs(records))
}

// AccrueInterest accrues interest up to as_of.
func (h *Handler) AccrueInterest(w http.ResponseWriter, r *http.Request) {
	asOf, ok := h.decodeAsOf(w, r)
	if !ok {
		return
	}
	records, err := h.Service.AccrueInterest(r.Context(), loanID(r), asOf)
	if err != nil {
		h.writeServiceError(w, r, "Failed to accrue interest", err)
		return
	}
	writeJSON(w, http.StatusOK, toAccrualDTOs(records))
}

// GetAmounts quotes what the loan owes on as_of (default today).
func (h *Handler) GetAmounts(w http.ResponseWriter, r *http.Request) {
	asOf := h.Today()
	if s := r.URL.Query().Get("as_of"); s != "" {
		d, err := parseDate("as_of", s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid as_of format (use YYYY-MM-DD)", err)
			return
		}
		asOf = d
	}
	amounts, err := h.Service.CalculateAmounts(r.Context(), loanID(r), asOf)
	if err != nil {
		h.writeServiceError(w, r, "Failed to calculate amounts", err)
		return
	}
	writeJSON(w, http.StatusOK, toAmountsDTO(amounts))
}

// ListEvents returns a loan's events, cancelled ones included.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.Service.Events(r.Context(), loanID(r))
	if err != nil {
		h.writeServiceError(w, r, "Failed to list events", err)
		return
	}
	writeJSON(w, http.StatusOK, toEventDTOs(events))
}

// GetJournal returns the ledger lines posted for a loan.
func (h *Handler) GetJournal(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := loanID(r)
	if _, err := h.Service.Loan(ctx, id); err != nil {
		h.writeServiceError(w, r, "Failed to get loan", err)
		return
	}
	lines, err := h.Store.LoadJournal(ctx, id)
	if err != nil {
		h.writeServiceError(w, r, "Failed to load journal", err)
		return
	}
	writeJSON(w, http.StatusOK, toJournalLineDTOs(lines))
}

// =============================================================================
// REPAYMENT HANDLERS
// =============================================================================

// SubmitRepayment records and allocates a repayment, waiver or deposit
// adjustment.
func (h *Handler) SubmitRepayment(w http.ResponseWriter, r *http.Request) {
	var req RepaymentRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	valueDate, err := parseDate("value_date", req.ValueDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid value_date format (use YYYY-MM-DD)", err)
		return
	}
	repayment := lending.RepaymentRequest{
		LoanID:    loanID(r),
		Type:      lending.EventType(req.Type),
		Amount:    req.Amount,
		ValueDate: valueDate,
	}
	if repayment.Type == "" {
		repayment.Type = lending.EventNormal
	}
	if req.PostingDate != "" {
		if repayment.PostingDate, err = parseDate("posting_date", req.PostingDate); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid posting_date format (use YYYY-MM-DD)", err)
			return
		}
	}
	if repayment.Type == lending.EventWaiver {
		c, err := lending.ParseComponent(req.WaiverComponent)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid waiver_component", err)
			return
		}
		repayment.WaiverComponent = c
	}

	result, err := h.Service.SubmitRepayment(r.Context(), repayment)
	if err != nil {
		h.writeServiceError(w, r, "Failed to submit repayment", err)
		return
	}
	writeJSON(w, http.StatusCreated, toAllocationDTO(result))
}

// AddCharge bills a fee.
func (h *Handler) AddCharge(w http.ResponseWriter, r *http.Request) {
	var req ChargeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	date, err := parseDate("date", req.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date format (use YYYY-MM-DD)", err)
		return
	}
	demand, err := h.Service.AddCharge(r.Context(), loanID(r), date, req.Amount, req.Description)
	if err != nil {
		h.writeServiceError(w, r, "Failed to add charge", err)
		return
	}
	writeJSON(w, http.StatusCreated, toDemandDTO(*demand))
}

// Restructure waives and capitalizes dues and re-amortizes the balance.
func (h *Handler) Restructure(w http.ResponseWriter, r *http.Request) {
	var req RestructureRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	asOf, err := parseDate("as_of", req.AsOf)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid as_of format (use YYYY-MM-DD)", err)
		return
	}
	opts, err := req.toOptions()
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid restructure options", err)
		return
	}
	v, err := h.Service.Restructure(r.Context(), loanID(r), asOf, opts)
	if err != nil {
		h.writeServiceError(w, r, "Failed to restructure loan", err)
		return
	}
	writeJSON(w, http.StatusCreated, toScheduleDTO(v, lending.VersionActive))
}

// Repost rebuilds a dirty loan. It is a no-op for a clean loan.
func (h *Handler) Repost(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := loanID(r)
	if err := h.Service.Repost(ctx, id); err != nil {
		h.writeServiceError(w, r, "Failed to repost loan", err)
		return
	}
	loan, err := h.Service.Loan(ctx, id)
	if err != nil {
		h.writeServiceError(w, r, "Failed to get loan", err)
		return
	}
	writeJSON(w, http.StatusOK, toLoanDTO(loan))
}

// GetAllocation returns the current allocation of an event.
func (h *Handler) GetAllocation(w http.ResponseWriter, r *http.Request) {
	result, err := h.Service.Allocation(r.Context(), lending.EventID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeServiceError(w, r, "Failed to get allocation", err)
		return
	}
	writeJSON(w, http.StatusOK, toAllocationDTO(result))
}

// CancelEvent cancels an event and reposts its loan.
func (h *Handler) CancelEvent(w http.ResponseWriter, r *http.Request) {
	eventID := lending.EventID(chi.URLParam(r, "id"))
	if err := h.Service.CancelRepayment(r.Context(), eventID); err != nil {
		h.writeServiceError(w, r, "Failed to cancel event", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "cancelled",
		"event_id": string(eventID),
	})
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// RunBatch accrues and bills every active loan up to as_of.
func (h *Handler) RunBatch(w http.ResponseWriter, r *http.Request) {
	asOf, ok := h.decodeAsOf(w, r)
	if !ok {
		return
	}
	report, err := h.Service.RunBatch(r.Context(), asOf)
	if err != nil {
		h.writeServiceError(w, r, "Failed to run batch", err)
		return
	}
	writeJSON(w, http.StatusOK, toBatchReportDTO(report))
}

// GetCompanyConfig returns a company's accrual configuration.
func (h *Handler) GetCompanyConfig(w http.ResponseWriter, r *http.Request) {
	companyID := chi.URLParam(r, "id")
	cfg, err := h.Store.GetCompanyConfig(r.Context(), companyID)
	if err != nil {
		h.writeServiceError(w, r, "Failed to get company config", err)
		return
	}
	writeJSON(w, http.StatusOK, CompanyConfigDTO{
		CompanyID:          companyID,
		AccrualFrequency:   string(cfg.AccrualFrequency),
		DayCountConvention: string(cfg.DayCountConvention),
	})
}

// SetCompanyConfig replaces a company's accrual configuration. Loans of the
// company pick it up on their next operation.
func (h *Handler) SetCompanyConfig(w http.ResponseWriter, r *http.Request) {
	var req CompanyConfigDTO
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	req.CompanyID = chi.URLParam(r, "id")
	cfg := lending.CompanyConfig{
		AccrualFrequency:   lending.AccrualFrequency(req.AccrualFrequency),
		DayCountConvention: lending.DayCountConvention(req.DayCountConvention),
	}
	if err := h.Store.SetCompanyConfig(r.Context(), req.CompanyID, cfg); err != nil {
		h.writeServiceError(w, r, "Failed to set company config", err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// ResetDatabase clears all data (dev only).
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Reset(r.Context()); err != nil {
		h.writeServiceError(w, r, "Failed to reset database", err)
		return
	}
	h.setScenario("")
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// =============================================================================
// HELPERS
// =============================================================================

func loanID(r *http.Request) lending.LoanID {
	return lending.LoanID(chi.URLParam(r, "id"))
}

func (h *Handler) decodeTerms(w http.ResponseWriter, r *http.Request) (lending.LoanTerms, bool) {
	var tj factory.TermsJSON
	if err := decodeBody(r, &tj); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return lending.LoanTerms{}, false
	}
	terms, err := h.Terms.FromJSON(tj)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid loan terms", err)
		return lending.LoanTerms{}, false
	}
	return terms, true
}

// decodeAsOf reads {"as_of": "YYYY-MM-DD"}; an empty body means today.
func (h *Handler) decodeAsOf(w http.ResponseWriter, r *http.Request) (lending.Date, bool) {
	var req AsOfRequest
	if err := decodeBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return lending.Date{}, false
	}
	if req.AsOf == "" {
		return h.Today(), true
	}
	asOf, err := parseDate("as_of", req.AsOf)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid as_of format (use YYYY-MM-DD)", err)
		return lending.Date{}, false
	}
	return asOf, true
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func parseDate(field, s string) (lending.Date, error) {
	d, err := lending.ParseDate(strings.TrimSpace(s))
	if err != nil {
		return lending.Date{}, &lending.ValidationError{Field: field, Message: fmt.Sprintf("invalid date %q", s)}
	}
	return d, nil
}

// statusFor maps the lending error categories to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, lending.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, lending.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, lending.ErrConcurrentModification), errors.Is(err, lending.ErrLoanClosed):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError reports 5xx errors to Sentry; it is a no-op there when
// Sentry is not initialised.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		hub := sentry.GetHubFromContext(r.Context())
		if hub == nil {
			hub = sentry.CurrentHub().Clone()
		}
		hub.WithScope(func(scope *sentry.Scope) {
			scope.SetRequest(r)
			scope.SetTag("route", r.URL.Path)
			if detail := lending.ConsistencyDetail(err); detail != "" {
				scope.SetExtra("detail", detail)
			}
			hub.CaptureException(err)
		})
	}
	writeError(w, status, message, err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
