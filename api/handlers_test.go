package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/lending-engine/lending"
	"github.com/warp/lending-engine/lending/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const testLoanJSON = `{
	"loan_id": "loan-1",
	"company_id": "acme",
	"principal": "10000",
	"annual_rate": "10",
	"tenure": 2,
	"method": "fixed_period_count",
	"disbursement_date": "2025-01-25",
	"first_payment_date": "2025-02-15"
}`

type testServer struct {
	t       *testing.T
	handler *Handler
	router  http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st := store.NewTxMemory()
	svc := lending.NewService(st, st, lending.WithLedger(lending.NewJournalPoster(st)))
	h := NewHandler(svc, st)
	h.Today = func() lending.Date { return lending.MustParseDate("2025-02-15") }
	return &testServer{t: t, handler: h, router: NewRouter(h)}
}

func (s *testServer) do(method, path, body string) *httptest.ResponseRecorder {
	s.t.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (s *testServer) createLoan() {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/loans", testLoanJSON)
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
}

func assertMoney(t *testing.T, expected string, actual decimal.Decimal) {
	t.Helper()
	assert.True(t, lending.Money(expected).Equal(actual), "expected %s, got %s", expected, actual)
}

// =============================================================================
// LOAN TESTS
// =============================================================================

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[map[string]string](t, rec)["status"])
}

func TestCreateLoan(t *testing.T) {
	// GIVEN: A loan application
	// WHEN: Posting it
	// THEN: The loan is active and its schedule is readable

	s := newTestServer(t)
	rec := s.do(http.MethodPost, "/api/loans", testLoanJSON)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	loan := decode[LoanDTO](t, rec)
	assert.Equal(t, "loan-1", loan.ID)
	assert.Equal(t, "active", loan.Status)

	rec = s.do(http.MethodGet, "/api/loans/loan-1/schedule", "")
	require.Equal(t, http.StatusOK, rec.Code)
	view := decode[ScheduleViewDTO](t, rec)
	require.NotNil(t, view.Active)
	require.Len(t, view.Active.Rows, 2)
	assertMoney(t, "5063", view.Active.Rows[0].TotalDue)

	rec = s.do(http.MethodGet, "/api/loans", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]LoanDTO](t, rec), 1)

	rec = s.do(http.MethodPost, "/api/loans", testLoanJSON)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPreviewSchedule(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(http.MethodPost, "/api/schedules/preview", testLoanJSON)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	schedule := decode[ScheduleDTO](t, rec)
	require.Len(t, schedule.Rows, 2)
	assertMoney(t, "41.84", schedule.Rows[1].Interest)

	rec = s.do(http.MethodGet, "/api/loans", "")
	assert.Empty(t, decode[[]LoanDTO](t, rec))
}

func TestListProducts(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(http.MethodGet, "/api/products", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]json.RawMessage](t, rec), 4)
}

// =============================================================================
// REPAYMENT TESTS
// =============================================================================

func TestRepaymentAndCancel(t *testing.T) {
	// GIVEN: A loan with its first installment due
	// WHEN: Paying it and then cancelling the payment
	// THEN: The allocation, journal and amounts follow each step

	s := newTestServer(t)
	s.createLoan()

	rec := s.do(http.MethodGet, "/api/loans/loan-1/amounts?as_of=2025-02-15", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assertMoney(t, "5063", decode[AmountsDTO](t, rec).PayableAmount)

	rec = s.do(http.MethodPost, "/api/loans/loan-1/repayments",
		`{"type": "normal", "amount": "5063", "value_date": "2025-02-15"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	allocation := decode[AllocationDTO](t, rec)
	assertMoney(t, "83.33", allocation.InterestPaid)
	assertMoney(t, "4979.67", allocation.PrincipalPaid)
	assert.NotEmpty(t, allocation.Entries)

	rec = s.do(http.MethodGet, "/api/loans/loan-1/journal", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, decode[[]JournalLineDTO](t, rec))

	rec = s.do(http.MethodGet, "/api/events/"+allocation.EventID+"/allocation", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assertMoney(t, "83.33", decode[AllocationDTO](t, rec).InterestPaid)

	rec = s.do(http.MethodPost, "/api/events/"+allocation.EventID+"/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(http.MethodGet, "/api/loans/loan-1/events", "")
	events := decode[[]EventDTO](t, rec)
	require.Len(t, events, 1)
	assert.True(t, events[0].Cancelled)

	rec = s.do(http.MethodGet, "/api/loans/loan-1/amounts", "")
	assertMoney(t, "5063", decode[AmountsDTO](t, rec).PayableAmount)
}

func TestAddChargeAndDemands(t *testing.T) {
	s := newTestServer(t)
	s.createLoan()

	rec := s.do(http.MethodPost, "/api/loans/loan-1/charges",
		`{"date": "2025-02-10", "amount": "500", "description": "Processing fee"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	charge := decode[DemandDTO](t, rec)
	assert.Equal(t, "charge", charge.Component)

	rec = s.do(http.MethodPost, "/api/loans/loan-1/demands", `{"as_of": "2025-02-15"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(http.MethodGet, "/api/loans/loan-1/demands", "")
	require.Equal(t, http.StatusOK, rec.Code)
	demands := decode[[]DemandDTO](t, rec)
	require.NotEmpty(t, demands)
	assert.Equal(t, "charge", demands[0].Component)
}

func TestErrorStatuses(t *testing.T) {
	s := newTestServer(t)
	s.createLoan()

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"unknown loan", http.MethodGet, "/api/loans/nope", "", http.StatusNotFound},
		{"unknown loan amounts", http.MethodGet, "/api/loans/nope/amounts", "", http.StatusNotFound},
		{"unknown event", http.MethodPost, "/api/events/nope/cancel", "", http.StatusNotFound},
		{"bad as_of", http.MethodGet, "/api/loans/loan-1/amounts?as_of=15-02-2025", "", http.StatusBadRequest},
		{"zero amount", http.MethodPost, "/api/loans/loan-1/repayments",
			`{"amount": "0", "value_date": "2025-02-15"}`, http.StatusBadRequest},
		{"bad value date", http.MethodPost, "/api/loans/loan-1/repayments",
			`{"amount": "10", "value_date": "tomorrow"}`, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/api/loans/loan-1/repayments",
			`{"amount": "10", "value_date": "2025-02-15", "currency": "INR"}`, http.StatusBadRequest},
		{"bad waiver component", http.MethodPost, "/api/loans/loan-1/repayments",
			`{"type": "waiver", "amount": "10", "value_date": "2025-02-15", "waiver_component": "fees"}`, http.StatusBadRequest},
		{"missing principal", http.MethodPost, "/api/loans",
			`{"disbursement_date": "2025-01-25"}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decode[ErrorResponse](t, rec).Error)
		})
	}
}

func TestClosedLoanConflict(t *testing.T) {
	s := newTestServer(t)
	s.createLoan()
	for _, body := range []string{
		`{"amount": "5063", "value_date": "2025-02-15"}`,
		`{"amount": "5062.17", "value_date": "2025-03-15"}`,
	} {
		rec := s.do(http.MethodPost, "/api/loans/loan-1/repayments", body)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	rec := s.do(http.MethodGet, "/api/loans/loan-1", "")
	assert.Equal(t, "closed", decode[LoanDTO](t, rec).Status)

	rec = s.do(http.MethodPost, "/api/loans/loan-1/repayments", `{"amount": "10", "value_date": "2025-03-20"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

// =============================================================================
// ADMIN TESTS
// =============================================================================

func TestCompanyConfig(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/api/companies/acme/config", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "daily", decode[CompanyConfigDTO](t, rec).AccrualFrequency)

	rec = s.do(http.MethodPut, "/api/companies/acme/config",
		`{"accrual_frequency": "monthly", "day_count_convention": "actual_360"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(http.MethodGet, "/api/companies/acme/config", "")
	cfg := decode[CompanyConfigDTO](t, rec)
	assert.Equal(t, "monthly", cfg.AccrualFrequency)
	assert.Equal(t, "actual_360", cfg.DayCountConvention)

	rec = s.do(http.MethodPut, "/api/companies/acme/config",
		`{"accrual_frequency": "hourly", "day_count_convention": "actual_360"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunBatch(t *testing.T) {
	s := newTestServer(t)
	s.createLoan()

	rec := s.do(http.MethodPost, "/api/batch/run", `{"as_of": "2025-02-15"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decode[BatchReportDTO](t, rec)
	assert.Equal(t, 1, report.Processed)
	assert.Positive(t, report.Billed)

	rec = s.do(http.MethodPost, "/api/batch/run", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "2025-02-15", decode[BatchReportDTO](t, rec).AsOf)
}

// =============================================================================
// SCENARIO TESTS
// =============================================================================

func TestScenarios(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/api/scenarios", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]ScenarioDTO](t, rec), len(scenarios))

	rec = s.do(http.MethodPost, "/api/scenarios/load", `{"scenario_id": "standard-loan"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(http.MethodGet, "/api/scenarios/current", "")
	assert.Equal(t, "standard-loan", decode[ScenarioDTO](t, rec).ID)

	rec = s.do(http.MethodGet, "/api/loans/standard-loan/amounts?as_of=2025-03-15", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assertMoney(t, "5062.17", decode[AmountsDTO](t, rec).PayableAmount)

	rec = s.do(http.MethodPost, "/api/scenarios/load", `{"scenario_id": "nope"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/api/scenarios/reset", "")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = s.do(http.MethodGet, "/api/scenarios/current", "")
	assert.Equal(t, "null", string(bytes.TrimSpace(rec.Body.Bytes())))
	rec = s.do(http.MethodGet, "/api/loans", "")
	assert.Empty(t, decode[[]LoanDTO](t, rec))
}

func TestBackdatedPaymentScenarioSettles(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/api/scenarios/load", `{"scenario_id": "backdated-payment"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(http.MethodGet, "/api/loans/backdated-payment", "")
	loan := decode[LoanDTO](t, rec)
	assert.Equal(t, "clean", loan.RepostState)
	assert.Equal(t, "closed", loan.Status)

	rec = s.do(http.MethodGet, "/api/loans/backdated-payment/amounts?as_of=2025-03-20", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[AmountsDTO](t, rec).PayableAmount.IsZero())
}
