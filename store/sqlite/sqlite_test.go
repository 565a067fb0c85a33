package sqlite_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/lending-engine/lending"
	"github.com/warp/lending-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	st, err := sqlite.New(filepath.Join(t.TempDir(), "lending.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestService(t *testing.T, opts ...lending.Option) (*lending.Service, *sqlite.Store) {
	t.Helper()
	st := newTestStore(t)
	opts = append([]lending.Option{lending.WithLedger(lending.NewJournalPoster(st))}, opts...)
	return lending.NewService(st, st, opts...), st
}

func twoMonthTerms() lending.LoanTerms {
	return lending.LoanTerms{
		LoanID:           "loan-1",
		CompanyID:        "acme",
		Principal:        lending.Money("10000"),
		AnnualRate:       lending.Money("10"),
		Tenure:           2,
		Method:           lending.RepayOverPeriods,
		DisbursementDate: lending.MustParseDate("2025-01-25"),
		FirstPaymentDate: lending.MustParseDate("2025-02-15"),
	}
}

func pay(t *testing.T, svc *lending.Service, amount, date string) *lending.AllocationResult {
	t.Helper()
	result, err := svc.SubmitRepayment(context.Background(), lending.RepaymentRequest{
		LoanID:    "loan-1",
		Type:      lending.EventNormal,
		Amount:    lending.Money(amount),
		ValueDate: lending.MustParseDate(date),
	})
	require.NoError(t, err)
	return result
}

func assertMoney(t *testing.T, expected string, actual decimal.Decimal) {
	t.Helper()
	assert.True(t, lending.Money(expected).Equal(actual), "expected %s, got %s", expected, actual)
}

// =============================================================================
// SERVICE OVER SQLITE
// =============================================================================

func TestSQLite_LoanLifecycle(t *testing.T) {
	// GIVEN: A disbursed two month loan in SQLite
	// WHEN: Both installments are paid on their due dates
	// THEN: The loan closes and every record survives a reload

	svc, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.Disburse(ctx, twoMonthTerms(), lending.DisburseOptions{})
	require.NoError(t, err)

	first := pay(t, svc, "5063", "2025-02-15")
	assertMoney(t, "83.33", first.InterestPaid)
	assertMoney(t, "4979.67", first.PrincipalPaid)

	amounts, err := svc.CalculateAmounts(ctx, "loan-1", lending.MustParseDate("2025-03-15"))
	require.NoError(t, err)
	assertMoney(t, "5062.17", amounts.PayableAmount)
	pay(t, svc, "5062.17", "2025-03-15")

	loan, err := svc.Loan(ctx, "loan-1")
	require.NoError(t, err)
	assert.Equal(t, lending.LoanClosed, loan.Status)
	assert.Equal(t, "10000", loan.Terms.Principal.String())

	b, err := svc.Book(ctx, "loan-1")
	require.NoError(t, err)
	assert.NoError(t, b.Verify())

	view, err := svc.Schedule(ctx, "loan-1")
	require.NoError(t, err)
	require.Len(t, view.Active.Rows, 2)
	assert.Equal(t, "2025-03-15", view.Active.Rows[1].DueDate.String())
	assertMoney(t, "41.84", view.Active.Rows[1].Interest)
}

func TestSQLite_BackdatedPaymentReposts(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.Disburse(ctx, twoMonthTerms(), lending.DisburseOptions{})
	require.NoError(t, err)

	late := pay(t, svc, "4979.67", "2025-02-20")
	assertMoney(t, "83.33", late.InterestPaid)

	early := pay(t, svc, "83.33", "2025-02-15")
	assert.True(t, early.Reposted)
	assertMoney(t, "83.33", early.InterestPaid)

	replayed, err := svc.Allocation(ctx, late.EventID)
	require.NoError(t, err)
	assert.True(t, replayed.InterestPaid.IsZero())
	assertMoney(t, "4979.67", replayed.PrincipalPaid)

	loan, err := svc.Loan(ctx, "loan-1")
	require.NoError(t, err)
	assert.Equal(t, lending.RepostClean, loan.RepostState)
}

func TestSQLite_CancelNetsJournal(t *testing.T) {
	svc, st := newTestService(t, lending.WithStrictLedgerPosting())
	ctx := context.Background()
	_, err := svc.Disburse(ctx, twoMonthTerms(), lending.DisburseOptions{})
	require.NoError(t, err)

	result := pay(t, svc, "5063", "2025-02-15")
	require.NoError(t, svc.CancelRepayment(ctx, result.EventID))

	lines, err := st.LoadJournal(ctx, "loan-1")
	require.NoError(t, err)
	require.NotEmpty(t, lines)
	net := map[string]decimal.Decimal{}
	for _, l := range lines {
		net[l.Account] = net[l.Account].Add(l.Debit).Sub(l.Credit)
	}
	for account, balance := range net {
		assert.True(t, balance.IsZero(), "account %s nets to %s", account, balance)
	}
}

// =============================================================================
// STORE TESTS
// =============================================================================

func TestSQLite_CreateLoanRejectsDuplicate(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.Disburse(ctx, twoMonthTerms(), lending.DisburseOptions{})
	require.NoError(t, err)

	_, err = svc.Disburse(ctx, twoMonthTerms(), lending.DisburseOptions{})
	assert.True(t, lending.IsClientError(err))
}

func TestSQLite_SaveLoanChecksVersion(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.CreateLoan(ctx, lending.Loan{ID: "loan-1", Status: lending.LoanActive, Version: 1}))

	loan, err := st.LoadLoan(ctx, "loan-1")
	require.NoError(t, err)
	require.NoError(t, st.SaveLoan(ctx, *loan, 1))

	err = st.SaveLoan(ctx, *loan, 1)
	assert.True(t, lending.IsRetryable(err))
	var ce *lending.ConcurrencyError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, int64(2), ce.Actual)

	err = st.SaveLoan(ctx, lending.Loan{ID: "missing"}, 1)
	assert.True(t, lending.IsNotFound(err))
}

func TestSQLite_WithTxRollsBack(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	err := st.WithTx(ctx, func(tx lending.Store) error {
		require.NoError(t, tx.CreateLoan(ctx, lending.Loan{ID: "loan-1", Version: 1}))
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	_, err = st.LoadLoan(ctx, "loan-1")
	assert.True(t, lending.IsNotFound(err))
}

func TestSQLite_CompanyConfig(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	cfg, err := st.GetCompanyConfig(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, lending.DefaultCompanyConfig(), cfg)

	weekly := lending.CompanyConfig{AccrualFrequency: lending.FreqWeekly, DayCountConvention: lending.DayCountActual365}
	require.NoError(t, st.SetDefaultCompanyConfig(weekly))
	cfg, err = st.GetCompanyConfig(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, weekly, cfg)

	monthly := lending.CompanyConfig{AccrualFrequency: lending.FreqMonthly, DayCountConvention: lending.DayCountActual360}
	require.NoError(t, st.SetCompanyConfig(ctx, "acme", monthly))
	require.NoError(t, st.SetCompanyConfig(ctx, "acme", monthly))
	cfg, err = st.GetCompanyConfig(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, monthly, cfg)
}

func TestSQLite_Reset(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	_, err := svc.Disburse(ctx, twoMonthTerms(), lending.DisburseOptions{})
	require.NoError(t, err)
	pay(t, svc, "100", "2025-02-15")

	require.NoError(t, st.Reset(ctx))

	ids, err := st.ListLoans(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
	lines, err := st.LoadJournal(ctx, "loan-1")
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestSQLite_CorruptRowsFailToDecode(t *testing.T) {
	// GIVEN: A billed loan whose stored rows were edited outside the service
	// WHEN: Loading them back
	// THEN: The bad column surfaces as an error instead of a panic or a zero value

	path := filepath.Join(t.TempDir(), "lending.db")
	st, err := sqlite.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	svc := lending.NewService(st, st)
	ctx := context.Background()
	_, err = svc.Disburse(ctx, twoMonthTerms(), lending.DisburseOptions{})
	require.NoError(t, err)
	_, err = svc.GenerateDemands(ctx, "loan-1", lending.MustParseDate("2025-02-15"))
	require.NoError(t, err)

	raw, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer raw.Close()

	tests := []struct {
		name   string
		update string
		load   func() error
		want   string
	}{
		{
			name:   "amount",
			update: `UPDATE demands SET amount = 'lots'`,
			load: func() error {
				_, err := st.LoadDemands(ctx, "loan-1")
				return err
			},
			want: `failed to decode amount "lots"`,
		},
		{
			name:   "date",
			update: `UPDATE schedule_versions SET effective_from = '2025-13-40'`,
			load: func() error {
				_, err := st.LoadScheduleVersions(ctx, "loan-1")
				return err
			},
			want: `failed to decode date "2025-13-40"`,
		},
		{
			name:   "timestamp",
			update: `UPDATE loans SET updated_at = 'yesterday'`,
			load: func() error {
				_, err := st.LoadLoan(ctx, "loan-1")
				return err
			},
			want: `failed to decode timestamp "yesterday"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := raw.ExecContext(ctx, tt.update)
			require.NoError(t, err)

			err = tt.load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
