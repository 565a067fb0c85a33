package store_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/lending-engine/lending"
	"github.com/warp/lending-engine/lending/store"
)

func testLoan(id lending.LoanID) lending.Loan {
	return lending.Loan{ID: id, CompanyID: "acme", Status: lending.LoanActive, Version: 1}
}

func TestMemory_SaveLoanChecksVersion(t *testing.T) {
	// GIVEN: A stored loan at version 1
	// WHEN: Saving it twice against the same expected version
	// THEN: The second save reports a concurrency error

	ctx := context.Background()
	m := store.NewMemory()
	require.NoError(t, m.CreateLoan(ctx, testLoan("loan-1")))

	loan, err := m.LoadLoan(ctx, "loan-1")
	require.NoError(t, err)
	require.NoError(t, m.SaveLoan(ctx, *loan, 1))

	err = m.SaveLoan(ctx, *loan, 1)
	require.Error(t, err)
	assert.True(t, lending.IsRetryable(err))

	saved, err := m.LoadLoan(ctx, "loan-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), saved.Version)
}

func TestMemory_CreateLoanRejectsDuplicate(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	require.NoError(t, m.CreateLoan(ctx, testLoan("loan-1")))

	assert.True(t, lending.IsClientError(m.CreateLoan(ctx, testLoan("loan-1"))))
}

func TestMemory_LoadMissingLoan(t *testing.T) {
	_, err := store.NewMemory().LoadLoan(context.Background(), "nope")
	assert.True(t, lending.IsNotFound(err))
}

func TestMemory_ListLoansSorted(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	for _, id := range []lending.LoanID{"loan-c", "loan-a", "loan-b"} {
		require.NoError(t, m.CreateLoan(ctx, testLoan(id)))
	}

	ids, err := m.ListLoans(ctx)
	require.NoError(t, err)
	assert.Equal(t, []lending.LoanID{"loan-a", "loan-b", "loan-c"}, ids)
}

func TestMemory_CompanyConfig(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()

	cfg, err := m.GetCompanyConfig(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, lending.DefaultCompanyConfig(), cfg)

	monthly := lending.CompanyConfig{AccrualFrequency: lending.FreqMonthly, DayCountConvention: lending.DayCountActual360}
	require.NoError(t, m.SetCompanyConfig(ctx, "acme", monthly))
	cfg, err = m.GetCompanyConfig(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, monthly, cfg)

	err = m.SetCompanyConfig(ctx, "acme", lending.CompanyConfig{AccrualFrequency: "hourly", DayCountConvention: lending.DayCountActual365})
	assert.True(t, lending.IsClientError(err))
}

func TestMemory_Reset(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	require.NoError(t, m.CreateLoan(ctx, testLoan("loan-1")))
	require.NoError(t, m.AppendJournal(ctx, []lending.JournalLine{{LoanID: "loan-1", Account: lending.AccountCash}}))

	require.NoError(t, m.Reset(ctx))

	ids, err := m.ListLoans(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
	lines, err := m.LoadJournal(ctx, "loan-1")
	require.NoError(t, err)
	assert.Empty(t, lines)
}

// =============================================================================
// TRANSACTION TESTS
// =============================================================================

func TestTxMemory_RollsBackOnError(t *testing.T) {
	// GIVEN: A transaction that creates a loan and journals a line
	// WHEN: The callback fails afterwards
	// THEN: Neither write is visible

	ctx := context.Background()
	tm := store.NewTxMemory()
	boom := errors.New("boom")

	err := tm.WithTx(ctx, func(st lending.Store) error {
		require.NoError(t, st.CreateLoan(ctx, testLoan("loan-1")))
		journal, ok := st.(lending.Journal)
		require.True(t, ok)
		require.NoError(t, journal.AppendJournal(ctx, []lending.JournalLine{{LoanID: "loan-1"}}))
		return boom
	})

	assert.ErrorIs(t, err, boom)
	_, err = tm.LoadLoan(ctx, "loan-1")
	assert.True(t, lending.IsNotFound(err))
	lines, err := tm.LoadJournal(ctx, "loan-1")
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestTxMemory_CommitsOnSuccess(t *testing.T) {
	ctx := context.Background()
	tm := store.NewTxMemory()

	require.NoError(t, tm.WithTx(ctx, func(st lending.Store) error {
		return st.CreateLoan(ctx, testLoan("loan-1"))
	}))

	loan, err := tm.LoadLoan(ctx, "loan-1")
	require.NoError(t, err)
	assert.Equal(t, "acme", loan.CompanyID)
}

func TestTxMemory_FailOn(t *testing.T) {
	ctx := context.Background()
	tm := store.NewTxMemory()
	boom := errors.New("disk full")
	tm.FailOn("CreateLoan", boom)

	err := tm.WithTx(ctx, func(st lending.Store) error {
		return st.CreateLoan(ctx, testLoan("loan-1"))
	})
	assert.ErrorIs(t, err, boom)

	tm.FailOn("CreateLoan", nil)
	assert.NoError(t, tm.WithTx(ctx, func(st lending.Store) error {
		return st.CreateLoan(ctx, testLoan("loan-1"))
	}))
}
