package lending_test

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/lending-engine/lending"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

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

func msmeTerms(moratorium lending.MoratoriumType) lending.LoanTerms {
	return lending.LoanTerms{
		LoanID:            "msme-1",
		Principal:         lending.Money("285000"),
		AnnualRate:        lending.Money("17"),
		Tenure:            12,
		Method:            lending.RepayOverPeriods,
		MoratoriumPeriods: 3,
		MoratoriumType:    moratorium,
		DisbursementDate:  lending.MustParseDate("2025-01-10"),
		FirstPaymentDate:  lending.MustParseDate("2025-02-10"),
	}
}

func assertMoney(t *testing.T, expected string, actual decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	assert.True(t, lending.Money(expected).Equal(actual),
		append([]any{"expected %s, got %s", expected, actual.String()}, msgAndArgs...)...)
}

// =============================================================================
// ANNUITY SCHEDULE TESTS
// =============================================================================

func TestBuildSchedule_TwoMonthAnnuity(t *testing.T) {
	// GIVEN: 10000 at 10% repaid over two months
	// WHEN: Building the schedule
	// THEN: The installment is rounded up and the last row takes the balance

	v, err := lending.BuildSchedule(twoMonthTerms())
	require.NoError(t, err)
	require.Len(t, v.Rows, 2)

	assertMoney(t, "5063", v.Installment())

	first := v.Rows[0]
	assert.Equal(t, lending.MustParseDate("2025-02-15"), first.DueDate)
	assertMoney(t, "10000", first.OpeningBalance)
	assertMoney(t, "83.33", first.Interest)
	assertMoney(t, "4979.67", first.Principal)
	assertMoney(t, "5063", first.TotalDue)
	assertMoney(t, "5020.33", first.ClosingBalance)

	last := v.Rows[1]
	assert.Equal(t, lending.MustParseDate("2025-03-15"), last.DueDate)
	assertMoney(t, "41.84", last.Interest)
	assertMoney(t, "5020.33", last.Principal)
	assertMoney(t, "5062.17", last.TotalDue)
	assert.True(t, last.ClosingBalance.IsZero())

	assertMoney(t, "10000", v.TotalPrincipal())
	assert.NoError(t, v.CheckInvariants())
}

func TestBuildSchedule_ZeroRate(t *testing.T) {
	// GIVEN: An interest-free loan of 1200 over twelve months
	// WHEN: Building the schedule
	// THEN: Every row repays 100 of principal and no interest

	terms := twoMonthTerms()
	terms.Principal = lending.Money("1200")
	terms.AnnualRate = decimal.Zero
	terms.Tenure = 12

	v, err := lending.BuildSchedule(terms)
	require.NoError(t, err)
	require.Len(t, v.Rows, 12)
	for _, row := range v.Rows {
		assert.True(t, row.Interest.IsZero())
		assertMoney(t, "100", row.Principal)
	}
}

func TestBuildSchedule_DueDatesClampToMonthEnd(t *testing.T) {
	// GIVEN: A first payment on January 31
	// WHEN: Building a three month schedule
	// THEN: February clamps to the 28th and March returns to the 31st

	terms := twoMonthTerms()
	terms.Tenure = 3
	terms.DisbursementDate = lending.MustParseDate("2024-12-31")
	terms.FirstPaymentDate = lending.MustParseDate("2025-01-31")

	v, err := lending.BuildSchedule(terms)
	require.NoError(t, err)
	require.Len(t, v.Rows, 3)
	assert.Equal(t, "2025-01-31", v.Rows[0].DueDate.String())
	assert.Equal(t, "2025-02-28", v.Rows[1].DueDate.String())
	assert.Equal(t, "2025-03-31", v.Rows[2].DueDate.String())
}

func TestBuildSchedule_PaymentDayOverridesClampedFirstPayment(t *testing.T) {
	terms := twoMonthTerms()
	terms.Tenure = 3
	terms.DisbursementDate = lending.MustParseDate("2025-02-10")
	terms.FirstPaymentDate = lending.MustParseDate("2025-02-28")
	terms.PaymentDay = 31

	v, err := lending.BuildSchedule(terms)
	require.NoError(t, err)
	require.Len(t, v.Rows, 3)
	assert.Equal(t, "2025-02-28", v.Rows[0].DueDate.String())
	assert.Equal(t, "2025-03-31", v.Rows[1].DueDate.String())
	assert.Equal(t, "2025-04-30", v.Rows[2].DueDate.String())
}

// =============================================================================
// MORATORIUM TESTS
// =============================================================================

func TestBuildSchedule_PrincipalMoratorium(t *testing.T) {
	// GIVEN: 285000 at 17% with three months of principal moratorium
	// WHEN: Building the schedule
	// THEN: Three interest-only rows precede twelve amortizing rows

	v, err := lending.BuildSchedule(msmeTerms(lending.MoratoriumPrincipal))
	require.NoError(t, err)
	require.Len(t, v.Rows, 15)

	for _, row := range v.Rows[:3] {
		assert.True(t, row.Moratorium)
		assert.True(t, row.Principal.IsZero())
		assertMoney(t, "4037.50", row.Interest)
		assertMoney(t, "285000", row.ClosingBalance)
	}
	assert.False(t, v.Rows[3].Moratorium)
	assert.Equal(t, "2025-05-10", v.Rows[3].DueDate.String())
	assertMoney(t, "25994", v.Installment())
	assertMoney(t, "285000", v.TotalPrincipal())
	assert.Empty(t, v.Capitalizations)
}

func TestBuildSchedule_EMIMoratoriumCapitalizesInterest(t *testing.T) {
	// GIVEN: The same loan with an EMI moratorium
	// WHEN: Building the schedule
	// THEN: Nothing is due during the moratorium and its interest is capitalized

	v, err := lending.BuildSchedule(msmeTerms(lending.MoratoriumEMI))
	require.NoError(t, err)
	require.Len(t, v.Rows, 15)

	for _, row := range v.Rows[:3] {
		assert.True(t, row.TotalDue.IsZero())
		assertMoney(t, "4037.50", row.DeferredInterest)
	}
	require.Len(t, v.Capitalizations, 1)
	assertMoney(t, "12112.50", v.Capitalizations[0].Amount)
	assert.Equal(t, "2025-04-10", v.Capitalizations[0].Date.String())

	assertMoney(t, "297112.50", v.Rows[3].OpeningBalance)
	assertMoney(t, "27099", v.Installment())
	assertMoney(t, "297112.50", v.TotalPrincipal())
	assert.NoError(t, v.CheckInvariants())
}

// =============================================================================
// OTHER REPAYMENT METHODS
// =============================================================================

func TestBuildSchedule_InterestOnly(t *testing.T) {
	// GIVEN: A bullet loan of 12000 at 12% over six months
	// WHEN: Building the schedule
	// THEN: Each row bills 120 of interest and the last row the whole principal

	terms := twoMonthTerms()
	terms.Principal = lending.Money("12000")
	terms.AnnualRate = lending.Money("12")
	terms.Tenure = 6
	terms.Method = lending.RepayInterestOnly

	v, err := lending.BuildSchedule(terms)
	require.NoError(t, err)
	require.Len(t, v.Rows, 6)
	for _, row := range v.Rows[:5] {
		assertMoney(t, "120", row.Interest)
		assert.True(t, row.Principal.IsZero())
	}
	assertMoney(t, "12000", v.Rows[5].Principal)
	assertMoney(t, "12120", v.Rows[5].TotalDue)
}

func TestBuildSchedule_FixedInstallmentDerivesTenure(t *testing.T) {
	// GIVEN: 10000 at 12% repaid 2000 a month
	// WHEN: Building the schedule
	// THEN: The row count matches the derived tenure and the last row is smaller

	terms := twoMonthTerms()
	terms.AnnualRate = lending.Money("12")
	terms.Tenure = 0
	terms.Method = lending.RepayFixedInstallment
	terms.Installment = lending.Money("2000")

	periods, err := lending.DerivedTenure(terms)
	require.NoError(t, err)
	assert.Equal(t, 6, periods)

	v, err := lending.BuildSchedule(terms)
	require.NoError(t, err)
	require.Len(t, v.Rows, periods)
	for _, row := range v.Rows[:5] {
		assertMoney(t, "2000", row.TotalDue)
	}
	assertMoney(t, "3.08", v.Rows[5].Interest)
	assertMoney(t, "308.09", v.Rows[5].Principal)
	assertMoney(t, "10000", v.TotalPrincipal())
}

// =============================================================================
// VALIDATION TESTS
// =============================================================================

func TestBuildSchedule_RejectsInvalidTerms(t *testing.T) {
	tests := []struct {
		name  string
		field string
		edit  func(*lending.LoanTerms)
	}{
		{"zero principal", "principal", func(t *lending.LoanTerms) { t.Principal = decimal.Zero }},
		{"negative rate", "annual_rate", func(t *lending.LoanTerms) { t.AnnualRate = lending.Money("-1") }},
		{"no tenure", "tenure", func(t *lending.LoanTerms) { t.Tenure = 0 }},
		{"first payment before disbursement", "first_payment_date", func(t *lending.LoanTerms) {
			t.FirstPaymentDate = t.DisbursementDate
		}},
		{"moratorium without type", "moratorium_type", func(t *lending.LoanTerms) { t.MoratoriumPeriods = 2 }},
		{"moratorium as long as the tenure", "moratorium_periods", func(t *lending.LoanTerms) {
			t.MoratoriumPeriods = 2
			t.MoratoriumType = lending.MoratoriumPrincipal
		}},
		{"interest only moratorium beyond the tenure", "moratorium_periods", func(t *lending.LoanTerms) {
			t.Method = lending.RepayInterestOnly
			t.MoratoriumPeriods = 24
			t.MoratoriumType = lending.MoratoriumEMI
		}},
		{"payment day out of range", "payment_day", func(t *lending.LoanTerms) { t.PaymentDay = 32 }},
		{"deposit above principal", "security_deposit", func(t *lending.LoanTerms) {
			t.SecurityDeposit = lending.Money("10001")
		}},
		{"installment above principal", "installment", func(t *lending.LoanTerms) {
			t.Method = lending.RepayFixedInstallment
			t.Installment = lending.Money("10001")
		}},
		{"installment below one period of interest", "installment", func(t *lending.LoanTerms) {
			t.Method = lending.RepayFixedInstallment
			t.Installment = lending.Money("83.33")
		}},
		{"unknown method", "method", func(t *lending.LoanTerms) { t.Method = "balloon" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			terms := twoMonthTerms()
			tt.edit(&terms)

			_, err := lending.BuildSchedule(terms)

			require.Error(t, err)
			assert.True(t, errors.Is(err, lending.ErrInvalidTerms))
			assert.True(t, errors.Is(err, lending.ErrValidation))
			var termsErr *lending.InvalidTermsError
			require.ErrorAs(t, err, &termsErr)
			assert.Equal(t, tt.field, termsErr.Field)
		})
	}
}

func TestAnnuityInstallment_RoundsUp(t *testing.T) {
	assertMoney(t, "5063", lending.AnnuityInstallment(lending.Money("10000"), lending.Money("10"), 2))
	assertMoney(t, "8792", lending.AnnuityInstallment(lending.Money("100000"), lending.Money("10"), 12))
	assertMoney(t, "10000", lending.AnnuityInstallment(lending.Money("10000"), lending.Money("10"), 0))
}

// =============================================================================
// ARENA TESTS
// =============================================================================

func TestScheduleArena_EffectiveRowsStopAtSuccessor(t *testing.T) {
	// GIVEN: A first version and a second one taking effect on February 20
	// WHEN: Listing effective rows
	// THEN: The first version contributes only its February row

	first, err := lending.BuildSchedule(twoMonthTerms())
	require.NoError(t, err)

	terms := twoMonthTerms()
	terms.Principal = lending.Money("5020.33")
	terms.Tenure = 3
	terms.DisbursementDate = lending.MustParseDate("2025-02-20")
	terms.FirstPaymentDate = lending.MustParseDate("2025-03-15")
	second, err := lending.BuildSchedule(terms)
	require.NoError(t, err)
	second.CreatedAt = first.CreatedAt.Add(1)

	arena := lending.NewScheduleArena("loan-1", []*lending.ScheduleVersion{first}, first.ID)
	first.Number = 1
	arena.Append(second)

	rows := arena.EffectiveRows()
	require.Len(t, rows, 4)
	assert.Equal(t, first.ID, rows[0].Version.ID)
	assert.Equal(t, second.ID, rows[1].Version.ID)
	assert.Equal(t, "row:2:1:interest", rows[1].DemandKey(lending.ComponentInterest))
	assert.Equal(t, lending.VersionSuperseded, arena.Status(first))
	assert.Equal(t, lending.VersionActive, arena.Status(second))

	voided := arena.VoidFrom(lending.MustParseDate("2025-02-20"))
	require.Len(t, voided, 1)
	assert.Equal(t, first.ID, arena.Active().ID)
	assert.Equal(t, lending.VersionVoided, arena.Status(second))
	assert.Len(t, arena.EffectiveRows(), 2)
}
