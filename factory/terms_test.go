package factory

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/lending-engine/lending"
)

func TestParseTerms_ExplicitFields(t *testing.T) {
	f := NewTermsFactory()

	terms, err := f.ParseTerms(`{
		"loan_id": "loan-42",
		"company_id": "acme",
		"principal": "10000",
		"annual_rate": 10,
		"tenure": 2,
		"method": "fixed_period_count",
		"disbursement_date": "2025-01-25",
		"first_payment_date": "2025-02-15",
		"security_deposit": "500"
	}`)
	require.NoError(t, err)

	assert.Equal(t, lending.LoanID("loan-42"), terms.LoanID)
	assert.Equal(t, "acme", terms.CompanyID)
	assert.True(t, terms.Principal.Equal(decimal.NewFromInt(10000)))
	assert.True(t, terms.AnnualRate.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, 2, terms.Tenure)
	assert.Equal(t, lending.RepayOverPeriods, terms.Method)
	assert.Equal(t, lending.PeriodMonthly, terms.PeriodUnit)
	assert.Equal(t, "2025-02-15", terms.FirstPaymentDate.String())
	assert.True(t, terms.SecurityDeposit.Equal(decimal.NewFromInt(500)))
}

func TestParseTerms_ProductDefaultsAndOverrides(t *testing.T) {
	// GIVEN: The msme product
	// WHEN: A loan overrides only the rate
	// THEN: The moratorium and penalty come from the product

	f := NewTermsFactory()
	terms, err := f.ParseTerms(`{
		"product": "msme",
		"principal": "285000",
		"annual_rate": "18",
		"disbursement_date": "2025-01-10"
	}`)
	require.NoError(t, err)

	assert.True(t, terms.AnnualRate.Equal(decimal.NewFromInt(18)))
	assert.Equal(t, 12, terms.Tenure)
	assert.Equal(t, 3, terms.MoratoriumPeriods)
	assert.Equal(t, lending.MoratoriumPrincipal, terms.MoratoriumType)
	assert.Equal(t, 5, terms.GracePeriodDays)
	assert.Equal(t, "2025-02-10", terms.FirstPaymentDate.String())
}

func TestParseTerms_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		json  string
		field string
	}{
		{"invalid json", `{"principal": `, ""},
		{"missing principal", `{"disbursement_date": "2025-01-25", "tenure": 2}`, "principal"},
		{"missing disbursement", `{"principal": "1000", "tenure": 2}`, "disbursement_date"},
		{"bad date", `{"principal": "1000", "tenure": 2, "disbursement_date": "25/01/2025"}`, "disbursement_date"},
		{"unknown method", `{"principal": "1000", "tenure": 2, "method": "balloon", "disbursement_date": "2025-01-25"}`, "method"},
		{"unknown product", `{"product": "gold", "principal": "1000", "disbursement_date": "2025-01-25"}`, "product"},
		{"installment without amount", `{"product": "installment", "principal": "1000", "disbursement_date": "2025-01-25"}`, ""},
	}

	f := NewTermsFactory()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ParseTerms(tt.json)
			require.Error(t, err)
			assert.True(t, lending.IsClientError(err), "got %v", err)
			if tt.field != "" {
				assert.Contains(t, err.Error(), tt.field)
			}
		})
	}
}

func TestRegisterProduct(t *testing.T) {
	f := NewTermsFactory()

	require.NoError(t, f.RegisterProduct(ProductJSON{
		Name:       "short",
		AnnualRate: decimal.NewFromInt(20),
		Tenure:     3,
		Method:     string(lending.RepayOverPeriods),
	}))
	assert.Len(t, f.Products(), 5)
	assert.Equal(t, "bullet", f.Products()[0].Name)

	terms, err := f.ParseTerms(`{"product": "short", "principal": "3000", "disbursement_date": "2025-01-01"}`)
	require.NoError(t, err)
	assert.Equal(t, 3, terms.Tenure)

	assert.Error(t, f.RegisterProduct(ProductJSON{Name: "", Method: string(lending.RepayOverPeriods)}))
	assert.Error(t, f.RegisterProduct(ProductJSON{Name: "odd", Method: "balloon"}))
}

func TestDefaultProductsBuildSchedules(t *testing.T) {
	f := NewTermsFactory()
	for _, p := range DefaultProducts() {
		if p.Method == string(lending.RepayFixedInstallment) {
			continue
		}
		t.Run(p.Name, func(t *testing.T) {
			terms, err := f.ParseTerms(`{"product": "` + p.Name + `", "principal": "100000", "disbursement_date": "2025-01-01"}`)
			require.NoError(t, err)
			v, err := lending.BuildSchedule(terms)
			require.NoError(t, err)
			assert.NotEmpty(t, v.Rows)
		})
	}
}
