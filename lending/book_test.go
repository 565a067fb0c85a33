package lending

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBook_VerifyDetectsBrokenConservation(t *testing.T) {
	// GIVEN: A billed and partly paid installment
	// WHEN: A demand's outstanding drifts from its allocations
	// THEN: Verify reports a consistency error carrying a record dump

	b := newTestBook(t, testTerms())
	e := repayment("50", "2025-02-15")
	b.addEvent(e)
	b.catchUp(e.ValueDate)
	require.NoError(t, b.applyEvent(e))
	require.NoError(t, b.Verify())

	for _, d := range b.Demands {
		if d.Component == ComponentInterest {
			d.Outstanding = d.Outstanding.Sub(Money("1"))
		}
	}

	err := b.Verify()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConsistency))
	var ce *ConsistencyError
	require.ErrorAs(t, err, &ce)
	assert.NotEmpty(t, ce.Detail)
}

func TestBook_AllocationCannotExceedOutstanding(t *testing.T) {
	b := newTestBook(t, testTerms())
	b.catchUp(MustParseDate("2025-02-15"))
	require.NotEmpty(t, b.Demands)
	e := repayment("100000", "2025-02-15")

	_, err := b.allocate(e, b.Demands[0], b.Demands[0].Outstanding.Add(Money("0.01")), AllocationPayment)

	assert.True(t, IsConsistency(err))
}

func TestBook_CloneIsIndependent(t *testing.T) {
	b := newTestBook(t, testTerms())
	b.catchUp(MustParseDate("2025-02-15"))

	clone := b.Clone()
	e := repayment("5063", "2025-02-15")
	clone.addEvent(e)
	require.NoError(t, clone.applyEvent(e))

	assert.Empty(t, b.Events)
	for _, d := range b.Demands {
		assert.Equal(t, DemandPending, d.Status)
	}
	for _, d := range clone.Demands {
		assert.Equal(t, DemandSettled, d.Status)
	}
}

func TestBook_CancelDemandWithAllocationsFails(t *testing.T) {
	b := newTestBook(t, testTerms())
	e := repayment("10", "2025-02-15")
	b.addEvent(e)
	b.catchUp(e.ValueDate)
	require.NoError(t, b.applyEvent(e))

	var paid *Demand
	for _, d := range b.Demands {
		if d.Outstanding.LessThan(d.Amount) {
			paid = d
		}
	}
	require.NotNil(t, paid)
	assert.True(t, IsConsistency(b.cancelDemand(paid)))
}

func TestSortWaterfall(t *testing.T) {
	feb := MustParseDate("2025-02-15")
	mar := MustParseDate("2025-03-15")
	demands := []*Demand{
		{Key: "p-mar", Component: ComponentPrincipal, DueDate: mar, DemandDate: mar},
		{Key: "i-mar", Component: ComponentInterest, DueDate: mar, DemandDate: mar},
		{Key: "p-feb", Component: ComponentPrincipal, DueDate: feb, DemandDate: feb},
		{Key: "c", Component: ComponentCharge, DueDate: mar, DemandDate: mar},
		{Key: "pen", Component: ComponentPenalty, DueDate: mar, DemandDate: mar},
		{Key: "i-feb", Component: ComponentInterest, DueDate: feb, DemandDate: feb},
	}

	SortWaterfall(demands)

	var keys []string
	for _, d := range demands {
		keys = append(keys, d.Key)
	}
	assert.Equal(t, []string{"pen", "c", "i-feb", "i-mar", "p-feb", "p-mar"}, keys)
}
