package api

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/lending-engine/factory"
	"github.com/warp/lending-engine/lending"
	"github.com/warp/lending-engine/lending/store"
)

func newTestScheduler(t *testing.T) *DemandScheduler {
	t.Helper()
	st := store.NewTxMemory()
	svc := lending.NewService(st, st)
	terms, err := factory.NewTermsFactory().ParseTerms(testLoanJSON)
	require.NoError(t, err)
	_, err = svc.Disburse(context.Background(), terms, lending.DisburseOptions{})
	require.NoError(t, err)

	ds := NewDemandScheduler(svc)
	ds.Today = func() lending.Date { return lending.MustParseDate("2025-02-15") }
	return ds
}

func TestDemandScheduler_RunNow(t *testing.T) {
	// GIVEN: One active loan with its first installment due today
	// WHEN: Running the batch twice
	// THEN: The first run bills it and the second bills nothing new

	ds := newTestScheduler(t)
	report, err := ds.RunNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)
	assert.Positive(t, report.Billed)

	last, at := ds.LastReport()
	assert.Same(t, report, last)
	assert.False(t, at.IsZero())
	assert.Equal(t, at.Add(ds.CheckInterval), ds.GetNextRunTime())

	again, err := ds.RunNow(context.Background())
	require.NoError(t, err)
	assert.Zero(t, again.Billed)
}

func TestDemandScheduler_DisabledDoesNotStart(t *testing.T) {
	ds := newTestScheduler(t)
	ds.Enabled = false

	ds.Start()
	ds.Stop()

	last, _ := ds.LastReport()
	assert.Nil(t, last)
}

func TestDemandScheduler_StartRunsImmediately(t *testing.T) {
	ds := newTestScheduler(t)

	ds.Start()
	assert.Eventually(t, func() bool {
		last, _ := ds.LastReport()
		return last != nil
	}, time.Second, 10*time.Millisecond)
	ds.Stop()
	ds.Stop()
}
