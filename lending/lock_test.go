package lending

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockTable_SerializesOneLoan(t *testing.T) {
	// GIVEN: A held lock on loan-1
	// WHEN: A second caller waits with a short deadline
	// THEN: It gives up with a retryable ConcurrencyError

	locks := newLockTable()
	unlock, err := locks.Lock(context.Background(), "loan-1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locks.Lock(ctx, "loan-1")

	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	var ce *ConcurrencyError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, LoanID("loan-1"), ce.LoanID)

	unlock()
	again, err := locks.Lock(context.Background(), "loan-1")
	require.NoError(t, err)
	again()
}

func TestLockTable_OtherLoansProceed(t *testing.T) {
	locks := newLockTable()
	unlock, err := locks.Lock(context.Background(), "loan-1")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	other, err := locks.Lock(ctx, "loan-2")
	require.NoError(t, err)
	other()
}

func TestLockTable_DropsIdleEntries(t *testing.T) {
	locks := newLockTable()
	unlock, err := locks.Lock(context.Background(), "loan-1")
	require.NoError(t, err)
	unlock()

	locks.mu.Lock()
	defer locks.mu.Unlock()
	assert.Empty(t, locks.locks)
}

func TestLockTable_WaiterAcquiresAfterRelease(t *testing.T) {
	locks := newLockTable()
	unlock, err := locks.Lock(context.Background(), "loan-1")
	require.NoError(t, err)

	acquired := make(chan error, 1)
	go func() {
		release, err := locks.Lock(context.Background(), "loan-1")
		if err == nil {
			release()
		}
		acquired <- err
	}()

	select {
	case <-acquired:
		t.Fatal("waiter acquired a held lock")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()

	select {
	case err := <-acquired:
		assert.False(t, errors.Is(err, ErrConcurrentModification))
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the lock")
	}
}
