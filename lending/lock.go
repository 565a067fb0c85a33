package lending

import (
	"context"
	"sync"
)

// lockTable serializes mutations per loan. Different loans proceed in
// parallel; the entry for a loan is dropped once nobody holds or waits on it.
type lockTable struct {
	mu    sync.Mutex
	locks map[LoanID]*loanLock
}

type loanLock struct {
	ch   chan struct{}
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[LoanID]*loanLock)}
}

// Lock blocks until the loan is free or ctx is done. The returned func
// releases the lock.
func (t *lockTable) Lock(ctx context.Context, id LoanID) (func(), error) {
	t.mu.Lock()
	l, ok := t.locks[id]
	if !ok {
		l = &loanLock{ch: make(chan struct{}, 1)}
		t.locks[id] = l
	}
	l.refs++
	t.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
		return func() {
			<-l.ch
			t.release(id, l)
		}, nil
	case <-ctx.Done():
		t.release(id, l)
		return nil, &ConcurrencyError{LoanID: id, Reason: ctx.Err().Error()}
	}
}

func (t *lockTable) release(id LoanID, l *loanLock) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(t.locks, id)
	}
}
