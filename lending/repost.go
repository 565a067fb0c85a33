/*
repost.go - Reposting Controller

PURPOSE:
  Recomputes a loan from a date onward when history changed: a backdated
  event, a cancelled event or an explicit repost request.

STATE MACHINE (looplab/fsm):
  clean --invalidate--> dirty --begin--> reposting --complete--> clean
                                             |
                                             +------fail------> dirty

  A dirty loan carries DirtyFrom, the earliest date that must be rebuilt.
  Invalidating a loan that is already dirty only moves DirtyFrom earlier.

REBUILD FROM A DATE:
  1. Reverse allocation entries valued on or after the date
  2. Cancel demands billed on or after the date
  3. Void accrual records ending on or after the date
  4. Void schedule versions that took effect on or after the date
  5. Replay live events in (value date, sequence) order
  6. Catch accruals and demands up to the batch horizons again

  Replay order depends only on the events themselves, so the result is the
  same whatever order they were submitted in.
*/
package lending

import (
	"context"
	"fmt"

	"github.com/looplab/fsm"
)

type RepostState string

const (
	RepostClean     RepostState = "clean"
	RepostDirty     RepostState = "dirty"
	RepostReposting RepostState = "reposting"
)

const (
	repostInvalidate = "invalidate"
	repostBegin      = "begin"
	repostComplete   = "complete"
	repostFail       = "fail"
)

// RepostMachine tracks the repost state of one loan.
type RepostMachine struct {
	loan *Loan
	fsm  *fsm.FSM
}

func NewRepostMachine(loan *Loan) *RepostMachine {
	m := &RepostMachine{loan: loan}
	state := loan.RepostState
	if state == "" {
		state = RepostClean
	}
	m.fsm = fsm.NewFSM(
		string(state),
		fsm.Events{
			{Name: repostInvalidate, Src: []string{string(RepostClean)}, Dst: string(RepostDirty)},
			{Name: repostBegin, Src: []string{string(RepostDirty)}, Dst: string(RepostReposting)},
			{Name: repostComplete, Src: []string{string(RepostReposting)}, Dst: string(RepostClean)},
			{Name: repostFail, Src: []string{string(RepostReposting)}, Dst: string(RepostDirty)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				m.loan.RepostState = RepostState(e.Dst)
			},
		},
	)
	m.loan.RepostState = state
	return m
}

func (m *RepostMachine) State() RepostState { return RepostState(m.fsm.Current()) }

// MarkDirty records that everything from `from` on must be recomputed.
func (m *RepostMachine) MarkDirty(ctx context.Context, from Date) error {
	if m.State() != RepostClean {
		m.loan.DirtyFrom = MinDate(m.loan.DirtyFrom, from)
		return nil
	}
	if err := m.fsm.Event(ctx, repostInvalidate); err != nil {
		return fmt.Errorf("failed to mark loan %s dirty: %w", m.loan.ID, err)
	}
	m.loan.DirtyFrom = from
	return nil
}

func (m *RepostMachine) begin(ctx context.Context) error {
	if err := m.fsm.Event(ctx, repostBegin); err != nil {
		return fmt.Errorf("failed to start repost of loan %s: %w", m.loan.ID, err)
	}
	return nil
}

func (m *RepostMachine) complete(ctx context.Context) error {
	if err := m.fsm.Event(ctx, repostComplete); err != nil {
		return fmt.Errorf("failed to complete repost of loan %s: %w", m.loan.ID, err)
	}
	m.loan.DirtyFrom = Date{}
	return nil
}

func (m *RepostMachine) fail(ctx context.Context) {
	_ = m.fsm.Event(ctx, repostFail)
}

// =============================================================================
// REPOST
// =============================================================================

// Repost rebuilds a dirty book from its DirtyFrom date. A clean book is left
// untouched. On failure the book is back in the dirty state and must be
// discarded: its records are partially rebuilt.
func (b *Book) Repost(ctx context.Context) error {
	m := NewRepostMachine(b.Loan)
	if m.State() == RepostClean {
		return nil
	}
	if m.State() == RepostReposting {
		// A crashed run never persists this state; treat it as dirty.
		b.Loan.RepostState = RepostDirty
		m = NewRepostMachine(b.Loan)
	}
	if err := m.begin(ctx); err != nil {
		return err
	}
	if err := b.rebuild(b.Loan.DirtyFrom, nil); err != nil {
		m.fail(ctx)
		return err
	}
	if err := b.Verify(); err != nil {
		m.fail(ctx)
		return err
	}
	return m.complete(ctx)
}

// rebuild recomputes everything from `from` on. With until set, only events
// valued up to until are replayed and the book is caught up to until instead
// of the batch horizons; quotes for past dates use this.
func (b *Book) rebuild(from Date, until *Date) error {
	if from.Before(b.Loan.Terms.DisbursementDate) {
		from = b.Loan.Terms.DisbursementDate
	}

	for _, entry := range b.Entries {
		if entry.Reversed || entry.ValueDate.Before(from) {
			continue
		}
		if err := b.reverseEntry(entry); err != nil {
			return err
		}
	}
	for _, d := range b.Demands {
		if d.Status == DemandCancelled || d.DemandDate.Before(from) {
			continue
		}
		if err := b.cancelDemand(d); err != nil {
			return err
		}
	}
	for _, rec := range b.Accruals {
		if !rec.Voided && !rec.Period.End.Before(from) {
			b.voidAccrual(rec)
		}
	}
	b.changes.voidedVersions = append(b.changes.voidedVersions, b.Schedules.VoidFrom(from)...)

	for _, e := range b.liveEvents() {
		if e.ValueDate.Before(from) || (until != nil && e.ValueDate.After(*until)) {
			continue
		}
		b.catchUp(e.ValueDate)
		if err := b.applyEvent(e); err != nil {
			return fmt.Errorf("replay of event %s failed: %w", e.ID, err)
		}
	}

	if until != nil {
		b.catchUp(*until)
	} else {
		if !b.Loan.AccrualHorizon.IsZero() {
			AccrualEngine{}.Accrue(b, b.Loan.AccrualHorizon)
		}
		if !b.Loan.DemandHorizon.IsZero() {
			DemandGenerator{}.Generate(b, b.Loan.DemandHorizon)
		}
	}
	b.refreshStatus()
	return nil
}
