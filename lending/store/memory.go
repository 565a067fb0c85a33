// Package store provides in-memory implementations of the lending stores.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/lending-engine/lending"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu    sync.RWMutex
	state memoryState
}

type memoryState struct {
	loans     map[lending.LoanID]lending.Loan
	versions  map[lending.ScheduleVersionID]lending.ScheduleVersion
	accruals  map[lending.AccrualID]lending.AccrualRecord
	demands   map[lending.DemandID]lending.Demand
	entries   map[lending.AllocationID]lending.AllocationEntry
	events    map[lending.EventID]lending.Event
	journal   []lending.JournalLine
	companies map[string]lending.CompanyConfig
}

func newMemoryState() memoryState {
	return memoryState{
		loans:     make(map[lending.LoanID]lending.Loan),
		versions:  make(map[lending.ScheduleVersionID]lending.ScheduleVersion),
		accruals:  make(map[lending.AccrualID]lending.AccrualRecord),
		demands:   make(map[lending.DemandID]lending.Demand),
		entries:   make(map[lending.AllocationID]lending.AllocationEntry),
		events:    make(map[lending.EventID]lending.Event),
		companies: make(map[string]lending.CompanyConfig),
	}
}

func NewMemory() *Memory {
	return &Memory{state: newMemoryState()}
}

// clone copies every map; records are values, so a shallow map copy is a
// full snapshot except for the slices inside schedule versions, which are
// never mutated after persisting.
func (s memoryState) clone() memoryState {
	c := newMemoryState()
	for k, v := range s.loans {
		c.loans[k] = v
	}
	for k, v := range s.versions {
		c.versions[k] = v
	}
	for k, v := range s.accruals {
		c.accruals[k] = v
	}
	for k, v := range s.demands {
		c.demands[k] = v
	}
	for k, v := range s.entries {
		c.entries[k] = v
	}
	for k, v := range s.events {
		c.events[k] = v
	}
	for k, v := range s.companies {
		c.companies[k] = v
	}
	c.journal = append([]lending.JournalLine(nil), s.journal...)
	return c
}

// =============================================================================
// LOANS
// =============================================================================

func (s *memoryState) createLoan(loan lending.Loan) error {
	if _, ok := s.loans[loan.ID]; ok {
		return &lending.ValidationError{Field: "loan_id", Message: "loan " + string(loan.ID) + " already exists"}
	}
	s.loans[loan.ID] = loan
	return nil
}

func (s *memoryState) loadLoan(id lending.LoanID) (*lending.Loan, error) {
	loan, ok := s.loans[id]
	if !ok {
		return nil, &lending.NotFoundError{Kind: "loan", ID: string(id)}
	}
	return &loan, nil
}

func (s *memoryState) saveLoan(loan lending.Loan, expected int64) error {
	current, ok := s.loans[loan.ID]
	if !ok {
		return &lending.NotFoundError{Kind: "loan", ID: string(loan.ID)}
	}
	if current.Version != expected {
		return &lending.ConcurrencyError{LoanID: loan.ID, Expected: expected, Actual: current.Version}
	}
	loan.Version = expected + 1
	s.loans[loan.ID] = loan
	return nil
}

func (s *memoryState) listLoans() []lending.LoanID {
	ids := make([]lending.LoanID, 0, len(s.loans))
	for id := range s.loans {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// =============================================================================
// RECORDS
// =============================================================================

func (s *memoryState) persistVersion(v lending.ScheduleVersion) {
	v.Rows = append([]lending.InstallmentRow(nil), v.Rows...)
	v.Capitalizations = append([]lending.Capitalization(nil), v.Capitalizations...)
	s.versions[v.ID] = v
}

func (s *memoryState) voidVersion(id lending.ScheduleVersionID) error {
	v, ok := s.versions[id]
	if !ok {
		return &lending.NotFoundError{Kind: "schedule version", ID: string(id)}
	}
	v.Voided = true
	s.versions[id] = v
	return nil
}

func (s *memoryState) loadVersions(loanID lending.LoanID) []*lending.ScheduleVersion {
	var out []*lending.ScheduleVersion
	for _, v := range s.versions {
		if v.LoanID == loanID {
			cp := v
			cp.Rows = append([]lending.InstallmentRow(nil), v.Rows...)
			cp.Capitalizations = append([]lending.Capitalization(nil), v.Capitalizations...)
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *memoryState) voidAccruals(ids []lending.AccrualID) error {
	for _, id := range ids {
		r, ok := s.accruals[id]
		if !ok {
			return &lending.NotFoundError{Kind: "accrual", ID: string(id)}
		}
		r.Voided = true
		s.accruals[id] = r
	}
	return nil
}

func (s *memoryState) loadAccruals(loanID lending.LoanID) []*lending.AccrualRecord {
	var out []*lending.AccrualRecord
	for _, r := range s.accruals {
		if r.LoanID == loanID {
			cp := r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Period.Start.Equal(out[j].Period.Start) {
			return out[i].Period.Start.Before(out[j].Period.Start)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *memoryState) updateDemands(demands []lending.Demand) error {
	for _, d := range demands {
		current, ok := s.demands[d.ID]
		if !ok {
			return &lending.NotFoundError{Kind: "demand", ID: string(d.ID)}
		}
		current.Outstanding = d.Outstanding
		current.Status = d.Status
		s.demands[d.ID] = current
	}
	return nil
}

func (s *memoryState) loadDemands(loanID lending.LoanID) []*lending.Demand {
	var out []*lending.Demand
	for _, d := range s.demands {
		if d.LoanID == loanID {
			cp := d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Key < out[j].Key
	})
	return out
}

func (s *memoryState) reverseEntries(ids []lending.AllocationID) error {
	for _, id := range ids {
		e, ok := s.entries[id]
		if !ok {
			return &lending.NotFoundError{Kind: "allocation", ID: string(id)}
		}
		e.Reversed = true
		s.entries[id] = e
	}
	return nil
}

func (s *memoryState) loadEntries(loanID lending.LoanID) []*lending.AllocationEntry {
	var out []*lending.AllocationEntry
	for _, e := range s.entries {
		if e.LoanID == loanID {
			cp := e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *memoryState) cancelEvent(id lending.EventID, at time.Time) error {
	e, ok := s.events[id]
	if !ok {
		return &lending.NotFoundError{Kind: "event", ID: string(id)}
	}
	e.Cancelled = true
	e.CancelledAt = at
	s.events[id] = e
	return nil
}

func (s *memoryState) loadEvent(id lending.EventID) (*lending.Event, error) {
	e, ok := s.events[id]
	if !ok {
		return nil, &lending.NotFoundError{Kind: "event", ID: string(id)}
	}
	return &e, nil
}

func (s *memoryState) loadEvents(loanID lending.LoanID) []*lending.Event {
	var out []*lending.Event
	for _, e := range s.events {
		if e.LoanID == loanID {
			cp := e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// =============================================================================
// STORE INTERFACE
// =============================================================================

func (m *Memory) CreateLoan(_ context.Context, loan lending.Loan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.createLoan(loan)
}

func (m *Memory) LoadLoan(_ context.Context, id lending.LoanID) (*lending.Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.loadLoan(id)
}

func (m *Memory) SaveLoan(_ context.Context, loan lending.Loan, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.saveLoan(loan, expectedVersion)
}

func (m *Memory) ListLoans(context.Context) ([]lending.LoanID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.listLoans(), nil
}

func (m *Memory) PersistScheduleVersion(_ context.Context, v lending.ScheduleVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.persistVersion(v)
	return nil
}

func (m *Memory) VoidScheduleVersion(_ context.Context, id lending.ScheduleVersionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.voidVersion(id)
}

func (m *Memory) LoadScheduleVersions(_ context.Context, loanID lending.LoanID) ([]*lending.ScheduleVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.loadVersions(loanID), nil
}

func (m *Memory) PersistAccrualRecords(_ context.Context, records []lending.AccrualRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		m.state.accruals[r.ID] = r
	}
	return nil
}

func (m *Memory) VoidAccrualRecords(_ context.Context, ids []lending.AccrualID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.voidAccruals(ids)
}

func (m *Memory) LoadAccrualRecords(_ context.Context, loanID lending.LoanID) ([]*lending.AccrualRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.loadAccruals(loanID), nil
}

func (m *Memory) PersistDemands(_ context.Context, demands []lending.Demand) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range demands {
		m.state.demands[d.ID] = d
	}
	return nil
}

func (m *Memory) UpdateDemands(_ context.Context, demands []lending.Demand) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.updateDemands(demands)
}

func (m *Memory) LoadDemands(_ context.Context, loanID lending.LoanID) ([]*lending.Demand, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.loadDemands(loanID), nil
}

func (m *Memory) PersistAllocationEntries(_ context.Context, entries []lending.AllocationEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		m.state.entries[e.ID] = e
	}
	return nil
}

func (m *Memory) ReverseAllocationEntries(_ context.Context, ids []lending.AllocationID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.reverseEntries(ids)
}

func (m *Memory) LoadAllocationEntries(_ context.Context, loanID lending.LoanID) ([]*lending.AllocationEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.loadEntries(loanID), nil
}

func (m *Memory) PersistEvent(_ context.Context, e lending.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.events[e.ID] = e
	return nil
}

func (m *Memory) CancelEvent(_ context.Context, id lending.EventID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.cancelEvent(id, at)
}

func (m *Memory) LoadEvent(_ context.Context, id lending.EventID) (*lending.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.loadEvent(id)
}

func (m *Memory) LoadEvents(_ context.Context, loanID lending.LoanID) ([]*lending.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.loadEvents(loanID), nil
}

// =============================================================================
// JOURNAL AND COMPANY CONFIG
// =============================================================================

func (m *Memory) AppendJournal(_ context.Context, lines []lending.JournalLine) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.journal = append(m.state.journal, lines...)
	return nil
}

func (m *Memory) LoadJournal(_ context.Context, loanID lending.LoanID) ([]lending.JournalLine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []lending.JournalLine
	for _, l := range m.state.journal {
		if l.LoanID == loanID {
			out = append(out, l)
		}
	}
	return out, nil
}

// SetCompanyConfig stores a per-company override.
func (m *Memory) SetCompanyConfig(_ context.Context, companyID string, cfg lending.CompanyConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.companies[companyID] = cfg
	return nil
}

// GetCompanyConfig falls back to the default configuration.
func (m *Memory) GetCompanyConfig(_ context.Context, companyID string) (lending.CompanyConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if cfg, ok := m.state.companies[companyID]; ok {
		return cfg, nil
	}
	return lending.DefaultCompanyConfig(), nil
}

// Reset clears all data.
func (m *Memory) Reset(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = newMemoryState()
	return nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory

	// failOn makes the named write fail inside transactions; tests use it
	// to exercise rollback.
	failOn map[string]error
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory(), failOn: make(map[string]error)}
}

// FailOn makes every later call of the named operation inside WithTx
// return err. A nil err clears it.
func (tm *TxMemory) FailOn(op string, err error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if err == nil {
		delete(tm.failOn, op)
		return
	}
	tm.failOn[op] = err
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(lending.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.state.clone()
	view := &txMemoryView{parent: tm}
	if err := fn(view); err != nil {
		tm.state = snapshot
		return err
	}
	return nil
}

// txMemoryView runs against the parent state while WithTx holds its lock.
type txMemoryView struct {
	parent *TxMemory
}

func (tv *txMemoryView) state() *memoryState { return &tv.parent.state }

func (tv *txMemoryView) fail(op string) error { return tv.parent.failOn[op] }

func (tv *txMemoryView) CreateLoan(_ context.Context, loan lending.Loan) error {
	if err := tv.fail("CreateLoan"); err != nil {
		return err
	}
	return tv.state().createLoan(loan)
}

func (tv *txMemoryView) LoadLoan(_ context.Context, id lending.LoanID) (*lending.Loan, error) {
	return tv.state().loadLoan(id)
}

func (tv *txMemoryView) SaveLoan(_ context.Context, loan lending.Loan, expectedVersion int64) error {
	if err := tv.fail("SaveLoan"); err != nil {
		return err
	}
	return tv.state().saveLoan(loan, expectedVersion)
}

func (tv *txMemoryView) ListLoans(context.Context) ([]lending.LoanID, error) {
	return tv.state().listLoans(), nil
}

func (tv *txMemoryView) PersistScheduleVersion(_ context.Context, v lending.ScheduleVersion) error {
	if err := tv.fail("PersistScheduleVersion"); err != nil {
		return err
	}
	tv.state().persistVersion(v)
	return nil
}

func (tv *txMemoryView) VoidScheduleVersion(_ context.Context, id lending.ScheduleVersionID) error {
	return tv.state().voidVersion(id)
}

func (tv *txMemoryView) LoadScheduleVersions(_ context.Context, loanID lending.LoanID) ([]*lending.ScheduleVersion, error) {
	return tv.state().loadVersions(loanID), nil
}

func (tv *txMemoryView) PersistAccrualRecords(_ context.Context, records []lending.AccrualRecord) error {
	if err := tv.fail("PersistAccrualRecords"); err != nil {
		return err
	}
	for _, r := range records {
		tv.state().accruals[r.ID] = r
	}
	return nil
}

func (tv *txMemoryView) VoidAccrualRecords(_ context.Context, ids []lending.AccrualID) error {
	return tv.state().voidAccruals(ids)
}

func (tv *txMemoryView) LoadAccrualRecords(_ context.Context, loanID lending.LoanID) ([]*lending.AccrualRecord, error) {
	return tv.state().loadAccruals(loanID), nil
}

func (tv *txMemoryView) PersistDemands(_ context.Context, demands []lending.Demand) error {
	if err := tv.fail("PersistDemands"); err != nil {
		return err
	}
	for _, d := range demands {
		tv.state().demands[d.ID] = d
	}
	return nil
}

func (tv *txMemoryView) UpdateDemands(_ context.Context, demands []lending.Demand) error {
	return tv.state().updateDemands(demands)
}

func (tv *txMemoryView) LoadDemands(_ context.Context, loanID lending.LoanID) ([]*lending.Demand, error) {
	return tv.state().loadDemands(loanID), nil
}

func (tv *txMemoryView) PersistAllocationEntries(_ context.Context, entries []lending.AllocationEntry) error {
	if err := tv.fail("PersistAllocationEntries"); err != nil {
		return err
	}
	for _, e := range entries {
		tv.state().entries[e.ID] = e
	}
	return nil
}

func (tv *txMemoryView) ReverseAllocationEntries(_ context.Context, ids []lending.AllocationID) error {
	return tv.state().reverseEntries(ids)
}

func (tv *txMemoryView) LoadAllocationEntries(_ context.Context, loanID lending.LoanID) ([]*lending.AllocationEntry, error) {
	return tv.state().loadEntries(loanID), nil
}

func (tv *txMemoryView) PersistEvent(_ context.Context, e lending.Event) error {
	if err := tv.fail("PersistEvent"); err != nil {
		return err
	}
	tv.state().events[e.ID] = e
	return nil
}

func (tv *txMemoryView) CancelEvent(_ context.Context, id lending.EventID, at time.Time) error {
	return tv.state().cancelEvent(id, at)
}

func (tv *txMemoryView) LoadEvent(_ context.Context, id lending.EventID) (*lending.Event, error) {
	return tv.state().loadEvent(id)
}

func (tv *txMemoryView) LoadEvents(_ context.Context, loanID lending.LoanID) ([]*lending.Event, error) {
	return tv.state().loadEvents(loanID), nil
}

func (tv *txMemoryView) AppendJournal(_ context.Context, lines []lending.JournalLine) error {
	if err := tv.fail("AppendJournal"); err != nil {
		return err
	}
	tv.state().journal = append(tv.state().journal, lines...)
	return nil
}

func (tv *txMemoryView) LoadJournal(_ context.Context, loanID lending.LoanID) ([]lending.JournalLine, error) {
	var out []lending.JournalLine
	for _, l := range tv.state().journal {
		if l.LoanID == loanID {
			out = append(out, l)
		}
	}
	return out, nil
}
