/*
store.go - Persistence interface for loans and their records

PURPOSE:
  Defines the boundary between the servicing engines and the database.
  Different implementations can use SQLite or in-memory storage.

KEY INTERFACES:
  Store:        Loan state plus every per-loan record
  TxStore:      Store with atomic multi-record writes
  ConfigSource: Company configuration lookup

APPEND-MOSTLY CONTRACT:
  Records are never deleted. The only updates allowed are status changes:
  - VoidScheduleVersion / VoidAccrualRecords
  - UpdateDemands (outstanding and status)
  - ReverseAllocationEntries
  - CancelEvent
  SaveLoan is the one full-row update and is guarded by the loan version.

OPTIMISTIC LOCKING:
  SaveLoan(loan, expectedVersion) fails with ConcurrencyError when the stored
  version is not expectedVersion, and stores expectedVersion+1 otherwise.

IMPLEMENTATIONS:
  - lending/store/memory.go: In-memory for tests and development
  - store/sqlite/sqlite.go: SQLite

SEE ALSO:
  - book.go: Loads and flushes through this interface
*/
package lending

import (
	"context"
	"time"
)

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	// Loans
	CreateLoan(ctx context.Context, loan Loan) error
	LoadLoan(ctx context.Context, id LoanID) (*Loan, error)
	SaveLoan(ctx context.Context, loan Loan, expectedVersion int64) error
	ListLoans(ctx context.Context) ([]LoanID, error)

	// Schedule versions
	PersistScheduleVersion(ctx context.Context, v ScheduleVersion) error
	VoidScheduleVersion(ctx context.Context, id ScheduleVersionID) error
	LoadScheduleVersions(ctx context.Context, loanID LoanID) ([]*ScheduleVersion, error)

	// Accruals
	PersistAccrualRecords(ctx context.Context, records []AccrualRecord) error
	VoidAccrualRecords(ctx context.Context, ids []AccrualID) error
	LoadAccrualRecords(ctx context.Context, loanID LoanID) ([]*AccrualRecord, error)

	// Demands
	PersistDemands(ctx context.Context, demands []Demand) error
	UpdateDemands(ctx context.Context, demands []Demand) error
	LoadDemands(ctx context.Context, loanID LoanID) ([]*Demand, error)

	// Allocations
	PersistAllocationEntries(ctx context.Context, entries []AllocationEntry) error
	ReverseAllocationEntries(ctx context.Context, ids []AllocationID) error
	LoadAllocationEntries(ctx context.Context, loanID LoanID) ([]*AllocationEntry, error)

	// Events
	PersistEvent(ctx context.Context, e Event) error
	CancelEvent(ctx context.Context, id EventID, at time.Time) error
	LoadEvent(ctx context.Context, id EventID) (*Event, error)
	LoadEvents(ctx context.Context, loanID LoanID) ([]*Event, error)
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}

type storeKey struct{}

// ContextWithStore carries the transactional store to collaborators called
// inside WithTx.
func ContextWithStore(ctx context.Context, st Store) context.Context {
	return context.WithValue(ctx, storeKey{}, st)
}

func StoreFromContext(ctx context.Context) (Store, bool) {
	st, ok := ctx.Value(storeKey{}).(Store)
	return st, ok
}

// =============================================================================
// COMPANY CONFIGURATION SOURCE
// =============================================================================

// ConfigSource resolves the configuration of the company owning a loan.
type ConfigSource interface {
	GetCompanyConfig(ctx context.Context, companyID string) (CompanyConfig, error)
}

// StaticConfig returns the same configuration for every company.
type StaticConfig struct {
	Config CompanyConfig
}

func (s StaticConfig) GetCompanyConfig(context.Context, string) (CompanyConfig, error) {
	return s.Config, nil
}

// ConfigMap holds per-company overrides on top of a fallback.
type ConfigMap struct {
	Companies map[string]CompanyConfig
	Fallback  CompanyConfig
}

func (m ConfigMap) GetCompanyConfig(_ context.Context, companyID string) (CompanyConfig, error) {
	if cfg, ok := m.Companies[companyID]; ok {
		return cfg, nil
	}
	return m.Fallback, nil
}
