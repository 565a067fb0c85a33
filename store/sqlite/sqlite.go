/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements lending.TxStore, lending.Journal and lending.ConfigSource on
  SQLite.

INTERFACES IMPLEMENTED:
  lending.TxStore:      Loans, schedule versions, accruals, demands,
                        allocation entries and events
  lending.Journal:      Double-entry journal lines
  lending.ConfigSource: Per-company accrual configuration

APPEND-MOSTLY ENFORCEMENT:
  No DELETE statements on servicing tables. UPDATE statements only touch
  status columns (voided, reversed, cancelled, outstanding/status) and the
  loan row, whose version column guards concurrent writers.

KEY TABLES:
  loans:             Servicing state, one row per loan, optimistic version
  schedule_versions: Immutable schedules (rows stored as JSON)
  accrual_records:   Interest and penalty accruals
  demands:           Billed amounts with outstanding balance
  allocation_entries: Event-to-demand allocations
  loan_events:       Repayments, waivers, charges and restructures
  journal_lines:     Ledger feed
  company_config:    Accrual frequency and day count per company

CONCURRENCY:
  The pool holds a single connection, so statements and transactions are
  serialized by database/sql. Per-loan ordering is the service's job.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better crash recovery.

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - lending/store.go: Interface definitions
  - lending/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/lending-engine/lending"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	*queries
	db *sql.DB
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements every read and write against one querier.
type queries struct {
	q        querier
	defaults lending.CompanyConfig
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{queries: &queries{q: db, defaults: lending.DefaultCompanyConfig()}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS loans (
		id TEXT PRIMARY KEY,
		company_id TEXT NOT NULL,
		terms_json TEXT NOT NULL,
		status TEXT NOT NULL,
		active_schedule_id TEXT NOT NULL,
		repost_state TEXT NOT NULL,
		dirty_from TEXT,
		accrual_horizon TEXT,
		demand_horizon TEXT,
		next_seq INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS schedule_versions (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL REFERENCES loans(id),
		number INTEGER NOT NULL,
		effective_from TEXT NOT NULL,
		terms_json TEXT NOT NULL,
		created_by TEXT,
		capitalizations_json TEXT NOT NULL,
		rows_json TEXT NOT NULL,
		voided INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_schedule_versions_loan
		ON schedule_versions(loan_id, created_at);

	CREATE TABLE IF NOT EXISTS accrual_records (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL REFERENCES loans(id),
		kind TEXT NOT NULL,
		period_start TEXT NOT NULL,
		period_end TEXT NOT NULL,
		principal_base TEXT NOT NULL,
		amount TEXT NOT NULL,
		accrual_date TEXT NOT NULL,
		beyond_schedule INTEGER NOT NULL DEFAULT 0,
		voided INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_accrual_records_loan
		ON accrual_records(loan_id, period_start);

	CREATE TABLE IF NOT EXISTS demands (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL REFERENCES loans(id),
		schedule_version_id TEXT,
		event_id TEXT,
		demand_key TEXT NOT NULL,
		component TEXT NOT NULL,
		demand_date TEXT NOT NULL,
		due_date TEXT NOT NULL,
		amount TEXT NOT NULL,
		outstanding TEXT NOT NULL,
		status TEXT NOT NULL,
		sort_order INTEGER NOT NULL DEFAULT 0,
		description TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_demands_loan
		ON demands(loan_id, demand_date);

	-- A key may be billed again only after its previous demand was cancelled
	CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_live_demand_key
		ON demands(loan_id, demand_key) WHERE status != 'cancelled';

	CREATE TABLE IF NOT EXISTS allocation_entries (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL REFERENCES loans(id),
		event_id TEXT NOT NULL,
		demand_id TEXT NOT NULL REFERENCES demands(id),
		component TEXT NOT NULL,
		kind TEXT NOT NULL,
		amount TEXT NOT NULL,
		value_date TEXT NOT NULL,
		reversed INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_allocation_entries_loan
		ON allocation_entries(loan_id, value_date);
	CREATE INDEX IF NOT EXISTS idx_allocation_entries_event
		ON allocation_entries(event_id);

	CREATE TABLE IF NOT EXISTS loan_events (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL REFERENCES loans(id),
		seq INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		value_date TEXT NOT NULL,
		posting_date TEXT NOT NULL,
		amount TEXT NOT NULL,
		waiver_component TEXT,
		description TEXT,
		restructure_json TEXT,
		cancelled INTEGER NOT NULL DEFAULT 0,
		cancelled_at TEXT,
		created_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_loan_events_seq
		ON loan_events(loan_id, seq);

	CREATE TABLE IF NOT EXISTS journal_lines (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		loan_id TEXT NOT NULL,
		event_id TEXT NOT NULL,
		account TEXT NOT NULL,
		debit TEXT NOT NULL,
		credit TEXT NOT NULL,
		posting_date TEXT NOT NULL,
		reversal INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_journal_lines_loan
		ON journal_lines(loan_id);

	CREATE TABLE IF NOT EXISTS company_config (
		company_id TEXT PRIMARY KEY,
		accrual_frequency TEXT NOT NULL,
		day_count_convention TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (lending.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store lending.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{q: sqlTx, defaults: s.defaults}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// =============================================================================
// LOANS
// =============================================================================

func (s *queries) CreateLoan(ctx context.Context, loan lending.Loan) error {
	termsJSON, err := json.Marshal(loan.Terms)
	if err != nil {
		return fmt.Errorf("failed to encode terms: %w", err)
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO loans
		(id, company_id, terms_json, status, active_schedule_id, repost_state, dirty_from,
		 accrual_horizon, demand_horizon, next_seq, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		loan.ID, loan.CompanyID, string(termsJSON), loan.Status, loan.ActiveScheduleID,
		loan.RepostState, nullDate(loan.DirtyFrom), nullDate(loan.AccrualHorizon),
		nullDate(loan.DemandHorizon), loan.NextSeq, loan.Version,
		formatTime(loan.CreatedAt), formatTime(loan.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &lending.ValidationError{Field: "loan_id", Message: "loan " + string(loan.ID) + " already exists"}
		}
		return fmt.Errorf("failed to create loan: %w", err)
	}
	return nil
}

func (s *queries) LoadLoan(ctx context.Context, id lending.LoanID) (*lending.Loan, error) {
	var (
		loan                                 lending.Loan
		termsJSON, createdAt, updatedAt      string
		dirtyFrom, accrualHorizon, demandHor sql.NullString
	)
	err := s.q.QueryRowContext(ctx, `
		SELECT id, company_id, terms_json, status, active_schedule_id, repost_state, dirty_from,
		       accrual_horizon, demand_horizon, next_seq, version, created_at, updated_at
		FROM loans WHERE id = ?
	`, id).Scan(
		&loan.ID, &loan.CompanyID, &termsJSON, &loan.Status, &loan.ActiveScheduleID,
		&loan.RepostState, &dirtyFrom, &accrualHorizon, &demandHor, &loan.NextSeq,
		&loan.Version, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &lending.NotFoundError{Kind: "loan", ID: string(id)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load loan: %w", err)
	}
	if err := json.Unmarshal([]byte(termsJSON), &loan.Terms); err != nil {
		return nil, fmt.Errorf("failed to decode terms: %w", err)
	}
	dec := &decoder{}
	loan.DirtyFrom = dec.nullDate(dirtyFrom)
	loan.AccrualHorizon = dec.nullDate(accrualHorizon)
	loan.DemandHorizon = dec.nullDate(demandHor)
	loan.CreatedAt = dec.time(createdAt)
	loan.UpdatedAt = dec.time(updatedAt)
	if dec.err != nil {
		return nil, dec.err
	}
	return &loan, nil
}

// SaveLoan writes the loan when the stored version is expectedVersion.
func (s *queries) SaveLoan(ctx context.Context, loan lending.Loan, expectedVersion int64) error {
	termsJSON, err := json.Marshal(loan.Terms)
	if err != nil {
		return fmt.Errorf("failed to encode terms: %w", err)
	}
	res, err := s.q.ExecContext(ctx, `
		UPDATE loans
		SET terms_json = ?, status = ?, active_schedule_id = ?, repost_state = ?, dirty_from = ?,
		    accrual_horizon = ?, demand_horizon = ?, next_seq = ?, version = ?, updated_at = ?
		WHERE id = ? AND version = ?
	`,
		string(termsJSON), loan.Status, loan.ActiveScheduleID, loan.RepostState,
		nullDate(loan.DirtyFrom), nullDate(loan.AccrualHorizon), nullDate(loan.DemandHorizon),
		loan.NextSeq, expectedVersion+1, formatTime(loan.UpdatedAt),
		loan.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to save loan: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var actual int64
		err := s.q.QueryRowContext(ctx, "SELECT version FROM loans WHERE id = ?", loan.ID).Scan(&actual)
		if errors.Is(err, sql.ErrNoRows) {
			return &lending.NotFoundError{Kind: "loan", ID: string(loan.ID)}
		}
		return &lending.ConcurrencyError{LoanID: loan.ID, Expected: expectedVersion, Actual: actual}
	}
	return nil
}

func (s *queries) ListLoans(ctx context.Context) ([]lending.LoanID, error) {
	rows, err := s.q.QueryContext(ctx, "SELECT id FROM loans ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list loans: %w", err)
	}
	defer rows.Close()

	var ids []lending.LoanID
	for rows.Next() {
		var id lending.LoanID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// =============================================================================
// SCHEDULE VERSIONS
// =============================================================================

func (s *queries) PersistScheduleVersion(ctx context.Context, v lending.ScheduleVersion) error {
	termsJSON, err := json.Marshal(v.Terms)
	if err != nil {
		return fmt.Errorf("failed to encode terms: %w", err)
	}
	capsJSON, err := json.Marshal(v.Capitalizations)
	if err != nil {
		return fmt.Errorf("failed to encode capitalizations: %w", err)
	}
	rowsJSON, err := json.Marshal(v.Rows)
	if err != nil {
		return fmt.Errorf("failed to encode rows: %w", err)
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO schedule_versions
		(id, loan_id, number, effective_from, terms_json, created_by, capitalizations_json,
		 rows_json, voided, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		v.ID, v.LoanID, v.Number, v.EffectiveFrom.String(), string(termsJSON),
		nullString(string(v.CreatedBy)), string(capsJSON), string(rowsJSON),
		v.Voided, formatTime(v.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to persist schedule version: %w", err)
	}
	return nil
}

func (s *queries) VoidScheduleVersion(ctx context.Context, id lending.ScheduleVersionID) error {
	_, err := s.q.ExecContext(ctx, "UPDATE schedule_versions SET voided = 1 WHERE id = ?", id)
	return err
}

func (s *queries) LoadScheduleVersions(ctx context.Context, loanID lending.LoanID) ([]*lending.ScheduleVersion, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, loan_id, number, effective_from, terms_json, created_by,
		       capitalizations_json, rows_json, voided, created_at
		FROM schedule_versions WHERE loan_id = ?
		ORDER BY created_at ASC
	`, loanID)
	if err != nil {
		return nil, fmt.Errorf("failed to query schedule versions: %w", err)
	}
	defer rows.Close()

	var versions []*lending.ScheduleVersion
	for rows.Next() {
		var (
			v                                   lending.ScheduleVersion
			effectiveFrom, termsJSON, capsJSON  string
			rowsJSON, createdAt                 string
			createdBy                           sql.NullString
		)
		if err := rows.Scan(&v.ID, &v.LoanID, &v.Number, &effectiveFrom, &termsJSON, &createdBy,
			&capsJSON, &rowsJSON, &v.Voided, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan schedule version: %w", err)
		}
		dec := &decoder{}
		v.EffectiveFrom = dec.date(effectiveFrom)
		v.CreatedBy = lending.EventID(createdBy.String)
		v.CreatedAt = dec.time(createdAt)
		if dec.err != nil {
			return nil, dec.err
		}
		if err := json.Unmarshal([]byte(termsJSON), &v.Terms); err != nil {
			return nil, fmt.Errorf("failed to decode terms: %w", err)
		}
		if err := json.Unmarshal([]byte(capsJSON), &v.Capitalizations); err != nil {
			return nil, fmt.Errorf("failed to decode capitalizations: %w", err)
		}
		if err := json.Unmarshal([]byte(rowsJSON), &v.Rows); err != nil {
			return nil, fmt.Errorf("failed to decode rows: %w", err)
		}
		versions = append(versions, &v)
	}
	return versions, rows.Err()
}

// =============================================================================
// ACCRUALS
// =============================================================================

func (s *queries) PersistAccrualRecords(ctx context.Context, records []lending.AccrualRecord) error {
	for _, r := range records {
		_, err := s.q.ExecContext(ctx, `
			INSERT INTO accrual_records
			(id, loan_id, kind, period_start, period_end, principal_base, amount, accrual_date,
			 beyond_schedule, voided, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			r.ID, r.LoanID, r.Kind, r.Period.Start.String(), r.Period.End.String(),
			r.PrincipalBase.String(), r.Amount.String(), r.AccrualDate.String(),
			r.BeyondSchedule, r.Voided, formatTime(r.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to persist accrual: %w", err)
		}
	}
	return nil
}

func (s *queries) VoidAccrualRecords(ctx context.Context, ids []lending.AccrualID) error {
	for _, id := range ids {
		if _, err := s.q.ExecContext(ctx, "UPDATE accrual_records SET voided = 1 WHERE id = ?", id); err != nil {
			return fmt.Errorf("failed to void accrual: %w", err)
		}
	}
	return nil
}

func (s *queries) LoadAccrualRecords(ctx context.Context, loanID lending.LoanID) ([]*lending.AccrualRecord, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, loan_id, kind, period_start, period_end, principal_base, amount, accrual_date,
		       beyond_schedule, voided, created_at
		FROM accrual_records WHERE loan_id = ?
		ORDER BY period_start ASC, created_at ASC
	`, loanID)
	if err != nil {
		return nil, fmt.Errorf("failed to query accruals: %w", err)
	}
	defer rows.Close()

	var records []*lending.AccrualRecord
	for rows.Next() {
		var (
			r                                  lending.AccrualRecord
			start, end, base, amount, accrued  string
			createdAt                          string
		)
		if err := rows.Scan(&r.ID, &r.LoanID, &r.Kind, &start, &end, &base, &amount, &accrued,
			&r.BeyondSchedule, &r.Voided, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan accrual: %w", err)
		}
		dec := &decoder{}
		r.Period = lending.Period{Start: dec.date(start), End: dec.date(end)}
		r.PrincipalBase = dec.decimal(base)
		r.Amount = dec.decimal(amount)
		r.AccrualDate = dec.date(accrued)
		r.CreatedAt = dec.time(createdAt)
		if dec.err != nil {
			return nil, dec.err
		}
		records = append(records, &r)
	}
	return records, rows.Err()
}

// =============================================================================
// DEMANDS
// =============================================================================

func (s *queries) PersistDemands(ctx context.Context, demands []lending.Demand) error {
	for _, d := range demands {
		_, err := s.q.ExecContext(ctx, `
			INSERT INTO demands
			(id, loan_id, schedule_version_id, event_id, demand_key, component, demand_date,
			 due_date, amount, outstanding, status, sort_order, description, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			d.ID, d.LoanID, nullString(string(d.ScheduleVersionID)), nullString(string(d.EventID)),
			d.Key, d.Component.String(), d.DemandDate.String(), d.DueDate.String(),
			d.Amount.String(), d.Outstanding.String(), d.Status, d.Order,
			nullString(d.Description), formatTime(d.CreatedAt),
		)
		if err != nil {
			if isUniqueConstraintError(err) {
				return fmt.Errorf("demand key %s already billed: %w", d.Key, lending.ErrConsistency)
			}
			return fmt.Errorf("failed to persist demand: %w", err)
		}
	}
	return nil
}

func (s *queries) UpdateDemands(ctx context.Context, demands []lending.Demand) error {
	for _, d := range demands {
		_, err := s.q.ExecContext(ctx, "UPDATE demands SET outstanding = ?, status = ? WHERE id = ?",
			d.Outstanding.String(), d.Status, d.ID)
		if err != nil {
			return fmt.Errorf("failed to update demand: %w", err)
		}
	}
	return nil
}

func (s *queries) LoadDemands(ctx context.Context, loanID lending.LoanID) ([]*lending.Demand, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, loan_id, schedule_version_id, event_id, demand_key, component, demand_date,
		       due_date, amount, outstanding, status, sort_order, description, created_at
		FROM demands WHERE loan_id = ?
		ORDER BY created_at ASC, demand_key ASC
	`, loanID)
	if err != nil {
		return nil, fmt.Errorf("failed to query demands: %w", err)
	}
	defer rows.Close()

	var demands []*lending.Demand
	for rows.Next() {
		var (
			d                                         lending.Demand
			versionID, eventID, description           sql.NullString
			component, demandDate, dueDate            string
			amount, outstanding, createdAt            string
		)
		if err := rows.Scan(&d.ID, &d.LoanID, &versionID, &eventID, &d.Key, &component, &demandDate,
			&dueDate, &amount, &outstanding, &d.Status, &d.Order, &description, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan demand: %w", err)
		}
		c, err := lending.ParseComponent(component)
		if err != nil {
			return nil, err
		}
		d.Component = c
		d.ScheduleVersionID = lending.ScheduleVersionID(versionID.String)
		d.EventID = lending.EventID(eventID.String)
		d.Description = description.String
		dec := &decoder{}
		d.DemandDate = dec.date(demandDate)
		d.DueDate = dec.date(dueDate)
		d.Amount = dec.decimal(amount)
		d.Outstanding = dec.decimal(outstanding)
		d.CreatedAt = dec.time(createdAt)
		if dec.err != nil {
			return nil, dec.err
		}
		demands = append(demands, &d)
	}
	return demands, rows.Err()
}

// =============================================================================
// ALLOCATIONS
// =============================================================================

func (s *queries) PersistAllocationEntries(ctx context.Context, entries []lending.AllocationEntry) error {
	for _, e := range entries {
		_, err := s.q.ExecContext(ctx, `
			INSERT INTO allocation_entries
			(id, loan_id, event_id, demand_id, component, kind, amount, value_date, reversed, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			e.ID, e.LoanID, e.EventID, e.DemandID, e.Component.String(), e.Kind,
			e.Amount.String(), e.ValueDate.String(), e.Reversed, formatTime(e.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to persist allocation: %w", err)
		}
	}
	return nil
}

func (s *queries) ReverseAllocationEntries(ctx context.Context, ids []lending.AllocationID) error {
	for _, id := range ids {
		if _, err := s.q.ExecContext(ctx, "UPDATE allocation_entries SET reversed = 1 WHERE id = ?", id); err != nil {
			return fmt.Errorf("failed to reverse allocation: %w", err)
		}
	}
	return nil
}

func (s *queries) LoadAllocationEntries(ctx context.Context, loanID lending.LoanID) ([]*lending.AllocationEntry, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, loan_id, event_id, demand_id, component, kind, amount, value_date, reversed, created_at
		FROM allocation_entries WHERE loan_id = ?
		ORDER BY created_at ASC, id ASC
	`, loanID)
	if err != nil {
		return nil, fmt.Errorf("failed to query allocations: %w", err)
	}
	defer rows.Close()

	var entries []*lending.AllocationEntry
	for rows.Next() {
		var (
			e                                       lending.AllocationEntry
			component, amount, valueDate, createdAt string
		)
		if err := rows.Scan(&e.ID, &e.LoanID, &e.EventID, &e.DemandID, &component, &e.Kind,
			&amount, &valueDate, &e.Reversed, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan allocation: %w", err)
		}
		c, err := lending.ParseComponent(component)
		if err != nil {
			return nil, err
		}
		e.Component = c
		dec := &decoder{}
		e.Amount = dec.decimal(amount)
		e.ValueDate = dec.date(valueDate)
		e.CreatedAt = dec.time(createdAt)
		if dec.err != nil {
			return nil, dec.err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// =============================================================================
// EVENTS
// =============================================================================

func (s *queries) PersistEvent(ctx context.Context, e lending.Event) error {
	var restructureJSON sql.NullString
	if e.Restructure != nil {
		b, err := json.Marshal(e.Restructure)
		if err != nil {
			return fmt.Errorf("failed to encode restructure options: %w", err)
		}
		restructureJSON = sql.NullString{String: string(b), Valid: true}
	}
	var waiver sql.NullString
	if e.Type == lending.EventWaiver {
		waiver = nullString(e.WaiverComponent.String())
	}
	var cancelledAt sql.NullString
	if e.Cancelled {
		cancelledAt = nullString(formatTime(e.CancelledAt))
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO loan_events
		(id, loan_id, seq, event_type, value_date, posting_date, amount, waiver_component,
		 description, restructure_json, cancelled, cancelled_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID, e.LoanID, e.Seq, e.Type, e.ValueDate.String(), e.PostingDate.String(),
		e.Amount.String(), waiver, nullString(e.Description), restructureJSON,
		e.Cancelled, cancelledAt, formatTime(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to persist event: %w", err)
	}
	return nil
}

func (s *queries) CancelEvent(ctx context.Context, id lending.EventID, at time.Time) error {
	res, err := s.q.ExecContext(ctx, "UPDATE loan_events SET cancelled = 1, cancelled_at = ? WHERE id = ?",
		formatTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to cancel event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &lending.NotFoundError{Kind: "event", ID: string(id)}
	}
	return nil
}

const eventColumns = `id, loan_id, seq, event_type, value_date, posting_date, amount, waiver_component,
	description, restructure_json, cancelled, cancelled_at, created_at`

func (s *queries) LoadEvent(ctx context.Context, id lending.EventID) (*lending.Event, error) {
	events, err := s.queryEvents(ctx, "SELECT "+eventColumns+" FROM loan_events WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, &lending.NotFoundError{Kind: "event", ID: string(id)}
	}
	return events[0], nil
}

func (s *queries) LoadEvents(ctx context.Context, loanID lending.LoanID) ([]*lending.Event, error) {
	return s.queryEvents(ctx, "SELECT "+eventColumns+" FROM loan_events WHERE loan_id = ? ORDER BY seq ASC", loanID)
}

func (s *queries) queryEvents(ctx context.Context, query string, args ...any) ([]*lending.Event, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*lending.Event
	for rows.Next() {
		var (
			e                                      lending.Event
			valueDate, postingDate, amount         string
			createdAt                              string
			waiver, description, restructure, at   sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.LoanID, &e.Seq, &e.Type, &valueDate, &postingDate, &amount,
			&waiver, &description, &restructure, &e.Cancelled, &at, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		dec := &decoder{}
		e.ValueDate = dec.date(valueDate)
		e.PostingDate = dec.date(postingDate)
		e.Amount = dec.decimal(amount)
		e.Description = description.String
		e.CreatedAt = dec.time(createdAt)
		if at.Valid {
			e.CancelledAt = dec.time(at.String)
		}
		if dec.err != nil {
			return nil, dec.err
		}
		if waiver.Valid {
			c, err := lending.ParseComponent(waiver.String)
			if err != nil {
				return nil, err
			}
			e.WaiverComponent = c
		}
		if restructure.Valid {
			e.Restructure = &lending.RestructureOptions{}
			if err := json.Unmarshal([]byte(restructure.String), e.Restructure); err != nil {
				return nil, fmt.Errorf("failed to decode restructure options: %w", err)
			}
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// =============================================================================
// JOURNAL (lending.Journal interface)
// =============================================================================

func (s *queries) AppendJournal(ctx context.Context, lines []lending.JournalLine) error {
	for _, l := range lines {
		_, err := s.q.ExecContext(ctx, `
			INSERT INTO journal_lines
			(loan_id, event_id, account, debit, credit, posting_date, reversal, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`,
			l.LoanID, l.EventID, l.Account, l.Debit.String(), l.Credit.String(),
			l.PostingDate.String(), l.Reversal, formatTime(l.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to append journal line: %w", err)
		}
	}
	return nil
}

func (s *queries) LoadJournal(ctx context.Context, loanID lending.LoanID) ([]lending.JournalLine, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT loan_id, event_id, account, debit, credit, posting_date, reversal, created_at
		FROM journal_lines WHERE loan_id = ? ORDER BY id ASC
	`, loanID)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	var lines []lending.JournalLine
	for rows.Next() {
		var (
			l                                       lending.JournalLine
			debit, credit, postingDate, createdAt   string
		)
		if err := rows.Scan(&l.LoanID, &l.EventID, &l.Account, &debit, &credit, &postingDate,
			&l.Reversal, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan journal line: %w", err)
		}
		dec := &decoder{}
		l.Debit = dec.decimal(debit)
		l.Credit = dec.decimal(credit)
		l.PostingDate = dec.date(postingDate)
		l.CreatedAt = dec.time(createdAt)
		if dec.err != nil {
			return nil, dec.err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// =============================================================================
// COMPANY CONFIG (lending.ConfigSource interface)
// =============================================================================

// SetCompanyConfig stores the accrual configuration of a company.
func (s *queries) SetCompanyConfig(ctx context.Context, companyID string, cfg lending.CompanyConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO company_config (company_id, accrual_frequency, day_count_convention, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(company_id) DO UPDATE SET
			accrual_frequency = excluded.accrual_frequency,
			day_count_convention = excluded.day_count_convention,
			updated_at = excluded.updated_at
	`, companyID, cfg.AccrualFrequency, cfg.DayCountConvention, formatTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("failed to save company config: %w", err)
	}
	return nil
}

// SetDefaultCompanyConfig sets the configuration of companies without a row.
// Call it before the store is shared.
func (s *Store) SetDefaultCompanyConfig(cfg lending.CompanyConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.defaults = cfg
	return nil
}

// GetCompanyConfig falls back to the store defaults for unknown companies.
func (s *queries) GetCompanyConfig(ctx context.Context, companyID string) (lending.CompanyConfig, error) {
	var cfg lending.CompanyConfig
	err := s.q.QueryRowContext(ctx,
		"SELECT accrual_frequency, day_count_convention FROM company_config WHERE company_id = ?",
		companyID,
	).Scan(&cfg.AccrualFrequency, &cfg.DayCountConvention)
	if errors.Is(err, sql.ErrNoRows) {
		return s.defaults, nil
	}
	if err != nil {
		return lending.CompanyConfig{}, fmt.Errorf("failed to load company config: %w", err)
	}
	return cfg, nil
}

// =============================================================================
// ADMIN
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	tables := []string{"journal_lines", "allocation_entries", "demands", "accrual_records",
		"loan_events", "schedule_versions", "loans", "company_config"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to reset %s: %w", table, err)
		}
	}
	return nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullDate(d lending.Date) sql.NullString { return nullString(d.String()) }

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

// decoder parses the text columns of one row and keeps the first failure.
type decoder struct{ err error }

func (d *decoder) fail(kind, value string, err error) {
	if d.err == nil {
		d.err = fmt.Errorf("failed to decode %s %q: %w", kind, value, err)
	}
}

func (d *decoder) date(s string) lending.Date {
	date, err := lending.ParseDate(s)
	if err != nil {
		d.fail("date", s, err)
	}
	return date
}

func (d *decoder) nullDate(s sql.NullString) lending.Date {
	if !s.Valid || s.String == "" {
		return lending.Date{}
	}
	return d.date(s.String)
}

func (d *decoder) time(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		d.fail("timestamp", s, err)
	}
	return t
}

func (d *decoder) decimal(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		d.fail("amount", s, err)
	}
	return v
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
