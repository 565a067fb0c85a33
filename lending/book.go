/*
book.go - In-memory unit of work for one loan

PURPOSE:
  A Book holds everything the engines need about one loan: servicing state,
  schedule arena, accrual records, demands, allocation entries and events.
  Engines mutate the Book; the service flushes the recorded changes to the
  store inside one transaction. Nothing touches the store mid-computation,
  so a failed operation leaves persisted state untouched and a read such as
  CalculateAmounts can run the full pipeline on a scratch Book.

CHANGE TRACKING:
  New records are persisted in their final state. Existing records can only
  change status fields: demands (outstanding/status), accruals (voided),
  entries (reversed), versions (voided), events (cancelled).

PRINCIPAL TIMELINE:
  principalTotal(d)   = disbursed principal + capitalizations effective by d
  principalPaid(d)    = principal allocated by entries valued on/before d
  pendingPrincipal(d) = principalTotal(d) - principalPaid(d)  (accrual base)
  unbilledPrincipal   = principalTotal - principal demanded so far

SEE ALSO:
  - service.go: loads, mutates and flushes books under the loan lock
  - repost.go: rewinds and replays a book
*/
package lending

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// LOAN STATE
// =============================================================================

// Loan is the servicing state of one disbursed loan.
type Loan struct {
	ID               LoanID
	CompanyID        string
	Terms            LoanTerms
	Status           LoanStatus
	ActiveScheduleID ScheduleVersionID

	RepostState RepostState
	DirtyFrom   Date

	// Latest dates reached by batch accrual and demand runs.
	AccrualHorizon Date
	DemandHorizon  Date

	NextSeq   int64
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// BOOK
// =============================================================================

// Book is the working copy of one loan.
type Book struct {
	Loan      *Loan
	Schedules *ScheduleArena
	Accruals  []*AccrualRecord
	Demands   []*Demand
	Entries   []*AllocationEntry
	Events    []*Event
	Config    CompanyConfig

	loadedVersion int64
	changes       changeSet
	now           func() time.Time
}

type changeSet struct {
	newIDs          map[string]bool
	versions        []*ScheduleVersion
	voidedVersions  []*ScheduleVersion
	accruals        []*AccrualRecord
	voidedAccruals  []AccrualID
	demands         []*Demand
	touchedDemands  map[DemandID]*Demand
	entries         []*AllocationEntry
	reversedEntries []AllocationID
	events          []*Event
	cancelledEvents []*Event
}

func newChangeSet() changeSet {
	return changeSet{newIDs: make(map[string]bool), touchedDemands: make(map[DemandID]*Demand)}
}

// NewBook assembles a book from loaded records.
func NewBook(loan *Loan, versions []*ScheduleVersion, accruals []*AccrualRecord, demands []*Demand,
	entries []*AllocationEntry, events []*Event, cfg CompanyConfig) *Book {
	b := &Book{
		Loan:          loan,
		Schedules:     NewScheduleArena(loan.ID, versions, loan.ActiveScheduleID),
		Accruals:      accruals,
		Demands:       demands,
		Entries:       entries,
		Events:        events,
		Config:        cfg,
		loadedVersion: loan.Version,
		changes:       newChangeSet(),
		now:           func() time.Time { return time.Now().UTC() },
	}
	sortEvents(b.Events)
	return b
}

// LoadBook reads every record of a loan from the store.
func LoadBook(ctx context.Context, st Store, loanID LoanID, cfg CompanyConfig) (*Book, error) {
	loan, err := st.LoadLoan(ctx, loanID)
	if err != nil {
		return nil, err
	}
	versions, err := st.LoadScheduleVersions(ctx, loanID)
	if err != nil {
		return nil, fmt.Errorf("failed to load schedules: %w", err)
	}
	accruals, err := st.LoadAccrualRecords(ctx, loanID)
	if err != nil {
		return nil, fmt.Errorf("failed to load accruals: %w", err)
	}
	demands, err := st.LoadDemands(ctx, loanID)
	if err != nil {
		return nil, fmt.Errorf("failed to load demands: %w", err)
	}
	entries, err := st.LoadAllocationEntries(ctx, loanID)
	if err != nil {
		return nil, fmt.Errorf("failed to load allocations: %w", err)
	}
	events, err := st.LoadEvents(ctx, loanID)
	if err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}
	return NewBook(loan, versions, accruals, demands, entries, events, cfg), nil
}

// Flush writes the recorded changes. Call it inside a store transaction.
func (b *Book) Flush(ctx context.Context, st Store) error {
	c := &b.changes
	for _, e := range c.events {
		if err := st.PersistEvent(ctx, *e); err != nil {
			return fmt.Errorf("failed to persist event: %w", err)
		}
	}
	for _, e := range c.cancelledEvents {
		if c.newIDs[string(e.ID)] {
			continue
		}
		if err := st.CancelEvent(ctx, e.ID, e.CancelledAt); err != nil {
			return fmt.Errorf("failed to cancel event: %w", err)
		}
	}
	for _, v := range c.versions {
		if err := st.PersistScheduleVersion(ctx, *v); err != nil {
			return fmt.Errorf("failed to persist schedule version: %w", err)
		}
	}
	for _, v := range c.voidedVersions {
		if c.newIDs[string(v.ID)] {
			continue
		}
		if err := st.VoidScheduleVersion(ctx, v.ID); err != nil {
			return fmt.Errorf("failed to void schedule version: %w", err)
		}
	}

	if len(c.accruals) > 0 {
		records := make([]AccrualRecord, len(c.accruals))
		for i, r := range c.accruals {
			records[i] = *r
		}
		if err := st.PersistAccrualRecords(ctx, records); err != nil {
			return fmt.Errorf("failed to persist accruals: %w", err)
		}
	}
	if voided := b.existingOnly(c.voidedAccruals); len(voided) > 0 {
		ids := make([]AccrualID, len(voided))
		for i, id := range voided {
			ids[i] = AccrualID(id)
		}
		if err := st.VoidAccrualRecords(ctx, ids); err != nil {
			return fmt.Errorf("failed to void accruals: %w", err)
		}
	}

	if len(c.demands) > 0 {
		demands := make([]Demand, len(c.demands))
		for i, d := range c.demands {
			demands[i] = *d
		}
		if err := st.PersistDemands(ctx, demands); err != nil {
			return fmt.Errorf("failed to persist demands: %w", err)
		}
	}
	var touched []Demand
	for id, d := range c.touchedDemands {
		if !c.newIDs[string(id)] {
			touched = append(touched, *d)
		}
	}
	if len(touched) > 0 {
		sort.Slice(touched, func(i, j int) bool { return touched[i].ID < touched[j].ID })
		if err := st.UpdateDemands(ctx, touched); err != nil {
			return fmt.Errorf("failed to update demands: %w", err)
		}
	}

	if len(c.entries) > 0 {
		entries := make([]AllocationEntry, len(c.entries))
		for i, e := range c.entries {
			entries[i] = *e
		}
		if err := st.PersistAllocationEntries(ctx, entries); err != nil {
			return fmt.Errorf("failed to persist allocations: %w", err)
		}
	}
	if reversed := b.existingOnly(c.reversedEntries); len(reversed) > 0 {
		ids := make([]AllocationID, len(reversed))
		for i, id := range reversed {
			ids[i] = AllocationID(id)
		}
		if err := st.ReverseAllocationEntries(ctx, ids); err != nil {
			return fmt.Errorf("failed to reverse allocations: %w", err)
		}
	}

	b.Loan.ActiveScheduleID = b.Schedules.ActiveID
	b.Loan.UpdatedAt = b.now()
	if err := st.SaveLoan(ctx, *b.Loan, b.loadedVersion); err != nil {
		return err
	}
	b.Loan.Version = b.loadedVersion + 1
	b.loadedVersion = b.Loan.Version
	b.changes = newChangeSet()
	return nil
}

func (b *Book) existingOnly(ids any) []string {
	var out []string
	switch v := ids.(type) {
	case []AccrualID:
		for _, id := range v {
			if !b.changes.newIDs[string(id)] {
				out = append(out, string(id))
			}
		}
	case []AllocationID:
		for _, id := range v {
			if !b.changes.newIDs[string(id)] {
				out = append(out, string(id))
			}
		}
	}
	return out
}

// HasChanges reports whether Flush would write records other than the loan.
func (b *Book) HasChanges() bool {
	c := b.changes
	return len(c.events)+len(c.cancelledEvents)+len(c.versions)+len(c.voidedVersions)+
		len(c.accruals)+len(c.voidedAccruals)+len(c.demands)+len(c.touchedDemands)+
		len(c.entries)+len(c.reversedEntries) > 0
}

// =============================================================================
// RECORD CREATION
// =============================================================================

func (b *Book) addVersion(v *ScheduleVersion) {
	v.LoanID = b.Loan.ID
	if v.CreatedAt.IsZero() || !v.CreatedAt.After(b.latestVersionTime()) {
		v.CreatedAt = b.latestVersionTime().Add(time.Microsecond)
	}
	b.Schedules.Append(v)
	b.changes.versions = append(b.changes.versions, v)
	b.changes.newIDs[string(v.ID)] = true
}

// latestVersionTime keeps creation times strictly increasing so that the
// arena order survives a reload.
func (b *Book) latestVersionTime() time.Time {
	latest := time.Time{}
	for _, v := range b.Schedules.Versions {
		if v.CreatedAt.After(latest) {
			latest = v.CreatedAt
		}
	}
	if now := b.now(); now.After(latest) {
		return now
	}
	return latest
}

func (b *Book) addAccrual(kind AccrualKind, period Period, base, amount decimal.Decimal, beyond bool) *AccrualRecord {
	rec := &AccrualRecord{
		ID:             AccrualID(uuid.NewString()),
		LoanID:         b.Loan.ID,
		Kind:           kind,
		Period:         period,
		PrincipalBase:  base,
		Amount:         amount,
		AccrualDate:    period.End,
		BeyondSchedule: beyond,
		CreatedAt:      b.now(),
	}
	b.Accruals = append(b.Accruals, rec)
	b.changes.accruals = append(b.changes.accruals, rec)
	b.changes.newIDs[string(rec.ID)] = true
	return rec
}

func (b *Book) addDemand(d Demand) *Demand {
	d.ID = DemandID(uuid.NewString())
	d.LoanID = b.Loan.ID
	d.Outstanding = d.Amount
	d.Status = DemandPending
	d.CreatedAt = b.now()
	ptr := &d
	b.Demands = append(b.Demands, ptr)
	b.changes.demands = append(b.changes.demands, ptr)
	b.changes.newIDs[string(ptr.ID)] = true
	return ptr
}

func (b *Book) addEvent(e *Event) {
	b.Loan.NextSeq++
	e.Seq = b.Loan.NextSeq
	e.LoanID = b.Loan.ID
	if e.ID == "" {
		e.ID = EventID(uuid.NewString())
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = b.now()
	}
	b.Events = append(b.Events, e)
	sortEvents(b.Events)
	b.changes.events = append(b.changes.events, e)
	b.changes.newIDs[string(e.ID)] = true
}

// allocate applies amount of event e to demand d.
func (b *Book) allocate(e *Event, d *Demand, amount decimal.Decimal, kind AllocationKind) (*AllocationEntry, error) {
	if err := d.apply(amount); err != nil {
		return nil, err
	}
	entry := &AllocationEntry{
		ID:        AllocationID(uuid.NewString()),
		LoanID:    b.Loan.ID,
		EventID:   e.ID,
		DemandID:  d.ID,
		Component: d.Component,
		Kind:      kind,
		Amount:    amount,
		ValueDate: e.ValueDate,
		CreatedAt: b.now(),
	}
	b.Entries = append(b.Entries, entry)
	b.changes.entries = append(b.changes.entries, entry)
	b.changes.newIDs[string(entry.ID)] = true
	b.touch(d)
	return entry, nil
}

func (b *Book) touch(d *Demand) { b.changes.touchedDemands[d.ID] = d }

// =============================================================================
// INVALIDATION
// =============================================================================

func (b *Book) reverseEntry(entry *AllocationEntry) error {
	d := b.demand(entry.DemandID)
	if d == nil {
		return newConsistencyError(b.Loan.ID, "allocation references a missing demand", entry)
	}
	if err := d.restore(entry.Amount); err != nil {
		return err
	}
	entry.Reversed = true
	b.changes.reversedEntries = append(b.changes.reversedEntries, entry.ID)
	b.touch(d)
	return nil
}

func (b *Book) cancelDemand(d *Demand) error {
	if !d.Outstanding.Equal(d.Amount) {
		return newConsistencyError(b.Loan.ID, "cannot cancel a demand with live allocations", d)
	}
	d.Status = DemandCancelled
	b.touch(d)
	return nil
}

func (b *Book) voidAccrual(rec *AccrualRecord) {
	rec.Voided = true
	b.changes.voidedAccruals = append(b.changes.voidedAccruals, rec.ID)
}

func (b *Book) cancelEvent(e *Event) {
	e.Cancelled = true
	e.CancelledAt = b.now()
	b.changes.cancelledEvents = append(b.changes.cancelledEvents, e)
}

// =============================================================================
// LOOKUPS
// =============================================================================

func (b *Book) demand(id DemandID) *Demand {
	for _, d := range b.Demands {
		if d.ID == id {
			return d
		}
	}
	return nil
}

func (b *Book) event(id EventID) *Event {
	for _, e := range b.Events {
		if e.ID == id {
			return e
		}
	}
	return nil
}

// liveDemandKeys indexes non-cancelled demands by key.
func (b *Book) liveDemandKeys() map[string]*Demand {
	keys := make(map[string]*Demand, len(b.Demands))
	for _, d := range b.Demands {
		if d.Status != DemandCancelled {
			keys[d.Key] = d
		}
	}
	return keys
}

func (b *Book) liveEntries() []*AllocationEntry {
	var live []*AllocationEntry
	for _, e := range b.Entries {
		if !e.Reversed {
			live = append(live, e)
		}
	}
	return live
}

func (b *Book) entriesFor(eventID EventID) []*AllocationEntry {
	var out []*AllocationEntry
	for _, e := range b.Entries {
		if e.EventID == eventID && !e.Reversed {
			out = append(out, e)
		}
	}
	return out
}

// liveEvents returns non-cancelled events in replay order.
func (b *Book) liveEvents() []*Event {
	var live []*Event
	for _, e := range b.Events {
		if !e.Cancelled {
			live = append(live, e)
		}
	}
	return live
}

func (b *Book) lastEventDate() Date {
	last := Date{}
	for _, e := range b.liveEvents() {
		last = MaxDate(last, e.ValueDate)
	}
	return last
}

// accrualCheckpoint is where the next accrual of kind starts.
func (b *Book) accrualCheckpoint(kind AccrualKind) Date {
	checkpoint := b.Loan.Terms.DisbursementDate
	for _, r := range b.Accruals {
		if !r.Voided && r.Kind == kind && r.Period.End.After(checkpoint) {
			checkpoint = r.Period.End
		}
	}
	return checkpoint
}

// processedThrough is the latest date whose derived records already exist.
func (b *Book) processedThrough() Date {
	d := MaxDate(b.Loan.AccrualHorizon, b.Loan.DemandHorizon)
	d = MaxDate(d, b.accrualCheckpoint(AccrualInterest))
	return MaxDate(d, b.accrualCheckpoint(AccrualPenalty))
}

// IsBackdated reports whether an event on d must be applied through a repost.
func (b *Book) IsBackdated(d Date) bool {
	if d.Before(b.processedThrough()) {
		return true
	}
	last := b.lastEventDate()
	return !last.IsZero() && !d.After(last)
}

// =============================================================================
// PRINCIPAL TIMELINE
// =============================================================================

func (b *Book) principalTotal(at Date) decimal.Decimal {
	total := b.Loan.Terms.Principal
	for _, c := range b.Schedules.Capitalizations() {
		if !c.Date.After(at) {
			total = total.Add(c.Amount)
		}
	}
	return total
}

func (b *Book) finalPrincipal() decimal.Decimal {
	total := b.Loan.Terms.Principal
	for _, c := range b.Schedules.Capitalizations() {
		total = total.Add(c.Amount)
	}
	return total
}

func (b *Book) principalPaid(at Date) decimal.Decimal {
	paid := decimal.Zero
	for _, e := range b.liveEntries() {
		if e.Component == ComponentPrincipal && !e.ValueDate.After(at) {
			paid = paid.Add(e.Amount)
		}
	}
	return paid
}

func (b *Book) pendingPrincipal(at Date) decimal.Decimal {
	return b.principalTotal(at).Sub(b.principalPaid(at))
}

func (b *Book) billedPrincipal() decimal.Decimal {
	billed := decimal.Zero
	for _, d := range b.Demands {
		if d.Status != DemandCancelled && d.Component == ComponentPrincipal {
			billed = billed.Add(d.Amount)
		}
	}
	return billed
}

func (b *Book) unbilledPrincipal(at Date) decimal.Decimal {
	return b.principalTotal(at).Sub(b.billedPrincipal())
}

// availableDeposit is the withheld security deposit not yet consumed.
func (b *Book) availableDeposit() decimal.Decimal {
	used := decimal.Zero
	for _, e := range b.liveEntries() {
		if e.Kind == AllocationDeposit {
			used = used.Add(e.Amount)
		}
	}
	return b.Loan.Terms.SecurityDeposit.Sub(used)
}

// =============================================================================
// STATUS AND INVARIANTS
// =============================================================================

// refreshStatus closes a loan once everything is billed and settled, and
// reopens it when a repost restores outstanding amounts.
func (b *Book) refreshStatus() {
	closed := b.finalPrincipal().Sub(b.billedPrincipal()).IsZero()
	for _, d := range b.Demands {
		if d.Status != DemandCancelled && d.Outstanding.IsPositive() {
			closed = false
			break
		}
	}
	if closed {
		b.Loan.Status = LoanClosed
	} else {
		b.Loan.Status = LoanActive
	}
}

// Verify checks allocation conservation for every demand.
func (b *Book) Verify() error {
	applied := make(map[DemandID]decimal.Decimal)
	for _, e := range b.liveEntries() {
		if !e.Amount.IsPositive() {
			return newConsistencyError(b.Loan.ID, "allocation amount must be positive", e)
		}
		applied[e.DemandID] = applied[e.DemandID].Add(e.Amount)
	}
	for _, d := range b.Demands {
		sum := applied[d.ID]
		if d.Status == DemandCancelled {
			if !sum.IsZero() {
				return newConsistencyError(b.Loan.ID, "cancelled demand still has allocations", d)
			}
			continue
		}
		if d.Outstanding.IsNegative() || sum.GreaterThan(d.Amount) {
			return newConsistencyError(b.Loan.ID, "demand over-allocated", d)
		}
		if !d.Outstanding.Equal(d.Amount.Sub(sum)) {
			return newConsistencyError(b.Loan.ID,
				fmt.Sprintf("outstanding %s does not equal amount %s minus applied %s", d.Outstanding, d.Amount, sum), d)
		}
	}
	seen := make(map[string]bool)
	for _, d := range b.Demands {
		if d.Status == DemandCancelled {
			continue
		}
		if seen[d.Key] {
			return newConsistencyError(b.Loan.ID, "duplicate demand key "+d.Key, d)
		}
		seen[d.Key] = true
	}
	return nil
}

// Clone returns an independent copy for scratch computations.
func (b *Book) Clone() *Book {
	loan := *b.Loan
	versions := make([]*ScheduleVersion, len(b.Schedules.Versions))
	for i, v := range b.Schedules.Versions {
		cp := *v
		cp.Rows = append([]InstallmentRow(nil), v.Rows...)
		cp.Capitalizations = append([]Capitalization(nil), v.Capitalizations...)
		versions[i] = &cp
	}
	accruals := make([]*AccrualRecord, len(b.Accruals))
	for i, r := range b.Accruals {
		cp := *r
		accruals[i] = &cp
	}
	demands := make([]*Demand, len(b.Demands))
	for i, d := range b.Demands {
		cp := *d
		demands[i] = &cp
	}
	entries := make([]*AllocationEntry, len(b.Entries))
	for i, e := range b.Entries {
		cp := *e
		entries[i] = &cp
	}
	events := make([]*Event, len(b.Events))
	for i, e := range b.Events {
		cp := *e
		events[i] = &cp
	}
	clone := NewBook(&loan, versions, accruals, demands, entries, events, b.Config)
	clone.Schedules.ActiveID = b.Schedules.ActiveID
	clone.loadedVersion = b.loadedVersion
	clone.now = b.now
	return clone
}
