/*
service.go - Servicing API surface

PURPOSE:
  Entry point for every loan operation. Each mutation:
  1. Takes the per-loan lock
  2. Loads the loan's Book inside a store transaction
  3. Runs the engines on the Book (catch-up, apply, repost when backdated)
  4. Verifies allocation conservation
  5. Flushes all changes and the loan version in the same transaction
  6. Posts ledger entries (after commit, or inside it when strict)

ATOMICITY:
  A submission is all-or-nothing: the event and any repost it needs commit
  together, or nothing is persisted and the error is returned. Cancellation
  commits in two steps (reverse + mark dirty, then repost) so a failing
  repost leaves the loan observably dirty.

CONCURRENCY:
  Mutations on one loan are serialized by the lock table; the optimistic
  loan version catches writers in other processes. Different loans run in
  parallel, which RunBatch uses for nightly accrual and billing.
*/
package lending

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Service exposes the servicing operations.
type Service struct {
	store   TxStore
	configs ConfigSource
	ledger  LedgerPoster
	logger  *slog.Logger
	locks   *lockTable

	strictLedger bool
	workers      int
	now          func() time.Time
}

type Option func(*Service)

// WithLedger posts allocation results to p.
func WithLedger(p LedgerPoster) Option { return func(s *Service) { s.ledger = p } }

// WithStrictLedgerPosting posts inside the loan transaction.
func WithStrictLedgerPosting() Option { return func(s *Service) { s.strictLedger = true } }

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithWorkers bounds RunBatch parallelism.
func WithWorkers(n int) Option { return func(s *Service) { s.workers = n } }

// WithClock overrides the wall clock used for record timestamps.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func NewService(store TxStore, configs ConfigSource, opts ...Option) *Service {
	s := &Service{
		store:   store,
		configs: configs,
		ledger:  NopLedger{},
		logger:  slog.Default(),
		locks:   newLockTable(),
		workers: 4,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.configs == nil {
		s.configs = StaticConfig{Config: DefaultCompanyConfig()}
	}
	return s
}

// =============================================================================
// UNIT OF WORK
// =============================================================================

// mutation is the outcome of one locked, transactional change.
type mutation struct {
	book    *Book
	results []AllocationResult
}

// companyConfig resolves the configuration of the loan's company. It runs
// outside store transactions.
func (s *Service) companyConfig(ctx context.Context, loanID LoanID) (CompanyConfig, error) {
	loan, err := s.store.LoadLoan(ctx, loanID)
	if err != nil {
		return CompanyConfig{}, err
	}
	cfg, err := s.configs.GetCompanyConfig(ctx, loan.CompanyID)
	if err != nil {
		return CompanyConfig{}, fmt.Errorf("failed to load company config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return CompanyConfig{}, err
	}
	return cfg, nil
}

func (s *Service) load(ctx context.Context, st Store, loanID LoanID, cfg CompanyConfig) (*Book, error) {
	b, err := LoadBook(ctx, st, loanID, cfg)
	if err != nil {
		return nil, err
	}
	b.now = s.now
	return b, nil
}

// mutate runs fn on the loan's book under the loan lock and commits the
// book's changes atomically. fn returns the ledger results to post.
func (s *Service) mutate(ctx context.Context, loanID LoanID, fn func(b *Book) ([]AllocationResult, error)) (*mutation, error) {
	unlock, err := s.locks.Lock(ctx, loanID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	cfg, err := s.companyConfig(ctx, loanID)
	if err != nil {
		return nil, err
	}
	m := &mutation{}
	err = s.store.WithTx(ctx, func(st Store) error {
		b, err := s.load(ctx, st, loanID, cfg)
		if err != nil {
			return err
		}
		results, err := fn(b)
		if err != nil {
			return err
		}
		if err := b.Verify(); err != nil {
			return err
		}
		if s.strictLedger {
			txCtx := ContextWithStore(ctx, st)
			for _, r := range results {
				if err := s.ledger.PostLedgerEntries(txCtx, r); err != nil {
					return fmt.Errorf("ledger posting failed: %w", err)
				}
			}
		}
		if err := b.Flush(ctx, st); err != nil {
			return err
		}
		m.book, m.results = b, results
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !s.strictLedger {
		s.post(ctx, m.results)
	}
	return m, nil
}

func (s *Service) post(ctx context.Context, results []AllocationResult) {
	for _, r := range results {
		if err := s.ledger.PostLedgerEntries(ctx, r); err != nil {
			s.logger.Error("ledger posting failed",
				slog.String("loan_id", string(r.LoanID)),
				slog.String("event_id", string(r.EventID)),
				slog.Any("error", err))
		}
	}
}

// repostBook rebuilds a dirty book and returns the ledger adjustments:
// reversals of the previous results of every replayed event followed by
// their new results.
func (s *Service) repostBook(ctx context.Context, b *Book) ([]AllocationResult, error) {
	if b.Loan.RepostState == RepostClean {
		return nil, nil
	}
	from := b.Loan.DirtyFrom
	var before []AllocationResult
	for _, e := range b.liveEvents() {
		// Events added in this unit of work were never posted.
		if !e.ValueDate.Before(from) && !b.changes.newIDs[string(e.ID)] {
			before = append(before, b.resultFor(e).Reversed())
		}
	}
	started := time.Now()
	if err := b.Repost(ctx); err != nil {
		return nil, err
	}
	results := before
	for _, e := range b.liveEvents() {
		if !e.ValueDate.Before(from) {
			r := b.resultFor(e)
			r.Reposted = true
			results = append(results, *r)
		}
	}
	s.logger.Info("loan reposted",
		slog.String("loan_id", string(b.Loan.ID)),
		slog.String("from", from.String()),
		slog.Duration("took", time.Since(started)))
	return results, nil
}

// =============================================================================
// DISBURSEMENT AND SCHEDULES
// =============================================================================

// DisburseOptions tune loan creation.
type DisburseOptions struct {
	// LoanID is generated when empty.
	LoanID LoanID
}

// Disburse validates the terms, builds the first schedule version and
// creates the loan.
func (s *Service) Disburse(ctx context.Context, terms LoanTerms, opts DisburseOptions) (*Loan, error) {
	if opts.LoanID != "" {
		terms.LoanID = opts.LoanID
	}
	if terms.LoanID == "" {
		terms.LoanID = LoanID(uuid.NewString())
	}
	if terms.PeriodUnit == "" {
		terms.PeriodUnit = PeriodMonthly
	}
	v, err := BuildSchedule(terms)
	if err != nil {
		return nil, err
	}
	v.Number = 1

	unlock, err := s.locks.Lock(ctx, terms.LoanID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := s.now()
	loan := Loan{
		ID:               terms.LoanID,
		CompanyID:        terms.CompanyID,
		Terms:            terms,
		Status:           LoanActive,
		ActiveScheduleID: v.ID,
		RepostState:      RepostClean,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	v.CreatedAt = now
	err = s.store.WithTx(ctx, func(st Store) error {
		if err := st.CreateLoan(ctx, loan); err != nil {
			return err
		}
		return st.PersistScheduleVersion(ctx, *v)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("loan disbursed",
		slog.String("loan_id", string(loan.ID)),
		slog.String("principal", terms.Principal.String()),
		slog.Int("installments", len(v.Rows)))
	return &loan, nil
}

// BuildSchedule computes a schedule without persisting anything.
func (s *Service) BuildSchedule(terms LoanTerms) (*ScheduleVersion, error) {
	return BuildSchedule(terms)
}

// Restructure waives and capitalizes outstanding dues as of asOf and
// re-amortizes the balance in a new schedule version.
func (s *Service) Restructure(ctx context.Context, loanID LoanID, asOf Date, opts RestructureOptions) (*ScheduleVersion, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	var created ScheduleVersionID
	m, err := s.mutate(ctx, loanID, func(b *Book) ([]AllocationResult, error) {
		if b.Loan.Status == LoanClosed {
			return nil, ErrLoanClosed
		}
		o := opts
		e := &Event{Type: EventRestructure, ValueDate: asOf, PostingDate: asOf, Amount: o.totalWaived(), Restructure: &o}
		results, _, err := s.submit(ctx, b, e)
		if err != nil {
			return nil, err
		}
		created = b.resultFor(e).ScheduleVersionID
		return results, nil
	})
	if err != nil {
		return nil, err
	}
	for _, v := range m.book.Schedules.Versions {
		if v.ID == created {
			return v, nil
		}
	}
	return nil, newConsistencyError(loanID, "restructure created no schedule version", m.book.Schedules)
}

// =============================================================================
// ACCRUAL AND BILLING
// =============================================================================

// AccrueInterest accrues interest up to asOf and moves the accrual horizon.
func (s *Service) AccrueInterest(ctx context.Context, loanID LoanID, asOf Date) ([]AccrualRecord, error) {
	var created []AccrualRecord
	_, err := s.mutate(ctx, loanID, func(b *Book) ([]AllocationResult, error) {
		results, err := s.repostBook(ctx, b)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrRepostFailed, err)
		}
		if b.Loan.Status == LoanClosed {
			return results, nil
		}
		for _, r := range (AccrualEngine{}).Accrue(b, asOf) {
			created = append(created, *r)
		}
		b.Loan.AccrualHorizon = MaxDate(b.Loan.AccrualHorizon, asOf)
		return results, nil
	})
	return created, err
}

// GenerateDemands bills everything due up to postingDate.
func (s *Service) GenerateDemands(ctx context.Context, loanID LoanID, postingDate Date) ([]Demand, error) {
	var created []Demand
	_, err := s.mutate(ctx, loanID, func(b *Book) ([]AllocationResult, error) {
		results, err := s.repostBook(ctx, b)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrRepostFailed, err)
		}
		for _, d := range (DemandGenerator{}).Generate(b, postingDate) {
			created = append(created, *d)
		}
		b.Loan.DemandHorizon = MaxDate(b.Loan.DemandHorizon, postingDate)
		b.refreshStatus()
		return results, nil
	})
	return created, err
}

// CalculateAmounts quotes what the loan owes on asOf. Nothing is persisted:
// the pipeline runs on a scratch copy of the book.
func (s *Service) CalculateAmounts(ctx context.Context, loanID LoanID, asOf Date) (*Amounts, error) {
	unlock, err := s.locks.Lock(ctx, loanID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	b, err := s.Book(ctx, loanID)
	if err != nil {
		return nil, err
	}
	return b.Quote(ctx, asOf)
}

// Quote runs the pipeline up to asOf on a copy of the book.
func (b *Book) Quote(ctx context.Context, asOf Date) (*Amounts, error) {
	scratch := b.Clone()
	if err := scratch.Repost(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRepostFailed, err)
	}
	if asOf.Before(scratch.processedThrough()) || asOf.Before(scratch.lastEventDate()) {
		until := asOf
		if err := scratch.rebuild(asOf.AddDays(1), &until); err != nil {
			return nil, err
		}
	}
	scratch.catchUp(asOf)
	return scratch.amounts(asOf), nil
}

// =============================================================================
// REPAYMENTS
// =============================================================================

// SubmitRepayment records a repayment event and allocates it. A backdated
// event is applied through a repost in the same transaction.
func (s *Service) SubmitRepayment(ctx context.Context, req RepaymentRequest) (*AllocationResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if req.PostingDate.IsZero() {
		req.PostingDate = req.ValueDate
	}
	var result *AllocationResult
	_, err := s.mutate(ctx, req.LoanID, func(b *Book) ([]AllocationResult, error) {
		if b.Loan.Status == LoanClosed && !b.IsBackdated(req.ValueDate) {
			return nil, ErrLoanClosed
		}
		if req.ValueDate.Before(b.Loan.Terms.DisbursementDate) {
			return nil, &ValidationError{Field: "value_date", Message: "is before the disbursement date"}
		}
		if req.Type == EventSecurityDepositAdjustment {
			if available := b.availableDeposit(); req.Amount.GreaterThan(available) {
				return nil, &ValidationError{Field: "amount",
					Message: fmt.Sprintf("exceeds the available security deposit %s", available)}
			}
		}
		e := &Event{
			Type:            req.Type,
			ValueDate:       req.ValueDate,
			PostingDate:     req.PostingDate,
			Amount:          req.Amount,
			WaiverComponent: req.WaiverComponent,
		}
		results, reposted, err := s.submit(ctx, b, e)
		if err != nil {
			return nil, err
		}
		result = b.resultFor(e)
		result.Reposted = reposted
		return results, nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("repayment applied",
		slog.String("loan_id", string(req.LoanID)),
		slog.String("event_id", string(result.EventID)),
		slog.String("type", string(req.Type)),
		slog.String("amount", req.Amount.String()),
		slog.String("excess", result.Excess.String()),
		slog.Bool("reposted", result.Reposted))
	return result, nil
}

// submit adds e to the book and applies it, reposting when e is backdated
// or the loan is already dirty. It reports whether a repost ran.
func (s *Service) submit(ctx context.Context, b *Book, e *Event) ([]AllocationResult, bool, error) {
	backdated := b.IsBackdated(e.ValueDate)
	b.addEvent(e)
	if backdated || b.Loan.RepostState != RepostClean {
		if err := NewRepostMachine(b.Loan).MarkDirty(ctx, e.ValueDate); err != nil {
			return nil, false, err
		}
		results, err := s.repostBook(ctx, b)
		if err != nil {
			return nil, false, fmt.Errorf("%w: %w", ErrRepostFailed, err)
		}
		return results, true, nil
	}
	b.catchUp(e.ValueDate)
	if err := b.applyEvent(e); err != nil {
		return nil, false, err
	}
	return []AllocationResult{*b.resultFor(e)}, false, nil
}

// CancelRepayment cancels an event and reposts the loan from its value
// date. When the repost fails the cancellation stays committed, the loan is
// left dirty and ErrRepostFailed is returned; Repost retries it.
func (s *Service) CancelRepayment(ctx context.Context, eventID EventID) error {
	stored, err := s.store.LoadEvent(ctx, eventID)
	if err != nil {
		return err
	}
	loanID := stored.LoanID

	_, err = s.mutate(ctx, loanID, func(b *Book) ([]AllocationResult, error) {
		e := b.event(eventID)
		if e == nil {
			return nil, &NotFoundError{Kind: "event", ID: string(eventID)}
		}
		if e.Cancelled {
			return nil, &ValidationError{Field: "event_id", Message: "event is already cancelled"}
		}
		before := b.resultFor(e).Reversed()
		for _, entry := range b.entriesFor(e.ID) {
			if err := b.reverseEntry(entry); err != nil {
				return nil, err
			}
		}
		b.cancelEvent(e)
		if err := NewRepostMachine(b.Loan).MarkDirty(ctx, e.ValueDate); err != nil {
			return nil, err
		}
		return []AllocationResult{before}, nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("event cancelled", slog.String("loan_id", string(loanID)), slog.String("event_id", string(eventID)))
	return s.Repost(ctx, loanID)
}

// logFailure logs err with the record dump of any consistency violation.
func logFailure(l *slog.Logger, msg string, loanID LoanID, err error) {
	args := []any{slog.String("loan_id", string(loanID)), slog.Any("error", err)}
	if detail := ConsistencyDetail(err); detail != "" {
		args = append(args, slog.String("detail", detail))
	}
	l.Error(msg, args...)
}

// Repost rebuilds a dirty loan. It is a no-op for a clean loan.
func (s *Service) Repost(ctx context.Context, loanID LoanID) error {
	_, err := s.mutate(ctx, loanID, func(b *Book) ([]AllocationResult, error) {
		return s.repostBook(ctx, b)
	})
	if err != nil && !IsNotFound(err) && !errors.Is(err, ErrConcurrentModification) {
		logFailure(s.logger, "repost failed", loanID, err)
		return fmt.Errorf("%w: %w", ErrRepostFailed, err)
	}
	return err
}

// AddCharge bills a fee on date.
func (s *Service) AddCharge(ctx context.Context, loanID LoanID, date Date, amount decimal.Decimal, description string) (*Demand, error) {
	if !amount.IsPositive() {
		return nil, &ValidationError{Field: "amount", Message: "must be positive"}
	}
	var key string
	m, err := s.mutate(ctx, loanID, func(b *Book) ([]AllocationResult, error) {
		if date.Before(b.Loan.Terms.DisbursementDate) {
			return nil, &ValidationError{Field: "date", Message: "is before the disbursement date"}
		}
		e := &Event{Type: EventCharge, ValueDate: date, PostingDate: date, Amount: amount, Description: description}
		results, _, err := s.submit(ctx, b, e)
		if err != nil {
			return nil, err
		}
		key = "charge:" + string(e.ID)
		return results, nil
	})
	if err != nil {
		return nil, err
	}
	if d, ok := m.book.liveDemandKeys()[key]; ok {
		cp := *d
		return &cp, nil
	}
	return nil, newConsistencyError(loanID, "charge created no demand", key)
}

// =============================================================================
// BATCH
// =============================================================================

// BatchReport summarizes a RunBatch call.
type BatchReport struct {
	AsOf      Date
	Processed int
	Skipped   int
	Accrued   int
	Billed    int
	Failures  map[LoanID]error
}

// RunBatch accrues and bills every active loan up to asOf, loans in
// parallel. A failing loan is reported and does not stop the others.
func (s *Service) RunBatch(ctx context.Context, asOf Date) (*BatchReport, error) {
	ids, err := s.store.ListLoans(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list loans: %w", err)
	}
	report := &BatchReport{AsOf: asOf, Failures: make(map[LoanID]error)}
	type outcome struct {
		id      LoanID
		skipped bool
		accrued int
		billed  int
		err     error
	}
	outcomes := make([]outcome, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(s.workers, 1))
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			o := outcome{id: id}
			loan, err := s.store.LoadLoan(gctx, id)
			if err != nil {
				o.err = err
			} else if loan.Status == LoanClosed {
				o.skipped = true
			} else {
				accrued, err := s.AccrueInterest(gctx, id, asOf)
				o.accrued, o.err = len(accrued), err
				if err == nil {
					billed, err := s.GenerateDemands(gctx, id, asOf)
					o.billed, o.err = len(billed), err
				}
			}
			outcomes[i] = o
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, o := range outcomes {
		switch {
		case o.err != nil:
			report.Failures[o.id] = o.err
			logFailure(s.logger, "batch failed for loan", o.id, o.err)
		case o.skipped:
			report.Skipped++
		default:
			report.Processed++
			report.Accrued += o.accrued
			report.Billed += o.billed
		}
	}
	s.logger.Info("batch completed",
		slog.String("as_of", asOf.String()),
		slog.Int("processed", report.Processed),
		slog.Int("skipped", report.Skipped),
		slog.Int("failed", len(report.Failures)))
	return report, nil
}

// =============================================================================
// READS
// =============================================================================

// Loan returns the servicing state of a loan.
func (s *Service) Loan(ctx context.Context, loanID LoanID) (*Loan, error) {
	return s.store.LoadLoan(ctx, loanID)
}

// LoanIDs lists every loan.
func (s *Service) LoanIDs(ctx context.Context) ([]LoanID, error) {
	return s.store.ListLoans(ctx)
}

// Book loads every record of a loan for read-only use.
func (s *Service) Book(ctx context.Context, loanID LoanID) (*Book, error) {
	cfg, err := s.companyConfig(ctx, loanID)
	if err != nil {
		return nil, err
	}
	return s.load(ctx, s.store, loanID, cfg)
}

// ScheduleView is the active schedule with row paid flags derived from
// settled demands.
type ScheduleView struct {
	Active   *ScheduleVersion
	Versions []*ScheduleVersion
	Statuses map[ScheduleVersionID]VersionStatus
}

func (s *Service) Schedule(ctx context.Context, loanID LoanID) (*ScheduleView, error) {
	b, err := s.Book(ctx, loanID)
	if err != nil {
		return nil, err
	}
	view := &ScheduleView{Versions: b.Schedules.Versions, Statuses: make(map[ScheduleVersionID]VersionStatus)}
	for _, v := range b.Schedules.Versions {
		view.Statuses[v.ID] = b.Schedules.Status(v)
	}
	if active := b.Schedules.Active(); active != nil {
		cp := *active
		cp.Rows = append([]InstallmentRow(nil), active.Rows...)
		keys := b.liveDemandKeys()
		for i := range cp.Rows {
			er := EffectiveRow{Version: &cp, Row: cp.Rows[i]}
			paid := true
			for _, c := range []Component{ComponentInterest, ComponentPrincipal} {
				amount := er.Row.Principal
				if c == ComponentInterest {
					amount = er.Row.Interest
				}
				if !amount.IsPositive() {
					continue
				}
				d, ok := keys[er.DemandKey(c)]
				if !ok || d.Outstanding.IsPositive() {
					paid = false
				}
			}
			cp.Rows[i].Paid = paid
		}
		view.Active = &cp
	}
	return view, nil
}

// Demands lists a loan's demands in waterfall order.
func (s *Service) Demands(ctx context.Context, loanID LoanID, includeCancelled bool) ([]Demand, error) {
	b, err := s.Book(ctx, loanID)
	if err != nil {
		return nil, err
	}
	var list []*Demand
	for _, d := range b.Demands {
		if includeCancelled || d.Status != DemandCancelled {
			list = append(list, d)
		}
	}
	SortWaterfall(list)
	out := make([]Demand, len(list))
	for i, d := range list {
		out[i] = *d
	}
	return out, nil
}

// Events lists a loan's events in replay order, cancelled ones included.
func (s *Service) Events(ctx context.Context, loanID LoanID) ([]Event, error) {
	b, err := s.Book(ctx, loanID)
	if err != nil {
		return nil, err
	}
	out := make([]Event, len(b.Events))
	for i, e := range b.Events {
		out[i] = *e
	}
	return out, nil
}

// Accruals lists non-voided accrual records by period.
func (s *Service) Accruals(ctx context.Context, loanID LoanID) ([]AccrualRecord, error) {
	b, err := s.Book(ctx, loanID)
	if err != nil {
		return nil, err
	}
	var out []AccrualRecord
	for _, r := range b.Accruals {
		if !r.Voided {
			out = append(out, *r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Period.Start.Equal(out[j].Period.Start) {
			return out[i].Period.Start.Before(out[j].Period.Start)
		}
		return out[i].Kind < out[j].Kind
	})
	return out, nil
}

// Allocation returns the current allocation result of an event.
func (s *Service) Allocation(ctx context.Context, eventID EventID) (*AllocationResult, error) {
	stored, err := s.store.LoadEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	b, err := s.Book(ctx, stored.LoanID)
	if err != nil {
		return nil, err
	}
	e := b.event(eventID)
	if e == nil {
		return nil, &NotFoundError{Kind: "event", ID: string(eventID)}
	}
	return b.resultFor(e), nil
}
