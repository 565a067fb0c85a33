/*
journal.go - Ledger posting of allocation results

PURPOSE:
  Turns allocation results into balanced double-entry journal lines. The
  servicing records stay the source of truth; the journal is a derived feed
  for accounting.

POSTING MODES:
  Best effort (default): posted after the loan transaction commits. A
  failure is logged and does not undo the repayment.
  Strict: posted inside the loan transaction, so a failure rolls it back.

CORRECTIONS:
  A cancelled event posts the same lines with debit and credit swapped.
  Lines are appended only, never edited.
*/
package lending

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// LedgerPoster receives every allocation result that changed the books.
type LedgerPoster interface {
	PostLedgerEntries(ctx context.Context, result AllocationResult) error
}

// NopLedger discards results.
type NopLedger struct{}

func (NopLedger) PostLedgerEntries(context.Context, AllocationResult) error { return nil }

// =============================================================================
// JOURNAL
// =============================================================================

const (
	AccountCash                = "cash"
	AccountSecurityDeposit     = "security_deposit"
	AccountWaiverExpense       = "waiver_expense"
	AccountLoanPrincipal       = "loan_principal"
	AccountInterestReceivable  = "interest_receivable"
	AccountPenaltyReceivable   = "penalty_receivable"
	AccountChargesReceivable   = "charges_receivable"
	AccountCustomerOverpayment = "customer_overpayment"
	AccountFeeIncome           = "fee_income"
)

// JournalLine is one side of a balanced posting.
type JournalLine struct {
	LoanID      LoanID
	EventID     EventID
	Account     string
	Debit       decimal.Decimal
	Credit      decimal.Decimal
	PostingDate Date
	Reversal    bool
	CreatedAt   time.Time
}

// Journal stores journal lines. Append-only.
type Journal interface {
	AppendJournal(ctx context.Context, lines []JournalLine) error
	LoadJournal(ctx context.Context, loanID LoanID) ([]JournalLine, error)
}

// JournalPoster is the LedgerPoster backed by a Journal.
type JournalPoster struct {
	Journal Journal
	Now     func() time.Time
}

func NewJournalPoster(j Journal) *JournalPoster {
	return &JournalPoster{Journal: j, Now: func() time.Time { return time.Now().UTC() }}
}

// PostLedgerEntries appends to the transaction's store when ctx carries one
// that is also a Journal, so strict posting commits with the loan.
func (p *JournalPoster) PostLedgerEntries(ctx context.Context, result AllocationResult) error {
	lines, err := JournalLines(result, p.Now())
	if err != nil {
		return err
	}
	if len(lines) == 0 {
		return nil
	}
	journal := p.Journal
	if st, ok := StoreFromContext(ctx); ok {
		if j, ok := st.(Journal); ok {
			journal = j
		}
	}
	return journal.AppendJournal(ctx, lines)
}

// JournalLines builds the balanced lines for result.
func JournalLines(result AllocationResult, now time.Time) ([]JournalLine, error) {
	postingDate := result.PostingDate
	if postingDate.IsZero() {
		postingDate = result.ValueDate
	}
	line := func(account string, debit, credit decimal.Decimal) JournalLine {
		if result.Reversal {
			debit, credit = credit, debit
		}
		return JournalLine{
			LoanID:      result.LoanID,
			EventID:     result.EventID,
			Account:     account,
			Debit:       debit,
			Credit:      credit,
			PostingDate: postingDate,
			Reversal:    result.Reversal,
			CreatedAt:   now,
		}
	}

	var lines []JournalLine
	credits := []struct {
		account string
		amount  decimal.Decimal
	}{
		{AccountPenaltyReceivable, result.PenaltyPaid},
		{AccountChargesReceivable, result.ChargesPaid},
		{AccountInterestReceivable, result.InterestPaid},
		{AccountLoanPrincipal, result.PrincipalPaid},
	}

	switch result.Type {
	case EventCharge:
		if result.Amount.IsPositive() {
			lines = append(lines,
				line(AccountChargesReceivable, result.Amount, decimal.Zero),
				line(AccountFeeIncome, decimal.Zero, result.Amount))
		}
		return lines, nil
	case EventRestructure:
		if result.Capitalized.IsPositive() {
			lines = append(lines, line(AccountLoanPrincipal, result.Capitalized, decimal.Zero))
			for _, e := range result.Entries {
				if e.Kind == AllocationCapitalization {
					lines = append(lines, line(receivableAccount(e.Component), decimal.Zero, e.Amount))
				}
			}
		}
		if waived := result.Applied(); waived.IsPositive() {
			lines = append(lines, line(AccountWaiverExpense, waived, decimal.Zero))
			for _, c := range credits {
				if c.amount.IsPositive() {
					lines = append(lines, line(c.account, decimal.Zero, c.amount))
				}
			}
		}
		return lines, checkBalanced(result, lines)
	}

	debitAccount := AccountCash
	debit := result.Applied().Add(result.Excess)
	switch result.Type {
	case EventSecurityDepositAdjustment:
		debitAccount = AccountSecurityDeposit
	case EventWaiver:
		debitAccount = AccountWaiverExpense
	}
	if !debit.IsPositive() {
		return nil, nil
	}
	lines = append(lines, line(debitAccount, debit, decimal.Zero))
	for _, c := range credits {
		if c.amount.IsPositive() {
			lines = append(lines, line(c.account, decimal.Zero, c.amount))
		}
	}
	if result.Excess.IsPositive() {
		lines = append(lines, line(AccountCustomerOverpayment, decimal.Zero, result.Excess))
	}
	return lines, checkBalanced(result, lines)
}

func receivableAccount(c Component) string {
	switch c {
	case ComponentPenalty:
		return AccountPenaltyReceivable
	case ComponentCharge:
		return AccountChargesReceivable
	case ComponentInterest:
		return AccountInterestReceivable
	default:
		return AccountLoanPrincipal
	}
}

func checkBalanced(result AllocationResult, lines []JournalLine) error {
	debit, credit := decimal.Zero, decimal.Zero
	for _, l := range lines {
		debit = debit.Add(l.Debit)
		credit = credit.Add(l.Credit)
	}
	if !debit.Equal(credit) {
		return newConsistencyError(result.LoanID,
			fmt.Sprintf("journal for event %s does not balance: debit %s credit %s", result.EventID, debit, credit), lines)
	}
	return nil
}
