/*
store.go - Persistence interface for the lending engine

PURPOSE:
  Defines the boundary between domain logic and the database.
  Implementations: store/sqlite (production), lending/store (in-memory).

CONDITIONAL UPDATES:
  Every state change that must happen at most once is a single conditional
  write, never read-then-write:
  - ClaimIntent:        clear the intent only if it still carries the token
  - MarkObligationPaid: only if the obligation is still pending
  - MarkPenaltyApplied: only if the penalty flag is still false
  - MarkLenderNotified: only if the notified flag is still false
  - MarkFinePaid:       only if the fine is still pending
  - RecordReminder:     only if the key was never recorded
  - AppendTransaction:  only if no transaction carries the same token

ATOMIC UNITS:
  TxStore.WithTx runs a function against a transactional view. A payment's
  Transaction, obligation update, fine, credit change and intent clearing
  commit together or not at all.

NOT FOUND:
  Getters return *NotFoundError (errors.Is(err, ErrNotFound)) for missing rows.
*/
package lending

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Store handles persistence of lending aggregates.
type Store interface {
	// Users
	SaveUser(ctx context.Context, u User) error
	GetUser(ctx context.Context, id UserID) (*User, error)
	// AdjustCreditScore adds delta to the user's score, clamped to [0,100],
	// and returns the new score.
	AdjustCreditScore(ctx context.Context, id UserID, delta int) (int, error)
	LinkTransaction(ctx context.Context, userID UserID, txID TransactionID) error
	UserTransactions(ctx context.Context, userID UserID) ([]TransactionID, error)

	// Loans
	SaveLoan(ctx context.Context, l Loan) error
	GetLoan(ctx context.Context, id LoanID) (*Loan, error)
	ActivateLoan(ctx context.Context, id LoanID, lender UserID, contract ContractID) error
	SetLoanStatus(ctx context.Context, id LoanID, status LoanStatus) error

	// Payment intents. Setting an intent replaces any unreconciled one.
	SetLoanIntent(ctx context.Context, id LoanID, intent PendingPaymentIntent) error
	SetFineIntent(ctx context.Context, id FineID, intent PendingPaymentIntent) error
	// ClaimIntent atomically detaches the live intent carrying token from its
	// loan or fine. Returns a NotFoundError when no aggregate carries it.
	ClaimIntent(ctx context.Context, token string) (*ClaimedIntent, error)

	// Contracts
	SaveContract(ctx context.Context, c LoanContract) error
	GetContract(ctx context.Context, id ContractID) (*LoanContract, error)
	GetContractByLoan(ctx context.Context, loanID LoanID) (*LoanContract, error)
	ListActiveContracts(ctx context.Context) ([]LoanContract, error)
	SetContractStatus(ctx context.Context, id ContractID, status ContractStatus, at time.Time) error
	// MarkObligationPaid persists payment fields of ob. Returns ErrObligationPaid
	// if the stored obligation is no longer pending.
	MarkObligationPaid(ctx context.Context, id ContractID, ob RepaymentObligation) error
	MarkPenaltyApplied(ctx context.Context, id ContractID, seq int, estimate decimal.Decimal) (bool, error)
	MarkLenderNotified(ctx context.Context, id ContractID, seq int) (bool, error)

	// Fines
	SaveFine(ctx context.Context, f Fine) error
	GetFine(ctx context.Context, id FineID) (*Fine, error)
	MarkFinePaid(ctx context.Context, id FineID, txID TransactionID, at time.Time) error

	// Transactions
	AppendTransaction(ctx context.Context, tx Transaction) error
	GetTransaction(ctx context.Context, id TransactionID) (*Transaction, error)
	FindTransactionByToken(ctx context.Context, token string) (*Transaction, bool, error)

	// Reminder dedup keys
	RecordReminder(ctx context.Context, key string, at time.Time) (bool, error)
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// Joined adapts a Store that is already inside a transaction. Its WithTx
// runs fn in that same transaction, so nested work commits or rolls back
// with the enclosing one.
func Joined(s Store) TxStore { return joinedTx{s} }

type joinedTx struct{ Store }

func (j joinedTx) WithTx(_ context.Context, fn func(Store) error) error { return fn(j.Store) }
