/*
Package lending provides the loan contract and repayment ledger engine.

PURPOSE:
  Turns a funded peer-to-peer loan into a repayment schedule, reconciles
  payment gateway confirmations against that schedule exactly once, computes
  lateness fines and credit-score deltas, detects contract completion, and
  sweeps active contracts for upcoming and overdue obligations.

KEY CONCEPTS IN THIS FILE (types.go):
  - Loan: a borrower's request, later funded by a lender
  - LoanContract: the funded loan with its ordered RepaymentObligations
  - PendingPaymentIntent: the idempotency anchor for one gateway payment attempt
  - Fine / Transaction / User: records touched when money moves

DESIGN PRINCIPLES:
  1. Precision: money is decimal.Decimal, rounded to 2 places at each obligation
  2. References by ID: Loan, Contract, Fine, Transaction and User point to each
     other through identifiers, never through live pointers
  3. Exactly once: a correlation token settles at most one Transaction

SEE ALSO:
  - schedule.go: ScheduleGenerator
  - contract.go: ContractLedger
  - payment.go: PaymentCompletionHandler
  - reminder.go: ReminderSweeper
*/
package lending

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type LoanID string
type ContractID string
type FineID string
type TransactionID string

// =============================================================================
// MONEY
// =============================================================================

// Round2 rounds a currency amount to 2 decimal places.
func Round2(d decimal.Decimal) decimal.Decimal { return d.Round(2) }

// MustDecimal parses s, returning zero on malformed input.
func MustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// =============================================================================
// ENUMS
// =============================================================================

type RepaymentType string

const (
	RepaymentLumpSum   RepaymentType = "lump_sum"
	RepaymentMilestone RepaymentType = "milestone"
)

type LoanStatus string

const (
	LoanPending   LoanStatus = "pending"
	LoanActive    LoanStatus = "active"
	LoanCompleted LoanStatus = "completed"
)

type ContractStatus string

const (
	ContractActive    ContractStatus = "active"
	ContractCompleted ContractStatus = "completed"
	ContractDefaulted ContractStatus = "defaulted" // reserved, no rule produces it yet
)

type ObligationStatus string

const (
	ObligationPending ObligationStatus = "pending"
	ObligationPaid    ObligationStatus = "paid"
)

type FineStatus string

const (
	FinePending FineStatus = "pending"
	FinePaid    FineStatus = "paid"
)

type TransactionType string

const (
	TxLending     TransactionType = "lending"
	TxRepayment   TransactionType = "repayment"
	TxFinePayment TransactionType = "fine_payment"
)

type TransactionStatus string

const (
	TxStatusPending   TransactionStatus = "PENDING"
	TxStatusCompleted TransactionStatus = "COMPLETED"
)

// IntentKind says what a pending payment will settle once confirmed.
type IntentKind string

const (
	IntentFunding   IntentKind = "funding"
	IntentRepayment IntentKind = "repayment"
	IntentFine      IntentKind = "fine"
)

// =============================================================================
// USER - Credit profile owner
// =============================================================================

const (
	MinCreditScore     = 0
	MaxCreditScore     = 100
	DefaultCreditScore = 50
)

type User struct {
	ID          UserID
	Name        string
	Email       string
	CreditScore int
	CreatedAt   time.Time
}

// =============================================================================
// LOAN - Borrower request, referenced by its contract once funded
// =============================================================================

type Loan struct {
	ID            LoanID
	BorrowerID    UserID
	LenderID      UserID // empty until funded
	Amount        decimal.Decimal
	InterestRate  decimal.Decimal // annual base rate, percent
	DurationDays  int
	RepaymentType RepaymentType
	Milestones    int
	Status        LoanStatus
	ContractID    ContractID // empty until funded
	Intent        *PendingPaymentIntent
	CreatedAt     time.Time
}

// =============================================================================
// PENDING PAYMENT INTENT - Idempotency anchor
// =============================================================================

// PendingPaymentIntent is attached to a Loan or a Fine while a gateway
// payment is in flight. The Token, not the aggregate ID, identifies one
// real-world payment attempt.
type PendingPaymentIntent struct {
	Token     string
	Kind      IntentKind
	Amount    decimal.Decimal
	FromUser  UserID
	ToUser    UserID
	Milestone *int // repayment only; nil means "next pending"
	Insured   bool // funding only
	CreatedAt time.Time
}

// ClaimedIntent is an intent that has been atomically detached from its aggregate.
type ClaimedIntent struct {
	PendingPaymentIntent
	LoanID LoanID
	FineID FineID // set when the intent was carried by a fine
}

// =============================================================================
// CONTRACT - Funded loan with its repayment schedule
// =============================================================================

type LoanContract struct {
	ID             ContractID
	LoanID         LoanID
	LenderID       UserID
	BorrowerID     UserID
	Principal      decimal.Decimal
	Insured        bool
	BaseRate       decimal.Decimal
	EffectiveRate  decimal.Decimal
	DurationDays   int
	RepaymentType  RepaymentType
	Milestones     int
	Status         ContractStatus
	TotalRepayment decimal.Decimal
	StartDate      Day
	FundingToken   string
	Obligations    []RepaymentObligation
	CreatedAt      time.Time
	CompletedAt    *time.Time
}

// Obligation returns the obligation with the given sequence number.
func (c *LoanContract) Obligation(seq int) (*RepaymentObligation, bool) {
	for i := range c.Obligations {
		if c.Obligations[i].Seq == seq {
			return &c.Obligations[i], true
		}
	}
	return nil, false
}

// AllPaid reports whether every obligation has been settled.
func (c *LoanContract) AllPaid() bool {
	for _, ob := range c.Obligations {
		if ob.Status != ObligationPaid {
			return false
		}
	}
	return len(c.Obligations) > 0
}

// NextPending returns the earliest unpaid obligation.
func (c *LoanContract) NextPending() (*RepaymentObligation, bool) {
	for i := range c.Obligations {
		if c.Obligations[i].Status == ObligationPending {
			return &c.Obligations[i], true
		}
	}
	return nil, false
}

// OutstandingAmount sums the amounts due of all pending obligations.
func (c *LoanContract) OutstandingAmount() decimal.Decimal {
	total := decimal.Zero
	for _, ob := range c.Obligations {
		if ob.Status == ObligationPending {
			total = total.Add(ob.AmountDue)
		}
	}
	return total
}

// RepaymentObligation is one scheduled repayment unit.
//
// INVARIANTS:
//   - Once Paid, AmountDue, DueDate and MilestoneIndex never change.
//   - PenaltyApplied flips false -> true at most once.
type RepaymentObligation struct {
	Seq            int  // 1-based position in the schedule
	MilestoneIndex *int // nil for lump-sum contracts
	DueDate        Day
	AmountDue      decimal.Decimal
	Status         ObligationStatus
	PaidAt         *time.Time
	Late           bool
	DaysLate       int
	TransactionID  TransactionID
	FineID         FineID
	PenaltyApplied bool
	LenderNotified bool
	FineEstimate   *decimal.Decimal // set by the overdue sweep
}

// =============================================================================
// FINE - Created once per late obligation
// =============================================================================

type Fine struct {
	ID            FineID
	LoanID        LoanID
	ContractID    ContractID
	ObligationSeq int
	BorrowerID    UserID
	LenderID      UserID
	LateAmount    decimal.Decimal
	Percent       decimal.Decimal
	Amount        decimal.Decimal
	DaysLate      int
	Status        FineStatus
	PaidAt        *time.Time
	TransactionID TransactionID
	Intent        *PendingPaymentIntent
	CreatedAt     time.Time
}

// =============================================================================
// TRANSACTION - Immutable money movement
// =============================================================================

type Transaction struct {
	ID          TransactionID
	Type        TransactionType
	Amount      decimal.Decimal
	Status      TransactionStatus
	FromUser    UserID
	ToUser      UserID
	LoanID      LoanID
	FineID      FineID
	Token       string // correlation token, unique
	Milestone   *int
	CreditDelta int // score change applied with the payment
	CreatedAt   time.Time
}

// =============================================================================
// NOTIFICATION - Event handed to the delivery collaborator
// =============================================================================

type NotificationKind string

const (
	NotifyFunded        NotificationKind = "loan_funded"
	NotifyPaymentSent   NotificationKind = "payment_sent"
	NotifyPaymentRecv   NotificationKind = "payment_received"
	NotifyFinePaid      NotificationKind = "fine_paid"
	NotifyCompleted     NotificationKind = "contract_completed"
	NotifyUpcoming      NotificationKind = "repayment_upcoming"
	NotifyOverdue       NotificationKind = "repayment_overdue"
	NotifyLenderOverdue NotificationKind = "borrower_overdue"
)

type Notification struct {
	RecipientID UserID           `json:"recipientId"`
	Message     string           `json:"message"`
	Kind        NotificationKind `json:"kind"`
	Timestamp   time.Time        `json:"timestamp"`
}
