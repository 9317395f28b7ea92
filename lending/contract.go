/*
contract.go - Loan contract lifecycle

PURPOSE:
  The ContractLedger owns LoanContract and RepaymentObligation state:
  - CreateContract: funded loan -> contract with its schedule
  - ApplyPayment:   confirmed payment -> obligation(s) marked paid,
                    fine recorded if late, completion detected

CALLING CONVENTION:
  Both operations take the Store to write through. The PaymentHandler passes
  the transactional view from TxStore.WithTx so the contract, its
  obligations and the settling Transaction commit as one unit.

IDEMPOTENCE:
  Duplicate gateway callbacks are stopped upstream by the PaymentHandler's
  intent claim. ApplyPayment still refuses an obligation that is already
  paid (ErrObligationPaid); it never marks one twice.

STATUS TRANSITIONS:
  contract: active -> completed (one-way, once every obligation is paid)
  loan:     pending -> active (funding) -> completed (with the contract)

SEE ALSO:
  - schedule.go: GenerateSchedule
  - fine.go:     CalculateFine
  - credit.go:   RepaymentDelta
*/
package lending

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ContractLedger creates contracts and applies payments to them.
type ContractLedger struct {
	log   *zap.Logger
	newID func() string
}

// NewContractLedger creates a ledger. A nil logger disables logging.
func NewContractLedger(log *zap.Logger) *ContractLedger {
	if log == nil {
		log = zap.NewNop()
	}
	return &ContractLedger{log: log, newID: uuid.NewString}
}

// =============================================================================
// CREATE CONTRACT
// =============================================================================

// FundingInput describes a confirmed funding payment.
type FundingInput struct {
	LoanID   LoanID
	LenderID UserID
	Amount   decimal.Decimal
	Insured  bool
	Token    string
	FundedAt time.Time
}

// CreateContract forms the contract for a funded loan and activates the loan.
func (l *ContractLedger) CreateContract(ctx context.Context, s Store, in FundingInput) (*LoanContract, error) {
	loan, err := s.GetLoan(ctx, in.LoanID)
	if err != nil {
		if IsNotFound(err) {
			return nil, LoanNotFoundError(in.LoanID)
		}
		return nil, persistErr("load loan", err)
	}
	if loan.Status != LoanPending {
		return nil, fmt.Errorf("loan %s is %s: %w", loan.ID, loan.Status, ErrInvalidState)
	}
	if !in.Amount.IsPositive() {
		return nil, InvalidAmountError("funding amount must be greater than zero")
	}
	if !in.Amount.Equal(loan.Amount) {
		return nil, InvalidAmountError(fmt.Sprintf("funding amount %s does not match requested %s", in.Amount, loan.Amount))
	}
	if in.LenderID == "" || in.LenderID == loan.BorrowerID {
		return nil, &InvalidInputError{Field: "lender_id", Reason: "lender must differ from borrower"}
	}

	start := DayOf(in.FundedAt)
	sched, err := GenerateSchedule(ScheduleInput{
		Principal:     in.Amount,
		BaseRate:      loan.InterestRate,
		Insured:       in.Insured,
		DurationDays:  loan.DurationDays,
		RepaymentType: loan.RepaymentType,
		Milestones:    loan.Milestones,
		Start:         start,
	})
	if err != nil {
		return nil, err
	}

	contract := LoanContract{
		ID:             ContractID(l.newID()),
		LoanID:         loan.ID,
		LenderID:       in.LenderID,
		BorrowerID:     loan.BorrowerID,
		Principal:      in.Amount,
		Insured:        in.Insured,
		BaseRate:       loan.InterestRate,
		EffectiveRate:  sched.EffectiveRate,
		DurationDays:   loan.DurationDays,
		RepaymentType:  loan.RepaymentType,
		Milestones:     loan.Milestones,
		Status:         ContractActive,
		TotalRepayment: sched.TotalRepayment,
		StartDate:      start,
		FundingToken:   in.Token,
		Obligations:    sched.Obligations,
		CreatedAt:      in.FundedAt,
	}

	if err := s.SaveContract(ctx, contract); err != nil {
		return nil, persistErr("save contract", err)
	}
	if err := s.ActivateLoan(ctx, loan.ID, in.LenderID, contract.ID); err != nil {
		return nil, persistErr("activate loan", err)
	}

	l.log.Info("contract created",
		zap.String("contract_id", string(contract.ID)),
		zap.String("loan_id", string(loan.ID)),
		zap.String("total", contract.TotalRepayment.StringFixed(2)),
		zap.Int("obligations", len(contract.Obligations)),
	)
	return &contract, nil
}

// =============================================================================
// APPLY PAYMENT
// =============================================================================

// PaymentSelector picks the obligation a payment settles.
// Milestone contracts use MilestoneIndex (nil = next pending);
// lump-sum contracts settle every pending obligation.
type PaymentSelector struct {
	MilestoneIndex *int
}

// ApplyResult reports what a payment changed.
type ApplyResult struct {
	Paid          []int // obligation sequence numbers
	Late          bool
	DaysLate      int
	Fine          *Fine
	CreditDelta   int
	Completed     bool
	Notifications []Notification // to publish after commit
}

// ApplyPayment settles the selected obligation(s) of contract with a payment
// of paidAmount at paidAt, recorded as transaction txID. contract is updated
// in place to mirror what was persisted.
func (l *ContractLedger) ApplyPayment(
	ctx context.Context,
	s Store,
	contract *LoanContract,
	sel PaymentSelector,
	paidAmount decimal.Decimal,
	paidAt time.Time,
	txID TransactionID,
) (*ApplyResult, error) {
	if contract.Status != ContractActive {
		return nil, fmt.Errorf("contract %s is %s: %w", contract.ID, contract.Status, ErrInvalidState)
	}

	targets, err := resolveTargets(contract, sel)
	if err != nil {
		return nil, err
	}

	due := decimal.Zero
	for _, ob := range targets {
		due = due.Add(ob.AmountDue)
	}
	if paidAmount.LessThan(due) {
		return nil, InvalidAmountError(fmt.Sprintf("paid %s is less than due %s", paidAmount, due))
	}

	result := &ApplyResult{}
	for _, ob := range targets {
		fa := CalculateFine(ob.DueDate, paidAt, ob.AmountDue)

		paid := paidAt
		ob.Status = ObligationPaid
		ob.PaidAt = &paid
		ob.Late = fa.Late
		ob.DaysLate = fa.DaysLate
		ob.TransactionID = txID

		if fa.Late {
			fine := Fine{
				ID:            FineID(l.newID()),
				LoanID:        contract.LoanID,
				ContractID:    contract.ID,
				ObligationSeq: ob.Seq,
				BorrowerID:    contract.BorrowerID,
				LenderID:      contract.LenderID,
				LateAmount:    ob.AmountDue,
				Percent:       fa.Percent,
				Amount:        fa.Amount,
				DaysLate:      fa.DaysLate,
				Status:        FinePending,
				CreatedAt:     paidAt,
			}
			if err := s.SaveFine(ctx, fine); err != nil {
				return nil, persistErr("save fine", err)
			}
			ob.FineID = fine.ID
			result.Fine = &fine
			result.Late = true
			result.DaysLate = max(result.DaysLate, fa.DaysLate)
		}

		if err := s.MarkObligationPaid(ctx, contract.ID, *ob); err != nil {
			return nil, persistErr("mark obligation paid", err)
		}
		result.Paid = append(result.Paid, ob.Seq)

		// The overdue sweep already charged lateness for this obligation.
		if !(fa.Late && ob.PenaltyApplied) {
			result.CreditDelta += RepaymentDelta(ob.AmountDue, !fa.Late, fa.DaysLate)
		}
	}

	if contract.AllPaid() {
		completedAt := paidAt
		if err := s.SetContractStatus(ctx, contract.ID, ContractCompleted, completedAt); err != nil {
			return nil, persistErr("complete contract", err)
		}
		if err := s.SetLoanStatus(ctx, contract.LoanID, LoanCompleted); err != nil {
			return nil, persistErr("complete loan", err)
		}
		contract.Status = ContractCompleted
		contract.CompletedAt = &completedAt
		result.Completed = true

		msg := fmt.Sprintf("Loan contract %s is fully repaid (%s).", contract.ID, contract.TotalRepayment.StringFixed(2))
		result.Notifications = append(result.Notifications,
			Notification{RecipientID: contract.BorrowerID, Message: msg, Kind: NotifyCompleted, Timestamp: paidAt},
			Notification{RecipientID: contract.LenderID, Message: msg, Kind: NotifyCompleted, Timestamp: paidAt},
		)
		l.log.Info("contract completed", zap.String("contract_id", string(contract.ID)))
	}

	return result, nil
}

// resolveTargets returns pointers into contract.Obligations for the payment.
func resolveTargets(contract *LoanContract, sel PaymentSelector) ([]*RepaymentObligation, error) {
	if contract.RepaymentType == RepaymentLumpSum {
		var targets []*RepaymentObligation
		for i := range contract.Obligations {
			if contract.Obligations[i].Status == ObligationPending {
				targets = append(targets, &contract.Obligations[i])
			}
		}
		if len(targets) == 0 {
			return nil, fmt.Errorf("contract %s: %w", contract.ID, ErrObligationPaid)
		}
		return targets, nil
	}

	if sel.MilestoneIndex == nil {
		ob, ok := contract.NextPending()
		if !ok {
			return nil, fmt.Errorf("contract %s: %w", contract.ID, ErrObligationPaid)
		}
		return []*RepaymentObligation{ob}, nil
	}

	for i := range contract.Obligations {
		ob := &contract.Obligations[i]
		if ob.MilestoneIndex != nil && *ob.MilestoneIndex == *sel.MilestoneIndex {
			if ob.Status == ObligationPaid {
				return nil, fmt.Errorf("contract %s milestone %d: %w", contract.ID, *sel.MilestoneIndex, ErrObligationPaid)
			}
			return []*RepaymentObligation{ob}, nil
		}
	}
	return nil, &NotFoundError{Kind: "obligation", ID: fmt.Sprintf("%s/milestone-%d", contract.ID, *sel.MilestoneIndex)}
}

// =============================================================================
// READS
// =============================================================================

func (l *ContractLedger) GetContract(ctx context.Context, s Store, id ContractID) (*LoanContract, error) {
	c, err := s.GetContract(ctx, id)
	if err != nil {
		return nil, persistErr("load contract", err)
	}
	return c, nil
}

func (l *ContractLedger) GetContractByLoan(ctx context.Context, s Store, loanID LoanID) (*LoanContract, error) {
	c, err := s.GetContractByLoan(ctx, loanID)
	if err != nil {
		return nil, persistErr("load contract by loan", err)
	}
	return c, nil
}
