package lending

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LoanRequest is a borrower's application for a loan.
type LoanRequest struct {
	BorrowerID    UserID
	Amount        decimal.Decimal
	InterestRate  decimal.Decimal
	DurationDays  int
	RepaymentType RepaymentType
	Milestones    int
}

// RequestLoan validates the terms and stores a pending loan. The terms
// are checked with the same rules the schedule is later generated from,
// so a loan that was accepted can always be funded.
func RequestLoan(ctx context.Context, s Store, req LoanRequest, now time.Time) (*Loan, error) {
	if req.RepaymentType == RepaymentLumpSum {
		req.Milestones = 0
	}
	in := ScheduleInput{
		Principal:     req.Amount,
		BaseRate:      req.InterestRate,
		DurationDays:  req.DurationDays,
		RepaymentType: req.RepaymentType,
		Milestones:    req.Milestones,
		Start:         DayOf(now),
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if req.BorrowerID == "" {
		return nil, &InvalidInputError{Field: "borrower_id", Reason: "required"}
	}
	if _, err := s.GetUser(ctx, req.BorrowerID); err != nil {
		return nil, persistErr("load borrower", err)
	}

	loan := Loan{
		ID:            LoanID(uuid.NewString()),
		BorrowerID:    req.BorrowerID,
		Amount:        Round2(req.Amount),
		InterestRate:  req.InterestRate,
		DurationDays:  req.DurationDays,
		RepaymentType: req.RepaymentType,
		Milestones:    req.Milestones,
		Status:        LoanPending,
		CreatedAt:     now,
	}
	if err := s.SaveLoan(ctx, loan); err != nil {
		return nil, persistErr("save loan", err)
	}
	return &loan, nil
}
