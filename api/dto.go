/*
dto.go - Data Transfer Objects for API requests and responses

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Amounts travel as decimal strings ("11020.00") in responses and are
  accepted as strings in requests, so no value passes through float64.

VALIDATION:
  Validation is done in handlers and the lending package, not in DTOs.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/loan-ledger/lending"
)

// =============================================================================
// USERS
// =============================================================================

type CreateUserRequest struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Email       string `json:"email"`
	CreditScore *int   `json:"credit_score,omitempty"`
}

type UserDTO struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Email        string   `json:"email"`
	CreditScore  int      `json:"credit_score"`
	Transactions []string `json:"transactions"`
	CreatedAt    string   `json:"created_at,omitempty"`
}

// =============================================================================
// LOANS
// =============================================================================

type CreateLoanRequest struct {
	BorrowerID    string `json:"borrower_id"`
	Amount        string `json:"amount"`
	InterestRate  string `json:"interest_rate"`
	DurationDays  int    `json:"duration_days"`
	RepaymentType string `json:"repayment_type"`
	Milestones    int    `json:"milestones,omitempty"`
}

type LoanDTO struct {
	ID            string     `json:"id"`
	BorrowerID    string     `json:"borrower_id"`
	LenderID      string     `json:"lender_id,omitempty"`
	Amount        string     `json:"amount"`
	InterestRate  string     `json:"interest_rate"`
	DurationDays  int        `json:"duration_days"`
	RepaymentType string     `json:"repayment_type"`
	Milestones    int        `json:"milestones,omitempty"`
	Status        string     `json:"status"`
	ContractID    string     `json:"contract_id,omitempty"`
	Intent        *IntentDTO `json:"pending_payment,omitempty"`
	CreatedAt     string     `json:"created_at"`
}

type IntentDTO struct {
	Token     string `json:"transaction_uuid"`
	Kind      string `json:"kind"`
	Amount    string `json:"amount"`
	Milestone *int   `json:"milestone,omitempty"`
	CreatedAt string `json:"created_at"`
}

type FundLoanRequest struct {
	LenderID string `json:"lender_id"`
	Amount   string `json:"amount"`
	Insured  bool   `json:"insured"`
}

// =============================================================================
// CONTRACTS
// =============================================================================

type ContractDTO struct {
	ID             string          `json:"id"`
	LoanID         string          `json:"loan_id"`
	LenderID       string          `json:"lender_id"`
	BorrowerID     string          `json:"borrower_id"`
	Principal      string          `json:"principal"`
	Insured        bool            `json:"insured"`
	BaseRate       string          `json:"base_rate"`
	EffectiveRate  string          `json:"effective_rate"`
	DurationDays   int             `json:"duration_days"`
	RepaymentType  string          `json:"repayment_type"`
	Status         string          `json:"status"`
	TotalRepayment string          `json:"total_repayment"`
	Outstanding    string          `json:"outstanding"`
	StartDate      string          `json:"start_date"`
	Obligations    []ObligationDTO `json:"obligations"`
	CompletedAt    string          `json:"completed_at,omitempty"`
}

type ObligationDTO struct {
	Seq            int     `json:"seq"`
	MilestoneIndex *int    `json:"milestone,omitempty"`
	DueDate        string  `json:"due_date"`
	AmountDue      string  `json:"amount_due"`
	Status         string  `json:"status"`
	PaidAt         string  `json:"paid_at,omitempty"`
	Late           bool    `json:"late"`
	DaysLate       int     `json:"days_late,omitempty"`
	TransactionID  string  `json:"transaction_id,omitempty"`
	FineID         string  `json:"fine_id,omitempty"`
	PenaltyApplied bool    `json:"penalty_applied"`
	FineEstimate   *string `json:"fine_estimate,omitempty"`
}

type RepayRequest struct {
	Milestone *int `json:"milestone,omitempty"`
}

// =============================================================================
// FINES
// =============================================================================

type FineDTO struct {
	ID            string `json:"id"`
	LoanID        string `json:"loan_id"`
	ContractID    string `json:"contract_id"`
	ObligationSeq int    `json:"obligation_seq"`
	BorrowerID    string `json:"borrower_id"`
	LateAmount    string `json:"late_amount"`
	Percent       string `json:"percent"`
	Amount        string `json:"amount"`
	DaysLate      int    `json:"days_late"`
	Status        string `json:"status"`
	PaidAt        string `json:"paid_at,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
}

// =============================================================================
// PAYMENTS
// =============================================================================

type CheckoutDTO struct {
	TransactionUUID string                 `json:"transaction_uuid"`
	Kind            string                 `json:"kind"`
	Amount          string                 `json:"amount"`
	Gateway         lending.PaymentRequest `json:"gateway"`
}

type TransactionDTO struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Amount      string `json:"amount"`
	Status      string `json:"status"`
	FromUser    string `json:"from_user"`
	ToUser      string `json:"to_user"`
	LoanID      string `json:"loan_id,omitempty"`
	FineID      string `json:"fine_id,omitempty"`
	Milestone   *int   `json:"milestone,omitempty"`
	CreditDelta int    `json:"credit_delta"`
	CreatedAt   string `json:"created_at"`
}

type PaymentResultDTO struct {
	TransactionUUID  string         `json:"transaction_uuid"`
	Kind             string         `json:"kind"`
	AlreadyProcessed bool           `json:"already_processed"`
	Transaction      TransactionDTO `json:"transaction"`
	LoanID           string         `json:"loan_id,omitempty"`
	ContractID       string         `json:"contract_id,omitempty"`
	FineID           string         `json:"fine_id,omitempty"`
	Paid             []int          `json:"paid_obligations,omitempty"`
	Late             bool           `json:"late"`
	DaysLate         int            `json:"days_late,omitempty"`
	Fine             *FineDTO       `json:"fine,omitempty"`
	CreditDelta      int            `json:"credit_delta"`
	Completed        bool           `json:"contract_completed"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

type SweepDTO struct {
	lending.SweepReport
	NextRun string `json:"next_run,omitempty"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Loaded      bool   `json:"loaded"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func money(d decimal.Decimal) string { return d.StringFixed(2) }

func timestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func optTimestamp(t *time.Time) string {
	if t == nil {
		return ""
	}
	return timestamp(*t)
}

func toUserDTO(u *lending.User, txs []lending.TransactionID) UserDTO {
	ids := make([]string, 0, len(txs))
	for _, id := range txs {
		ids = append(ids, string(id))
	}
	return UserDTO{
		ID:           string(u.ID),
		Name:         u.Name,
		Email:        u.Email,
		CreditScore:  u.CreditScore,
		Transactions: ids,
		CreatedAt:    timestamp(u.CreatedAt),
	}
}

func toLoanDTO(l *lending.Loan) LoanDTO {
	dto := LoanDTO{
		ID:            string(l.ID),
		BorrowerID:    string(l.BorrowerID),
		LenderID:      string(l.LenderID),
		Amount:        money(l.Amount),
		InterestRate:  l.InterestRate.String(),
		DurationDays:  l.DurationDays,
		RepaymentType: string(l.RepaymentType),
		Milestones:    l.Milestones,
		Status:        string(l.Status),
		ContractID:    string(l.ContractID),
		CreatedAt:     timestamp(l.CreatedAt),
	}
	if l.Intent != nil {
		dto.Intent = &IntentDTO{
			Token:     l.Intent.Token,
			Kind:      string(l.Intent.Kind),
			Amount:    money(l.Intent.Amount),
			Milestone: l.Intent.Milestone,
			CreatedAt: timestamp(l.Intent.CreatedAt),
		}
	}
	return dto
}

func toContractDTO(c *lending.LoanContract) ContractDTO {
	obs := make([]ObligationDTO, 0, len(c.Obligations))
	for _, ob := range c.Obligations {
		o := ObligationDTO{
			Seq:            ob.Seq,
			MilestoneIndex: ob.MilestoneIndex,
			DueDate:        ob.DueDate.String(),
			AmountDue:      money(ob.AmountDue),
			Status:         string(ob.Status),
			PaidAt:         optTimestamp(ob.PaidAt),
			Late:           ob.Late,
			DaysLate:       ob.DaysLate,
			TransactionID:  string(ob.TransactionID),
			FineID:         string(ob.FineID),
			PenaltyApplied: ob.PenaltyApplied,
		}
		if ob.FineEstimate != nil {
			est := money(*ob.FineEstimate)
			o.FineEstimate = &est
		}
		obs = append(obs, o)
	}
	return ContractDTO{
		ID:             string(c.ID),
		LoanID:         string(c.LoanID),
		LenderID:       string(c.LenderID),
		BorrowerID:     string(c.BorrowerID),
		Principal:      money(c.Principal),
		Insured:        c.Insured,
		BaseRate:       c.BaseRate.String(),
		EffectiveRate:  c.EffectiveRate.String(),
		DurationDays:   c.DurationDays,
		RepaymentType:  string(c.RepaymentType),
		Status:         string(c.Status),
		TotalRepayment: money(c.TotalRepayment),
		Outstanding:    money(c.OutstandingAmount()),
		StartDate:      c.StartDate.String(),
		Obligations:    obs,
		CompletedAt:    optTimestamp(c.CompletedAt),
	}
}

func toFineDTO(f *lending.Fine) *FineDTO {
	if f == nil {
		return nil
	}
	return &FineDTO{
		ID:            string(f.ID),
		LoanID:        string(f.LoanID),
		ContractID:    string(f.ContractID),
		ObligationSeq: f.ObligationSeq,
		BorrowerID:    string(f.BorrowerID),
		LateAmount:    money(f.LateAmount),
		Percent:       f.Percent.String(),
		Amount:        money(f.Amount),
		DaysLate:      f.DaysLate,
		Status:        string(f.Status),
		PaidAt:        optTimestamp(f.PaidAt),
		TransactionID: string(f.TransactionID),
	}
}

func toCheckoutDTO(c *lending.Checkout) CheckoutDTO {
	return CheckoutDTO{
		TransactionUUID: c.Token,
		Kind:            string(c.Kind),
		Amount:          money(c.Amount),
		Gateway:         c.Request,
	}
}

func toTransactionDTO(tx lending.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:          string(tx.ID),
		Type:        string(tx.Type),
		Amount:      money(tx.Amount),
		Status:      string(tx.Status),
		FromUser:    string(tx.FromUser),
		ToUser:      string(tx.ToUser),
		LoanID:      string(tx.LoanID),
		FineID:      string(tx.FineID),
		Milestone:   tx.Milestone,
		CreditDelta: tx.CreditDelta,
		CreatedAt:   timestamp(tx.CreatedAt),
	}
}

func toPaymentResultDTO(r *lending.PaymentResult) PaymentResultDTO {
	return PaymentResultDTO{
		TransactionUUID:  r.Token,
		Kind:             string(r.Kind),
		AlreadyProcessed: r.AlreadyProcessed,
		Transaction:      toTransactionDTO(r.Transaction),
		LoanID:           string(r.LoanID),
		ContractID:       string(r.ContractID),
		FineID:           string(r.FineID),
		Paid:             r.Paid,
		Late:             r.Late,
		DaysLate:         r.DaysLate,
		Fine:             toFineDTO(r.Fine),
		CreditDelta:      r.CreditDelta,
		Completed:        r.Completed,
	}
}
