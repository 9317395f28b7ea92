/*
payment.go - Payment intents and gateway completion

PURPOSE:
  Starts gateway payments (funding, repayment, fine settlement) by attaching
  a PendingPaymentIntent to the loan or fine, and reconciles the gateway's
  success callback against that intent exactly once.

FLOW:
  1. StartFunding / StartRepayment / StartFineSettlement
       -> intent{token} stored on the aggregate
       -> signed PaymentRequest returned for the gateway redirect
  2. Gateway calls back with transaction_uuid = token
  3. Complete(token):
       a. token already settled?     -> previous result, AlreadyProcessed
       b. WithTx:
            ClaimIntent(token)       -> compare-and-swap clear, or not found
            funding   -> ContractLedger.CreateContract, lender credit
            repayment -> ContractLedger.ApplyPayment, borrower credit
            fine      -> MarkFinePaid
            AppendTransaction        -> unique on token, records the credit delta
            LinkTransaction for both counterparties
       c. after commit: one notification per counterparty (+ completion)

CONCURRENCY:
  Two retries of one callback race on ClaimIntent. Exactly one sees the
  intent; the other finds no intent, looks up the settled transaction, and
  returns the winner's result. There is no read-then-write on the intent.

FAILURE:
  Any error inside WithTx rolls back the whole unit, intent included, so the
  gateway may retry the callback safely.
*/
package lending

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PaymentHandler reconciles gateway payments against the ledger.
type PaymentHandler struct {
	store    TxStore
	ledger   *ContractLedger
	notifier Notifier
	gateway  Gateway
	log      *zap.Logger

	Now      func() time.Time
	NewToken func() string
}

// NewPaymentHandler wires a handler. notifier and log may be nil.
func NewPaymentHandler(store TxStore, ledger *ContractLedger, notifier Notifier, gateway Gateway, log *zap.Logger) *PaymentHandler {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &PaymentHandler{
		store:    store,
		ledger:   ledger,
		notifier: notifier,
		gateway:  gateway,
		log:      log,
		Now:      time.Now,
		NewToken: uuid.NewString,
	}
}

// WithStore returns a copy of h that runs against store. A non-nil
// notifier replaces the delivery target.
func (h *PaymentHandler) WithStore(store TxStore, notifier Notifier) *PaymentHandler {
	c := *h
	c.store = store
	if notifier != nil {
		c.notifier = notifier
	}
	return &c
}

// Checkout is a started payment: the token and the signed gateway request.
type Checkout struct {
	Token   string
	Kind    IntentKind
	Amount  decimal.Decimal
	Request PaymentRequest
}

// PaymentResult is what a completed payment changed.
type PaymentResult struct {
	Token            string
	Kind             IntentKind
	Transaction      Transaction
	LoanID           LoanID
	ContractID       ContractID
	FineID           FineID
	Paid             []int
	Late             bool
	DaysLate         int
	Fine             *Fine
	CreditDelta      int
	Completed        bool
	AlreadyProcessed bool
}

// =============================================================================
// START PAYMENTS
// =============================================================================

// StartFunding begins a lender's funding payment for a pending loan.
func (h *PaymentHandler) StartFunding(ctx context.Context, loanID LoanID, lenderID UserID, amount decimal.Decimal, insured bool) (*Checkout, error) {
	loan, err := h.store.GetLoan(ctx, loanID)
	if err != nil {
		if IsNotFound(err) {
			return nil, LoanNotFoundError(loanID)
		}
		return nil, persistErr("load loan", err)
	}
	if loan.Status != LoanPending {
		return nil, fmt.Errorf("loan %s is %s: %w", loan.ID, loan.Status, ErrInvalidState)
	}
	if !amount.IsPositive() || !amount.Equal(loan.Amount) {
		return nil, InvalidAmountError(fmt.Sprintf("funding amount must equal requested %s", loan.Amount))
	}
	if lenderID == "" || lenderID == loan.BorrowerID {
		return nil, &InvalidInputError{Field: "lender_id", Reason: "lender must differ from borrower"}
	}
	if _, err := h.store.GetUser(ctx, lenderID); err != nil {
		return nil, persistErr("load lender", err)
	}

	intent := h.newIntent(IntentFunding, amount, lenderID, loan.BorrowerID)
	intent.Insured = insured
	if err := h.store.SetLoanIntent(ctx, loan.ID, intent); err != nil {
		return nil, persistErr("set loan intent", err)
	}
	return h.checkout(intent), nil
}

// StartRepayment begins the borrower's payment of one milestone (or the
// next pending one when milestone is nil), or of the whole lump sum.
func (h *PaymentHandler) StartRepayment(ctx context.Context, contractID ContractID, milestone *int) (*Checkout, error) {
	contract, err := h.store.GetContract(ctx, contractID)
	if err != nil {
		return nil, persistErr("load contract", err)
	}
	if contract.Status != ContractActive {
		return nil, fmt.Errorf("contract %s is %s: %w", contract.ID, contract.Status, ErrInvalidState)
	}

	targets, err := resolveTargets(contract, PaymentSelector{MilestoneIndex: milestone})
	if err != nil {
		return nil, err
	}
	amount := decimal.Zero
	for _, ob := range targets {
		amount = amount.Add(ob.AmountDue)
	}

	intent := h.newIntent(IntentRepayment, amount, contract.BorrowerID, contract.LenderID)
	if contract.RepaymentType == RepaymentMilestone {
		idx := *targets[0].MilestoneIndex
		intent.Milestone = &idx
	}
	if err := h.store.SetLoanIntent(ctx, contract.LoanID, intent); err != nil {
		return nil, persistErr("set loan intent", err)
	}
	return h.checkout(intent), nil
}

// StartFineSettlement begins the borrower's payment of a pending fine.
func (h *PaymentHandler) StartFineSettlement(ctx context.Context, fineID FineID) (*Checkout, error) {
	fine, err := h.store.GetFine(ctx, fineID)
	if err != nil {
		return nil, persistErr("load fine", err)
	}
	if fine.Status != FinePending {
		return nil, fmt.Errorf("fine %s is %s: %w", fine.ID, fine.Status, ErrInvalidState)
	}

	intent := h.newIntent(IntentFine, fine.Amount, fine.BorrowerID, fine.LenderID)
	if err := h.store.SetFineIntent(ctx, fine.ID, intent); err != nil {
		return nil, persistErr("set fine intent", err)
	}
	return h.checkout(intent), nil
}

func (h *PaymentHandler) newIntent(kind IntentKind, amount decimal.Decimal, from, to UserID) PendingPaymentIntent {
	return PendingPaymentIntent{
		Token:     h.NewToken(),
		Kind:      kind,
		Amount:    Round2(amount),
		FromUser:  from,
		ToUser:    to,
		CreatedAt: h.Now(),
	}
}

func (h *PaymentHandler) checkout(intent PendingPaymentIntent) *Checkout {
	return &Checkout{
		Token:   intent.Token,
		Kind:    intent.Kind,
		Amount:  intent.Amount,
		Request: h.gateway.NewPaymentRequest(intent.Amount, intent.Token),
	}
}

// =============================================================================
// COMPLETE - gateway success callback
// =============================================================================

// Complete applies the payment identified by token exactly once. fineID,
// when non-empty, must name the fine that carries the intent.
func (h *PaymentHandler) Complete(ctx context.Context, token string, fineID FineID) (*PaymentResult, error) {
	if token == "" {
		return nil, &InvalidInputError{Field: "transaction_uuid", Reason: "required"}
	}

	if prev, err := h.replay(ctx, token, fineID); prev != nil || err != nil {
		return prev, err
	}

	var (
		result *PaymentResult
		events []Notification
	)
	err := h.store.WithTx(ctx, func(s Store) error {
		claimed, err := s.ClaimIntent(ctx, token)
		if err != nil {
			return err
		}
		if fineID != "" && claimed.FineID != fineID {
			return IntentNotFoundError(token)
		}

		now := h.Now()
		txn := Transaction{
			ID:        TransactionID(uuid.NewString()),
			Type:      transactionTypeFor(claimed.Kind),
			Amount:    claimed.Amount,
			Status:    TxStatusCompleted,
			FromUser:  claimed.FromUser,
			ToUser:    claimed.ToUser,
			LoanID:    claimed.LoanID,
			FineID:    claimed.FineID,
			Token:     token,
			Milestone: claimed.Milestone,
			CreatedAt: now,
		}

		result = &PaymentResult{
			Token:       token,
			Kind:        claimed.Kind,
			Transaction: txn,
			LoanID:      claimed.LoanID,
			FineID:      claimed.FineID,
		}

		switch claimed.Kind {
		case IntentFunding:
			events, err = h.applyFunding(ctx, s, claimed, txn, result)
		case IntentRepayment:
			events, err = h.applyRepayment(ctx, s, claimed, txn, result)
		case IntentFine:
			events, err = h.applyFine(ctx, s, claimed, txn)
		default:
			err = &InvalidInputError{Field: "intent_kind", Reason: string(claimed.Kind)}
		}
		if err != nil {
			return err
		}

		// Appended last so it carries the applied delta. A duplicate token
		// still rolls the whole application back.
		txn.CreditDelta = result.CreditDelta
		result.Transaction = txn
		if err := s.AppendTransaction(ctx, txn); err != nil {
			return persistErr("append transaction", err)
		}

		for _, uid := range []UserID{txn.FromUser, txn.ToUser} {
			if err := s.LinkTransaction(ctx, uid, txn.ID); err != nil {
				return persistErr("link transaction", err)
			}
		}
		return nil
	})

	if err != nil {
		// A concurrent retry may have won the claim between our replay check
		// and WithTx.
		if IsNotFound(err) || errors.Is(err, ErrDuplicateIdempotencyKey) {
			if prev, rerr := h.replay(ctx, token, fineID); prev != nil || rerr != nil {
				return prev, rerr
			}
		}
		h.log.Warn("payment completion failed", zap.String("token", token), zap.Error(err))
		return nil, err
	}

	h.log.Info("payment completed",
		zap.String("token", token),
		zap.String("kind", string(result.Kind)),
		zap.String("transaction_id", string(result.Transaction.ID)),
		zap.Bool("completed", result.Completed),
	)
	h.Publish(ctx, events)
	return result, nil
}

func (h *PaymentHandler) applyFunding(ctx context.Context, s Store, in *ClaimedIntent, txn Transaction, result *PaymentResult) ([]Notification, error) {
	contract, err := h.ledger.CreateContract(ctx, s, FundingInput{
		LoanID:   in.LoanID,
		LenderID: in.FromUser,
		Amount:   in.Amount,
		Insured:  in.Insured,
		Token:    in.Token,
		FundedAt: txn.CreatedAt,
	})
	if err != nil {
		return nil, err
	}
	result.ContractID = contract.ID

	delta := LendingDelta(in.Amount)
	if delta != 0 {
		if _, err := s.AdjustCreditScore(ctx, in.FromUser, delta); err != nil {
			return nil, persistErr("adjust lender credit", err)
		}
	}
	result.CreditDelta = delta

	amount := in.Amount.StringFixed(2)
	return []Notification{
		{RecipientID: contract.BorrowerID, Kind: NotifyFunded, Timestamp: txn.CreatedAt,
			Message: fmt.Sprintf("Your loan of %s has been funded. Total repayment: %s.", amount, contract.TotalRepayment.StringFixed(2))},
		{RecipientID: contract.LenderID, Kind: NotifyFunded, Timestamp: txn.CreatedAt,
			Message: fmt.Sprintf("You funded a loan of %s.", amount)},
	}, nil
}

func (h *PaymentHandler) applyRepayment(ctx context.Context, s Store, in *ClaimedIntent, txn Transaction, result *PaymentResult) ([]Notification, error) {
	contract, err := s.GetContractByLoan(ctx, in.LoanID)
	if err != nil {
		return nil, persistErr("load contract", err)
	}
	result.ContractID = contract.ID

	applied, err := h.ledger.ApplyPayment(ctx, s, contract, PaymentSelector{MilestoneIndex: in.Milestone}, in.Amount, txn.CreatedAt, txn.ID)
	if err != nil {
		return nil, err
	}
	if applied.CreditDelta != 0 {
		if _, err := s.AdjustCreditScore(ctx, contract.BorrowerID, applied.CreditDelta); err != nil {
			return nil, persistErr("adjust borrower credit", err)
		}
	}

	result.Paid = applied.Paid
	result.Late = applied.Late
	result.DaysLate = applied.DaysLate
	result.Fine = applied.Fine
	result.CreditDelta = applied.CreditDelta
	result.Completed = applied.Completed

	amount := in.Amount.StringFixed(2)
	borrowerMsg := fmt.Sprintf("Repayment of %s received.", amount)
	if applied.Fine != nil {
		borrowerMsg = fmt.Sprintf("Repayment of %s received %d day(s) late. A fine of %s (%s%%) was issued.",
			amount, applied.DaysLate, applied.Fine.Amount.StringFixed(2), applied.Fine.Percent.String())
	}
	events := []Notification{
		{RecipientID: contract.BorrowerID, Kind: NotifyPaymentSent, Timestamp: txn.CreatedAt, Message: borrowerMsg},
		{RecipientID: contract.LenderID, Kind: NotifyPaymentRecv, Timestamp: txn.CreatedAt,
			Message: fmt.Sprintf("You received a repayment of %s.", amount)},
	}
	return append(events, applied.Notifications...), nil
}

func (h *PaymentHandler) applyFine(ctx context.Context, s Store, in *ClaimedIntent, txn Transaction) ([]Notification, error) {
	if err := s.MarkFinePaid(ctx, in.FineID, txn.ID, txn.CreatedAt); err != nil {
		return nil, persistErr("mark fine paid", err)
	}
	amount := in.Amount.StringFixed(2)
	return []Notification{
		{RecipientID: in.FromUser, Kind: NotifyFinePaid, Timestamp: txn.CreatedAt,
			Message: fmt.Sprintf("Your fine of %s has been paid.", amount)},
		{RecipientID: in.ToUser, Kind: NotifyFinePaid, Timestamp: txn.CreatedAt,
			Message: fmt.Sprintf("You received a fine payment of %s.", amount)},
	}, nil
}

// replay rebuilds the result of a token that already settled.
// Returns (nil, nil) when the token has no transaction.
func (h *PaymentHandler) replay(ctx context.Context, token string, fineID FineID) (*PaymentResult, error) {
	txn, ok, err := h.store.FindTransactionByToken(ctx, token)
	if err != nil {
		return nil, persistErr("find transaction", err)
	}
	if !ok {
		return nil, nil
	}
	if fineID != "" && txn.FineID != fineID {
		return nil, IntentNotFoundError(token)
	}

	result := &PaymentResult{
		Token:            token,
		Kind:             intentKindFor(txn.Type),
		Transaction:      *txn,
		LoanID:           txn.LoanID,
		FineID:           txn.FineID,
		CreditDelta:      txn.CreditDelta,
		AlreadyProcessed: true,
	}

	if txn.Type == TxLending || txn.Type == TxRepayment {
		contract, err := h.store.GetContractByLoan(ctx, txn.LoanID)
		if err != nil {
			return nil, persistErr("load contract", err)
		}
		result.ContractID = contract.ID
		result.Completed = contract.Status == ContractCompleted && txn.Type == TxRepayment
		for _, ob := range contract.Obligations {
			if ob.TransactionID != txn.ID {
				continue
			}
			result.Paid = append(result.Paid, ob.Seq)
			if ob.Late {
				result.Late = true
				result.DaysLate = max(result.DaysLate, ob.DaysLate)
			}
			if ob.FineID != "" {
				fine, err := h.store.GetFine(ctx, ob.FineID)
				if err != nil {
					return nil, persistErr("load fine", err)
				}
				result.Fine = fine
			}
		}
	}

	h.log.Info("payment already processed", zap.String("token", token), zap.String("transaction_id", string(txn.ID)))
	return result, nil
}

// Cancel drops the intent carrying token after a gateway failure redirect.
func (h *PaymentHandler) Cancel(ctx context.Context, token string) error {
	if token == "" {
		return &InvalidInputError{Field: "transaction_uuid", Reason: "required"}
	}
	err := h.store.WithTx(ctx, func(s Store) error {
		_, err := s.ClaimIntent(ctx, token)
		return err
	})
	if err != nil {
		return persistErr("cancel intent", err)
	}
	h.log.Info("payment intent cancelled", zap.String("token", token))
	return nil
}

// Publish delivers events in order. Failures are logged and dropped.
func (h *PaymentHandler) Publish(ctx context.Context, events []Notification) {
	for _, n := range events {
		if err := h.notifier.Notify(ctx, n); err != nil {
			h.log.Warn("notification failed",
				zap.String("recipient", string(n.RecipientID)),
				zap.String("kind", string(n.Kind)),
				zap.Error(err))
		}
	}
}

func transactionTypeFor(kind IntentKind) TransactionType {
	switch kind {
	case IntentFunding:
		return TxLending
	case IntentFine:
		return TxFinePayment
	default:
		return TxRepayment
	}
}

func intentKindFor(t TransactionType) IntentKind {
	switch t {
	case TxLending:
		return IntentFunding
	case TxFinePayment:
		return IntentFine
	default:
		return IntentRepayment
	}
}
