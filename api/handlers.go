/*
handlers.go - HTTP API handlers for the loan ledger

PURPOSE:
  Exposes the lending engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the lending package.

ENDPOINTS:
  Users:
    POST   /api/users                    Create user
    GET    /api/users/{id}               User with credit score and history

  Loans:
    POST   /api/loans                    Borrower loan request
    GET    /api/loans/{id}               Loan details
    POST   /api/loans/{id}/fund          Start funding -> signed gateway request

  Contracts and fines:
    GET    /api/contracts/{id}           Contract with obligations
    POST   /api/contracts/{id}/pay       Start repayment -> signed gateway request
    GET    /api/fines/{id}               Fine details
    POST   /api/fines/{id}/pay           Start fine settlement

  Gateway callbacks:
    GET    /api/payments/success         ?transaction_uuid=&fine_id=
    GET    /api/payments/failure         ?transaction_uuid=

  Admin:
    POST   /api/admin/reminders/run      Run the reminder sweep now

  Scenarios (scenarios.go):
    GET    /api/scenarios                List demo scenarios
    POST   /api/scenarios/load           Load a demo scenario

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input, invalid state
  - 404: Resource or payment intent not found
  - 409: Obligation already paid
  - 500: Internal errors
  A success callback for an already-settled token is 200 with
  "already_processed": true.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/loan-ledger/lending"
	"go.uber.org/zap"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store     lending.TxStore
	Payments  *lending.PaymentHandler
	Scheduler *ReminderScheduler

	log *zap.Logger
	now func() time.Time
}

// NewHandler creates a handler. scheduler may be nil when reminders are disabled.
func NewHandler(store lending.TxStore, payments *lending.PaymentHandler, scheduler *ReminderScheduler, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		Store:     store,
		Payments:  payments,
		Scheduler: scheduler,
		log:       log,
		now:       time.Now,
	}
}

// =============================================================================
// USER HANDLERS
// =============================================================================

// CreateUser creates a user with the default or given credit score.
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required", nil)
		return
	}

	u := lending.User{
		ID:          lending.UserID(req.ID),
		Name:        req.Name,
		Email:       req.Email,
		CreditScore: lending.DefaultCreditScore,
		CreatedAt:   h.now(),
	}
	if u.ID == "" {
		u.ID = lending.UserID(uuid.NewString())
	}
	if req.CreditScore != nil {
		u.CreditScore = lending.ApplyDelta(*req.CreditScore, 0)
	}

	if err := h.Store.SaveUser(r.Context(), u); err != nil {
		h.writeDomainError(w, "Failed to create user", err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserDTO(&u, nil))
}

// GetUser returns a user with their transaction history.
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	id := lending.UserID(chi.URLParam(r, "id"))
	u, err := h.Store.GetUser(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to get user", err)
		return
	}
	txs, err := h.Store.UserTransactions(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to get user transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(u, txs))
}

// =============================================================================
// LOAN HANDLERS
// =============================================================================

// CreateLoan stores a borrower's pending loan request.
func (h *Handler) CreateLoan(w http.ResponseWriter, r *http.Request) {
	var req CreateLoanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}
	rate, err := decimal.NewFromString(req.InterestRate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid interest_rate", err)
		return
	}

	loan, err := lending.RequestLoan(r.Context(), h.Store, lending.LoanRequest{
		BorrowerID:    lending.UserID(req.BorrowerID),
		Amount:        amount,
		InterestRate:  rate,
		DurationDays:  req.DurationDays,
		RepaymentType: lending.RepaymentType(req.RepaymentType),
		Milestones:    req.Milestones,
	}, h.now())
	if err != nil {
		h.writeDomainError(w, "Failed to create loan", err)
		return
	}
	writeJSON(w, http.StatusCreated, toLoanDTO(loan))
}

func (h *Handler) GetLoan(w http.ResponseWriter, r *http.Request) {
	loan, err := h.Store.GetLoan(r.Context(), lending.LoanID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "Failed to get loan", err)
		return
	}
	writeJSON(w, http.StatusOK, toLoanDTO(loan))
}

// FundLoan starts a lender's funding payment.
func (h *Handler) FundLoan(w http.ResponseWriter, r *http.Request) {
	var req FundLoanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	checkout, err := h.Payments.StartFunding(r.Context(),
		lending.LoanID(chi.URLParam(r, "id")), lending.UserID(req.LenderID), amount, req.Insured)
	if err != nil {
		h.writeDomainError(w, "Failed to start funding", err)
		return
	}
	writeJSON(w, http.StatusOK, toCheckoutDTO(checkout))
}

// =============================================================================
// CONTRACT AND FINE HANDLERS
// =============================================================================

func (h *Handler) GetContract(w http.ResponseWriter, r *http.Request) {
	c, err := h.Store.GetContract(r.Context(), lending.ContractID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "Failed to get contract", err)
		return
	}
	writeJSON(w, http.StatusOK, toContractDTO(c))
}

// PayContract starts a repayment. An empty body pays the next obligation.
func (h *Handler) PayContract(w http.ResponseWriter, r *http.Request) {
	var req RepayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	checkout, err := h.Payments.StartRepayment(r.Context(), lending.ContractID(chi.URLParam(r, "id")), req.Milestone)
	if err != nil {
		h.writeDomainError(w, "Failed to start repayment", err)
		return
	}
	writeJSON(w, http.StatusOK, toCheckoutDTO(checkout))
}

func (h *Handler) GetFine(w http.ResponseWriter, r *http.Request) {
	f, err := h.Store.GetFine(r.Context(), lending.FineID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "Failed to get fine", err)
		return
	}
	writeJSON(w, http.StatusOK, toFineDTO(f))
}

func (h *Handler) PayFine(w http.ResponseWriter, r *http.Request) {
	checkout, err := h.Payments.StartFineSettlement(r.Context(), lending.FineID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "Failed to start fine settlement", err)
		return
	}
	writeJSON(w, http.StatusOK, toCheckoutDTO(checkout))
}

// =============================================================================
// GATEWAY CALLBACKS
// =============================================================================

// PaymentSuccess reconciles the gateway's success redirect. Safe to call
// any number of times for one token.
func (h *Handler) PaymentSuccess(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	token := q.Get("transaction_uuid")
	if token == "" {
		writeError(w, http.StatusBadRequest, "transaction_uuid is required", nil)
		return
	}

	result, err := h.Payments.Complete(r.Context(), token, lending.FineID(q.Get("fine_id")))
	if err != nil {
		h.writeDomainError(w, "Failed to complete payment", err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentResultDTO(result))
}

// PaymentFailure drops the intent after the gateway reports a failed payment.
func (h *Handler) PaymentFailure(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("transaction_uuid")
	if token == "" {
		writeError(w, http.StatusBadRequest, "transaction_uuid is required", nil)
		return
	}
	if err := h.Payments.Cancel(r.Context(), token); err != nil {
		h.writeDomainError(w, "Failed to cancel payment", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"transaction_uuid": token,
		"cancelled":        true,
	})
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// RunReminders runs the reminder sweep synchronously and returns its report.
func (h *Handler) RunReminders(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "Reminder scheduler is not configured", nil)
		return
	}
	report, err := h.Scheduler.RunNow(r.Context())
	if err != nil {
		h.writeDomainError(w, "Reminder sweep failed", err)
		return
	}
	writeJSON(w, http.StatusOK, SweepDTO{
		SweepReport: report,
		NextRun:     timestamp(h.Scheduler.NextRunTime()),
	})
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps lending errors onto HTTP statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, message string, err error) {
	switch {
	case lending.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case lending.IsConflict(err), errors.Is(err, lending.ErrDuplicateIdempotencyKey):
		writeError(w, http.StatusConflict, message, err)
	case lending.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	default:
		h.log.Error(message, zap.Error(err))
		writeError(w, http.StatusInternalServerError, message, err)
	}
}
