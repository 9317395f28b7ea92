/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with realistic
	lending data. Each scenario creates users and loans and drives them
	through the real payment flow with back-dated clocks, so the resulting
	contracts, fines and credit scores are exactly what production would
	have produced.

AVAILABLE SCENARIOS:

	pending-request:   Borrower request waiting for a lender
	active-milestone:  Insured 3-milestone contract, first milestone paid on time
	overdue-borrower:  Lump-sum contract 10 days past due, unpaid
	late-with-fine:    Milestone paid 10 days late, fine pending
	completed:         Lump-sum contract repaid on time

HOW SCENARIOS WORK:
 1. Create the scenario's borrower and the shared demo lender
 2. Request the loan as of the back-dated funding day
 3. Fund it through StartFunding + Complete
 4. Optionally repay milestones at chosen days
 All steps run in one store transaction; notifications are delivered
 only after it commits.

USAGE VIA API:

	GET  /api/scenarios
	POST /api/scenarios/load
	{"scenario_id": "late-with-fine"}

NOTE:

	Scenarios never delete data. A scenario whose borrower already exists
	is reported as loaded and cannot be loaded again. A scenario that fails
	part way leaves nothing behind and can be retried.

SEE ALSO:
  - handlers.go: Handler
  - lending/payment.go: the payment flow scenarios drive
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/loan-ledger/lending"
	"go.uber.org/zap"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type scenarioDef struct {
	ScenarioDTO
	borrower lending.User
}

// demoLender funds every demo contract.
var demoLender = lending.User{ID: "demo-lender", Name: "Chandra Rai", Email: "chandra@example.com"}

var scenarios = []scenarioDef{
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "pending-request",
			Name:        "Pending Request",
			Description: "15000 over 180 days in 3 milestones, waiting for a lender",
		},
		borrower: lending.User{ID: "demo-asha", Name: "Asha Gurung", Email: "asha@example.com"},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "active-milestone",
			Name:        "Active Milestone Contract",
			Description: "Insured 30000 over 90 days, milestone 1 of 3 paid on time",
		},
		borrower: lending.User{ID: "demo-bikash", Name: "Bikash Thapa", Email: "bikash@example.com"},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "overdue-borrower",
			Name:        "Overdue Borrower",
			Description: "5000 lump sum due 10 days ago and still unpaid",
		},
		borrower: lending.User{ID: "demo-dipesh", Name: "Dipesh Shrestha", Email: "dipesh@example.com"},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "late-with-fine",
			Name:        "Late Payment With Fine",
			Description: "Milestone 1 of 2 paid 10 days late; 10% fine awaiting settlement",
		},
		borrower: lending.User{ID: "demo-elina", Name: "Elina Karki", Email: "elina@example.com"},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "completed",
			Name:        "Completed Contract",
			Description: "1000 lump sum repaid a day early",
		},
		borrower: lending.User{ID: "demo-firoz", Name: "Firoz Ansari", Email: "firoz@example.com"},
	},
}

func findScenario(id string) (scenarioDef, bool) {
	for _, s := range scenarios {
		if s.ID == id {
			return s, true
		}
	}
	return scenarioDef{}, false
}

// ListScenarios returns available scenarios and whether each is loaded.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	out := make([]ScenarioDTO, 0, len(scenarios))
	for _, s := range scenarios {
		dto := s.ScenarioDTO
		if _, err := h.Store.GetUser(r.Context(), s.borrower.ID); err == nil {
			dto.Loaded = true
		}
		out = append(out, dto)
	}
	writeJSON(w, http.StatusOK, out)
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScenarioID string `json:"scenario_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	s, ok := findScenario(req.ScenarioID)
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}
	ctx := r.Context()
	if _, err := h.Store.GetUser(ctx, s.borrower.ID); err == nil {
		writeError(w, http.StatusConflict, "Scenario already loaded", nil)
		return
	}

	if err := h.loadScenario(ctx, s, h.now()); err != nil {
		h.writeDomainError(w, fmt.Sprintf("Failed to load scenario %s", s.ID), err)
		return
	}

	h.log.Info("scenario loaded", zap.String("scenario", s.ID))
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": s.ID})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

// loadScenario builds s in a single transaction and publishes the
// resulting notifications once it commits.
func (h *Handler) loadScenario(ctx context.Context, s scenarioDef, now time.Time) error {
	var events []lending.Notification
	collect := lending.NotifierFunc(func(_ context.Context, n lending.Notification) error {
		events = append(events, n)
		return nil
	})

	err := h.Store.WithTx(ctx, func(tx lending.Store) error {
		joined := lending.Joined(tx)
		b := &scenarioBuilder{
			store:    joined,
			payments: h.Payments.WithStore(joined, collect),
		}
		return b.load(ctx, s, now)
	})
	if err != nil {
		return err
	}
	h.Payments.Publish(ctx, events)
	return nil
}

// scenarioBuilder drives the lending operations against one transaction.
type scenarioBuilder struct {
	store    lending.TxStore
	payments *lending.PaymentHandler
}

func (b *scenarioBuilder) load(ctx context.Context, s scenarioDef, now time.Time) error {
	if err := b.ensureUser(ctx, demoLender, now); err != nil {
		return err
	}
	if err := b.ensureUser(ctx, s.borrower, now); err != nil {
		return err
	}
	borrower := s.borrower.ID

	switch s.ID {
	case "pending-request":
		_, err := lending.RequestLoan(ctx, b.store, lending.LoanRequest{
			BorrowerID:    borrower,
			Amount:        decimal.NewFromInt(15000),
			InterestRate:  decimal.NewFromInt(11),
			DurationDays:  180,
			RepaymentType: lending.RepaymentMilestone,
			Milestones:    3,
		}, now)
		return err

	case "active-milestone":
		// Milestones due at day 30, 60, 90; the first is paid on day 28.
		fundedAt := now.AddDate(0, 0, -40)
		contract, err := b.fundAt(ctx, lending.LoanRequest{
			BorrowerID:    borrower,
			Amount:        decimal.NewFromInt(30000),
			InterestRate:  decimal.NewFromInt(14),
			DurationDays:  90,
			RepaymentType: lending.RepaymentMilestone,
			Milestones:    3,
		}, true, fundedAt)
		if err != nil {
			return err
		}
		one := 1
		_, err = b.repayAt(ctx, contract, &one, fundedAt.AddDate(0, 0, 28))
		return err

	case "overdue-borrower":
		_, err := b.fundAt(ctx, lending.LoanRequest{
			BorrowerID:    borrower,
			Amount:        decimal.NewFromInt(5000),
			InterestRate:  decimal.NewFromInt(10),
			DurationDays:  30,
			RepaymentType: lending.RepaymentLumpSum,
		}, false, now.AddDate(0, 0, -40))
		return err

	case "late-with-fine":
		// Milestone 1 due on day 60, paid on day 70.
		fundedAt := now.AddDate(0, 0, -75)
		contract, err := b.fundAt(ctx, lending.LoanRequest{
			BorrowerID:    borrower,
			Amount:        decimal.NewFromInt(20000),
			InterestRate:  decimal.NewFromInt(12),
			DurationDays:  120,
			RepaymentType: lending.RepaymentMilestone,
			Milestones:    2,
		}, false, fundedAt)
		if err != nil {
			return err
		}
		one := 1
		_, err = b.repayAt(ctx, contract, &one, fundedAt.AddDate(0, 0, 70))
		return err

	case "completed":
		fundedAt := now.AddDate(0, 0, -60)
		contract, err := b.fundAt(ctx, lending.LoanRequest{
			BorrowerID:    borrower,
			Amount:        decimal.NewFromInt(1000),
			InterestRate:  decimal.NewFromInt(8),
			DurationDays:  30,
			RepaymentType: lending.RepaymentLumpSum,
		}, false, fundedAt)
		if err != nil {
			return err
		}
		_, err = b.repayAt(ctx, contract, nil, fundedAt.AddDate(0, 0, 29))
		return err
	}
	return fmt.Errorf("scenario %s has no loader", s.ID)
}

// ensureUser creates u with the default score unless it already exists.
func (b *scenarioBuilder) ensureUser(ctx context.Context, u lending.User, now time.Time) error {
	if _, err := b.store.GetUser(ctx, u.ID); err == nil {
		return nil
	} else if !lending.IsNotFound(err) {
		return err
	}
	u.CreditScore = lending.DefaultCreditScore
	u.CreatedAt = now
	return b.store.SaveUser(ctx, u)
}

// paymentsAt returns a copy of the payment handler whose clock reads at.
func (b *scenarioBuilder) paymentsAt(at time.Time) *lending.PaymentHandler {
	p := b.payments.WithStore(b.store, nil)
	p.Now = func() time.Time { return at }
	return p
}

// fundAt requests a loan and funds it by the demo lender at fundedAt.
func (b *scenarioBuilder) fundAt(ctx context.Context, req lending.LoanRequest, insured bool, fundedAt time.Time) (lending.ContractID, error) {
	loan, err := lending.RequestLoan(ctx, b.store, req, fundedAt)
	if err != nil {
		return "", err
	}
	p := b.paymentsAt(fundedAt)
	checkout, err := p.StartFunding(ctx, loan.ID, demoLender.ID, loan.Amount, insured)
	if err != nil {
		return "", err
	}
	result, err := p.Complete(ctx, checkout.Token, "")
	if err != nil {
		return "", err
	}
	return result.ContractID, nil
}

// repayAt pays one milestone (or the lump sum) of contract at paidAt.
func (b *scenarioBuilder) repayAt(ctx context.Context, contract lending.ContractID, milestone *int, paidAt time.Time) (*lending.PaymentResult, error) {
	p := b.paymentsAt(paidAt)
	checkout, err := p.StartRepayment(ctx, contract, milestone)
	if err != nil {
		return nil, err
	}
	return p.Complete(ctx, checkout.Token, "")
}
