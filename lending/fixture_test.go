package lending_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/warp/loan-ledger/lending"
	"github.com/warp/loan-ledger/lending/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const (
	borrowerID lending.UserID = "bob"
	lenderID   lending.UserID = "lena"
)

var fundedAt = time.Date(2026, time.January, 1, 10, 0, 0, 0, time.UTC)

// recorder collects notifications; fail makes every call return an error.
type recorder struct {
	mu   sync.Mutex
	got  []lending.Notification
	fail bool
}

func (r *recorder) Notify(_ context.Context, n lending.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
	if r.fail {
		return errors.New("delivery down")
	}
	return nil
}

func (r *recorder) kinds() []lending.NotificationKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]lending.NotificationKind, 0, len(r.got))
	for _, n := range r.got {
		out = append(out, n.Kind)
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.got = nil
	r.mu.Unlock()
}

type fixture struct {
	t        *testing.T
	ctx      context.Context
	store    *store.TxMemory
	ledger   *lending.ContractLedger
	payments *lending.PaymentHandler
	sweeper  *lending.ReminderSweeper
	notes    *recorder
	now      time.Time
	tokens   int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		t:     t,
		ctx:   context.Background(),
		store: store.NewTxMemory(),
		notes: &recorder{},
		now:   fundedAt,
	}
	f.ledger = lending.NewContractLedger(nil)
	f.payments = lending.NewPaymentHandler(f.store, f.ledger, f.notes, testGateway(), nil)
	f.payments.Now = func() time.Time { return f.now }
	f.payments.NewToken = func() string {
		f.tokens++
		return fmt.Sprintf("tok-%d", f.tokens)
	}
	f.sweeper = lending.NewReminderSweeper(f.store, f.notes, nil)

	for _, id := range []lending.UserID{borrowerID, lenderID} {
		require.NoError(t, f.store.SaveUser(f.ctx, lending.User{
			ID:          id,
			Name:        string(id),
			CreditScore: lending.DefaultCreditScore,
			CreatedAt:   fundedAt,
		}))
	}
	return f
}

func (f *fixture) requestLoan(amount string, days int, typ lending.RepaymentType, milestones int) *lending.Loan {
	f.t.Helper()
	loan, err := lending.RequestLoan(f.ctx, f.store, lending.LoanRequest{
		BorrowerID:    borrowerID,
		Amount:        dec(amount),
		InterestRate:  dec("12"),
		DurationDays:  days,
		RepaymentType: typ,
		Milestones:    milestones,
	}, f.now)
	require.NoError(f.t, err)
	return loan
}

// fund takes a loan through funding checkout and gateway confirmation.
func (f *fixture) fund(loan *lending.Loan) *lending.LoanContract {
	f.t.Helper()
	checkout, err := f.payments.StartFunding(f.ctx, loan.ID, lenderID, loan.Amount, false)
	require.NoError(f.t, err)
	result, err := f.payments.Complete(f.ctx, checkout.Token, "")
	require.NoError(f.t, err)
	return f.contract(result.ContractID)
}

// repay starts and confirms a repayment at the current clock.
func (f *fixture) repay(id lending.ContractID, milestone *int) *lending.PaymentResult {
	f.t.Helper()
	checkout, err := f.payments.StartRepayment(f.ctx, id, milestone)
	require.NoError(f.t, err)
	result, err := f.payments.Complete(f.ctx, checkout.Token, "")
	require.NoError(f.t, err)
	return result
}

func (f *fixture) contract(id lending.ContractID) *lending.LoanContract {
	f.t.Helper()
	c, err := f.store.GetContract(f.ctx, id)
	require.NoError(f.t, err)
	return c
}

func (f *fixture) score(id lending.UserID) int {
	f.t.Helper()
	u, err := f.store.GetUser(f.ctx, id)
	require.NoError(f.t, err)
	return u.CreditScore
}

func (f *fixture) at(t time.Time) { f.now = t }

func day(year int, month time.Month, d, hour int) time.Time {
	return time.Date(year, month, d, hour, 0, 0, 0, time.UTC)
}

func intp(i int) *int { return &i }
