package lending_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loan-ledger/lending"
)

func TestRequestLoan_StoresPendingLoan(t *testing.T) {
	f := newFixture(t)

	loan := f.requestLoan("10000", 365, lending.RepaymentMilestone, 2)

	stored, err := f.store.GetLoan(f.ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, lending.LoanPending, stored.Status)
	assert.Equal(t, borrowerID, stored.BorrowerID)
	assert.Empty(t, stored.LenderID)
	assert.Equal(t, 2, stored.Milestones)
	assert.Nil(t, stored.Intent)
}

func TestRequestLoan_LumpSumIgnoresMilestones(t *testing.T) {
	f := newFixture(t)

	loan := f.requestLoan("1000", 30, lending.RepaymentLumpSum, 3)

	assert.Zero(t, loan.Milestones)
}

func TestRequestLoan_Rejections(t *testing.T) {
	f := newFixture(t)

	_, err := lending.RequestLoan(f.ctx, f.store, lending.LoanRequest{
		BorrowerID: borrowerID, Amount: dec("0"), InterestRate: dec("12"),
		DurationDays: 30, RepaymentType: lending.RepaymentLumpSum,
	}, f.now)
	assert.ErrorIs(t, err, lending.ErrInvalidInput)

	_, err = lending.RequestLoan(f.ctx, f.store, lending.LoanRequest{
		BorrowerID: borrowerID, Amount: dec("1000"), InterestRate: dec("12"),
		DurationDays: 30, RepaymentType: lending.RepaymentMilestone, Milestones: 6,
	}, f.now)
	assert.ErrorIs(t, err, lending.ErrInvalidInput)

	_, err = lending.RequestLoan(f.ctx, f.store, lending.LoanRequest{
		BorrowerID: "nobody", Amount: dec("1000"), InterestRate: dec("12"),
		DurationDays: 30, RepaymentType: lending.RepaymentLumpSum,
	}, f.now)
	assert.True(t, lending.IsNotFound(err), "unknown borrower: %v", err)
}
