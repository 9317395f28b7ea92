package lending_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loan-ledger/lending"
	"github.com/warp/loan-ledger/lending/store"
)

// Milestone 1 of every contract below is 5600.00 due 2026-07-02.
func milestoneContract(t *testing.T) (*fixture, *lending.LoanContract) {
	f := newFixture(t)
	loan := f.requestLoan("10000", 365, lending.RepaymentMilestone, 2)
	c := f.fund(loan)
	f.notes.reset()
	return f, c
}

func (f *fixture) sweep(at time.Time) lending.SweepReport {
	f.t.Helper()
	report, err := f.sweeper.Sweep(f.ctx, at)
	require.NoError(f.t, err)
	return report
}

// =============================================================================
// UPCOMING
// =============================================================================

func TestSweep_Upcoming_OncePerDayCount(t *testing.T) {
	// GIVEN: Milestone 1 due in 3 days
	// WHEN: Sweeping twice that day, then the next day
	// THEN: One reminder per day-count

	f, _ := milestoneContract(t)

	report := f.sweep(day(2026, time.June, 29, 9))
	assert.Equal(t, 1, report.Contracts)
	assert.Equal(t, 2, report.Obligations)
	assert.Equal(t, 1, report.Upcoming)
	assert.Zero(t, report.Overdue)

	report = f.sweep(day(2026, time.June, 29, 15))
	assert.Zero(t, report.Upcoming, "same day-count already sent")

	report = f.sweep(day(2026, time.June, 30, 9))
	assert.Equal(t, 1, report.Upcoming)

	assert.Equal(t, []lending.NotificationKind{lending.NotifyUpcoming, lending.NotifyUpcoming}, f.notes.kinds())
	assert.Equal(t, borrowerID, f.notes.got[0].RecipientID)
}

func TestSweep_OutsideWindow_Silent(t *testing.T) {
	f, _ := milestoneContract(t)

	report := f.sweep(day(2026, time.June, 20, 9))

	assert.Zero(t, report.Upcoming)
	assert.Zero(t, report.Overdue)
	assert.Empty(t, f.notes.kinds())
}

func TestSweep_CustomWindow(t *testing.T) {
	f, _ := milestoneContract(t)
	f.sweeper.UpcomingWindow = 7

	report := f.sweep(day(2026, time.June, 26, 9))

	assert.Equal(t, 1, report.Upcoming)
}

// =============================================================================
// OVERDUE
// =============================================================================

func TestSweep_Overdue_PenalizesOnce(t *testing.T) {
	// GIVEN: Milestone 1 three days overdue
	// WHEN: Sweeping repeatedly
	// THEN: One credit penalty and one lender notice; borrower hears once per day

	f, c := milestoneContract(t)

	report := f.sweep(day(2026, time.July, 5, 9))
	assert.Equal(t, 1, report.Penalized)
	assert.Equal(t, 1, report.Overdue)
	assert.Equal(t, 40, f.score(borrowerID), "-10 for 3 days overdue")
	assert.Equal(t, []lending.NotificationKind{lending.NotifyLenderOverdue, lending.NotifyOverdue}, f.notes.kinds())
	assert.Equal(t, lenderID, f.notes.got[0].RecipientID)
	assert.Equal(t, borrowerID, f.notes.got[1].RecipientID)

	ob := f.contract(c.ID).Obligations[0]
	assert.True(t, ob.PenaltyApplied)
	assert.True(t, ob.LenderNotified)
	require.NotNil(t, ob.FineEstimate)
	assert.Equal(t, "448.00", ob.FineEstimate.StringFixed(2), "5600 at 8%")

	f.notes.reset()
	report = f.sweep(day(2026, time.July, 5, 18))
	assert.Zero(t, report.Penalized)
	assert.Zero(t, report.Overdue)
	assert.Empty(t, f.notes.kinds())

	report = f.sweep(day(2026, time.July, 6, 9))
	assert.Zero(t, report.Penalized)
	assert.Equal(t, 1, report.Overdue)
	assert.Equal(t, []lending.NotificationKind{lending.NotifyOverdue}, f.notes.kinds())
	assert.Equal(t, 40, f.score(borrowerID))
}

func TestSweep_DueDayCountsAsOverdue(t *testing.T) {
	f, _ := milestoneContract(t)

	report := f.sweep(day(2026, time.July, 2, 9))

	assert.Equal(t, 1, report.Penalized)
	assert.Zero(t, report.Upcoming)
}

func TestSweep_ThenLatePayment_NoSecondCreditPenalty(t *testing.T) {
	// GIVEN: The sweep already charged -10 for milestone 1
	// WHEN: The borrower pays 4 days late
	// THEN: A 5% fine is issued but the score is not charged again

	f, c := milestoneContract(t)
	f.sweep(day(2026, time.July, 5, 9))
	require.Equal(t, 40, f.score(borrowerID))

	f.at(day(2026, time.July, 6, 12))
	result := f.repay(c.ID, intp(1))

	assert.True(t, result.Late)
	assert.Equal(t, 4, result.DaysLate)
	require.NotNil(t, result.Fine)
	assert.Equal(t, "280.00", result.Fine.Amount.StringFixed(2))
	assert.Zero(t, result.CreditDelta)
	assert.Equal(t, 40, f.score(borrowerID))

	report := f.sweep(day(2026, time.July, 7, 9))
	assert.Zero(t, report.Overdue, "paid obligations are skipped")
	assert.Equal(t, 1, report.Obligations)
}

func TestSweep_FailingNotifier_StillPenalizes(t *testing.T) {
	f, c := milestoneContract(t)
	f.notes.fail = true

	report := f.sweep(day(2026, time.July, 5, 9))

	assert.Equal(t, 1, report.Penalized)
	assert.Zero(t, report.Failures)
	assert.Equal(t, 40, f.score(borrowerID))
	assert.True(t, f.contract(c.ID).Obligations[0].PenaltyApplied)
}

// =============================================================================
// FAILURE ISOLATION
// =============================================================================

var errDiskFull = errors.New("disk full")

// penaltyFailStore fails MarkPenaltyApplied for obligations matched by fail,
// inside and outside transactions.
type penaltyFailStore struct {
	*store.TxMemory
	fail func(id lending.ContractID, seq int) bool
}

func (s *penaltyFailStore) MarkPenaltyApplied(ctx context.Context, id lending.ContractID, seq int, estimate decimal.Decimal) (bool, error) {
	if s.fail(id, seq) {
		return false, errDiskFull
	}
	return s.TxMemory.MarkPenaltyApplied(ctx, id, seq, estimate)
}

func (s *penaltyFailStore) WithTx(ctx context.Context, fn func(lending.Store) error) error {
	return s.TxMemory.WithTx(ctx, func(tx lending.Store) error {
		return fn(penaltyFailView{Store: tx, fail: s.fail})
	})
}

type penaltyFailView struct {
	lending.Store
	fail func(id lending.ContractID, seq int) bool
}

func (v penaltyFailView) MarkPenaltyApplied(ctx context.Context, id lending.ContractID, seq int, estimate decimal.Decimal) (bool, error) {
	if v.fail(id, seq) {
		return false, errDiskFull
	}
	return v.Store.MarkPenaltyApplied(ctx, id, seq, estimate)
}

func TestSweep_FailingObligation_OthersInContractProcessed(t *testing.T) {
	// GIVEN: Both milestones overdue, and persisting milestone 1's penalty fails
	// WHEN: Sweeping
	// THEN: Milestone 2 is still penalized and notified

	f, c := milestoneContract(t)
	f.sweeper = lending.NewReminderSweeper(&penaltyFailStore{
		TxMemory: f.store,
		fail:     func(_ lending.ContractID, seq int) bool { return seq == 1 },
	}, f.notes, nil)

	report := f.sweep(day(2027, time.January, 5, 9))

	assert.Equal(t, 1, report.Contracts)
	assert.Equal(t, 2, report.Obligations)
	assert.Equal(t, 1, report.Failures)
	assert.Equal(t, 1, report.Penalized)
	assert.Equal(t, 1, report.Overdue)
	assert.Equal(t, 40, f.score(borrowerID), "-10 for milestone 2 only")
	assert.Equal(t, []lending.NotificationKind{lending.NotifyLenderOverdue, lending.NotifyOverdue}, f.notes.kinds())

	got := f.contract(c.ID)
	assert.False(t, got.Obligations[0].PenaltyApplied)
	assert.True(t, got.Obligations[1].PenaltyApplied)
}

func TestSweep_FailingContract_OthersProcessed(t *testing.T) {
	// GIVEN: Two overdue lump-sum contracts; the first cannot be penalized
	// WHEN: Sweeping
	// THEN: The second contract is still penalized

	f := newFixture(t)
	broken := f.fund(f.requestLoan("1000", 30, lending.RepaymentLumpSum, 0))
	healthy := f.fund(f.requestLoan("1000", 30, lending.RepaymentLumpSum, 0))
	f.notes.reset()

	f.sweeper = lending.NewReminderSweeper(&penaltyFailStore{
		TxMemory: f.store,
		fail:     func(id lending.ContractID, _ int) bool { return id == broken.ID },
	}, f.notes, nil)

	report := f.sweep(day(2026, time.February, 5, 9))

	assert.Equal(t, 2, report.Contracts)
	assert.Equal(t, 1, report.Failures)
	assert.Equal(t, 1, report.Penalized)
	assert.False(t, f.contract(broken.ID).Obligations[0].PenaltyApplied)
	assert.True(t, f.contract(healthy.ID).Obligations[0].PenaltyApplied)
	assert.Equal(t, 40, f.score(borrowerID))
}

func TestSweep_CompletedContractsSkipped(t *testing.T) {
	f := newFixture(t)
	loan := f.requestLoan("1000", 30, lending.RepaymentLumpSum, 0)
	c := f.fund(loan)
	f.at(day(2026, time.January, 20, 9))
	f.repay(c.ID, nil)

	report := f.sweep(day(2026, time.March, 1, 9))

	assert.Zero(t, report.Contracts)
	assert.Zero(t, report.Penalized)
}

func TestReminderKeys(t *testing.T) {
	assert.Equal(t, "upcoming:c-1:2:3", lending.UpcomingReminderKey("c-1", 2, 3))
	assert.Equal(t, "overdue:c-1:1:0", lending.OverdueReminderKey("c-1", 1, 0))
}
