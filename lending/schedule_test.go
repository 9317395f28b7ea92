package lending_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loan-ledger/lending"
)

var jan1 = lending.NewDay(2026, time.January, 1)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// =============================================================================
// INTEREST
// =============================================================================

func TestGenerateSchedule_InsuredDiscountsRate(t *testing.T) {
	// GIVEN: 10000 at 12% for a year, insured
	// WHEN: Generating the schedule
	// THEN: Rate is 10.2%, interest 1020, total 11020

	sched, err := lending.GenerateSchedule(lending.ScheduleInput{
		Principal:     dec("10000"),
		BaseRate:      dec("12"),
		Insured:       true,
		DurationDays:  365,
		RepaymentType: lending.RepaymentLumpSum,
		Start:         jan1,
	})
	require.NoError(t, err)

	assert.True(t, sched.EffectiveRate.Equal(dec("10.2")), "got %s", sched.EffectiveRate)
	assert.Equal(t, "1020.00", sched.Interest.StringFixed(2))
	assert.Equal(t, "11020.00", sched.TotalRepayment.StringFixed(2))
}

func TestGenerateSchedule_UninsuredKeepsBaseRate(t *testing.T) {
	sched, err := lending.GenerateSchedule(lending.ScheduleInput{
		Principal:     dec("10000"),
		BaseRate:      dec("12"),
		DurationDays:  30,
		RepaymentType: lending.RepaymentLumpSum,
		Start:         jan1,
	})
	require.NoError(t, err)

	// 10000 * 12 * 30 / 36500 = 98.6301...
	assert.True(t, sched.EffectiveRate.Equal(dec("12")))
	assert.Equal(t, "98.63", sched.Interest.StringFixed(2))
	assert.Equal(t, "10098.63", sched.TotalRepayment.StringFixed(2))
}

func TestGenerateSchedule_ZeroRate(t *testing.T) {
	sched, err := lending.GenerateSchedule(lending.ScheduleInput{
		Principal:     dec("2500"),
		BaseRate:      decimal.Zero,
		DurationDays:  60,
		RepaymentType: lending.RepaymentLumpSum,
		Start:         jan1,
	})
	require.NoError(t, err)
	assert.Equal(t, "2500.00", sched.TotalRepayment.StringFixed(2))
}

// =============================================================================
// SCHEDULE SHAPES
// =============================================================================

func TestGenerateSchedule_LumpSum_SingleObligationAtEnd(t *testing.T) {
	sched, err := lending.GenerateSchedule(lending.ScheduleInput{
		Principal:     dec("10000"),
		BaseRate:      dec("12"),
		DurationDays:  365,
		RepaymentType: lending.RepaymentLumpSum,
		Start:         jan1,
	})
	require.NoError(t, err)
	require.Len(t, sched.Obligations, 1)

	ob := sched.Obligations[0]
	assert.Equal(t, 1, ob.Seq)
	assert.Nil(t, ob.MilestoneIndex)
	assert.Equal(t, "2027-01-01", ob.DueDate.String())
	assert.Equal(t, "11200.00", ob.AmountDue.StringFixed(2))
	assert.Equal(t, lending.ObligationPending, ob.Status)
}

func TestGenerateSchedule_TwoMilestones(t *testing.T) {
	// GIVEN: Insured 10000 at 12% for 365 days in 2 milestones
	// THEN: 5510.00 at day 182 and 5510.00 at day 365

	sched, err := lending.GenerateSchedule(lending.ScheduleInput{
		Principal:     dec("10000"),
		BaseRate:      dec("12"),
		Insured:       true,
		DurationDays:  365,
		RepaymentType: lending.RepaymentMilestone,
		Milestones:    2,
		Start:         jan1,
	})
	require.NoError(t, err)
	require.Len(t, sched.Obligations, 2)

	assert.Equal(t, "2026-07-02", sched.Obligations[0].DueDate.String())
	assert.Equal(t, "2027-01-01", sched.Obligations[1].DueDate.String())
	for i, ob := range sched.Obligations {
		assert.Equal(t, i+1, ob.Seq)
		require.NotNil(t, ob.MilestoneIndex)
		assert.Equal(t, i+1, *ob.MilestoneIndex)
		assert.Equal(t, "5510.00", ob.AmountDue.StringFixed(2))
	}
}

func TestGenerateSchedule_ThreeMilestones_IndependentRounding(t *testing.T) {
	// GIVEN: A total of 11200 split in 3
	// THEN: Each is 3733.33 and the sum is one cent short of the total

	sched, err := lending.GenerateSchedule(lending.ScheduleInput{
		Principal:     dec("10000"),
		BaseRate:      dec("12"),
		DurationDays:  365,
		RepaymentType: lending.RepaymentMilestone,
		Milestones:    3,
		Start:         jan1,
	})
	require.NoError(t, err)
	require.Len(t, sched.Obligations, 3)

	sum := decimal.Zero
	for _, ob := range sched.Obligations {
		assert.Equal(t, "3733.33", ob.AmountDue.StringFixed(2))
		sum = sum.Add(ob.AmountDue)
	}
	assert.Equal(t, "11200.00", sched.TotalRepayment.StringFixed(2))
	assert.Equal(t, "11199.99", sum.StringFixed(2))
}

func TestGenerateSchedule_FourMilestones_LastOnFinalDay(t *testing.T) {
	// 102 / 4 = 25 with remainder; the last due date absorbs it
	sched, err := lending.GenerateSchedule(lending.ScheduleInput{
		Principal:     dec("1000"),
		BaseRate:      dec("10"),
		DurationDays:  102,
		RepaymentType: lending.RepaymentMilestone,
		Milestones:    4,
		Start:         jan1,
	})
	require.NoError(t, err)
	require.Len(t, sched.Obligations, 4)

	offsets := []int{25, 50, 75, 102}
	for i, ob := range sched.Obligations {
		assert.Equal(t, jan1.AddDays(offsets[i]), ob.DueDate, "milestone %d", i+1)
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

func TestGenerateSchedule_RejectsInvalidTerms(t *testing.T) {
	valid := lending.ScheduleInput{
		Principal:     dec("1000"),
		BaseRate:      dec("10"),
		DurationDays:  90,
		RepaymentType: lending.RepaymentMilestone,
		Milestones:    3,
		Start:         jan1,
	}

	cases := []struct {
		name   string
		mutate func(*lending.ScheduleInput)
		field  string
	}{
		{"zero principal", func(in *lending.ScheduleInput) { in.Principal = decimal.Zero }, "amount"},
		{"negative principal", func(in *lending.ScheduleInput) { in.Principal = dec("-5") }, "amount"},
		{"negative rate", func(in *lending.ScheduleInput) { in.BaseRate = dec("-1") }, "interest_rate"},
		{"zero duration", func(in *lending.ScheduleInput) { in.DurationDays = 0 }, "duration_days"},
		{"one milestone", func(in *lending.ScheduleInput) { in.Milestones = 1 }, "milestones"},
		{"five milestones", func(in *lending.ScheduleInput) { in.Milestones = 5 }, "milestones"},
		{"duration shorter than milestones", func(in *lending.ScheduleInput) { in.DurationDays = 2 }, "duration_days"},
		{"unknown type", func(in *lending.ScheduleInput) { in.RepaymentType = "weekly" }, "repayment_type"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := valid
			tc.mutate(&in)

			_, err := lending.GenerateSchedule(in)

			require.Error(t, err)
			assert.ErrorIs(t, err, lending.ErrInvalidInput)
			var inputErr *lending.InvalidInputError
			require.ErrorAs(t, err, &inputErr)
			assert.Equal(t, tc.field, inputErr.Field)
		})
	}
}
