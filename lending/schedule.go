/*
schedule.go - Repayment schedule generation

PURPOSE:
  Pure function from loan terms to an ordered list of obligations.

INTEREST:
  Simple, not compounding:
    effectiveRate = baseRate * 0.85   (insured)
                  = baseRate          (not insured)
    interest      = principal * effectiveRate * durationDays / (100 * 365)
    total         = round2(principal + interest)

SCHEDULES:
  lump_sum:  one obligation at start + duration, amount = total
  milestone: N obligations (2..4), spaced duration/N days apart (integer
             division), the last one at start + duration. Each amount is
             round2(total / N), rounded independently, so the sum may
             differ from total by up to N * 0.01.

EXAMPLE:
  principal=10000, rate=12, 365 days, insured
    effectiveRate = 10.2, interest = 1020.00, total = 11020.00
    milestone(2) -> 5510.00 at day 182, 5510.00 at day 365
*/
package lending

import (
	"github.com/shopspring/decimal"
)

var (
	insuranceDiscount = decimal.RequireFromString("0.85")
	daysPerYear       = decimal.NewFromInt(365)
	hundred           = decimal.NewFromInt(100)
)

const (
	MinMilestones = 2
	MaxMilestones = 4
)

// ScheduleInput holds the terms a schedule is generated from.
type ScheduleInput struct {
	Principal     decimal.Decimal
	BaseRate      decimal.Decimal // annual, percent
	Insured       bool
	DurationDays  int
	RepaymentType RepaymentType
	Milestones    int // required iff RepaymentType == milestone
	Start         Day
}

// Schedule is the output of GenerateSchedule.
type Schedule struct {
	EffectiveRate  decimal.Decimal
	Interest       decimal.Decimal
	TotalRepayment decimal.Decimal
	Obligations    []RepaymentObligation
}

// EffectiveRate applies the insurance discount to a base rate.
func EffectiveRate(baseRate decimal.Decimal, insured bool) decimal.Decimal {
	if insured {
		return baseRate.Mul(insuranceDiscount)
	}
	return baseRate
}

// Validate checks the input without generating anything.
func (in ScheduleInput) Validate() error {
	if !in.Principal.IsPositive() {
		return InvalidAmountError("principal must be greater than zero")
	}
	if in.BaseRate.IsNegative() {
		return &InvalidInputError{Field: "interest_rate", Reason: "must not be negative"}
	}
	if in.DurationDays <= 0 {
		return &InvalidInputError{Field: "duration_days", Reason: "must be greater than zero"}
	}
	switch in.RepaymentType {
	case RepaymentLumpSum:
	case RepaymentMilestone:
		if in.Milestones < MinMilestones || in.Milestones > MaxMilestones {
			return &InvalidInputError{Field: "milestones", Reason: "must be 2, 3 or 4"}
		}
		if in.DurationDays < in.Milestones {
			return &InvalidInputError{Field: "duration_days", Reason: "shorter than the milestone count"}
		}
	default:
		return &InvalidInputError{Field: "repayment_type", Reason: "must be lump_sum or milestone"}
	}
	return nil
}

// GenerateSchedule builds the repayment schedule for a funded loan.
func GenerateSchedule(in ScheduleInput) (Schedule, error) {
	if err := in.Validate(); err != nil {
		return Schedule{}, err
	}

	rate := EffectiveRate(in.BaseRate, in.Insured)
	days := decimal.NewFromInt(int64(in.DurationDays))
	interest := in.Principal.Mul(rate).Mul(days).Div(hundred.Mul(daysPerYear))
	totalWithInterest := in.Principal.Add(interest)

	sched := Schedule{
		EffectiveRate:  rate,
		Interest:       Round2(interest),
		TotalRepayment: Round2(totalWithInterest),
	}

	if in.RepaymentType == RepaymentLumpSum {
		sched.Obligations = []RepaymentObligation{{
			Seq:       1,
			DueDate:   in.Start.AddDays(in.DurationDays),
			AmountDue: Round2(totalWithInterest),
			Status:    ObligationPending,
		}}
		return sched, nil
	}

	n := in.Milestones
	interval := in.DurationDays / n
	perMilestone := Round2(totalWithInterest.Div(decimal.NewFromInt(int64(n))))

	sched.Obligations = make([]RepaymentObligation, 0, n)
	for i := 1; i <= n; i++ {
		offset := i * interval
		if i == n {
			offset = in.DurationDays
		}
		idx := i
		sched.Obligations = append(sched.Obligations, RepaymentObligation{
			Seq:            i,
			MilestoneIndex: &idx,
			DueDate:        in.Start.AddDays(offset),
			AmountDue:      perMilestone,
			Status:         ObligationPending,
		})
	}
	return sched, nil
}
