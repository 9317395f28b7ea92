package lending

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// CREDIT SCORE ADJUSTER
// =============================================================================
//
//   amount range      on-time   lending
//   < 500                 0         0
//   500 - 999            +1        +1
//   1000 - 4999          +2        +2
//   5000 - 9999          +3        +3
//   10000 - 49999        +5        +5
//   50000 - 99999        +8        +8
//   >= 100000           +12       +15
//
//   late, by days late:  <=7: -10   8-14: -20   15-30: -30   >30: -50
//
// Amounts under 500 never move the score. Results are clamped to [0,100]
// by ApplyDelta.

type creditTier struct {
	floor   int64
	onTime  int
	lending int
}

// Ordered from the highest floor down.
var creditTiers = []creditTier{
	{floor: 100000, onTime: 12, lending: 15},
	{floor: 50000, onTime: 8, lending: 8},
	{floor: 10000, onTime: 5, lending: 5},
	{floor: 5000, onTime: 3, lending: 3},
	{floor: 1000, onTime: 2, lending: 2},
	{floor: 500, onTime: 1, lending: 1},
}

var creditFloor = decimal.NewFromInt(500)

func tierFor(amount decimal.Decimal) (creditTier, bool) {
	for _, t := range creditTiers {
		if amount.GreaterThanOrEqual(decimal.NewFromInt(t.floor)) {
			return t, true
		}
	}
	return creditTier{}, false
}

// LatePenalty is the negative delta for a repayment daysLate days late.
func LatePenalty(daysLate int) int {
	switch {
	case daysLate <= 7:
		return -10
	case daysLate <= 14:
		return -20
	case daysLate <= 30:
		return -30
	default:
		return -50
	}
}

// RepaymentDelta is the borrower's score change for repaying amount.
func RepaymentDelta(amount decimal.Decimal, onTime bool, daysLate int) int {
	if amount.LessThan(creditFloor) {
		return 0
	}
	if !onTime {
		return LatePenalty(daysLate)
	}
	t, _ := tierFor(amount)
	return t.onTime
}

// LendingDelta is the lender's score change for funding amount.
// Applied once, at successful funding.
func LendingDelta(amount decimal.Decimal) int {
	t, ok := tierFor(amount)
	if !ok {
		return 0
	}
	return t.lending
}

// ApplyDelta returns current+delta clamped to the credit score bounds.
func ApplyDelta(current, delta int) int {
	return max(MinCreditScore, min(MaxCreditScore, current+delta))
}
