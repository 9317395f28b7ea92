/*
fine.go - Lateness fines

TWO FORMULAS, KEPT SEPARATE:
  At payment time (CalculateFine), a tiered table:
    daysLate <= 7   ->  5%
    8  .. 14        -> 10%
    15 .. 30        -> 18%
    > 30            -> 25%

  During the overdue sweep (EstimateOverdueFine), before any payment:
    percent = 5 + min(daysOverdue, 30)      (capped at 35%)

  The sweep figure is an estimate shown to the borrower. The Fine record
  is always created from the payment-time table.

DAYS LATE:
  Counted in calendar days after the due day. Paying any time on the due
  day is on time; paying the next day is 1 day late.
*/
package lending

import (
	"time"

	"github.com/shopspring/decimal"
)

// FineTier identifies a lateness bracket.
type FineTier int

const (
	FineTierNone FineTier = iota
	FineTierWeek          // 1..7 days
	FineTierFortnight     // 8..14 days
	FineTierMonth         // 15..30 days
	FineTierSevere        // > 30 days
)

func (t FineTier) String() string {
	switch t {
	case FineTierWeek:
		return "week"
	case FineTierFortnight:
		return "fortnight"
	case FineTierMonth:
		return "month"
	case FineTierSevere:
		return "severe"
	default:
		return "none"
	}
}

const overdueEstimateCap = 30

// ClassifyFine maps days late onto a tier and its percentage.
func ClassifyFine(daysLate int) (FineTier, decimal.Decimal) {
	switch {
	case daysLate <= 0:
		return FineTierNone, decimal.Zero
	case daysLate <= 7:
		return FineTierWeek, decimal.NewFromInt(5)
	case daysLate <= 14:
		return FineTierFortnight, decimal.NewFromInt(10)
	case daysLate <= 30:
		return FineTierMonth, decimal.NewFromInt(18)
	default:
		return FineTierSevere, decimal.NewFromInt(25)
	}
}

// DaysLate counts calendar days between the due day and the payment day.
// Zero or negative means on time.
func DaysLate(due Day, paidAt time.Time) int {
	return DaysBetween(due, DayOf(paidAt))
}

// FineAssessment is the outcome of comparing a payment to its due date.
type FineAssessment struct {
	Late     bool
	DaysLate int
	Tier     FineTier
	Percent  decimal.Decimal
	Amount   decimal.Decimal
}

// CalculateFine assesses the fine for paying amount at paidAt against due.
func CalculateFine(due Day, paidAt time.Time, amount decimal.Decimal) FineAssessment {
	days := DaysLate(due, paidAt)
	if days <= 0 {
		return FineAssessment{Percent: decimal.Zero, Amount: decimal.Zero}
	}
	tier, pct := ClassifyFine(days)
	return FineAssessment{
		Late:     true,
		DaysLate: days,
		Tier:     tier,
		Percent:  pct,
		Amount:   Round2(amount.Mul(pct).Div(hundred)),
	}
}

// OverdueEstimatePercent is the sweep's linear estimate, capped at 35%.
func OverdueEstimatePercent(daysOverdue int) decimal.Decimal {
	if daysOverdue < 0 {
		daysOverdue = 0
	}
	return decimal.NewFromInt(int64(5 + min(daysOverdue, overdueEstimateCap)))
}

// EstimateOverdueFine applies OverdueEstimatePercent to amount.
func EstimateOverdueFine(amount decimal.Decimal, daysOverdue int) decimal.Decimal {
	return Round2(amount.Mul(OverdueEstimatePercent(daysOverdue)).Div(hundred))
}
