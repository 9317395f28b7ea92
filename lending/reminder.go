/*
reminder.go - Upcoming and overdue obligation sweep

PURPOSE:
  One pass over every active contract. For each pending obligation:

    daysUntilDue = dueDate - today

    0 < d <= UpcomingWindow  upcoming: borrower reminded once per day-count
    d <= 0                   overdue:  on first entry
                                         - fine estimate stored
                                         - borrower credit penalty
                                         - lender notified
                                       every day-count
                                         - borrower notified

GUARDS (all conditional writes, so a sweep can run any number of times):
  - RecordReminder("upcoming:<contract>:<seq>:<d>")   one upcoming notice per d
  - RecordReminder("overdue:<contract>:<seq>:<od>")   one overdue notice per od
  - MarkPenaltyApplied                                 penalty once per obligation
  - MarkLenderNotified                                 lender notice once per obligation

FAILURES:
  A failing obligation is logged and counted; the remaining obligations
  and contracts are still processed. Notification failures are logged and
  never undo or block the penalty.

SEE ALSO:
  - fine.go:          EstimateOverdueFine
  - api/scheduler.go: ReminderScheduler (timer + serialization)
*/
package lending

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// DefaultUpcomingWindow is how many days ahead a borrower is reminded.
const DefaultUpcomingWindow = 3

// ReminderSweeper classifies pending obligations and emits reminders.
type ReminderSweeper struct {
	store          TxStore
	notifier       Notifier
	log            *zap.Logger
	UpcomingWindow int
}

func NewReminderSweeper(store TxStore, notifier Notifier, log *zap.Logger) *ReminderSweeper {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ReminderSweeper{
		store:          store,
		notifier:       notifier,
		log:            log,
		UpcomingWindow: DefaultUpcomingWindow,
	}
}

// SweepReport summarizes one pass.
type SweepReport struct {
	StartedAt   time.Time `json:"started_at"`
	Contracts   int       `json:"contracts"`
	Obligations int       `json:"obligations"`
	Upcoming    int       `json:"upcoming_sent"`
	Overdue     int       `json:"overdue_sent"`
	Penalized   int       `json:"penalized"`
	Failures    int       `json:"failures"`
}

// Sweep runs one pass as of now.
func (r *ReminderSweeper) Sweep(ctx context.Context, now time.Time) (SweepReport, error) {
	report := SweepReport{StartedAt: now}

	contracts, err := r.store.ListActiveContracts(ctx)
	if err != nil {
		return report, persistErr("list active contracts", err)
	}

	today := DayOf(now)
	for i := range contracts {
		c := &contracts[i]
		report.Contracts++
		r.sweepContract(ctx, c, today, now, &report)
	}

	r.log.Info("reminder sweep finished",
		zap.Int("contracts", report.Contracts),
		zap.Int("obligations", report.Obligations),
		zap.Int("upcoming", report.Upcoming),
		zap.Int("overdue", report.Overdue),
		zap.Int("penalized", report.Penalized),
		zap.Int("failures", report.Failures),
	)
	return report, nil
}

// sweepContract handles each pending obligation on its own. A failing
// obligation is counted and logged; the rest are still processed.
func (r *ReminderSweeper) sweepContract(ctx context.Context, c *LoanContract, today Day, now time.Time, report *SweepReport) {
	for i := range c.Obligations {
		ob := &c.Obligations[i]
		if ob.Status != ObligationPending {
			continue
		}
		report.Obligations++

		var err error
		d := DaysBetween(today, ob.DueDate)
		switch {
		case d > 0 && d <= r.UpcomingWindow:
			err = r.upcoming(ctx, c, ob, d, now, report)
		case d <= 0:
			err = r.overdue(ctx, c, ob, -d, now, report)
		}
		if err != nil {
			report.Failures++
			r.log.Error("reminder sweep failed for obligation",
				zap.String("contract_id", string(c.ID)),
				zap.Int("seq", ob.Seq),
				zap.Error(err))
		}
	}
}

func (r *ReminderSweeper) upcoming(ctx context.Context, c *LoanContract, ob *RepaymentObligation, days int, now time.Time, report *SweepReport) error {
	fresh, err := r.store.RecordReminder(ctx, UpcomingReminderKey(c.ID, ob.Seq, days), now)
	if err != nil {
		return persistErr("record upcoming reminder", err)
	}
	if !fresh {
		return nil
	}
	report.Upcoming++
	r.send(ctx, Notification{
		RecipientID: c.BorrowerID,
		Kind:        NotifyUpcoming,
		Timestamp:   now,
		Message: fmt.Sprintf("Repayment of %s is due in %d day(s), on %s.",
			ob.AmountDue.StringFixed(2), days, ob.DueDate),
	})
	return nil
}

func (r *ReminderSweeper) overdue(ctx context.Context, c *LoanContract, ob *RepaymentObligation, days int, now time.Time, report *SweepReport) error {
	estimate := EstimateOverdueFine(ob.AmountDue, days)

	var penalized bool
	var delta int
	err := r.store.WithTx(ctx, func(s Store) error {
		ok, err := s.MarkPenaltyApplied(ctx, c.ID, ob.Seq, estimate)
		if err != nil || !ok {
			return err
		}
		penalized = true
		delta = RepaymentDelta(ob.AmountDue, false, days)
		if delta == 0 {
			return nil
		}
		_, err = s.AdjustCreditScore(ctx, c.BorrowerID, delta)
		return err
	})
	if err != nil {
		return persistErr("apply overdue penalty", err)
	}
	if penalized {
		report.Penalized++
		ob.PenaltyApplied = true
		ob.FineEstimate = &estimate
		r.log.Info("overdue penalty applied",
			zap.String("contract_id", string(c.ID)),
			zap.Int("seq", ob.Seq),
			zap.Int("days_overdue", days),
			zap.Int("credit_delta", delta),
			zap.String("fine_estimate", estimate.StringFixed(2)),
		)
	}

	notified, err := r.store.MarkLenderNotified(ctx, c.ID, ob.Seq)
	if err != nil {
		return persistErr("mark lender notified", err)
	}
	if notified {
		ob.LenderNotified = true
		r.send(ctx, Notification{
			RecipientID: c.LenderID,
			Kind:        NotifyLenderOverdue,
			Timestamp:   now,
			Message: fmt.Sprintf("The borrower's repayment of %s due %s is overdue.",
				ob.AmountDue.StringFixed(2), ob.DueDate),
		})
	}

	fresh, err := r.store.RecordReminder(ctx, OverdueReminderKey(c.ID, ob.Seq, days), now)
	if err != nil {
		return persistErr("record overdue reminder", err)
	}
	if fresh {
		report.Overdue++
		r.send(ctx, Notification{
			RecipientID: c.BorrowerID,
			Kind:        NotifyOverdue,
			Timestamp:   now,
			Message: fmt.Sprintf("Repayment of %s was due %s and is %d day(s) overdue. Estimated fine: %s.",
				ob.AmountDue.StringFixed(2), ob.DueDate, days, estimate.StringFixed(2)),
		})
	}
	return nil
}

func (r *ReminderSweeper) send(ctx context.Context, n Notification) {
	if err := r.notifier.Notify(ctx, n); err != nil {
		r.log.Warn("reminder notification failed",
			zap.String("recipient", string(n.RecipientID)),
			zap.String("kind", string(n.Kind)),
			zap.Error(err))
	}
}

func UpcomingReminderKey(id ContractID, seq, days int) string {
	return fmt.Sprintf("upcoming:%s:%d:%d", id, seq, days)
}

func OverdueReminderKey(id ContractID, seq, days int) string {
	return fmt.Sprintf("overdue:%s:%d:%d", id, seq, days)
}
