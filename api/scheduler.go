/*
scheduler.go - Daily reminder sweep scheduler

PURPOSE:
  Runs lending.ReminderSweeper once at start and then every day at a fixed
  local hour.

DESIGN:
  - Background goroutine woken by a timer set to the next occurrence of Hour
  - Sweeps are serialized: RunNow from the admin endpoint waits for a
    running scheduled sweep and vice versa
  - A failed sweep is logged; the next one runs on schedule

USAGE:
  scheduler := NewReminderScheduler(sweeper, logger)
  scheduler.Hour = 9
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RunReminders endpoint (manual sweep)
  - lending/reminder.go: ReminderSweeper
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/warp/loan-ledger/lending"
	"go.uber.org/zap"
)

// ReminderScheduler handles the recurring reminder sweep.
type ReminderScheduler struct {
	Sweeper *lending.ReminderSweeper
	Hour    int // local hour of the daily run, 0-23
	Enabled bool

	log *zap.Logger
	now func() time.Time

	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex // guards lifecycle
	runMu   sync.Mutex // serializes sweeps
	started bool
	next    time.Time
	last    *lending.SweepReport
}

// NewReminderScheduler creates a new scheduler.
func NewReminderScheduler(sweeper *lending.ReminderSweeper, log *zap.Logger) *ReminderScheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &ReminderScheduler{
		Sweeper: sweeper,
		Hour:    9,
		Enabled: true,
		log:     log.Named("scheduler"),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
}

// Start begins the scheduler.
func (rs *ReminderScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled {
		rs.log.Info("reminder scheduler disabled, not starting")
		return
	}
	if rs.started {
		return
	}
	rs.started = true
	rs.stop = make(chan struct{})
	rs.wg.Add(1)
	go rs.run(rs.stop)

	rs.log.Info("reminder scheduler started", zap.Int("hour", rs.Hour))
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (rs *ReminderScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.started {
		close(rs.stop)
		rs.wg.Wait()
		rs.started = false
		rs.log.Info("reminder scheduler stopped")
	}
}

func (rs *ReminderScheduler) run(stop <-chan struct{}) {
	defer rs.wg.Done()

	// Run immediately on start
	rs.sweep(context.Background())

	for {
		wait := rs.schedule()
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
			rs.sweep(context.Background())
		case <-stop:
			timer.Stop()
			return
		}
	}
}

func (rs *ReminderScheduler) schedule() time.Duration {
	now := rs.now()
	next := NextRunAfter(now, rs.Hour)
	rs.runMu.Lock()
	rs.next = next
	rs.runMu.Unlock()
	return next.Sub(now)
}

func (rs *ReminderScheduler) sweep(ctx context.Context) {
	if _, err := rs.RunNow(ctx); err != nil {
		rs.log.Error("reminder sweep failed", zap.Error(err))
	}
}

// RunNow runs a sweep immediately, waiting for any sweep in progress.
func (rs *ReminderScheduler) RunNow(ctx context.Context) (lending.SweepReport, error) {
	rs.runMu.Lock()
	defer rs.runMu.Unlock()

	report, err := rs.Sweeper.Sweep(ctx, rs.now())
	if err == nil {
		rs.last = &report
	}
	return report, err
}

// LastReport returns the report of the last successful sweep, if any.
func (rs *ReminderScheduler) LastReport() (lending.SweepReport, bool) {
	rs.runMu.Lock()
	defer rs.runMu.Unlock()
	if rs.last == nil {
		return lending.SweepReport{}, false
	}
	return *rs.last, true
}

// NextRunTime returns when the next scheduled sweep will occur.
func (rs *ReminderScheduler) NextRunTime() time.Time {
	rs.runMu.Lock()
	next := rs.next
	rs.runMu.Unlock()
	if next.IsZero() {
		return NextRunAfter(rs.now(), rs.Hour)
	}
	return next
}

// NextRunAfter returns the first time strictly after now whose local hour
// is hour and minutes are zero.
func NextRunAfter(now time.Time, hour int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
