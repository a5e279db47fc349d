// Package scheduler runs LeadPipe's recurring maintenance jobs.
//
// Two jobs are scheduled from configuration: the daily generation budget
// reset and the sweep that archives conversations idle past the inactivity
// window.
package scheduler

import (
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/EduPipe/LeadPipe/internal/config"
	"github.com/EduPipe/LeadPipe/internal/genai"
	"github.com/EduPipe/LeadPipe/internal/store"
)

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
	now  func() time.Time
}

// Opts holds configuration options for the scheduler.
type Opts struct {
	Now func() time.Time
}

// Option defines a configuration option for the scheduler.
type Option func(*Opts)

// WithClock overrides the scheduler's time source for sweep cutoffs.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) {
		o.Now = now
	}
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler(opts ...Option) *Scheduler {
	var o Opts
	for _, opt := range opts {
		opt(&o)
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	// Standard 5-field cron parser (min, hour, dom, month, dow) with panic
	// recovery so one bad job cannot kill the scheduler.
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c, now: o.Now}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// ScheduleBudgetReset arms the daily generation budget reset.
func (s *Scheduler) ScheduleBudgetReset(expr string, tracker *genai.CostTracker) error {
	return s.AddJob(expr, func() {
		tracker.Reset()
		slog.Info("Scheduler: daily generation budget reset")
	})
}

// ScheduleSessionSweep arms the periodic archival of conversations idle
// since before the inactivity window.
func (s *Scheduler) ScheduleSessionSweep(cfg config.SessionConfig, st store.Store) error {
	return s.AddJob(cfg.SweepCron, func() {
		cutoff := s.now().Add(-cfg.InactivityWindow)
		n, err := st.ArchiveInactiveConversations(cutoff)
		if err != nil {
			slog.Error("Scheduler: session sweep failed", "error", err)
			return
		}
		if n > 0 {
			slog.Info("Scheduler: archived inactive conversations", "count", n, "cutoff", cutoff)
		}
	})
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}
