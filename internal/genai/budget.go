// Package genai provides the shared daily cost counter.
package genai

import (
	"log/slog"
	"sync"
	"time"

	"github.com/EduPipe/LeadPipe/internal/metrics"
	"github.com/EduPipe/LeadPipe/internal/models"
)

// CostTracker is the shared daily spend counter. Once cumulative spend
// reaches the budget, further paid calls are blocked regardless of breaker
// state. It is safe for concurrent use.
type CostTracker struct {
	mu     sync.Mutex
	budget float64
	spent  float64
	day    string
	now    func() time.Time
}

// NewCostTracker creates a tracker with the given daily budget.
func NewCostTracker(dailyBudget float64) *CostTracker {
	return &CostTracker{
		budget: dailyBudget,
		now:    time.Now,
	}
}

// Debit charges cost against the daily budget before a paid call. It
// returns models.ErrBudgetExhausted when the charge would exceed the budget.
// The day rolls over lazily on first debit after midnight UTC; a cron-driven
// Reset covers idle periods.
func (t *CostTracker) Debit(cost float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rollover()
	if t.spent+cost > t.budget {
		slog.Warn("daily cost budget exhausted", "spent", t.spent, "budget", t.budget, "requested", cost)
		return models.ErrBudgetExhausted
	}
	t.spent += cost
	metrics.BudgetSpent.Set(t.spent)
	return nil
}

// Remaining returns the budget left for the current day.
func (t *CostTracker) Remaining() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollover()
	return t.budget - t.spent
}

// Spent returns the cumulative spend for the current day.
func (t *CostTracker) Spent() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollover()
	return t.spent
}

// Reset clears the daily counter. Wired to the configured reset schedule.
func (t *CostTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.spent = 0
	t.day = t.now().UTC().Format("2006-01-02")
	metrics.BudgetSpent.Set(0)
	slog.Info("daily cost budget reset", "budget", t.budget)
}

// rollover resets the counter when the UTC day has changed. Caller holds mu.
func (t *CostTracker) rollover() {
	today := t.now().UTC().Format("2006-01-02")
	if t.day != today {
		t.day = today
		t.spent = 0
		metrics.BudgetSpent.Set(0)
	}
}
