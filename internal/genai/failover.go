// Package genai provides the ordered-failover client.
package genai

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/EduPipe/LeadPipe/internal/breaker"
	"github.com/EduPipe/LeadPipe/internal/config"
	"github.com/EduPipe/LeadPipe/internal/metrics"
	"github.com/EduPipe/LeadPipe/internal/models"
)

// providerSlot binds one provider to its breaker and cost model.
type providerSlot struct {
	provider    Provider
	breaker     *breaker.Breaker
	costPerCall float64
}

// FailoverClient walks the configured provider order, skipping providers
// whose breaker rejects the call or whose cost would exceed the remaining
// daily budget. Attempts are bounded by the provider count.
type FailoverClient struct {
	slots   []providerSlot
	tracker *CostTracker
}

// NewFailoverClient creates the failover client. Providers are tried in the
// order given; each gets its own breaker from the shared settings.
func NewFailoverClient(providers []Provider, costs []float64, settings config.BreakerSettings, tracker *CostTracker) *FailoverClient {
	slots := make([]providerSlot, 0, len(providers))
	for i, p := range providers {
		cost := 0.0
		if i < len(costs) {
			cost = costs[i]
		}
		slots = append(slots, providerSlot{
			provider:    p,
			breaker:     breaker.New("provider:"+p.Name(), settings.FailureThreshold, settings.RecoveryTimeout),
			costPerCall: cost,
		})
	}
	return &FailoverClient{slots: slots, tracker: tracker}
}

// Generate picks the first eligible provider in order and falls through to
// the next on error. When every provider fails, is skipped, or the budget
// is exhausted, it returns an aggregate *models.ProviderError.
func (c *FailoverClient) Generate(ctx context.Context, req Request) (string, error) {
	agg := &models.ProviderError{}

	for _, slot := range c.slots {
		name := slot.provider.Name()

		if !slot.breaker.Allow() {
			slog.Debug("provider skipped, breaker open", "provider", name)
			agg.Attempts = append(agg.Attempts, models.ProviderAttempt{
				Provider: name, Err: errors.New("circuit breaker open"),
			})
			continue
		}

		// Debit the call cost before calling; a failed call still counts
		// against the budget.
		// Budget rejection is not a provider failure; release any probe slot
		// without recording an outcome.
		if err := c.tracker.Debit(slot.costPerCall); err != nil {
			slot.breaker.CancelProbe()
			agg.Attempts = append(agg.Attempts, models.ProviderAttempt{Provider: name, Err: err})
			if errors.Is(err, models.ErrBudgetExhausted) {
				// No cheaper provider can help once the shared budget is gone.
				break
			}
			continue
		}

		start := time.Now()
		text, err := slot.provider.Generate(ctx, req)
		if err != nil {
			slot.breaker.RecordFailure()
			metrics.ProviderFailovers.WithLabelValues(name).Inc()
			slog.Warn("provider generation failed, trying next",
				"provider", name, "duration", time.Since(start), "error", err)
			agg.Attempts = append(agg.Attempts, models.ProviderAttempt{Provider: name, Err: err})
			continue
		}

		slot.breaker.RecordSuccess()
		slog.Debug("provider generation succeeded", "provider", name, "duration", time.Since(start))
		return text, nil
	}

	return "", agg
}

// Healthcheck probes a named provider directly, bypassing failover order.
func (c *FailoverClient) Healthcheck(ctx context.Context, provider string) bool {
	for _, slot := range c.slots {
		if slot.provider.Name() == provider {
			return slot.provider.Healthcheck(ctx)
		}
	}
	return false
}

// BreakerStatus exposes a provider's breaker state for operational endpoints.
func (c *FailoverClient) BreakerStatus(provider string) (breaker.Status, bool) {
	for _, slot := range c.slots {
		if slot.provider.Name() == provider {
			return slot.breaker.Status(), true
		}
	}
	return "", false
}
