// Package flow implements the conversation state machine.
//
// Each inbound turn dispatches to the handler for the conversation's current
// stage. Handlers consult the business rules engine, optionally call the
// generation layer for free text, and emit an Outcome; the transition table
// in transitions.go resolves the next stage. Unavailable generation (all
// providers down or budget exhausted) routes to the Emergency stage, which
// answers with deterministic scripted text and escalates to Handoff when it
// repeats.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/EduPipe/LeadPipe/internal/config"
	"github.com/EduPipe/LeadPipe/internal/genai"
	"github.com/EduPipe/LeadPipe/internal/models"
	"github.com/EduPipe/LeadPipe/internal/rules"
)

// ConflictSource supplies existing bookings for conflict checks. The
// calendar client is the production implementation.
type ConflictSource interface {
	CheckConflicts(ctx context.Context, start, end time.Time) ([]models.Conflict, error)
}

// TurnResult is what one state machine turn produces.
type TurnResult struct {
	// Reply is the response fragment for postprocessing.
	Reply string
	// Category selects the outbound template.
	Category models.ResponseCategory
	// Outcome is the handler's classification of this turn.
	Outcome Outcome
	// Stage is the conversation stage after the transition.
	Stage models.Stage
}

// Machine drives the staged conversation toward a qualified lead and a
// booked appointment.
type Machine struct {
	pricing       *rules.PricingValidator
	scheduling    *rules.SchedulingValidator
	qualification *rules.QualificationTracker
	handoff       *rules.HandoffEvaluator
	hours         *rules.Hours
	gen           genai.Client
	conflicts     ConflictSource

	maxValidationFails int
	now                func() time.Time
}

// Opts holds configuration options for the state machine.
type Opts struct {
	Now func() time.Time
}

// Option defines a configuration option for the state machine.
type Option func(*Opts)

// WithClock overrides the machine's time source.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) {
		o.Now = now
	}
}

// NewMachine creates the conversation state machine.
func NewMachine(pricing *rules.PricingValidator, scheduling *rules.SchedulingValidator,
	qualification *rules.QualificationTracker, handoff *rules.HandoffEvaluator,
	hours *rules.Hours, gen genai.Client, conflicts ConflictSource,
	handoffCfg config.HandoffConfig, opts ...Option) *Machine {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	maxFails := handoffCfg.MaxValidationFails
	if maxFails <= 0 {
		maxFails = 3
	}
	slog.Debug("Creating conversation state machine", "maxValidationFails", maxFails)
	return &Machine{
		pricing:            pricing,
		scheduling:         scheduling,
		qualification:      qualification,
		handoff:            handoff,
		hours:              hours,
		gen:                gen,
		conflicts:          conflicts,
		maxValidationFails: maxFails,
		now:                cfg.Now,
	}
}

// Turn runs one conversation turn. It mutates state in place (history,
// lead data, metrics, appointment, trail) and returns the reply material.
// Turn never returns a user-visible raw error: generation failures route
// to the Emergency stage, everything else resolves through the table.
func (m *Machine) Turn(ctx context.Context, state *models.ConversationState, text string) (*TurnResult, error) {
	if state == nil {
		return nil, fmt.Errorf("conversation state is nil")
	}
	slog.Debug("Machine.Turn invoked", "senderID", state.SenderID, "stage", state.Stage)

	now := m.now()
	state.Metrics.TurnCount++
	state.AppendMessage("user", text, now)

	result := m.dispatch(ctx, state, text)
	next := NextStage(state.Stage, result.Outcome)
	if next != state.Stage {
		slog.Info("Conversation stage transition", "senderID", state.SenderID,
			"from", state.Stage, "to", next, "outcome", result.Outcome)
	}
	state.AppendDecision(string(state.Stage), string(result.Outcome), 0, now)
	state.Stage = next
	state.UpdatedAt = now
	result.Stage = next

	state.AppendMessage("assistant", result.Reply, now)
	return result, nil
}

// dispatch runs the pre-stage escalation checks and the current stage's handler.
func (m *Machine) dispatch(ctx context.Context, state *models.ConversationState, text string) *TurnResult {
	// Escalation signals outrank every stage handler. Terminal stages keep
	// their own replies.
	if state.Stage != models.StageHandoff && state.Stage != models.StageConfirmation {
		sig := rules.HandoffSignals{
			ValidationFails:    state.Metrics.ValidationFails,
			NegativeSentiment:  m.handoff.DetectNegativeSentiment(text),
			ExplicitEscalation: m.handoff.DetectEscalationIntent(text),
		}
		if sig.ExplicitEscalation || state.Metrics.ValidationFails >= m.maxValidationFails || m.handoff.ShouldHandoff(sig) {
			slog.Info("Handoff forced by escalation signals", "senderID", models.RedactPhone(state.SenderID),
				"validationFails", state.Metrics.ValidationFails)
			return &TurnResult{
				Reply:    m.handoff.ContactMessage(),
				Category: models.CategoryHandoff,
				Outcome:  OutcomeHandoff,
			}
		}
	}

	// Pricing questions are answered in any non-terminal stage without
	// leaving it. Negotiation attempts get the redirect, never a discount.
	if state.Stage != models.StageHandoff && state.Stage != models.StageEmergency {
		if m.pricing.DetectNegotiationIntent(text) {
			return &TurnResult{Reply: m.pricing.RedirectMessage(), Category: models.CategoryPricing, Outcome: OutcomeStay}
		}
		if m.pricing.DetectPriceIntent(text) {
			return &TurnResult{Reply: m.pricing.QuoteMessage(), Category: models.CategoryPricing, Outcome: OutcomeStay}
		}
	}

	switch state.Stage {
	case models.StageGreeting:
		return m.handleGreeting(ctx, state, text)
	case models.StageQualification:
		return m.handleQualification(ctx, state, text)
	case models.StageInformation:
		return m.handleInformation(ctx, state, text)
	case models.StageScheduling:
		return m.handleScheduling(ctx, state, text)
	case models.StageValidation:
		return m.handleValidation(state, text)
	case models.StageConfirmation:
		return m.handleConfirmation(state, text)
	case models.StageHandoff:
		return &TurnResult{Reply: m.handoff.ContactMessage(), Category: models.CategoryHandoff, Outcome: OutcomeStay}
	case models.StageEmergency:
		return m.handleEmergency(ctx, state, text)
	default:
		slog.Error("Unknown conversation stage", "stage", state.Stage, "senderID", models.RedactPhone(state.SenderID))
		return &TurnResult{Reply: m.handoff.ContactMessage(), Category: models.CategoryHandoff, Outcome: OutcomeHandoff}
	}
}

// generate calls the provider layer, translating unavailability into the
// emergency path.
func (m *Machine) generate(ctx context.Context, state *models.ConversationState, req genai.Request) (string, *TurnResult) {
	text, err := m.gen.Generate(ctx, req)
	if err == nil {
		return text, nil
	}
	var perr *models.ProviderError
	if errors.As(err, &perr) || errors.Is(err, models.ErrProviderUnavailable) || errors.Is(err, models.ErrBudgetExhausted) {
		slog.Warn("Generation unavailable, entering emergency stage",
			"senderID", models.RedactPhone(state.SenderID), "error", err)
		state.Metrics.EmergencyEntries++
		return "", &TurnResult{Reply: emergencyScript, Category: models.CategoryEmergency, Outcome: OutcomeProviderDown}
	}
	// Other generation errors degrade to scripted content without an
	// emergency entry.
	slog.Error("Generation failed", "senderID", models.RedactPhone(state.SenderID), "error", err)
	return "", &TurnResult{Reply: emergencyScript, Category: models.CategoryFallback, Outcome: OutcomeStay}
}

func containsWord(text string, words ...string) bool {
	lower := strings.ToLower(text)
	for _, w := range words {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}
