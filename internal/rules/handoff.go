package rules

import (
	"strings"

	"github.com/EduPipe/LeadPipe/internal/config"
)

// HandoffSignals are the inputs the handoff evaluator weighs.
type HandoffSignals struct {
	// ValidationFails counts repeated validation failures in the conversation.
	ValidationFails int
	// NegativeSentiment is set when the message carries strongly negative wording.
	NegativeSentiment bool
	// ExplicitEscalation is set when the user asks to talk to someone.
	ExplicitEscalation bool
	// Confidence is the generation confidence in [0, 1]; low values push
	// toward handoff. A zero value means no confidence signal was available.
	Confidence float64
	// HasConfidence distinguishes "no signal" from "zero confidence".
	HasConfidence bool
}

// Signal weights. The weighted sum is compared against the configured
// threshold; crossing it forces a transition to the handoff stage.
const (
	weightValidationFails = 0.4
	weightNegative        = 0.3
	weightEscalation      = 0.6
	weightLowConfidence   = 0.3
)

// HandoffEvaluator combines escalation signals into a weighted score.
type HandoffEvaluator struct {
	cfg config.HandoffConfig
}

// NewHandoffEvaluator creates a handoff evaluator from configuration.
func NewHandoffEvaluator(cfg config.HandoffConfig) *HandoffEvaluator {
	return &HandoffEvaluator{cfg: cfg}
}

var escalationKeywords = []string{
	"falar com alguém", "falar com alguem", "atendente", "falar com uma pessoa",
	"quero falar com", "me liguem", "reclamação", "reclamacao", "procon",
	"speak to someone", "real person",
}

var negativeKeywords = []string{
	"péssimo", "pessimo", "horrível", "horrivel", "absurdo", "ridículo",
	"ridiculo", "nunca mais", "cancelar", "detestei", "raiva", "terrible",
	"awful", "useless",
}

// DetectEscalationIntent reports whether the text explicitly asks for escalation.
func (e *HandoffEvaluator) DetectEscalationIntent(text string) bool {
	return matchAny(text, escalationKeywords)
}

// DetectNegativeSentiment reports whether the text carries strongly negative wording.
func (e *HandoffEvaluator) DetectNegativeSentiment(text string) bool {
	return matchAny(text, negativeKeywords)
}

// Score computes the weighted escalation score in [0, 1+].
func (e *HandoffEvaluator) Score(sig HandoffSignals) float64 {
	score := 0.0
	if sig.ValidationFails >= e.cfg.MaxValidationFails {
		score += weightValidationFails
	}
	if sig.NegativeSentiment {
		score += weightNegative
	}
	if sig.ExplicitEscalation {
		score += weightEscalation
	}
	if sig.HasConfidence && sig.Confidence < 0.5 {
		score += weightLowConfidence
	}
	return score
}

// ShouldHandoff reports whether the signals cross the configured threshold.
func (e *HandoffEvaluator) ShouldHandoff(sig HandoffSignals) bool {
	return e.Score(sig) >= e.cfg.Threshold
}

// ContactMessage returns the fixed contact message used on handoff. Per
// business convention it points to an alternate contact channel without
// further detail.
func (e *HandoffEvaluator) ContactMessage() string {
	return e.cfg.ContactMessage
}

func matchAny(text string, keywords []string) bool {
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
