package flow

import "github.com/EduPipe/LeadPipe/internal/models"

// Outcome classifies the result of one stage handler execution. The
// transition table is keyed by (stage, outcome).
type Outcome string

const (
	// OutcomeAdvance moves to the next stage in the nominal path.
	OutcomeAdvance Outcome = "advance"
	// OutcomeStay keeps the conversation in the current stage.
	OutcomeStay Outcome = "stay"
	// OutcomeInfo routes to the free-form information stage.
	OutcomeInfo Outcome = "info"
	// OutcomeQualified is emitted when all mandatory lead fields are complete.
	OutcomeQualified Outcome = "qualified"
	// OutcomeInvalid is a validation failure; the user gets a corrective prompt.
	OutcomeInvalid Outcome = "invalid"
	// OutcomeConflict is a scheduling conflict with alternate slots offered.
	OutcomeConflict Outcome = "conflict"
	// OutcomeBooked is an approved appointment slot awaiting confirmation.
	OutcomeBooked Outcome = "booked"
	// OutcomeConfirmed is the user's final confirmation of a booked slot.
	OutcomeConfirmed Outcome = "confirmed"
	// OutcomeRevise sends a booked-but-rejected slot back to scheduling.
	OutcomeRevise Outcome = "revise"
	// OutcomeCancelled is an explicit cancellation of an appointment.
	OutcomeCancelled Outcome = "cancelled"
	// OutcomeHandoff escalates the conversation.
	OutcomeHandoff Outcome = "handoff"
	// OutcomeProviderDown is emitted when generation is unavailable
	// (all providers failing or cost budget exhausted).
	OutcomeProviderDown Outcome = "provider_down"
	// OutcomeRecovered leaves the emergency stage after generation recovers.
	OutcomeRecovered Outcome = "recovered"
)

// transitions is the conversation transition table. It is data, not code:
// handlers emit outcomes, the table decides the next stage. Any (stage,
// outcome) pair missing from the table resolves to Handoff.
var transitions = map[models.Stage]map[Outcome]models.Stage{
	models.StageGreeting: {
		OutcomeAdvance:      models.StageQualification,
		OutcomeStay:         models.StageGreeting,
		OutcomeInfo:         models.StageInformation,
		OutcomeHandoff:      models.StageHandoff,
		OutcomeProviderDown: models.StageEmergency,
	},
	models.StageQualification: {
		OutcomeStay:         models.StageQualification,
		OutcomeInvalid:      models.StageQualification,
		OutcomeInfo:         models.StageInformation,
		OutcomeQualified:    models.StageScheduling,
		OutcomeHandoff:      models.StageHandoff,
		OutcomeProviderDown: models.StageEmergency,
	},
	models.StageInformation: {
		OutcomeAdvance:      models.StageQualification,
		OutcomeStay:         models.StageInformation,
		OutcomeQualified:    models.StageScheduling,
		OutcomeHandoff:      models.StageHandoff,
		OutcomeProviderDown: models.StageEmergency,
	},
	models.StageScheduling: {
		OutcomeStay:         models.StageScheduling,
		OutcomeInvalid:      models.StageScheduling,
		OutcomeConflict:     models.StageScheduling,
		OutcomeBooked:       models.StageValidation,
		OutcomeInfo:         models.StageInformation,
		OutcomeHandoff:      models.StageHandoff,
		OutcomeProviderDown: models.StageEmergency,
	},
	models.StageValidation: {
		OutcomeStay:         models.StageValidation,
		OutcomeInvalid:      models.StageValidation,
		OutcomeConfirmed:    models.StageConfirmation,
		OutcomeRevise:       models.StageScheduling,
		OutcomeCancelled:    models.StageScheduling,
		OutcomeHandoff:      models.StageHandoff,
		OutcomeProviderDown: models.StageEmergency,
	},
	models.StageConfirmation: {
		OutcomeStay:      models.StageConfirmation,
		OutcomeCancelled: models.StageScheduling,
		OutcomeHandoff:   models.StageHandoff,
	},
	models.StageHandoff: {
		OutcomeStay: models.StageHandoff,
	},
	models.StageEmergency: {
		OutcomeRecovered:    models.StageQualification,
		OutcomeProviderDown: models.StageHandoff,
		OutcomeHandoff:      models.StageHandoff,
	},
}

// NextStage resolves the transition table for a (stage, outcome) pair.
// Unmodeled pairs default to Handoff.
func NextStage(stage models.Stage, outcome Outcome) models.Stage {
	if byOutcome, ok := transitions[stage]; ok {
		if next, ok := byOutcome[outcome]; ok {
			return next
		}
	}
	return models.StageHandoff
}
