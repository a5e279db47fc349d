package postprocess

import (
	"strings"

	"github.com/EduPipe/LeadPipe/internal/models"
)

// Fallback texts used when a stage produced no fragment for its category.
var defaultFragments = map[models.ResponseCategory]string{
	models.CategoryGreeting:    "Olá! Bem-vindo ao nosso atendimento. Como posso ajudar?",
	models.CategoryFallback:    "Desculpe, não consegui processar sua mensagem agora. Pode tentar de novo?",
	models.CategoryOutOfHours:  "Nosso atendimento está fechado no momento. Deixe sua mensagem que respondemos assim que abrirmos!",
	models.CategoryRateLimited: "Recebemos várias mensagens suas em sequência. Aguarde um instante, por favor.",
	models.CategoryEmergency:   "Estamos com uma instabilidade momentânea. Por favor, tente novamente em alguns minutos.",
}

// manualConfirmationNote is appended when the calendar collaborator is
// unavailable during a booking.
const manualConfirmationNote = "Vou confirmar a disponibilidade na agenda e te retorno em seguida, combinado?"

// Format renders the outbound text for a response fragment. It is a pure
// function: category selects the template, the fragment fills it, and an
// empty fragment falls back to the category default.
func Format(category models.ResponseCategory, fragment string) string {
	text := strings.TrimSpace(fragment)
	if text == "" {
		if def, ok := defaultFragments[category]; ok {
			return def
		}
		return defaultFragments[models.CategoryFallback]
	}

	switch category {
	case models.CategoryConfirm:
		return text + " ✅"
	default:
		return text
	}
}
