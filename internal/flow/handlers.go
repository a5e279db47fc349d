package flow

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/EduPipe/LeadPipe/internal/genai"
	"github.com/EduPipe/LeadPipe/internal/models"
)

// emergencyScript is the deterministic, non-generated reply used while the
// provider layer is unavailable.
const emergencyScript = "Estamos com uma instabilidade momentânea no atendimento. " +
	"Por favor, envie sua mensagem novamente em alguns minutos."

const systemPrompt = "Você é a assistente virtual de uma escola de reforço escolar. " +
	"Responda em português, de forma curta e cordial. Nunca ofereça descontos e " +
	"nunca invente valores, horários ou vagas."

var infoKeywords = []string{
	"como funciona", "metodologia", "material", "horário de funcionamento",
	"horario de funcionamento", "onde fica", "endereço", "endereco",
	"qual é", "qual e", "dúvida", "duvida", "?",
}

func (m *Machine) handleGreeting(ctx context.Context, state *models.ConversationState, text string) *TurnResult {
	// Entities the user volunteers up front still count toward qualification.
	m.qualification.Update(&state.Lead, m.qualification.ExtractEntities(text))

	reply, fallback := m.generate(ctx, state, genai.Request{
		System: systemPrompt + " Cumprimente o responsável e pergunte o nome dele e o nome do aluno.",
		User:   text,
	})
	if fallback != nil {
		return fallback
	}
	state.SetFlag("greeted", true)
	return &TurnResult{Reply: reply, Category: models.CategoryGreeting, Outcome: OutcomeAdvance}
}

func (m *Machine) handleQualification(ctx context.Context, state *models.ConversationState, text string) *TurnResult {
	if containsWord(text, infoKeywords...) && len(m.qualification.ExtractEntities(text)) == 0 {
		return m.handleInformation(ctx, state, text)
	}

	entities := m.qualification.ExtractEntities(text)
	m.qualification.Update(&state.Lead, entities)
	var rejected []string
	for _, name := range models.LeadFieldNames {
		if _, ok := entities[name]; !ok {
			continue
		}
		if v, _ := state.Lead.Field(name); v == "" {
			rejected = append(rejected, name)
		}
	}
	if len(rejected) > 0 {
		state.Metrics.ValidationFails++
		slog.Debug("Lead field validation failed", "senderID", models.RedactPhone(state.SenderID),
			"fields", rejected, "validationFails", state.Metrics.ValidationFails)
		return &TurnResult{
			Reply:    correctivePrompt(rejected[0]),
			Category: models.CategoryInfo,
			Outcome:  OutcomeInvalid,
		}
	}

	if state.Lead.Qualified() {
		slog.Info("Lead qualified", "senderID", models.RedactPhone(state.SenderID),
			"turns", state.Metrics.TurnCount)
		return &TurnResult{
			Reply: "Perfeito, tenho todas as informações! Vamos agendar uma aula experimental? " +
				"Me diga o dia e o horário de sua preferência (por exemplo: 15/09 às 14h).",
			Category: models.CategoryScheduling,
			Outcome:  OutcomeQualified,
		}
	}

	return &TurnResult{
		Reply:    m.qualification.NextPrompt(&state.Lead),
		Category: models.CategoryInfo,
		Outcome:  OutcomeStay,
	}
}

func (m *Machine) handleInformation(ctx context.Context, state *models.ConversationState, text string) *TurnResult {
	reply, fallback := m.generate(ctx, state, genai.Request{
		System:  systemPrompt + " Responda a dúvida do responsável sobre a escola.",
		User:    text,
		History: state.History,
	})
	if fallback != nil {
		return fallback
	}
	outcome := OutcomeAdvance
	if state.Lead.Qualified() {
		outcome = OutcomeQualified
	} else if missing := state.Lead.MissingFields(); len(missing) > 0 {
		reply = reply + "\n\n" + m.qualification.NextPrompt(&state.Lead)
	}
	return &TurnResult{Reply: reply, Category: models.CategoryInfo, Outcome: outcome}
}

func (m *Machine) handleScheduling(ctx context.Context, state *models.ConversationState, text string) *TurnResult {
	start, ok := parseSlot(text, m.now(), m.hours.Location())
	if !ok {
		return &TurnResult{
			Reply: "Não consegui identificar o dia e horário. Pode me dizer no formato " +
				"dia/mês e hora? Por exemplo: 15/09 às 14h.",
			Category: models.CategoryScheduling,
			Outcome:  OutcomeStay,
		}
	}
	req := models.AppointmentRequest{Start: start, End: start.Add(time.Hour)}

	var booked []models.Conflict
	if m.conflicts != nil {
		var err error
		booked, err = m.conflicts.CheckConflicts(ctx, req.Start, req.End)
		if err != nil {
			// Calendar is behind its own breaker in postprocessing; here a
			// lookup failure only skips the conflict pre-check.
			slog.Warn("Conflict lookup failed, proceeding without booked slots", "error", err)
			booked = nil
		}
	}

	err := m.scheduling.Validate(req, booked)
	if err == nil {
		state.Appointment = &req
		return &TurnResult{
			Reply: fmt.Sprintf("O horário %s está disponível. Confirma o agendamento? (sim/não)",
				models.FormatSlot(req.Start, req.End)),
			Category: models.CategoryScheduling,
			Outcome:  OutcomeBooked,
		}
	}

	var conflict *models.ConflictError
	if errors.As(err, &conflict) {
		state.Metrics.ValidationFails = 0
		return &TurnResult{
			Reply:    conflictReply(conflict),
			Category: models.CategoryScheduling,
			Outcome:  OutcomeConflict,
		}
	}

	state.Metrics.ValidationFails++
	return &TurnResult{
		Reply: fmt.Sprintf("Esse horário fica fora do nosso funcionamento. Atendemos %s. "+
			"Qual outro horário fica bom para você?", m.hours.Describe()),
		Category: models.CategoryScheduling,
		Outcome:  OutcomeInvalid,
	}
}

func (m *Machine) handleValidation(state *models.ConversationState, text string) *TurnResult {
	if state.Appointment == nil {
		// Shouldn't happen through the table; recover by re-asking for a slot.
		return &TurnResult{
			Reply:    "Vamos retomar o agendamento: qual dia e horário você prefere?",
			Category: models.CategoryScheduling,
			Outcome:  OutcomeRevise,
		}
	}

	switch {
	case containsWord(text, "cancelar", "desisti", "deixa pra lá", "deixa pra la"):
		state.Appointment.Cancelled = true
		state.Appointment = nil
		return &TurnResult{
			Reply:    "Sem problemas, agendamento cancelado. Se quiser, me diga outro dia e horário.",
			Category: models.CategoryScheduling,
			Outcome:  OutcomeCancelled,
		}
	case containsWord(text, "sim", "confirmo", "pode ser", "fechado", "ok", "isso"):
		state.Metrics.ValidationFails = 0
		return &TurnResult{
			Reply: fmt.Sprintf("Agendado! Aula experimental em %s. Até lá!",
				models.FormatSlot(state.Appointment.Start, state.Appointment.End)),
			Category: models.CategoryConfirm,
			Outcome:  OutcomeConfirmed,
		}
	case containsWord(text, "não", "nao", "outro horário", "outro horario", "trocar"):
		state.Appointment = nil
		return &TurnResult{
			Reply:    "Claro! Qual outro dia e horário você prefere?",
			Category: models.CategoryScheduling,
			Outcome:  OutcomeRevise,
		}
	default:
		state.Metrics.ValidationFails++
		return &TurnResult{
			Reply: fmt.Sprintf("Só para confirmar: a aula experimental fica em %s? Responda sim ou não.",
				models.FormatSlot(state.Appointment.Start, state.Appointment.End)),
			Category: models.CategoryScheduling,
			Outcome:  OutcomeInvalid,
		}
	}
}

func (m *Machine) handleConfirmation(state *models.ConversationState, text string) *TurnResult {
	if containsWord(text, "cancelar", "desmarcar", "remarcar") {
		if state.Appointment != nil {
			state.Appointment.Cancelled = true
		}
		return &TurnResult{
			Reply:    "Tudo bem, cancelei o agendamento. Se quiser remarcar, me diga o dia e horário.",
			Category: models.CategoryScheduling,
			Outcome:  OutcomeCancelled,
		}
	}
	reply := "Seu agendamento está confirmado. Qualquer dúvida é só chamar!"
	if state.Appointment != nil && !state.Appointment.Cancelled {
		reply = fmt.Sprintf("Seu agendamento em %s está confirmado. Qualquer dúvida é só chamar!",
			models.FormatSlot(state.Appointment.Start, state.Appointment.End))
	}
	return &TurnResult{Reply: reply, Category: models.CategoryConfirm, Outcome: OutcomeStay}
}

// handleEmergency probes the provider layer once per inbound turn. Recovery
// resumes qualification; a repeated outage escalates to handoff.
func (m *Machine) handleEmergency(ctx context.Context, state *models.ConversationState, text string) *TurnResult {
	reply, fallback := m.generate(ctx, state, genai.Request{
		System:  systemPrompt,
		User:    text,
		History: state.History,
	})
	if fallback != nil {
		// Second consecutive unavailable turn: stop asking the user to wait.
		slog.Warn("Emergency stage repeated, escalating to handoff",
			"senderID", models.RedactPhone(state.SenderID),
			"emergencyEntries", state.Metrics.EmergencyEntries)
		return &TurnResult{
			Reply:    m.handoff.ContactMessage(),
			Category: models.CategoryHandoff,
			Outcome:  OutcomeProviderDown,
		}
	}
	return &TurnResult{Reply: reply, Category: models.CategoryInfo, Outcome: OutcomeRecovered}
}

func correctivePrompt(field string) string {
	switch field {
	case models.LeadFieldPhone:
		return "Esse telefone não parece válido. Pode conferir e enviar de novo com o DDD?"
	case models.LeadFieldEmail:
		return "Esse e-mail não parece válido. Pode conferir e enviar de novo?"
	default:
		return "Não consegui entender essa informação. Pode enviar de novo, por favor?"
	}
}

func conflictReply(e *models.ConflictError) string {
	var b strings.Builder
	b.WriteString("Esse horário já está ocupado.")
	if len(e.Alternates) > 0 {
		b.WriteString(" Tenho estas opções próximas:")
		for _, alt := range e.Alternates {
			b.WriteString("\n- ")
			b.WriteString(models.FormatSlot(alt.Start, alt.End))
		}
		b.WriteString("\nAlguma delas funciona para você?")
	} else {
		b.WriteString(" Pode me dizer outro dia e horário?")
	}
	return b.String()
}

// slotRegex matches "15/09 às 14h", "15/09/2026 14:30", "dia 15/09 as 14".
var slotRegex = regexp.MustCompile(`(\d{1,2})/(\d{1,2})(?:/(\d{2,4}))?\D{0,16}?(\d{1,2})(?::(\d{2})|\s*h)?`)

// parseSlot extracts a requested appointment start time from free text.
// Year defaults to the current year (next year when the date already passed).
func parseSlot(text string, now time.Time, loc *time.Location) (time.Time, bool) {
	m := slotRegex.FindStringSubmatch(text)
	if m == nil {
		return time.Time{}, false
	}
	day, _ := strconv.Atoi(m[1])
	month, _ := strconv.Atoi(m[2])
	hour, _ := strconv.Atoi(m[4])
	minute := 0
	if m[5] != "" {
		minute, _ = strconv.Atoi(m[5])
	}
	if month < 1 || month > 12 || day < 1 || day > 31 || hour > 23 || minute > 59 {
		return time.Time{}, false
	}

	year := now.In(loc).Year()
	if m[3] != "" {
		y, _ := strconv.Atoi(m[3])
		if y < 100 {
			y += 2000
		}
		year = y
	}
	start := time.Date(year, time.Month(month), day, hour, minute, 0, 0, loc)
	if m[3] == "" && start.Before(now) {
		start = start.AddDate(1, 0, 0)
	}
	return start, true
}
