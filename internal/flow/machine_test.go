package flow

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/EduPipe/LeadPipe/internal/config"
	"github.com/EduPipe/LeadPipe/internal/genai"
	"github.com/EduPipe/LeadPipe/internal/models"
	"github.com/EduPipe/LeadPipe/internal/rules"
)

type fakeGen struct {
	reply string
	err   error
	calls int
}

func (f *fakeGen) Generate(ctx context.Context, req genai.Request) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func (f *fakeGen) Healthcheck(ctx context.Context, provider string) bool {
	return f.err == nil
}

type fakeConflicts struct {
	booked []models.Conflict
	err    error
}

func (f *fakeConflicts) CheckConflicts(ctx context.Context, start, end time.Time) ([]models.Conflict, error) {
	return f.booked, f.err
}

// testClock is a Tuesday 10:00 UTC, inside the configured windows.
var testClock = time.Date(2026, 9, 15, 10, 0, 0, 0, time.UTC)

func newTestMachine(t *testing.T, gen genai.Client, conflicts ConflictSource) *Machine {
	t.Helper()
	hours, err := rules.NewHours(config.HoursConfig{
		Timezone: "UTC",
		Windows: []config.DayWindow{
			{Weekday: "Monday", Open: "09:00", Close: "18:00"},
			{Weekday: "Tuesday", Open: "09:00", Close: "18:00"},
			{Weekday: "Wednesday", Open: "09:00", Close: "18:00"},
			{Weekday: "Thursday", Open: "09:00", Close: "18:00"},
			{Weekday: "Friday", Open: "09:00", Close: "18:00"},
		},
	})
	if err != nil {
		t.Fatalf("NewHours failed: %v", err)
	}
	pricing := rules.NewPricingValidator(config.PricingConfig{Currency: "R$", SubjectFee: 375.00, EnrollmentFee: 100.00})
	handoff := rules.NewHandoffEvaluator(config.HandoffConfig{
		Threshold:          0.7,
		MaxValidationFails: 3,
		ContactMessage:     "Entre em contato pelo (11) 4002-8922.",
	})
	return NewMachine(pricing, rules.NewSchedulingValidator(hours), rules.NewQualificationTracker(),
		handoff, hours, gen, conflicts,
		config.HandoffConfig{Threshold: 0.7, MaxValidationFails: 3},
		WithClock(func() time.Time { return testClock }))
}

func newState(senderID string) *models.ConversationState {
	return models.NewConversationState(senderID, testClock)
}

func TestNextStageUnmodeledOutcomeDefaultsToHandoff(t *testing.T) {
	if got := NextStage(models.StageGreeting, Outcome("nonsense")); got != models.StageHandoff {
		t.Errorf("unmodeled outcome resolved to %s, want %s", got, models.StageHandoff)
	}
	if got := NextStage(models.Stage("unknown"), OutcomeAdvance); got != models.StageHandoff {
		t.Errorf("unknown stage resolved to %s, want %s", got, models.StageHandoff)
	}
}

func TestTransitionTableTargetsAreValidStages(t *testing.T) {
	for stage, byOutcome := range transitions {
		if !models.IsValidStage(stage) {
			t.Errorf("table keyed by invalid stage %q", stage)
		}
		for outcome, next := range byOutcome {
			if !models.IsValidStage(next) {
				t.Errorf("(%s, %s) targets invalid stage %q", stage, outcome, next)
			}
		}
	}
}

func TestGreetingAdvancesToQualification(t *testing.T) {
	gen := &fakeGen{reply: "Olá! Qual o seu nome?"}
	m := newTestMachine(t, gen, nil)
	state := newState("+5511999990001")

	res, err := m.Turn(context.Background(), state, "Oi, boa tarde")
	if err != nil {
		t.Fatalf("Turn failed: %v", err)
	}
	if res.Stage != models.StageQualification {
		t.Errorf("stage = %s, want %s", res.Stage, models.StageQualification)
	}
	if gen.calls != 1 {
		t.Errorf("expected one generation call, got %d", gen.calls)
	}
	if len(state.History) != 2 {
		t.Errorf("history = %d entries, want user+assistant", len(state.History))
	}
	if len(state.Trail) != 1 {
		t.Errorf("trail = %d entries, want 1", len(state.Trail))
	}
}

func TestQualificationCompletesToScheduling(t *testing.T) {
	m := newTestMachine(t, &fakeGen{reply: "ok"}, nil)
	state := newState("+5511999990001")
	state.Stage = models.StageQualification

	turns := []string{
		"Meu nome é Fernanda Souza e meu filho se chama Pedro",
		"Ele tem 12 anos e está no 7º ano",
		"Meu telefone é 11 99999-0001 e o email é fernanda@example.com",
		"Procuro matemática, de preferência na parte da tarde",
	}
	var last *TurnResult
	for i, text := range turns {
		var err error
		last, err = m.Turn(context.Background(), state, text)
		if err != nil {
			t.Fatalf("turn %d failed: %v", i, err)
		}
		if i < len(turns)-1 && last.Stage != models.StageQualification {
			t.Fatalf("turn %d left qualification early: %s (lead %d/8)", i, last.Stage, state.Lead.CompletedFields())
		}
	}
	if state.Lead.CompletedFields() != models.LeadFieldCount {
		t.Fatalf("lead incomplete: %d/8, missing %v", state.Lead.CompletedFields(), state.Lead.MissingFields())
	}
	if !state.Lead.Qualified() {
		t.Error("lead with 8/8 fields must be qualified")
	}
	if last.Outcome != OutcomeQualified || last.Stage != models.StageScheduling {
		t.Errorf("completed lead must move to scheduling, got outcome=%s stage=%s", last.Outcome, last.Stage)
	}
}

func TestPricingQuestionAnsweredWithExactFigures(t *testing.T) {
	m := newTestMachine(t, &fakeGen{reply: "ok"}, nil)
	state := newState("+5511999990001")
	state.Stage = models.StageQualification

	res, err := m.Turn(context.Background(), state, "Quanto custa?")
	if err != nil {
		t.Fatalf("Turn failed: %v", err)
	}
	if !strings.Contains(res.Reply, "375.00") || !strings.Contains(res.Reply, "100.00") {
		t.Errorf("quote must carry both configured figures, got %q", res.Reply)
	}
	if res.Stage != models.StageQualification {
		t.Errorf("pricing answer must not change stage, got %s", res.Stage)
	}
}

func TestNegotiationRedirectedWithoutDiscount(t *testing.T) {
	m := newTestMachine(t, &fakeGen{reply: "ok"}, nil)
	state := newState("+5511999990001")
	state.Stage = models.StageInformation

	res, err := m.Turn(context.Background(), state, "Quanto custa? Tem desconto?")
	if err != nil {
		t.Fatalf("Turn failed: %v", err)
	}
	if res.Category != models.CategoryPricing {
		t.Errorf("category = %s, want pricing", res.Category)
	}
	if strings.Contains(strings.ToLower(res.Reply), "desconto de") {
		t.Errorf("redirect must not offer a discount: %q", res.Reply)
	}
	if res.Stage != models.StageInformation {
		t.Errorf("negotiation must not change stage, got %s", res.Stage)
	}
}

func TestSchedulingApprovedSlotMovesToValidation(t *testing.T) {
	m := newTestMachine(t, &fakeGen{reply: "ok"}, &fakeConflicts{})
	state := newState("+5511999990001")
	state.Stage = models.StageScheduling

	res, err := m.Turn(context.Background(), state, "Pode ser 16/09 às 14h")
	if err != nil {
		t.Fatalf("Turn failed: %v", err)
	}
	if res.Outcome != OutcomeBooked || res.Stage != models.StageValidation {
		t.Fatalf("outcome=%s stage=%s, want booked/validation", res.Outcome, res.Stage)
	}
	if state.Appointment == nil {
		t.Fatal("appointment not recorded")
	}
	if state.Appointment.Start.Day() != 16 || state.Appointment.Start.Hour() != 14 {
		t.Errorf("appointment start = %v", state.Appointment.Start)
	}
}

func TestSchedulingConflictOffersAlternates(t *testing.T) {
	slot := time.Date(2026, 9, 16, 14, 0, 0, 0, time.UTC)
	conflicts := &fakeConflicts{booked: []models.Conflict{{Start: slot, End: slot.Add(time.Hour)}}}
	m := newTestMachine(t, &fakeGen{reply: "ok"}, conflicts)
	state := newState("+5511999990001")
	state.Stage = models.StageScheduling

	res, err := m.Turn(context.Background(), state, "Pode ser 16/09 às 14h")
	if err != nil {
		t.Fatalf("Turn failed: %v", err)
	}
	if res.Outcome != OutcomeConflict {
		t.Fatalf("outcome = %s, want conflict", res.Outcome)
	}
	if res.Stage != models.StageScheduling {
		t.Errorf("conflict must keep scheduling stage, got %s", res.Stage)
	}
	if state.Appointment != nil {
		t.Error("conflicting slot must not be recorded")
	}
	if !strings.Contains(res.Reply, "-") || !strings.Contains(res.Reply, "opções") {
		t.Errorf("conflict reply must offer alternates, got %q", res.Reply)
	}
}

func TestSchedulingOutsideHoursIsCorrected(t *testing.T) {
	m := newTestMachine(t, &fakeGen{reply: "ok"}, &fakeConflicts{})
	state := newState("+5511999990001")
	state.Stage = models.StageScheduling

	// Sunday is not in the configured windows.
	res, err := m.Turn(context.Background(), state, "Pode ser 20/09 às 14h")
	if err != nil {
		t.Fatalf("Turn failed: %v", err)
	}
	if res.Outcome != OutcomeInvalid || res.Stage != models.StageScheduling {
		t.Errorf("outcome=%s stage=%s, want invalid/scheduling", res.Outcome, res.Stage)
	}
	if state.Metrics.ValidationFails != 1 {
		t.Errorf("validation fails = %d, want 1", state.Metrics.ValidationFails)
	}
	// The correction quotes the configured windows, which here have no
	// Saturday opening.
	if !strings.Contains(res.Reply, "de segunda a sexta das 9h às 18h") {
		t.Errorf("reply does not state the configured hours: %q", res.Reply)
	}
	if strings.Contains(res.Reply, "sábado") {
		t.Errorf("reply mentions an unconfigured Saturday window: %q", res.Reply)
	}
}

func TestValidationConfirmReachesConfirmation(t *testing.T) {
	m := newTestMachine(t, &fakeGen{reply: "ok"}, nil)
	state := newState("+5511999990001")
	state.Stage = models.StageValidation
	start := time.Date(2026, 9, 16, 14, 0, 0, 0, time.UTC)
	state.Appointment = &models.AppointmentRequest{Start: start, End: start.Add(time.Hour)}

	res, err := m.Turn(context.Background(), state, "Sim, confirmo")
	if err != nil {
		t.Fatalf("Turn failed: %v", err)
	}
	if res.Outcome != OutcomeConfirmed || res.Stage != models.StageConfirmation {
		t.Errorf("outcome=%s stage=%s, want confirmed/confirmation", res.Outcome, res.Stage)
	}
	if !models.IsTerminalStage(res.Stage) {
		t.Error("confirmation must be terminal")
	}
}

func TestValidationRejectionReturnsToScheduling(t *testing.T) {
	m := newTestMachine(t, &fakeGen{reply: "ok"}, nil)
	state := newState("+5511999990001")
	state.Stage = models.StageValidation
	start := time.Date(2026, 9, 16, 14, 0, 0, 0, time.UTC)
	state.Appointment = &models.AppointmentRequest{Start: start, End: start.Add(time.Hour)}

	res, err := m.Turn(context.Background(), state, "Não, prefiro trocar")
	if err != nil {
		t.Fatalf("Turn failed: %v", err)
	}
	if res.Stage != models.StageScheduling {
		t.Errorf("stage = %s, want scheduling", res.Stage)
	}
	if state.Appointment != nil {
		t.Error("rejected appointment must be discarded")
	}
}

func TestConfirmationCancellationMarksAppointment(t *testing.T) {
	m := newTestMachine(t, &fakeGen{reply: "ok"}, nil)
	state := newState("+5511999990001")
	state.Stage = models.StageConfirmation
	start := time.Date(2026, 9, 16, 14, 0, 0, 0, time.UTC)
	state.Appointment = &models.AppointmentRequest{Start: start, End: start.Add(time.Hour), EventID: "evt-1"}

	res, err := m.Turn(context.Background(), state, "Preciso cancelar a aula")
	if err != nil {
		t.Fatalf("Turn failed: %v", err)
	}
	if res.Outcome != OutcomeCancelled || res.Stage != models.StageScheduling {
		t.Errorf("outcome=%s stage=%s, want cancelled/scheduling", res.Outcome, res.Stage)
	}
	if !state.Appointment.Cancelled {
		t.Error("appointment must be marked cancelled")
	}
}

func TestProviderOutageEntersEmergencyThenHandoff(t *testing.T) {
	gen := &fakeGen{err: &models.ProviderError{}}
	m := newTestMachine(t, gen, nil)
	state := newState("+5511999990001")

	res, err := m.Turn(context.Background(), state, "Oi")
	if err != nil {
		t.Fatalf("Turn failed: %v", err)
	}
	if res.Stage != models.StageEmergency {
		t.Fatalf("stage = %s, want emergency", res.Stage)
	}
	if res.Reply != emergencyScript {
		t.Errorf("emergency reply must be the deterministic script, got %q", res.Reply)
	}
	if state.Metrics.EmergencyEntries != 1 {
		t.Errorf("emergency entries = %d, want 1", state.Metrics.EmergencyEntries)
	}

	// Still down on the next turn: escalate instead of stalling the user.
	res, err = m.Turn(context.Background(), state, "Alguém aí?")
	if err != nil {
		t.Fatalf("second turn failed: %v", err)
	}
	if res.Stage != models.StageHandoff {
		t.Errorf("repeated emergency must hand off, got %s", res.Stage)
	}
}

func TestEmergencyRecoversWhenProviderReturns(t *testing.T) {
	gen := &fakeGen{reply: "Voltamos! Como posso ajudar?"}
	m := newTestMachine(t, gen, nil)
	state := newState("+5511999990001")
	state.Stage = models.StageEmergency
	state.Metrics.EmergencyEntries = 1

	res, err := m.Turn(context.Background(), state, "Oi, ainda está aí?")
	if err != nil {
		t.Fatalf("Turn failed: %v", err)
	}
	if res.Outcome != OutcomeRecovered || res.Stage != models.StageQualification {
		t.Errorf("outcome=%s stage=%s, want recovered/qualification", res.Outcome, res.Stage)
	}
}

func TestExplicitEscalationForcesHandoff(t *testing.T) {
	m := newTestMachine(t, &fakeGen{reply: "ok"}, nil)
	state := newState("+5511999990001")
	state.Stage = models.StageQualification

	res, err := m.Turn(context.Background(), state, "Quero falar com uma pessoa de verdade")
	if err != nil {
		t.Fatalf("Turn failed: %v", err)
	}
	if res.Stage != models.StageHandoff {
		t.Errorf("stage = %s, want handoff", res.Stage)
	}
	if res.Reply == "" || !strings.Contains(res.Reply, "4002-8922") {
		t.Errorf("handoff must use the configured contact message, got %q", res.Reply)
	}
}

func TestRepeatedValidationFailuresForceHandoff(t *testing.T) {
	m := newTestMachine(t, &fakeGen{reply: "ok"}, nil)
	state := newState("+5511999990001")
	state.Stage = models.StageQualification
	state.Metrics.ValidationFails = 3

	res, err := m.Turn(context.Background(), state, "qualquer coisa")
	if err != nil {
		t.Fatalf("Turn failed: %v", err)
	}
	if res.Stage != models.StageHandoff {
		t.Errorf("stage = %s, want handoff", res.Stage)
	}
}

func TestParseSlot(t *testing.T) {
	loc := time.UTC
	now := testClock
	cases := []struct {
		text string
		want time.Time
		ok   bool
	}{
		{"Pode ser 16/09 às 14h", time.Date(2026, 9, 16, 14, 0, 0, 0, loc), true},
		{"dia 16/09/2026 14:30", time.Date(2026, 9, 16, 14, 30, 0, 0, loc), true},
		{"16/09 as 9h pode?", time.Date(2026, 9, 16, 9, 0, 0, 0, loc), true},
		// A passed date without a year rolls to next year.
		{"10/01 às 10h", time.Date(2027, 1, 10, 10, 0, 0, 0, loc), true},
		{"qualquer hora serve", time.Time{}, false},
		{"99/99 às 14h", time.Time{}, false},
	}
	for _, c := range cases {
		got, ok := parseSlot(c.text, now, loc)
		if ok != c.ok {
			t.Errorf("parseSlot(%q) ok = %v, want %v", c.text, ok, c.ok)
			continue
		}
		if ok && !got.Equal(c.want) {
			t.Errorf("parseSlot(%q) = %v, want %v", c.text, got, c.want)
		}
	}
}
