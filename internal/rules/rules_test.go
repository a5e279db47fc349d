package rules

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/EduPipe/LeadPipe/internal/config"
	"github.com/EduPipe/LeadPipe/internal/models"
)

func testHours(t *testing.T) *Hours {
	t.Helper()
	cfg := config.Default().Hours
	cfg.Timezone = "UTC"
	cfg.Holidays = []string{"2026-09-07"}
	h, err := NewHours(cfg)
	if err != nil {
		t.Fatalf("NewHours failed: %v", err)
	}
	return h
}

func TestHours_Within(t *testing.T) {
	h := testHours(t)

	// Tuesday 2026-09-01 10:00 UTC is inside the 09:00-18:00 window.
	open := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	if !h.Within(open) {
		t.Error("weekday mid-morning must be within business hours")
	}
	// Tuesday 20:00 is after close.
	if h.Within(time.Date(2026, 9, 1, 20, 0, 0, 0, time.UTC)) {
		t.Error("evening must be outside business hours")
	}
	// Sunday has no window.
	if h.Within(time.Date(2026, 9, 6, 10, 0, 0, 0, time.UTC)) {
		t.Error("sunday must be outside business hours")
	}
	// 2026-09-07 is a configured holiday (Monday).
	if h.Within(time.Date(2026, 9, 7, 10, 0, 0, 0, time.UTC)) {
		t.Error("holiday must be outside business hours")
	}
}

func TestHours_Describe(t *testing.T) {
	h := testHours(t)
	want := "de segunda a sexta das 9h às 18h e sábado das 9h às 13h"
	if got := h.Describe(); got != want {
		t.Errorf("Describe() = %q, want %q", got, want)
	}

	// A non-default configuration must be rendered from its own windows.
	narrow, err := NewHours(config.HoursConfig{
		Timezone: "UTC",
		Windows: []config.DayWindow{
			{Weekday: "Tuesday", Open: "10:00", Close: "16:30"},
		},
	})
	if err != nil {
		t.Fatalf("NewHours failed: %v", err)
	}
	if got := narrow.Describe(); got != "terça das 10h às 16h30" {
		t.Errorf("Describe() = %q, want %q", got, "terça das 10h às 16h30")
	}
}

func TestHours_NextOpening(t *testing.T) {
	h := testHours(t)
	// Friday 2026-09-04 19:00 -> Saturday 09:00 (Sat window 09:00-13:00).
	next, ok := h.NextOpening(time.Date(2026, 9, 4, 19, 0, 0, 0, time.UTC))
	if !ok {
		t.Fatal("expected a next opening")
	}
	want := time.Date(2026, 9, 5, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("expected %v, got %v", want, next)
	}
}

func TestPricing_QuoteContainsExactFigures(t *testing.T) {
	v := NewPricingValidator(config.PricingConfig{Currency: "R$", SubjectFee: 375.00, EnrollmentFee: 100.00})

	if !v.DetectPriceIntent("Quanto custa?") {
		t.Error("expected price intent for 'Quanto custa?'")
	}

	quote := v.QuoteMessage()
	if !strings.Contains(quote, "375.00") || !strings.Contains(quote, "100.00") {
		t.Errorf("quote must contain both exact figures: %q", quote)
	}
}

func TestPricing_NegotiationRedirect(t *testing.T) {
	v := NewPricingValidator(config.Default().Pricing)

	if !v.DetectNegotiationIntent("tem desconto se eu pagar anual?") {
		t.Error("expected negotiation intent for discount request")
	}
	redirect := v.RedirectMessage()
	if !strings.Contains(redirect, "375.00") || !strings.Contains(redirect, "100.00") {
		t.Errorf("redirect must restate the exact figures: %q", redirect)
	}

	if err := v.ValidateQuote(375.00, 100.00); err != nil {
		t.Errorf("exact quote must validate: %v", err)
	}
	if err := v.ValidateQuote(337.50, 100.00); err == nil {
		t.Error("discounted quote must be rejected")
	}
}

func TestScheduling_ApprovesFreeSlot(t *testing.T) {
	v := NewSchedulingValidator(testHours(t))
	req := models.AppointmentRequest{
		Start: time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 9, 1, 11, 0, 0, 0, time.UTC),
	}
	if err := v.Validate(req, nil); err != nil {
		t.Errorf("free in-hours slot must be approved: %v", err)
	}
}

func TestScheduling_ConflictOffersAlternates(t *testing.T) {
	v := NewSchedulingValidator(testHours(t))
	req := models.AppointmentRequest{
		Start: time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 9, 1, 11, 0, 0, 0, time.UTC),
	}
	booked := []models.Conflict{{
		Start:   time.Date(2026, 9, 1, 10, 30, 0, 0, time.UTC),
		End:     time.Date(2026, 9, 1, 11, 30, 0, 0, time.UTC),
		Summary: "trial class",
	}}

	err := v.Validate(req, booked)
	if err == nil {
		t.Fatal("overlapping slot must be rejected")
	}
	var conflict *models.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected *models.ConflictError, got %T", err)
	}
	if !errors.Is(err, models.ErrScheduleConflict) {
		t.Error("conflict error must match ErrScheduleConflict")
	}
	if len(conflict.Conflicts) != 1 {
		t.Errorf("expected 1 conflict detail, got %d", len(conflict.Conflicts))
	}
	if len(conflict.Alternates) == 0 {
		t.Fatal("at least one alternative slot must be suggested")
	}
	for _, alt := range conflict.Alternates {
		if altErr := v.Validate(alt, booked); altErr != nil {
			t.Errorf("suggested alternate %v must itself validate: %v", alt.Start, altErr)
		}
	}
}

func TestScheduling_RejectsOutsideHours(t *testing.T) {
	v := NewSchedulingValidator(testHours(t))
	req := models.AppointmentRequest{
		Start: time.Date(2026, 9, 1, 22, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 9, 1, 23, 0, 0, 0, time.UTC),
	}
	if err := v.Validate(req, nil); !errors.Is(err, models.ErrValidation) {
		t.Errorf("expected validation error outside hours, got %v", err)
	}

	holiday := models.AppointmentRequest{
		Start: time.Date(2026, 9, 7, 10, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 9, 7, 11, 0, 0, 0, time.UTC),
	}
	if err := v.Validate(holiday, nil); !errors.Is(err, models.ErrValidation) {
		t.Errorf("expected validation error on holiday, got %v", err)
	}
}

func TestQualification_ExtractAndUpdate(t *testing.T) {
	tracker := NewQualificationTracker()
	var lead models.LeadData

	entities := tracker.ExtractEntities("Meu email é maria@example.com, o Pedro tem 12 anos e quer matemática")
	if entities[models.LeadFieldEmail] != "maria@example.com" {
		t.Errorf("email not extracted: %v", entities)
	}
	if entities[models.LeadFieldStudentAge] != "12" {
		t.Errorf("age not extracted: %v", entities)
	}
	if entities[models.LeadFieldProgram] != "matemática" {
		t.Errorf("program not extracted: %v", entities)
	}

	updated := tracker.Update(&lead, entities)
	if len(updated) < 3 {
		t.Errorf("expected at least 3 fields updated, got %v", updated)
	}

	// Already-collected fields are not overwritten.
	again := tracker.Update(&lead, map[string]string{models.LeadFieldEmail: "other@example.com"})
	if len(again) != 0 {
		t.Errorf("existing field must not be overwritten: %v", again)
	}
	if lead.Email != "maria@example.com" {
		t.Errorf("email overwritten to %q", lead.Email)
	}
}

func TestQualification_NextPrompt(t *testing.T) {
	tracker := NewQualificationTracker()
	var lead models.LeadData
	if tracker.NextPrompt(&lead) == "" {
		t.Error("incomplete lead must yield a prompt")
	}
	for _, name := range models.LeadFieldNames {
		switch name {
		case models.LeadFieldPhone:
			lead.SetField(name, "+5511999990001")
		case models.LeadFieldEmail:
			lead.SetField(name, "x@example.com")
		default:
			lead.SetField(name, "value")
		}
	}
	if tracker.NextPrompt(&lead) != "" {
		t.Error("complete lead must yield no prompt")
	}
}

func TestHandoff_ThresholdCrossing(t *testing.T) {
	e := NewHandoffEvaluator(config.HandoffConfig{Threshold: 0.7, MaxValidationFails: 3, ContactMessage: "contato"})

	if e.ShouldHandoff(HandoffSignals{ValidationFails: 1}) {
		t.Error("single validation failure must not trigger handoff")
	}
	if !e.ShouldHandoff(HandoffSignals{ValidationFails: 3, NegativeSentiment: true}) {
		t.Error("repeated failures plus negative sentiment must trigger handoff")
	}
	if !e.ShouldHandoff(HandoffSignals{ExplicitEscalation: true, NegativeSentiment: true}) {
		t.Error("explicit escalation with negative sentiment must trigger handoff")
	}
	if !e.DetectEscalationIntent("quero falar com uma pessoa de verdade") {
		t.Error("expected escalation intent")
	}
	if !e.DetectNegativeSentiment("isso é um absurdo") {
		t.Error("expected negative sentiment")
	}
	if e.ContactMessage() != "contato" {
		t.Error("contact message must come from configuration")
	}
}
