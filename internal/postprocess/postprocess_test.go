package postprocess

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/EduPipe/LeadPipe/internal/breaker"
	"github.com/EduPipe/LeadPipe/internal/calendar"
	"github.com/EduPipe/LeadPipe/internal/config"
	"github.com/EduPipe/LeadPipe/internal/models"
	"github.com/EduPipe/LeadPipe/internal/store"
)

type fakeSender struct {
	sent     []string
	failures int // fail the first N sends
	calls    int
}

func (f *fakeSender) SendMessage(ctx context.Context, to, body string) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("gateway unavailable")
	}
	f.sent = append(f.sent, body)
	return nil
}

type fakeCalendar struct {
	created []calendar.EventDetails
	deleted []string
	err     error
}

func (f *fakeCalendar) CheckConflicts(ctx context.Context, start, end time.Time) ([]models.Conflict, error) {
	return nil, f.err
}

func (f *fakeCalendar) CreateEvent(ctx context.Context, details calendar.EventDetails) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.created = append(f.created, details)
	return "evt-1", nil
}

func (f *fakeCalendar) UpdateEvent(ctx context.Context, eventID string, details calendar.EventDetails) (bool, error) {
	return f.err == nil, f.err
}

func (f *fakeCalendar) DeleteEvent(ctx context.Context, eventID string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	f.deleted = append(f.deleted, eventID)
	return true, nil
}

func newDeliverer(sender MessageSender) *Deliverer {
	d := NewDeliverer(sender, store.NewInMemoryStore(), config.DeliveryConfig{MaxAttempts: 3, RetryBase: time.Millisecond})
	d.sleep = func(context.Context, time.Duration) error { return nil }
	return d
}

func confirmedState() *models.ConversationState {
	state := models.NewConversationState("+5511999990001", time.Now().UTC())
	state.Stage = models.StageConfirmation
	state.Lead.GuardianName = "Fernanda"
	state.Lead.StudentName = "Pedro"
	state.Lead.Program = "matemática"
	start := time.Date(2026, 9, 16, 14, 0, 0, 0, time.UTC)
	state.Appointment = &models.AppointmentRequest{Start: start, End: start.Add(time.Hour)}
	return state
}

func TestFormatUsesFragmentAndDefaults(t *testing.T) {
	if got := Format(models.CategoryInfo, "texto livre"); got != "texto livre" {
		t.Errorf("Format = %q", got)
	}
	if got := Format(models.CategoryOutOfHours, ""); got == "" || !strings.Contains(got, "fechado") {
		t.Errorf("empty fragment must use the category default, got %q", got)
	}
	if got := Format(models.ResponseCategory("unknown"), ""); got == "" {
		t.Error("unknown category with empty fragment must still produce text")
	}
}

func TestRunCreatesCalendarEventOnConfirmation(t *testing.T) {
	cal := &fakeCalendar{}
	sender := &fakeSender{}
	stage := NewStage(cal, config.BreakerSettings{FailureThreshold: 5, RecoveryTimeout: time.Minute}, newDeliverer(sender))
	state := confirmedState()

	out, err := stage.Run(context.Background(), state, "Agendado!", models.CategoryConfirm)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(cal.created) != 1 {
		t.Fatalf("created events = %d, want 1", len(cal.created))
	}
	if state.Appointment.EventID != "evt-1" {
		t.Errorf("event id not recorded: %q", state.Appointment.EventID)
	}
	if strings.Contains(out.Text, manualConfirmationNote) {
		t.Error("successful booking must not carry the manual fallback note")
	}
	if len(sender.sent) != 1 {
		t.Errorf("messages delivered = %d, want 1", len(sender.sent))
	}
}

func TestRunFallsBackWhenCalendarUnavailable(t *testing.T) {
	cal := &fakeCalendar{err: errors.New("calendar down")}
	sender := &fakeSender{}
	stage := NewStage(cal, config.BreakerSettings{FailureThreshold: 5, RecoveryTimeout: time.Minute}, newDeliverer(sender))
	state := confirmedState()

	out, err := stage.Run(context.Background(), state, "Agendado!", models.CategoryConfirm)
	if err != nil {
		t.Fatalf("calendar failure must not fail the turn: %v", err)
	}
	if !strings.Contains(out.Text, manualConfirmationNote) {
		t.Errorf("reply must carry the manual confirmation note, got %q", out.Text)
	}
	if state.Appointment.EventID != "" {
		t.Error("no event id must be recorded on failure")
	}
}

func TestRunCalendarBreakerOpensAfterRepeatedFailures(t *testing.T) {
	cal := &fakeCalendar{err: errors.New("calendar down")}
	stage := NewStage(cal, config.BreakerSettings{FailureThreshold: 2, RecoveryTimeout: time.Hour}, newDeliverer(&fakeSender{}))

	for i := 0; i < 3; i++ {
		state := confirmedState()
		if _, err := stage.Run(context.Background(), state, "Agendado!", models.CategoryConfirm); err != nil {
			t.Fatalf("Run %d failed: %v", i, err)
		}
	}
	if got := stage.calendarBreaker.Status(); got != breaker.StatusOpen {
		t.Errorf("breaker status = %s, want open", got)
	}
}

func TestRunDeletesEventOnCancellation(t *testing.T) {
	cal := &fakeCalendar{}
	stage := NewStage(cal, config.BreakerSettings{FailureThreshold: 5, RecoveryTimeout: time.Minute}, newDeliverer(&fakeSender{}))
	state := confirmedState()
	state.Appointment.EventID = "evt-9"
	state.Appointment.Cancelled = true

	if _, err := stage.Run(context.Background(), state, "Cancelado.", models.CategoryScheduling); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(cal.deleted) != 1 || cal.deleted[0] != "evt-9" {
		t.Errorf("deleted = %v, want [evt-9]", cal.deleted)
	}
	if state.Appointment.EventID != "" {
		t.Error("event id must be cleared after deletion")
	}
}

func TestDeliverRetriesWithBackoffAndRecordsAttempts(t *testing.T) {
	sender := &fakeSender{failures: 2}
	st := store.NewInMemoryStore()
	d := NewDeliverer(sender, st, config.DeliveryConfig{MaxAttempts: 3, RetryBase: time.Millisecond})
	var backoffs []time.Duration
	d.sleep = func(_ context.Context, dur time.Duration) error {
		backoffs = append(backoffs, dur)
		return nil
	}

	out := &models.OutboundMessage{RecipientID: "+5511999990001", Text: "olá"}
	if err := d.Deliver(context.Background(), out); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	if len(backoffs) != 2 {
		t.Fatalf("backoffs = %v, want 2 entries", backoffs)
	}
	if backoffs[1] != 2*backoffs[0] {
		t.Errorf("backoff must double: %v", backoffs)
	}

	attempts, err := st.GetDeliveryAttempts("+5511999990001")
	if err != nil {
		t.Fatalf("GetDeliveryAttempts failed: %v", err)
	}
	if len(attempts) != 3 {
		t.Fatalf("recorded attempts = %d, want 3", len(attempts))
	}
	if attempts[2].Status != "delivered" {
		t.Errorf("final status = %q, want delivered", attempts[2].Status)
	}
}

func TestDeliverGivesUpAfterMaxAttempts(t *testing.T) {
	sender := &fakeSender{failures: 10}
	st := store.NewInMemoryStore()
	d := NewDeliverer(sender, st, config.DeliveryConfig{MaxAttempts: 3, RetryBase: time.Millisecond})
	d.sleep = func(context.Context, time.Duration) error { return nil }

	out := &models.OutboundMessage{RecipientID: "+5511999990001", Text: "olá"}
	if err := d.Deliver(context.Background(), out); err == nil {
		t.Fatal("expected error after exhausted retries")
	}
	if sender.calls != 3 {
		t.Errorf("send calls = %d, want 3", sender.calls)
	}
	attempts, _ := st.GetDeliveryAttempts("+5511999990001")
	if len(attempts) != 3 {
		t.Errorf("recorded attempts = %d, want 3", len(attempts))
	}
}

func TestDeliverRejectsEmptyRecipient(t *testing.T) {
	d := newDeliverer(&fakeSender{})
	err := d.Deliver(context.Background(), &models.OutboundMessage{Text: "olá"})
	if !errors.Is(err, models.ErrEmptyRecipient) {
		t.Errorf("expected ErrEmptyRecipient, got %v", err)
	}
}
