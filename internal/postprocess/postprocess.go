// Package postprocess implements the final pipeline stage: response
// formatting, calendar bookkeeping and outbound delivery.
//
// Calendar operations run behind their own circuit breaker; when the
// collaborator is unavailable the turn still succeeds with a manual
// confirmation fallback. Delivery retries with exponential backoff and
// records every attempt for the audit trail.
package postprocess

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/EduPipe/LeadPipe/internal/breaker"
	"github.com/EduPipe/LeadPipe/internal/calendar"
	"github.com/EduPipe/LeadPipe/internal/config"
	"github.com/EduPipe/LeadPipe/internal/metrics"
	"github.com/EduPipe/LeadPipe/internal/models"
	"github.com/EduPipe/LeadPipe/internal/store"
)

// Stage formats replies, maintains calendar events and delivers messages.
type Stage struct {
	calendar        calendar.Client
	calendarBreaker *breaker.Breaker
	deliverer       *Deliverer
}

// NewStage creates the postprocessing stage. The calendar client may be nil
// when no calendar collaborator is configured; bookings then always use the
// manual confirmation fallback.
func NewStage(cal calendar.Client, settings config.BreakerSettings, deliverer *Deliverer) *Stage {
	return &Stage{
		calendar:        cal,
		calendarBreaker: breaker.New("calendar", settings.FailureThreshold, settings.RecoveryTimeout),
		deliverer:       deliverer,
	}
}

// Run formats the response fragment, performs any calendar side effects for
// the turn and delivers the final text. It returns the delivered message.
func (s *Stage) Run(ctx context.Context, state *models.ConversationState, fragment string, category models.ResponseCategory) (*models.OutboundMessage, error) {
	text := Format(category, fragment)

	if note := s.syncCalendar(ctx, state, category); note != "" {
		text = text + "\n" + note
	}

	out := &models.OutboundMessage{
		RecipientID: state.SenderID,
		Text:        text,
		Category:    category,
	}
	if err := s.deliverer.Deliver(ctx, out); err != nil {
		return out, err
	}
	return out, nil
}

// syncCalendar creates or cancels the calendar event backing the
// conversation's appointment. It returns a fallback note to append to the
// reply when the collaborator is unavailable.
func (s *Stage) syncCalendar(ctx context.Context, state *models.ConversationState, category models.ResponseCategory) string {
	appt := state.Appointment
	if appt == nil || s.calendar == nil {
		return ""
	}

	switch {
	case category == models.CategoryConfirm && appt.EventID == "" && !appt.Cancelled:
		eventID, err := s.callCalendar(func() (string, error) {
			return s.calendar.CreateEvent(ctx, calendar.EventDetails{
				Title:    "Aula experimental - " + state.Lead.StudentName,
				Start:    appt.Start,
				End:      appt.End,
				Attendee: state.Lead.GuardianName,
				Notes:    "Programa: " + state.Lead.Program,
			})
		})
		if err != nil {
			slog.Warn("Calendar event creation failed, falling back to manual confirmation",
				"senderID", models.RedactPhone(state.SenderID), "error", err)
			return manualConfirmationNote
		}
		appt.EventID = eventID

	case appt.Cancelled && appt.EventID != "":
		_, err := s.callCalendar(func() (string, error) {
			_, derr := s.calendar.DeleteEvent(ctx, appt.EventID)
			return "", derr
		})
		if err != nil {
			slog.Warn("Calendar event deletion failed",
				"senderID", models.RedactPhone(state.SenderID), "eventID", appt.EventID, "error", err)
			return ""
		}
		appt.EventID = ""
	}
	return ""
}

// callCalendar wraps one calendar operation in the stage's circuit breaker.
func (s *Stage) callCalendar(op func() (string, error)) (string, error) {
	if !s.calendarBreaker.Allow() {
		return "", fmt.Errorf("calendar circuit breaker open")
	}
	result, err := op()
	if err != nil {
		s.calendarBreaker.RecordFailure()
		return "", err
	}
	s.calendarBreaker.RecordSuccess()
	return result, nil
}

// MessageSender is the delivery client interface; messaging.Service
// implementations satisfy it.
type MessageSender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// Deliverer sends outbound messages with bounded retry and records every
// attempt for the audit trail.
type Deliverer struct {
	sender      MessageSender
	store       store.Store
	maxAttempts int
	retryBase   time.Duration

	sleep func(context.Context, time.Duration) error
}

// NewDeliverer creates a deliverer from configuration.
func NewDeliverer(sender MessageSender, st store.Store, cfg config.DeliveryConfig) *Deliverer {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	retryBase := cfg.RetryBase
	if retryBase <= 0 {
		retryBase = time.Second
	}
	return &Deliverer{
		sender:      sender,
		store:       st,
		maxAttempts: maxAttempts,
		retryBase:   retryBase,
		sleep:       sleepCtx,
	}
}

// Deliver sends the message, retrying with exponential backoff. Each
// attempt is recorded regardless of outcome.
func (d *Deliverer) Deliver(ctx context.Context, out *models.OutboundMessage) error {
	if out.RecipientID == "" {
		return models.ErrEmptyRecipient
	}
	deliveryID := uuid.NewString()

	var lastErr error
	for attempt := 0; attempt < d.maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := d.retryBase * time.Duration(1<<(attempt-1))
			if err := d.sleep(ctx, backoff); err != nil {
				d.record(deliveryID, out.RecipientID, attempt, "aborted", err)
				metrics.Deliveries.WithLabelValues("aborted").Inc()
				return err
			}
		}

		err := d.sender.SendMessage(ctx, out.RecipientID, out.Text)
		if err == nil {
			d.record(deliveryID, out.RecipientID, attempt, "delivered", nil)
			metrics.Deliveries.WithLabelValues("delivered").Inc()
			slog.Debug("Outbound message delivered", "deliveryID", deliveryID,
				"to", models.RedactPhone(out.RecipientID), "attempt", attempt)
			return nil
		}

		lastErr = err
		d.record(deliveryID, out.RecipientID, attempt, "failed", err)
		slog.Warn("Delivery attempt failed", "deliveryID", deliveryID,
			"to", models.RedactPhone(out.RecipientID), "attempt", attempt, "error", err)
	}

	metrics.Deliveries.WithLabelValues("failed").Inc()
	return fmt.Errorf("delivery failed after %d attempts: %w", d.maxAttempts, lastErr)
}

func (d *Deliverer) record(deliveryID, recipientID string, attempt int, status string, err error) {
	attemptRecord := models.DeliveryAttempt{
		DeliveryID:  deliveryID,
		RecipientID: recipientID,
		Attempt:     attempt,
		Status:      status,
		Time:        time.Now().UTC(),
	}
	if err != nil {
		attemptRecord.Error = err.Error()
	}
	if serr := d.store.AddDeliveryAttempt(attemptRecord); serr != nil {
		// Audit trail bookkeeping never fails a delivery.
		slog.Error("Failed to record delivery attempt", "deliveryID", deliveryID, "error", serr)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
