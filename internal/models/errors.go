// Package models defines the shared error taxonomy for LeadPipe.
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Error variables for the pipeline error taxonomy. Stage-local errors are
// always translated into an orchestrator-level decision; raw errors are
// never surfaced to the end user.
var (
	// ErrAuth aborts the pipeline immediately with no retry.
	ErrAuth = errors.New("authentication failed")
	// ErrValidation asks the user to correct their input; it never opens breakers.
	ErrValidation = errors.New("validation failed")
	// ErrRateLimited rejects the message with a backoff hint.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrProviderUnavailable signals all generation providers failed or were skipped.
	ErrProviderUnavailable = errors.New("no generation provider available")
	// ErrBudgetExhausted signals the daily cost budget blocks further paid calls.
	ErrBudgetExhausted = errors.New("daily cost budget exhausted")
	// ErrScheduleConflict signals the requested slot overlaps an existing booking.
	ErrScheduleConflict = errors.New("schedule conflict")
	// ErrEmptyRecipient rejects outbound messages without a recipient.
	ErrEmptyRecipient = errors.New("recipient cannot be empty")
	// ErrEmptySender rejects inbound messages without a sender id.
	ErrEmptySender = errors.New("sender id cannot be empty")
)

// ProviderAttempt records one failed call in a provider failover sequence.
type ProviderAttempt struct {
	Provider string
	Err      error
}

// ProviderError aggregates the per-provider failures of one failover pass.
// It unwraps to ErrProviderUnavailable so callers can match with errors.Is.
type ProviderError struct {
	Attempts []ProviderAttempt
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if len(e.Attempts) == 0 {
		return "provider error: no providers attempted"
	}
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Provider, a.Err))
	}
	return "provider error: " + strings.Join(parts, "; ")
}

// Unwrap allows errors.Is(err, ErrProviderUnavailable).
func (e *ProviderError) Unwrap() error {
	return ErrProviderUnavailable
}

// ConflictError carries the conflict details and alternative slots for a
// rejected appointment request. It unwraps to ErrScheduleConflict.
type ConflictError struct {
	Conflicts  []Conflict
	Alternates []AppointmentRequest
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("schedule conflict: %d overlapping booking(s), %d alternative(s) offered",
		len(e.Conflicts), len(e.Alternates))
}

// Unwrap allows errors.Is(err, ErrScheduleConflict).
func (e *ConflictError) Unwrap() error {
	return ErrScheduleConflict
}

// FormatSlot renders an appointment slot for user-facing messages.
func FormatSlot(start, end time.Time) string {
	return fmt.Sprintf("%s - %s", start.Format("Mon 02 Jan 15:04"), end.Format("15:04"))
}
