package rules

import (
	"fmt"
	"time"

	"github.com/EduPipe/LeadPipe/internal/models"
)

// SchedulingValidator checks requested appointment slots against business
// hours, the holiday calendar and existing bookings. It performs no I/O;
// the caller supplies the bookings to check against.
type SchedulingValidator struct {
	hours         *Hours
	slotDuration  time.Duration
	maxAlternates int
}

// NewSchedulingValidator creates a scheduling validator.
func NewSchedulingValidator(hours *Hours) *SchedulingValidator {
	return &SchedulingValidator{
		hours:         hours,
		slotDuration:  time.Hour,
		maxAlternates: 2,
	}
}

// Validate approves the requested slot or rejects it with specific conflict
// details. On conflict the returned error is a *models.ConflictError
// carrying at least one alternative slot when one exists.
func (v *SchedulingValidator) Validate(req models.AppointmentRequest, booked []models.Conflict) error {
	if !req.End.After(req.Start) {
		return fmt.Errorf("%w: slot end must be after start", models.ErrValidation)
	}
	if !v.hours.SpansWithin(req.Start, req.End) {
		if v.hours.IsHoliday(req.Start) {
			return fmt.Errorf("%w: requested date is a holiday", models.ErrValidation)
		}
		return fmt.Errorf("%w: requested slot is outside business hours", models.ErrValidation)
	}

	conflicts := v.overlapping(req, booked)
	if len(conflicts) == 0 {
		return nil
	}

	return &models.ConflictError{
		Conflicts:  conflicts,
		Alternates: v.Alternates(req, booked),
	}
}

// overlapping returns the bookings that intersect the requested slot.
func (v *SchedulingValidator) overlapping(req models.AppointmentRequest, booked []models.Conflict) []models.Conflict {
	var out []models.Conflict
	for _, b := range booked {
		if req.Start.Before(b.End) && b.Start.Before(req.End) {
			out = append(out, b)
		}
	}
	return out
}

// Alternates proposes up to maxAlternates conflict-free slots of the same
// duration, scanning forward from the requested start in slot-duration steps.
func (v *SchedulingValidator) Alternates(req models.AppointmentRequest, booked []models.Conflict) []models.AppointmentRequest {
	duration := req.End.Sub(req.Start)
	var out []models.AppointmentRequest

	start := req.Start
	for i := 0; i < 96 && len(out) < v.maxAlternates; i++ {
		start = start.Add(v.slotDuration)
		opening, ok := v.hours.NextOpening(start)
		if !ok {
			break
		}
		if opening.After(start) {
			start = opening
		}
		candidate := models.AppointmentRequest{Start: start, End: start.Add(duration)}
		if !v.hours.SpansWithin(candidate.Start, candidate.End) {
			continue
		}
		if len(v.overlapping(candidate, booked)) > 0 {
			continue
		}
		out = append(out, candidate)
	}
	return out
}
