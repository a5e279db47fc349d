// Package models defines lead qualification structures for LeadPipe.
package models

import (
	"net/mail"
	"regexp"
	"strings"
)

// Lead field names. These are the 8 mandatory qualification fields collected
// before a conversation may advance to scheduling.
const (
	LeadFieldGuardianName      = "guardian_name"
	LeadFieldStudentName       = "student_name"
	LeadFieldPhone             = "phone"
	LeadFieldEmail             = "email"
	LeadFieldStudentAge        = "student_age"
	LeadFieldGrade             = "grade"
	LeadFieldProgram           = "program"
	LeadFieldPreferredSchedule = "preferred_schedule"
)

// LeadFieldCount is the number of mandatory qualification fields.
const LeadFieldCount = 8

// LeadFieldNames lists all mandatory fields in collection order.
var LeadFieldNames = []string{
	LeadFieldGuardianName,
	LeadFieldStudentName,
	LeadFieldPhone,
	LeadFieldEmail,
	LeadFieldStudentAge,
	LeadFieldGrade,
	LeadFieldProgram,
	LeadFieldPreferredSchedule,
}

var leadPhoneRegex = regexp.MustCompile(`^\+?[0-9]{6,15}$`)

// LeadData holds the mandatory qualification fields for a prospective
// enrollment. It is owned exclusively by ConversationState.
type LeadData struct {
	GuardianName      string `json:"guardian_name,omitempty"`
	StudentName       string `json:"student_name,omitempty"`
	Phone             string `json:"phone,omitempty"`
	Email             string `json:"email,omitempty"`
	StudentAge        string `json:"student_age,omitempty"`
	Grade             string `json:"grade,omitempty"`
	Program           string `json:"program,omitempty"`
	PreferredSchedule string `json:"preferred_schedule,omitempty"`
}

// Field returns the value of a named lead field.
func (l *LeadData) Field(name string) (string, bool) {
	switch name {
	case LeadFieldGuardianName:
		return l.GuardianName, true
	case LeadFieldStudentName:
		return l.StudentName, true
	case LeadFieldPhone:
		return l.Phone, true
	case LeadFieldEmail:
		return l.Email, true
	case LeadFieldStudentAge:
		return l.StudentAge, true
	case LeadFieldGrade:
		return l.Grade, true
	case LeadFieldProgram:
		return l.Program, true
	case LeadFieldPreferredSchedule:
		return l.PreferredSchedule, true
	default:
		return "", false
	}
}

// SetField sets a named lead field after validating the value.
// Values failing validation are rejected with ErrValidation.
func (l *LeadData) SetField(name, value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return ErrValidation
	}
	switch name {
	case LeadFieldGuardianName:
		l.GuardianName = value
	case LeadFieldStudentName:
		l.StudentName = value
	case LeadFieldPhone:
		canonical := strings.Map(func(r rune) rune {
			if r >= '0' && r <= '9' || r == '+' {
				return r
			}
			return -1
		}, value)
		if !leadPhoneRegex.MatchString(canonical) {
			return ErrValidation
		}
		l.Phone = canonical
	case LeadFieldEmail:
		if _, err := mail.ParseAddress(value); err != nil {
			return ErrValidation
		}
		l.Email = value
	case LeadFieldStudentAge:
		l.StudentAge = value
	case LeadFieldGrade:
		l.Grade = value
	case LeadFieldProgram:
		l.Program = value
	case LeadFieldPreferredSchedule:
		l.PreferredSchedule = value
	default:
		return ErrValidation
	}
	return nil
}

// CompletedFields returns how many of the mandatory fields are filled.
func (l *LeadData) CompletedFields() int {
	n := 0
	for _, name := range LeadFieldNames {
		if v, _ := l.Field(name); v != "" {
			n++
		}
	}
	return n
}

// MissingFields returns the mandatory fields still empty, in collection order.
func (l *LeadData) MissingFields() []string {
	var missing []string
	for _, name := range LeadFieldNames {
		if v, _ := l.Field(name); v == "" {
			missing = append(missing, name)
		}
	}
	return missing
}

// CompletionScore returns the completion fraction in [0, 1].
func (l *LeadData) CompletionScore() float64 {
	return float64(l.CompletedFields()) / float64(LeadFieldCount)
}

// Qualified reports whether all mandatory fields have validated values.
// A lead is qualified only at 100% completion.
func (l *LeadData) Qualified() bool {
	return l.CompletedFields() == LeadFieldCount
}
