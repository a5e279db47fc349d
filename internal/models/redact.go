// Package models provides redaction helpers for log and audit output.
package models

import "strings"

// RedactPhone masks all but the last two digits of a phone number.
func RedactPhone(phone string) string {
	if len(phone) <= 2 {
		return strings.Repeat("*", len(phone))
	}
	return strings.Repeat("*", len(phone)-2) + phone[len(phone)-2:]
}

// RedactEmail masks the local part of an email address except its first character.
func RedactEmail(email string) string {
	at := strings.IndexByte(email, '@')
	if at <= 1 {
		return "***"
	}
	return email[:1] + strings.Repeat("*", at-1) + email[at:]
}

// RedactCredential fully masks a credential, preserving only its length class.
func RedactCredential(cred string) string {
	if cred == "" {
		return ""
	}
	return "[redacted]"
}

// RedactLead returns a copy of the lead with identifying fields masked,
// suitable for logging and error emission.
func RedactLead(l LeadData) LeadData {
	out := l
	if out.Phone != "" {
		out.Phone = RedactPhone(out.Phone)
	}
	if out.Email != "" {
		out.Email = RedactEmail(out.Email)
	}
	if out.GuardianName != "" {
		out.GuardianName = out.GuardianName[:1] + "***"
	}
	if out.StudentName != "" {
		out.StudentName = out.StudentName[:1] + "***"
	}
	return out
}
