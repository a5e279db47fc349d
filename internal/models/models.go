// Package models defines the core data structures for LeadPipe.
//
// It includes conversation state, lead qualification data, message envelopes
// and the shared error taxonomy used across modules.
package models

import (
	"time"
)

// Stage identifies a conversation stage in the lead pipeline.
type Stage string

const (
	// StageGreeting is the initial stage for every new conversation.
	StageGreeting Stage = "greeting"
	// StageQualification collects the mandatory lead fields.
	StageQualification Stage = "qualification"
	// StageInformation answers program and pricing questions.
	StageInformation Stage = "information"
	// StageScheduling negotiates an appointment slot.
	StageScheduling Stage = "scheduling"
	// StageConfirmation is the terminal success stage after a booked appointment.
	StageConfirmation Stage = "confirmation"
	// StageValidation re-checks collected data before booking.
	StageValidation Stage = "validation"
	// StageHandoff is the terminal escalation stage.
	StageHandoff Stage = "handoff"
	// StageEmergency is a transient scripted-fallback stage used when no
	// generation provider is available.
	StageEmergency Stage = "emergency"
)

// IsValidStage checks if the given stage is a member of the stage enum.
func IsValidStage(s Stage) bool {
	switch s {
	case StageGreeting, StageQualification, StageInformation, StageScheduling,
		StageConfirmation, StageValidation, StageHandoff, StageEmergency:
		return true
	default:
		return false
	}
}

// IsTerminalStage reports whether the stage ends the conversation.
func IsTerminalStage(s Stage) bool {
	return s == StageConfirmation || s == StageHandoff
}

// Validation constants for conversation state bookkeeping.
const (
	// MaxHistoryLength caps the number of messages retained per conversation.
	MaxHistoryLength = 40
	// MaxTrailLength caps the number of decision trail entries per conversation.
	MaxTrailLength = 200
	// MaxInboundTextLength caps sanitized inbound message text.
	MaxInboundTextLength = 2048
)

// InboundMessage is a message received from the messaging gateway adapter.
type InboundMessage struct {
	MessageID  string    `json:"message_id"`
	SenderID   string    `json:"sender_id"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp_utc"`
	AuthHeader string    `json:"auth_header,omitempty"`
}

// OutboundMessage is a formatted reply handed to the delivery client.
type OutboundMessage struct {
	RecipientID string           `json:"recipient_id"`
	Text        string           `json:"formatted_text"`
	Category    ResponseCategory `json:"category"`
}

// DeliveryAttempt records one attempt to deliver an outbound message.
type DeliveryAttempt struct {
	DeliveryID  string    `json:"delivery_id"`
	RecipientID string    `json:"recipient_id"`
	Attempt     int       `json:"attempt"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	Time        time.Time `json:"time"`
}

// ResponseCategory selects the template used to format an outbound reply.
type ResponseCategory string

const (
	CategoryGreeting    ResponseCategory = "greeting"
	CategoryInfo        ResponseCategory = "info"
	CategoryPricing     ResponseCategory = "pricing"
	CategoryScheduling  ResponseCategory = "scheduling"
	CategoryConfirm     ResponseCategory = "confirmation"
	CategoryOutOfHours  ResponseCategory = "out_of_hours"
	CategoryRateLimited ResponseCategory = "rate_limited"
	CategoryHandoff     ResponseCategory = "handoff"
	CategoryEmergency   ResponseCategory = "emergency"
	CategoryFallback    ResponseCategory = "fallback"
)

// ConversationMessage represents a single message in the conversation history.
type ConversationMessage struct {
	Role      string    `json:"role"`      // "user" or "assistant"
	Content   string    `json:"content"`   // message content
	Timestamp time.Time `json:"timestamp"` // when the message was sent
}

// DecisionEntry is one audit trail record appended per stage execution and
// per state transition.
type DecisionEntry struct {
	Stage     string        `json:"stage"`
	Outcome   string        `json:"outcome"`
	Duration  time.Duration `json:"duration_ns"`
	Timestamp time.Time     `json:"timestamp"`
}

// TurnMetrics aggregates per-conversation performance counters.
type TurnMetrics struct {
	TurnCount        int     `json:"turn_count"`
	ValidationFails  int     `json:"validation_fails"`
	EmergencyEntries int     `json:"emergency_entries"`
	LatencyMsSamples []int64 `json:"latency_ms_samples,omitempty"`
}

// RecordLatency appends a latency sample, keeping at most MaxHistoryLength samples.
func (m *TurnMetrics) RecordLatency(d time.Duration) {
	m.LatencyMsSamples = append(m.LatencyMsSamples, d.Milliseconds())
	if len(m.LatencyMsSamples) > MaxHistoryLength {
		m.LatencyMsSamples = m.LatencyMsSamples[len(m.LatencyMsSamples)-MaxHistoryLength:]
	}
}

// ConversationState is the per-sender conversation record. At most one
// exists per sender id; it is mutated once per turn by the orchestrator
// under the per-sender lock.
type ConversationState struct {
	SenderID    string                `json:"sender_id"`
	Stage       Stage                 `json:"stage"`
	Step        string                `json:"step,omitempty"` // sub-state within a stage
	History     []ConversationMessage `json:"history,omitempty"`
	Lead        LeadData              `json:"lead"`
	Flags       map[string]bool       `json:"flags,omitempty"`
	Metrics     TurnMetrics           `json:"metrics"`
	Trail       []DecisionEntry       `json:"trail,omitempty"`
	Appointment *AppointmentRequest   `json:"appointment,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

// NewConversationState creates the initial state for a sender.
func NewConversationState(senderID string, now time.Time) *ConversationState {
	return &ConversationState{
		SenderID:  senderID,
		Stage:     StageGreeting,
		Flags:     make(map[string]bool),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// AppendMessage adds a message to the history, evicting the oldest entries
// once MaxHistoryLength is exceeded.
func (c *ConversationState) AppendMessage(role, content string, at time.Time) {
	c.History = append(c.History, ConversationMessage{Role: role, Content: content, Timestamp: at})
	if len(c.History) > MaxHistoryLength {
		c.History = c.History[len(c.History)-MaxHistoryLength:]
	}
	c.UpdatedAt = at
}

// AppendDecision appends one audit trail entry, evicting the oldest entries
// once MaxTrailLength is exceeded.
func (c *ConversationState) AppendDecision(stage, outcome string, duration time.Duration, at time.Time) {
	c.Trail = append(c.Trail, DecisionEntry{Stage: stage, Outcome: outcome, Duration: duration, Timestamp: at})
	if len(c.Trail) > MaxTrailLength {
		c.Trail = c.Trail[len(c.Trail)-MaxTrailLength:]
	}
}

// Flag reports whether a named validation flag is set.
func (c *ConversationState) Flag(name string) bool {
	return c.Flags != nil && c.Flags[name]
}

// SetFlag sets a named validation flag.
func (c *ConversationState) SetFlag(name string, value bool) {
	if c.Flags == nil {
		c.Flags = make(map[string]bool)
	}
	c.Flags[name] = value
}

// Conflict describes one overlap between a requested slot and an existing booking.
type Conflict struct {
	EventID string    `json:"event_id,omitempty"`
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
	Summary string    `json:"summary,omitempty"`
}

// AppointmentRequest is a requested appointment slot owned by the scheduling
// stage. EventID stays empty until the calendar confirms the booking.
type AppointmentRequest struct {
	Start     time.Time  `json:"start"`
	End       time.Time  `json:"end"`
	Conflicts []Conflict `json:"conflicts,omitempty"`
	EventID   string     `json:"event_id,omitempty"`
	Cancelled bool       `json:"cancelled,omitempty"`
}
