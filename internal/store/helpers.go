package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/EduPipe/LeadPipe/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// marshalField JSON-encodes v, returning nil for encoding into a nullable column.
func marshalField(v interface{}) (interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal field failed: %w", err)
	}
	if string(data) == "null" {
		return nil, nil
	}
	return string(data), nil
}

// conversationColumns is the column list shared by both SQL backends.
const conversationColumns = `sender_id, stage, step, lead_data, metrics, history, trail, flags, appointment, created_at, updated_at`

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanConversation reconstructs a ConversationState from a row.
func scanConversation(row rowScanner) (*models.ConversationState, error) {
	var state models.ConversationState
	var stage string
	var step, leadJSON, metricsJSON, historyJSON, trailJSON, flagsJSON, appointmentJSON sql.NullString
	var createdAt, updatedAt time.Time

	err := row.Scan(&state.SenderID, &stage, &step, &leadJSON, &metricsJSON,
		&historyJSON, &trailJSON, &flagsJSON, &appointmentJSON, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	state.Stage = models.Stage(stage)
	state.Step = step.String
	state.CreatedAt = createdAt
	state.UpdatedAt = updatedAt

	fields := []struct {
		src sql.NullString
		dst interface{}
	}{
		{leadJSON, &state.Lead},
		{metricsJSON, &state.Metrics},
		{historyJSON, &state.History},
		{trailJSON, &state.Trail},
		{flagsJSON, &state.Flags},
		{appointmentJSON, &state.Appointment},
	}
	for _, f := range fields {
		if f.src.Valid && f.src.String != "" {
			if err := json.Unmarshal([]byte(f.src.String), f.dst); err != nil {
				return nil, fmt.Errorf("unmarshal conversation field failed: %w", err)
			}
		}
	}
	if state.Flags == nil {
		state.Flags = make(map[string]bool)
	}
	return &state, nil
}

// conversationArgs builds the insert/update argument list for a state.
func conversationArgs(state models.ConversationState) ([]interface{}, error) {
	leadJSON, err := marshalField(state.Lead)
	if err != nil {
		return nil, err
	}
	metricsJSON, err := marshalField(state.Metrics)
	if err != nil {
		return nil, err
	}
	historyJSON, err := marshalField(state.History)
	if err != nil {
		return nil, err
	}
	trailJSON, err := marshalField(state.Trail)
	if err != nil {
		return nil, err
	}
	flagsJSON, err := marshalField(state.Flags)
	if err != nil {
		return nil, err
	}
	appointmentJSON, err := marshalField(state.Appointment)
	if err != nil {
		return nil, err
	}
	return []interface{}{
		state.SenderID, string(state.Stage), nilIfEmpty(state.Step),
		leadJSON, metricsJSON, historyJSON, trailJSON, flagsJSON, appointmentJSON,
		state.CreatedAt, state.UpdatedAt,
	}, nil
}
