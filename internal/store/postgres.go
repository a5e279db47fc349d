// Package store provides storage backends for LeadPipe.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/EduPipe/LeadPipe/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants.
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database.
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool.
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused.
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore implements Store over a PostgreSQL database.
type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

// SaveConversation upserts a conversation checkpoint.
func (s *PostgresStore) SaveConversation(state models.ConversationState) error {
	args, err := conversationArgs(state)
	if err != nil {
		slog.Error("PostgresStore SaveConversation marshal failed", "error", err, "senderID", state.SenderID)
		return err
	}
	_, err = s.db.Exec(`INSERT INTO conversations (`+conversationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (sender_id) DO UPDATE SET
			stage = EXCLUDED.stage, step = EXCLUDED.step, lead_data = EXCLUDED.lead_data,
			metrics = EXCLUDED.metrics, history = EXCLUDED.history, trail = EXCLUDED.trail,
			flags = EXCLUDED.flags, appointment = EXCLUDED.appointment,
			archived = FALSE, updated_at = EXCLUDED.updated_at`, args...)
	if err != nil {
		slog.Error("PostgresStore SaveConversation failed", "error", err, "senderID", state.SenderID)
		return fmt.Errorf("failed to save conversation for %s: %w", state.SenderID, err)
	}
	slog.Debug("PostgresStore SaveConversation succeeded", "senderID", state.SenderID, "stage", state.Stage)
	return nil
}

// GetConversation loads the checkpoint for a sender, or nil when none exists.
func (s *PostgresStore) GetConversation(senderID string) (*models.ConversationState, error) {
	row := s.db.QueryRow(`SELECT `+conversationColumns+` FROM conversations
		WHERE sender_id = $1 AND NOT archived`, senderID)
	state, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetConversation failed", "error", err, "senderID", senderID)
		return nil, fmt.Errorf("failed to load conversation for %s: %w", senderID, err)
	}
	return state, nil
}

// ListActiveConversations returns unarchived conversations, newest first.
func (s *PostgresStore) ListActiveConversations(limit int) ([]models.ConversationState, error) {
	rows, err := s.db.Query(`SELECT `+conversationColumns+` FROM conversations
		WHERE NOT archived ORDER BY updated_at DESC LIMIT $1`, limit)
	if err != nil {
		slog.Error("PostgresStore ListActiveConversations failed", "error", err)
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var states []models.ConversationState
	for rows.Next() {
		state, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		states = append(states, *state)
	}
	return states, rows.Err()
}

// DeleteConversation removes the checkpoint for a sender.
func (s *PostgresStore) DeleteConversation(senderID string) error {
	_, err := s.db.Exec(`DELETE FROM conversations WHERE sender_id = $1`, senderID)
	if err != nil {
		slog.Error("PostgresStore DeleteConversation failed", "error", err, "senderID", senderID)
		return fmt.Errorf("failed to delete conversation for %s: %w", senderID, err)
	}
	return nil
}

// ArchiveInactiveConversations marks idle conversations as archived.
func (s *PostgresStore) ArchiveInactiveConversations(before time.Time) (int, error) {
	res, err := s.db.Exec(`UPDATE conversations SET archived = TRUE
		WHERE NOT archived AND updated_at < $1`, before)
	if err != nil {
		slog.Error("PostgresStore ArchiveInactiveConversations failed", "error", err)
		return 0, fmt.Errorf("failed to archive conversations: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("PostgresStore archived inactive conversations", "count", n)
	}
	return int(n), nil
}

// IsDuplicate checks if a message ID has already been recorded.
func (s *PostgresStore) IsDuplicate(messageID string) (bool, error) {
	var id string
	err := s.db.QueryRow(`SELECT message_id FROM inbound_dedup WHERE message_id = $1`, messageID).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return true, nil
}

// RecordInbound records an inbound message ID for idempotency. Only a record
// whose turn completed (MarkProcessed) counts as a duplicate; an unprocessed
// record belongs to a turn that never finished, so the retry runs it again.
func (s *PostgresStore) RecordInbound(messageID, senderID string) (bool, error) {
	var processed sql.NullTime
	err := s.db.QueryRow(`SELECT processed_at FROM inbound_dedup WHERE message_id = $1`, messageID).Scan(&processed)
	if err == sql.ErrNoRows {
		_, err = s.db.Exec(
			`INSERT INTO inbound_dedup (message_id, sender_id, received_at) VALUES ($1, $2, $3)
			 ON CONFLICT (message_id) DO NOTHING`,
			messageID, senderID, time.Now(),
		)
		if err != nil {
			return false, fmt.Errorf("record inbound failed: %w", err)
		}
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return !processed.Valid, nil
}

// MarkProcessed sets the processed timestamp for a message.
func (s *PostgresStore) MarkProcessed(messageID string) error {
	_, err := s.db.Exec(`UPDATE inbound_dedup SET processed_at = $1 WHERE message_id = $2`,
		time.Now(), messageID)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

// AddDeliveryAttempt records one delivery attempt.
func (s *PostgresStore) AddDeliveryAttempt(a models.DeliveryAttempt) error {
	_, err := s.db.Exec(`INSERT INTO delivery_attempts
		(delivery_id, recipient_id, attempt, status, error, time) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (delivery_id, attempt) DO UPDATE SET status = EXCLUDED.status, error = EXCLUDED.error`,
		a.DeliveryID, a.RecipientID, a.Attempt, a.Status, nilIfEmpty(a.Error), a.Time)
	if err != nil {
		slog.Error("PostgresStore AddDeliveryAttempt failed", "error", err, "deliveryID", a.DeliveryID)
		return fmt.Errorf("failed to record delivery attempt: %w", err)
	}
	return nil
}

// GetDeliveryAttempts returns the recorded attempts for a recipient.
func (s *PostgresStore) GetDeliveryAttempts(recipientID string) ([]models.DeliveryAttempt, error) {
	rows, err := s.db.Query(`SELECT delivery_id, recipient_id, attempt, status, error, time
		FROM delivery_attempts WHERE recipient_id = $1 ORDER BY time`, recipientID)
	if err != nil {
		return nil, fmt.Errorf("failed to query delivery attempts: %w", err)
	}
	defer rows.Close()

	var attempts []models.DeliveryAttempt
	for rows.Next() {
		var a models.DeliveryAttempt
		var errText sql.NullString
		if err := rows.Scan(&a.DeliveryID, &a.RecipientID, &a.Attempt, &a.Status, &errText, &a.Time); err != nil {
			return nil, fmt.Errorf("failed to scan delivery attempt: %w", err)
		}
		a.Error = errText.String
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate delivery attempts: %w", err)
	}
	return attempts, nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	return s.db.Close()
}
