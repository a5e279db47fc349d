// Package store provides storage backends for LeadPipe.
//
// This file implements the SQLite-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/EduPipe/LeadPipe/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore implements Store over a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// If the database directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// SaveConversation upserts a conversation checkpoint.
func (s *SQLiteStore) SaveConversation(state models.ConversationState) error {
	args, err := conversationArgs(state)
	if err != nil {
		slog.Error("SQLiteStore SaveConversation marshal failed", "error", err, "senderID", state.SenderID)
		return err
	}
	_, err = s.db.Exec(`INSERT OR REPLACE INTO conversations (`+conversationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if err != nil {
		slog.Error("SQLiteStore SaveConversation failed", "error", err, "senderID", state.SenderID)
		return fmt.Errorf("failed to save conversation for %s: %w", state.SenderID, err)
	}
	slog.Debug("SQLiteStore SaveConversation succeeded", "senderID", state.SenderID, "stage", state.Stage)
	return nil
}

// GetConversation loads the checkpoint for a sender, or nil when none exists.
func (s *SQLiteStore) GetConversation(senderID string) (*models.ConversationState, error) {
	row := s.db.QueryRow(`SELECT `+conversationColumns+` FROM conversations
		WHERE sender_id = ? AND archived = 0`, senderID)
	state, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetConversation failed", "error", err, "senderID", senderID)
		return nil, fmt.Errorf("failed to load conversation for %s: %w", senderID, err)
	}
	return state, nil
}

// ListActiveConversations returns unarchived conversations, newest first.
func (s *SQLiteStore) ListActiveConversations(limit int) ([]models.ConversationState, error) {
	rows, err := s.db.Query(`SELECT `+conversationColumns+` FROM conversations
		WHERE archived = 0 ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		slog.Error("SQLiteStore ListActiveConversations failed", "error", err)
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
func (s *SQLiteStore) DeleteConversation(senderID string) error {
	_, err := s.db.Exec(`DELETE FROM conversations WHERE sender_id = ?`, senderID)
	if err != nil {
		slog.Error("SQLiteStore DeleteConversation failed", "error", err, "senderID", senderID)
		return fmt.Errorf("failed to delete conversation for %s: %w", senderID, err)
	}
	return nil
}

// ArchiveInactiveConversations marks idle conversations as archived.
func (s *SQLiteStore) ArchiveInactiveConversations(before time.Time) (int, error) {
	res, err := s.db.Exec(`UPDATE conversations SET archived = 1
		WHERE archived = 0 AND updated_at < ?`, before)
	if err != nil {
		slog.Error("SQLiteStore ArchiveInactiveConversations failed", "error", err)
		return 0, fmt.Errorf("failed to archive conversations: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("SQLiteStore archived inactive conversations", "count", n)
	}
	return int(n), nil
}

// IsDuplicate checks if a message ID has already been recorded.
func (s *SQLiteStore) IsDuplicate(messageID string) (bool, error) {
	var id string
	err := s.db.QueryRow(`SELECT message_id FROM inbound_dedup WHERE message_id = ?`, messageID).Scan(&id)
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
func (s *SQLiteStore) RecordInbound(messageID, senderID string) (bool, error) {
	var processed sql.NullTime
	err := s.db.QueryRow(`SELECT processed_at FROM inbound_dedup WHERE message_id = ?`, messageID).Scan(&processed)
	if err == sql.ErrNoRows {
		_, err = s.db.Exec(
			`INSERT OR IGNORE INTO inbound_dedup (message_id, sender_id, received_at) VALUES (?, ?, ?)`,
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
func (s *SQLiteStore) MarkProcessed(messageID string) error {
	_, err := s.db.Exec(`UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`,
		time.Now(), messageID)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

// AddDeliveryAttempt records one delivery attempt.
func (s *SQLiteStore) AddDeliveryAttempt(a models.DeliveryAttempt) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO delivery_attempts
		(delivery_id, recipient_id, attempt, status, error, time) VALUES (?, ?, ?, ?, ?, ?)`,
		a.DeliveryID, a.RecipientID, a.Attempt, a.Status, nilIfEmpty(a.Error), a.Time)
	if err != nil {
		slog.Error("SQLiteStore AddDeliveryAttempt failed", "error", err, "deliveryID", a.DeliveryID)
		return fmt.Errorf("failed to record delivery attempt: %w", err)
	}
	return nil
}

// GetDeliveryAttempts returns the recorded attempts for a recipient.
func (s *SQLiteStore) GetDeliveryAttempts(recipientID string) ([]models.DeliveryAttempt, error) {
	rows, err := s.db.Query(`SELECT delivery_id, recipient_id, attempt, status, error, time
		FROM delivery_attempts WHERE recipient_id = ? ORDER BY time`, recipientID)
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

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}
