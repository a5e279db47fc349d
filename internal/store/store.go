// Package store provides storage backends for LeadPipe.
//
// It persists conversation checkpoints for crash recovery, inbound message
// deduplication records, and per-attempt delivery status. SQLite and
// PostgreSQL backends share one interface; an in-memory store backs tests
// and degraded operation.
package store

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/EduPipe/LeadPipe/internal/models"
)

// Store is the persistence interface consumed by the pipeline.
type Store interface {
	// SaveConversation checkpoints a conversation state. Called after every
	// successful turn.
	SaveConversation(state models.ConversationState) error
	// GetConversation loads the checkpoint for a sender, or nil when none exists.
	GetConversation(senderID string) (*models.ConversationState, error)
	// DeleteConversation removes the checkpoint for a sender.
	DeleteConversation(senderID string) error
	// ArchiveInactiveConversations marks conversations idle since before the
	// given instant as archived and returns how many were archived.
	ArchiveInactiveConversations(before time.Time) (int, error)
	// ListActiveConversations returns up to limit unarchived conversations,
	// most recently updated first. Used to rebuild caches after a restart.
	ListActiveConversations(limit int) ([]models.ConversationState, error)

	// IsDuplicate checks if a message ID has already been recorded.
	IsDuplicate(messageID string) (bool, error)
	// RecordInbound records an inbound message ID for idempotency. It
	// returns false only when the ID was already recorded and its turn
	// completed (MarkProcessed); a record whose turn never finished counts
	// as fresh, so a gateway retry of a failed turn is processed again.
	RecordInbound(messageID, senderID string) (bool, error)
	// MarkProcessed sets the processed timestamp for a message, closing its
	// idempotency record.
	MarkProcessed(messageID string) error

	// AddDeliveryAttempt records one delivery attempt for the audit trail.
	AddDeliveryAttempt(a models.DeliveryAttempt) error
	// GetDeliveryAttempts returns the recorded attempts for a recipient.
	GetDeliveryAttempts(recipientID string) ([]models.DeliveryAttempt, error)

	// Close releases the underlying connection.
	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType inspects a DSN and reports "postgres" or "sqlite".
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite"
}

// InMemoryStore is a non-durable Store used by tests and as the degraded
// fallback when persistence is unavailable.
type InMemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]models.ConversationState
	dedup         map[string]dedupEntry
	deliveries    []models.DeliveryAttempt
}

type dedupEntry struct {
	senderID    string
	receivedAt  time.Time
	processedAt *time.Time
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		conversations: make(map[string]models.ConversationState),
		dedup:         make(map[string]dedupEntry),
	}
}

func (s *InMemoryStore) SaveConversation(state models.ConversationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[state.SenderID] = state
	return nil
}

func (s *InMemoryStore) GetConversation(senderID string) (*models.ConversationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.conversations[senderID]
	if !ok {
		return nil, nil
	}
	copied := state
	return &copied, nil
}

func (s *InMemoryStore) DeleteConversation(senderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, senderID)
	return nil
}

func (s *InMemoryStore) ArchiveInactiveConversations(before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, state := range s.conversations {
		if state.UpdatedAt.Before(before) {
			delete(s.conversations, id)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) ListActiveConversations(limit int) ([]models.ConversationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	states := make([]models.ConversationState, 0, len(s.conversations))
	for _, state := range s.conversations {
		states = append(states, state)
	}
	sort.Slice(states, func(i, j int) bool {
		return states[i].UpdatedAt.After(states[j].UpdatedAt)
	})
	if limit > 0 && len(states) > limit {
		states = states[:limit]
	}
	return states, nil
}

func (s *InMemoryStore) IsDuplicate(messageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.dedup[messageID]
	return ok, nil
}

func (s *InMemoryStore) RecordInbound(messageID, senderID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.dedup[messageID]; ok {
		// An unprocessed record belongs to a turn that never completed;
		// the retry runs it again.
		return entry.processedAt == nil, nil
	}
	s.dedup[messageID] = dedupEntry{senderID: senderID, receivedAt: time.Now()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.dedup[messageID]
	if ok {
		now := time.Now()
		entry.processedAt = &now
		s.dedup[messageID] = entry
	}
	return nil
}

func (s *InMemoryStore) AddDeliveryAttempt(a models.DeliveryAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries = append(s.deliveries, a)
	return nil
}

func (s *InMemoryStore) GetDeliveryAttempts(recipientID string) ([]models.DeliveryAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.DeliveryAttempt
	for _, a := range s.deliveries {
		if a.RecipientID == recipientID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *InMemoryStore) Close() error {
	return nil
}
